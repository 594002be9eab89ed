package model_test

import (
	"testing"

	"github.com/chirino/context-engine/internal/model"
	"github.com/stretchr/testify/require"
)

func TestNormalizeAttributes(t *testing.T) {
	got, err := model.NormalizeAttributes(map[string]any{
		"team":   "infra",
		"count":  float64(3),
		"active": true,
	})
	require.NoError(t, err)
	require.Equal(t, model.Attributes{"team": "infra", "count": float64(3), "active": true}, got)

	got, err = model.NormalizeAttributes(nil)
	require.NoError(t, err)
	require.Nil(t, got)

	var verr *model.ValidationError
	_, err = model.NormalizeAttributes(map[string]any{"nested": map[string]any{"a": 1}})
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "nested", verr.Field)
}

func TestAttributesMergeNewValuesWin(t *testing.T) {
	a := model.Attributes{"team": "infra", "city": "Paris"}
	b := model.Attributes{"team": "platform"}

	merged := a.Merge(b)
	require.Equal(t, "platform", merged["team"])
	require.Equal(t, "Paris", merged["city"])

	// The inputs stay untouched.
	require.Equal(t, "infra", a["team"])

	require.Nil(t, model.Attributes(nil).Merge(nil))
	require.Equal(t, a, model.Attributes(nil).Merge(a))
}
