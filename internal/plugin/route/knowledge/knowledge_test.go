package knowledge_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/chirino/context-engine/internal/orchestrator"
	embedlocal "github.com/chirino/context-engine/internal/plugin/embed/local"
	"github.com/chirino/context-engine/internal/plugin/route/knowledge"
	"github.com/chirino/context-engine/internal/tier/active"
	"github.com/chirino/context-engine/internal/tier/compressed"
	"github.com/chirino/context-engine/internal/tier/entity"
	"github.com/chirino/context-engine/internal/tier/retrieval"
	"github.com/chirino/context-engine/internal/token"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func setupRouter(t *testing.T) *gin.Engine {
	t.Helper()
	counter := token.NewEstimator()
	idx, err := retrieval.NewIndex(counter, &embedlocal.LocalEmbedder{}, nil, retrieval.Options{})
	require.NoError(t, err)
	t.Cleanup(idx.Close)
	orch := orchestrator.New(
		counter,
		active.NewWindow(counter, 2000, nil),
		compressed.NewManager(counter, 5000, nil),
		idx,
		entity.NewGraph(counter, 6000, nil),
		entity.NewExtractor(nil),
		nil,
		orchestrator.Options{},
	)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	knowledge.MountRoutes(router, orch, idx)
	return router
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(method, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestPostDocumentsThenSearch(t *testing.T) {
	router := setupRouter(t)

	w := doJSON(t, router, http.MethodPost, "/v1/documents", map[string]any{
		"documents": []map[string]any{
			{"text": "Transformers process tokens with self attention", "source": "ml-notes"},
			{"text": "Slow roasted vegetables need an hour in the oven", "source": "recipes", "metadata": map[string]any{"topic": "food"}},
		},
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var created map[string][]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.Len(t, created["ids"], 2)

	w = doJSON(t, router, http.MethodPost, "/v1/search", map[string]any{
		"query":    "attention transformers",
		"strategy": "keyword",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var results struct {
		Results []struct {
			Document struct {
				Source string `json:"source"`
			} `json:"document"`
			Method string `json:"method"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &results))
	require.Len(t, results.Results, 1)
	require.Equal(t, "ml-notes", results.Results[0].Document.Source)
	require.Equal(t, "keyword", results.Results[0].Method)
}

func TestPostDocumentsRejectsEmptyText(t *testing.T) {
	router := setupRouter(t)

	w := doJSON(t, router, http.MethodPost, "/v1/documents", map[string]any{
		"documents": []map[string]any{{"text": "   ", "source": "x"}},
	})
	require.Equal(t, http.StatusBadRequest, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, "invalid_input", body["code"])
}

func TestPostSearchRejectsUnknownStrategy(t *testing.T) {
	router := setupRouter(t)

	w := doJSON(t, router, http.MethodPost, "/v1/search", map[string]any{
		"query":    "anything",
		"strategy": "psychic",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, "invalid_input", body["code"])
}
