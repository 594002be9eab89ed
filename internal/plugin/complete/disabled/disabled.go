package disabled

import (
	"context"
	"fmt"

	"github.com/chirino/context-engine/internal/registry/complete"
)

func init() {
	complete.Register(complete.Plugin{
		Name: "none",
		Loader: func(ctx context.Context) (complete.Completer, error) {
			return &disabledCompleter{}, nil
		},
	})
}

type disabledCompleter struct{}

func (d *disabledCompleter) Complete(_ context.Context, _ complete.Request) (string, error) {
	return "", fmt.Errorf("completion is disabled")
}

func (d *disabledCompleter) ModelName() string { return "none" }

var _ complete.Completer = (*disabledCompleter)(nil)
