// orchestrator Lambda runs one nightly generation pass. It is invoked by the
// EventBridge schedule with an optional as-of date.
package main

import (
	"context"
	"log/slog"
	"os"
	"sync"

	awslambda "github.com/aws/aws-lambda-go/lambda"

	intlambda "github.com/dwsmith1983/nightrun/internal/lambda"
	"github.com/dwsmith1983/nightrun/pkg/types"
)

var (
	deps     *intlambda.Deps
	depsOnce sync.Once
	depsErr  error
)

func getDeps() (*intlambda.Deps, error) {
	depsOnce.Do(func() {
		deps, depsErr = intlambda.Init(context.Background())
	})
	return deps, depsErr
}

func handler(ctx context.Context, req types.TriggerRequest) (intlambda.OrchestratorResponse, error) {
	d, err := getDeps()
	if err != nil {
		return intlambda.OrchestratorResponse{}, err
	}
	if req.RunSource == "" {
		req.RunSource = types.SourceScheduled
	}
	return intlambda.HandleOrchestrator(ctx, d.Orchestrator, req)
}

func main() {
	slog.SetDefault(intlambda.NewLogger(os.Getenv("LOG_LEVEL")))
	awslambda.Start(handler)
}
