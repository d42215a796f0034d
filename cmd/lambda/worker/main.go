// worker Lambda generates content for work items. It accepts a direct
// WorkerRequest or an SQS batch of them.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"

	awslambda "github.com/aws/aws-lambda-go/lambda"

	intlambda "github.com/dwsmith1983/nightrun/internal/lambda"
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

func handler(ctx context.Context, raw json.RawMessage) (any, error) {
	d, err := getDeps()
	if err != nil {
		return nil, err
	}
	return intlambda.HandleWorker(ctx, d.Worker, raw, d.Logger)
}

func main() {
	slog.SetDefault(intlambda.NewLogger(os.Getenv("LOG_LEVEL")))
	awslambda.Start(handler)
}
