// verifier Lambda checks and repairs the nightly invariants for a scope.
package main

import (
	"context"
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

func handler(ctx context.Context, req intlambda.VerifierRequest) (intlambda.VerifierResponse, error) {
	d, err := getDeps()
	if err != nil {
		return intlambda.VerifierResponse{}, err
	}
	if req.Scope.AsOfDate == "" {
		req.Scope.AsOfDate = d.Clock.Today()
	}
	return intlambda.HandleVerifier(ctx, d.Verifier, req)
}

func main() {
	slog.SetDefault(intlambda.NewLogger(os.Getenv("LOG_LEVEL")))
	awslambda.Start(handler)
}
