package testutil

import (
	"context"
	"sync/atomic"

	"github.com/dwsmith1983/nightrun/pkg/types"
)

// FakeGenerator is a scripted content generator. Fn decides per item; when
// nil every item gets "report:<identifier>".
type FakeGenerator struct {
	Fn    func(ctx context.Context, item types.WorkItem) ([]byte, error)
	calls atomic.Int64
}

func (g *FakeGenerator) Generate(ctx context.Context, item types.WorkItem) ([]byte, error) {
	g.calls.Add(1)
	if g.Fn != nil {
		return g.Fn(ctx, item)
	}
	return []byte("report:" + item.Identifier), nil
}

// Calls returns how many times Generate ran.
func (g *FakeGenerator) Calls() int64 { return g.calls.Load() }

// FakeRenderer is a scripted document renderer. Fn decides per item; when
// nil every item renders to "%PDF-" followed by its content.
type FakeRenderer struct {
	Fn    func(ctx context.Context, item types.WorkItem, content []byte) ([]byte, error)
	calls atomic.Int64
}

func (r *FakeRenderer) Render(ctx context.Context, item types.WorkItem, content []byte) ([]byte, error) {
	r.calls.Add(1)
	if r.Fn != nil {
		return r.Fn(ctx, item, content)
	}
	return append([]byte("%PDF-"), content...), nil
}

// Calls returns how many times Render ran.
func (r *FakeRenderer) Calls() int64 { return r.calls.Load() }

// BlockUntilDone waits for ctx to end and returns its error. It stands in for
// a collaborator call that never gets a connection.
func BlockUntilDone(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}
