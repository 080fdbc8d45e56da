// Package mock provides a test double for pipeline.Provider.
//
// Provider returns a fixed Result (or calls ProcessFunc) and records every
// utterance path it was asked to process. Block, when non-nil, makes Process
// wait until the channel is closed or ctx is cancelled so tests can hold a
// session in its processing state.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxgate/pkg/provider/pipeline"
)

// Provider is a mock implementation of pipeline.Provider.
type Provider struct {
	mu sync.Mutex

	// Result is returned by Process when ProcessFunc is nil.
	Result pipeline.Result

	// ProcessFunc, if non-nil, computes the Result for each call.
	ProcessFunc func(ctx context.Context, utterancePath string) pipeline.Result

	// Block, if non-nil, delays Process until it is closed or ctx is done.
	// A cancelled ctx yields a failure wrapping ctx.Err().
	Block chan struct{}

	// Started, if non-nil, receives the utterance path when Process begins.
	Started chan string

	// ProcessCalls records the utterance path of every call in order.
	ProcessCalls []string
}

// Process records the call and returns the configured Result.
func (p *Provider) Process(ctx context.Context, utterancePath string) pipeline.Result {
	p.mu.Lock()
	p.ProcessCalls = append(p.ProcessCalls, utterancePath)
	block, started, fn, res := p.Block, p.Started, p.ProcessFunc, p.Result
	p.mu.Unlock()

	if started != nil {
		select {
		case started <- utterancePath:
		case <-ctx.Done():
		}
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return pipeline.Failure(ctx.Err())
		}
	}
	if fn != nil {
		return fn(ctx, utterancePath)
	}
	return res
}

// Calls returns a copy of the recorded utterance paths. Thread-safe.
func (p *Provider) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.ProcessCalls...)
}

// Ensure Provider implements pipeline.Provider at compile time.
var _ pipeline.Provider = (*Provider)(nil)
