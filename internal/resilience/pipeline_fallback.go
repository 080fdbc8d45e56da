package resilience

import (
	"context"

	"github.com/MrWong99/voxgate/pkg/provider/pipeline"
)

// PipelineFallback implements [pipeline.Provider] with failover across several
// pipeline backends, each behind its own circuit breaker.
type PipelineFallback struct {
	group *FallbackGroup[pipeline.Provider]
}

var _ pipeline.Provider = (*PipelineFallback)(nil)

// NewPipelineFallback creates a [PipelineFallback] with primary as the
// preferred backend.
func NewPipelineFallback(primary pipeline.Provider, primaryName string, cfg FallbackConfig) *PipelineFallback {
	return &PipelineFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another backend tried after the earlier ones.
func (f *PipelineFallback) AddFallback(name string, p pipeline.Provider) {
	f.group.AddFallback(name, p)
}

// Process sends the utterance to the first backend that produces response
// audio. Result.Provider names the backend that served it, or the last one
// tried when all failed.
func (f *PipelineFallback) Process(ctx context.Context, utterancePath string) pipeline.Result {
	res, name, err := ExecuteWithResult(ctx, f.group, func(ctx context.Context, p pipeline.Provider) (pipeline.Result, error) {
		r := p.Process(ctx, utterancePath)
		return r, r.AsError()
	})
	if err != nil {
		res = pipeline.Failure(err)
	}
	if res.Provider == "" {
		res.Provider = name
	}
	return res
}

// Available reports whether any backend's breaker currently admits calls.
func (f *PipelineFallback) Available() bool { return f.group.Available() }

// Breakers returns each backend's breaker state keyed by name.
func (f *PipelineFallback) Breakers() map[string]State { return f.group.Breakers() }

// Names returns the backend names in failover order.
func (f *PipelineFallback) Names() []string { return f.group.Names() }
