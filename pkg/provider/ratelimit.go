package provider

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimited throttles calls to an embedding and completion provider so a
// burst of turns cannot exhaust the upstream quota. A call that cannot get
// a token before its context ends fails with ErrUnavailable.
type RateLimited struct {
	embedder  EmbeddingProvider
	completer CompletionProvider
	limiter   *rate.Limiter
}

// NewRateLimited allows perSecond calls with a burst of twice that.
// Either provider may be nil.
func NewRateLimited(e EmbeddingProvider, c CompletionProvider, perSecond float64) *RateLimited {
	limit := rate.Inf
	burst := 1
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
		burst = max(1, int(perSecond*2))
	}
	return &RateLimited{embedder: e, completer: c, limiter: rate.NewLimiter(limit, burst)}
}

func (r *RateLimited) Embed(ctx context.Context, text string) ([]float32, error) {
	if r.embedder == nil {
		return nil, Unavailable("embed", nil)
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, Unavailable("embed rate limit", err)
	}
	return r.embedder.Embed(ctx, text)
}

func (r *RateLimited) Complete(ctx context.Context, prompt string, grounding []string) (string, error) {
	if r.completer == nil {
		return "", Unavailable("complete", nil)
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return "", Unavailable("complete rate limit", err)
	}
	return r.completer.Complete(ctx, prompt, grounding)
}
