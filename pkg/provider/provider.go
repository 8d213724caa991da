// Package provider defines the external collaborators of the conversation
// engine: embedding, generative completion and reply delivery.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrUnavailable marks a transient provider failure (timeout, quota,
// connection refused, 5xx). Callers degrade instead of surfacing it.
var ErrUnavailable = errors.New("provider unavailable")

// EmbeddingProvider turns text into a dense vector.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// CompletionProvider generates a reply grounded on local candidates.
type CompletionProvider interface {
	Complete(ctx context.Context, prompt string, grounding []string) (string, error)
}

// Ack confirms a delivery.
type Ack struct {
	Channel     string    `json:"channel"`
	ReceiptID   string    `json:"receipt_id,omitempty"`
	DeliveredAt time.Time `json:"delivered_at"`
}

// Outbound is one reply to deliver. IdempotencyKey stays the same across
// retries of the same reply so a channel can drop repeated sends.
type Outbound struct {
	SessionID      string
	Text           string
	IdempotencyKey string
}

// DeliveryChannel sends a reply to the customer over one channel type.
type DeliveryChannel interface {
	Name() string
	Send(ctx context.Context, out Outbound) (Ack, error)
}

// embedConcurrency bounds parallel calls so a batch cannot overwhelm the provider.
const embedConcurrency = 4

// EmbedBatch embeds texts concurrently. The result is positionally aligned
// with texts; the first failure cancels the rest.
func EmbedBatch(ctx context.Context, p EmbeddingProvider, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(embedConcurrency)

	for i, text := range texts {
		g.Go(func() error {
			vec, err := p.Embed(gCtx, text)
			if err != nil {
				return fmt.Errorf("embedding text %d: %w", i, err)
			}
			results[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Unavailable wraps err so errors.Is(err, ErrUnavailable) holds.
func Unavailable(op string, err error) error {
	if err == nil {
		return fmt.Errorf("%s: %w", op, ErrUnavailable)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}
