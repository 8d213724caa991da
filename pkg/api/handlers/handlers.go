// Package handlers implements the HTTP endpoints of the API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"

	"github.com/yyd/aurora/pkg/api/middleware"
	"github.com/yyd/aurora/pkg/api/response"
	"github.com/yyd/aurora/pkg/conversation"
	"github.com/yyd/aurora/pkg/events"
	"github.com/yyd/aurora/pkg/knowledge"
	"github.com/yyd/aurora/pkg/storage"
)

const (
	maxBodyBytes = 1 << 20
	defaultLimit = 50
	maxLimit     = 500
)

// TurnRunner runs inbound turns. *conversation.Engine implements it.
type TurnRunner interface {
	HandleInbound(ctx context.Context, msg events.InboundMessage) (*conversation.TurnResult, error)
}

// SessionService closes and rates sessions. *conversation.Engine
// implements it.
type SessionService interface {
	Close(ctx context.Context, sessionID string) (*storage.Session, error)
	Feedback(ctx context.Context, sessionID string, rating float64, comment string) (*storage.Experience, error)
}

// DeadLetterService lists and replays failed turns. *conversation.Engine
// implements it.
type DeadLetterService interface {
	DeadLetters() conversation.DeadLetterQueue
	Reprocess(ctx context.Context, id string) (*conversation.TurnResult, error)
}

// KnowledgeService manages the catalog. *knowledge.Service implements it.
type KnowledgeService interface {
	Ingest(ctx context.Context, in knowledge.EntryInput) (*storage.KnowledgeEntry, error)
	Update(ctx context.Context, id string, in knowledge.EntryInput) (*storage.KnowledgeEntry, error)
	Get(ctx context.Context, id string) (*storage.KnowledgeEntry, error)
	List(ctx context.Context, filter storage.KnowledgeFilter) ([]*storage.KnowledgeEntry, error)
	Delete(ctx context.Context, id string) error
	Deactivate(ctx context.Context, id string) error
	Search(ctx context.Context, text, locale, category string) ([]knowledge.Match, error)
	Router() *knowledge.Router
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func requestID(r *http.Request) string {
	return middleware.GetRequestID(r.Context())
}

// decode reads a JSON body into v and validates it.
func decode(r *http.Request, v any) error {
	body := http.MaxBytesReader(nil, r.Body, maxBodyBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: empty body", response.ErrInvalidInput)
		}
		return fmt.Errorf("%w: %v", response.ErrInvalidInput, err)
	}
	return validate.Struct(v)
}

// limitParam parses ?limit=, clamped to maxLimit.
func limitParam(r *http.Request) (int, error) {
	return limitParamNamed(r, "limit")
}

func limitParamNamed(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return defaultLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%w: %s must be a positive integer", response.ErrInvalidInput, name)
	}
	return min(n, maxLimit), nil
}

func boolParam(r *http.Request, name string) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get(name))
	return v
}
