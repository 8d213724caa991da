// Package storage defines the durable records of the conversation engine
// and the RecordStore interface implemented by the memory, badger and
// sqlite backends.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/yyd/aurora/pkg/affect"
)

// RecordStore persists sessions, messages, knowledge, experiences,
// handoffs and episodes with at-least-once durability.
type RecordStore interface {
	SessionStore
	MessageStore
	KnowledgeStore
	ExperienceStore
	HandoffStore
	EpisodeStore

	// Close releases the backend.
	Close() error
}

// SessionStore manages sessions. UpdateSession is optimistic: it fails
// with a ConflictError unless the stored Version equals expectedVersion,
// and on success stores Version = expectedVersion + 1.
type SessionStore interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	UpdateSession(ctx context.Context, s *Session, expectedVersion int64) error
	ListSessions(ctx context.Context, filter SessionFilter) ([]*Session, error)
}

// MessageStore manages the messages owned by a session. Messages are
// immutable; DeleteMessage exists only to compensate an unfinished turn.
type MessageStore interface {
	AppendMessage(ctx context.Context, m *Message) error
	GetMessage(ctx context.Context, id string) (*Message, error)
	DeleteMessage(ctx context.Context, id string) error
	// ListMessages returns the last limit messages of a session in
	// chronological order; limit <= 0 returns all of them.
	ListMessages(ctx context.Context, sessionID string, limit int) ([]*Message, error)
}

// KnowledgeStore manages knowledge entries. SaveKnowledge upserts.
type KnowledgeStore interface {
	SaveKnowledge(ctx context.Context, e *KnowledgeEntry) error
	GetKnowledge(ctx context.Context, id string) (*KnowledgeEntry, error)
	ListKnowledge(ctx context.Context, filter KnowledgeFilter) ([]*KnowledgeEntry, error)
	DeleteKnowledge(ctx context.Context, id string) error
	RecordKnowledgeUsage(ctx context.Context, id string, at time.Time) error
}

// ExperienceStore is an append-only log of learning experiences.
type ExperienceStore interface {
	AppendExperience(ctx context.Context, e *Experience) error
	ListExperiences(ctx context.Context, since time.Time, limit int) ([]*Experience, error)
}

// HandoffStore manages handoff records.
type HandoffStore interface {
	CreateHandoff(ctx context.Context, h *HandoffRecord) error
	GetHandoff(ctx context.Context, id string) (*HandoffRecord, error)
	UpdateHandoff(ctx context.Context, h *HandoffRecord) error
	DeleteHandoff(ctx context.Context, id string) error
	ListHandoffs(ctx context.Context, filter HandoffFilter) ([]*HandoffRecord, error)
}

// EpisodeStore manages long-term episodic memory. SaveEpisode upserts.
type EpisodeStore interface {
	SaveEpisode(ctx context.Context, e *Episode) error
	GetEpisode(ctx context.Context, id string) (*Episode, error)
	ListEpisodes(ctx context.Context, filter EpisodeFilter) ([]*Episode, error)
}

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionActive   SessionStatus = "active"
	SessionPaused   SessionStatus = "paused"
	SessionClosed   SessionStatus = "closed"
	SessionArchived SessionStatus = "archived"
)

// Session is one conversation with a customer over one channel.
type Session struct {
	ID           string         `json:"id"`
	Channel      string         `json:"channel"`
	Locale       string         `json:"locale"`
	CustomerID   string         `json:"customer_id,omitempty"`
	Status       SessionStatus  `json:"status"`
	State        affect.Vector  `json:"state"`
	Context      SessionContext `json:"context"`
	Version      int64          `json:"version"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	LastActiveAt time.Time      `json:"last_active_at"`
}

// SessionContext carries the known conversational fields plus an
// extension map for channel-specific data.
type SessionContext struct {
	CustomerName    string            `json:"customer_name,omitempty"`
	LastIntent      string            `json:"last_intent,omitempty"`
	LastReplyID     string            `json:"last_reply_id,omitempty"`
	LastReplyText   string            `json:"last_reply_text,omitempty"`
	LastReplyTone   string            `json:"last_reply_tone,omitempty"`
	LastReplySource string            `json:"last_reply_source,omitempty"`
	TurnCount       int               `json:"turn_count"`
	Extra           map[string]string `json:"extra,omitempty"`
}

// Clone returns a deep copy of s.
func (s *Session) Clone() *Session {
	c := *s
	c.Context.Extra = cloneStrings(s.Context.Extra)
	return &c
}

// SessionFilter narrows ListSessions.
type SessionFilter struct {
	Status SessionStatus
	// InactiveBefore selects sessions whose LastActiveAt is earlier.
	InactiveBefore time.Time
	Limit          int
}

// Matches reports whether s passes the filter.
func (f SessionFilter) Matches(s *Session) bool {
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	if !f.InactiveBefore.IsZero() && !s.LastActiveAt.Before(f.InactiveBefore) {
		return false
	}
	return true
}

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Source tags where an assistant reply came from.
type Source string

const (
	SourceTemplate           Source = "template"
	SourceKnowledgeBase      Source = "knowledge_base"
	SourceLearned            Source = "learned"
	SourceEpisodic           Source = "episodic"
	SourceGenerativeFallback Source = "generative_fallback"
	SourceFallbackDegraded   Source = "fallback_degraded"
)

// Message is one immutable utterance in a session.
type Message struct {
	ID         string          `json:"id"`
	SessionID  string          `json:"session_id"`
	Role       Role            `json:"role"`
	Text       string          `json:"text"`
	State      affect.Vector   `json:"state"`
	Confidence float64         `json:"confidence"`
	Source     Source          `json:"source,omitempty"`
	Metadata   MessageMetadata `json:"metadata"`
	CreatedAt  time.Time       `json:"created_at"`
}

// MessageMetadata carries known per-message annotations plus an extension map.
type MessageMetadata struct {
	EventID       string            `json:"event_id,omitempty"`
	Intent        string            `json:"intent,omitempty"`
	Tone          string            `json:"tone,omitempty"`
	KnowledgeID   string            `json:"knowledge_id,omitempty"`
	Score         float64           `json:"score,omitempty"`
	HandoffReason string            `json:"handoff_reason,omitempty"`
	Extra         map[string]string `json:"extra,omitempty"`
}

// KnowledgeEntry is a multilingual answer the assistant can retrieve.
type KnowledgeEntry struct {
	ID       string            `json:"id"`
	Category string            `json:"category"`
	Tags     []string          `json:"tags,omitempty"`
	Texts    map[string]string `json:"texts"`
	// Embedding is empty while EmbeddingPending is set; such entries are
	// served by keyword search until the embedder recovers.
	Embedding        []float32  `json:"embedding,omitempty"`
	EmbeddingPending bool       `json:"embedding_pending"`
	ConfidenceWeight float64    `json:"confidence_weight"`
	UsageCount       int64      `json:"usage_count"`
	LastUsedAt       *time.Time `json:"last_used_at,omitempty"`
	Active           bool       `json:"active"`
	Version          int        `json:"version"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Text returns the variant for locale, falling back to the language,
// then English, then any variant.
func (e *KnowledgeEntry) Text(locale string) (string, string) {
	if t, ok := e.Texts[locale]; ok {
		return t, locale
	}
	if len(locale) > 2 {
		if t, ok := e.Texts[locale[:2]]; ok {
			return t, locale[:2]
		}
	}
	if t, ok := e.Texts["en"]; ok {
		return t, "en"
	}
	for loc, t := range e.Texts {
		return t, loc
	}
	return "", ""
}

// KnowledgeFilter narrows ListKnowledge.
type KnowledgeFilter struct {
	Category        string
	IncludeInactive bool
	PendingOnly     bool
	Limit           int
}

// Matches reports whether e passes the filter.
func (f KnowledgeFilter) Matches(e *KnowledgeEntry) bool {
	if !f.IncludeInactive && !e.Active {
		return false
	}
	if f.Category != "" && e.Category != f.Category {
		return false
	}
	if f.PendingOnly && !e.EmbeddingPending {
		return false
	}
	return true
}

// Experience is one (state, action, reward, next state) sample.
type Experience struct {
	ID        string            `json:"id"`
	SessionID string            `json:"session_id"`
	State     affect.Vector     `json:"state"`
	Action    string            `json:"action"`
	Tone      string            `json:"tone"`
	Reward    float64           `json:"reward"`
	NextState affect.Vector     `json:"next_state"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// HandoffReason explains why a human took over.
type HandoffReason string

const (
	ReasonNegativeEmotion HandoffReason = "negative_emotion"
	ReasonLowConfidence   HandoffReason = "low_confidence"
	ReasonExplicitRequest HandoffReason = "explicit_request"
)

// HandoffStatus tracks the human-agent workflow.
type HandoffStatus string

const (
	HandoffPending  HandoffStatus = "pending"
	HandoffResolved HandoffStatus = "resolved"
	HandoffIgnored  HandoffStatus = "ignored"
)

// HandoffRecord asks a human agent to take over a session.
type HandoffRecord struct {
	ID         string        `json:"id"`
	SessionID  string        `json:"session_id"`
	Reason     HandoffReason `json:"reason"`
	State      affect.Vector `json:"state"`
	Confidence float64       `json:"confidence"`
	Status     HandoffStatus `json:"status"`
	Notes      string        `json:"notes,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	ResolvedAt *time.Time    `json:"resolved_at,omitempty"`
}

// HandoffFilter narrows ListHandoffs.
type HandoffFilter struct {
	Status    HandoffStatus
	SessionID string
	Limit     int
}

// Matches reports whether h passes the filter.
func (f HandoffFilter) Matches(h *HandoffRecord) bool {
	if f.Status != "" && h.Status != f.Status {
		return false
	}
	if f.SessionID != "" && h.SessionID != f.SessionID {
		return false
	}
	return true
}

// Episode is a remembered exchange with a customer and how it went.
type Episode struct {
	ID         string        `json:"id"`
	CustomerID string        `json:"customer_id,omitempty"`
	SessionID  string        `json:"session_id"`
	Query      string        `json:"query"`
	Reply      string        `json:"reply"`
	Tone       string        `json:"tone"`
	Source     Source        `json:"source"`
	State      affect.Vector `json:"state"`
	// Rating is 1-5 once the customer rated the reply, 0 before.
	Rating float64 `json:"rating"`
	// Strength decays from LastRecalledAt with time constant Stability (hours).
	Strength       float64   `json:"strength"`
	Stability      float64   `json:"stability"`
	Anonymized     bool      `json:"anonymized"`
	CreatedAt      time.Time `json:"created_at"`
	LastRecalledAt time.Time `json:"last_recalled_at"`
}

// EpisodeFilter narrows ListEpisodes.
type EpisodeFilter struct {
	CustomerID    string
	SessionID     string
	MinRating     float64
	CreatedBefore time.Time
	Limit         int
}

// Matches reports whether e passes the filter.
func (f EpisodeFilter) Matches(e *Episode) bool {
	if f.CustomerID != "" && e.CustomerID != f.CustomerID {
		return false
	}
	if f.SessionID != "" && e.SessionID != f.SessionID {
		return false
	}
	if f.MinRating > 0 && e.Rating < f.MinRating {
		return false
	}
	if !f.CreatedBefore.IsZero() && !e.CreatedAt.Before(f.CreatedBefore) {
		return false
	}
	return true
}

var (
	// ErrNotFound matches every NotFoundError.
	ErrNotFound = errors.New("not found")
	// ErrConflict matches every ConflictError.
	ErrConflict = errors.New("version conflict")
	// ErrAlreadyExists matches every DuplicateKeyError.
	ErrAlreadyExists = errors.New("already exists")
)

// NotFoundError indicates that the requested entity was not found.
type NotFoundError struct {
	EntityType string
	ID         string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.EntityType, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// DuplicateKeyError indicates that an entity with the given ID already exists.
type DuplicateKeyError struct {
	EntityType string
	ID         string
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("%s already exists: %s", e.EntityType, e.ID)
}

func (e *DuplicateKeyError) Is(target error) bool { return target == ErrAlreadyExists }

// ConflictError indicates an optimistic update lost a race.
type ConflictError struct {
	EntityType string
	ID         string
	Expected   int64
	Actual     int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s: expected version %d, found %d", e.EntityType, e.ID, e.Expected, e.Actual)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// StorageUnavailableError indicates that the storage backend is unavailable.
type StorageUnavailableError struct {
	Cause error
}

func (e *StorageUnavailableError) Error() string {
	return fmt.Sprintf("storage unavailable: %v", e.Cause)
}

func (e *StorageUnavailableError) Unwrap() error { return e.Cause }

// SerializationError indicates a failure in data serialization/deserialization.
type SerializationError struct {
	Operation string
	Cause     error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("serialization error during %s: %v", e.Operation, e.Cause)
}

func (e *SerializationError) Unwrap() error { return e.Cause }

// Limit truncates items to the last n when n > 0.
func Limit[T any](items []T, n int) []T {
	if n > 0 && len(items) > n {
		return items[len(items)-n:]
	}
	return items
}

// Head truncates items to the first n when n > 0.
func Head[T any](items []T, n int) []T {
	if n > 0 && len(items) > n {
		return items[:n]
	}
	return items
}
