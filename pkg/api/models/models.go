// Package models holds the request and response bodies of the HTTP API.
package models

import (
	"time"

	"github.com/yyd/aurora/pkg/conversation"
	"github.com/yyd/aurora/pkg/knowledge"
	"github.com/yyd/aurora/pkg/memory"
	"github.com/yyd/aurora/pkg/storage"
)

// FeedbackRequest rates the latest reply of a session.
type FeedbackRequest struct {
	Rating  float64 `json:"rating" validate:"required,min=1,max=5"`
	Comment string  `json:"comment,omitempty" validate:"max=1000"`
}

// FeedbackResponse acknowledges a rating.
type FeedbackResponse struct {
	SessionID string  `json:"session_id"`
	Reward    float64 `json:"reward"`
	ReplyID   string  `json:"reply_id,omitempty"`
}

// ResolveHandoffRequest closes a handoff.
type ResolveHandoffRequest struct {
	Status storage.HandoffStatus `json:"status" validate:"omitempty,oneof=resolved ignored"`
	Notes  string                `json:"notes,omitempty" validate:"max=2000"`
}

// KnowledgeRequest creates or replaces a knowledge entry.
type KnowledgeRequest = knowledge.EntryInput

// MessageResponse wraps a turn. Duplicate is set when the event id was
// already handled.
type MessageResponse struct {
	*conversation.TurnResult
	Duplicate bool `json:"duplicate,omitempty"`
}

// SessionResponse is a session with its recent transcript.
type SessionResponse struct {
	*storage.Session
	Messages []*storage.Message `json:"messages,omitempty"`
}

// MessageListResponse lists a session's messages.
type MessageListResponse struct {
	SessionID string             `json:"session_id"`
	Messages  []*storage.Message `json:"messages"`
	Count     int                `json:"count"`
}

// KnowledgeListResponse lists knowledge entries.
type KnowledgeListResponse struct {
	Entries []*storage.KnowledgeEntry `json:"entries"`
	Count   int                       `json:"count"`
	Mode    knowledge.Mode            `json:"retrieval_mode"`
}

// SearchHit is one knowledge match.
type SearchHit struct {
	ID         string         `json:"id"`
	Category   string         `json:"category"`
	Text       string         `json:"text"`
	Locale     string         `json:"locale"`
	Similarity float64        `json:"similarity"`
	Mode       knowledge.Mode `json:"mode"`
}

// SearchResponse lists knowledge matches.
type SearchResponse struct {
	Query string      `json:"query"`
	Hits  []SearchHit `json:"hits"`
}

// HandoffListResponse lists handoffs.
type HandoffListResponse struct {
	Handoffs []*storage.HandoffRecord `json:"handoffs"`
	Count    int                      `json:"count"`
}

// DeadLetterListResponse lists dead-lettered turns.
type DeadLetterListResponse struct {
	DeadLetters []*conversation.DeadLetter `json:"dead_letters"`
	Count       int                        `json:"count"`
	Total       int                        `json:"total"`
}

// AnalyticsResponse is a noisy analytics release.
type AnalyticsResponse struct {
	memory.Snapshot
	EpsilonSpent     float64   `json:"epsilon_spent"`
	EpsilonRemaining float64   `json:"epsilon_remaining"`
	ReleasedAt       time.Time `json:"released_at"`
}
