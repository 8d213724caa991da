// Package memory implements the layered memory of the conversation engine:
// a sensory buffer of raw observations, a short-lived working set per
// session, long-term episodic memory with strength decay, aggregate
// analytics, a template cache and versioned procedural rules.
package memory

import (
	"errors"
)

// Sentinel errors for the memory system.
var (
	ErrInvalidSessionID = errors.New("memory: invalid session ID")
	ErrNotFound         = errors.New("memory: entry not found")
	ErrInvalidRating    = errors.New("memory: rating must be between 1 and 5")
	ErrNoTemplate       = errors.New("memory: no template for intent")
)
