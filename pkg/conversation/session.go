package conversation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/yyd/aurora/pkg/memory"
	"github.com/yyd/aurora/pkg/storage"
)

// Close marks a session closed and drops its short-lived memory.
// Closing a closed or archived session returns it unchanged.
func (e *Engine) Close(ctx context.Context, sessionID string) (*storage.Session, error) {
	return e.retire(ctx, sessionID, storage.SessionClosed)
}

func (e *Engine) retire(ctx context.Context, sessionID string, status storage.SessionStatus) (*storage.Session, error) {
	unlock, err := e.locks.Lock(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status == status || sess.Status == storage.SessionArchived {
		return sess, nil
	}
	expected := sess.Version
	sess.Status = status
	sess.UpdatedAt = e.now()
	if err := e.store.UpdateSession(ctx, sess, expected); err != nil {
		return nil, fmt.Errorf("conversation: %s session %s: %w", status, sessionID, err)
	}
	if err := e.memory.ForgetSession(ctx, sessionID); err != nil {
		e.logger.WarnContext(ctx, "session memory not released", "session_id", sessionID, "error", err)
	}
	e.logger.InfoContext(ctx, "session retired", "session_id", sessionID, "status", status)
	return sess, nil
}

// Feedback records the customer's 1-5 rating of the latest reply. The
// rating becomes an Experience with reward (rating-3)/2, updates the
// remembered episode and biases the next selections of the session.
func (e *Engine) Feedback(ctx context.Context, sessionID string, rating float64, comment string) (*storage.Experience, error) {
	if math.IsNaN(rating) || rating < 1 || rating > 5 {
		return nil, ErrInvalidRating
	}
	unlock, err := e.locks.Lock(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status == storage.SessionArchived {
		return nil, ErrSessionClosed
	}

	reward := (rating - 3) / 2
	now := e.now()
	exp := &storage.Experience{
		ID:        newID(),
		SessionID: sessionID,
		State:     sess.State,
		Action:    sess.Context.Extra[extraLastAction],
		Tone:      sess.Context.LastReplyTone,
		Reward:    reward,
		NextState: sess.State,
		Metadata: map[string]string{
			"kind":     "feedback",
			"rating":   fmt.Sprintf("%.0f", rating),
			"reply_id": sess.Context.LastReplyID,
		},
		CreatedAt: now,
	}
	if comment != "" {
		exp.Metadata["comment"] = comment
	}
	e.recordExperience(ctx, exp)

	if _, err := e.memory.Episodic.Rate(ctx, sessionID, rating); err != nil && !errors.Is(err, memory.ErrNotFound) {
		e.logger.WarnContext(ctx, "episode rating not stored", "session_id", sessionID, "error", err)
	}
	e.memory.Aggregate.RecordRating(rating)

	ws, err := e.memory.Working.Get(ctx, sessionID)
	if err != nil {
		ws = &memory.WorkingSet{SessionID: sessionID}
	}
	ws.Feedback = reward
	ws.UpdatedAt = now
	if err := e.memory.Working.Put(ctx, ws); err != nil {
		e.logger.WarnContext(ctx, "working memory not updated", "session_id", sessionID, "error", err)
	}

	e.logger.InfoContext(ctx, "feedback recorded", "session_id", sessionID, "rating", rating)
	return exp, nil
}

// ArchiveInactive archives active sessions idle for longer than the
// inactivity timeout and returns how many were archived.
func (e *Engine) ArchiveInactive(ctx context.Context) (int, error) {
	if e.cfg.InactivityTimeout <= 0 {
		return 0, nil
	}
	cutoff := e.now().Add(-e.cfg.InactivityTimeout)
	archived := 0
	for _, status := range []storage.SessionStatus{storage.SessionActive, storage.SessionPaused, storage.SessionClosed} {
		sessions, err := e.store.ListSessions(ctx, storage.SessionFilter{Status: status, InactiveBefore: cutoff})
		if err != nil {
			return archived, fmt.Errorf("conversation: list inactive sessions: %w", err)
		}
		for _, s := range sessions {
			if _, err := e.retire(ctx, s.ID, storage.SessionArchived); err != nil {
				if ctx.Err() != nil {
					return archived, ctx.Err()
				}
				e.logger.WarnContext(ctx, "session not archived", "session_id", s.ID, "error", err)
				continue
			}
			archived++
		}
	}
	return archived, nil
}

// Start launches the inactivity janitor.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return errors.New("conversation: engine already started")
	}
	interval := e.cfg.JanitorInterval
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ctx, e.cancel = context.WithCancel(ctx)
	e.running = true
	e.wg.Add(1)
	go e.janitor(ctx, interval)
	e.logger.Info("conversation engine started", "janitor_interval", interval)
	return nil
}

// Stop halts the janitor and waits for it.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.cancel()
	e.mu.Unlock()

	e.wg.Wait()
	e.logger.Info("conversation engine stopped")
}

func (e *Engine) janitor(ctx context.Context, interval time.Duration) {
	defer e.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := e.ArchiveInactive(ctx)
			if err != nil && ctx.Err() == nil {
				e.logger.Warn("janitor pass failed", "error", err)
			}
			if n > 0 {
				e.logger.Info("archived inactive sessions", "count", n)
			}
		}
	}
}
