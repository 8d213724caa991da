package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/yyd/aurora/pkg/affect"
	"github.com/yyd/aurora/pkg/events"
	"github.com/yyd/aurora/pkg/memory"
	"github.com/yyd/aurora/pkg/provider"
	"github.com/yyd/aurora/pkg/saga"
	"github.com/yyd/aurora/pkg/storage"
)

func newID() string { return uuid.NewString() }

func (e *Engine) persistOutcome(ctx context.Context, sc *saga.StepContext) (any, error) {
	t := sc.Input.(*turn)
	unlock, err := e.locks.Lock(ctx, t.msg.SessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return e.commit(ctx, t)
}

// commit stores the reply, the handoff and the new session state. The
// session update is optimistic on the snapshot's Version; a conflict is
// retried once from the fresh session, a second one fails the step.
func (e *Engine) commit(ctx context.Context, t *turn) (string, error) {
	for attempt := 0; ; attempt++ {
		id, err := e.commitOnce(ctx, t)
		if attempt == 0 && errors.Is(err, storage.ErrConflict) {
			e.logger.InfoContext(ctx, "session commit conflicted, retrying", "session_id", t.msg.SessionID)
			continue
		}
		return id, err
	}
}

// commitOnce recomputes the state when the stored session moved on
// since the snapshot, then writes.
func (e *Engine) commitOnce(ctx context.Context, t *turn) (string, error) {
	d := t.decision
	fresh, err := e.store.GetSession(ctx, t.msg.SessionID)
	if err != nil {
		return "", fmt.Errorf("reload session: %w", err)
	}
	if fresh.Version != t.session.Version {
		e.logger.InfoContext(ctx, "session changed during turn, recomputing state",
			"session_id", fresh.ID, "snapshot_version", t.session.Version, "version", fresh.Version)
		if !fresh.State.Finite() || !fresh.State.IsUnit() {
			fresh.State = affect.Equilibrium()
		}
		t.session = fresh
		d.Start = e.startState(fresh, t.receivedAt)
		d.State = e.tracker.Advance(d.Start, t.obs.Vector)
	}
	prev := t.session
	now := e.now()

	reply := &storage.Message{
		ID:         newID(),
		SessionID:  t.msg.SessionID,
		Role:       storage.RoleAssistant,
		Text:       d.Reply.Text,
		State:      d.State,
		Confidence: d.Reply.Confidence,
		Source:     d.Reply.Source,
		Metadata: storage.MessageMetadata{
			EventID:       t.msg.ID,
			Intent:        d.Intent,
			Tone:          string(d.Reply.Tone),
			KnowledgeID:   d.Reply.KnowledgeID,
			Score:         d.Score,
			HandoffReason: string(d.Escalation.Reason),
			Extra:         map[string]string{"action_id": d.Reply.ActionID},
		},
		CreatedAt: now,
	}
	if err := e.store.AppendMessage(ctx, reply); err != nil {
		return "", fmt.Errorf("append reply: %w", err)
	}

	var handoff *storage.HandoffRecord
	if d.Escalation.RequiresHandoff {
		handoff = &storage.HandoffRecord{
			ID:         newID(),
			SessionID:  t.msg.SessionID,
			Reason:     storage.HandoffReason(d.Escalation.Reason),
			State:      d.GateState,
			Confidence: d.Reply.Confidence,
			Status:     storage.HandoffPending,
			CreatedAt:  now,
		}
		if err := e.store.CreateHandoff(ctx, handoff); err != nil {
			e.discard(ctx, reply, nil)
			return "", fmt.Errorf("create handoff: %w", err)
		}
	}

	next := prev.Clone()
	next.State = d.State
	// A message reopens the session it was sent to, but a close or an
	// archive that landed while the turn ran stands.
	if prev.Status == t.status {
		next.Status = storage.SessionActive
	}
	next.Locale = t.locale
	if next.CustomerID == "" {
		next.CustomerID = t.msg.CustomerID
	}
	next.UpdatedAt = now
	next.LastActiveAt = t.receivedAt
	next.Context.TurnCount++
	next.Context.LastIntent = d.Intent
	next.Context.LastReplyID = reply.ID
	next.Context.LastReplyText = reply.Text
	next.Context.LastReplyTone = string(d.Reply.Tone)
	next.Context.LastReplySource = string(d.Reply.Source)
	if next.Context.Extra == nil {
		next.Context.Extra = make(map[string]string)
	}
	next.Context.Extra[extraLastAction] = d.Reply.ActionID

	if err := e.store.UpdateSession(ctx, next, prev.Version); err != nil {
		e.discard(ctx, reply, handoff)
		return "", fmt.Errorf("commit session: %w", err)
	}

	t.replyMsg, t.handoff, t.committed = reply, handoff, next
	t.experience = previousExperience(prev, d.State, now)
	return reply.ID, nil
}

// previousExperience scores the reply given last turn by how the
// customer's warmth moved since.
func previousExperience(prev *storage.Session, next affect.Vector, now time.Time) *storage.Experience {
	if prev.Context.LastReplyID == "" {
		return nil
	}
	return &storage.Experience{
		ID:        newID(),
		SessionID: prev.ID,
		State:     prev.State,
		Action:    prev.Context.Extra[extraLastAction],
		Tone:      prev.Context.LastReplyTone,
		Reward:    next.Warmth() - prev.State.Warmth(),
		NextState: next,
		Metadata: map[string]string{
			"kind":     "turn",
			"reply_id": prev.Context.LastReplyID,
			"source":   prev.Context.LastReplySource,
		},
		CreatedAt: now,
	}
}

// discard removes what a failed commit already wrote.
func (e *Engine) discard(ctx context.Context, reply *storage.Message, handoff *storage.HandoffRecord) {
	ctx = context.WithoutCancel(ctx)
	if err := e.store.DeleteMessage(ctx, reply.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		e.logger.WarnContext(ctx, "orphan reply not removed", "message_id", reply.ID, "error", err)
	}
	if handoff == nil {
		return
	}
	if err := e.store.DeleteHandoff(ctx, handoff.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		e.logger.WarnContext(ctx, "orphan handoff not removed", "handoff_id", handoff.ID, "error", err)
	}
}

// undoOutcome deletes the reply and handoff and restores the snapshot
// session, unless a later turn already moved the session on.
func (e *Engine) undoOutcome(ctx context.Context, cc *saga.CompensationContext) error {
	t := cc.Input.(*turn)
	if t.replyMsg == nil {
		return nil
	}
	unlock, err := e.locks.Lock(ctx, t.msg.SessionID)
	if err != nil {
		return err
	}
	defer unlock()

	var errs []error
	if err := e.store.DeleteMessage(ctx, t.replyMsg.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		errs = append(errs, fmt.Errorf("delete reply: %w", err))
	}
	if t.handoff != nil {
		if err := e.store.DeleteHandoff(ctx, t.handoff.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			errs = append(errs, fmt.Errorf("delete handoff: %w", err))
		}
	}

	cur, err := e.store.GetSession(ctx, t.msg.SessionID)
	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("reload session: %w", err))
	case cur.Context.LastReplyID != t.replyMsg.ID:
		e.logger.WarnContext(ctx, "session moved on, state not restored",
			"session_id", cur.ID, "reply_id", t.replyMsg.ID)
	default:
		restored := t.session.Clone()
		if err := e.store.UpdateSession(ctx, restored, cur.Version); err != nil {
			errs = append(errs, fmt.Errorf("restore session: %w", err))
		}
	}
	t.experience = nil
	return errors.Join(errs...)
}

func (e *Engine) notify(ctx context.Context, sc *saga.StepContext) (any, error) {
	t := sc.Input.(*turn)
	name := t.msg.Channel
	if name == "" {
		name = t.committed.Channel
	}
	ch, err := e.channels.Get(name)
	if err != nil {
		return nil, err
	}
	ack, err := ch.Send(ctx, provider.Outbound{
		SessionID:      t.msg.SessionID,
		Text:           t.decision.Reply.Text,
		IdempotencyKey: t.msg.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("deliver via %s: %w", ch.Name(), err)
	}
	if ack.Channel == "" {
		ack.Channel = ch.Name()
	}
	t.channel, t.ack = ack.Channel, ack
	return ack, nil
}

// finalize feeds memory, learning and subscribers after a completed
// turn. Failures are logged; the customer already has the reply.
func (e *Engine) finalize(ctx context.Context, t *turn) {
	ctx = context.WithoutCancel(ctx)
	d := t.decision
	sid := t.msg.SessionID

	if unlock, err := e.locks.Lock(ctx, sid); err == nil {
		e.remember(ctx, t)
		unlock()
	}

	if d.Reply.KnowledgeID != "" && e.knowledge != nil {
		if err := e.knowledge.RecordUsage(ctx, d.Reply.KnowledgeID); err != nil {
			e.logger.WarnContext(ctx, "knowledge usage not recorded", "knowledge_id", d.Reply.KnowledgeID, "error", err)
		}
	}

	if t.handoff != nil {
		e.metrics.RecordHandoff(string(t.handoff.Reason))
		e.publish(ctx, sid, events.TypeHandoffCreated, events.HandoffCreated{
			HandoffID:  t.handoff.ID,
			SessionID:  sid,
			Reason:     string(t.handoff.Reason),
			State:      t.handoff.State,
			Confidence: t.handoff.Confidence,
			Source:     d.Reply.Source,
			CreatedAt:  t.handoff.CreatedAt,
		})
	}
	e.publish(ctx, sid, events.TypeReplySent, events.ReplySent{
		SessionID:  sid,
		MessageID:  t.replyMsg.ID,
		EventID:    t.msg.ID,
		Channel:    t.channel,
		ReceiptID:  t.ack.ReceiptID,
		Source:     d.Reply.Source,
		Confidence: d.Reply.Confidence,
		Handoff:    t.handoff != nil,
		SentAt:     t.ack.DeliveredAt,
	})
}

// remember updates the memory layers and the experience log. The caller
// holds the session lock.
func (e *Engine) remember(ctx context.Context, t *turn) {
	d := t.decision
	sid := t.msg.SessionID
	now := e.now()

	ws, err := e.memory.Working.Get(ctx, sid)
	if err != nil {
		if !errors.Is(err, memory.ErrNotFound) {
			e.logger.WarnContext(ctx, "working memory unavailable", "session_id", sid, "error", err)
		}
		ws = &memory.WorkingSet{SessionID: sid}
	}
	ws.Remember(d.Reply.Text, e.window)
	ws.LastIntent = d.Intent
	ws.LastTone = string(d.Reply.Tone)
	ws.UpdatedAt = now
	if err := e.memory.Working.Put(ctx, ws); err != nil {
		e.logger.WarnContext(ctx, "working memory not updated", "session_id", sid, "error", err)
	}

	err = e.memory.Episodic.Record(ctx, &storage.Episode{
		CustomerID: customerOf(t),
		SessionID:  sid,
		Query:      t.msg.Text,
		Reply:      d.Reply.Text,
		Tone:       string(d.Reply.Tone),
		Source:     d.Reply.Source,
		State:      d.State,
	})
	if err != nil {
		e.logger.WarnContext(ctx, "episode not recorded", "session_id", sid, "error", err)
	}
	e.memory.Aggregate.RecordTurn(string(d.Reply.Source), string(d.Reply.Tone), d.State.Warmth(), string(d.Escalation.Reason))

	if t.experience != nil {
		e.recordExperience(ctx, t.experience)
	}
}

func (e *Engine) recordExperience(ctx context.Context, exp *storage.Experience) {
	if err := e.store.AppendExperience(ctx, exp); err != nil {
		e.logger.WarnContext(ctx, "experience not stored", "session_id", exp.SessionID, "error", err)
	}
	if e.experiences != nil {
		e.experiences.Append(*exp)
	}
}
