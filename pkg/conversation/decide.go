package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/yyd/aurora/pkg/affect"
	"github.com/yyd/aurora/pkg/candidate"
	"github.com/yyd/aurora/pkg/escalation"
	"github.com/yyd/aurora/pkg/memory"
	"github.com/yyd/aurora/pkg/saga"
	"github.com/yyd/aurora/pkg/scoring"
	"github.com/yyd/aurora/pkg/storage"
)

// Priors of the replies the engine writes itself.
const (
	GenerativeConfidence = 0.7
	GenerativeRelevance  = 0.7
	GenericConfidence    = 0.2
)

var genericReplies = map[string]string{
	"en": "Thank you for your message. A member of our team will get back to you shortly.",
	"pt": "Obrigado pela sua mensagem. Alguém da nossa equipe vai responder em breve.",
	"es": "Gracias por tu mensaje. Una persona de nuestro equipo te responderá en breve.",
}

// GenericReply returns the last-resort reply for locale.
func GenericReply(locale string) string {
	if len(locale) >= 2 {
		if text, ok := genericReplies[strings.ToLower(locale[:2])]; ok {
			return text
		}
	}
	return genericReplies["en"]
}

// decision is the output of the decide step.
type decision struct {
	// Start is the decayed session state the turn advanced from.
	Start affect.Vector
	State affect.Vector
	// GateState is the more negative of State and the raw observation.
	GateState  affect.Vector
	Intent     string
	Reply      candidate.Candidate
	Score      float64
	Escalation escalation.Decision
	Candidates int
}

// startState decays the session state over the time it sat idle.
func (e *Engine) startState(sess *storage.Session, at time.Time) affect.Vector {
	start := sess.State
	if !sess.LastActiveAt.IsZero() {
		if idle := at.Sub(sess.LastActiveAt); idle > 0 {
			start = e.tracker.Decay(start, idle)
		}
	}
	return start
}

func (e *Engine) persistInbound(ctx context.Context, sc *saga.StepContext) (any, error) {
	t := sc.Input.(*turn)
	if t.userMsg == nil {
		t.userMsg = &storage.Message{
			ID:         newID(),
			SessionID:  t.msg.SessionID,
			Role:       storage.RoleUser,
			Text:       t.msg.Text,
			State:      t.obs.Vector,
			Confidence: t.obs.Confidence,
			Metadata:   storage.MessageMetadata{EventID: t.msg.ID},
			CreatedAt:  t.receivedAt,
		}
	}
	err := e.store.AppendMessage(ctx, t.userMsg)
	if err != nil && !errors.Is(err, storage.ErrAlreadyExists) {
		return nil, fmt.Errorf("append inbound message: %w", err)
	}
	return t.userMsg.ID, nil
}

func (e *Engine) undoInbound(ctx context.Context, cc *saga.CompensationContext) error {
	t := cc.Input.(*turn)
	if t.userMsg == nil {
		return nil
	}
	if err := e.store.DeleteMessage(ctx, t.userMsg.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("delete inbound message: %w", err)
	}
	return nil
}

func (e *Engine) decideStep(ctx context.Context, sc *saga.StepContext) (any, error) {
	t := sc.Input.(*turn)
	d, err := e.decide(ctx, t)
	if err != nil {
		return nil, err
	}
	t.decision = d
	return d.Reply.ActionID, nil
}

// decide runs the affect update, candidate generation, selection and
// escalation for a turn. It performs network I/O and must not be called
// with the session lock held.
func (e *Engine) decide(ctx context.Context, t *turn) (*decision, error) {
	start := e.startState(t.session, t.receivedAt)
	next := e.tracker.Advance(start, t.obs.Vector)
	d := &decision{
		Start:     start,
		State:     next,
		GateState: affect.MoreNegative(next, t.obs.Vector),
		Intent:    e.generator.DetectIntent(t.msg.Text),
	}

	history := e.history(ctx, t.msg.SessionID)
	cands, err := e.generator.Generate(ctx, candidate.Request{
		Query:  t.msg.Text,
		State:  next,
		Locale: t.locale,
		Intent: d.Intent,
		Context: candidate.Context{
			SessionID:  t.msg.SessionID,
			CustomerID: customerOf(t),
			Extra:      t.session.Context.Extra,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("generate candidates: %w", err)
	}
	d.Candidates = len(cands)

	ranked := e.scorer.Rank(next, cands, history)
	var bestConfidence float64
	if len(ranked) > 0 {
		d.Reply, d.Score = ranked[0].Candidate, ranked[0].Score
		bestConfidence = d.Reply.Confidence
	}
	d.Escalation = e.gate.Decide(t.msg.Text, d.GateState, d.Score, bestConfidence)

	if d.Escalation.RequiresFallback {
		reply, score, err := e.fallback(ctx, t, next, ranked, history)
		if err != nil {
			return nil, err
		}
		d.Reply, d.Score = reply, score
	}
	return d, nil
}

// fallback asks the completion provider for a reply grounded on the best
// local candidates. When it is unavailable the best local candidate, or
// a generic reply when there is none, is returned tagged as degraded.
func (e *Engine) fallback(ctx context.Context, t *turn, state affect.Vector, ranked []scoring.Scored, history scoring.History) (candidate.Candidate, float64, error) {
	grounding := make([]string, 0, e.groundingTopK)
	for _, s := range ranked {
		if len(grounding) == e.groundingTopK {
			break
		}
		grounding = append(grounding, s.Text)
	}

	if e.completer != nil {
		text, err := e.complete(ctx, t, state, grounding)
		switch {
		case err == nil:
			gen := candidate.Candidate{
				ActionID:   "generative:" + fallbackAction(ranked),
				Source:     storage.SourceGenerativeFallback,
				Text:       text,
				Tone:       affect.ClassifyTone(text),
				Relevance:  GenerativeRelevance,
				Confidence: GenerativeConfidence,
				Intent:     e.generator.DetectIntent(t.msg.Text),
			}
			if e.scorer.Allowed(gen) {
				return gen, e.scorer.Score(state, gen, history).Score, nil
			}
			e.logger.WarnContext(ctx, "generated reply rejected by policy", "session_id", t.msg.SessionID)
		case ctx.Err() != nil:
			return candidate.Candidate{}, 0, ctx.Err()
		default:
			e.logger.WarnContext(ctx, "generative fallback unavailable, degrading",
				"session_id", t.msg.SessionID, "event_id", t.msg.ID, "error", err)
		}
	}

	if len(ranked) > 0 {
		best := ranked[0]
		best.Source = storage.SourceFallbackDegraded
		return best.Candidate, best.Score, nil
	}
	generic := candidate.Candidate{
		ActionID:   "fallback:generic",
		Source:     storage.SourceFallbackDegraded,
		Text:       GenericReply(t.locale),
		Tone:       affect.ToneInformative,
		Confidence: GenericConfidence,
	}
	return generic, e.scorer.Score(state, generic, history).Score, nil
}

func (e *Engine) complete(ctx context.Context, t *turn, state affect.Vector, grounding []string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.completionTimeout)
	defer cancel()

	register := affect.TargetRegister(state)
	prompt := fmt.Sprintf(
		"You are a tour booking assistant. Answer in locale %q with a %s tone, using only the reference answers when they apply.\nCustomer: %s",
		t.locale, register, t.msg.Text,
	)
	text, err := e.completer.Complete(callCtx, prompt, grounding)
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", errors.New("empty completion")
	}
	return text, nil
}

func fallbackAction(ranked []scoring.Scored) string {
	if len(ranked) > 0 && ranked[0].Intent != "" {
		return ranked[0].Intent
	}
	return "open"
}

// history reads the working set. Working memory is best effort: a
// missing or unreadable set means no history.
func (e *Engine) history(ctx context.Context, sessionID string) scoring.History {
	ws, err := e.memory.Working.Get(ctx, sessionID)
	if err != nil {
		if !errors.Is(err, memory.ErrNotFound) {
			e.logger.WarnContext(ctx, "working memory unavailable", "session_id", sessionID, "error", err)
		}
		return scoring.History{}
	}
	return scoring.History{RecentReplies: ws.RecentReplies, Feedback: ws.Feedback}
}

func customerOf(t *turn) string {
	if t.msg.CustomerID != "" {
		return t.msg.CustomerID
	}
	return t.session.CustomerID
}
