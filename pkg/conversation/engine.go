// Package conversation runs customer turns end to end: it serializes work
// per session, drives each turn through a compensating saga, commits the
// session optimistically and feeds memory and learning afterwards.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yyd/aurora/config"
	"github.com/yyd/aurora/pkg/affect"
	"github.com/yyd/aurora/pkg/candidate"
	"github.com/yyd/aurora/pkg/escalation"
	"github.com/yyd/aurora/pkg/eventbus"
	"github.com/yyd/aurora/pkg/events"
	"github.com/yyd/aurora/pkg/learning"
	"github.com/yyd/aurora/pkg/memory"
	"github.com/yyd/aurora/pkg/provider"
	"github.com/yyd/aurora/pkg/saga"
	"github.com/yyd/aurora/pkg/scoring"
	"github.com/yyd/aurora/pkg/storage"
)

var (
	// ErrDuplicate is returned for an inbound event id seen before.
	ErrDuplicate = errors.New("conversation: duplicate event")
	// ErrTurnFailed wraps a turn that was compensated and dead-lettered.
	ErrTurnFailed = errors.New("conversation: turn failed")
	// ErrInvalidMessage wraps validation failures of an inbound message.
	ErrInvalidMessage = errors.New("conversation: invalid message")
	// ErrInvalidRating is returned by Feedback for a rating outside 1-5.
	ErrInvalidRating = errors.New("conversation: rating must be between 1 and 5")
	// ErrSessionClosed is returned by Feedback on an archived session.
	ErrSessionClosed = errors.New("conversation: session is archived")
)

// Turn outcomes reported to the Recorder.
const (
	OutcomeCompleted    = "completed"
	OutcomeDuplicate    = "duplicate"
	OutcomeDeadLettered = "dead_lettered"
	OutcomeRejected     = "rejected"
)

// Saga step ids of a turn.
const (
	StepPersistInbound = "persist_inbound"
	StepDecide         = "decide"
	StepPersistOutcome = "persist_outcome"
	StepNotify         = "notify"
)

const (
	turnSagaName = "conversation_turn"

	extraLastAction = "last_action_id"
)

var tracer = otel.Tracer("aurora.conversation")

// Recorder receives turn metrics. *metrics.Collector implements it.
type Recorder interface {
	RecordTurn(outcome, source string, d time.Duration)
	RecordHandoff(reason string)
	RecordDeadLetter()
}

type nopRecorder struct{}

func (nopRecorder) RecordTurn(string, string, time.Duration) {}
func (nopRecorder) RecordHandoff(string)                     {}
func (nopRecorder) RecordDeadLetter()                        {}

// EventPublisher publishes conversation events. *eventbus.Publisher
// implements it.
type EventPublisher interface {
	Publish(ctx context.Context, event eventbus.Event) (eventbus.Envelope, error)
}

// UsageRecorder counts knowledge entries used in replies.
// *knowledge.Service implements it.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, id string) error
}

// Options wires an Engine. Store, Memory, Generator, Scorer, Gate and
// Channels are required; the rest have in-process defaults or are
// skipped when nil.
type Options struct {
	Store     storage.RecordStore
	Memory    *memory.Hierarchy
	Estimator *affect.Estimator
	Tracker   *affect.Tracker
	Generator *candidate.Generator
	Scorer    *scoring.Scorer
	Gate      *escalation.Gate
	Completer provider.CompletionProvider
	Channels  *provider.Channels

	Knowledge   UsageRecorder
	Publisher   EventPublisher
	Experiences *learning.Buffer
	Sagas       *saga.Orchestrator
	DeadLetters DeadLetterQueue
	Idempotency Idempotency
	Metrics     Recorder
	Logger      *slog.Logger

	Config config.ConversationConfig
	Saga   config.SagaConfig
	// GroundingTopK is how many ranked candidates ground the generative
	// fallback (default 3).
	GroundingTopK int
	// CompletionTimeout bounds one generative call (default 5s).
	CompletionTimeout time.Duration
	// RepetitionWindow is how many recent replies working memory keeps
	// (default 5).
	RepetitionWindow int
}

// TurnResult is what a turn produced.
type TurnResult struct {
	EventID          string         `json:"event_id"`
	SessionID        string         `json:"session_id"`
	MessageID        string         `json:"message_id,omitempty"`
	ReplyID          string         `json:"reply_id,omitempty"`
	Reply            string         `json:"reply,omitempty"`
	Source           storage.Source `json:"source,omitempty"`
	Tone             affect.Tone    `json:"tone,omitempty"`
	Intent           string         `json:"intent,omitempty"`
	Confidence       float64        `json:"confidence"`
	LowConfidence    bool           `json:"low_confidence"`
	Score            float64        `json:"score"`
	State            affect.Vector  `json:"state"`
	RequiresFallback bool           `json:"requires_fallback"`
	RequiresHandoff  bool           `json:"requires_handoff"`
	HandoffReason    string         `json:"handoff_reason,omitempty"`
	HandoffID        string         `json:"handoff_id,omitempty"`
	Channel          string         `json:"channel,omitempty"`
	ReceiptID        string         `json:"receipt_id,omitempty"`
	SagaID           string         `json:"saga_id,omitempty"`
	DeadLettered     bool           `json:"dead_lettered,omitempty"`
}

// Engine handles inbound turns. It is safe for concurrent use: turns of
// different sessions run in parallel, turns of one session commit one at
// a time.
type Engine struct {
	store       storage.RecordStore
	memory      *memory.Hierarchy
	estimator   *affect.Estimator
	tracker     *affect.Tracker
	generator   *candidate.Generator
	scorer      *scoring.Scorer
	gate        *escalation.Gate
	completer   provider.CompletionProvider
	channels    *provider.Channels
	knowledge   UsageRecorder
	publisher   EventPublisher
	experiences *learning.Buffer
	sagas       *saga.Orchestrator
	deadLetters DeadLetterQueue
	idempotency Idempotency
	metrics     Recorder
	logger      *slog.Logger
	validate    *validator.Validate

	cfg               config.ConversationConfig
	groundingTopK     int
	completionTimeout time.Duration
	window            int

	locks *sessionLocks
	def   *saga.Definition
	now   func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewEngine validates opts and builds the turn saga.
func NewEngine(opts Options) (*Engine, error) {
	var missing []error
	if opts.Store == nil {
		missing = append(missing, errors.New("store is required"))
	}
	if opts.Memory == nil {
		missing = append(missing, errors.New("memory hierarchy is required"))
	}
	if opts.Generator == nil {
		missing = append(missing, errors.New("candidate generator is required"))
	}
	if opts.Scorer == nil {
		missing = append(missing, errors.New("scorer is required"))
	}
	if opts.Gate == nil {
		missing = append(missing, errors.New("escalation gate is required"))
	}
	if opts.Channels == nil {
		missing = append(missing, errors.New("delivery channels are required"))
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("conversation: %w", errors.Join(missing...))
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "conversation")

	e := &Engine{
		store:             opts.Store,
		memory:            opts.Memory,
		estimator:         opts.Estimator,
		tracker:           opts.Tracker,
		generator:         opts.Generator,
		scorer:            opts.Scorer,
		gate:              opts.Gate,
		completer:         opts.Completer,
		channels:          opts.Channels,
		knowledge:         opts.Knowledge,
		publisher:         opts.Publisher,
		experiences:       opts.Experiences,
		sagas:             opts.Sagas,
		deadLetters:       opts.DeadLetters,
		idempotency:       opts.Idempotency,
		metrics:           opts.Metrics,
		logger:            logger,
		validate:          validator.New(validator.WithRequiredStructEnabled()),
		cfg:               opts.Config,
		groundingTopK:     opts.GroundingTopK,
		completionTimeout: opts.CompletionTimeout,
		window:            opts.RepetitionWindow,
		locks:             newSessionLocks(),
		now:               time.Now,
	}
	if e.estimator == nil {
		e.estimator = affect.NewEstimator(nil)
	}
	if e.tracker == nil {
		e.tracker = affect.NewTracker()
	}
	if e.sagas == nil {
		e.sagas = saga.NewOrchestrator(saga.WithLogger(logger))
	}
	if e.deadLetters == nil {
		e.deadLetters = NewMemoryDeadLetters(opts.Config.DeadLetterCapacity)
	}
	if e.idempotency == nil {
		e.idempotency = NewMemoryIdempotency(opts.Config.IdempotencyTTL)
	}
	if e.metrics == nil {
		e.metrics = nopRecorder{}
	}
	if e.cfg.DefaultLocale == "" {
		e.cfg.DefaultLocale = "en"
	}
	if e.groundingTopK <= 0 {
		e.groundingTopK = 3
	}
	if e.completionTimeout <= 0 {
		e.completionTimeout = 5 * time.Second
	}
	if e.window <= 0 {
		e.window = 5
	}

	def, err := e.turnDefinition(opts.Saga)
	if err != nil {
		return nil, err
	}
	e.def = def
	return e, nil
}

// DeadLetters exposes the dead-letter queue.
func (e *Engine) DeadLetters() DeadLetterQueue { return e.deadLetters }

func (e *Engine) turnDefinition(cfg config.SagaConfig) (*saga.Definition, error) {
	retry := saga.DefaultRetryPolicy()
	if cfg.MaxRetries > 0 {
		retry.MaxRetries = cfg.MaxRetries
	}
	if cfg.InitialBackoff > 0 {
		retry.InitialBackoff = cfg.InitialBackoff
	}
	if cfg.MaxBackoff > 0 {
		retry.MaxBackoff = cfg.MaxBackoff
	}

	b := saga.New(turnSagaName).WithRetry(retry)
	if cfg.StepTimeout > 0 {
		b = b.WithStepTimeout(cfg.StepTimeout)
	}
	return b.
		Step(StepPersistInbound,
			saga.Action(e.persistInbound),
			saga.Compensate(e.undoInbound)).
		Step(StepDecide,
			saga.Action(e.decideStep)).
		// The commit handles its own conflict retry.
		Step(StepPersistOutcome,
			saga.Action(e.persistOutcome),
			saga.Compensate(e.undoOutcome),
			saga.StepRetry(0)).
		Step(StepNotify,
			saga.Action(e.notify)).
		Build()
}

// turn is the mutable state of one inbound message flowing through the
// saga. Steps run sequentially, so no locking is needed.
type turn struct {
	msg        events.InboundMessage
	locale     string
	receivedAt time.Time
	obs        affect.Observation

	// session is the snapshot the turn was computed from.
	session *storage.Session
	created bool
	// status is the session status when the turn began.
	status storage.SessionStatus

	userMsg    *storage.Message
	decision   *decision
	replyMsg   *storage.Message
	handoff    *storage.HandoffRecord
	committed  *storage.Session
	experience *storage.Experience
	channel    string
	ack        provider.Ack
}

// HandleInbound runs one turn. A duplicate event id returns ErrDuplicate
// and has no effect. A turn whose saga fails is compensated, pushed to
// the dead-letter queue and returned with DeadLettered set alongside an
// error wrapping ErrTurnFailed.
func (e *Engine) HandleInbound(ctx context.Context, msg events.InboundMessage) (res *TurnResult, err error) {
	if verr := e.validate.Struct(msg); verr != nil {
		e.metrics.RecordTurn(OutcomeRejected, "", 0)
		return nil, fmt.Errorf("%w: %w", ErrInvalidMessage, verr)
	}
	started := e.now()

	ctx, span := tracer.Start(ctx, "conversation.turn", trace.WithAttributes(
		attribute.String("conversation.session_id", msg.SessionID),
		attribute.String("conversation.event_id", msg.ID),
	))
	defer func() {
		if err != nil && !errors.Is(err, ErrDuplicate) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	t, claimed, err := e.begin(ctx, msg)
	if errors.Is(err, ErrDuplicate) {
		e.logger.DebugContext(ctx, "duplicate event ignored", "event_id", msg.ID, "session_id", msg.SessionID)
		e.metrics.RecordTurn(OutcomeDuplicate, "", e.now().Sub(started))
		return nil, err
	}
	if err != nil {
		if !claimed {
			return nil, err
		}
		return e.deadLetter(ctx, msg, nil, err, started)
	}

	inst, err := e.sagas.Execute(ctx, e.def, t)
	if err != nil {
		return e.deadLetter(ctx, msg, inst, err, started)
	}

	e.finalize(ctx, t)
	res = t.result(inst.ID, e.gate.Thresholds().Confidence)
	span.SetAttributes(
		attribute.String("conversation.source", string(res.Source)),
		attribute.Bool("conversation.handoff", res.RequiresHandoff),
	)
	e.metrics.RecordTurn(OutcomeCompleted, string(res.Source), e.now().Sub(started))
	e.logger.InfoContext(ctx, "turn completed",
		"session_id", msg.SessionID,
		"event_id", msg.ID,
		"source", res.Source,
		"confidence", res.Confidence,
		"handoff", res.RequiresHandoff,
		"reason", res.HandoffReason,
	)
	return res, nil
}

// begin claims the event and snapshots the session under the session
// lock. claimed reports whether the event id was taken.
func (e *Engine) begin(ctx context.Context, msg events.InboundMessage) (t *turn, claimed bool, err error) {
	receivedAt := msg.Timestamp
	if receivedAt.IsZero() {
		receivedAt = e.now()
	}

	unlock, err := e.locks.Lock(ctx, msg.SessionID)
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	ok, err := e.idempotency.Claim(ctx, msg.ID)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, ErrDuplicate
	}

	sess, created, err := e.loadSession(ctx, msg, receivedAt)
	if err != nil {
		return nil, true, err
	}

	locale := msg.Locale
	if locale == "" {
		locale = sess.Locale
	}
	if locale == "" {
		locale = e.cfg.DefaultLocale
	}

	obs := e.estimator.Estimate(msg.Text, locale)
	e.memory.Sensory.Add(msg.SessionID, memory.Percept{Text: msg.Text, Observation: obs, At: receivedAt})

	return &turn{
		msg:        msg,
		locale:     locale,
		receivedAt: receivedAt,
		obs:        obs,
		session:    sess,
		created:    created,
		status:     sess.Status,
	}, true, nil
}

// loadSession returns the stored session, creating it at equilibrium
// when missing. A malformed stored state is reset to equilibrium.
func (e *Engine) loadSession(ctx context.Context, msg events.InboundMessage, at time.Time) (*storage.Session, bool, error) {
	sess, err := e.store.GetSession(ctx, msg.SessionID)
	if err == nil {
		if !sess.State.Finite() || !sess.State.IsUnit() {
			e.logger.WarnContext(ctx, "stored affective state is malformed, resetting to equilibrium",
				"session_id", sess.ID, "state", sess.State.String())
			sess.State = affect.Equilibrium()
		}
		return sess, false, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, false, fmt.Errorf("conversation: load session %s: %w", msg.SessionID, err)
	}

	channel := msg.Channel
	if channel == "" {
		channel = "web"
	}
	sess = &storage.Session{
		ID:           msg.SessionID,
		Channel:      channel,
		Locale:       msg.Locale,
		CustomerID:   msg.CustomerID,
		Status:       storage.SessionActive,
		State:        affect.Equilibrium(),
		CreatedAt:    at,
		UpdatedAt:    at,
		LastActiveAt: at,
	}
	if err := e.store.CreateSession(ctx, sess); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			// Another replica created it first.
			return e.loadSession(ctx, msg, at)
		}
		return nil, false, fmt.Errorf("conversation: create session %s: %w", msg.SessionID, err)
	}
	e.logger.InfoContext(ctx, "session created", "session_id", sess.ID, "channel", sess.Channel)
	return sess.Clone(), true, nil
}

func (e *Engine) deadLetter(ctx context.Context, msg events.InboundMessage, inst *saga.Instance, cause error, started time.Time) (*TurnResult, error) {
	bg := context.WithoutCancel(ctx)
	now := e.now()
	dl := &DeadLetter{
		ID:            msg.ID,
		Message:       msg,
		Error:         cause.Error(),
		Attempts:      1,
		LastAttemptAt: now,
	}
	res := &TurnResult{EventID: msg.ID, SessionID: msg.SessionID, DeadLettered: true}
	if inst != nil {
		dl.SagaID = inst.ID
		dl.FailedStep = inst.FailedStep
		dl.SagaState = inst.State.String()
		res.SagaID = inst.ID
	}
	if err := e.deadLetters.Push(bg, dl); err != nil {
		e.logger.ErrorContext(ctx, "dead letter not stored", "event_id", msg.ID, "session_id", msg.SessionID, "error", err)
	}
	e.metrics.RecordDeadLetter()
	e.metrics.RecordTurn(OutcomeDeadLettered, "", now.Sub(started))
	e.logger.ErrorContext(ctx, "turn dead-lettered",
		"event_id", msg.ID,
		"session_id", msg.SessionID,
		"saga_id", dl.SagaID,
		"step", dl.FailedStep,
		"error", cause,
	)
	e.publish(bg, msg.SessionID, events.TypeTurnDeadLettered, events.TurnDeadLettered{
		EventID:   msg.ID,
		SessionID: msg.SessionID,
		Error:     cause.Error(),
		Attempts:  dl.Attempts,
	})
	return res, fmt.Errorf("%w: %w", ErrTurnFailed, cause)
}

// Reprocess runs a dead-lettered turn again and removes it on success.
// A failing run updates the letter instead.
func (e *Engine) Reprocess(ctx context.Context, id string) (*TurnResult, error) {
	dl, err := e.deadLetters.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := e.idempotency.Release(ctx, dl.Message.ID); err != nil {
		return nil, err
	}
	res, err := e.HandleInbound(ctx, dl.Message)
	if err != nil {
		return res, err
	}
	if err := e.deadLetters.Remove(ctx, id); err != nil && !errors.Is(err, ErrDeadLetterNotFound) {
		e.logger.WarnContext(ctx, "reprocessed dead letter not removed", "event_id", id, "error", err)
	}
	e.logger.InfoContext(ctx, "dead letter reprocessed", "event_id", id, "session_id", dl.Message.SessionID)
	return res, nil
}

// ReprocessAll retries every dead letter, oldest first, and returns how
// many succeeded.
func (e *Engine) ReprocessAll(ctx context.Context) (int, error) {
	letters, err := e.deadLetters.List(ctx, 0)
	if err != nil {
		return 0, err
	}
	ok := 0
	for _, dl := range letters {
		if err := ctx.Err(); err != nil {
			return ok, err
		}
		if _, err := e.Reprocess(ctx, dl.ID); err == nil {
			ok++
		}
	}
	return ok, nil
}

func (e *Engine) publish(ctx context.Context, sessionID, typ string, payload any) {
	if e.publisher == nil {
		return
	}
	if _, err := e.publisher.Publish(ctx, eventbus.Event{Type: typ, OrderingKey: sessionID, Payload: payload}); err != nil {
		e.logger.WarnContext(ctx, "event not published", "type", typ, "session_id", sessionID, "error", err)
	}
}

func (t *turn) result(sagaID string, confidenceThreshold float64) *TurnResult {
	d := t.decision
	res := &TurnResult{
		EventID:          t.msg.ID,
		SessionID:        t.msg.SessionID,
		MessageID:        t.userMsg.ID,
		ReplyID:          t.replyMsg.ID,
		Reply:            d.Reply.Text,
		Source:           d.Reply.Source,
		Tone:             d.Reply.Tone,
		Intent:           d.Intent,
		Confidence:       d.Reply.Confidence,
		LowConfidence:    d.Reply.Confidence < confidenceThreshold,
		Score:            d.Score,
		State:            t.committed.State,
		RequiresFallback: d.Escalation.RequiresFallback,
		RequiresHandoff:  d.Escalation.RequiresHandoff,
		HandoffReason:    string(d.Escalation.Reason),
		Channel:          t.channel,
		ReceiptID:        t.ack.ReceiptID,
		SagaID:           sagaID,
	}
	if t.handoff != nil {
		res.HandoffID = t.handoff.ID
	}
	return res
}
