// Package dispatch turns comment traffic into agent notifications. A single
// event loop owns every scope's debounce accumulator and watchdog; dispatch
// calls run beside it and report back through the same loop.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/coderaugment/bonsai-app-sub000/internal/agentruntime"
	"github.com/coderaugment/bonsai-app-sub000/internal/audit"
	"github.com/coderaugment/bonsai-app-sub000/internal/clock"
	"github.com/coderaugment/bonsai-app-sub000/internal/presence"
	"github.com/coderaugment/bonsai-app-sub000/internal/store"
)

const tracerName = "github.com/coderaugment/bonsai-app-sub000/internal/dispatch"

// Separator joins batched comment texts.
const Separator = "\n\n---\n\n"

const (
	OutcomeAccepted   = "accepted"
	OutcomeCooldown   = "cooldown"
	OutcomeUnanswered = "unanswered"
	OutcomeFailed     = "failed"
)

var ErrStopped = errors.New("dispatch: coordinator stopped")

// presenceTimeout bounds each presence store call made from the loop.
const presenceTimeout = 2 * time.Second

type Config struct {
	Debounce        time.Duration
	WatchdogTimeout time.Duration
	DispatchTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Debounce:        3 * time.Second,
		WatchdogTimeout: 120 * time.Second,
		DispatchTimeout: 30 * time.Second,
	}
}

// Event announces a persisted comment.
type Event struct {
	Scope      presence.Scope
	CommentID  string
	AuthorType store.ActorType
	Text       string
}

type Recorder interface {
	RecordQuietly(ctx context.Context, ticketID, event string, actor audit.Actor, detail string, metadata map[string]any)
}

type scopeState struct {
	pending      []string
	debounce     *clock.Timer
	debounceGen  uint64
	watchdog     *clock.Timer
	watchdogGen  uint64
	working      string
	seq          uint64
	inflight     int
	lastDispatch time.Time
}

func (s *scopeState) idle() bool {
	return len(s.pending) == 0 && s.debounce == nil && s.watchdog == nil && s.working == "" && s.inflight == 0
}

type Coordinator struct {
	cfg       Config
	runtime   agentruntime.Runtime
	directory *Directory
	presence  presence.Store
	recorder  Recorder
	clock     clock.Clock
	logger    *slog.Logger
	tracer    trace.Tracer

	inbox    chan func()
	done     chan struct{}
	started  atomic.Bool
	inflight sync.WaitGroup
	runCtx   context.Context

	// loop-owned
	scopes map[presence.Scope]*scopeState
}

type Option func(*Coordinator)

func WithClock(c clock.Clock) Option {
	return func(co *Coordinator) { co.clock = c }
}

func WithLogger(logger *slog.Logger) Option {
	return func(co *Coordinator) {
		if logger != nil {
			co.logger = logger
		}
	}
}

func WithPresence(p presence.Store) Option {
	return func(co *Coordinator) { co.presence = p }
}

func New(cfg Config, runtime agentruntime.Runtime, directory *Directory, recorder Recorder, opts ...Option) *Coordinator {
	defaults := DefaultConfig()
	if cfg.Debounce <= 0 {
		cfg.Debounce = defaults.Debounce
	}
	if cfg.WatchdogTimeout <= 0 {
		cfg.WatchdogTimeout = defaults.WatchdogTimeout
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = defaults.DispatchTimeout
	}
	c := &Coordinator{
		cfg:       cfg,
		runtime:   runtime,
		directory: directory,
		recorder:  recorder,
		clock:     clock.Real(),
		logger:    slog.Default(),
		tracer:    otel.Tracer(tracerName),
		inbox:     make(chan func()),
		done:      make(chan struct{}),
		runCtx:    context.Background(),
		scopes:    make(map[presence.Scope]*scopeState),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.presence == nil {
		c.presence = presence.NewMemory(c.clock.Now)
	}
	return c
}

// Run processes events until ctx is cancelled, then waits for in-flight
// dispatches to report. Pending batches are dropped.
func (c *Coordinator) Run(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("dispatch: coordinator already running")
	}
	c.runCtx = ctx
	c.logger.Info("dispatch coordinator started", "debounce", c.cfg.Debounce, "watchdog", c.cfg.WatchdogTimeout)

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return ctx.Err()
		case fn := <-c.inbox:
			fn()
		}
	}
}

func (c *Coordinator) shutdown() {
	dropped := 0
	for _, st := range c.scopes {
		dropped += len(st.pending)
		st.debounce.Stop()
		st.watchdog.Stop()
	}
	close(c.done)
	c.inflight.Wait()
	c.logger.Info("dispatch coordinator stopped", "dropped_comments", dropped)
}

// do runs fn on the loop and waits for it to finish.
func (c *Coordinator) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	task := func() {
		defer close(finished)
		fn()
	}
	select {
	case c.inbox <- task:
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-finished
	return nil
}

// Notify feeds one persisted comment into its scope. When it returns, the
// scope's watchdog is cleared and, for human comments, the debounce window
// has restarted.
func (c *Coordinator) Notify(ctx context.Context, ev Event) error {
	if ev.Scope.TicketID == "" {
		return errors.New("dispatch: event has no ticket")
	}
	return c.do(ctx, func() { c.handleComment(ev) })
}

// Working reports the persona believed to be working on scope.
func (c *Coordinator) Working(ctx context.Context, scope presence.Scope) (presence.Status, bool, error) {
	return c.presence.Get(ctx, scope)
}

// ScopeStatus describes a scope's coordinator state.
type ScopeStatus struct {
	PendingComments int        `json:"pendingComments"`
	LastDispatch    *time.Time `json:"lastDispatch,omitempty"`
	WorkingPersona  string     `json:"workingPersona,omitempty"`
}

// Status reports the in-memory state of scope. Idle scopes report zero
// values.
func (c *Coordinator) Status(ctx context.Context, scope presence.Scope) (ScopeStatus, error) {
	var out ScopeStatus
	err := c.do(ctx, func() {
		st, ok := c.scopes[scope]
		if !ok {
			return
		}
		out.PendingComments = len(st.pending)
		out.WorkingPersona = st.working
		if !st.lastDispatch.IsZero() {
			at := st.lastDispatch
			out.LastDispatch = &at
		}
	})
	return out, err
}

func (c *Coordinator) state(scope presence.Scope) *scopeState {
	st, ok := c.scopes[scope]
	if !ok {
		st = &scopeState{}
		c.scopes[scope] = st
	}
	return st
}

func (c *Coordinator) release(scope presence.Scope, st *scopeState) {
	if st.idle() {
		delete(c.scopes, scope)
	}
}

func (c *Coordinator) handleComment(ev Event) {
	st := c.state(ev.Scope)
	st.seq++
	c.stopWatchdog(ev.Scope, st)

	// Agent and system comments are replies, not requests for work.
	if ev.AuthorType != store.ActorHuman || strings.TrimSpace(ev.Text) == "" {
		c.release(ev.Scope, st)
		return
	}

	st.pending = append(st.pending, ev.Text)
	st.debounce.Stop()
	st.debounceGen++
	gen := st.debounceGen
	scope := ev.Scope
	st.debounce = c.clock.AfterFunc(c.cfg.Debounce, func() {
		_ = c.do(context.Background(), func() { c.flush(scope, gen) })
	})
}

func (c *Coordinator) stopWatchdog(scope presence.Scope, st *scopeState) {
	if st.watchdog != nil {
		st.watchdog.Stop()
		st.watchdog = nil
		st.watchdogGen++
	}
	if st.working == "" {
		return
	}
	st.working = ""
	c.clearPresence(scope)
}

func (c *Coordinator) clearPresence(scope presence.Scope) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.runCtx), presenceTimeout)
	defer cancel()
	if err := c.presence.Clear(ctx, scope); err != nil {
		c.logger.Warn("clear presence failed", "scope", scope.String(), "err", err)
	}
}

func (c *Coordinator) setPresence(scope presence.Scope, persona string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.runCtx), presenceTimeout)
	defer cancel()
	if err := c.presence.Set(ctx, scope, persona, c.cfg.WatchdogTimeout); err != nil {
		c.logger.Warn("set presence failed", "scope", scope.String(), "err", err)
	}
}

func (c *Coordinator) flush(scope presence.Scope, gen uint64) {
	st, ok := c.scopes[scope]
	if !ok || gen != st.debounceGen {
		return
	}
	st.debounce = nil
	if len(st.pending) == 0 {
		c.release(scope, st)
		return
	}
	text := strings.Join(st.pending, Separator)
	batched := len(st.pending)
	st.pending = nil
	st.lastDispatch = c.clock.Now()

	req := agentruntime.Request{
		TicketID:       scope.TicketID,
		DocumentID:     scope.DocumentID,
		Text:           text,
		Target:         ResolveTarget(text, c.directory.Personas(), c.directory.Roles()),
		Conversational: IsConversational(text),
	}
	seq := st.seq
	st.inflight++

	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		outcome, persona := c.dispatch(scope, req, batched)
		_ = c.do(context.Background(), func() { c.handleResult(scope, seq, outcome, persona) })
	}()
}

func (c *Coordinator) dispatch(scope presence.Scope, req agentruntime.Request, batched int) (string, string) {
	ctx, cancel := context.WithTimeout(c.runCtx, c.cfg.DispatchTimeout)
	defer cancel()
	ctx, span := c.tracer.Start(ctx, "dispatch.flush", trace.WithAttributes(
		attribute.String("bonsai.ticket_id", scope.TicketID),
		attribute.String("bonsai.document_id", scope.DocumentID),
		attribute.String("bonsai.target", req.Target.String()),
		attribute.Int("bonsai.batched_comments", batched),
	))
	defer span.End()

	logger := c.logger.With("scope", scope.String(), "target", req.Target.String())
	resp, err := c.runtime.Dispatch(ctx, req)

	outcome, persona := OutcomeUnanswered, ""
	switch {
	case err != nil:
		outcome = OutcomeFailed
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Warn("dispatch failed", "err", err)
	case resp.RejectedCooldown:
		outcome = OutcomeCooldown
		logger.Info("dispatch rejected by cooldown")
	case resp.AcceptedPersona != "":
		outcome, persona = OutcomeAccepted, resp.AcceptedPersona
		logger.Info("dispatch accepted", "persona", persona)
	default:
		logger.Info("dispatch delivered without responder")
	}
	span.SetAttributes(attribute.String("bonsai.outcome", outcome))

	metadata := map[string]any{
		"outcome":        outcome,
		"target":         req.Target.String(),
		"conversational": req.Conversational,
		"comments":       batched,
	}
	if scope.DocumentID != "" {
		metadata["documentId"] = scope.DocumentID
	}
	if persona != "" {
		metadata["persona"] = persona
	}
	if err != nil {
		metadata["error"] = err.Error()
	}
	c.recorder.RecordQuietly(context.WithoutCancel(ctx), scope.TicketID, audit.EventDispatchAttempted, audit.System,
		fmt.Sprintf("dispatch to %s: %s", req.Target, outcome), metadata)
	return outcome, persona
}

func (c *Coordinator) handleResult(scope presence.Scope, seq uint64, outcome, persona string) {
	st := c.state(scope)
	st.inflight--
	defer c.release(scope, st)
	if outcome != OutcomeAccepted {
		return
	}
	if st.seq != seq {
		// A newer comment already answered or superseded this dispatch.
		return
	}

	c.stopWatchdog(scope, st)
	c.setPresence(scope, persona)
	st.working = persona
	gen := st.watchdogGen
	st.watchdog = c.clock.AfterFunc(c.cfg.WatchdogTimeout, func() {
		_ = c.do(context.Background(), func() { c.expireWatchdog(scope, gen) })
	})
}

func (c *Coordinator) expireWatchdog(scope presence.Scope, gen uint64) {
	st, ok := c.scopes[scope]
	if !ok || gen != st.watchdogGen || st.watchdog == nil {
		return
	}
	st.watchdog = nil
	st.watchdogGen++
	c.logger.Info("watchdog expired without a reply", "scope", scope.String(), "persona", st.working)
	st.working = ""
	c.clearPresence(scope)
	c.release(scope, st)
}
