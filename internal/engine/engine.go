// Package engine runs broadcast campaigns: it drains the contact queue in
// paced waves, resolves per-contact content, delivers it through the bot and
// records every attempt.
package engine

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/foxzi/pushline/internal/campaign"
	"github.com/foxzi/pushline/internal/content"
	"github.com/foxzi/pushline/internal/delivery"
	"github.com/foxzi/pushline/internal/history"
	"github.com/foxzi/pushline/internal/metrics"
	"github.com/foxzi/pushline/internal/queue"
	"github.com/foxzi/pushline/internal/ratelimit"
)

var (
	// ErrValidation is wrapped by every start precondition failure
	ErrValidation = errors.New("validation failed")

	ErrNoContacts   = fmt.Errorf("%w: no contacts loaded", ErrValidation)
	ErrNoContent    = fmt.Errorf("%w: no templates or script loaded", ErrValidation)
	ErrNoRecipient  = fmt.Errorf("%w: to required", ErrValidation)
	ErrUnauthorized = errors.New("forbidden")

	// ErrBusy is returned while a batch or autonomous loop is executing
	ErrBusy = errors.New("broadcast is busy")

	// ErrRunning is returned when an autonomous run is requested for a run
	// that is already in progress
	ErrRunning = errors.New("broadcast is already running")

	// ErrClosed is returned for runs requested after Close
	ErrClosed = errors.New("broadcast engine is shut down")
)

// DefaultWaveLimit is the number of contacts per wave when none is configured
const DefaultWaveLimit = 200

// Config holds pacing and authorization settings
type Config struct {
	WaveLimit int
	MinDelay  time.Duration
	MaxDelay  time.Duration
	Cooldown  time.Duration
	AdminPin  string
}

// CampaignStore holds the campaign definition
type CampaignStore interface {
	Definition(ctx context.Context) (*campaign.Definition, error)
	SetTemplates(ctx context.Context, templates []string) error
	SetScript(ctx context.Context, steps []campaign.Step) error
}

// ContentResolver builds per-contact messages
type ContentResolver interface {
	Resolve(def *campaign.Definition, contact queue.Contact, mode campaign.Mode) (*content.Message, error)
}

// Ledger records send attempts
type Ledger interface {
	Append(row history.Row) error
}

// SentMarker remembers phones that received a message
type SentMarker interface {
	Mark(phone string) error
}

// Quota decides whether one more send is permitted
type Quota interface {
	Allow(ctx context.Context, req *ratelimit.Request) (*ratelimit.Result, error)
}

// Options wires the engine to its collaborators.
// Quota, State, SentCache and Logger are optional.
type Options struct {
	Config    Config
	Queue     queue.Queue
	Campaign  CampaignStore
	Resolver  ContentResolver
	Sender    delivery.Sender
	Ledger    Ledger
	SentCache SentMarker
	Quota     Quota
	State     *StateStore
	Logger    *slog.Logger
}

// StartRequest is an operator request to start or continue a run
type StartRequest struct {
	AdminPin string `json:"adminPin"`
	Mode     string `json:"mode"`
}

// StatusReport is the run state together with the current queue size
type StatusReport struct {
	RunState
	Total int  `json:"total"`
	Plan  Plan `json:"plan"`
}

// run is the context of one executing batch or loop
type run struct {
	def    *campaign.Definition
	cancel <-chan struct{}
	gen    uint64
}

// Engine is the broadcast run state machine. All state transitions go
// through mu; sends and waits happen outside it.
type Engine struct {
	cfg       Config
	queue     queue.Queue
	campaign  CampaignStore
	resolver  ContentResolver
	sender    delivery.Sender
	ledger    Ledger
	sentCache SentMarker
	quota     Quota
	store     *StateStore
	logger    *slog.Logger

	now    func() time.Time
	jitter func() time.Duration

	mu     sync.Mutex
	state  RunState
	busy   bool
	closed bool
	cancel chan struct{} // closed when the run leaves running
	gen    uint64        // bumped whenever counters are reset

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
}

// New creates an engine and restores the persisted run state
func New(opts Options) (*Engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	cfg := opts.Config
	if cfg.WaveLimit <= 0 {
		cfg.WaveLimit = DefaultWaveLimit
	}
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay
	}

	e := &Engine{
		cfg:       cfg,
		queue:     opts.Queue,
		campaign:  opts.Campaign,
		resolver:  opts.Resolver,
		sender:    opts.Sender,
		ledger:    opts.Ledger,
		sentCache: opts.SentCache,
		quota:     opts.Quota,
		store:     opts.State,
		logger:    logger.With("component", "engine"),
		now:       time.Now,
		state:     idleState(),
		cancel:    make(chan struct{}),
	}
	close(e.cancel)
	e.jitter = e.randomDelay
	e.baseCtx, e.baseCancel = context.WithCancel(context.Background())

	if e.store != nil {
		st, err := e.store.Load()
		if err != nil {
			return nil, err
		}
		e.state = st
	}
	metrics.SetRunStatus(string(e.state.Status))

	return e, nil
}

// Close rejects new runs, cancels a running wave or autonomous loop after
// its in-flight contact and waits for it to exit. A run interrupted this
// way is left paused.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	e.baseCancel()
	e.wg.Wait()
}

// Busy reports whether a batch or autonomous loop is executing
func (e *Engine) Busy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.busy
}

// Status returns the run state and the current plan
func (e *Engine) Status(ctx context.Context) (*StatusReport, error) {
	total, err := e.queue.Len(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count contacts: %w", err)
	}

	e.mu.Lock()
	st := e.state
	e.mu.Unlock()

	return &StatusReport{RunState: st, Total: total, Plan: e.plan(total)}, nil
}

// Plan returns the plan for the current queue
func (e *Engine) Plan(ctx context.Context) (Plan, error) {
	total, err := e.queue.Len(ctx)
	if err != nil {
		return Plan{}, fmt.Errorf("failed to count contacts: %w", err)
	}
	return e.plan(total), nil
}

// Wave processes one bounded batch of up to the wave limit contacts and
// returns the resulting status. It may be called again while the run is
// running to send the next wave.
func (e *Engine) Wave(ctx context.Context, req StartRequest) (*StatusReport, error) {
	r, _, err := e.begin(ctx, req, false)
	if err != nil {
		return nil, err
	}

	// Close ends the batch after the in-flight contact
	wctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(e.baseCtx, cancel)

	e.runWave(wctx, r)

	stop()
	cancel()
	if e.baseCtx.Err() != nil {
		e.interrupted(r)
	}
	metrics.IncWaves("manual")
	e.release()

	return e.Status(ctx)
}

// Fire starts an autonomous run that sends waves separated by the cooldown
// until the queue is empty or the run is paused or stopped. It returns the
// plan as soon as the run has started.
func (e *Engine) Fire(ctx context.Context, req StartRequest) (Plan, error) {
	r, plan, err := e.begin(ctx, req, true)
	if err != nil {
		return Plan{}, err
	}

	go func() {
		defer e.release()
		e.loop(e.baseCtx, r)
	}()

	return plan, nil
}

// Pause stops sending after the in-flight contact. It only affects a
// running run.
func (e *Engine) Pause(ctx context.Context) (*StatusReport, error) {
	e.mu.Lock()
	if e.state.Status == StatusRunning {
		e.setStatusLocked(StatusPaused)
		e.persistLocked()
		e.logger.Info("broadcast paused", "sent", e.state.Sent, "errors", e.state.Errors)
	}
	e.mu.Unlock()

	return e.Status(ctx)
}

// Stop ends the run
func (e *Engine) Stop(ctx context.Context) (*StatusReport, error) {
	e.mu.Lock()
	e.setStatusLocked(StatusDone)
	e.state.CooldownUntil = nil
	e.persistLocked()
	e.logger.Info("broadcast stopped", "sent", e.state.Sent, "errors", e.state.Errors)
	e.mu.Unlock()

	return e.Status(ctx)
}

// Reset returns to idle and clears counters. The queue is kept.
func (e *Engine) Reset(ctx context.Context) (*StatusReport, error) {
	e.mu.Lock()
	e.resetLocked()
	e.persistLocked()
	e.mu.Unlock()

	return e.Status(ctx)
}

// ImportContacts replaces the queue and resets the run
func (e *Engine) ImportContacts(ctx context.Context, contacts []queue.Contact) (Plan, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.busy {
		return Plan{}, ErrBusy
	}

	if err := e.queue.Replace(ctx, contacts); err != nil {
		return Plan{}, fmt.Errorf("failed to store contacts: %w", err)
	}
	e.resetLocked()
	e.persistLocked()
	metrics.SetQueueSize(len(contacts))

	e.logger.Info("contacts imported", "count", len(contacts))
	return e.plan(len(contacts)), nil
}

// SetTemplates replaces the legacy templates and resets the run
func (e *Engine) SetTemplates(ctx context.Context, templates []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.busy {
		return ErrBusy
	}

	if err := e.campaign.SetTemplates(ctx, templates); err != nil {
		return fmt.Errorf("failed to store templates: %w", err)
	}
	e.resetLocked()
	e.persistLocked()

	e.logger.Info("templates imported", "count", len(templates))
	return nil
}

// SetScript replaces the campaign script. The run state is kept.
func (e *Engine) SetScript(ctx context.Context, steps []campaign.Step) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.busy {
		return ErrBusy
	}

	if err := e.campaign.SetScript(ctx, steps); err != nil {
		return fmt.Errorf("failed to store script: %w", err)
	}

	e.logger.Info("script saved", "steps", len(steps))
	return nil
}

// TestDirect sends a single message outside of any run. With a script the
// script is sent, resolved without a contact name; otherwise text is sent
// with the media for mode. Nothing is recorded in the ledger.
func (e *Engine) TestDirect(ctx context.Context, to, text, mode string) error {
	if to == "" {
		return ErrNoRecipient
	}

	def := e.definition(ctx)
	if !def.HasScript() {
		def = &campaign.Definition{Templates: []string{text}}
	} else {
		def = &campaign.Definition{Script: def.Script}
	}

	msg, err := e.resolver.Resolve(def, queue.Contact{Phone: to}, campaign.ParseMode(mode))
	if err != nil {
		return fmt.Errorf("failed to resolve test message: %w", err)
	}

	if msg.Scripted() {
		return e.sender.SendScripted(ctx, to, msg.Script)
	}
	return e.sender.SendLegacy(ctx, to, msg.Text, msg.Media)
}

// begin validates a start request and moves the run to running
func (e *Engine) begin(ctx context.Context, req StartRequest, autonomous bool) (*run, Plan, error) {
	if !e.authorized(req.AdminPin) {
		return nil, Plan{}, ErrUnauthorized
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, Plan{}, ErrClosed
	}
	if e.busy {
		return nil, Plan{}, ErrBusy
	}
	if autonomous && e.state.Status == StatusRunning {
		return nil, Plan{}, ErrRunning
	}

	def := e.definition(ctx)
	if def.Empty() {
		return nil, Plan{}, ErrNoContent
	}

	total, err := e.queue.Len(ctx)
	if err != nil {
		return nil, Plan{}, fmt.Errorf("failed to count contacts: %w", err)
	}
	if total == 0 {
		return nil, Plan{}, ErrNoContacts
	}

	plan := e.plan(total)
	mode := campaign.ParseMode(req.Mode)

	if e.state.Status != StatusRunning {
		now := e.now()
		e.gen++
		e.state = RunState{
			Status:     StatusRunning,
			StartedAt:  &now,
			WavesTotal: plan.Waves,
			WaveIndex:  1,
			Mode:       mode,
		}
		e.cancel = make(chan struct{})
		metrics.SetRunStatus(string(StatusRunning))

		e.logger.Info("broadcast started",
			"contacts", total,
			"waves", plan.Waves,
			"mode", mode,
			"autonomous", autonomous,
			"scripted", def.HasScript(),
		)
	} else {
		e.state.Mode = mode
	}

	e.busy = true
	e.wg.Add(1)
	e.persistLocked()
	metrics.SetQueueSize(total)

	return &run{def: def, cancel: e.cancel, gen: e.gen}, plan, nil
}

func (e *Engine) release() {
	e.mu.Lock()
	e.busy = false
	e.mu.Unlock()
	e.wg.Done()
}

// loop sends waves until the run ends
func (e *Engine) loop(ctx context.Context, r *run) {
	for e.runWave(ctx, r) {
		metrics.IncWaves("auto")
		if !e.cooldown(ctx, r) {
			break
		}
	}

	if ctx.Err() != nil {
		e.interrupted(r)
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if isOpen(r.cancel) {
		e.setStatusLocked(StatusDone)
		e.persistLocked()
	}
}

// interrupted leaves a run cut short by Close paused
func (e *Engine) interrupted(r *run) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if isOpen(r.cancel) {
		e.setStatusLocked(StatusPaused)
		e.persistLocked()
		e.logger.Info("broadcast interrupted by shutdown, paused")
	}
}

// runWave processes one batch and reports whether another wave should follow
func (e *Engine) runWave(ctx context.Context, r *run) bool {
	e.runBatch(ctx, r)

	remaining, err := e.queue.Len(ctx)

	e.mu.Lock()
	defer e.mu.Unlock()

	if err == nil && remaining == 0 {
		// A pause, stop or reset during the last send wins
		if isOpen(r.cancel) {
			e.setStatusLocked(StatusDone)
			e.persistLocked()
			e.logger.Info("broadcast finished", "sent", e.state.Sent, "errors", e.state.Errors)
		}
		return false
	}
	if !isOpen(r.cancel) || ctx.Err() != nil {
		return false
	}

	e.state.WaveIndex = min(e.state.WaveIndex+1, e.state.WavesTotal)
	e.persistLocked()
	e.logger.Info("wave complete",
		"wave", e.state.WaveIndex-1,
		"waves_total", e.state.WavesTotal,
		"remaining", remaining,
	)
	return true
}

// runBatch attempts up to the wave limit contacts from the queue front
func (e *Engine) runBatch(ctx context.Context, r *run) {
	for i := 0; i < e.cfg.WaveLimit; i++ {
		if !isOpen(r.cancel) || ctx.Err() != nil {
			return
		}

		contact, err := e.queue.Peek(ctx)
		if err != nil {
			e.abort(r, "failed to read contact queue", err)
			return
		}
		if contact == nil {
			return
		}

		if !e.allow(ctx, r, contact.Phone) {
			return
		}

		e.attempt(ctx, r, *contact)

		if err := e.queue.Pop(ctx); err != nil {
			e.abort(r, "failed to remove attempted contact", err)
			return
		}

		remaining, err := e.queue.Len(ctx)
		if err != nil {
			e.abort(r, "failed to count contacts", err)
			return
		}
		metrics.SetQueueSize(remaining)

		if remaining == 0 || i == e.cfg.WaveLimit-1 {
			return
		}
		if !e.wait(ctx, r.cancel, e.jitter()) {
			return
		}
	}
}

// attempt resolves, sends and records one contact
func (e *Engine) attempt(ctx context.Context, r *run, contact queue.Contact) {
	e.mu.Lock()
	mode := e.state.Mode
	e.mu.Unlock()

	row := history.Row{Phone: contact.Phone, Name: contact.Name}

	msg, err := e.resolver.Resolve(r.def, contact, mode)
	if err != nil {
		row.Status = history.StatusErrorSend
		row.Details = "SKIPPED:" + err.Error()
		e.record(r, row, false)
		return
	}

	path := delivery.PathLegacy
	if msg.Scripted() {
		path = delivery.PathScript
	}

	// An in-flight call is never aborted by pause, stop or shutdown
	sendCtx := context.WithoutCancel(ctx)
	if msg.Scripted() {
		err = e.sender.SendScripted(sendCtx, contact.Phone, msg.Script)
	} else {
		err = e.sender.SendLegacy(sendCtx, contact.Phone, msg.Text, msg.Media)
	}

	if err != nil {
		row.Status = history.StatusErrorSend
		row.Details = failureDetail(path, err)
		metrics.IncSendFailures(string(path), failureKind(err))
		e.logger.Warn("send failed", "phone", contact.Phone, "path", path, "error", err)
	} else {
		row.Status = history.StatusSentOK
		row.Details = string(path)
		metrics.IncSends(string(path))
		e.logger.Debug("sent", "phone", contact.Phone, "path", path)

		if e.sentCache != nil {
			if err := e.sentCache.Mark(contact.Phone); err != nil {
				e.logger.Warn("failed to update sent cache", "phone", contact.Phone, "error", err)
			}
		}
	}

	e.record(r, row, err == nil)
}

// record appends the ledger row and updates the run counters
func (e *Engine) record(r *run, row history.Row, ok bool) {
	if e.ledger != nil {
		if err := e.ledger.Append(row); err != nil {
			e.logger.Warn("failed to append history row", "phone", row.Phone, "error", err)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if r.gen != e.gen {
		return
	}
	if ok {
		e.state.Sent++
	} else {
		e.state.Errors++
	}
	e.persistLocked()
}

// allow asks the send quota and pauses the run on denial
func (e *Engine) allow(ctx context.Context, r *run, phone string) bool {
	if e.quota == nil {
		return true
	}

	res, err := e.quota.Allow(ctx, &ratelimit.Request{Phone: phone})
	if err != nil {
		e.logger.Warn("send quota check failed", "phone", phone, "error", err)
		return true
	}
	if res.Allowed {
		return true
	}

	metrics.IncRateLimitExceeded(string(res.DeniedBy))
	e.logger.Warn("send quota exceeded, pausing broadcast",
		"phone", phone,
		"denied_by", res.DeniedBy,
		"key", res.DeniedKey,
		"retry_after", res.RetryAfter,
	)

	e.mu.Lock()
	if isOpen(r.cancel) {
		e.setStatusLocked(StatusPaused)
		e.persistLocked()
	}
	e.mu.Unlock()
	return false
}

// abort pauses the run after a queue storage failure so that no contact is
// sent twice
func (e *Engine) abort(r *run, msg string, err error) {
	e.logger.Error(msg+", pausing broadcast", "error", err)

	e.mu.Lock()
	if isOpen(r.cancel) {
		e.setStatusLocked(StatusPaused)
		e.persistLocked()
	}
	e.mu.Unlock()
}

// cooldown waits between waves of an autonomous run
func (e *Engine) cooldown(ctx context.Context, r *run) bool {
	e.mu.Lock()
	if !isOpen(r.cancel) {
		e.mu.Unlock()
		return false
	}
	until := e.now().Add(e.cfg.Cooldown)
	e.state.CooldownUntil = &until
	e.persistLocked()
	e.mu.Unlock()

	metrics.IncCooldowns()
	e.logger.Info("cooldown started", "until", until)

	ok := e.wait(ctx, r.cancel, e.cfg.Cooldown)

	e.mu.Lock()
	if isOpen(r.cancel) {
		e.state.CooldownUntil = nil
		e.persistLocked()
	}
	e.mu.Unlock()

	return ok
}

// wait sleeps for d and returns false if the run was cancelled first
func (e *Engine) wait(ctx context.Context, cancel <-chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-cancel:
		return false
	case <-ctx.Done():
		return false
	}
}

func (e *Engine) setStatusLocked(s Status) {
	if e.state.Status == StatusRunning && s != StatusRunning {
		close(e.cancel)
		e.state.CooldownUntil = nil
	}
	e.state.Status = s
	metrics.SetRunStatus(string(s))
}

func (e *Engine) resetLocked() {
	e.setStatusLocked(StatusIdle)
	e.state = idleState()
	e.gen++
}

func (e *Engine) persistLocked() {
	if e.store == nil {
		return
	}
	if err := e.store.Save(e.state); err != nil {
		e.logger.Warn("failed to persist run state", "error", err)
	}
}

// definition loads the campaign, degrading to an empty one on error
func (e *Engine) definition(ctx context.Context) *campaign.Definition {
	def, err := e.campaign.Definition(ctx)
	if err != nil {
		e.logger.Warn("failed to load campaign definition", "error", err)
		return &campaign.Definition{}
	}
	return def
}

func (e *Engine) plan(total int) Plan {
	return NewPlan(total, e.cfg.WaveLimit, e.cfg.MinDelay, e.cfg.MaxDelay)
}

func (e *Engine) authorized(pin string) bool {
	if pin == "" || e.cfg.AdminPin == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(pin), []byte(e.cfg.AdminPin)) == 1
}

// randomDelay returns a uniform delay in [MinDelay, MaxDelay]
func (e *Engine) randomDelay() time.Duration {
	span := e.cfg.MaxDelay - e.cfg.MinDelay
	if span <= 0 {
		return e.cfg.MinDelay
	}
	return e.cfg.MinDelay + rand.N(span+1)
}

func isOpen(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return false
	default:
		return true
	}
}

func failureDetail(path delivery.Path, err error) string {
	var derr *delivery.Error
	if errors.As(err, &derr) {
		return derr.Detail()
	}
	return string(path) + "_EXCEPTION:" + err.Error()
}

func failureKind(err error) string {
	var derr *delivery.Error
	if errors.As(err, &derr) && !derr.Exception {
		return "fail"
	}
	return "exception"
}
