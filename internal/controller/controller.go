// Package controller drives one job at a time: it submits or resumes the job,
// owns the event stream and the countdown ticker, feeds the progress model
// and publishes snapshots for the presenter.
//
// Every model mutation happens under a single mutex in arrival order, which
// gives the stream reader, the ticker and user calls one logical queue.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/jobstream/internal/id/uuid"
	"github.com/JakeFAU/jobstream/internal/identity"
	"github.com/JakeFAU/jobstream/internal/jobapi"
	"github.com/JakeFAU/jobstream/internal/journal"
	"github.com/JakeFAU/jobstream/internal/progress"
	"github.com/JakeFAU/jobstream/internal/protocol"
	"github.com/JakeFAU/jobstream/internal/stream"
)

var (
	// ErrNoActiveJob is returned by Cancel when no job is being followed.
	ErrNoActiveJob = errors.New("no active job")
	// ErrJobActive is returned by Submit and Reconnect while a job is still
	// being followed or being submitted.
	ErrJobActive = errors.New("a job is already active")
	// ErrCancelFailed wraps a rejected abort call. The job keeps running.
	ErrCancelFailed = errors.New("cancel failed")
	// ErrCancelPending is returned by Cancel while an earlier cancel is in flight.
	ErrCancelPending = errors.New("cancel already in flight")
	// ErrNothingToResolve is returned by Resolve when no confirmation is pending.
	ErrNothingToResolve = errors.New("no confirmation pending")
)

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// Backend is the subset of jobapi.Client the controller needs.
type Backend interface {
	Submit(ctx context.Context, p jobapi.Payload) (jobapi.Submission, error)
	Abort(ctx context.Context, jobID string) error
	StatusRequest(jobID string) stream.Request
	InlineRequest(p jobapi.Payload) (stream.Request, string, error)
}

// Stream is the subset of stream.Transport the controller needs.
type Stream interface {
	On(eventType string, fn stream.Handler) func()
	Open(ctx context.Context, req stream.Request) error
	Close()
}

// StreamFactory returns a fresh transport for each job.
type StreamFactory func() Stream

// Outcome summarises how the current or last job ended.
type Outcome string

// Job outcomes. OutcomeNone means the job is still running or none exists.
const (
	OutcomeNone      Outcome = ""
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeAborted   Outcome = "aborted"
	// OutcomeStale means a reconnect found the server no longer knows the job.
	OutcomeStale Outcome = "stale"
	// OutcomeAbandoned means a high-deletion failure was declined.
	OutcomeAbandoned Outcome = "abandoned"
)

// Update is one published snapshot.
type Update struct {
	JobID   string
	View    progress.View
	Outcome Outcome
	// Notice is a non-fatal message, such as a rejected cancel.
	Notice string
	// NeedsConfirmation is set while a high-deletion failure awaits Resolve.
	NeedsConfirmation bool
}

// Config tunes the controller.
type Config struct {
	Progress progress.Config
	// TickInterval is the countdown re-render cadence. Zero means one second.
	TickInterval time.Duration
	// Inline submits the payload as the stream request itself instead of a
	// separate submission call.
	Inline bool
	// UpdateBuffer is the capacity of the Updates channel.
	UpdateBuffer int
}

const (
	defaultTickInterval = time.Second
	defaultUpdateBuffer = 16
	storeTimeout        = 5 * time.Second
)

// Deps bundles the controller's collaborators.
type Deps struct {
	Backend   Backend
	NewStream StreamFactory
	Identity  identity.Store
	Clock     Clock
	Journal   journal.Emitter
	Logger    *zap.Logger
}

// Controller follows at most one job at a time.
type Controller struct {
	cfg       Config
	backend   Backend
	newStream StreamFactory
	store     identity.Store
	clock     Clock
	journal   journal.Emitter
	logger    *zap.Logger
	updates   chan Update

	mu          sync.Mutex
	job         *job
	state       progress.State
	outcome     Outcome
	notice      string
	lastPayload *jobapi.Payload
	confirm     bool
	submitting  bool
}

type job struct {
	id        string
	reconnect bool
	startedAt time.Time
	stream    Stream
	unsubs    []func()
	done      chan struct{}
	stopTick  chan struct{}
	ticking   bool
	tornDown  bool
	sawStatus bool

	cancelling bool
	held       *progress.Event
}

// New builds a Controller. Backend, NewStream, Identity and Clock are required.
func New(cfg Config, deps Deps) (*Controller, error) {
	if deps.Backend == nil || deps.NewStream == nil || deps.Identity == nil || deps.Clock == nil {
		return nil, fmt.Errorf("controller: backend, stream factory, identity store and clock are required")
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTickInterval
	}
	if cfg.UpdateBuffer <= 0 {
		cfg.UpdateBuffer = defaultUpdateBuffer
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		cfg:       cfg,
		backend:   deps.Backend,
		newStream: deps.NewStream,
		store:     deps.Identity,
		clock:     deps.Clock,
		journal:   deps.Journal,
		logger:    logger,
		updates:   make(chan Update, cfg.UpdateBuffer),
		state:     progress.NewState(cfg.Progress),
	}, nil
}

// Updates delivers snapshots after every state change and countdown tick.
// Slow readers miss intermediate snapshots, never the latest one.
func (c *Controller) Updates() <-chan Update {
	return c.updates
}

// Snapshot returns the current snapshot.
func (c *Controller) Snapshot() Update {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Outcome reports how the current or last job ended.
func (c *Controller) Outcome() Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outcome
}

// Done is closed when the current job has been torn down. Without a job it
// returns a closed channel.
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.job == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.job.done
}

// Submit starts a new job from p and begins following it. It returns the job
// identity. The submission call runs without the controller lock held; until
// it returns, other Submit and Reconnect calls fail with ErrJobActive.
func (c *Controller) Submit(ctx context.Context, p jobapi.Payload) (string, error) {
	c.mu.Lock()
	if c.busyLocked() {
		c.mu.Unlock()
		return "", ErrJobActive
	}

	var (
		req       stream.Request
		jobID     string
		unitCount int
	)
	if c.cfg.Inline {
		var err error
		req, jobID, err = c.backend.InlineRequest(p)
		if err != nil {
			c.mu.Unlock()
			return "", fmt.Errorf("build inline submission: %w", err)
		}
	} else {
		c.submitting = true
		c.mu.Unlock()
		sub, err := c.backend.Submit(ctx, p)
		c.mu.Lock()
		c.submitting = false
		if err != nil {
			c.mu.Unlock()
			return "", fmt.Errorf("submit job: %w", err)
		}
		jobID, unitCount = sub.JobID, sub.UnitCount
		req = c.backend.StatusRequest(jobID)
	}
	defer c.mu.Unlock()

	payload := p
	c.lastPayload = &payload
	c.confirm = false
	c.resetLocked()
	j := c.startJobLocked(jobID, false)
	c.persistLocked(j.id)
	if unitCount > 0 {
		c.applyLocked(j, progress.Event{Name: progress.EventStageCount, At: c.clock.Now(), Count: unitCount})
	}
	if err := c.openLocked(ctx, j, req); err != nil {
		return "", err
	}
	c.publishLocked()
	return jobID, nil
}

// Reconnect resumes the persisted job without resubmitting it. It reports
// whether a job was found. If the server answers that the job is unknown the
// persisted identity is cleared and the controller returns to its idle state
// with OutcomeStale.
func (c *Controller) Reconnect(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busyLocked() {
		return false, ErrJobActive
	}

	storeCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	id, ok, err := c.store.Load(storeCtx)
	cancel()
	if err != nil {
		return false, fmt.Errorf("load job identity: %w", err)
	}
	if !ok {
		return false, nil
	}
	if !uuid.Valid(id) {
		c.logger.Warn("discarding invalid persisted job id", zap.String("job_id", id))
		c.clearLocked()
		return false, nil
	}

	c.confirm = false
	c.resetLocked()
	j := c.startJobLocked(id, true)
	if err := c.openLocked(ctx, j, c.backend.StatusRequest(id)); err != nil {
		return false, err
	}
	c.publishLocked()
	return true, nil
}

// Cancel asks the backend to abort the job. Terminal stream input that
// arrives while the call is in flight is held back: an accepted cancel wins
// over it, a rejected cancel replays it. On rejection the job keeps running
// and the error wraps ErrCancelFailed.
func (c *Controller) Cancel(ctx context.Context) error {
	c.mu.Lock()
	j := c.job
	if j == nil || j.tornDown {
		c.mu.Unlock()
		return ErrNoActiveJob
	}
	if j.cancelling {
		c.mu.Unlock()
		return ErrCancelPending
	}
	j.cancelling = true
	id := j.id
	c.mu.Unlock()

	abortErr := c.backend.Abort(ctx, id)

	c.mu.Lock()
	defer c.mu.Unlock()
	j.cancelling = false
	held := j.held
	j.held = nil
	if c.job != j || j.tornDown {
		return nil
	}

	if abortErr != nil {
		c.logger.Warn("cancel rejected; job continues", zap.String("job_id", id), zap.Error(abortErr))
		c.emit(journal.Record{JobID: id, TS: c.clock.Now(), Kind: journal.KindCancelFailed, Note: abortErr.Error()})
		c.notice = "Cancel failed; the job is still running."
		if held != nil {
			c.applyLocked(j, *held)
		}
		c.publishLocked()
		return fmt.Errorf("%w: %w", ErrCancelFailed, abortErr)
	}
	if held != nil {
		c.logger.Debug("discarding terminal input superseded by cancel", zap.String("event", string(held.Name)))
	}
	c.applyLocked(j, progress.Event{Name: progress.EventJobCancelled, At: c.clock.Now()})
	c.publishLocked()
	return nil
}

// Resolve answers a pending high-deletion confirmation. Declining abandons
// the job and returns the model to Init; confirming resubmits the last
// payload with the confirmation flag and returns the new job identity.
func (c *Controller) Resolve(ctx context.Context, confirmed bool) (string, error) {
	c.mu.Lock()
	if !c.confirm || c.lastPayload == nil {
		c.mu.Unlock()
		return "", ErrNothingToResolve
	}
	c.confirm = false
	if !confirmed {
		defer c.mu.Unlock()
		c.resetLocked()
		c.outcome = OutcomeAbandoned
		c.publishLocked()
		return "", nil
	}
	p := c.lastPayload.WithHighDeletionsOK()
	c.mu.Unlock()
	return c.Submit(ctx, p)
}

// Tick re-renders the countdown and fails the timed wait once its deadline
// has passed. It reports whether the countdown is still running.
func (c *Controller) Tick() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tickLocked(c.job)
}

// Close tears down the current job without changing its phase, for process
// shutdown. The persisted identity is kept so that a later run can reconnect.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	j := c.job
	if j == nil || j.tornDown {
		return
	}
	c.releaseLocked(j)
}

func (c *Controller) activeLocked() bool {
	return c.job != nil && !c.job.tornDown
}

// busyLocked also counts a submission call that has not returned yet.
func (c *Controller) busyLocked() bool {
	return c.submitting || c.activeLocked()
}

func (c *Controller) resetLocked() {
	c.state = progress.NewState(c.cfg.Progress)
	c.outcome = OutcomeNone
	c.notice = ""
}

func (c *Controller) startJobLocked(id string, reconnect bool) *job {
	j := &job{
		id:        id,
		reconnect: reconnect,
		startedAt: c.clock.Now(),
		stream:    c.newStream(),
		done:      make(chan struct{}),
		stopTick:  make(chan struct{}),
	}
	c.job = j
	c.emit(journal.Record{JobID: id, TS: j.startedAt, Kind: journal.KindJobStart, Reconnect: reconnect})
	c.logger.Info("following job", zap.String("job_id", id), zap.Bool("reconnect", reconnect))
	return j
}

func (c *Controller) openLocked(ctx context.Context, j *job, req stream.Request) error {
	for _, typ := range protocol.EventTypes() {
		j.unsubs = append(j.unsubs, j.stream.On(typ, func(evt stream.Event) { c.onEvent(j, evt) }))
	}
	j.unsubs = append(j.unsubs,
		j.stream.On(stream.EventOpen, func(stream.Event) {
			c.logger.Debug("event stream open", zap.String("job_id", j.id))
		}),
		j.stream.On(stream.EventError, func(evt stream.Event) { c.onStreamError(j, evt) }),
		j.stream.On(stream.EventClose, func(stream.Event) { c.onStreamClose(j) }),
	)
	// The stream outlives the call that started it.
	if err := j.stream.Open(context.WithoutCancel(ctx), req); err != nil {
		c.releaseLocked(j)
		c.clearLocked()
		return fmt.Errorf("open event stream: %w", err)
	}
	return nil
}

func (c *Controller) onEvent(j *job, evt stream.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.job != j || j.tornDown {
		return
	}
	now := c.clock.Now()
	events, err := protocol.Translate(evt, now)
	if err != nil {
		c.logger.Debug("dropping malformed event", zap.String("job_id", j.id), zap.String("type", evt.Type), zap.Error(err))
		return
	}
	if len(events) == 0 {
		return
	}
	if j.reconnect && !j.sawStatus {
		j.sawStatus = true
		if len(events) == 1 && events[0].Name == progress.EventJobUnknown {
			c.staleLocked(j)
			return
		}
	}
	for _, e := range events {
		c.applyLocked(j, e)
		if j.tornDown {
			break
		}
	}
	c.publishLocked()
}

func (c *Controller) onStreamError(j *job, evt stream.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.job != j || j.tornDown {
		return
	}
	c.applyLocked(j, progress.Event{Name: progress.EventTransportError, At: c.clock.Now(), Reason: evt.Data})
	c.publishLocked()
}

func (c *Controller) onStreamClose(j *job) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.job != j || j.tornDown {
		return
	}
	c.applyLocked(j, progress.Event{
		Name:   progress.EventStreamEnded,
		At:     c.clock.Now(),
		Reason: "the server closed the stream before the job finished",
	})
	c.publishLocked()
}

// applyLocked feeds one event to the model and performs the side effects of
// the resulting transition.
func (c *Controller) applyLocked(j *job, e progress.Event) {
	if j.cancelling && e.Terminal() && e.Name != progress.EventJobCancelled {
		if j.held == nil {
			held := e
			j.held = &held
		}
		return
	}
	prev := c.state
	c.state = progress.Transition(c.cfg.Progress, prev, e)
	if c.state.Phase == prev.Phase {
		return
	}

	c.emit(journal.Record{JobID: j.id, TS: e.At, Kind: journal.KindPhase, Phase: c.state.Phase})
	c.logger.Debug("job phase changed",
		zap.String("job_id", j.id),
		zap.String("from", string(prev.Phase)),
		zap.String("to", string(c.state.Phase)),
	)
	if c.state.Phase == progress.PhaseTimedWait && !j.ticking {
		j.ticking = true
		go c.runTicker(j)
	}
	if c.state.Phase.Terminal() {
		c.finishLocked(j)
	}
}

func (c *Controller) runTicker(j *job) {
	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-j.stopTick:
			return
		case <-ticker.C:
			c.mu.Lock()
			more := c.tickLocked(j)
			c.mu.Unlock()
			if !more {
				return
			}
		}
	}
}

func (c *Controller) tickLocked(j *job) bool {
	if j == nil || c.job != j || j.tornDown || c.state.Phase != progress.PhaseTimedWait {
		if j != nil {
			j.ticking = false
		}
		return false
	}
	now := c.clock.Now()
	if c.state.Expired(now) {
		j.ticking = false
		c.applyLocked(j, progress.Event{Name: progress.EventTimedWaitFailed, At: now})
		c.publishLocked()
		return false
	}
	c.publishLocked()
	return true
}

// finishLocked tears the job down exactly once after a terminal transition.
func (c *Controller) finishLocked(j *job) {
	if j.tornDown {
		return
	}
	c.outcome = outcomeFor(c.state.Phase)
	if c.state.Failure.Kind == progress.FailureMismatchedInputScope && c.lastPayload != nil {
		c.confirm = true
	}
	c.releaseLocked(j)
	c.clearLocked()

	now := c.clock.Now()
	c.emit(journal.Record{
		JobID:     j.id,
		TS:        now,
		Kind:      journal.KindJobDone,
		Phase:     c.state.Phase,
		Outcome:   string(c.outcome),
		Reconnect: j.reconnect,
		Dur:       max(now.Sub(j.startedAt), 0),
		Note:      c.state.Failure.Reason,
	})
	c.logger.Info("job finished",
		zap.String("job_id", j.id),
		zap.String("outcome", string(c.outcome)),
		zap.String("failure", string(c.state.Failure.Kind)),
	)
}

// staleLocked ends a reconnect whose job the server no longer knows.
func (c *Controller) staleLocked(j *job) {
	c.releaseLocked(j)
	c.clearLocked()
	c.resetLocked()
	c.outcome = OutcomeStale
	now := c.clock.Now()
	c.emit(journal.Record{
		JobID:     j.id,
		TS:        now,
		Kind:      journal.KindJobDone,
		Phase:     progress.PhaseInit,
		Outcome:   string(OutcomeStale),
		Reconnect: true,
		Dur:       max(now.Sub(j.startedAt), 0),
	})
	c.logger.Info("persisted job is unknown to the server", zap.String("job_id", j.id))
	c.publishLocked()
}

// releaseLocked stops the ticker, detaches handlers and closes the transport.
func (c *Controller) releaseLocked(j *job) {
	if j.tornDown {
		return
	}
	j.tornDown = true
	close(j.stopTick)
	for _, off := range j.unsubs {
		off()
	}
	j.unsubs = nil
	j.stream.Close()
	close(j.done)
}

func (c *Controller) persistLocked(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := c.store.Save(ctx, id); err != nil {
		c.logger.Warn("persist job identity", zap.String("job_id", id), zap.Error(err))
	}
}

func (c *Controller) clearLocked() {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := c.store.Clear(ctx); err != nil {
		c.logger.Warn("clear job identity", zap.Error(err))
	}
}

func (c *Controller) snapshotLocked() Update {
	u := Update{
		View:              c.state.View(c.clock.Now()),
		Outcome:           c.outcome,
		Notice:            c.notice,
		NeedsConfirmation: c.confirm,
	}
	if c.job != nil {
		u.JobID = c.job.id
	}
	return u
}

// publishLocked delivers the latest snapshot, replacing the oldest queued
// one when the reader is behind.
func (c *Controller) publishLocked() {
	u := c.snapshotLocked()
	c.notice = ""
	select {
	case c.updates <- u:
		return
	default:
	}
	select {
	case <-c.updates:
	default:
	}
	select {
	case c.updates <- u:
	default:
	}
}

func (c *Controller) emit(rec journal.Record) {
	if c.journal != nil {
		c.journal.Emit(rec)
	}
}

func outcomeFor(p progress.Phase) Outcome {
	switch p {
	case progress.PhaseSuccess:
		return OutcomeSucceeded
	case progress.PhaseFailure:
		return OutcomeFailed
	case progress.PhaseCancelled:
		return OutcomeCancelled
	case progress.PhaseAborted:
		return OutcomeAborted
	default:
		return OutcomeNone
	}
}
