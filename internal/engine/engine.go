package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"render-queue/internal/artifact"
	"render-queue/internal/models"
	"render-queue/internal/preview"
	"render-queue/internal/prompt"
	"render-queue/internal/session"
	"render-queue/internal/store"
	"render-queue/internal/telemetry"
)

// SessionSource yields the current live session, or nil when disconnected.
// The connection manager implements it.
type SessionSource interface {
	Current() session.Session
}

// Snapshot is the read-only queue state handed to observers.
type Snapshot struct {
	Jobs         []models.Job `json:"jobs"`
	Paused       bool         `json:"paused"`
	LastError    string       `json:"last_error,omitempty"`
	PendingCount int          `json:"pending_count"`
	CurrentJobID string       `json:"current_job_id,omitempty"`
}

// SubmitRequest carries the fields required to enqueue one job.
type SubmitRequest struct {
	Name           string             `json:"name"`
	Prompt         string             `json:"prompt"`
	NegativePrompt string             `json:"negative_prompt,omitempty"`
	Configuration  json.RawMessage    `json:"configuration"`
	Input          models.InputImages `json:"input"`
}

// Options configures an Engine. Store and Sessions are required.
type Options struct {
	Store                 store.QueueStore
	Sessions              SessionSource
	Artifacts             artifact.Sink
	Logger                zerolog.Logger
	ProgressFlushInterval time.Duration
	CancelWait            time.Duration
	GenerateIdleTimeout   time.Duration
	PreviewMaxEdge        int
}

// Engine owns the ordered job collection and the single processing slot.
// All mutations are serialized through its mutex; the processing loop runs
// on the goroutine calling Run. State is persisted after every committed
// mutation; store failures are logged and never surfaced to callers.
type Engine struct {
	mu sync.Mutex

	jobs      []*models.Job
	paused    bool
	lastError string

	processingID    string
	cancelRequested bool
	cancelJob       context.CancelFunc

	store     store.QueueStore
	sessions  SessionSource
	artifacts artifact.Sink
	log       zerolog.Logger
	subs      []func(Snapshot)

	flushEvery     time.Duration
	cancelWait     time.Duration
	idleTimeout    time.Duration
	previewMaxEdge int
	lastFlush      time.Time

	kick chan struct{}
}

// New loads the persisted collection and returns an idle engine. Jobs left
// in processing by a previous run are reset to pending; their slot owner is
// gone.
func New(ctx context.Context, opts Options) *Engine {
	e := &Engine{
		store:          opts.Store,
		sessions:       opts.Sessions,
		artifacts:      opts.Artifacts,
		log:            opts.Logger.With().Str("component", "queue").Logger(),
		flushEvery:     opts.ProgressFlushInterval,
		cancelWait:     opts.CancelWait,
		idleTimeout:    opts.GenerateIdleTimeout,
		previewMaxEdge: opts.PreviewMaxEdge,
		kick:           make(chan struct{}, 1),
	}
	if e.flushEvery == 0 {
		e.flushEvery = 2 * time.Second
	}
	if e.cancelWait == 0 {
		e.cancelWait = 5 * time.Second
	}

	loaded, err := e.store.Load(ctx)
	if err != nil {
		e.log.Warn().Err(err).Msg("load queue failed, starting empty")
		loaded = nil
	}
	for i := range loaded {
		job := loaded[i].Clone()
		if job.Status == models.StatusProcessing {
			job.Status = models.StatusPending
			job.StartedAt = nil
		}
		job.Progress = nil
		e.jobs = append(e.jobs, &job)
	}
	e.updateGaugesLocked()
	return e
}

// Subscribe registers a callback invoked after every committed mutation,
// including each progress update. Callbacks run on the mutating goroutine
// and must not call back into the engine.
func (e *Engine) Subscribe(fn func(Snapshot)) {
	e.mu.Lock()
	e.subs = append(e.subs, fn)
	e.mu.Unlock()
}

// Kick asks the processing loop to re-evaluate, e.g. after a connection is
// established. Safe from any goroutine; coalesces.
func (e *Engine) Kick() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// Run drives the processing loop until ctx is cancelled. Exactly one Run may
// be active per engine.
func (e *Engine) Run(ctx context.Context) error {
	e.Kick()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.kick:
		}
		for e.step(ctx) {
		}
	}
}

// step starts and finishes at most one job. It returns true when a job
// reached a terminal state, so the caller iterates instead of recursing.
func (e *Engine) step(ctx context.Context) bool {
	e.mu.Lock()
	if e.paused || e.processingID != "" {
		e.mu.Unlock()
		return false
	}
	var next *models.Job
	for _, j := range e.jobs {
		if j.Status == models.StatusPending {
			next = j
			break
		}
	}
	if next == nil {
		e.mu.Unlock()
		return false
	}

	sess := e.sessions.Current()
	if sess == nil {
		e.lastError = NoConnectionMessage
		e.notifyLocked()
		e.mu.Unlock()
		return false
	}

	now := time.Now().UTC()
	next.Status = models.StatusProcessing
	next.StartedAt = &now
	next.Progress = nil
	e.processingID = next.ID
	e.cancelRequested = false
	e.lastError = ""

	jobCtx, cancel := context.WithCancel(ctx)
	e.cancelJob = cancel
	req := session.GenerateRequest{
		JobID:          next.ID,
		Prompt:         next.Prompt,
		NegativePrompt: next.NegativePrompt,
		Configuration:  append([]byte(nil), next.Configuration...),
		Input:          next.Input,
	}
	jobID := next.ID
	e.updateGaugesLocked()
	e.persistLocked(ctx)
	e.notifyLocked()
	e.mu.Unlock()

	e.log.Info().Str("job", jobID).Msg("job started")
	outcome := e.runJob(jobCtx, sess, jobID, req)
	cancel()
	e.finishJob(ctx, jobID, outcome)
	return true
}

type outcome struct {
	status string
	errMsg string
	images [][]byte
}

// runJob consumes one generation stream. Progress events after a cancel
// request are discarded; a stream that ends without a terminal event counts
// as failed unless cancellation was requested. A stream that goes quiet for
// longer than the idle timeout is abandoned and the job fails.
func (e *Engine) runJob(ctx context.Context, sess session.Session, jobID string, req session.GenerateRequest) outcome {
	events, err := sess.Generate(ctx, req)
	if err != nil {
		if e.cancelPending() {
			return outcome{status: models.StatusCancelled}
		}
		return outcome{status: models.StatusFailed, errMsg: fmt.Sprintf("generate: %v", err)}
	}

	var idle *time.Timer
	var idleC <-chan time.Time
	if e.idleTimeout > 0 {
		idle = time.NewTimer(e.idleTimeout)
		defer idle.Stop()
		idleC = idle.C
	}

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				if e.cancelPending() {
					return outcome{status: models.StatusCancelled}
				}
				return outcome{status: models.StatusFailed, errMsg: "generation stream closed unexpectedly"}
			}
			if idle != nil {
				if !idle.Stop() {
					select {
					case <-idle.C:
					default:
					}
				}
				idle.Reset(e.idleTimeout)
			}
			switch {
			case ev.Err != nil:
				if e.cancelPending() {
					return outcome{status: models.StatusCancelled}
				}
				return outcome{status: models.StatusFailed, errMsg: ev.Err.Error()}
			case ev.Images != nil:
				if e.cancelPending() {
					return outcome{status: models.StatusCancelled}
				}
				return outcome{status: models.StatusCompleted, images: ev.Images}
			case ev.Progress != nil:
				e.applyProgress(ctx, jobID, ev.Progress)
			}
		case <-idleC:
			if e.cancelPending() {
				return outcome{status: models.StatusCancelled}
			}
			return outcome{status: models.StatusFailed, errMsg: fmt.Sprintf("no progress from server for %s", e.idleTimeout)}
		}
	}
}

func (e *Engine) cancelPending() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelRequested
}

// applyProgress overwrites the current job's progress. Persistence of
// progress is throttled; the terminal transition always persists.
func (e *Engine) applyProgress(ctx context.Context, jobID string, p *models.Progress) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.processingID != jobID || e.cancelRequested {
		return
	}
	job := e.findLocked(jobID)
	if job == nil || job.Status != models.StatusProcessing {
		return
	}
	prog := *p
	if prog.PreviewImage != nil {
		prog.PreviewImage = preview.Bound(prog.PreviewImage, e.previewMaxEdge)
	}
	job.Progress = &prog
	if time.Since(e.lastFlush) >= e.flushEvery {
		e.persistLocked(ctx)
	}
	e.notifyLocked()
}

// finishJob applies the terminal outcome, frees the slot, and persists.
func (e *Engine) finishJob(ctx context.Context, jobID string, out outcome) {
	var refs []string
	var storeErr error
	if out.status == models.StatusCompleted {
		refs, storeErr = e.storeResults(ctx, jobID, out.images)
		if storeErr != nil {
			out = outcome{status: models.StatusFailed, errMsg: fmt.Sprintf("store results: %v", storeErr)}
		}
	}

	e.mu.Lock()
	wasCancelled := e.cancelRequested
	e.processingID = ""
	e.cancelRequested = false
	e.cancelJob = nil

	job := e.findLocked(jobID)
	if job == nil {
		// Removed mid-flight by a queue clear; nothing left to update.
		e.updateGaugesLocked()
		e.persistLocked(ctx)
		e.notifyLocked()
		e.mu.Unlock()
		return
	}

	now := time.Now().UTC()
	job.Progress = nil
	job.CompletedAt = &now
	if wasCancelled {
		job.Status = models.StatusCancelled
		job.ErrorMessage = ""
		telemetry.JobsCancelled.Inc()
	} else {
		job.Status = out.status
		job.ErrorMessage = out.errMsg
		job.ResultImages = refs
		switch out.status {
		case models.StatusCompleted:
			telemetry.JobsCompleted.Inc()
		case models.StatusFailed:
			telemetry.JobsFailed.Inc()
		case models.StatusCancelled:
			telemetry.JobsCancelled.Inc()
		}
	}
	status := job.Status
	e.updateGaugesLocked()
	e.persistLocked(ctx)
	e.notifyLocked()
	e.mu.Unlock()

	e.log.Info().Str("job", jobID).Str("status", status).Msg("job finished")
}

func (e *Engine) storeResults(ctx context.Context, jobID string, images [][]byte) ([]string, error) {
	if e.artifacts == nil {
		return nil, fmt.Errorf("no artifact sink configured")
	}
	refs := make([]string, 0, len(images))
	for i, data := range images {
		ref, err := e.artifacts.Store(ctx, jobID, i, data)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	if len(refs) == 0 {
		return nil, fmt.Errorf("server returned no images")
	}
	return refs, nil
}

// Submit validates the request, appends a pending job, and wakes the loop.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (models.Job, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return models.Job{}, fmt.Errorf("%w: prompt is required", ErrValidation)
	}
	if len(req.Configuration) == 0 {
		return models.Job{}, fmt.Errorf("%w: configuration is required", ErrValidation)
	}

	job := models.Job{
		ID:             uuid.New().String(),
		Name:           req.Name,
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
		Configuration:  append(json.RawMessage(nil), req.Configuration...),
		Input:          req.Input,
		Status:         models.StatusPending,
		CreatedAt:      time.Now().UTC(),
		PromptTokens:   prompt.EstimateTokens(req.Prompt),
	}

	e.mu.Lock()
	stored := job.Clone()
	e.jobs = append(e.jobs, &stored)
	e.updateGaugesLocked()
	e.persistLocked(ctx)
	e.notifyLocked()
	e.mu.Unlock()

	telemetry.JobsSubmitted.Inc()
	e.log.Info().Str("job", job.ID).Msg("job submitted")
	e.Kick()
	return job, nil
}

// Cancel transitions a pending job straight to cancelled, or requests
// server-side cancellation of the processing job. The slot is guaranteed to
// free even without a server acknowledgment: after CancelWait the job
// context is torn down.
func (e *Engine) Cancel(ctx context.Context, jobID string) error {
	e.mu.Lock()
	job := e.findLocked(jobID)
	if job == nil {
		e.mu.Unlock()
		return ErrJobNotFound
	}
	if models.IsTerminal(job.Status) {
		e.mu.Unlock()
		return nil
	}

	if job.Status == models.StatusPending {
		now := time.Now().UTC()
		job.Status = models.StatusCancelled
		job.Progress = nil
		job.CompletedAt = &now
		e.updateGaugesLocked()
		e.persistLocked(ctx)
		e.notifyLocked()
		e.mu.Unlock()
		telemetry.JobsCancelled.Inc()
		return nil
	}

	// Processing job.
	if e.cancelRequested {
		e.mu.Unlock()
		return nil
	}
	e.cancelRequested = true
	cancelFn := e.cancelJob
	e.notifyLocked()
	e.mu.Unlock()

	sess := e.sessions.Current()
	go func() {
		if sess != nil {
			ackCtx, done := context.WithTimeout(context.Background(), e.cancelWait)
			defer done()
			if err := sess.CancelCurrent(ackCtx); err != nil {
				e.log.Warn().Err(err).Str("job", jobID).Msg("cancel request failed")
			}
		}
		if cancelFn != nil {
			// Force the stream shut whether or not the server acknowledged.
			time.AfterFunc(e.cancelWait, cancelFn)
		}
	}()
	return nil
}

// Retry resets a failed job to pending at the tail of the queue, charging
// its retry budget.
func (e *Engine) Retry(ctx context.Context, jobID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	idx := e.indexLocked(jobID)
	if idx < 0 {
		return ErrJobNotFound
	}
	job := e.jobs[idx]
	if job.Status != models.StatusFailed {
		return ErrRetryNotAllowed
	}
	if job.RetryCount >= models.MaxRetries {
		return ErrRetryExhausted
	}

	job.Status = models.StatusPending
	job.ErrorMessage = ""
	job.Progress = nil
	job.StartedAt = nil
	job.CompletedAt = nil
	job.ResultImages = nil
	job.RetryCount++

	// Retried jobs re-enter at the tail, not their original position.
	e.jobs = append(append(e.jobs[:idx:idx], e.jobs[idx+1:]...), job)
	e.updateGaugesLocked()
	e.persistLocked(ctx)
	e.notifyLocked()
	e.kickLocked()
	return nil
}

// Remove deletes a record. The processing job must be cancelled first.
func (e *Engine) Remove(ctx context.Context, jobID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	idx := e.indexLocked(jobID)
	if idx < 0 {
		return ErrJobNotFound
	}
	if e.jobs[idx].Status == models.StatusProcessing {
		return ErrJobProcessing
	}
	e.jobs = append(e.jobs[:idx], e.jobs[idx+1:]...)
	e.updateGaugesLocked()
	e.persistLocked(ctx)
	e.notifyLocked()
	return nil
}

// Pause stops the loop from picking up new pending jobs. The job already in
// the slot runs to completion.
func (e *Engine) Pause(ctx context.Context) {
	e.mu.Lock()
	e.paused = true
	e.persistLocked(ctx)
	e.notifyLocked()
	e.mu.Unlock()
}

// Resume re-enables pickup and immediately re-evaluates the queue.
func (e *Engine) Resume(ctx context.Context) {
	e.mu.Lock()
	e.paused = false
	e.persistLocked(ctx)
	e.notifyLocked()
	e.kickLocked()
	e.mu.Unlock()
}

// MoveJobs reorders pending jobs. Indices address the full collection;
// entries that are not pending are skipped. A destination beyond the
// collection appends at the tail.
func (e *Engine) MoveJobs(ctx context.Context, from []int, to int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	moving := make(map[int]bool, len(from))
	for _, i := range from {
		if i >= 0 && i < len(e.jobs) && e.jobs[i].Status == models.StatusPending {
			moving[i] = true
		}
	}
	if len(moving) == 0 {
		return
	}

	var picked, rest []*models.Job
	dest := to
	for i, j := range e.jobs {
		if moving[i] {
			picked = append(picked, j)
			if i < to {
				dest--
			}
		} else {
			rest = append(rest, j)
		}
	}
	if dest < 0 {
		dest = 0
	}
	if dest > len(rest) {
		dest = len(rest)
	}

	reordered := make([]*models.Job, 0, len(e.jobs))
	reordered = append(reordered, rest[:dest]...)
	reordered = append(reordered, picked...)
	reordered = append(reordered, rest[dest:]...)
	e.jobs = reordered

	e.persistLocked(ctx)
	e.notifyLocked()
}

// ClearCompleted removes all completed jobs, persisting once.
func (e *Engine) ClearCompleted(ctx context.Context) {
	e.clear(ctx, func(j *models.Job) bool { return j.Status == models.StatusCompleted })
}

// ClearFailed removes all failed jobs, persisting once.
func (e *Engine) ClearFailed(ctx context.Context) {
	e.clear(ctx, func(j *models.Job) bool { return j.Status == models.StatusFailed })
}

// ClearFinished removes every job in a terminal state, persisting once.
func (e *Engine) ClearFinished(ctx context.Context) {
	e.clear(ctx, func(j *models.Job) bool { return models.IsTerminal(j.Status) })
}

// ClearAll cancels the current job, then deletes every record, persisting
// once.
func (e *Engine) ClearAll(ctx context.Context) {
	e.mu.Lock()
	if e.processingID != "" && !e.cancelRequested {
		e.cancelRequested = true
		cancelFn := e.cancelJob
		sess := e.sessions.Current()
		go func() {
			if sess != nil {
				ackCtx, done := context.WithTimeout(context.Background(), e.cancelWait)
				defer done()
				_ = sess.CancelCurrent(ackCtx)
			}
			if cancelFn != nil {
				time.AfterFunc(e.cancelWait, cancelFn)
			}
		}()
	}
	e.jobs = nil
	e.updateGaugesLocked()
	e.persistLocked(ctx)
	e.notifyLocked()
	e.mu.Unlock()
}

func (e *Engine) clear(ctx context.Context, drop func(*models.Job) bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	kept := e.jobs[:0]
	for _, j := range e.jobs {
		if !drop(j) {
			kept = append(kept, j)
		}
	}
	e.jobs = kept
	e.updateGaugesLocked()
	e.persistLocked(ctx)
	e.notifyLocked()
}

// Snapshot returns the observable queue state with deep-copied records.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Engine) snapshotLocked() Snapshot {
	snap := Snapshot{
		Jobs:         make([]models.Job, 0, len(e.jobs)),
		Paused:       e.paused,
		LastError:    e.lastError,
		CurrentJobID: e.processingID,
	}
	for _, j := range e.jobs {
		snap.Jobs = append(snap.Jobs, j.Clone())
		if j.Status == models.StatusPending {
			snap.PendingCount++
		}
	}
	return snap
}

// Job returns a snapshot of one record.
func (e *Engine) Job(jobID string) (models.Job, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if j := e.findLocked(jobID); j != nil {
		return j.Clone(), true
	}
	return models.Job{}, false
}

// CurrentJob returns the record in the processing slot, if any.
func (e *Engine) CurrentJob() (models.Job, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.processingID == "" {
		return models.Job{}, false
	}
	if j := e.findLocked(e.processingID); j != nil {
		return j.Clone(), true
	}
	return models.Job{}, false
}

// Pending returns the pending jobs in queue order.
func (e *Engine) Pending() []models.Job { return e.filtered(models.StatusPending) }

// Completed returns the completed jobs in queue order.
func (e *Engine) Completed() []models.Job { return e.filtered(models.StatusCompleted) }

// Failed returns the failed jobs in queue order.
func (e *Engine) Failed() []models.Job { return e.filtered(models.StatusFailed) }

func (e *Engine) filtered(status string) []models.Job {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []models.Job
	for _, j := range e.jobs {
		if j.Status == status {
			out = append(out, j.Clone())
		}
	}
	return out
}

// PendingCount reports how many jobs await the slot.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, j := range e.jobs {
		if j.Status == models.StatusPending {
			n++
		}
	}
	return n
}

// HasPendingJobs reports whether any job awaits the slot.
func (e *Engine) HasPendingJobs() bool { return e.PendingCount() > 0 }

// IsProcessing reports whether the slot is occupied.
func (e *Engine) IsProcessing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.processingID != ""
}

// IsEmpty reports whether the collection holds no records.
func (e *Engine) IsEmpty() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.jobs) == 0
}

// IsPaused reports the queue-level pause flag.
func (e *Engine) IsPaused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// LastError returns the most recent engine-level failure message.
func (e *Engine) LastError() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastError
}

func (e *Engine) findLocked(jobID string) *models.Job {
	for _, j := range e.jobs {
		if j.ID == jobID {
			return j
		}
	}
	return nil
}

func (e *Engine) indexLocked(jobID string) int {
	for i, j := range e.jobs {
		if j.ID == jobID {
			return i
		}
	}
	return -1
}

// persistLocked writes the whole collection. Failures degrade to a log line;
// queue operations never fail on storage.
func (e *Engine) persistLocked(ctx context.Context) {
	jobs := make([]models.Job, 0, len(e.jobs))
	for _, j := range e.jobs {
		jobs = append(jobs, j.Clone())
	}
	if err := e.store.Save(ctx, jobs); err != nil {
		e.log.Error().Err(err).Msg("persist queue failed")
		return
	}
	e.lastFlush = time.Now()
}

func (e *Engine) notifyLocked() {
	snap := e.snapshotLocked()
	for _, fn := range e.subs {
		fn(snap)
	}
}

func (e *Engine) updateGaugesLocked() {
	pending := 0
	for _, j := range e.jobs {
		if j.Status == models.StatusPending {
			pending++
		}
	}
	telemetry.PendingGauge.Set(float64(pending))
	if e.processingID != "" {
		telemetry.ProcessingGauge.Set(1)
	} else {
		telemetry.ProcessingGauge.Set(0)
	}
}

func (e *Engine) kickLocked() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}
