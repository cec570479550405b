// Package jobs tracks asynchronous OCR/LLM report jobs to completion by
// racing push notifications against interval polling. Both paths converge on
// the same terminal state: the first arrival wins and the second is a no-op.
package jobs

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"roomvoice/internal/domain"
	"roomvoice/internal/ports"
)

// UpdateFunc observes every change to the tracked job's status.
type UpdateFunc func(status domain.JobStatus)

// Tracker follows one job at a time for a given kind. Updates carrying a job
// id other than the currently tracked one are discarded so a stale job can
// never overwrite newer state.
type Tracker struct {
	kind     domain.JobKind
	api      ports.StatusClient
	interval time.Duration
	onUpdate UpdateFunc
	log      zerolog.Logger

	mu      sync.Mutex
	job     domain.JobStatus
	tracked bool
	cancel  context.CancelFunc
}

func NewTracker(kind domain.JobKind, api ports.StatusClient, interval time.Duration, onUpdate UpdateFunc, log zerolog.Logger) *Tracker {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Tracker{
		kind:     kind,
		api:      api,
		interval: interval,
		onUpdate: onUpdate,
		log:      log,
	}
}

// Track begins following a job: the job enters processing and the poll loop
// starts. Tracking a new id cancels the previous job's polling.
func (t *Tracker) Track(ctx context.Context, jobID string) {
	t.mu.Lock()
	t.cancelPollLocked()
	t.tracked = true
	t.job = domain.JobStatus{ID: jobID, Kind: t.kind, Stage: domain.JobStageProcessing}
	status := t.job

	pollCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.mu.Unlock()

	t.notify(status)
	go t.pollLoop(pollCtx, jobID)
}

// Stop cancels polling without touching the job's last known state. Polling
// never restarts after Stop.
func (t *Tracker) Stop() {
	t.mu.Lock()
	t.cancelPollLocked()
	t.tracked = false
	t.mu.Unlock()
}

// Status returns the last known state of the tracked job.
func (t *Tracker) Status() domain.JobStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.job
}

// HandleProgress applies a push progress notification: the stage label
// updates without leaving processing.
func (t *Tracker) HandleProgress(jobID string, stage string) {
	t.mu.Lock()
	if !t.currentLocked(jobID) || t.job.Stage.IsTerminal() {
		t.mu.Unlock()
		return
	}
	t.job.Stage = domain.JobStageProcessing
	t.job.StageDetail = stage
	status := t.job
	t.mu.Unlock()

	t.notify(status)
}

// HandleResult applies a push completion. Polling stops immediately; if a
// poll already delivered a terminal state this is a no-op.
func (t *Tracker) HandleResult(jobID string, payload json.RawMessage) {
	t.mu.Lock()
	if !t.currentLocked(jobID) || t.job.Stage.IsTerminal() {
		t.mu.Unlock()
		return
	}
	t.job.Stage = domain.JobStageDone
	t.job.Result = payload
	t.job.StageDetail = ""
	status := t.job
	t.cancelPollLocked()
	t.mu.Unlock()

	t.notify(status)
}

// HandleError applies a push failure, scoped to the tracked job only.
func (t *Tracker) HandleError(jobID string, message string) {
	t.mu.Lock()
	if !t.currentLocked(jobID) || t.job.Stage.IsTerminal() {
		t.mu.Unlock()
		return
	}
	t.job.Stage = domain.JobStageFailed
	t.job.Message = message
	status := t.job
	t.cancelPollLocked()
	t.mu.Unlock()

	t.notify(status)
}

func (t *Tracker) pollLoop(ctx context.Context, jobID string) {
	for {
		done, payload, err := t.api.Fetch(ctx, t.kind, jobID)
		if ctx.Err() != nil {
			return
		}

		if err != nil {
			t.log.Warn().Err(err).Str("job", jobID).Msg("status poll failed")
			t.HandleError(jobID, err.Error())
			return
		}
		if done {
			t.HandleResult(jobID, payload)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(t.interval):
		}
	}
}

func (t *Tracker) currentLocked(jobID string) bool {
	return t.tracked && t.job.ID == jobID
}

func (t *Tracker) cancelPollLocked() {
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
}

func (t *Tracker) notify(status domain.JobStatus) {
	if t.onUpdate != nil {
		t.onUpdate(status)
	}
}
