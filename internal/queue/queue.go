// Package queue implements the single-consumer FIFO job queue that backup
// and restore operations run through, generalizing the teacher's
// websocket-driven stack action handlers (internal/handlers/stack.go) into
// an engine-agnostic, asynchronous job model with an observable Job record
// per unit of work.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stackvault/backupd/internal/model"
)

// Runner executes one job to completion (or failure). The service's Runner
// is built in cmd/backupd and dispatches to internal/backup and
// internal/restore; the queue itself is policy-free about what a job does.
type Runner func(ctx context.Context, job model.Job, update func(status model.JobStatus, message string)) error

// Queue is a single-consumer FIFO: jobs are enqueued from any goroutine
// but run one at a time, in submission order, by a dedicated worker
// goroutine — the at-most-one-processing invariant the component design
// requires so two backups of the same target never race on the same
// container.
type Queue struct {
	mu   sync.RWMutex
	jobs map[string]*model.Job

	items chan queuedItem
	run   Runner
}

type queuedItem struct {
	job model.Job
}

// New creates a Queue backed by run and starts its single consumer
// goroutine. capacity bounds how many jobs may be pending before Enqueue
// blocks.
func New(ctx context.Context, capacity int, run Runner) *Queue {
	q := &Queue{
		jobs:  make(map[string]*model.Job),
		items: make(chan queuedItem, capacity),
		run:   run,
	}
	go q.consume(ctx)
	return q
}

// Enqueue records a new job of the given kind targeting target and
// schedules it for execution, returning its assigned ID.
func (q *Queue) Enqueue(kind model.JobKind, target string) string {
	id := uuid.NewString()
	job := model.Job{
		ID:          id,
		Kind:        kind,
		Target:      target,
		Status:      model.StatusPending,
		LastUpdated: time.Now(),
	}

	q.mu.Lock()
	q.jobs[id] = &job
	q.mu.Unlock()

	q.items <- queuedItem{job: job}
	return id
}

// Status returns a snapshot of a job's current record. ok is false if the
// job id is unknown.
func (q *Queue) Status(id string) (model.Job, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	j, ok := q.jobs[id]
	if !ok {
		return model.Job{}, false
	}
	return *j, true
}

// AllJobs returns a snapshot of every job record, newest first.
func (q *Queue) AllJobs() []model.Job {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]model.Job, 0, len(q.jobs))
	for _, j := range q.jobs {
		out = append(out, *j)
	}
	sortByLastUpdatedDesc(out)
	return out
}

func sortByLastUpdatedDesc(jobs []model.Job) {
	for i := 1; i < len(jobs); i++ {
		for j := i; j > 0 && jobs[j].LastUpdated.After(jobs[j-1].LastUpdated); j-- {
			jobs[j], jobs[j-1] = jobs[j-1], jobs[j]
		}
	}
}

// consume is the single worker goroutine: it drains items strictly in
// submission order, running each to completion before picking up the
// next, and records every status transition back onto the job record.
func (q *Queue) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-q.items:
			q.runOne(ctx, item.job)
		}
	}
}

func (q *Queue) runOne(ctx context.Context, job model.Job) {
	update := func(status model.JobStatus, message string) {
		q.mu.Lock()
		if j, ok := q.jobs[job.ID]; ok {
			j.Status = status
			j.Message = message
			j.LastUpdated = time.Now()
		}
		q.mu.Unlock()
	}

	update(model.StatusProcessing, "")
	slog.Info("job started", "id", job.ID, "kind", job.Kind, "target", job.Target)

	if err := q.runCatchingPanic(ctx, job, update); err != nil {
		update(model.StatusFailed, err.Error())
		slog.Error("job failed", "id", job.ID, "kind", job.Kind, "target", job.Target, "err", err)
		return
	}

	q.mu.RLock()
	finalStatus := model.StatusCompleted
	if j, ok := q.jobs[job.ID]; ok && j.Status == model.StatusFailed {
		finalStatus = model.StatusFailed
	}
	q.mu.RUnlock()
	if finalStatus != model.StatusFailed {
		update(model.StatusCompleted, "")
	}
	slog.Info("job finished", "id", job.ID, "kind", job.Kind, "target", job.Target)
}

// runCatchingPanic calls the configured Runner behind a recover boundary,
// so a panic inside one bad job (a nil-pointer bug in a backup/restore
// path, say) is turned into a failed job rather than taking down the
// worker goroutine and every other queued or scheduled job with it.
func (q *Queue) runCatchingPanic(ctx context.Context, job model.Job, update func(status model.JobStatus, message string)) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("job panicked", "id", job.ID, "kind", job.Kind, "target", job.Target, "panic", r)
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return q.run(ctx, job, update)
}
