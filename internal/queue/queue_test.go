package queue

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stackvault/backupd/internal/model"
)

func TestEnqueueRunsJobToCompletion(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := New(ctx, 4, func(ctx context.Context, job model.Job, update func(model.JobStatus, string)) error {
		update(model.StatusUploading, "uploading artifact")
		return nil
	})

	id := q.Enqueue(model.JobBackupContainer, "db1")
	waitForStatus(t, q, id, model.StatusCompleted)

	job, ok := q.Status(id)
	if !ok {
		t.Fatal("job not found")
	}
	if job.Kind != model.JobBackupContainer || job.Target != "db1" {
		t.Errorf("job = %+v, unexpected kind/target", job)
	}
}

func TestEnqueueRecordsFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := New(ctx, 4, func(ctx context.Context, job model.Job, update func(model.JobStatus, string)) error {
		return errors.New("dump failed")
	})

	id := q.Enqueue(model.JobBackupContainer, "db1")
	waitForStatus(t, q, id, model.StatusFailed)

	job, _ := q.Status(id)
	if !strings.Contains(job.Message, "dump failed") {
		t.Errorf("job.Message = %q, want it to mention the failure", job.Message)
	}
}

func TestPanickingJobDoesNotStopTheQueue(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := New(ctx, 4, func(ctx context.Context, job model.Job, update func(model.JobStatus, string)) error {
		if job.Target == "boom" {
			panic("nil pointer dereference somewhere in a dump path")
		}
		return nil
	})

	panicked := q.Enqueue(model.JobBackupContainer, "boom")
	waitForStatus(t, q, panicked, model.StatusFailed)

	job, _ := q.Status(panicked)
	if !strings.Contains(job.Message, "panic") {
		t.Errorf("job.Message = %q, want it to mention the panic", job.Message)
	}

	// The worker goroutine must still be alive to pick up the next job.
	survivor := q.Enqueue(model.JobBackupContainer, "db1")
	waitForStatus(t, q, survivor, model.StatusCompleted)
}

func TestQueueRunsOneJobAtATime(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var concurrent, maxConcurrent int

	q := New(ctx, 8, func(ctx context.Context, job model.Job, update func(model.JobStatus, string)) error {
		mu.Lock()
		concurrent++
		if concurrent > maxConcurrent {
			maxConcurrent = concurrent
		}
		mu.Unlock()

		time.Sleep(20 * time.Millisecond)

		mu.Lock()
		concurrent--
		mu.Unlock()
		return nil
	})

	ids := make([]string, 5)
	for i := range ids {
		ids[i] = q.Enqueue(model.JobBackupContainer, "target")
	}
	for _, id := range ids {
		waitForStatus(t, q, id, model.StatusCompleted)
	}

	mu.Lock()
	defer mu.Unlock()
	if maxConcurrent != 1 {
		t.Errorf("maxConcurrent = %d, want 1 (single consumer)", maxConcurrent)
	}
}

func waitForStatus(t *testing.T, q *Queue, id string, want model.JobStatus) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		job, ok := q.Status(id)
		if ok && job.Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach status %s in time", id, want)
}
