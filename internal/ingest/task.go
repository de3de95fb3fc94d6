// Package ingest implements the ingestion orchestrator: slot-bounded
// per-source pipelines that fetch, verify and convert model output, admit the
// result into the cache, and prune ahead of the publication frontier.
package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/wxsection/nwpcache/internal/nwp"
)

// Task tracks one item through the ingestion lifecycle. At most one
// non-terminal Task exists per item key.
type Task struct {
	Key nwp.ItemKey

	mu        sync.Mutex
	state     nwp.TaskState
	err       error
	attempts  int
	createdAt time.Time
	updatedAt time.Time

	done   chan struct{}
	cancel context.CancelFunc
}

func newTask(key nwp.ItemKey, now time.Time) *Task {
	return &Task{
		Key:       key,
		state:     nwp.TaskQueued,
		createdAt: now,
		updatedAt: now,
		done:      make(chan struct{}),
	}
}

// State returns the current state and, for terminal failures, the cause.
func (t *Task) State() (nwp.TaskState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state, t.err
}

// Attempts reports how many fetch attempts have run.
func (t *Task) Attempts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts
}

// Wait blocks until the task reaches a terminal state or ctx ends. A nil
// return means the task terminated; inspect State for the outcome.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for %s: %w", t.Key, ctx.Err())
	}
}

// setState transitions the task, closing done on the first terminal state.
// Transitions out of a terminal state are ignored.
func (t *Task) setState(state nwp.TaskState, err error, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Terminal() {
		return false
	}
	t.state = state
	t.err = err
	t.updatedAt = now
	if state.Terminal() {
		close(t.done)
	}
	return true
}

func (t *Task) bumpAttempts() {
	t.mu.Lock()
	t.attempts++
	t.mu.Unlock()
}

// Status is a point-in-time copy of a task for the status API.
type Status struct {
	Key       nwp.ItemKey   `json:"-"`
	Item      string        `json:"item"`
	State     nwp.TaskState `json:"-"`
	StateName string        `json:"state"`
	Attempts  int           `json:"attempts"`
	UpdatedAt time.Time     `json:"updated_at"`
	Error     string        `json:"error,omitempty"`
}

// Snapshot returns a point-in-time copy for status reporting.
func (t *Task) Snapshot() Status {
	return t.status()
}

func (t *Task) status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Status{
		Key:       t.Key,
		Item:      t.Key.String(),
		State:     t.state,
		StateName: t.state.String(),
		Attempts:  t.attempts,
		UpdatedAt: t.updatedAt,
	}
	if t.err != nil {
		s.Error = t.err.Error()
	}
	return s
}
