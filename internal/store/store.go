// Package store is the in-memory source of truth for jobs: create, read,
// update, append-only logs, and publish/subscribe delivery of log entries
// and terminal transitions. Jobs live for the life of the process.
package store

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forever8896/web3summit-hackaton-pop-server/internal/model"
)

// DefaultRetainBytes caps aggregated stdout/stderr kept per job when the
// store is constructed with a non-positive limit.
const DefaultRetainBytes = 1 << 20

const truncationMarker = "\n[output truncated]\n"

type record struct {
	job         model.Job
	stdoutFull  bool
	stderrFull  bool
	subscribers []*Subscription
}

// Store guards its id-to-record map with a single mutex. Mutating methods
// enforce the lifecycle: status never regresses and terminal jobs are
// immutable.
type Store struct {
	mu          sync.RWMutex
	jobs        map[string]*record
	order       []string
	retainBytes int
}

func New(retainBytes int) *Store {
	if retainBytes <= 0 {
		retainBytes = DefaultRetainBytes
	}
	return &Store{
		jobs:        make(map[string]*record),
		retainBytes: retainBytes,
	}
}

// Create inserts a queued job with a fresh id and returns a copy of it.
func (s *Store) Create(subjectName, payload string) model.Job {
	job := model.Job{
		ID:          uuid.NewString(),
		SubjectName: subjectName,
		Payload:     payload,
		Status:      model.StatusQueued,
		CreatedAt:   time.Now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = &record{job: job}
	s.order = append(s.order, job.ID)
	return job.Clone()
}

// Get returns a deep copy of the job or model.ErrNotFound.
func (s *Store) Get(id string) (model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.jobs[id]
	if !ok {
		return model.Job{}, model.ErrNotFound
	}
	return rec.job.Clone(), nil
}

// List returns summaries of all jobs in insertion order.
func (s *Store) List() []model.Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Summary, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.jobs[id].job.Summary())
	}
	return out
}

// SetRunning transitions queued -> running and stamps StartedAt.
func (s *Store) SetRunning(id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok {
		return model.ErrNotFound
	}
	if rec.job.Status.Terminal() {
		return model.ErrTerminal
	}
	rec.job.Status = model.StatusRunning
	rec.job.StartedAt = at.UTC()
	return nil
}

// Complete marks the job completed with exit code zero semantics and
// finishes every live subscription.
func (s *Store) Complete(id string, exitCode int, at time.Time) error {
	return s.finish(id, at, func(j *model.Job) {
		j.Status = model.StatusCompleted
		j.ExitCode = &exitCode
	})
}

// Fail marks the job failed with a readable message, an optional exit
// code and optional structured diagnostics, and finishes every live
// subscription.
func (s *Store) Fail(id string, kind model.FailureKind, message string, exitCode *int, diags []model.Diagnostic, at time.Time) error {
	return s.finish(id, at, func(j *model.Job) {
		j.Status = model.StatusFailed
		j.FailureKind = kind
		j.TerminalError = message
		if exitCode != nil {
			code := *exitCode
			j.ExitCode = &code
		}
		j.Diagnostics = append([]model.Diagnostic(nil), diags...)
	})
}

func (s *Store) finish(id string, at time.Time, mutate func(*model.Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok {
		return model.ErrNotFound
	}
	if rec.job.Status.Terminal() {
		return model.ErrTerminal
	}
	mutate(&rec.job)
	rec.job.CompletedAt = at.UTC()
	for _, sub := range rec.subscribers {
		sub.finish(rec.job.Status)
	}
	rec.subscribers = nil
	return nil
}

// AppendLog appends one entry and, for stdout/stderr, grows the matching
// aggregate up to the retention cap. Live subscribers receive the entry
// regardless of the cap.
func (s *Store) AppendLog(id string, channel model.Channel, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok {
		return model.ErrNotFound
	}
	if rec.job.Status.Terminal() {
		return model.ErrTerminal
	}

	entry := model.LogEntry{
		Timestamp: time.Now().UTC(),
		Channel:   channel,
		Text:      text,
	}
	rec.job.Entries = append(rec.job.Entries, entry)

	switch channel {
	case model.ChannelStdout:
		rec.job.Stdout, rec.stdoutFull = retain(rec.job.Stdout, text, rec.stdoutFull, s.retainBytes)
	case model.ChannelStderr:
		rec.job.Stderr, rec.stderrFull = retain(rec.job.Stderr, text, rec.stderrFull, s.retainBytes)
	}

	for _, sub := range rec.subscribers {
		sub.push(entry)
	}
	return nil
}

func retain(agg, text string, full bool, limit int) (string, bool) {
	if full {
		return agg, true
	}
	if len(agg)+len(text) > limit {
		return agg + truncationMarker, true
	}
	return agg + text, false
}

// Subscribe registers a live observer: the returned subscription replays
// every entry recorded so far, then receives new ones until the job turns
// terminal. The caller must Close it when done.
func (s *Store) Subscribe(id string) (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok {
		return nil, model.ErrNotFound
	}

	sub := newSubscription(s, id)
	sub.pending = append(sub.pending, rec.job.Entries...)
	if rec.job.Status.Terminal() {
		sub.done = true
		sub.status = rec.job.Status
	} else {
		rec.subscribers = append(rec.subscribers, sub)
	}
	return sub, nil
}

func (s *Store) unsubscribe(id string, sub *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok {
		return
	}
	for i, candidate := range rec.subscribers {
		if candidate == sub {
			rec.subscribers = append(rec.subscribers[:i], rec.subscribers[i+1:]...)
			return
		}
	}
}
