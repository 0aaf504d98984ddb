package store

import (
	"context"

	"github.com/forever8896/web3summit-hackaton-pop-server/internal/model"
)

// Subscription is one observer of a job's log stream. Entries queue in
// pending so a slow consumer never blocks the appender; the 1-slot notify
// channel coalesces wakeups.
type Subscription struct {
	store *Store
	jobID string

	// guarded by store.mu on the producer side; consumers call Next,
	// which takes store.mu too, so a dedicated mutex is not needed
	pending []model.LogEntry
	done    bool
	status  model.Status

	notify chan struct{}
}

func newSubscription(s *Store, jobID string) *Subscription {
	return &Subscription{
		store:  s,
		jobID:  jobID,
		notify: make(chan struct{}, 1),
	}
}

// push appends an entry; called with store.mu held.
func (sub *Subscription) push(entry model.LogEntry) {
	sub.pending = append(sub.pending, entry)
	sub.wake()
}

// finish marks the stream terminal; called with store.mu held.
func (sub *Subscription) finish(status model.Status) {
	sub.done = true
	sub.status = status
	sub.wake()
}

func (sub *Subscription) wake() {
	select {
	case sub.notify <- struct{}{}:
	default:
	}
}

// Next blocks until entries are available or the job is terminal. It
// returns the next batch of entries in insertion order; once the backlog
// is drained and the job has finished, it returns (nil, terminalStatus,
// nil). A canceled ctx ends the subscription with the context error.
func (sub *Subscription) Next(ctx context.Context) ([]model.LogEntry, model.Status, error) {
	for {
		sub.store.mu.Lock()
		if len(sub.pending) > 0 {
			batch := sub.pending
			sub.pending = nil
			sub.store.mu.Unlock()
			return batch, "", nil
		}
		if sub.done {
			status := sub.status
			sub.store.mu.Unlock()
			return nil, status, nil
		}
		sub.store.mu.Unlock()

		select {
		case <-sub.notify:
		case <-ctx.Done():
			return nil, "", ctx.Err()
		}
	}
}

// Close detaches the subscription from the store. Safe to call multiple
// times and after the job finished.
func (sub *Subscription) Close() {
	sub.store.unsubscribe(sub.jobID, sub)
}
