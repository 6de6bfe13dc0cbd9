package main

import (
	"sync"

	"github.com/Agnus-sk/django-docker-ci-cd-pipeline/internal/api"
)

// triggerQueue holds at most one pending trigger. A burst of pushes
// collapses into a run of the newest commit.
type triggerQueue struct {
	lock    sync.Mutex
	pending *api.Trigger
	signal  chan struct{}
}

func newTriggerQueue() *triggerQueue {
	return &triggerQueue{signal: make(chan struct{}, 1)}
}

// Offer replaces any pending trigger and wakes the run loop.
func (q *triggerQueue) Offer(t api.Trigger) {
	q.lock.Lock()
	q.pending = &t
	q.lock.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Take returns and clears the pending trigger.
func (q *triggerQueue) Take() *api.Trigger {
	q.lock.Lock()
	defer q.lock.Unlock()
	t := q.pending
	q.pending = nil
	return t
}

func (q *triggerQueue) Signal() <-chan struct{} { return q.signal }
