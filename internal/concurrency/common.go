package concurrency

import (
	"context"
	mathrand "math/rand"
	"sync"
	"time"
)

// RunLoop calls fn once immediately, again on every signal, and every resync
// interval (if non-zero). A false return from fn is retried with a growing
// delay capped at maxRetry. Signals that arrive while fn runs are coalesced.
func RunLoop(ctx context.Context, signal <-chan struct{}, resync, maxRetry time.Duration, fn func() bool) {
	ch := make(chan struct{}, 1)
	ch <- struct{}{} // initial run

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-signal:
				if !ok {
					return
				}
				select {
				case ch <- struct{}{}:
				default:
				}
			}
		}
	}()

	if resync > 0 {
		go func() {
			timer := time.NewTimer(Jitter(resync))
			defer timer.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-timer.C:
				}
				select {
				case ch <- struct{}{}:
				default:
				}
				timer.Reset(Jitter(resync))
			}
		}()
	}

	attempt := func() {
		var lastRetry time.Duration
		for ctx.Err() == nil {
			if fn() {
				return
			}

			if lastRetry == 0 {
				lastRetry = time.Millisecond * 50
			}
			lastRetry += lastRetry / 8
			if lastRetry > maxRetry {
				lastRetry = maxRetry
			}

			sleep(ctx, Jitter(lastRetry))
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
		}
		attempt()
		sleep(ctx, Jitter(time.Millisecond*100)) // cooldown
	}
}

// Jitter spreads a duration by +/- 5%.
func Jitter(duration time.Duration) time.Duration {
	maxJitter := int64(duration) * int64(5) / 100
	if maxJitter <= 0 {
		return duration
	}
	return duration + time.Duration(mathrand.Int63n(maxJitter*2)-maxJitter)
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// StateContainer holds a value that is replaced wholesale and lets readers
// wait for replacements.
type StateContainer[T any] struct {
	lock     sync.Mutex
	current  T
	watchers map[any]chan struct{}
}

func (s *StateContainer[T]) Get() T {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.current
}

func (s *StateContainer[T]) Swap(val T) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.current = val
	s.bumpUnlocked()
}

func (s *StateContainer[T]) bumpUnlocked() {
	for _, ch := range s.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Watch returns a channel that receives after every Swap until ctx is done.
func (s *StateContainer[T]) Watch(ctx context.Context) <-chan struct{} {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.watchers == nil {
		s.watchers = map[any]chan struct{}{}
	}

	key := new(int)
	ch := make(chan struct{}, 1)
	go func() {
		<-ctx.Done()

		s.lock.Lock()
		defer s.lock.Unlock()

		delete(s.watchers, key)
		close(ch)
	}()

	s.watchers[key] = ch
	return ch
}
