package concurrency

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunLoop(t *testing.T) {
	t.Run("blocks and cools down when handling signals", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		signal := make(chan struct{}, 1)
		signal <- struct{}{}

		output := make(chan struct{})
		go RunLoop(ctx, signal, time.Hour, time.Second, func() bool {
			output <- struct{}{}
			return true
		})

		start := time.Now()
		<-output
		<-output
		assert.GreaterOrEqual(t, time.Since(start), time.Millisecond*90)
	})

	t.Run("resync", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		output := make(chan struct{})
		go RunLoop(ctx, make(<-chan struct{}), time.Millisecond, time.Second, func() bool {
			output <- struct{}{}
			return true
		})

		<-output
		<-output
	})

	t.Run("retries", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		output := make(chan struct{})
		go RunLoop(ctx, make(<-chan struct{}), 0, time.Millisecond*25, func() bool {
			output <- struct{}{}
			return false
		})

		<-output

		start := time.Now()
		<-output
		latencyA := time.Since(start)

		start = time.Now()
		<-output
		<-output
		latencyB := time.Since(start)

		assert.Greater(t, latencyB, latencyA)
	})

	t.Run("stops with the context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			RunLoop(ctx, make(<-chan struct{}), 0, time.Second, func() bool { return true })
			close(done)
		}()
		cancel()
		<-done
	})
}

func TestStateContainer(t *testing.T) {
	s := &StateContainer[int]{}
	ctx, cancel := context.WithCancel(context.Background())

	watch := s.Watch(ctx)
	assert.Equal(t, 0, s.Get())

	s.Swap(123)
	<-watch
	assert.Equal(t, 123, s.Get())

	cancel()
	for range watch {
	}
}

func TestRetry(t *testing.T) {
	errTransient := errors.New("transient")
	errFatal := errors.New("fatal")
	retryable := func(err error) bool { return errors.Is(err, errTransient) }
	b := Backoff{Attempts: 3, Initial: time.Millisecond, Max: time.Millisecond * 2}

	t.Run("succeeds after a transient failure", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), b, retryable, func(attempt int) error {
			calls++
			if attempt == 1 {
				return errTransient
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 2, calls)
	})

	t.Run("does not retry fatal errors", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), b, retryable, func(int) error {
			calls++
			return errFatal
		})
		assert.ErrorIs(t, err, errFatal)
		assert.Equal(t, 1, calls)
	})

	t.Run("gives up after the bound", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), b, retryable, func(int) error {
			calls++
			return errTransient
		})
		assert.ErrorIs(t, err, errTransient)
		assert.Equal(t, 3, calls)
	})

	t.Run("stops on cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		err := Retry(ctx, Backoff{Attempts: 10, Initial: time.Hour}, retryable, func(int) error {
			calls++
			cancel()
			return errTransient
		})
		assert.ErrorIs(t, err, errTransient)
		assert.Equal(t, 1, calls)
	})
}

func TestHostLock(t *testing.T) {
	file := filepath.Join(t.TempDir(), "reconcile.lock")
	lock := NewHostLock(file)

	var (
		active    atomic.Int32
		maxActive atomic.Int32
		wg        sync.WaitGroup
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := lock.Lock(context.Background())
			require.NoError(t, err)
			defer unlock()

			n := active.Add(1)
			if n > maxActive.Load() {
				maxActive.Store(n)
			}
			time.Sleep(time.Millisecond * 5)
			active.Add(-1)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxActive.Load())

	t.Run("second lock file handle waits for the first", func(t *testing.T) {
		unlock, err := lock.Lock(context.Background())
		require.NoError(t, err)

		other := NewHostLock(file)
		ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*100)
		defer cancel()
		_, err = other.Lock(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		unlock()
		unlockOther, err := other.Lock(context.Background())
		require.NoError(t, err)
		unlockOther()
	})
}
