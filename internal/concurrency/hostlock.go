package concurrency

import (
	"context"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// HostLock allows one holder at a time per host. Waiters in the same process
// queue on a channel, waiters in other processes on an flock of the file.
type HostLock struct {
	path string
	sem  chan struct{}
}

func NewHostLock(path string) *HostLock {
	return &HostLock{path: path, sem: make(chan struct{}, 1)}
}

// Lock blocks until the lock is held or ctx is done.
func (l *HostLock) Lock(ctx context.Context) (func(), error) {
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		<-l.sem
		return nil, fmt.Errorf("opening lock file: %w", err)
	}

	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			break
		}
		if err != unix.EWOULDBLOCK && err != unix.EINTR {
			f.Close()
			<-l.sem
			return nil, fmt.Errorf("locking %s: %w", l.path, err)
		}

		sleep(ctx, Jitter(time.Millisecond*50))
		if ctx.Err() != nil {
			f.Close()
			<-l.sem
			return nil, ctx.Err()
		}
	}

	return func() {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
		<-l.sem
	}, nil
}
