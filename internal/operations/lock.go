package operations

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofrs/flock"
)

// ErrLocked is returned when another backup, restore, verify or sweep holds the lock.
var ErrLocked = errors.New("another backup operation is in progress")

// Lock serialises operations within the process and, when a path is set,
// across processes sharing the backup directory.
type Lock struct {
	sem  chan struct{}
	file *flock.Flock
}

func NewLock(path string) *Lock {
	l := &Lock{sem: make(chan struct{}, 1)}
	if path != "" {
		l.file = flock.New(path)
	}
	return l
}

// Acquire does not wait: a held lock fails immediately with ErrLocked.
func (l *Lock) Acquire(ctx context.Context) (release func(), err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	select {
	case l.sem <- struct{}{}:
	default:
		return nil, ErrLocked
	}

	if l.file != nil {
		ok, err := l.file.TryLock()
		if err != nil {
			<-l.sem
			return nil, fmt.Errorf("lock %s: %w", l.file.Path(), err)
		}
		if !ok {
			<-l.sem
			return nil, fmt.Errorf("%w: %s held by another process", ErrLocked, l.file.Path())
		}
	}

	return func() {
		if l.file != nil {
			_ = l.file.Unlock()
		}
		<-l.sem
	}, nil
}
