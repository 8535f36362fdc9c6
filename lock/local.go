/*
Package lock provides loans.Locker implementations.

PURPOSE:
  Loan opening and confirmation hold a lock per (product, location) pair,
  or per serial, while they check availability and write the reservation
  or the tracking details.

IMPLEMENTATIONS:
  Local: in-process, one buffered channel per key. Single instance only.
  Redis: SET NX PX per key with a random token, released by a compare-and-
         delete script. For several engine instances sharing one database.

WAITING:
  Both wait up to WaitTimeout for contended keys, then fail with
  loans.ConcurrencyConflictError so the caller can retry.

SEE ALSO:
  - loans/locker.go: Locker contract and key helpers
*/
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/warp/loan-engine/loans"
)

// Local is an in-process keyed lock.
type Local struct {
	mu          sync.Mutex
	slots       map[string]chan struct{}
	WaitTimeout time.Duration
}

// NewLocal creates a local locker. waitTimeout <= 0 means 5 seconds.
func NewLocal(waitTimeout time.Duration) *Local {
	if waitTimeout <= 0 {
		waitTimeout = 5 * time.Second
	}
	return &Local{slots: make(map[string]chan struct{}), WaitTimeout: waitTimeout}
}

func (l *Local) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.slots[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[key] = ch
	}
	return ch
}

// Acquire takes keys in the given order. Callers pass sorted keys.
func (l *Local) Acquire(ctx context.Context, keys []string) (func(), error) {
	timer := time.NewTimer(l.WaitTimeout)
	defer timer.Stop()

	held := make([]chan struct{}, 0, len(keys))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			<-held[i]
		}
	}

	for _, k := range keys {
		ch := l.slot(k)
		select {
		case ch <- struct{}{}:
			held = append(held, ch)
		case <-timer.C:
			release()
			return nil, &loans.ConcurrencyConflictError{Key: k}
		case <-ctx.Done():
			release()
			return nil, ctx.Err()
		}
	}
	var once sync.Once
	return func() { once.Do(release) }, nil
}

var _ loans.Locker = (*Local)(nil)
