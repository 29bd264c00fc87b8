package runtime

import (
	"context"
	"sync"
	"sync/atomic"

	loggingpkg "github.com/drblury/holdflow/internal/runtime/logging"
)

// serviceLock is a reentrant mutex whose ownership travels on the context.
// acquire hands back a context carrying a token; acquiring again with that
// context while the token still holds the lock does not block.
type serviceLock struct {
	sem    chan struct{}
	holder atomic.Uint64
	next   atomic.Uint64
}

type lockKey struct{ l *serviceLock }

func newServiceLock() *serviceLock {
	return &serviceLock{sem: make(chan struct{}, 1)}
}

func (l *serviceLock) acquire(ctx context.Context) (context.Context, func(), error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if tok, ok := ctx.Value(lockKey{l}).(uint64); ok && tok != 0 && l.holder.Load() == tok {
		return ctx, func() {}, nil
	}

	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx, func() {}, ctx.Err()
	}

	tok := l.next.Add(1)
	l.holder.Store(tok)
	var once sync.Once
	release := func() {
		once.Do(func() {
			l.holder.Store(0)
			<-l.sem
		})
	}
	return context.WithValue(ctx, lockKey{l}, tok), release, nil
}

// Transaction runs fn while holding the service lock. Inhale, Exhale and Sync
// called with the context passed to fn join the held lock instead of
// blocking. An error from fn is logged and returned unchanged.
func (s *BaseService) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	locked, release, err := s.lock.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	if err := fn(locked); err != nil {
		s.logger.Error("Transaction failed", err, loggingpkg.LogFields{"operation": "transaction"})
		return err
	}
	return nil
}
