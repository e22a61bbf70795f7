package runtime

import (
	"sync/atomic"
	"time"

	"github.com/wardenlabs/warden/go/worker/runtime/api"
)

// guard is a held runtime lock. Every operation acquires one for its whole
// duration, so there is exactly one writer at any time.
type guard struct {
	w     *Worker
	start time.Time
}

// lock acquires the runtime lock.
//
// Operations that must not run in safe mode pass allowSafeMode=false and
// fail before acquisition. Operations that cannot tolerate a concurrent
// state replacement pass allowStatePending=false and fail fast instead of
// queueing behind the replacement.
func (w *Worker) lock(allowStatePending, allowSafeMode bool) (*guard, error) {
	if !allowSafeMode && w.cfg.SafeModeLevel > 0 {
		return nil, api.ErrSafeMode
	}
	if !allowStatePending && atomic.LoadUint32(&w.statePending) != 0 {
		return nil, api.ErrStatePending
	}

	w.mu.Lock()

	// A state replacement may have started while this caller was blocked on
	// the lock.
	if !allowStatePending && atomic.LoadUint32(&w.statePending) != 0 {
		w.mu.Unlock()
		return nil, api.ErrStatePending
	}

	return &guard{w: w, start: time.Now()}, nil
}

// setStatePending marks (or clears) an in-progress state replacement.
// Callers must clear the flag on all exit paths.
func (g *guard) setStatePending(pending bool) {
	var v uint32
	if pending {
		v = 1
	}
	atomic.StoreUint32(&g.w.statePending, v)
}

// release releases the runtime lock, recording how long it was held.
func (g *guard) release() {
	held := time.Since(g.start)
	lockHoldSeconds.Observe(held.Seconds())
	if threshold := g.w.cfg.GuardWarnThreshold; threshold > 0 && held > threshold {
		g.w.logger.Warn("runtime lock held for a long time",
			"held_for", held,
		)
	}
	g.w.mu.Unlock()
}
