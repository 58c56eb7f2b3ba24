package ingest

import "sync/atomic"

// syncLock is a non-blocking mutex: a second sync pass started while one is
// running returns immediately instead of queueing.
type syncLock struct {
	state atomic.Bool
}

func (l *syncLock) TryAcquire() bool {
	return l.state.CompareAndSwap(false, true)
}

func (l *syncLock) Release() {
	l.state.Store(false)
}
