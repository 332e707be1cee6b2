package services

import (
	"errors"
	"sync/atomic"
)

// ErrRunInProgress is returned when a run is requested while another is active.
var ErrRunInProgress = errors.New("pipeline run already in progress")

// runLock guards against overlapping runs within one process.
type runLock struct {
	running atomic.Bool
}

// TryAcquire takes the lock without blocking.
func (l *runLock) TryAcquire() bool {
	return l.running.CompareAndSwap(false, true)
}

func (l *runLock) Release() {
	l.running.Store(false)
}

func (l *runLock) Running() bool {
	return l.running.Load()
}
