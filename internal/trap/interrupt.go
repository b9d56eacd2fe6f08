package trap

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/tetratelabs/wazguard/internal/wasmruntime"
)

// InterruptHandle lets another goroutine ask running code to stop at its next
// interruption check.
type InterruptHandle struct {
	interrupted atomic.Bool
}

// NewInterruptHandle returns a handle that is not interrupted.
func NewInterruptHandle() *InterruptHandle {
	return &InterruptHandle{}
}

// Interrupt requests an interruption. It is safe to call from any goroutine.
func (h *InterruptHandle) Interrupt() {
	h.interrupted.Store(true)
}

// Interrupted returns true once Interrupt was called and until Reset.
func (h *InterruptHandle) Interrupted() bool {
	return h.interrupted.Load()
}

// Reset clears a pending interruption.
func (h *InterruptHandle) Reset() {
	h.interrupted.Store(false)
}

// Check raises the Interrupt trap if an interruption was requested. It must be
// called inside a protected call.
//
//go:noinline
func (h *InterruptHandle) Check() {
	if h.interrupted.Load() {
		RaiseTrap(wasmruntime.Interrupt)
	}
}

// WatchContext interrupts h when ctx is done. Call stop to release the
// watcher once the protected call returns. After stop returns, ctx no longer
// affects h: either the interruption already happened or it never will.
func (h *InterruptHandle) WatchContext(ctx context.Context) (stop func()) {
	fired := make(chan struct{})
	stopAfter := context.AfterFunc(ctx, func() {
		defer close(fired)
		h.Interrupt()
	})
	var once sync.Once
	return func() {
		once.Do(func() {
			if !stopAfter() {
				// Already running: wait for it.
				<-fired
			}
		})
	}
}
