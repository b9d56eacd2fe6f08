// Package trap recovers faults and host-raised errors of compiled wasm code
// and turns them into RuntimeError values with a wasm stack trace.
//
// The Go runtime owns the SIGSEGV, SIGBUS and SIGFPE handlers. A protected
// call arms them for the calling goroutine with debug.SetPanicOnFault, so a
// fault inside the call becomes a panic that is recovered at the boundary.
// Faults outside a protected call keep crashing the process.
//
// Code running between the boundary and a trap must not hold locks or rely on
// deferred cleanup: the trap unwinds every frame up to the boundary.
package trap

import (
	"errors"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/tetratelabs/wazguard/internal/frameinfo"
)

// ErrReleased is wrapped by operations on a Domain whose last reference was
// released.
var ErrReleased = errors.New("fault domain released")

// DomainOption configures NewDomain.
type DomainOption func(*Domain)

// WithLogger sets the logger recovered traps are reported to.
func WithLogger(l *zap.Logger) DomainOption {
	return func(d *Domain) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithFrameRegistry shares an existing frame registry instead of creating one.
func WithFrameRegistry(r *frameinfo.Registry) DomainOption {
	return func(d *Domain) {
		if r != nil {
			d.frames = r
		}
	}
}

// Domain is a fault domain: the frame registry traces are resolved against,
// and the logger traps are reported to. A Domain is safe for concurrent use by
// any number of goroutines.
type Domain struct {
	refs   atomic.Int32
	logger *zap.Logger
	frames *frameinfo.Registry
}

// NewDomain returns a Domain with one reference. The first call in the process
// checks that faults can be recovered on this platform. Its failure is
// returned to every call.
func NewDomain(opts ...DomainOption) (*Domain, error) {
	if err := install(); err != nil {
		return nil, err
	}
	d := &Domain{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(d)
	}
	if d.frames == nil {
		d.frames = frameinfo.NewRegistry()
	}
	d.refs.Store(1)
	return d, nil
}

// MustNewDomain is NewDomain for callers that cannot run without fault
// recovery.
func MustNewDomain(opts ...DomainOption) *Domain {
	d, err := NewDomain(opts...)
	if err != nil {
		panic(err)
	}
	return d
}

// Frames returns the registry used to build traces.
func (d *Domain) Frames() *frameinfo.Registry {
	return d.frames
}

// Retain adds a reference.
func (d *Domain) Retain() error {
	for {
		n := d.refs.Load()
		if n <= 0 {
			return ErrReleased
		}
		if d.refs.CompareAndSwap(n, n+1) {
			return nil
		}
	}
}

// Release drops a reference. It returns true when it was the last one, after
// which protected calls fail.
func (d *Domain) Release() (bool, error) {
	for {
		n := d.refs.Load()
		if n <= 0 {
			return false, ErrReleased
		}
		if d.refs.CompareAndSwap(n, n-1) {
			if n == 1 {
				d.logger.Debug("fault domain released")
			}
			return n == 1, nil
		}
	}
}
