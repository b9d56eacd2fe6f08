package trap

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/tetratelabs/wazguard/internal/platform"
)

var (
	installOnce sync.Once
	installErr  error
	// probeSink keeps the probe load from being optimized away.
	probeSink byte
)

// install verifies once per process that a fault on a guard page is recovered.
func install() error {
	installOnce.Do(func() {
		installErr = selfTest()
	})
	return installErr
}

func selfTest() error {
	if !platform.Supported() {
		return fmt.Errorf("fault recovery: %w", platform.ErrUnsupported)
	}
	m, err := platform.DefaultAllocator.Map(platform.PageSize(), platform.ProtNone)
	if err != nil {
		return fmt.Errorf("fault recovery: reserve probe page: %w", err)
	}
	defer platform.DefaultAllocator.Unmap(m) //nolint:errcheck

	if !probe(&m.Bytes()[0]) {
		return errors.New("fault recovery: guard page access was not recovered")
	}
	return nil
}

//go:noinline
func probe(p *byte) (recovered bool) {
	prev := debug.SetPanicOnFault(true)
	defer func() {
		debug.SetPanicOnFault(prev)
		if r := recover(); r != nil {
			_, recovered = r.(addrError)
		}
	}()
	probeSink = *p
	return false
}
