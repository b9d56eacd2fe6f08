package wazguard

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/tetratelabs/wazguard/internal/memory"
)

// RuntimeConfig controls engine behavior, with the default implementation as
// NewRuntimeConfig
//
// The example below uses a smaller static reservation:
//
//	rConfig = wazguard.NewRuntimeConfig().WithStaticMemoryBound(256)
//
// # Notes
//
//   - This is an interface for decoupling, not third-party implementations.
//     All implementations are in wazguard.
//   - RuntimeConfig is immutable. Each WithXXX function returns a new instance
//     including the corresponding change.
type RuntimeConfig interface {
	// WithStaticMemoryBound sets the largest memory, in 64KiB pages, that is
	// reserved up front with a guard region instead of being grown by
	// reallocation. Memories declaring a larger maximum, or none when the bound
	// is below 65536, are dynamic. Zero makes every memory dynamic.
	//
	// This defaults to 65536 pages (4GiB) on 64-bit hosts, and zero on 32-bit
	// hosts. A value larger than 65536 panics.
	WithStaticMemoryBound(pages uint32) RuntimeConfig

	// WithStaticMemoryGuardSize sets the inaccessible bytes reserved after the
	// bound of a static memory. This defaults to 2GiB, which lets compiled
	// code omit bounds checks for any 32-bit offset.
	WithStaticMemoryGuardSize(bytes uint64) RuntimeConfig

	// WithDynamicMemoryGuardSize sets the inaccessible bytes reserved after
	// the accessible bytes of a dynamic memory. This defaults to 64KiB.
	WithDynamicMemoryGuardSize(bytes uint64) RuntimeConfig

	// WithLogger sets the logger of the engine and everything it creates.
	// This defaults to a no-op logger.
	WithLogger(logger *zap.Logger) RuntimeConfig

	// WithHugePages allows mappings to be backed by huge pages when their size
	// permits. This is a process-wide setting, enabled when the engine is
	// created. It can also be enabled with WAZGUARDFEATURES=hugepages.
	WithHugePages(enabled bool) RuntimeConfig
}

type runtimeConfig struct {
	tunables  memory.Tunables
	logger    *zap.Logger
	hugePages bool
}

// engineLessConfig helps avoid copy/pasting the wrong defaults.
var engineLessConfig = &runtimeConfig{
	tunables: memory.DefaultTunables(),
}

// NewRuntimeConfig returns a RuntimeConfig with the defaults of the host.
func NewRuntimeConfig() RuntimeConfig {
	return engineLessConfig.clone()
}

// clone makes a deep copy of this runtime config.
func (c *runtimeConfig) clone() *runtimeConfig {
	ret := *c // the logger is shared
	return &ret
}

// WithStaticMemoryBound implements RuntimeConfig.WithStaticMemoryBound
func (c *runtimeConfig) WithStaticMemoryBound(pages uint32) RuntimeConfig {
	if memory.Pages(pages) > memory.MaxPages {
		panic(fmt.Errorf("staticMemoryBound invalid: %d > %d", pages, memory.MaxPages))
	}
	ret := c.clone()
	ret.tunables.StaticMemoryBound = memory.Pages(pages)
	return ret
}

// WithStaticMemoryGuardSize implements RuntimeConfig.WithStaticMemoryGuardSize
func (c *runtimeConfig) WithStaticMemoryGuardSize(bytes uint64) RuntimeConfig {
	ret := c.clone()
	ret.tunables.StaticMemoryOffsetGuardSize = bytes
	return ret
}

// WithDynamicMemoryGuardSize implements RuntimeConfig.WithDynamicMemoryGuardSize
func (c *runtimeConfig) WithDynamicMemoryGuardSize(bytes uint64) RuntimeConfig {
	ret := c.clone()
	ret.tunables.DynamicMemoryOffsetGuardSize = bytes
	return ret
}

// WithLogger implements RuntimeConfig.WithLogger
func (c *runtimeConfig) WithLogger(logger *zap.Logger) RuntimeConfig {
	ret := c.clone()
	ret.logger = logger
	return ret
}

// WithHugePages implements RuntimeConfig.WithHugePages
func (c *runtimeConfig) WithHugePages(enabled bool) RuntimeConfig {
	ret := c.clone()
	ret.hugePages = enabled
	return ret
}
