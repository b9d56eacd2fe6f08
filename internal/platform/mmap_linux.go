//go:build !tinygo

package platform

import (
	"math/bits"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/tetratelabs/wazguard/internal/features"
)

const mapNoReserve = unix.MAP_NORESERVE

const (
	// https://man7.org/linux/man-pages/man2/mmap.2.html
	__MAP_HUGE_SHIFT = 26
)

type hugePageConfig struct {
	size int
	flag int
}

var (
	hugePageConfigs     []hugePageConfig
	hugePageConfigsOnce sync.Once
)

func loadHugePageConfigs() {
	dirents, err := os.ReadDir("/sys/kernel/mm/hugepages/")
	if err != nil {
		return
	}

	for _, dirent := range dirents {
		name := dirent.Name()
		if !strings.HasPrefix(name, "hugepages-") || !strings.HasSuffix(name, "kB") {
			continue
		}
		n, err := strconv.ParseUint(name[10:len(name)-2], 10, 64)
		if err != nil || bits.OnesCount64(n) != 1 {
			continue
		}
		n *= 1024
		hugePageConfigs = append(hugePageConfigs, hugePageConfig{
			size: int(n),
			flag: int(bits.TrailingZeros64(n)<<__MAP_HUGE_SHIFT) | unix.MAP_HUGETLB,
		})
	}

	sort.Slice(hugePageConfigs, func(i, j int) bool {
		return hugePageConfigs[i].size > hugePageConfigs[j].size
	})
}

// mmap tries the largest huge page size that evenly divides size when the
// hugepages feature is enabled, then falls back to regular pages.
func mmap(size, prot, flags int) ([]byte, error) {
	if prot != unix.PROT_NONE && features.Have(features.HugePages) {
		hugePageConfigsOnce.Do(loadHugePageConfigs)
		for _, c := range hugePageConfigs {
			if size&(c.size-1) != 0 {
				continue
			}
			if b, err := unix.Mmap(-1, 0, size, prot, flags|c.flag); err == nil {
				return b, nil
			}
		}
	}
	return unix.Mmap(-1, 0, size, prot, flags)
}
