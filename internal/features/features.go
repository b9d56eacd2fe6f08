// Package features implements process-wide feature flags for wazguard.
//
// Features control properties that can only be decided once for the whole
// process, such as whether mappings may be backed by huge pages.
package features

import (
	"os"
	"strings"
	"sync"
)

const (
	// EnvVarName is the name of the environment variable which contains the
	// comma separated list of feature flags.
	EnvVarName = "WAZGUARDFEATURES"

	// HugePages allows executable and linear memory mappings to request huge
	// pages when their size is a multiple of a supported huge page size.
	HugePages = "hugepages"
)

var (
	lock    sync.RWMutex
	enabled []string
	envOnce sync.Once
)

// EnableFromEnvironment adds the features listed in WAZGUARDFEATURES. Only the
// first call reads the environment.
func EnableFromEnvironment() {
	envOnce.Do(func() {
		Enable(strings.Split(os.Getenv(EnvVarName), ",")...)
	})
}

// Enable adds the given features. Unrecognized or already enabled features are
// skipped.
func Enable(features ...string) {
	lock.Lock()
	defer lock.Unlock()

	next := enabled
	for _, f := range features {
		f = strings.TrimSpace(f)
		if supported(f) && !contains(next, f) {
			next = append(next, f)
		}
	}
	enabled = next
}

// Disable removes the given features.
func Disable(features ...string) {
	lock.Lock()
	defer lock.Unlock()

	next := make([]string, 0, len(enabled))
	for _, f := range enabled {
		if !contains(features, f) {
			next = append(next, f)
		}
	}
	enabled = next
}

// List returns the features currently enabled. The slice must be treated as
// read-only.
func List() []string {
	lock.RLock()
	defer lock.RUnlock()
	return enabled
}

// Have returns true if the given feature is enabled.
func Have(feature string) bool {
	lock.RLock()
	list := enabled
	lock.RUnlock()
	return contains(list, feature)
}

func contains(list []string, feature string) bool {
	for _, f := range list {
		if f == feature {
			return true
		}
	}
	return false
}

func supported(feature string) bool {
	return feature == HugePages
}
