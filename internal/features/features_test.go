package features_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetratelabs/wazguard/internal/features"
)

func TestEnableFromEnvironment(t *testing.T) {
	os.Setenv(features.EnvVarName, "nope, hugepages ,,")
	defer os.Unsetenv(features.EnvVarName)
	defer features.Disable(features.HugePages)

	features.EnableFromEnvironment()
	require.Equal(t, []string{features.HugePages}, features.List())
	require.True(t, features.Have(features.HugePages))
	require.False(t, features.Have("nope"))
}

func TestEnableDisable(t *testing.T) {
	features.Enable(features.HugePages, features.HugePages, "unknown")
	require.Equal(t, []string{features.HugePages}, features.List())

	features.Disable(features.HugePages)
	require.False(t, features.Have(features.HugePages))
	require.Empty(t, features.List())
}

func TestHaveAllocs(t *testing.T) {
	require.Equal(t, 0.0, testing.AllocsPerRun(100, func() {
		features.Have(features.HugePages)
	}))
}
