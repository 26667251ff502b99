package cpuiso_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aoikida/sei-go/internal/cpuiso"
)

func TestBlacklistIsIdempotent(t *testing.T) {
	r := cpuiso.New()

	before := r.Available()
	r.Blacklist(0)
	r.Blacklist(0)

	require.Equal(t, before-1, r.Available())
}

func TestStatsReportsBlacklistedCores(t *testing.T) {
	r := cpuiso.New()
	r.Blacklist(0)

	stats := r.Stats()
	require.Contains(t, stats.Blacklisted, 0)
	require.True(t, stats.PerCore[0])
	require.Equal(t, 0, stats.Migrations)
}

func TestMigrateCurrentThreadSkipsBlacklistedCores(t *testing.T) {
	r := cpuiso.New()

	numCPU := r.Stats().NumCPU
	if numCPU < 2 {
		t.Skip("test requires at least 2 CPUs")
	}

	r.Blacklist(0)

	target, err := r.MigrateCurrentThread()
	require.NoError(t, err)
	require.NotEqual(t, 0, target)
	require.Equal(t, 1, r.Stats().Migrations)
}
