package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/st3v3nmw/bootfuzz/internal/model"
	"github.com/st3v3nmw/bootfuzz/internal/sut"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bootfuzz.yaml")

	cfg := Default()
	cfg.Workload.Writes = 50
	cfg.Timeouts.Join = Duration(90 * time.Second)
	require.NoError(t, SaveTo(cfg, path))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "join: 1m30s")

	loaded, err := LoadFrom(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestLoadPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bootfuzz.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
workload:
  writes: 10
  consistency: all
model:
  unknown_outcomes: skip
timeouts:
  quiescence: 5s
`), 0644))

	cfg, err := LoadFrom(path)
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.Workload.Writes)
	assert.Equal(t, 3, cfg.Cluster.Nodes, "unset fields keep their defaults")
	assert.Equal(t, 5*time.Second, cfg.Timeouts.Quiescence.Std())

	cl, err := cfg.Consistency()
	require.NoError(t, err)
	assert.Equal(t, sut.All, cl)

	policy, err := cfg.UnknownOutcomes()
	require.NoError(t, err)
	assert.Equal(t, model.Skip, policy)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		errMsg string
	}{
		{"Defaults", func(*Config) {}, ""},
		{"No Free Token", func(c *Config) { c.Cluster.Tokens = 3 }, "slot for the joining node"},
		{"Bad Consistency", func(c *Config) { c.Workload.Consistency = "TWO" }, "workload.consistency"},
		{"Bad Barrier Consistency", func(c *Config) { c.Cluster.ProgressBarrierConsistency = "x" }, "progress_barrier_consistency"},
		{"Bad Policy", func(c *Config) { c.Model.UnknownOutcomes = "guess" }, "model.unknown_outcomes"},
		{"Coordinator Out Of Range", func(c *Config) { c.Workload.Coordinator = 4 }, "not one of the initial nodes"},
		{"Zero Window", func(c *Config) { c.Workload.PDSelector.Window = 0 }, "pd_selector"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)

			err := cfg.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
			}
		})
	}
}

func TestInvalidDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bootfuzz.yaml")
	require.NoError(t, os.WriteFile(path, []byte("timeouts:\n  join: soon\n"), 0644))

	_, err := LoadFrom(path)
	assert.Error(t, err)
}
