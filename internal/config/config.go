// Package config loads and saves bootfuzz.yaml.
package config

import (
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/goccy/go-yaml"
	"github.com/st3v3nmw/bootfuzz/internal/model"
	"github.com/st3v3nmw/bootfuzz/internal/sut"
)

const configPath = "bootfuzz.yaml"

// Duration is a time.Duration written as "30s".
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", text)
	}

	*d = Duration(parsed)
	return nil
}

// Std returns the time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type Cluster struct {
	Nodes                      int    `yaml:"nodes"`
	Tokens                     int    `yaml:"tokens"`
	ReplicationFactor          int    `yaml:"replication_factor"`
	ProgressBarrierConsistency string `yaml:"progress_barrier_consistency"`
	MetadataSnapshotFrequency  int    `yaml:"metadata_snapshot_frequency"`
}

type PDSelector struct {
	Window int64 `yaml:"window"`
	Slide  int64 `yaml:"slide"`
}

type Workload struct {
	Seed             uint64     `yaml:"seed"`
	Writes           int        `yaml:"writes"`
	Columns          int        `yaml:"columns"`
	PDSelector       PDSelector `yaml:"pd_selector"`
	MaxPartitionSize int        `yaml:"max_partition_size"`
	OpsPerStep       int        `yaml:"ops_per_step"`
	Consistency      string     `yaml:"consistency"`
	Retries          int        `yaml:"retries"`
	// Coordinator pins every statement to one node; 0 rotates through the
	// initial nodes.
	Coordinator int `yaml:"coordinator"`
}

type Model struct {
	UnknownOutcomes string `yaml:"unknown_outcomes"`
}

type Timeouts struct {
	Barrier    Duration `yaml:"barrier"`
	Commit     Duration `yaml:"commit"`
	Quiescence Duration `yaml:"quiescence"`
	Join       Duration `yaml:"join"`
	Poll       Duration `yaml:"poll"`
}

type Config struct {
	Cluster    Cluster  `yaml:"cluster"`
	Workload   Workload `yaml:"workload"`
	Model      Model    `yaml:"model"`
	Timeouts   Timeouts `yaml:"timeouts"`
	WorkingDir string   `yaml:"working_dir"`
	Verbose    bool     `yaml:"verbose"`
}

// Default returns the configuration of a full-size run.
func Default() *Config {
	return &Config{
		Cluster: Cluster{
			Nodes:                      3,
			Tokens:                     4,
			ReplicationFactor:          3,
			ProgressBarrierConsistency: "QUORUM",
			MetadataSnapshotFrequency:  5,
		},
		Workload: Workload{
			Seed:             1,
			Writes:           2000,
			Columns:          4,
			PDSelector:       PDSelector{Window: 1, Slide: 1},
			MaxPartitionSize: 100,
			OpsPerStep:       2,
			Consistency:      "QUORUM",
			Retries:          3,
		},
		Model: Model{UnknownOutcomes: "tolerate"},
		Timeouts: Timeouts{
			Barrier:    Duration(2 * time.Minute),
			Commit:     Duration(2 * time.Minute),
			Quiescence: Duration(2 * time.Minute),
			Join:       Duration(5 * time.Minute),
			Poll:       Duration(50 * time.Millisecond),
		},
		WorkingDir: ".bootfuzz",
	}
}

// Validate checks the enumerated options and the cluster shape.
func (c *Config) Validate() error {
	if c.Cluster.Nodes < 1 {
		return errors.Newf("cluster.nodes must be positive, got %d", c.Cluster.Nodes)
	}
	if c.Cluster.Tokens <= c.Cluster.Nodes {
		return errors.WithHint(
			errors.Newf("cluster.tokens (%d) must leave a slot for the joining node", c.Cluster.Tokens),
			"Set tokens to at least nodes + 1.")
	}
	if c.Cluster.ReplicationFactor < 1 {
		return errors.Newf("cluster.replication_factor must be positive, got %d", c.Cluster.ReplicationFactor)
	}
	if c.Workload.Writes < 1 {
		return errors.Newf("workload.writes must be positive, got %d", c.Workload.Writes)
	}
	if c.Workload.PDSelector.Window < 1 || c.Workload.PDSelector.Slide < 1 {
		return errors.New("workload.pd_selector window and slide must be positive")
	}
	if c.Workload.Coordinator < 0 || c.Workload.Coordinator > c.Cluster.Nodes {
		return errors.Newf("workload.coordinator %d is not one of the initial nodes", c.Workload.Coordinator)
	}

	if _, err := c.Consistency(); err != nil {
		return err
	}
	if _, err := c.ProgressBarrierConsistency(); err != nil {
		return err
	}
	if _, err := c.UnknownOutcomes(); err != nil {
		return err
	}

	return nil
}

// Consistency is the workload's consistency level.
func (c *Config) Consistency() (sut.ConsistencyLevel, error) {
	cl, err := sut.ParseConsistencyLevel(c.Workload.Consistency)
	return cl, errors.Wrap(err, "workload.consistency")
}

// ProgressBarrierConsistency is the joining node's progress barrier level.
func (c *Config) ProgressBarrierConsistency() (sut.ConsistencyLevel, error) {
	cl, err := sut.ParseConsistencyLevel(c.Cluster.ProgressBarrierConsistency)
	return cl, errors.Wrap(err, "cluster.progress_barrier_consistency")
}

// UnknownOutcomes is how the model replays writes with an unknown outcome.
func (c *Config) UnknownOutcomes() (model.UnknownPolicy, error) {
	p, err := model.ParseUnknownPolicy(c.Model.UnknownOutcomes)
	return p, errors.Wrap(err, "model.unknown_outcomes")
}

// Load reads bootfuzz.yaml from the current directory, falling back to the
// defaults when it does not exist.
func Load() (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return Default(), nil
	}

	return LoadFrom(configPath)
}

// LoadFrom reads path over the defaults.
func LoadFrom(path string) (*Config, error) {
	bytes, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}

	cfg := Default()
	if err := yaml.Unmarshal(bytes, cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to parse config file %s", path)
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid config file %s", path)
	}

	return cfg, nil
}

func Save(cfg *Config) error {
	return SaveTo(cfg, configPath)
}

func SaveTo(cfg *Config, path string) error {
	bytes, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "failed to serialize config")
	}

	if err := os.WriteFile(path, bytes, 0644); err != nil {
		return errors.Wrap(err, "failed to write config file")
	}

	return nil
}
