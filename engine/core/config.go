package core

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// MinWorkerCount is the smallest number of workers accepted across all the
// worker pools: one for blocking IO, one for CPU processing and one for GPU
// submission.
const MinWorkerCount = 3

// RequiredPools are the worker pools the engine schedules on. The main pool
// is always added by the job system.
var RequiredPools = []string{"resource", "render", "background"}

type Config struct {
	Application ApplicationConfig `toml:"application"`
	Log         LogConfig         `toml:"log"`
	Jobs        JobsConfig        `toml:"jobs"`
	Renderer    RendererConfig    `toml:"renderer"`
	Metrics     MetricsConfig     `toml:"metrics"`
}

type ApplicationConfig struct {
	// The application name, used in logs.
	Name string `toml:"name"`
	// Directory watched for asset changes. Empty disables hot reload.
	AssetsDir string `toml:"assets_dir"`
	// Frame limiter target. 0 runs unbounded.
	TargetFPS int `toml:"target_fps"`
	// Stop after this many frames. 0 runs until shutdown is requested.
	MaxFrames uint64 `toml:"max_frames"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Prefix string `toml:"prefix"`
}

type PoolConfig struct {
	Name    string `toml:"name"`
	Workers int    `toml:"workers"`
}

type JobsConfig struct {
	// Total number of workers, split across the default pools when Pools is empty.
	WorkerNumber    int          `toml:"worker_number"`
	Pools           []PoolConfig `toml:"pools"`
	DrainOnShutdown bool         `toml:"drain_on_shutdown"`
	JoinTimeoutMS   int          `toml:"join_timeout_ms"`
	// 0 means unbounded.
	QueueCapacity int `toml:"queue_capacity"`
	// Panic on scheduling usage errors instead of only returning them.
	DebugAsserts bool `toml:"debug_asserts"`
}

type RendererConfig struct {
	SyncTimeoutMS int `toml:"sync_timeout_ms"`
}

type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
}

func DefaultConfig() *Config {
	return &Config{
		Application: ApplicationConfig{
			Name:      "anima",
			TargetFPS: 60,
		},
		Log: LogConfig{
			Level:  "info",
			Prefix: "Jobs ⚙️ ",
		},
		Jobs: JobsConfig{
			WorkerNumber:    MinWorkerCount,
			DrainOnShutdown: true,
			JoinTimeoutMS:   5000,
		},
		Renderer: RendererConfig{
			SyncTimeoutMS: 1000,
		},
		Metrics: MetricsConfig{
			Address: ":9090",
		},
	}
}

// LoadConfig reads a TOML file on top of the default configuration.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read config file %s: %w", path, err)
	}
	return ParseConfig(data)
}

func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration and fills the pool list from
// WorkerNumber when no pool was configured explicitly.
func (c *Config) Validate() error {
	if len(c.Jobs.Pools) == 0 {
		if c.Jobs.WorkerNumber < MinWorkerCount {
			return fmt.Errorf("%w: worker_number=%d", ErrTooFewWorkers, c.Jobs.WorkerNumber)
		}
		c.Jobs.Pools = DefaultPools(c.Jobs.WorkerNumber)
	}

	total := 0
	names := make(map[string]bool, len(c.Jobs.Pools))
	for _, p := range c.Jobs.Pools {
		names[p.Name] = true
		if p.Name == "" {
			return fmt.Errorf("%w: pool without a name", ErrInvalidConfig)
		}
		if p.Workers < 1 {
			return fmt.Errorf("%w: pool '%s' has %d workers", ErrInvalidConfig, p.Name, p.Workers)
		}
		total += p.Workers
	}
	if total < MinWorkerCount {
		return fmt.Errorf("%w: got %d", ErrTooFewWorkers, total)
	}
	for _, name := range RequiredPools {
		if !names[name] {
			return fmt.Errorf("%w: %w: '%s'", ErrInvalidConfig, ErrMissingPool, name)
		}
	}

	if c.Jobs.JoinTimeoutMS < 0 || c.Renderer.SyncTimeoutMS < 0 || c.Jobs.QueueCapacity < 0 {
		return fmt.Errorf("%w: timeouts and queue capacity cannot be negative", ErrInvalidConfig)
	}
	if c.Application.TargetFPS < 0 {
		return fmt.Errorf("%w: target_fps=%d", ErrInvalidConfig, c.Application.TargetFPS)
	}
	return nil
}

// DefaultPools splits workerNumber across the resource, render and
// background pools. The background pool gets whatever is left.
func DefaultPools(workerNumber int) []PoolConfig {
	return []PoolConfig{
		{Name: "resource", Workers: 1},
		{Name: "render", Workers: 1},
		{Name: "background", Workers: max(workerNumber-2, 1)},
	}
}

func (c *Config) JoinTimeout() time.Duration {
	return time.Duration(c.Jobs.JoinTimeoutMS) * time.Millisecond
}

func (c *Config) SyncTimeout() time.Duration {
	return time.Duration(c.Renderer.SyncTimeoutMS) * time.Millisecond
}
