package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all tunable parameters for the monitoring and migration
// engine. Every numeric knob from the estimator and orchestrator lives here;
// nothing is hardcoded in the components themselves.
type Config struct {
	Estimator     EstimatorConfig     `yaml:"estimator"`
	Orchestrator  OrchestratorConfig  `yaml:"orchestrator"`
	ColdMigration ColdMigrationConfig `yaml:"cold_migration"`
	Log           LogConfig           `yaml:"log"`
	MetricsAddr   string              `yaml:"metrics_addr"`
	DataDir       string              `yaml:"data_dir"`
}

// EstimatorConfig controls reliability scoring and advisory triggering.
type EstimatorConfig struct {
	// ReliabilityThreshold is the score below which migration is armed.
	ReliabilityThreshold float64 `yaml:"reliability_threshold"`

	// HysteresisMargin is the recovery margin above the threshold required
	// before a server re-arms for a new advisory.
	HysteresisMargin float64 `yaml:"hysteresis_margin"`

	// WindowSize is the number of samples retained per server.
	WindowSize int `yaml:"window_size"`

	// TrendSamples is the number of consecutive non-increasing samples
	// required before an advisory fires.
	TrendSamples int `yaml:"trend_samples"`

	// SampleHorizon evicts samples older than this relative to the newest.
	SampleHorizon time.Duration `yaml:"sample_horizon"`

	// LevelWeight and TrendWeight blend the smoothed level and the trend
	// term into the final score. They must sum to 1.
	LevelWeight float64 `yaml:"level_weight"`
	TrendWeight float64 `yaml:"trend_weight"`

	// EMAAlpha is the smoothing factor for the exponential moving average.
	EMAAlpha float64 `yaml:"ema_alpha"`

	// Signals defines the recognized telemetry signals and their ranges.
	Signals []SignalConfig `yaml:"signals"`
}

// SignalConfig describes one named telemetry signal. Values are normalized
// into a badness fraction over [Min,Max]; values outside the range make the
// sample invalid.
type SignalConfig struct {
	Name     string  `yaml:"name"`
	Min      float64 `yaml:"min"`
	Max      float64 `yaml:"max"`
	Weight   float64 `yaml:"weight"`
	Required bool    `yaml:"required"`
}

// OrchestratorConfig controls migration execution.
type OrchestratorConfig struct {
	// MaxSyncIterations bounds the incremental delta loop.
	MaxSyncIterations int `yaml:"max_sync_iterations"`

	// SyncLagBound is the maximum delta backlog allowed before cutover.
	SyncLagBound int `yaml:"sync_lag_bound"`

	// CutoverBudget is the hard time limit for the cutover critical section.
	CutoverBudget time.Duration `yaml:"cutover_budget"`

	// PollInterval is how often asynchronous bulk copies are polled.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// ColdMigrationConfig parameterizes the reactive fallback path, used only
// for downtime-saved accounting when a failure is preempted.
type ColdMigrationConfig struct {
	// EstimatedDowntime is the expected user-visible outage of a reactive
	// re-provision plus data download.
	EstimatedDowntime time.Duration `yaml:"estimated_downtime"`
}

// LogConfig controls logging output.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns a Config populated with production defaults.
func Default() *Config {
	return &Config{
		Estimator: EstimatorConfig{
			ReliabilityThreshold: 0.95,
			HysteresisMargin:     0.02,
			WindowSize:           30,
			TrendSamples:         3,
			SampleHorizon:        5 * time.Minute,
			LevelWeight:          0.7,
			TrendWeight:          0.3,
			EMAAlpha:             0.3,
			Signals: []SignalConfig{
				{Name: "cpu_error_rate", Min: 0, Max: 1, Weight: 1, Required: true},
				{Name: "disk_latency_p99", Min: 0, Max: 1000, Weight: 1, Required: true},
				{Name: "heartbeat_miss_count", Min: 0, Max: 10, Weight: 2, Required: true},
			},
		},
		Orchestrator: OrchestratorConfig{
			MaxSyncIterations: 10,
			SyncLagBound:      1,
			CutoverBudget:     10 * time.Second,
			PollInterval:      250 * time.Millisecond,
		},
		ColdMigration: ColdMigrationConfig{
			EstimatedDowntime: 45 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
		MetricsAddr: ":9090",
		DataDir:     "/var/lib/preempt",
	}
}

// Load reads a YAML config file and merges it over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	e := c.Estimator
	if e.ReliabilityThreshold <= 0 || e.ReliabilityThreshold >= 1 {
		return fmt.Errorf("reliability_threshold must be in (0,1), got %v", e.ReliabilityThreshold)
	}
	if e.HysteresisMargin < 0 || e.ReliabilityThreshold+e.HysteresisMargin > 1 {
		return fmt.Errorf("hysteresis_margin %v pushes re-arm level above 1", e.HysteresisMargin)
	}
	if e.WindowSize < 2 {
		return fmt.Errorf("window_size must be at least 2, got %d", e.WindowSize)
	}
	if e.TrendSamples < 1 || e.TrendSamples > e.WindowSize {
		return fmt.Errorf("trend_samples must be in [1,window_size], got %d", e.TrendSamples)
	}
	if e.EMAAlpha <= 0 || e.EMAAlpha > 1 {
		return fmt.Errorf("ema_alpha must be in (0,1], got %v", e.EMAAlpha)
	}
	if sum := e.LevelWeight + e.TrendWeight; sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("level_weight + trend_weight must sum to 1, got %v", sum)
	}
	if len(e.Signals) == 0 {
		return fmt.Errorf("at least one signal must be configured")
	}
	for _, s := range e.Signals {
		if s.Name == "" {
			return fmt.Errorf("signal name must not be empty")
		}
		if s.Max <= s.Min {
			return fmt.Errorf("signal %s: max must be greater than min", s.Name)
		}
		if s.Weight <= 0 {
			return fmt.Errorf("signal %s: weight must be positive", s.Name)
		}
	}

	o := c.Orchestrator
	if o.MaxSyncIterations < 1 {
		return fmt.Errorf("max_sync_iterations must be at least 1, got %d", o.MaxSyncIterations)
	}
	if o.SyncLagBound < 0 {
		return fmt.Errorf("sync_lag_bound must not be negative, got %d", o.SyncLagBound)
	}
	if o.CutoverBudget <= 0 {
		return fmt.Errorf("cutover_budget must be positive, got %v", o.CutoverBudget)
	}
	if o.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %v", o.PollInterval)
	}

	return nil
}
