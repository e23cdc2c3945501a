// Package session holds the immutable per-session configuration and the
// timing arithmetic derived from it.
package session

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cortex-data/cortex.stream/internal/monitoring"
)

// QualityThreshold is one row of the ordered quality table. A channel whose
// 75th-percentile amplitude falls inside [Low, High] (inclusive) takes this
// row's label and score. The table is scanned in configured order and the
// first match wins, so overlapping ranges must be ordered deliberately.
type QualityThreshold struct {
	Low   float64 `yaml:"low"`
	High  float64 `yaml:"high"`
	Label string  `yaml:"label"`
	Score float64 `yaml:"score"`
}

// Band names one frequency band for band-power extraction.
type Band struct {
	Name string  `yaml:"name"`
	Low  float64 `yaml:"low"`
	High float64 `yaml:"high"`
}

// DispatcherConfig bounds the prediction worker pool.
type DispatcherConfig struct {
	Workers   int    `yaml:"workers"`
	QueueSize int    `yaml:"queue_size"`
	// Policy is what Submit does when the queue is full: "drop" counts and
	// discards the submission, "block" waits for a worker.
	Policy string `yaml:"policy"`
}

// Config is the session configuration, set once at startup and immutable
// thereafter.
type Config struct {
	// WindowSeconds is the duration of the rolling sample window.
	WindowSeconds int `yaml:"window_seconds"`

	// UpdateSpeedMs is the data-refresh cadence (raw window, band powers).
	UpdateSpeedMs int `yaml:"update_speed_ms"`

	// UpdatePlotSpeedMs is the quality-scoring cadence.
	UpdatePlotSpeedMs int `yaml:"update_plot_speed_ms"`

	// NClasses is the number of stimulus classes. The marker value equal to
	// NClasses denotes the mid-trial boundary.
	NClasses int `yaml:"nclasses"`

	// OnTimeMs is the stimulus on-time in milliseconds.
	OnTimeMs int `yaml:"on_time"`

	// Model selects the classifier implementation.
	Model string `yaml:"model"`

	// SaveData controls whether the session window is exported on shutdown.
	SaveData bool `yaml:"save_data"`

	// ChunkPublish publishes raw windows as one message per refresh rather
	// than sample-by-sample.
	ChunkPublish bool `yaml:"chunk_publish"`

	QualityThresholds []QualityThreshold `yaml:"quality_thresholds"`
	Bands             []Band             `yaml:"bands"`
	Dispatcher        DispatcherConfig   `yaml:"dispatcher"`
}

// DefaultConfig returns the configuration used when no file is provided.
// Fields omitted from a YAML file retain these values, so partial configs
// are safe.
func DefaultConfig() *Config {
	return &Config{
		WindowSeconds:     1,
		UpdateSpeedMs:     1000,
		UpdatePlotSpeedMs: 1000,
		NClasses:          4,
		OnTimeMs:          250,
		Model:             "bandpower",
		SaveData:          true,
		ChunkPublish:      true,
		QualityThresholds: []QualityThreshold{
			{Low: -100, High: -50, Label: "yellow", Score: 0.5},
			{Low: -50, High: 50, Label: "green", Score: 1.0},
			{Low: 50, High: 100, Label: "yellow", Score: 0.5},
		},
		Bands: []Band{
			{Name: "delta", Low: 1, High: 4},
			{Name: "theta", Low: 4, High: 8},
			{Name: "alpha", Low: 8, High: 13},
			{Name: "beta", Low: 13, High: 30},
			{Name: "gamma", Low: 30, High: 50},
		},
		Dispatcher: DispatcherConfig{
			Workers:   5,
			QueueSize: 16,
			Policy:    "drop",
		},
	}
}

// Load reads a YAML config file over the defaults and validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the startup invariants. A violation here is fatal; the
// caller should refuse to start the session.
func (c *Config) Validate() error {
	if c.WindowSeconds <= 0 {
		return fmt.Errorf("window_seconds must be positive, got %d", c.WindowSeconds)
	}
	if c.UpdateSpeedMs <= 0 {
		return fmt.Errorf("update_speed_ms must be positive, got %d", c.UpdateSpeedMs)
	}
	if c.UpdatePlotSpeedMs <= 0 {
		return fmt.Errorf("update_plot_speed_ms must be positive, got %d", c.UpdatePlotSpeedMs)
	}
	if c.NClasses < 1 {
		return fmt.Errorf("nclasses must be at least 1, got %d", c.NClasses)
	}
	if c.OnTimeMs <= 0 {
		return fmt.Errorf("on_time must be positive, got %d", c.OnTimeMs)
	}
	if len(c.QualityThresholds) == 0 {
		return fmt.Errorf("quality_thresholds must not be empty")
	}
	for i, qt := range c.QualityThresholds {
		if qt.Low > qt.High {
			return fmt.Errorf("quality threshold %d: low %v > high %v", i, qt.Low, qt.High)
		}
	}
	for _, b := range c.Bands {
		if b.Low >= b.High {
			return fmt.Errorf("band %q: low %v must be below high %v", b.Name, b.Low, b.High)
		}
	}
	if c.Dispatcher.Workers <= 0 {
		return fmt.Errorf("dispatcher workers must be positive, got %d", c.Dispatcher.Workers)
	}
	if c.Dispatcher.QueueSize <= 0 {
		return fmt.Errorf("dispatcher queue_size must be positive, got %d", c.Dispatcher.QueueSize)
	}
	switch c.Dispatcher.Policy {
	case "drop", "block":
	default:
		return fmt.Errorf("dispatcher policy must be \"drop\" or \"block\", got %q", c.Dispatcher.Policy)
	}

	c.warnThresholdCoverage()
	return nil
}

// UpdateInterval returns the data-refresh cadence as a duration.
func (c *Config) UpdateInterval() time.Duration {
	return time.Duration(c.UpdateSpeedMs) * time.Millisecond
}

// PlotInterval returns the quality-scoring cadence as a duration.
func (c *Config) PlotInterval() time.Duration {
	return time.Duration(c.UpdatePlotSpeedMs) * time.Millisecond
}

// warnThresholdCoverage logs when quality ranges overlap or leave gaps.
// First-match-wins is the contract, so neither case is an error, but both
// are usually operator mistakes.
func (c *Config) warnThresholdCoverage() {
	for i := 0; i < len(c.QualityThresholds); i++ {
		for j := i + 1; j < len(c.QualityThresholds); j++ {
			a, b := c.QualityThresholds[i], c.QualityThresholds[j]
			if a.Low <= b.High && b.Low <= a.High {
				monitoring.Logf("quality thresholds %d and %d overlap ([%v,%v] vs [%v,%v]); first match wins",
					i, j, a.Low, a.High, b.Low, b.High)
			}
		}
	}
	for i := 1; i < len(c.QualityThresholds); i++ {
		prev, cur := c.QualityThresholds[i-1], c.QualityThresholds[i]
		if cur.Low > prev.High {
			monitoring.Logf("quality thresholds leave a gap between %v and %v; amplitudes there score (red, 0)",
				prev.High, cur.Low)
		}
	}
}
