package queryhive

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the tunables for the orchestration engine.
type Config struct {
	// Maximum number of agents launched concurrently within a stage.
	MaxConcurrentAgents int `yaml:"max_concurrent_agents"`

	// Per-stage timeout when the plan's stage does not carry its own.
	StageTimeout time.Duration `yaml:"stage_timeout"`

	// Overall request deadline. Exceeding it returns whatever stages have
	// completed rather than hanging.
	OverallTimeout time.Duration `yaml:"overall_timeout"`

	// Cache sizing and the two TTL classes: short for per-query source and
	// agent results, long for query-text-only classification results.
	CacheCapacity int           `yaml:"cache_capacity"`
	ShortTTL      time.Duration `yaml:"short_ttl"`
	LongTTL       time.Duration `yaml:"long_ttl"`

	// Row ceiling enforced on generated structured-store statements.
	MaxRows int `yaml:"max_rows"`

	// Floor under which an answer is marked degraded rather than delivered
	// as-is.
	ConfidenceFloor float64 `yaml:"confidence_floor"`

	// Classifier confidence threshold below which the LLM tier runs.
	ClassifierThreshold float64 `yaml:"classifier_threshold"`

	// Hard cap on the planner's estimated wall-clock budget.
	MaxEstimatedDuration time.Duration `yaml:"max_estimated_duration"`

	// Event bus configuration
	EnableEventBus      bool `yaml:"enable_event_bus"`
	EventBusBufferSize  int  `yaml:"event_bus_buffer_size"`
	EventBusWorkerCount int  `yaml:"event_bus_worker_count"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentAgents:  5,
		StageTimeout:         30 * time.Second,
		OverallTimeout:       2 * time.Minute,
		CacheCapacity:        1024,
		ShortTTL:             5 * time.Minute,
		LongTTL:              time.Hour,
		MaxRows:              1000,
		ConfidenceFloor:      0.4,
		ClassifierThreshold:  0.7,
		MaxEstimatedDuration: 90 * time.Second,
		EnableEventBus:       true,
		EventBusBufferSize:   100,
		EventBusWorkerCount:  5,
	}
}

// LoadConfig reads a YAML config file and overlays it on the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, NewConfigurationError(fmt.Sprintf("failed to read config file %s", path), err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, NewConfigurationError(fmt.Sprintf("failed to parse config file %s", path), err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	if c.MaxConcurrentAgents <= 0 {
		return NewConfigurationError("max_concurrent_agents must be positive", nil)
	}
	if c.StageTimeout <= 0 || c.OverallTimeout <= 0 {
		return NewConfigurationError("stage_timeout and overall_timeout must be positive", nil)
	}
	if c.CacheCapacity <= 0 {
		return NewConfigurationError("cache_capacity must be positive", nil)
	}
	if c.MaxRows <= 0 {
		return NewConfigurationError("max_rows must be positive", nil)
	}
	if c.ConfidenceFloor < 0 || c.ConfidenceFloor > 1 {
		return NewConfigurationError("confidence_floor must be in [0,1]", nil)
	}
	return nil
}
