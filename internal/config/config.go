// Package config provides runtime configuration for broadcast join tasks.
//
// Planner decisions (legs, key layout, null-safe and outer flags) travel in
// the operator descriptor. This package holds what an operator does not
// carry: the fallback memory ceiling, load parallelism, decoder tuning and
// diagnostics switches.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Config represents the runtime configuration of broadcast join tasks
type Config struct {
	// Table build
	MemoryBudget         int64  `json:"memory_budget" yaml:"memory_budget"`                   // Fallback ceiling in bytes for the small tables of one operator load (0 = unlimited)
	LoadParallelism      int    `json:"load_parallelism" yaml:"load_parallelism"`             // Small legs built at once
	InitialTableCapacity int    `json:"initial_table_capacity" yaml:"initial_table_capacity"` // Starting key capacity per table
	DecodeBatchSize      int    `json:"decode_batch_size" yaml:"decode_batch_size"`           // Rows per decoded batch
	DefaultFormat        string `json:"default_format" yaml:"default_format"`                 // Wire format for descriptors without one

	// Diagnostics
	LogLevel          string `json:"log_level" yaml:"log_level"`                   // trace, debug, info, warn or error
	TraceProbes       bool   `json:"trace_probes" yaml:"trace_probes"`             // Log every probe at trace level
	MetricsCollection bool   `json:"metrics_collection" yaml:"metrics_collection"` // Record per-leg build metrics
}

// SystemInfo contains system information for configuration validation
type SystemInfo struct {
	CPUCount     int
	MemorySize   int64
	Architecture string
	OSType       string
}

// ConfigValidator validates and provides recommendations for configuration
type ConfigValidator struct {
	systemInfo SystemInfo
}

// Global configuration instance
var (
	globalConfig Config
	configMutex  sync.RWMutex
)

// Default configuration values
const (
	DefaultLoadParallelism      = 1
	DefaultInitialTableCapacity = 1024
	DefaultDecodeBatchSize      = 1024
	DefaultFormat               = "arrow-ipc"
	DefaultLogLevel             = "info"
)

// LevelTrace is the slog level below Debug used for per-row probe tracing.
const LevelTrace = slog.LevelDebug - 4

func init() {
	globalConfig = NewConfig()
}

// NewConfig creates a new configuration with default values
func NewConfig() Config {
	return Config{
		MemoryBudget:         0, // Unlimited
		LoadParallelism:      DefaultLoadParallelism,
		InitialTableCapacity: DefaultInitialTableCapacity,
		DecodeBatchSize:      DefaultDecodeBatchSize,
		DefaultFormat:        DefaultFormat,

		LogLevel:          DefaultLogLevel,
		TraceProbes:       false,
		MetricsCollection: false,
	}
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	if c.MemoryBudget < 0 {
		return fmt.Errorf("MemoryBudget must be non-negative, got %d", c.MemoryBudget)
	}

	if c.LoadParallelism <= 0 {
		return fmt.Errorf("LoadParallelism must be positive, got %d", c.LoadParallelism)
	}

	if c.InitialTableCapacity < 0 {
		return fmt.Errorf("InitialTableCapacity must be non-negative, got %d", c.InitialTableCapacity)
	}

	if c.DecodeBatchSize <= 0 {
		return fmt.Errorf("DecodeBatchSize must be positive, got %d", c.DecodeBatchSize)
	}

	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}

	return nil
}

// WithDefaults returns a new configuration with default values filled in for zero values
func (c Config) WithDefaults() Config {
	defaults := NewConfig()

	if c.LoadParallelism == 0 {
		c.LoadParallelism = defaults.LoadParallelism
	}
	if c.InitialTableCapacity == 0 {
		c.InitialTableCapacity = defaults.InitialTableCapacity
	}
	if c.DecodeBatchSize == 0 {
		c.DecodeBatchSize = defaults.DecodeBatchSize
	}
	if c.DefaultFormat == "" {
		c.DefaultFormat = defaults.DefaultFormat
	}
	if c.LogLevel == "" {
		c.LogLevel = defaults.LogLevel
	}

	// Boolean fields keep their explicit value; a zero MemoryBudget already
	// means unlimited.
	return c
}

// Level returns the configured slog level.
func (c Config) Level() slog.Level {
	level, err := ParseLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return level
}

// ParseLevel parses a level name, accepting "trace" in addition to the slog names.
func ParseLevel(name string) (slog.Level, error) {
	if strings.EqualFold(name, "trace") {
		return LevelTrace, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return 0, fmt.Errorf("invalid LogLevel %q", name)
	}
	return level, nil
}

// SetGlobalConfig sets the global configuration
func SetGlobalConfig(config Config) {
	configMutex.Lock()
	defer configMutex.Unlock()
	globalConfig = config
}

// GetGlobalConfig returns the current global configuration
func GetGlobalConfig() Config {
	configMutex.RLock()
	defer configMutex.RUnlock()
	return globalConfig
}

// LoadFromJSON loads configuration from JSON data
func LoadFromJSON(data []byte) (Config, error) {
	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("parsing JSON configuration: %w", err)
	}
	return config.WithDefaults(), nil
}

// LoadFromFile loads configuration from a JSON or YAML file
func LoadFromFile(filename string) (Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file %s: %w", filename, err)
	}

	var config Config
	ext := strings.ToLower(filepath.Ext(filename))

	switch ext {
	case ".json":
		err = json.Unmarshal(data, &config)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &config)
	default:
		return Config{}, fmt.Errorf("unsupported config file format: %s", ext)
	}

	if err != nil {
		return Config{}, fmt.Errorf("parsing config file %s: %w", filename, err)
	}

	return config.WithDefaults(), nil
}

// LoadFromEnv loads configuration from BROADCASTJOIN_* environment variables
func LoadFromEnv() Config {
	config := NewConfig()

	if val := os.Getenv("BROADCASTJOIN_MEMORY_BUDGET"); val != "" {
		if parsed, err := strconv.ParseInt(val, 10, 64); err == nil {
			config.MemoryBudget = parsed
		}
	}

	if val := os.Getenv("BROADCASTJOIN_LOAD_PARALLELISM"); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			config.LoadParallelism = parsed
		}
	}

	if val := os.Getenv("BROADCASTJOIN_INITIAL_TABLE_CAPACITY"); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			config.InitialTableCapacity = parsed
		}
	}

	if val := os.Getenv("BROADCASTJOIN_DECODE_BATCH_SIZE"); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			config.DecodeBatchSize = parsed
		}
	}

	if val := os.Getenv("BROADCASTJOIN_DEFAULT_FORMAT"); val != "" {
		config.DefaultFormat = val
	}

	if val := os.Getenv("BROADCASTJOIN_LOG_LEVEL"); val != "" {
		config.LogLevel = val
	}

	if val := os.Getenv("BROADCASTJOIN_TRACE_PROBES"); val != "" {
		if parsed, err := strconv.ParseBool(val); err == nil {
			config.TraceProbes = parsed
		}
	}

	if val := os.Getenv("BROADCASTJOIN_METRICS_COLLECTION"); val != "" {
		if parsed, err := strconv.ParseBool(val); err == nil {
			config.MetricsCollection = parsed
		}
	}

	return config
}

// GetSystemInfo returns system information for configuration validation
func GetSystemInfo() SystemInfo {
	var memSize int64 = 8 * 1024 * 1024 * 1024 // 8GB default estimate

	return SystemInfo{
		CPUCount:     runtime.NumCPU(),
		MemorySize:   memSize,
		Architecture: runtime.GOARCH,
		OSType:       runtime.GOOS,
	}
}

// NewConfigValidator creates a new configuration validator
func NewConfigValidator() *ConfigValidator {
	return &ConfigValidator{
		systemInfo: GetSystemInfo(),
	}
}

// Validate validates a configuration and provides recommendations
func (cv *ConfigValidator) Validate(config Config) (Config, []string, error) {
	var warnings []string
	validated := config

	if err := config.Validate(); err != nil {
		return Config{}, warnings, err
	}

	if config.LoadParallelism > cv.systemInfo.CPUCount {
		validated.LoadParallelism = cv.systemInfo.CPUCount
		warnings = append(warnings,
			fmt.Sprintf("Load parallelism (%d) exceeds CPU count, capping at %d",
				config.LoadParallelism, cv.systemInfo.CPUCount))
	}

	if config.MemoryBudget > cv.systemInfo.MemorySize {
		return Config{}, warnings, fmt.Errorf(
			"memory budget (%d) exceeds estimated system memory (%d)",
			config.MemoryBudget, cv.systemInfo.MemorySize)
	}

	if config.MemoryBudget == 0 {
		warnings = append(warnings, "No memory budget set; small tables may grow without bound")
	}

	if config.TraceProbes && validated.Level() > LevelTrace {
		warnings = append(warnings,
			fmt.Sprintf("TraceProbes is set but log level %q hides trace output", config.LogLevel))
	}

	return validated, warnings, nil
}
