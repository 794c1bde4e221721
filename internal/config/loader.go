// Package config loads the daemon configuration file. Zero values mean
// "unspecified" and are replaced by defaults in main.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	json "github.com/goccy/go-json"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config holds runtime parameters for the service.
type Config struct {
	Addr      string `json:"addr" yaml:"addr" toml:"addr"`
	ModelsDir string `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	// DataDir holds the manifest database, the conversation cache snapshots
	// and the last good load configs.
	DataDir  string `json:"data_dir" yaml:"data_dir" toml:"data_dir"`
	LogLevel string `json:"log_level" yaml:"log_level" toml:"log_level"`
	// WatchModels imports files dropped into ModelsDir while running.
	WatchModels bool `json:"watch_models" yaml:"watch_models" toml:"watch_models"`

	HTTP    HTTP       `json:"http" yaml:"http" toml:"http"`
	Device  Device     `json:"device" yaml:"device" toml:"device"`
	Load    LoadConfig `json:"load" yaml:"load" toml:"load"`
	Queue   Queue      `json:"queue" yaml:"queue" toml:"queue"`
	Cache   Cache      `json:"cache" yaml:"cache" toml:"cache"`
	Stream  Stream     `json:"stream" yaml:"stream" toml:"stream"`
	Preload Preload    `json:"preload" yaml:"preload" toml:"preload"`
	Sweep   Sweep      `json:"sweep" yaml:"sweep" toml:"sweep"`
}

type HTTP struct {
	MaxBodyBytes           int64 `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`
	GenerateTimeoutSeconds int64 `json:"generate_timeout_seconds" yaml:"generate_timeout_seconds" toml:"generate_timeout_seconds"`
	CORS                   CORS  `json:"cors" yaml:"cors" toml:"cors"`
}

type CORS struct {
	Enabled bool     `json:"enabled" yaml:"enabled" toml:"enabled"`
	Origins []string `json:"origins" yaml:"origins" toml:"origins"`
	Methods []string `json:"methods" yaml:"methods" toml:"methods"`
	Headers []string `json:"headers" yaml:"headers" toml:"headers"`
}

// Device overrides the probed device facts fed to the accelerator
// estimator. Zero TotalRAMMB reads /proc/meminfo.
type Device struct {
	TotalRAMMB   int    `json:"total_ram_mb" yaml:"total_ram_mb" toml:"total_ram_mb"`
	OSTier       int    `json:"os_tier" yaml:"os_tier" toml:"os_tier"`
	Manufacturer string `json:"manufacturer" yaml:"manufacturer" toml:"manufacturer"`
	// Denylist names manufacturers whose accelerator drivers are skipped.
	Denylist []string `json:"denylist" yaml:"denylist" toml:"denylist"`
	// Ceiling caps every layer recommendation.
	Ceiling int `json:"ceiling" yaml:"ceiling" toml:"ceiling"`
}

type LoadConfig struct {
	ContextLength        int `json:"context_length" yaml:"context_length" toml:"context_length"`
	Threads              int `json:"threads" yaml:"threads" toml:"threads"`
	TimeoutSeconds       int `json:"timeout_seconds" yaml:"timeout_seconds" toml:"timeout_seconds"`
	MaxTries             int `json:"max_tries" yaml:"max_tries" toml:"max_tries"`
	BackoffBaseMs        int `json:"backoff_base_ms" yaml:"backoff_base_ms" toml:"backoff_base_ms"`
	BackoffCapMs         int `json:"backoff_cap_ms" yaml:"backoff_cap_ms" toml:"backoff_cap_ms"`
	HealthTimeoutSeconds int `json:"health_timeout_seconds" yaml:"health_timeout_seconds" toml:"health_timeout_seconds"`
	ValidationTTLSeconds int `json:"validation_ttl_seconds" yaml:"validation_ttl_seconds" toml:"validation_ttl_seconds"`
}

type Queue struct {
	MaxDepth            int `json:"max_depth" yaml:"max_depth" toml:"max_depth"`
	MaxWaitSeconds      int `json:"max_wait_seconds" yaml:"max_wait_seconds" toml:"max_wait_seconds"`
	DrainTimeoutSeconds int `json:"drain_timeout_seconds" yaml:"drain_timeout_seconds" toml:"drain_timeout_seconds"`
}

type Cache struct {
	MaxMB      int `json:"max_mb" yaml:"max_mb" toml:"max_mb"`
	MaxEntries int `json:"max_entries" yaml:"max_entries" toml:"max_entries"`
	// DualCodecThresholdKB is the state size from which zstd is tried next
	// to LZ4. Negative disables zstd.
	DualCodecThresholdKB int `json:"dual_codec_threshold_kb" yaml:"dual_codec_threshold_kb" toml:"dual_codec_threshold_kb"`
	// Persist keeps conversation states under DataDir across restarts.
	Persist bool `json:"persist" yaml:"persist" toml:"persist"`
}

type Stream struct {
	BatchSize       int `json:"batch_size" yaml:"batch_size" toml:"batch_size"`
	FlushIntervalMs int `json:"flush_interval_ms" yaml:"flush_interval_ms" toml:"flush_interval_ms"`
	Buffer          int `json:"buffer" yaml:"buffer" toml:"buffer"`
}

type Preload struct {
	MaxConcurrent          int `json:"max_concurrent" yaml:"max_concurrent" toml:"max_concurrent"`
	MaxPreloaded           int `json:"max_preloaded" yaml:"max_preloaded" toml:"max_preloaded"`
	MonitorIntervalSeconds int `json:"monitor_interval_seconds" yaml:"monitor_interval_seconds" toml:"monitor_interval_seconds"`
}

// Sweep schedules the manifest maintenance pass (cron syntax, e.g.
// "@every 1h"). Empty disables it.
type Sweep struct {
	Schedule string `json:"schedule" yaml:"schedule" toml:"schedule"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects negative sizes and counts. DualCodecThresholdKB may be
// negative.
func (c Config) Validate() error {
	var errs []error
	check := func(name string, v int64) {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	check("http.max_body_bytes", c.HTTP.MaxBodyBytes)
	check("http.generate_timeout_seconds", c.HTTP.GenerateTimeoutSeconds)
	check("device.total_ram_mb", int64(c.Device.TotalRAMMB))
	check("device.ceiling", int64(c.Device.Ceiling))
	check("load.context_length", int64(c.Load.ContextLength))
	check("load.threads", int64(c.Load.Threads))
	check("load.timeout_seconds", int64(c.Load.TimeoutSeconds))
	check("load.max_tries", int64(c.Load.MaxTries))
	check("load.backoff_base_ms", int64(c.Load.BackoffBaseMs))
	check("load.backoff_cap_ms", int64(c.Load.BackoffCapMs))
	check("load.health_timeout_seconds", int64(c.Load.HealthTimeoutSeconds))
	check("load.validation_ttl_seconds", int64(c.Load.ValidationTTLSeconds))
	check("queue.max_depth", int64(c.Queue.MaxDepth))
	check("queue.max_wait_seconds", int64(c.Queue.MaxWaitSeconds))
	check("queue.drain_timeout_seconds", int64(c.Queue.DrainTimeoutSeconds))
	check("cache.max_mb", int64(c.Cache.MaxMB))
	check("cache.max_entries", int64(c.Cache.MaxEntries))
	check("stream.batch_size", int64(c.Stream.BatchSize))
	check("stream.flush_interval_ms", int64(c.Stream.FlushIntervalMs))
	check("stream.buffer", int64(c.Stream.Buffer))
	check("preload.max_concurrent", int64(c.Preload.MaxConcurrent))
	check("preload.max_preloaded", int64(c.Preload.MaxPreloaded))
	check("preload.monitor_interval_seconds", int64(c.Preload.MonitorIntervalSeconds))
	if c.Stream.Buffer > 0 && c.Stream.BatchSize > c.Stream.Buffer {
		errs = append(errs, errors.New("stream.buffer must hold at least one batch"))
	}
	return errors.Join(errs...)
}
