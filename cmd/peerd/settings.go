package main

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"peerd/internal/accel"
	"peerd/internal/common/fsutil"
	"peerd/internal/config"
	"peerd/internal/sysinfo"
)

const (
	defaultAddr      = ":8080"
	defaultModelsDir = "~/models/llm"
	defaultDataDir   = "~/.local/share/peerd"
)

// loadEnvFile loads KEY=VALUE pairs without overriding the environment. A
// missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// resolveConfig layers the config file, PEERD_* variables and explicitly
// set flags, in that order, then fills defaults.
func resolveConfig(path string, flags *pflag.FlagSet) (config.Config, error) {
	var cfg config.Config
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return cfg, err
		}
	}
	applyEnv(&cfg, os.Getenv)
	applyFlags(&cfg, flags)
	if cfg.Addr == "" {
		cfg.Addr = defaultAddr
	}
	if cfg.ModelsDir == "" {
		cfg.ModelsDir = defaultModelsDir
	}
	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir
	}
	var err error
	if cfg.ModelsDir, err = fsutil.ExpandHome(cfg.ModelsDir); err != nil {
		return cfg, err
	}
	if cfg.DataDir, err = fsutil.ExpandHome(cfg.DataDir); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func applyEnv(cfg *config.Config, getenv func(string) string) {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if n, err := strconv.Atoi(getenv(key)); err == nil {
			*dst = n
		}
	}
	str("PEERD_ADDR", &cfg.Addr)
	str("PEERD_MODELS_DIR", &cfg.ModelsDir)
	str("PEERD_DATA_DIR", &cfg.DataDir)
	str("PEERD_LOG_LEVEL", &cfg.LogLevel)
	str("PEERD_SWEEP_SCHEDULE", &cfg.Sweep.Schedule)
	str("PEERD_DEVICE_MANUFACTURER", &cfg.Device.Manufacturer)
	num("PEERD_DEVICE_OS_TIER", &cfg.Device.OSTier)
	num("PEERD_DEVICE_RAM_MB", &cfg.Device.TotalRAMMB)
	num("PEERD_CONTEXT_LENGTH", &cfg.Load.ContextLength)
	num("PEERD_THREADS", &cfg.Load.Threads)
	if v := getenv("PEERD_CORS_ORIGINS"); v != "" {
		cfg.HTTP.CORS.Enabled = true
		cfg.HTTP.CORS.Origins = splitCSV(v)
	}
}

func applyFlags(cfg *config.Config, flags *pflag.FlagSet) {
	if flags == nil {
		return
	}
	str := func(name string, dst *string) {
		if f := flags.Lookup(name); f != nil && f.Changed {
			*dst = f.Value.String()
		}
	}
	num := func(name string, dst *int) {
		if f := flags.Lookup(name); f != nil && f.Changed {
			if n, err := strconv.Atoi(f.Value.String()); err == nil {
				*dst = n
			}
		}
	}
	str("addr", &cfg.Addr)
	str("models-dir", &cfg.ModelsDir)
	str("data-dir", &cfg.DataDir)
	str("log-level", &cfg.LogLevel)
	num("context-length", &cfg.Load.ContextLength)
	num("threads", &cfg.Load.Threads)
	num("os-tier", &cfg.Device.OSTier)
	num("ram-mb", &cfg.Device.TotalRAMMB)
	if f := flags.Lookup("watch"); f != nil && f.Changed {
		cfg.WatchModels = f.Value.String() == "true"
	}
	if f := flags.Lookup("cors-origins"); f != nil && f.Changed {
		cfg.HTTP.CORS.Enabled = true
		cfg.HTTP.CORS.Origins = splitCSV(f.Value.String())
	}
}

// splitCSV splits a comma separated list, trimming blanks.
func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	if !isTerminal(os.Stderr) {
		return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
	}
	w := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	return err == nil && fi.Mode()&os.ModeCharDevice != 0
}

// deviceFrom fills the device description from config, probing RAM when it
// is not declared. An undeclared OS tier is taken as fully supported.
func deviceFrom(c config.Device, probe sysinfo.Probe, log zerolog.Logger) accel.Device {
	d := accel.Device{
		TotalRAMBytes: uint64(c.TotalRAMMB) << 20,
		OSTier:        c.OSTier,
		Manufacturer:  c.Manufacturer,
	}
	if d.TotalRAMBytes == 0 && probe != nil {
		if mem, err := probe.Memory(); err == nil {
			d.TotalRAMBytes = mem.TotalBytes
		} else {
			log.Warn().Err(err).Msg("device_memory_probe_failed")
		}
	}
	if d.OSTier == 0 {
		d.OSTier = accel.MinSupportedOSTier
	}
	return d
}

// paths lays out the files kept under the data directory.
type paths struct{ data string }

func (p paths) manifestDB() string { return filepath.Join(p.data, "manifests.db") }
func (p paths) cacheDir() string   { return filepath.Join(p.data, "kvcache") }
func (p paths) stateFile() string  { return filepath.Join(p.data, "last_good.json") }

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }
