package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"peerd/internal/accel"
	"peerd/internal/config"
	"peerd/internal/manager"
	"peerd/internal/sysinfo"
)

func TestSplitCSV(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"a,b,c", []string{"a", "b", "c"}},
		{" a , b , c ", []string{"a", "b", "c"}},
		{"a,,c", []string{"a", "c"}},
		{"", nil},
	}
	for _, c := range cases {
		got := splitCSV(c.in)
		if len(got) != len(c.want) {
			t.Fatalf("%q -> %v, want %v", c.in, got, c.want)
		}
		for i := range got {
			if got[i] != c.want[i] {
				t.Fatalf("%q -> %v, want %v", c.in, got, c.want)
			}
		}
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"PEERD_ADDR":           ":9000",
		"PEERD_DEVICE_OS_TIER": "29",
		"PEERD_THREADS":        "not-a-number",
		"PEERD_CORS_ORIGINS":   "http://a, http://b",
	}
	cfg := config.Config{Load: config.LoadConfig{Threads: 4}}
	applyEnv(&cfg, func(k string) string { return env[k] })
	if cfg.Addr != ":9000" || cfg.Device.OSTier != 29 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if cfg.Load.Threads != 4 {
		t.Fatalf("unparsable value must be ignored, threads = %d", cfg.Load.Threads)
	}
	if !cfg.HTTP.CORS.Enabled || len(cfg.HTTP.CORS.Origins) != 2 {
		t.Fatalf("cors = %+v", cfg.HTTP.CORS)
	}
}

func TestResolveConfig_Precedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "peerd.yaml")
	content := "addr: :7000\nmodels_dir: " + dir + "\ndata_dir: " + dir + "\nload:\n  threads: 2\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PEERD_THREADS", "6")
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("addr", "", "")
	fs.Int("threads", 0, "")
	if err := fs.Parse([]string{"--addr", ":7001"}); err != nil {
		t.Fatal(err)
	}
	cfg, err := resolveConfig(path, fs)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.Addr != ":7001" {
		t.Fatalf("flag should win, addr = %s", cfg.Addr)
	}
	if cfg.Load.Threads != 6 {
		t.Fatalf("env should override file, threads = %d", cfg.Load.Threads)
	}
	if cfg.ModelsDir != dir {
		t.Fatalf("models dir = %s", cfg.ModelsDir)
	}
}

func TestResolveConfig_Defaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cfg, err := resolveConfig("", nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.Addr != defaultAddr {
		t.Fatalf("addr = %s", cfg.Addr)
	}
	if !filepath.IsAbs(cfg.ModelsDir) || !filepath.IsAbs(cfg.DataDir) {
		t.Fatalf("home not expanded: %s %s", cfg.ModelsDir, cfg.DataDir)
	}
}

func TestLoadEnvFile(t *testing.T) {
	if err := loadEnvFile(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("missing file should be ignored: %v", err)
	}
	p := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(p, []byte("PEERD_TEST_ENV_VALUE=hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PEERD_TEST_ENV_VALUE", "")
	os.Unsetenv("PEERD_TEST_ENV_VALUE")
	if err := loadEnvFile(p); err != nil {
		t.Fatal(err)
	}
	if got := os.Getenv("PEERD_TEST_ENV_VALUE"); got != "hello" {
		t.Fatalf("env = %q", got)
	}
}

func TestDeviceFrom(t *testing.T) {
	d := deviceFrom(config.Device{}, sysinfo.NewStatic(8<<30, 4<<30), zerolog.Nop())
	if d.TotalRAMBytes != 8<<30 || d.OSTier != accel.MinSupportedOSTier {
		t.Fatalf("device = %+v", d)
	}
	d = deviceFrom(config.Device{TotalRAMMB: 4096, OSTier: 28, Manufacturer: "acme"}, sysinfo.NewStatic(8<<30, 4<<30), zerolog.Nop())
	if d.TotalRAMBytes != 4<<30 || d.OSTier != 28 || d.Manufacturer != "acme" {
		t.Fatalf("declared device = %+v", d)
	}
}

func TestManagerConfig(t *testing.T) {
	cfg := config.Config{
		Load:   config.LoadConfig{TimeoutSeconds: 30, BackoffBaseMs: 250, MaxTries: 2},
		Queue:  config.Queue{MaxDepth: 3, MaxWaitSeconds: 5},
		Stream: config.Stream{BatchSize: 4, FlushIntervalMs: 20},
	}
	mc := managerConfig(cfg, zerolog.Nop(), manager.ManagerConfig{})
	if mc.LoadTimeout.Seconds() != 30 || mc.BackoffBase.Milliseconds() != 250 || mc.MaxTries != 2 {
		t.Fatalf("load tunables = %+v", mc)
	}
	if mc.MaxQueueDepth != 3 || mc.MaxWait.Seconds() != 5 {
		t.Fatalf("queue tunables = %+v", mc)
	}
	if mc.Stream.BatchSize != 4 || mc.Stream.FlushInterval.Milliseconds() != 20 {
		t.Fatalf("stream = %+v", mc.Stream)
	}
}
