package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"peerd/internal/accel"
	"peerd/internal/config"
	"peerd/internal/engine"
	"peerd/internal/gguf"
	"peerd/internal/kvcache"
	"peerd/internal/manager"
	"peerd/internal/manifest"
	"peerd/internal/registry"
	"peerd/internal/sysinfo"
)

// cli carries the resolved configuration from the root's pre-run to the
// subcommands.
type cli struct {
	configPath string
	envFile    string
	cfg        config.Config
	log        zerolog.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "peerd",
		Short:         "On-device model runtime: load, generate and preload GGUF models",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := loadEnvFile(c.envFile); err != nil {
				return fmt.Errorf("env file: %w", err)
			}
			cfg, err := resolveConfig(c.configPath, cmd.Flags())
			if err != nil {
				return err
			}
			c.cfg = cfg
			c.log = newLogger(cfg.LogLevel)
			return nil
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&c.configPath, "config", os.Getenv("PEERD_CONFIG"), "Config file (.yaml, .json or .toml)")
	pf.StringVar(&c.envFile, "env-file", ".env", "Optional KEY=VALUE file loaded before the config")
	pf.String("models-dir", "", "Directory holding *.gguf model files (default "+defaultModelsDir+")")
	pf.String("data-dir", "", "Directory for the catalog, cache and load state (default "+defaultDataDir+")")
	pf.String("log-level", "", "Log level: debug|info|warn|error")
	pf.Int("os-tier", 0, "Declared OS tier of the device (0 = supported)")
	pf.Int("ram-mb", 0, "Declared device RAM in MB (0 = probe)")
	pf.Int("context-length", 0, "Default context length")

	root.AddCommand(newServeCmd(c), newImportCmd(c), newEstimateCmd(c), newCacheCmd(c))
	return root
}

func newImportCmd(c *cli) *cobra.Command {
	var isDefault bool
	var source string
	cmd := &cobra.Command{
		Use:     "import <file-or-dir>",
		Short:   "Register model files in the catalog",
		Example: "  peerd import ~/models/llm\n  peerd import ./tinyllama.Q4_K_M.gguf --default",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := manifest.OpenSQLite(paths{c.cfg.DataDir}.manifestDB(), c.log)
			if err != nil {
				return err
			}
			defer store.Close()
			im := &registry.Importer{Store: store, Detector: engine.NewLlama(c.log), Log: c.log}
			return runImport(cmd.Context(), im, args[0], source, isDefault, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&isDefault, "default", false, "Mark the imported model as the default")
	cmd.Flags().StringVar(&source, "source", "", "Source URL recorded with the model")
	return cmd
}

func runImport(ctx context.Context, im *registry.Importer, target, source string, isDefault bool, out io.Writer) error {
	fi, err := os.Stat(target)
	if err != nil {
		return err
	}
	var imported []manifest.Manifest
	if fi.IsDir() {
		if imported, err = im.ImportDir(ctx, target); err != nil {
			return err
		}
	} else {
		m, err := im.Import(ctx, target, source, isDefault)
		if err != nil {
			return err
		}
		imported = append(imported, m)
	}
	for _, m := range imported {
		fmt.Fprintf(out, "%s\t%s\t%s\n", m.FilePath, m.Family, humanize.IBytes(uint64(m.SizeBytes)))
	}
	return nil
}

func newEstimateCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "estimate <model.gguf>",
		Short: "Print the accelerator layer recommendation for a model on this device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sum, err := gguf.DetectFile(args[0])
			if err != nil {
				return fmt.Errorf("read %s: %w", args[0], err)
			}
			est := accel.New(accel.Options{Denylist: c.cfg.Device.Denylist, DeviceCeiling: c.cfg.Device.Ceiling})
			dev := deviceFrom(c.cfg.Device, sysinfo.ProcMeminfo{}, c.log)
			family := manifest.DetectFamily(filepath.Base(args[0]), sum.Arch)
			resp := manager.EstimateFor(est, dev, family, c.cfg.Load.ContextLength)
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
}

func newCacheCmd(c *cli) *cobra.Command {
	cache := &cobra.Command{Use: "cache", Short: "Inspect the persisted conversation state cache"}
	stats := &cobra.Command{
		Use:   "stats",
		Short: "Open the cache directory and print its counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := kvcache.New(cacheConfig(c.cfg, c.log))
			if err != nil {
				return err
			}
			st := store.Stats()
			fmt.Fprintf(cmd.OutOrStdout(), "entries\t%d/%d\nbytes\t%s/%s\ncorruptions\t%d\n",
				st.Entries, st.MaxEntries, humanize.IBytes(uint64(st.Bytes)), humanize.IBytes(uint64(st.MaxBytes)), st.Corruptions)
			return nil
		},
	}
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every persisted conversation state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := kvcache.New(cacheConfig(c.cfg, c.log))
			if err != nil {
				return err
			}
			store.ClearAll()
			return nil
		},
	}
	cache.AddCommand(stats, clearCmd)
	return cache
}

// cacheConfig always points at the data directory so the CLI can inspect
// snapshots even when the daemon runs with persistence disabled.
func cacheConfig(cfg config.Config, log zerolog.Logger) kvcache.Config {
	return kvcache.Config{
		MaxBytes:           int64(cfg.Cache.MaxMB) << 20,
		MaxEntries:         cfg.Cache.MaxEntries,
		DualCodecThreshold: cfg.Cache.DualCodecThresholdKB << 10,
		Dir:                paths{cfg.DataDir}.cacheDir(),
		Logger:             log,
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
