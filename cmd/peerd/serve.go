package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"peerd/internal/accel"
	"peerd/internal/config"
	"peerd/internal/engine"
	"peerd/internal/health"
	"peerd/internal/httpapi"
	"peerd/internal/kvcache"
	"peerd/internal/manager"
	"peerd/internal/manifest"
	"peerd/internal/preload"
	"peerd/internal/registry"
	"peerd/internal/stream"
	"peerd/internal/sysinfo"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, c)
		},
	}
	f := cmd.Flags()
	f.String("addr", "", "HTTP listen address (default "+defaultAddr+")")
	f.Int("threads", 0, "Default generation threads")
	f.Bool("watch", false, "Import model files dropped into the models directory")
	f.String("cors-origins", "", "Comma separated allowed CORS origins; enables CORS")
	return cmd
}

func serve(ctx context.Context, c *cli) error {
	cfg, log := c.cfg, c.log
	p := paths{cfg.DataDir}

	store, err := manifest.OpenSQLite(p.manifestDB(), log)
	if err != nil {
		return err
	}
	defer store.Close()

	eng := engine.NewLlama(log)
	importer := &registry.Importer{Store: store, Detector: eng, Log: log}
	if _, err := importer.ImportDir(ctx, cfg.ModelsDir); err != nil {
		log.Warn().Err(err).Str("dir", cfg.ModelsDir).Msg("initial_import_failed")
	}

	cacheCfg := cacheConfig(cfg, log)
	if !cfg.Cache.Persist {
		cacheCfg.Dir = ""
	}
	cache, err := kvcache.New(cacheCfg)
	if err != nil {
		return err
	}

	mem := sysinfo.ProcMeminfo{}
	validator := manager.NewValidator(manager.ValidatorConfig{Logger: log, TTL: seconds(cfg.Load.ValidationTTLSeconds)})
	preloader := preload.New(validator, preload.Config{
		Logger:          log,
		MaxConcurrent:   cfg.Preload.MaxConcurrent,
		MaxPreloaded:    cfg.Preload.MaxPreloaded,
		MonitorInterval: seconds(cfg.Preload.MonitorIntervalSeconds),
		Memory:          mem,
	})
	preloader.Start(ctx)
	defer preloader.Shutdown()

	m := manager.NewWithConfig(managerConfig(cfg, log, manager.ManagerConfig{
		Engine:    eng,
		Manifests: store,
		Importer:  importer,
		Estimator: accel.New(accel.Options{Denylist: cfg.Device.Denylist, DeviceCeiling: cfg.Device.Ceiling}),
		Device:    deviceFrom(cfg.Device, mem, log),
		Validator: validator,
		Preloader: preloader,
		Cache:     cache,
		StatePath: p.stateFile(),
	}))
	defer m.Close()
	m.SetEventPublisher(manager.NewLogPublisher(log))

	importer.OnForget = m.ForgetFile
	if cfg.WatchModels {
		w, err := registry.NewWatcher(cfg.ModelsDir, importer, 0)
		if err != nil {
			return err
		}
		go w.Run(ctx)
	}
	if cfg.Sweep.Schedule != "" {
		sw, err := manifest.NewSweeper(store, cfg.Sweep.Schedule, log)
		if err != nil {
			return err
		}
		sw.OnRemoved = func(paths []string) {
			for _, path := range paths {
				m.ForgetFile(path)
			}
		}
		sw.Start()
		defer sw.Stop()
	}

	httpapi.SetLogger(log)
	httpapi.SetBaseContext(ctx)
	httpapi.SetMaxBodyBytes(cfg.HTTP.MaxBodyBytes)
	httpapi.SetGenerateTimeoutSeconds(cfg.HTTP.GenerateTimeoutSeconds)
	httpapi.SetCORSOptions(cfg.HTTP.CORS.Enabled, cfg.HTTP.CORS.Origins, cfg.HTTP.CORS.Methods, cfg.HTTP.CORS.Headers)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.NewMux(m),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Str("models_dir", cfg.ModelsDir).Str("data_dir", cfg.DataDir).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Info().Msg("shutting_down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Warn().Err(err).Msg("graceful_shutdown_error")
	}
	return nil
}

// managerConfig copies the tunables from cfg onto base.
func managerConfig(cfg config.Config, log zerolog.Logger, base manager.ManagerConfig) manager.ManagerConfig {
	base.Logger = log
	base.Health = health.Config{GenerationTimeout: seconds(cfg.Load.HealthTimeoutSeconds)}
	base.Stream = stream.Config{
		BatchSize:     cfg.Stream.BatchSize,
		FlushInterval: time.Duration(cfg.Stream.FlushIntervalMs) * time.Millisecond,
		Buffer:        cfg.Stream.Buffer,
	}
	base.ContextLength = cfg.Load.ContextLength
	base.Threads = cfg.Load.Threads
	base.LoadTimeout = seconds(cfg.Load.TimeoutSeconds)
	base.MaxTries = cfg.Load.MaxTries
	base.BackoffBase = time.Duration(cfg.Load.BackoffBaseMs) * time.Millisecond
	base.BackoffCap = time.Duration(cfg.Load.BackoffCapMs) * time.Millisecond
	base.MaxQueueDepth = cfg.Queue.MaxDepth
	base.MaxWait = seconds(cfg.Queue.MaxWaitSeconds)
	base.DrainTimeout = seconds(cfg.Queue.DrainTimeoutSeconds)
	return base
}
