package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/verdantcompute/verdant-node/internal/adapters/nvml"
	"github.com/verdantcompute/verdant-node/internal/api"
	"github.com/verdantcompute/verdant-node/internal/config"
	"github.com/verdantcompute/verdant-node/internal/domain"
	"github.com/verdantcompute/verdant-node/internal/manager"
	"github.com/verdantcompute/verdant-node/internal/provision"
	"github.com/verdantcompute/verdant-node/internal/storage"
	"github.com/verdantcompute/verdant-node/internal/telemetry"
)

func main() {
	cfg := config.Default()

	listenAddr := flag.String("listen", cfg.ListenAddr, "HTTP API listen address")
	postgresDSN := flag.String("postgres", "", "Postgres DSN (empty runs with in-memory storage)")
	hostAddr := flag.String("host", cfg.PublicHost, "Public host address for SSH connections")
	provisionOn := flag.Bool("provision", false, "Provision tenant containers on activation")
	tickInterval := flag.Duration("tick-interval", cfg.TickInterval, "Scheduler tick interval")
	sampleInterval := flag.Duration("sample-interval", cfg.SampleInterval, "Telemetry sample interval")
	flushInterval := flag.Duration("flush-interval", cfg.FlushInterval, "Telemetry flush interval")
	carbonIntensity := flag.Float64("carbon-intensity", cfg.CarbonIntensityGPerKWh, "Grid carbon intensity, g CO2 per kWh")
	captureEfficiency := flag.Float64("capture-efficiency", cfg.CaptureEfficiency, "Capture loop efficiency, 0..1")
	mockGPUs := flag.Int("mock-gpus", cfg.MockGPUCount, "Mock devices to expose when NVML is unavailable")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	logger := log.With().Str("component", "node").Logger()

	cfg.ListenAddr = *listenAddr
	cfg.PostgresDSN = *postgresDSN
	cfg.PublicHost = *hostAddr
	cfg.ProvisionEnabled = *provisionOn
	cfg.TickInterval = *tickInterval
	cfg.SampleInterval = *sampleInterval
	cfg.FlushInterval = *flushInterval
	cfg.CarbonIntensityGPerKWh = *carbonIntensity
	cfg.CaptureEfficiency = *captureEfficiency
	cfg.MockGPUCount = *mockGPUs

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	// Storage: Postgres when a DSN is given, in-memory otherwise. Both get
	// the retry decorator so transient failures surface uniformly.
	var repo storage.Repository
	if cfg.PostgresDSN != "" {
		pg, err := storage.OpenPostgres(cfg.PostgresDSN)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to open postgres repository")
		}
		repo = pg
		logger.Info().Msg("using postgres repository")
	} else {
		repo = storage.NewMemoryRepository()
		logger.Info().Msg("using in-memory repository")
	}
	retryCfg := storage.DefaultRetryConfig()
	retryCfg.InitialInterval = cfg.RetryInterval
	retryCfg.OpTimeout = cfg.RetryTimeout
	repo = storage.WithRetry(repo, retryCfg)

	// GPU provider: try real NVML first, fall back to mock
	var provider domain.GPUProvider
	realNVML := nvml.NewNVMLProvider()
	if err := realNVML.Init(); err != nil {
		logger.Warn().Err(err).Msg("NVML not available, using mock provider")
		provider = nvml.NewDefaultMockProvider(cfg.MockGPUCount)
	} else {
		provider = realNVML
		defer realNVML.Shutdown()
	}

	// Provisioner: Docker-backed when enabled, no-op otherwise
	var provisioner provision.Provisioner = provision.Noop{}
	if cfg.ProvisionEnabled {
		dockerService, err := provision.NewDockerService()
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to initialize docker service")
		}
		defer dockerService.Close()
		ports := provision.NewPortManager(cfg.SSHPortMin, cfg.SSHPortMax, cfg.PortGracePeriod)
		provisioner = provision.NewDockerExecutor(dockerService, ports, provision.ExecutorConfig{
			Image:       cfg.ContainerImage,
			Host:        cfg.PublicHost,
			MemoryBytes: cfg.MemoryBytes,
			CPUCount:    cfg.CPUCount,
			GracePeriod: cfg.PortGracePeriod,
		}, logger)
		logger.Info().Str("image", cfg.ContainerImage).Msg("container provisioning enabled")
	}

	registry := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(registry)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr, err := manager.Initialize(ctx, cfg, manager.Deps{
		Repository:  repo,
		Provider:    provider,
		Provisioner: provisioner,
		Metrics:     metrics,
		Logger:      logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize manager")
	}
	defer mgr.Close()

	// Background loops: scheduler tick, telemetry sampling, aggregate flush
	go runLoop(ctx, cfg.TickInterval, func() {
		if _, err := mgr.Tick(ctx, time.Now()); err != nil {
			logger.Error().Err(err).Msg("tick failed")
		}
	})
	go runLoop(ctx, cfg.SampleInterval, func() {
		if err := mgr.Sample(); err != nil {
			logger.Error().Err(err).Msg("sampling failed")
		}
	})
	go runLoop(ctx, cfg.FlushInterval, func() {
		if err := mgr.Flush(ctx); err != nil {
			logger.Error().Err(err).Msg("flush failed")
		}
	})

	mux := http.NewServeMux()
	api.NewHandler(mgr).Register(mux)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}

	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("API server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("API server error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("API server shutdown error")
	}

	// Final flush so aggregates accumulated since the last interval persist
	flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer flushCancel()
	if err := mgr.Flush(flushCtx); err != nil {
		logger.Error().Err(err).Msg("final flush failed")
	}

	logger.Info().Msg("shutdown complete")
}

// runLoop invokes fn on every interval until the context is cancelled
func runLoop(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}
