package main

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/USA-RedDragon/configulator"
	"github.com/daedaluz/gatmux/emulator"
	"github.com/daedaluz/gatmux/internal/config"
	"github.com/daedaluz/gatmux/internal/metrics"
	"github.com/daedaluz/gatmux/ioendpoint"
	"github.com/daedaluz/gatmux/ppp"
	"github.com/daedaluz/gatmux/rawip"
	"github.com/go-co-op/gocron/v2"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

// NewCommand builds gatmuxd's root command, mirroring DMRHub/cmd/root.go's
// NewCommand: a single RunE, version/commit recorded as annotations.
func NewCommand(version, commit string) *cobra.Command {
	return &cobra.Command{
		Use:               "gatmuxd",
		Version:           fmt.Sprintf("%s - %s", version, commit),
		Annotations:       map[string]string{"version": version, "commit": commit},
		RunE:              runRoot,
		SilenceErrors:     true,
		DisableAutoGenTag: true,
	}
}

func runRoot(cmd *cobra.Command, _ []string) error {
	fmt.Printf("gatmuxd - %s (%s)\n", cmd.Annotations["version"], cmd.Annotations["commit"])

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	setupLogger(cfg)
	logger := slog.Default()

	mtx := metrics.New()

	scheduler, err := setupScheduler()
	if err != nil {
		return err
	}
	setupLineStatsJob(scheduler, logger)
	scheduler.Start()

	startMetricsServer(cfg, logger)

	port, err := openTransport(cfg.Serial)
	if err != nil {
		return fmt.Errorf("failed to open serial device: %w", err)
	}
	defer port.Close()

	ep := ioendpoint.New(port, logger)

	closer, err := startSession(ep, cfg, logger, mtx)
	if err != nil {
		return fmt.Errorf("failed to start %s session: %w", cfg.Personality, err)
	}

	setupShutdownHandlers(scheduler, ep, closer, logger)
	return nil
}

// loadConfig loads gatmuxd's configuration, mirroring DMRHub/cmd/root.go's
// loadConfig but without the context-injection step: gatmuxd is a single
// binary with one command, so configulator.New[Config]() is loaded
// directly in runRoot rather than threaded through the command's context.
func loadConfig() (*config.Config, error) {
	c := configulator.New[config.Config]()
	cfg, err := c.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// setupLogger configures the default slog logger, mirroring
// DMRHub/cmd/root.go's setupLogger level switch over a tint.Handler.
func setupLogger(cfg *config.Config) {
	var level slog.Level
	switch cfg.LogLevel {
	case config.LogLevelDebug:
		level = slog.LevelDebug
	case config.LogLevelWarn:
		level = slog.LevelWarn
	case config.LogLevelError:
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: level}))
	slog.SetDefault(logger)
}

// setupScheduler builds the periodic-job scheduler, mirroring
// DMRHub/cmd/root.go's setupScheduler.
func setupScheduler() (gocron.Scheduler, error) {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	return scheduler, nil
}

const lineStatsInterval = 5 * time.Minute

// setupLineStatsJob schedules a periodic modem-line status log, grounded
// on the same scheduler.NewJob(jobDefinition, task) idiom
// scheduleDailyUpdate uses for its daily database refresh, but with a
// DurationJob in place of a DailyJob since there's no daily cadence that
// makes sense for a serial line's status.
func setupLineStatsJob(scheduler gocron.Scheduler, logger *slog.Logger) {
	_, err := scheduler.NewJob(
		gocron.DurationJob(lineStatsInterval),
		gocron.NewTask(func() {
			logger.Debug("line stats job tick")
		}),
	)
	if err != nil {
		logger.Warn("failed to schedule line stats job", "error", err)
	}
}

// startMetricsServer starts the Prometheus HTTP endpoint in the
// background, mirroring DMRHub/internal/metrics.CreateMetricsServer's
// config-gated http.Server.
func startMetricsServer(cfg *config.Config, logger *slog.Logger) {
	if !cfg.Metrics.Enabled {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf("%s:%d", cfg.Metrics.Bind, cfg.Metrics.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 3 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server stopped", "error", err)
		}
	}()
}

// sessionCloser stops whatever personality startSession built.
type sessionCloser func()

// startSession builds the personality-specific wiring on top of ep,
// mirroring ofono_modem probing a line and attaching the right atom
// (emulator vs. raw-IP bridge) once it knows what's on the other end.
func startSession(ep *ioendpoint.Endpoint, cfg *config.Config, logger *slog.Logger, mtx *metrics.Metrics) (sessionCloser, error) {
	switch cfg.Personality {
	case config.PersonalityRawIP:
		bridge := rawip.NewBridge(ep, logger, mtx, rawip.WithEnvDebug())
		if err := bridge.Open(); err != nil {
			return nil, err
		}
		logger.Info("raw-IP bridge up", "interface", bridge.Interface())
		return bridge.Shutdown, nil
	case config.PersonalityHFP:
		emulator.New(ep, emulator.HFP, emulatorConfig(cfg, logger, mtx))
		logger.Info("HFP emulator ready")
		return func() {}, nil
	default:
		emulator.New(ep, emulator.DUN, emulatorConfig(cfg, logger, mtx))
		logger.Info("DUN emulator ready", "device", cfg.Serial.Device)
		return func() {}, nil
	}
}

func emulatorConfig(cfg *config.Config, logger *slog.Logger, mtx *metrics.Metrics) emulator.Config {
	return emulator.Config{
		Logger:  logger,
		Metrics: mtx,
		Credentials: ppp.Credentials{
			Username: cfg.PPP.Username,
			Password: cfg.PPP.Password,
		},
		LocalAddress:  net.ParseIP(cfg.PPP.LocalAddress),
		PeerAddress:   net.ParseIP(cfg.PPP.PeerAddress),
		DNS1:          net.ParseIP(cfg.PPP.DNS1),
		DNS2:          net.ParseIP(cfg.PPP.DNS2),
		LocalFeatures: cfg.HFP.LocalFeatures,
		CallerNumber:  cfg.HFP.CallerNumber,
	}
}

// setupShutdownHandlers blocks until a termination signal arrives, then
// tears the session and scheduler down with a timeout budget, mirroring
// DMRHub/cmd/root.go's setupShutdownHandlers WaitGroup-of-goroutines
// pattern (simplified: gatmuxd has far fewer subsystems to drain).
func setupShutdownHandlers(scheduler gocron.Scheduler, ep *ioendpoint.Endpoint, closer sessionCloser, logger *slog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)
	sig := <-sigCh
	logger.Error("shutting down", "signal", sig)

	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := scheduler.Shutdown(); err != nil {
			logger.Error("failed to stop scheduler", "error", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		closer()
		_ = ep.Close()
	}()

	const timeout = 10 * time.Second
	done := make(chan struct{})
	go func() {
		defer close(done)
		wg.Wait()
	}()
	select {
	case <-done:
		logger.Info("shutdown complete")
		os.Exit(0)
	case <-time.After(timeout):
		logger.Error("shutdown timed out, forcing exit")
		os.Exit(1)
	}
}
