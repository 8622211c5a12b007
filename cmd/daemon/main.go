package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/navirec/fleet-streamer/internal/api"
	"github.com/navirec/fleet-streamer/internal/command"
	"github.com/navirec/fleet-streamer/internal/config"
	"github.com/navirec/fleet-streamer/internal/cursor"
	"github.com/navirec/fleet-streamer/internal/dispatch"
	"github.com/navirec/fleet-streamer/internal/metrics"
	"github.com/navirec/fleet-streamer/internal/notify"
	"github.com/navirec/fleet-streamer/internal/ops"
	"github.com/navirec/fleet-streamer/internal/stream"
)

var (
	cfgFile string
	verbose bool
)

func setupLogger(verbose bool, logCfg *config.LoggingConfig) (*zap.Logger, error) {
	var zapConfig zap.Config
	if verbose {
		zapConfig = zap.NewDevelopmentConfig()
	} else {
		zapConfig = zap.NewProductionConfig()
		zapConfig.DisableStacktrace = true
	}

	// Set log level from config
	if logCfg != nil && logCfg.Level != "" {
		var level zapcore.Level
		if err := level.UnmarshalText([]byte(logCfg.Level)); err == nil {
			zapConfig.Level = zap.NewAtomicLevelAt(level)
		}
	}

	// Add file output if enabled
	if logCfg != nil && logCfg.Enabled {
		if err := os.MkdirAll(logCfg.Directory, 0755); err != nil {
			return nil, fmt.Errorf("creating logs directory: %w", err)
		}
		timestamp := time.Now().Format("2006-01-02_15-04-05")
		logFile := filepath.Join(logCfg.Directory, fmt.Sprintf("daemon_%s.log", timestamp))
		zapConfig.OutputPaths = append(zapConfig.OutputPaths, logFile)
	}

	return zapConfig.Build()
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "fleet-streamer",
		Short: "Stream fleet telemetry and track device commands",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, err := setupLogger(verbose, &cfg.Logging)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("configuration loaded",
		zap.String("base_url", cfg.API.BaseURL),
		zap.Int("accounts", len(cfg.Accounts)),
		zap.Bool("driver_streams", cfg.Stream.Drivers),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	metrics.Register(registry)

	store, err := cursor.NewFileStore(cfg.State.Directory)
	if err != nil {
		return fmt.Errorf("opening cursor store: %w", err)
	}

	restClient := api.NewClient(
		cfg.API.BaseURL,
		cfg.API.Token,
		cfg.API.Version,
		cfg.API.UserAgent,
		cfg.API.RatePerSecond,
		time.Duration(cfg.API.TimeoutSec)*time.Second,
		time.Duration(cfg.API.RetryDelaySec)*time.Second,
		cfg.API.RetryCount,
		logger.Named("api"),
	)

	ntfyCfg := notify.LoadConfig()
	if err := ntfyCfg.Validate(); err != nil {
		return fmt.Errorf("notification config: %w", err)
	}
	notifier := notify.New(ntfyCfg, logger.Named("notify"))

	tracker := command.NewTracker(command.Config{
		InitialDelay:  time.Duration(cfg.Command.PollInitialSec * float64(time.Second)),
		BackoffFactor: cfg.Command.PollFactor,
		MaxDelay:      time.Duration(cfg.Command.PollMaxSec * float64(time.Second)),
		DefaultExpiry: time.Duration(cfg.Command.ExpirySec) * time.Second,
	}, restClient, notifier, nil, logger.Named("command"))
	commandSvc := command.NewService(ctx, tracker, restClient, logger.Named("command"))

	g, ctx := errgroup.WithContext(ctx)
	var views []ops.AccountView

	for _, accountID := range cfg.AccountIDs() {
		unit, err := buildAccount(cfg, accountID, store, logger)
		if err != nil {
			return err
		}
		views = append(views, unit.view())

		g.Go(func() error {
			defer unit.writer.Close()
			return unit.run(ctx)
		})
	}

	if cfg.Ops.Enabled {
		opsServer := ops.NewServer(views, commandSvc, registry, logger.Named("ops"))
		httpServer := &http.Server{
			Addr:              cfg.Ops.ListenAddr,
			Handler:           opsServer.Router(),
			ReadHeaderTimeout: 5 * time.Second,
		}

		g.Go(func() error {
			logger.Info("ops server listening", zap.String("addr", cfg.Ops.ListenAddr))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		})
	}

	logger.Info("daemon started")

	err = g.Wait()

	// Let in-flight command polls observe cancellation and stop silently.
	tracker.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("daemon exited with error", zap.Error(err))
		return err
	}

	logger.Info("daemon stopped")
	return nil
}

// accountUnit is one account's independently owned session/supervisor/cursor
// triple. Accounts never share state; one broken stream leaves the others
// untouched.
type accountUnit struct {
	accountID   uuid.UUID
	writer      *cursor.Writer
	dispatcher  *dispatch.Dispatcher
	supervisors []*stream.Supervisor
}

func buildAccount(cfg *config.Config, accountID uuid.UUID, store cursor.Store, logger *zap.Logger) (*accountUnit, error) {
	accountLogger := logger.Named("stream").With(zap.String("account", accountID.String()))

	writer, err := cursor.NewWriter(accountID, store, accountLogger)
	if err != nil {
		return nil, fmt.Errorf("loading cursor for account %s: %w", accountID, err)
	}

	dispatcher := dispatch.New(writer, accountLogger)

	kinds := []stream.EntityKind{stream.EntityVehicle}
	if cfg.Stream.Drivers {
		kinds = append(kinds, stream.EntityDriver)
	}

	unit := &accountUnit{
		accountID:  accountID,
		writer:     writer,
		dispatcher: dispatcher,
	}

	for _, kind := range kinds {
		unit.supervisors = append(unit.supervisors, stream.NewSupervisor(stream.SupervisorConfig{
			Session: stream.SessionConfig{
				BaseURL:         cfg.API.BaseURL,
				Token:           cfg.API.Token,
				Version:         cfg.API.Version,
				UserAgent:       cfg.API.UserAgent,
				Kind:            kind,
				AccountID:       accountID,
				ReadIdleTimeout: cfg.Stream.ReadIdleTimeout(),
				Logger:          accountLogger,
			},
			Cursor:          writer.Latest,
			Sink:            dispatcher.HandleEvent,
			InitialDelay:    time.Duration(cfg.Stream.BackoffInitialSec) * time.Second,
			Ceiling:         time.Duration(cfg.Stream.BackoffCeilingSec) * time.Second,
			Factor:          cfg.Stream.BackoffFactor,
			JitterFrac:      cfg.Stream.BackoffJitter,
			StabilityWindow: time.Duration(cfg.Stream.StabilityWindowSec) * time.Second,
			Logger:          accountLogger.Named(string(kind)),
		}))
	}

	return unit, nil
}

func (u *accountUnit) run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, sup := range u.supervisors {
		g.Go(func() error {
			return sup.Run(ctx)
		})
	}
	return g.Wait()
}

func (u *accountUnit) view() ops.AccountView {
	return ops.AccountView{
		AccountID:  u.accountID.String(),
		Phase:      u.supervisors[0].Phase,
		Dispatcher: u.dispatcher,
		Watermark:  u.writer.Latest,
	}
}
