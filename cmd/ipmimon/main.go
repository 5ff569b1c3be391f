package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"codeberg.org/mutker/ipmimon/internal/api"
	"codeberg.org/mutker/ipmimon/internal/config"
	"codeberg.org/mutker/ipmimon/internal/errors"
	"codeberg.org/mutker/ipmimon/internal/journal"
	"codeberg.org/mutker/ipmimon/internal/logger"
	"codeberg.org/mutker/ipmimon/internal/monitor"
	"codeberg.org/mutker/ipmimon/internal/pid"
	"codeberg.org/mutker/ipmimon/internal/poller"
	"github.com/gorilla/handlers"
	"github.com/spf13/pflag"
)

const shutdownTimeout = 5 * time.Second

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.LogLevel, logger.IsService())
	logger.Debug().Str("address", cfg.Address).Msg("Config loaded")

	if err := run(cfg); err != nil {
		if e, ok := err.(errors.Error); ok {
			logger.FatalWithCode(e).Msg("Exiting")
		}
		logger.Fatal().Err(err).Msg("Exiting")
	}
}

func run(cfg *config.Config) error {
	pidFile := pid.New(cfg.PIDFile)
	if err := pidFile.Write(); err != nil {
		return err
	}
	defer func() {
		if err := pidFile.Remove(); err != nil {
			logger.Warn().Err(err).Str("path", pidFile.Path()).Msg("Failed to remove PID file")
		}
	}()

	log := logger.Default()

	recorder, err := journal.New(cfg.JournalConfig(), log.With("journal"))
	if err != nil {
		return err
	}
	defer func() {
		if err := recorder.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close journal")
		}
	}()

	var mon *monitor.Monitor
	mon, err = monitor.New(monitor.Options{
		Endpoint:       cfg.Endpoint(),
		Interval:       cfg.Interval,
		Timeout:        cfg.Timeout,
		SessionTimeout: cfg.SessionTimeout,
		Sensors:        cfg.SensorMap(),
		Journal:        recorder,
		Logger:         log,
		OnTick:         logTick(log.With("monitor"), func() string { return mon.Summary() }),
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	if err := mon.Start(); err != nil {
		return err
	}

	var server *http.Server
	serverErr := make(chan error, 1)
	if cfg.Listen != "" {
		server = &http.Server{
			Addr:              cfg.Listen,
			Handler:           handlers.LoggingHandler(logger.Writer(), api.NewRouter(mon, recorder, log.With("api"))),
			ReadHeaderTimeout: shutdownTimeout,
		}
		go func() {
			logger.Info().Str("listen", cfg.Listen).Msg("HTTP API listening")
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				serverErr <- err
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serverErr:
		runErr = errors.New().Wrap(errors.ErrInitFailed, err)
	}

	cleanup(mon, server)

	return runErr
}

// logTick logs the summary line of every completed tick at debug level.
func logTick(log logger.Logger, summary func() string) func(poller.TickResult) {
	return func(r poller.TickResult) {
		if r.Aborted {
			return
		}
		log.Debug().
			Dur("duration", r.Duration).
			Int("failed", r.Failed()).
			Bool("connected", r.Connected).
			Msg(summary())
	}
}

func handleSignals(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logger.Info().Msg("Received termination signal.")
	cancel()
}

func cleanup(mon *monitor.Monitor, server *http.Server) {
	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logger.Error().Err(err).Msg("Failed to shut down HTTP API")
		}
	}

	mon.Stop()
	logger.Info().Msg("Exiting...")
}
