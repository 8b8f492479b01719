package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	cacheworker "github.com/always-cache/cache-worker"
	"github.com/always-cache/cache-worker/cache"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// this is set by goreleaser
var version string

func main() {
	if version == "" {
		version = "DEV"
	}

	config, err := loadConfig(os.Args[1:], nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	// set log level
	logLevel := zerolog.DebugLevel
	if config.Trace {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if config.LogFile != "" {
		if logFileOutput, err := os.OpenFile(config.LogFile, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Timestamp().Str("version", version).Logger()

	// empty filename is a private in-memory db
	dbFilename := config.DB
	if dbFilename == "memory" {
		dbFilename = ""
	}
	storage, err := cache.NewSQLiteStorage(dbFilename)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not open cache storage")
	}
	defer storage.Close()

	originURL, originHost, err := config.OriginURL()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid origin")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	container, err := cacheworker.NewContainer(cacheworker.Config{
		Storage:              storage,
		OriginURL:            originURL,
		OriginHost:           originHost,
		PagePath:             config.Page,
		Logger:               &log.Logger,
		InstallAttempts:      config.InstallAttempts,
		InstallRetryInterval: config.InstallRetryInterval,
		Metrics:              registry,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Could not create worker container")
	}
	defer container.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", config.Port))
	if err != nil {
		log.Fatal().Err(err).Msg("Could not listen")
	}
	server := &http.Server{
		Handler:           newRouter(container, log.Logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(listener)
	}()
	log.Info().Msgf("Serving port %v from %s (with hostname '%s')", config.Port, originURL.String(), originHost)

	// the page has loaded, register the worker
	cacheworker.Bootstrap(ctx, container, config.Script, log.Logger)

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Server failed")
		}
	case <-ctx.Done():
		log.Info().Msg("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Could not shut down gracefully")
		}
	}
}
