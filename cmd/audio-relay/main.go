package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/pflag"

	relay "github.com/zhamlin/audio-relay"
	"github.com/zhamlin/audio-relay/internal"
)

type flags struct {
	configPath string
	addr       string
	logLevel   string
	tlsCert    string
	tlsKey     string
	gzip       bool
}

func parseFlags(args []string) (flags, *pflag.FlagSet, error) {
	f := flags{}
	fs := pflag.NewFlagSet("audio-relay", pflag.ContinueOnError)
	fs.StringVarP(&f.configPath, "config", "c", "", "path to a YAML config file (watched for changes)")
	fs.StringVar(&f.addr, "addr", "", "address to listen on (default localhost:8080)")
	fs.StringVar(&f.logLevel, "log.level", "", "slog log level to use")
	fs.StringVar(&f.tlsCert, "tls.cert", "", "tls cert")
	fs.StringVar(&f.tlsKey, "tls.key", "", "tls key")
	fs.BoolVar(&f.gzip, "gzip", true, "Use gzip compression for pages and assets")
	err := fs.Parse(args)
	return f, fs, err
}

// loadConfig layers flags that were set explicitly over the config file.
func loadConfig(args []string) (relay.Config, string, error) {
	f, fs, err := parseFlags(args)
	if err != nil {
		return relay.Config{}, "", err
	}

	cfg, err := relay.LoadConfig(f.configPath)
	if err != nil {
		return relay.Config{}, "", err
	}
	if fs.Changed("addr") {
		cfg.Addr = f.addr
	}
	if fs.Changed("log.level") {
		cfg.LogLevel = f.logLevel
	}
	if fs.Changed("tls.cert") {
		cfg.TLSCert = f.tlsCert
	}
	if fs.Changed("tls.key") {
		cfg.TLSKey = f.tlsKey
	}
	if fs.Changed("gzip") {
		cfg.Gzip = f.gzip
	}
	if err := cfg.Validate(); err != nil {
		return relay.Config{}, "", err
	}
	return cfg, f.configPath, nil
}

func setupSlog(level slog.Level) *slog.LevelVar {
	var logLevel slog.LevelVar
	logLevel.Set(level)

	handler := internal.NewHandler(os.Stderr, &internal.ColorOptions{
		Level:      &logLevel,
		TimeFormat: time.DateTime,
	})

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return &logLevel
}

func main() {
	cfg, configPath, err := loadConfig(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	level, _ := relay.ParseLevel(cfg.LogLevel)
	logLevel := setupSlog(level)
	ctx := context.Background()

	if err := run(ctx, cfg, configPath, logLevel); err != nil {
		slog.ErrorContext(ctx, "run failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func runServer(ctx context.Context, s *http.Server, cfg relay.Config) error {
	srvErr := make(chan error, 1)
	go func() {
		slog.InfoContext(ctx, "listening for requests", "addr", s.Addr)

		listenAndServe := s.ListenAndServe
		if cfg.HasTLS() {
			listenAndServe = func() error {
				return s.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey)
			}
		}

		if err := listenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
	}()

	// Wait for interruption.
	select {
	case err := <-srvErr:
		return fmt.Errorf("server.ListenAndServe(): %w", err)
	case <-ctx.Done():
	}

	slog.InfoContext(ctx, "shutting down")
	shutdownCtx, cancel := context.WithTimeout(
		context.Background(), 5*time.Second,
	)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

func run(ctx context.Context, cfg relay.Config, configPath string, logLevel *slog.LevelVar) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	if cfg.InsecurePassword() {
		slog.WarnContext(ctx, "producer password is the insecure default, set "+relay.EnvProducerPassword)
	}

	rl, err := relay.New(cfg, nil)
	if err != nil {
		return fmt.Errorf("relay.New: %w", err)
	}
	go func() {
		if err := rl.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.ErrorContext(ctx, "pipeline stopped", "error", err)
		}
	}()

	if configPath != "" {
		reload := &relay.Reloadable{Current: cfg, Verifier: rl.Verifier(), Level: logLevel}
		fn, err := relay.NewConfigWatcherFn(ctx, relay.WatcherConfig{Path: configPath}, func(next relay.Config) {
			reload.Apply(ctx, next)
		})
		if err != nil {
			return fmt.Errorf("NewConfigWatcherFn: %w", err)
		}
		go fn()
	}

	s := &http.Server{
		Addr:    cfg.Addr,
		Handler: rl.Handler(),
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
		// Websocket connections outlive any read or write timeout, so only
		// the header read is bounded.
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       20 * time.Second,
	}
	return runServer(ctx, s, cfg)
}
