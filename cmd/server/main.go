package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/liuzl/escapexl"
)

func main() {
	configPath := flag.String("config", "escapexl.yaml", "path to the YAML config file")
	addr := flag.String("addr", "", "listen address, overrides the config file (e.g. :8000)")
	flag.Parse()

	zlog := escapexl.GetZlog()

	cfg, err := escapexl.Load(*configPath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load config")
	}
	if v := os.Getenv("ESCAPEXL_ADDR"); v != "" {
		cfg.Addr = v
	}
	if *addr != "" {
		cfg.Addr = *addr
	}

	srv, err := escapexl.NewServer(cfg)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to build server")
	}

	f := srv.Filter()
	if err := f.Preflight(); err != nil {
		// Keep serving the landing page; uploads will fail until this is fixed.
		zlog.Warn().Err(err).Msg("Filter not ready")
	}
	zlog.Info().Str("interpreter", f.Interpreter).Str("script", f.Script).Dur("timeout", f.Timeout).Msg("Filter configured")

	fmt.Printf("Starting server on %s...\n", srv.Addr())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		zlog.Info().Str("signal", sig.String()).Msg("Shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			zlog.Error().Err(err).Msg("Shutdown error")
			os.Exit(1)
		}
	case err := <-errCh:
		if err != nil {
			zlog.Fatal().Err(err).Msg("Server error")
		}
	}
}
