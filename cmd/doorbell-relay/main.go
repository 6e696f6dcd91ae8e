package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ava-doorbell/relay/internal/audit"
	"github.com/ava-doorbell/relay/internal/config"
	"github.com/ava-doorbell/relay/internal/metrics"
	"github.com/ava-doorbell/relay/internal/relay"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting doorbell-relay",
		"doorbell_addr", cfg.DoorbellAddr(),
		"talk_port", cfg.Server.TalkPort,
		"stream_name", cfg.StreamName,
		"tls", cfg.TLSEnabled(),
	)

	auditLog, err := audit.Open("./data/audit.db")
	if err != nil {
		slog.Warn("failed to open audit log, session events will not be recorded", "error", err)
		auditLog = nil
	} else {
		defer auditLog.Close()
	}

	registry := relay.NewRegistry()
	start := time.Now()
	metricsC := metrics.NewCollector(registry, start)

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(metricsC)

	server := relay.NewServer(cfg, registry, metricsC, auditLog, start, promReg)

	srv := &http.Server{
		Handler:      server,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // WebSocket connections are long-lived.
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)

	if cfg.TLSEnabled() {
		srv.Addr = fmt.Sprintf(":%d", cfg.Server.TalkPort)
		srv.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		go func() {
			slog.Info("https server listening", "addr", srv.Addr)
			if err := srv.ListenAndServeTLS(cfg.Server.TLSCert, cfg.Server.TLSKey); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()
	} else {
		srv.Addr = fmt.Sprintf(":%d", cfg.Server.TalkPort)
		go func() {
			slog.Info("http server listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down http server")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("doorbell-relay stopped")
}
