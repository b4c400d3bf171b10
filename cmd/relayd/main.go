// Copyright 2025 RelaySys Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// relayd runs the messaging core as a standalone daemon: it opens the
// configured stores, runs the background workers, and serves metrics.
// Handlers live in embedding processes; a standalone daemon is useful
// where only the plumbing (dispatch, scheduling, reaping) should run.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	relay "github.com/relaysys/relay"
	corelogger "github.com/relaysys/relay/core/logger"
	internallogger "github.com/relaysys/relay/internal/logger"
)

func main() {
	os.Exit(Main(os.Args[1:]))
}

// Main runs the daemon and returns the process exit code.
func Main(args []string) int {
	f := gnuflag.NewFlagSetWithFlagKnownAs("relayd", gnuflag.ContinueOnError, "option")
	configPath := f.String("config", "relayd.yaml", "path to the configuration file")
	logConfig := f.String("log-config", "<root>=INFO", "loggo configuration string")
	if err := f.Parse(true, args); err != nil {
		if err == gnuflag.ErrHelp {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	if err := run(*configPath, *logConfig); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func run(configPath, logConfig string) error {
	if err := loggo.ConfigureLoggers(logConfig); err != nil {
		return errors.Annotate(err, "configuring logging")
	}
	logger := internallogger.GetLogger("relayd")

	fileCfg, err := readConfig(configPath)
	if err != nil {
		return errors.Trace(err)
	}

	registry := prometheus.NewRegistry()
	cfg := fileCfg.relayConfig()
	cfg.Logger = internallogger.GetLogger("relay")
	cfg.Registerer = registry

	r, err := relay.New(cfg)
	if err != nil {
		return errors.Trace(err)
	}
	defer func() {
		if err := r.Close(); err != nil {
			logger.Errorf(context.Background(), "closing stores: %v", err)
		}
	}()

	w, err := r.Worker()
	if err != nil {
		return errors.Trace(err)
	}

	if fileCfg.MetricsAddr != "" {
		srv, err := newMetricsServer(logger, fileCfg.MetricsAddr, registry)
		if err != nil {
			return errors.Trace(err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warningf(context.Background(), "stopping metrics server: %v", err)
			}
		}()
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-signals
		logger.Infof(context.Background(), "received %v, shutting down", sig)
		w.Kill()
	}()

	logger.Infof(context.Background(), "relayd started with %d store(s)", len(fileCfg.Stores))
	return errors.Trace(w.Wait())
}

// newMetricsServer serves the registry on addr until Shutdown. The
// returned server's Addr carries the bound address, so an ephemeral
// port is resolvable by the caller.
func newMetricsServer(logger corelogger.Logger, addr string, registry *prometheus.Registry) (*http.Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Annotatef(err, "listening on %q", addr)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: lis.Addr().String(), Handler: mux}
	go func() {
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf(context.Background(), "metrics server: %v", err)
		}
	}()
	return srv, nil
}
