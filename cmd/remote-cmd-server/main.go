// Command remote-cmd-server listens for directives and runs them.
//
// Usage:
//
//	remote-cmd-server [host:port]
//
// The address defaults to 127.0.0.1:8888. Further settings come from the TOML
// file named by REMOTE_CMD_CONFIG.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"remote-cmd/config"
	"remote-cmd/logging"
	"remote-cmd/metrics"
	"remote-cmd/registry"
	"remote-cmd/server"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	return &cobra.Command{
		Use:           "remote-cmd-server [host:port]",
		Short:         "Serve remote-cmd directives over TCP",
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(args)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
}

// loadConfig reads REMOTE_CMD_CONFIG and applies the optional address argument.
func loadConfig(args []string) (config.Config, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return cfg, err
	}
	if len(args) == 1 {
		cfg.Server.Address = args[0]
	}
	return cfg, nil
}

func run(ctx context.Context, cfg config.Config) error {
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	if cfg.Server.MetricsAddress != "" {
		metricsSrv := serveMetrics(cfg.Server.MetricsAddress, reg, logger)
		defer metricsSrv.Close()
	}

	var discovery registry.Registry
	if len(cfg.Registry.Endpoints) > 0 {
		etcd, err := registry.NewEtcdRegistry(cfg.Registry.Endpoints, cfg.Registry.DialTimeout, logger)
		if err != nil {
			return err
		}
		defer etcd.Close()
		discovery = etcd
	}

	srv := server.New(cfg.Server, logger, m, discovery, cfg.Registry.TTL)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve("tcp", cfg.Server.Address) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down", zap.Duration("timeout", cfg.Server.ShutdownTimeout))
	if err := srv.Shutdown(cfg.Server.ShutdownTimeout); err != nil {
		return err
	}
	return <-errCh
}

func serveMetrics(addr string, g prometheus.Gatherer, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(g))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	logger.Info("serving metrics", zap.String("addr", addr))
	return srv
}
