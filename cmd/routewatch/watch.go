package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mini-route/codec"
	"mini-route/discovery"
	"mini-route/route"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Keep a routing table in sync and log every published snapshot",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWatch(cmd.Context())
	},
}

func runWatch(ctx context.Context) error {
	cfg, logger, err := setup(v)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(ctxOrBackground(ctx), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := openBackend(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to connect to coordination service", zap.Error(err))
		return err
	}
	defer client.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	syncer, err := discovery.New(discovery.Options{
		Client:     client,
		Codec:      codec.GetCodec(cfg.CodecType()),
		Root:       cfg.Root,
		Includes:   cfg.Includes,
		Excludes:   cfg.Excludes,
		Backlog:    cfg.Backlog,
		Logger:     logger.Named("discovery"),
		Registerer: reg,
		OnPublish: func(snap *route.Snapshot) {
			logSnapshot(logger, snap)
		},
	})
	if err != nil {
		return err
	}
	defer syncer.Close()

	if cfg.MetricsAddr != "" {
		srv := startMetricsServer(cfg.MetricsAddr, reg, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	if err := syncer.Start(ctx); err != nil {
		logger.Error("initial route sync failed", zap.Error(err))
		return err
	}

	<-ctx.Done()
	logger.Info("shutting down", zap.Uint64("version", syncer.Snapshot().Version()))
	return nil
}

func logSnapshot(logger *zap.Logger, snap *route.Snapshot) {
	hosts := snap.Hosts()
	names := make([]string, 0, len(hosts))
	for _, h := range hosts {
		names = append(names, h.String())
	}
	logger.Info("routing table published",
		zap.Uint64("version", snap.Version()),
		zap.Strings("hosts", names))
}

func startMetricsServer(addr string, reg *prometheus.Registry, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	return srv
}

func ctxOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
