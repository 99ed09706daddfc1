package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mini-route/codec"
	"mini-route/registry"
	"mini-route/route"
)

var (
	publishHost       string
	publishInterfaces []string
	publishWeight     int
	publishMeta       map[string]string
)

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish this endpoint's route and hold it until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPublish(cmd.Context())
	},
}

func init() {
	publishCmd.Flags().StringVar(&publishHost, "host", "", "endpoint address, ip:port")
	publishCmd.Flags().StringSliceVar(&publishInterfaces, "interfaces", nil, "interfaces served by the endpoint")
	publishCmd.Flags().IntVar(&publishWeight, "weight", 0, "routing weight")
	publishCmd.Flags().StringToStringVar(&publishMeta, "meta", nil, "extra metadata, key=value")
	_ = publishCmd.MarkFlagRequired("host")
	_ = publishCmd.MarkFlagRequired("interfaces")
}

func runPublish(ctx context.Context) error {
	cfg, logger, err := setup(v)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	host, err := route.ParseHost(publishHost)
	if err != nil {
		return err
	}
	info := route.NewInfo(host, publishInterfaces, route.WithWeight(publishWeight), route.WithMeta(publishMeta))
	if !info.Valid() {
		return errors.New("at least one interface is required")
	}
	data, err := codec.GetCodec(cfg.CodecType()).Encode(info)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctxOrBackground(ctx), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := openBackend(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to connect to coordination service", zap.Error(err))
		return err
	}
	defer client.Close()

	if err := client.EnsurePath(ctx, cfg.Root); err != nil {
		return err
	}
	path := registry.ChildPath(cfg.Root, host.String())
	if err := client.Publish(ctx, path, data); err != nil {
		return err
	}
	logger.Info("route published",
		zap.String("path", path),
		zap.Strings("interfaces", info.Interfaces()),
		zap.Int("weight", info.Weight()))

	<-ctx.Done()

	unpubCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Unpublish(unpubCtx, path); err != nil {
		logger.Warn("failed to unpublish route", zap.String("path", path), zap.Error(err))
	}
	logger.Info("route withdrawn", zap.String("path", path))
	return nil
}
