package main

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"mini-route/config"
	"mini-route/registry"
)

// coordination is what both subcommands need from a backend.
type coordination interface {
	registry.Client
	registry.Publisher
}

func openBackend(ctx context.Context, cfg *config.Config, logger *zap.Logger) (coordination, error) {
	switch cfg.Backend {
	case config.BackendZooKeeper:
		c, err := registry.NewZKClient(ctx, cfg.Endpoints, cfg.SessionTimeout, logger.Named("zookeeper"))
		if err != nil {
			return nil, err
		}
		return c, nil
	case config.BackendEtcd:
		c, err := registry.NewEtcdClient(cfg.Endpoints, cfg.SessionTimeout, logger.Named("etcd"))
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, errors.Errorf("unknown backend %q", cfg.Backend)
	}
}
