package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/hyperengineering/mutuelle"
	"github.com/hyperengineering/mutuelle/internal/notify"
	"github.com/hyperengineering/mutuelle/internal/remote/pg"
	"github.com/hyperengineering/mutuelle/internal/remote/rest"
)

// openClient builds the backend adapters named by cfg and opens the client.
// The returned func releases the client and every adapter.
func openClient(ctx context.Context, cfg mutuelle.Config) (*mutuelle.Client, func(), error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	logger, logCloser, err := mutuelle.NewLogger(mutuelle.LogConfig{
		Debug:  cfg.Debug,
		Path:   cfg.LogPath,
		Format: cfg.LogFormat,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("logger: %w", err)
	}

	closers := []func(){func() { logCloser.Close() }}
	release := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	opts := []mutuelle.Option{mutuelle.WithLogger(logger)}

	remote, closeRemote, err := buildRemote(ctx, cfg)
	if err != nil {
		release()
		return nil, nil, err
	}
	if remote != nil {
		opts = append(opts, mutuelle.WithRemote(remote))
		closers = append(closers, closeRemote)
	}

	notifier, closeNotifier, err := buildNotifier(ctx, cfg, logger)
	if err != nil {
		release()
		return nil, nil, err
	}
	if notifier != nil {
		opts = append(opts, mutuelle.WithNotifier(notifier))
		closers = append(closers, closeNotifier)
	}

	client, err := mutuelle.New(cfg, opts...)
	if err != nil {
		release()
		return nil, nil, fmt.Errorf("initialize client: %w", err)
	}
	closers = append(closers, func() { client.Close() })
	return client, release, nil
}

func buildRemote(ctx context.Context, cfg mutuelle.Config) (mutuelle.Remote, func(), error) {
	switch {
	case cfg.DatabaseURL != "":
		pool, err := pg.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return pg.New(pool), pool.Close, nil
	case cfg.RemoteURL != "":
		return rest.NewHTTPClient(cfg.RemoteURL, cfg.APIKey, cfg.DeviceID), func() {}, nil
	default:
		return nil, nil, nil
	}
}

func buildNotifier(ctx context.Context, cfg mutuelle.Config, logger *slog.Logger) (mutuelle.Notifier, func(), error) {
	switch {
	case cfg.RedisURL != "":
		client, err := notify.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		n := notify.NewRedis(client, notify.WithDevice(cfg.DeviceID), notify.WithLogger(logger))
		return n, func() { closeQuietly(client) }, nil
	case cfg.NotifyURL != "":
		return notify.NewWebSocket(cfg.NotifyURL, cfg.APIKey, cfg.DeviceID, logger), func() {}, nil
	default:
		return nil, nil, nil
	}
}

func closeQuietly(c io.Closer) { _ = c.Close() }

// requireBackend rejects commands that need a server when none is configured.
func requireBackend(cfg mutuelle.Config) error {
	if cfg.IsOffline() {
		return fmt.Errorf("no backend configured: set MUTUELLE_REMOTE_URL or MUTUELLE_DATABASE_URL")
	}
	return nil
}
