// Package natsconn dials the shared NATS connection used by the presence and
// bus backends.
package natsconn

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/fenggwsx/roomcast/internal/config"
)

const (
	defaultAttempts = 30
	retryWait       = 2 * time.Second
)

// Options tune the dial loop. The zero value retries defaultAttempts times.
type Options struct {
	Name     string
	Attempts int
	Wait     time.Duration
}

// Connect dials cfg.URL, retrying while the server is not reachable yet. Once
// connected the client reconnects forever on its own.
func Connect(ctx context.Context, log *slog.Logger, cfg config.NATSConfig, opts Options) (*nats.Conn, error) {
	if opts.Attempts <= 0 {
		opts.Attempts = defaultAttempts
	}
	if opts.Wait <= 0 {
		opts.Wait = retryWait
	}
	if opts.Name == "" {
		opts.Name = "roomcast"
	}

	natsOpts := []nats.Option{
		nats.Name(opts.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(retryWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	}
	if cfg.User != "" {
		natsOpts = append(natsOpts, nats.UserInfo(cfg.User, cfg.Pass))
	}

	var lastErr error
	for attempt := 1; attempt <= opts.Attempts; attempt++ {
		nc, err := nats.Connect(cfg.URL, natsOpts...)
		if err == nil {
			log.Info("Connected to NATS", "url", cfg.URL, "attempt", attempt)
			return nc, nil
		}
		lastErr = err
		log.Warn("NATS connect failed, retrying", "attempt", attempt, "error", err)

		if attempt == opts.Attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(opts.Wait):
		}
	}
	return nil, fmt.Errorf("connect to NATS after %d attempts: %w", opts.Attempts, lastErr)
}
