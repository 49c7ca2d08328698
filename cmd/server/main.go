package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/mama165/sdk-go/logs"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/redis/go-redis/v9"

	"github.com/fenggwsx/roomcast/internal/auth"
	"github.com/fenggwsx/roomcast/internal/bus"
	"github.com/fenggwsx/roomcast/internal/config"
	"github.com/fenggwsx/roomcast/internal/lifecycle"
	"github.com/fenggwsx/roomcast/internal/natsconn"
	"github.com/fenggwsx/roomcast/internal/presence"
	"github.com/fenggwsx/roomcast/internal/relay"
	"github.com/fenggwsx/roomcast/internal/room"
	"github.com/fenggwsx/roomcast/internal/server"
	"github.com/fenggwsx/roomcast/internal/storage/sqlite"
	"github.com/fenggwsx/roomcast/internal/telemetry"
)

const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "roomcast terminated with error: %v\n", err)
	}
	os.Exit(code)
}

// run wires every component and blocks until a termination signal arrives.
// Deferred cleanup runs before main exits.
func run() (int, error) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadServerConfig()
	if err != nil {
		return exitConfig, err
	}
	log := logs.GetLoggerFromString(strings.ToUpper(cfg.LogLevel))
	fmt.Println(strings.TrimRight(figure.NewColorFigure("ROOMCAST", "3-d", "green", true).String(), "\n"))

	shutdownTelemetry, err := telemetry.Init(ctx, log)
	if err != nil {
		return exitRuntime, err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			log.Warn("Telemetry shutdown failed", "error", err)
		}
	}()
	metrics, err := telemetry.NewMetrics()
	if err != nil {
		return exitRuntime, err
	}

	identities, err := sqlite.NewStore(cfg.Database())
	if err != nil {
		return exitRuntime, fmt.Errorf("open identity store: %w", err)
	}
	defer identities.Close()
	if err := identities.Migrate(ctx); err != nil {
		return exitRuntime, fmt.Errorf("migrate identity store: %w", err)
	}

	validator, closeValidator, err := buildValidator(ctx, log, cfg)
	if err != nil {
		return exitConfig, err
	}
	defer closeValidator()

	var nc *nats.Conn
	if cfg.PresenceBackend == "nats" || cfg.BusBackend == "nats" {
		nc, err = natsconn.Connect(ctx, log, cfg.NATS(), natsconn.Options{Name: "roomcast"})
		if err != nil {
			return exitRuntime, err
		}
		defer nc.Drain()
	}

	store, err := buildPresence(ctx, log, cfg, nc)
	if err != nil {
		return exitRuntime, err
	}
	defer store.Close()

	messageBus := buildBus(log, cfg, nc)
	defer messageBus.Close()

	r := relay.New(log, messageBus, metrics)
	defer r.Close()

	handler := lifecycle.NewHandler(log, validator, store, r,
		lifecycle.WithDirectory(identities),
		lifecycle.WithResolver(room.NewResolver(cfg.SubscribePrefix, cfg.PublishPrefix)),
		lifecycle.WithMetrics(metrics),
	)

	log.Info("Starting roomcast",
		"presence_backend", cfg.PresenceBackend,
		"bus_backend", cfg.BusBackend,
		"addr", cfg.ListenAddr,
	)
	if err := server.NewApp(cfg, log, handler, store, metrics).Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return exitRuntime, fmt.Errorf("server: %w", err)
	}
	log.Info("Shutdown complete")
	return exitOK, nil
}

func buildValidator(ctx context.Context, log *slog.Logger, cfg config.ServerConfig) (auth.Validator, func(), error) {
	if cfg.JWKSURL == "" {
		return auth.WithTimeout(auth.NewHMACValidator(cfg.JWT()), cfg.AuthTimeout), func() {}, nil
	}
	jwks, err := auth.NewJWKSValidator(ctx, log, cfg.JWKS())
	if err != nil {
		return nil, nil, err
	}
	return auth.WithTimeout(jwks, cfg.AuthTimeout), jwks.Close, nil
}

func buildPresence(ctx context.Context, log *slog.Logger, cfg config.ServerConfig, nc *nats.Conn) (presence.Store, error) {
	switch cfg.PresenceBackend {
	case "redis":
		return presence.NewRedisStore(log, newRedisClient(cfg.Redis())), nil
	case "nats":
		js, err := jetstream.New(nc)
		if err != nil {
			return nil, fmt.Errorf("jetstream: %w", err)
		}
		return presence.NewNATSStore(ctx, log, js, cfg.NATS().Bucket)
	case "badger":
		return presence.OpenBadgerStore(log, cfg.BadgerPath)
	default:
		return presence.NewMemoryStore(log), nil
	}
}

func buildBus(log *slog.Logger, cfg config.ServerConfig, nc *nats.Conn) bus.Bus {
	switch cfg.BusBackend {
	case "redis":
		return bus.NewRedisBus(log, newRedisClient(cfg.Redis()), cfg.Redis().ChannelPrefix)
	case "nats":
		return bus.NewNATSBus(log, nc, cfg.NATS().SubjectPrefix)
	default:
		return bus.NewMemoryBus()
	}
}

func newRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}
