package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/park285/cheese-rooms/internal/archive"
	"github.com/park285/cheese-rooms/internal/config"
	"github.com/park285/cheese-rooms/internal/coordinator"
	"github.com/park285/cheese-rooms/internal/game"
	"github.com/park285/cheese-rooms/internal/metrics"
	"github.com/park285/cheese-rooms/internal/obslog"
	"github.com/park285/cheese-rooms/internal/relay"
	"github.com/park285/cheese-rooms/internal/rules"
	"github.com/park285/cheese-rooms/internal/server"
	"go.uber.org/zap"
)

type Deps struct {
	Metrics     *metrics.Metrics
	Registry    *game.Registry
	Relay       *relay.Relay
	Coordinator *coordinator.Coordinator
	Server      *server.Server
	Archive     *archive.Repository

	cfg *config.AppConfig
}

// New builds every component. Redis and Postgres are optional: without
// REDIS_URL the relay stays in-process, without DATABASE_URL finished games
// are not archived.
func New(ctx context.Context, cfg *config.AppConfig) (*Deps, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	d := &Deps{cfg: cfg}
	d.Metrics = metrics.New(cfg.MetricsNamespace)

	var bp relay.Backplane
	if strings.TrimSpace(cfg.RedisURL) != "" {
		rbp, err := relay.NewRedisBackplaneFromURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = rbp.Ping(pctx)
		cancel()
		if err != nil {
			_ = rbp.Close()
			return nil, err
		}
		bp = rbp
		obslog.L().Info("relay_backplane", zap.String("kind", "redis"))
	} else {
		obslog.L().Info("relay_backplane", zap.String("kind", "local"))
	}
	rl, err := relay.New(ctx, bp, relay.Options{EchoOrigin: cfg.RelayEchoOrigin, Metrics: d.Metrics})
	if err != nil {
		if bp != nil {
			_ = bp.Close()
		}
		return nil, fmt.Errorf("init relay: %w", err)
	}
	d.Relay = rl

	oracle := rules.NewChessOracle()
	d.Registry = game.NewRegistry(oracle, game.Options{
		Shards:   cfg.RegistryShards,
		IdleTTL:  cfg.RoomIdleTTL,
		MaxRooms: cfg.MaxRooms,
		OnEvict:  d.onEvict,
	})

	copts := coordinator.Options{Metrics: d.Metrics, Openings: oracle}
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		repo, err := archive.NewRepository(cfg.DatabaseURL)
		if err != nil {
			_ = rl.Close()
			return nil, fmt.Errorf("init archive: %w", err)
		}
		if err := repo.Migrate(ctx); err != nil {
			_ = repo.Close()
			_ = rl.Close()
			return nil, fmt.Errorf("migrate archive: %w", err)
		}
		d.Archive = repo
		copts.Archiver = repo
	}
	d.Coordinator = coordinator.New(d.Registry, rl, copts)

	d.Server = server.New(d.Coordinator, rl, server.Options{
		QueueSize:          cfg.RelayQueueSize,
		HeartbeatInterval:  cfg.HeartbeatInterval,
		HeartbeatMissLimit: cfg.HeartbeatMissLimit,
		OriginAllowed:      cfg.OriginAllowed,
		Metrics:            d.Metrics,
	})
	return d, nil
}

func (d *Deps) onEvict(roomID string) {
	d.Relay.DropRoom(roomID)
	d.Metrics.RoomEvicted()
	d.Metrics.SetActiveRooms(d.Registry.Len())
}

// Run starts background maintenance and blocks until ctx is done.
func (d *Deps) Run(ctx context.Context) {
	d.Registry.Run(ctx, d.cfg.RoomSweepInterval)
}

// Close releases external resources after the HTTP server has stopped.
func (d *Deps) Close() error {
	d.Coordinator.Wait()
	var first error
	if err := d.Relay.Close(); err != nil {
		first = err
	}
	if err := d.Archive.Close(); err != nil && first == nil {
		first = err
	}
	return first
}
