package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/park285/cheese-rooms/internal/obslog"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DeliverFunc receives every message published on a backplane.
type DeliverFunc func(ctx context.Context, msg Message)

// Backplane carries published messages to every relay that shares it.
type Backplane interface {
	Publish(ctx context.Context, msg Message) error
	Subscribe(ctx context.Context, fn DeliverFunc) error
	Close() error
}

// LocalBackplane delivers synchronously inside the process.
type LocalBackplane struct {
	mu sync.RWMutex
	fn DeliverFunc
}

func NewLocalBackplane() *LocalBackplane { return &LocalBackplane{} }

func (b *LocalBackplane) Publish(ctx context.Context, msg Message) error {
	b.mu.RLock()
	fn := b.fn
	b.mu.RUnlock()
	if fn != nil {
		fn(ctx, msg)
	}
	return nil
}

func (b *LocalBackplane) Subscribe(_ context.Context, fn DeliverFunc) error {
	b.mu.Lock()
	b.fn = fn
	b.mu.Unlock()
	return nil
}

func (b *LocalBackplane) Close() error { return nil }

const defaultChannelPrefix = "cheese:room:"

// RedisBackplane shares room events between replicas through Redis pub/sub.
// Each replica pattern-subscribes to every room channel and delivers only to
// its own connections.
type RedisBackplane struct {
	rdb    *redis.Client
	prefix string

	mu     sync.Mutex
	ps     *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
}

func NewRedisBackplane(rdb *redis.Client) *RedisBackplane {
	return &RedisBackplane{rdb: rdb, prefix: defaultChannelPrefix}
}

// NewRedisBackplaneFromURL parses a redis:// URL the same way the server
// configuration does.
func NewRedisBackplaneFromURL(url string) (*RedisBackplane, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("relay: empty redis url")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return NewRedisBackplane(redis.NewClient(opt)), nil
}

// Ping checks that Redis is reachable.
func (b *RedisBackplane) Ping(ctx context.Context) error {
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (b *RedisBackplane) channel(room string) string { return b.prefix + room }

func (b *RedisBackplane) Publish(ctx context.Context, msg Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel(msg.Room), raw).Err()
}

// Subscribe blocks until the pattern subscription is confirmed, then delivers
// in a background goroutine until Close.
func (b *RedisBackplane) Subscribe(ctx context.Context, fn DeliverFunc) error {
	ps := b.rdb.PSubscribe(ctx, b.prefix+"*")
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	b.mu.Lock()
	b.ps, b.cancel, b.done = ps, cancel, done
	b.mu.Unlock()

	go func() {
		defer close(done)
		for m := range ps.Channel() {
			var msg Message
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				obslog.L().Warn("relay_backplane_decode", zap.String("channel", m.Channel), zap.Error(err))
				continue
			}
			fn(runCtx, msg)
		}
	}()
	return nil
}

func (b *RedisBackplane) Close() error {
	b.mu.Lock()
	ps, cancel, done := b.ps, b.cancel, b.done
	b.ps = nil
	b.mu.Unlock()
	if ps == nil {
		return b.rdb.Close()
	}
	cancel()
	err := ps.Close()
	<-done
	if cerr := b.rdb.Close(); err == nil {
		err = cerr
	}
	return err
}
