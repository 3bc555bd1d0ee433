package game

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/park285/cheese-rooms/internal/obslog"
	"github.com/park285/cheese-rooms/internal/rules"
	"go.uber.org/zap"
)

var (
	ErrRoomNotFound  = errors.New("room not found")
	ErrInvalidRoomID = errors.New("invalid room id")
	ErrRegistryFull  = errors.New("room capacity reached")
)

const defaultShards = 32

// Options tunes a Registry. Zero values mean: default shard count, no idle
// eviction, no capacity cap.
type Options struct {
	Shards   int
	IdleTTL  time.Duration
	MaxRooms int
	// OnEvict is called after a room is removed by Sweep or Close.
	OnEvict func(roomID string)
	Now     func() time.Time
}

type shard struct {
	mu    sync.RWMutex
	rooms map[string]*Session
}

// Registry maps room ids to sessions. Rooms hash onto independent shards so
// lookups and creates for different rooms never wait on one global lock.
type Registry struct {
	oracle rules.Oracle
	opts   Options
	shards []*shard
	count  atomic.Int64
}

func NewRegistry(oracle rules.Oracle, opts Options) *Registry {
	if opts.Shards <= 0 {
		opts.Shards = defaultShards
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	r := &Registry{oracle: oracle, opts: opts, shards: make([]*shard, opts.Shards)}
	for i := range r.shards {
		r.shards[i] = &shard{rooms: make(map[string]*Session)}
	}
	return r
}

func (r *Registry) shardFor(roomID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(roomID))
	return r.shards[h.Sum32()%uint32(len(r.shards))]
}

// Ensure returns the session for roomID, creating it with the starting
// position when absent. An existing session is never reset. created reports
// whether this call made the room.
func (r *Registry) Ensure(roomID string) (sess *Session, created bool, err error) {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return nil, false, ErrInvalidRoomID
	}
	sh := r.shardFor(roomID)

	sh.mu.RLock()
	sess, ok := sh.rooms[roomID]
	sh.mu.RUnlock()
	if ok {
		sess.touch(r.opts.Now())
		return sess, false, nil
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sess, ok := sh.rooms[roomID]; ok {
		return sess, false, nil
	}
	if n := r.count.Add(1); r.opts.MaxRooms > 0 && n > int64(r.opts.MaxRooms) {
		r.count.Add(-1)
		return nil, false, ErrRegistryFull
	}
	sess = newSession(roomID, r.oracle, r.opts.Now)
	sh.rooms[roomID] = sess
	obslog.L().Info("room_create", zap.String("room_id", roomID))
	return sess, true, nil
}

func (r *Registry) Get(roomID string) (*Session, error) {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return nil, ErrRoomNotFound
	}
	sh := r.shardFor(roomID)
	sh.mu.RLock()
	sess, ok := sh.rooms[roomID]
	sh.mu.RUnlock()
	if !ok {
		return nil, ErrRoomNotFound
	}
	sess.touch(r.opts.Now())
	return sess, nil
}

// Close removes a room explicitly. Unknown ids are ignored.
func (r *Registry) Close(roomID string) bool {
	roomID = strings.TrimSpace(roomID)
	sh := r.shardFor(roomID)
	sh.mu.Lock()
	_, ok := sh.rooms[roomID]
	if ok {
		delete(sh.rooms, roomID)
		r.count.Add(-1)
	}
	sh.mu.Unlock()
	if ok {
		r.evicted(roomID, "close")
	}
	return ok
}

func (r *Registry) Len() int { return int(r.count.Load()) }

// Sweep evicts rooms idle for longer than IdleTTL. Rooms with a move in
// flight are skipped. It returns the number of rooms removed.
func (r *Registry) Sweep(now time.Time) int {
	if r.opts.IdleTTL <= 0 {
		return 0
	}
	var removed []string
	for _, sh := range r.shards {
		sh.mu.Lock()
		for id, s := range sh.rooms {
			if len(s.slot) > 0 {
				continue
			}
			if now.Sub(s.LastActive()) > r.opts.IdleTTL {
				delete(sh.rooms, id)
				r.count.Add(-1)
				removed = append(removed, id)
			}
		}
		sh.mu.Unlock()
	}
	for _, id := range removed {
		r.evicted(id, "idle")
	}
	return len(removed)
}

func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if r.opts.IdleTTL <= 0 || interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := r.Sweep(r.opts.Now()); n > 0 {
				obslog.L().Info("room_sweep", zap.Int("removed", n), zap.Int("remaining", r.Len()))
			}
		}
	}
}

func (r *Registry) evicted(roomID, reason string) {
	obslog.L().Info("room_evict", zap.String("room_id", roomID), zap.String("reason", reason))
	if r.opts.OnEvict != nil {
		r.opts.OnEvict(roomID)
	}
}
