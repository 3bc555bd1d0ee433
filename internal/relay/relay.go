package relay

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/park285/cheese-rooms/internal/metrics"
	"github.com/park285/cheese-rooms/internal/obslog"
	"go.uber.org/zap"
)

var (
	ErrInvalidRoom  = errors.New("relay: invalid room")
	ErrNoSubscriber = errors.New("relay: nil subscriber")
)

// Subscriber is a connection that can receive frames. Send must not block
// for long; server connections enqueue and return.
type Subscriber interface {
	ID() string
	Send(ctx context.Context, frame []byte) error
}

// Message is what travels over a Backplane. Frame is the encoded event as it
// will be written to each subscriber.
type Message struct {
	Room   string          `json:"room"`
	Origin string          `json:"origin,omitempty"`
	Frame  json.RawMessage `json:"frame"`
}

type Options struct {
	// EchoOrigin delivers an event to the connection that caused it as well.
	EchoOrigin bool
	Metrics    *metrics.Metrics
}

type member struct {
	sub  Subscriber
	room string
}

// Relay tracks room membership and delivers published events to the members
// connected to this process.
type Relay struct {
	bp   Backplane
	opts Options

	mu    sync.RWMutex
	rooms map[string]map[string]Subscriber
	conns map[string]member
}

// New wires a relay to bp and starts receiving from it. A nil bp selects the
// in-process LocalBackplane.
func New(ctx context.Context, bp Backplane, opts Options) (*Relay, error) {
	if bp == nil {
		bp = NewLocalBackplane()
	}
	r := &Relay{
		bp:    bp,
		opts:  opts,
		rooms: make(map[string]map[string]Subscriber),
		conns: make(map[string]member),
	}
	if err := bp.Subscribe(ctx, r.deliver); err != nil {
		return nil, err
	}
	return r, nil
}

// Join subscribes sub to roomID. Joining the same room again is a no-op;
// joining a different room moves the subscription.
func (r *Relay) Join(sub Subscriber, roomID string) error {
	if sub == nil {
		return ErrNoSubscriber
	}
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return ErrInvalidRoom
	}
	id := sub.ID()

	r.mu.Lock()
	if cur, ok := r.conns[id]; ok {
		if cur.room == roomID {
			r.mu.Unlock()
			return nil
		}
		r.removeLocked(id, cur.room)
	}
	set, ok := r.rooms[roomID]
	if !ok {
		set = make(map[string]Subscriber)
		r.rooms[roomID] = set
	}
	set[id] = sub
	r.conns[id] = member{sub: sub, room: roomID}
	n := len(r.conns)
	r.mu.Unlock()

	r.opts.Metrics.SetSubscribers(n)
	obslog.L().Debug("relay_join", zap.String("room_id", roomID), zap.String("conn_id", id))
	return nil
}

func (r *Relay) Leave(connID string) {
	r.mu.Lock()
	cur, ok := r.conns[connID]
	if ok {
		r.removeLocked(connID, cur.room)
	}
	n := len(r.conns)
	r.mu.Unlock()
	if ok {
		r.opts.Metrics.SetSubscribers(n)
		obslog.L().Debug("relay_leave", zap.String("room_id", cur.room), zap.String("conn_id", connID))
	}
}

func (r *Relay) removeLocked(connID, roomID string) {
	delete(r.conns, connID)
	if set, ok := r.rooms[roomID]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(r.rooms, roomID)
		}
	}
}

func (r *Relay) Room(connID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[connID].room
}

func (r *Relay) Members(roomID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[roomID])
}

// Publish encodes ev and hands it to the backplane. Delivery is best effort:
// a failing subscriber never affects the others or the caller.
func (r *Relay) Publish(ctx context.Context, roomID string, ev any, origin string) error {
	frame, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return r.bp.Publish(ctx, Message{Room: roomID, Origin: origin, Frame: frame})
}

// DropRoom removes every subscription to roomID, used when a room is evicted.
func (r *Relay) DropRoom(roomID string) {
	r.mu.Lock()
	for id := range r.rooms[roomID] {
		delete(r.conns, id)
	}
	delete(r.rooms, roomID)
	n := len(r.conns)
	r.mu.Unlock()
	r.opts.Metrics.SetSubscribers(n)
}

func (r *Relay) Close() error { return r.bp.Close() }

func (r *Relay) deliver(ctx context.Context, msg Message) {
	r.mu.RLock()
	set := r.rooms[msg.Room]
	targets := make([]Subscriber, 0, len(set))
	for id, s := range set {
		if id == msg.Origin && !r.opts.EchoOrigin {
			continue
		}
		targets = append(targets, s)
	}
	r.mu.RUnlock()

	for _, s := range targets {
		if err := s.Send(ctx, msg.Frame); err != nil {
			r.opts.Metrics.Dropped()
			obslog.L().Warn("relay_drop",
				zap.String("room_id", msg.Room),
				zap.String("conn_id", s.ID()),
				zap.Error(err),
			)
			continue
		}
		r.opts.Metrics.Delivered()
	}
}
