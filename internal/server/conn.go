package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/park285/cheese-rooms/internal/health"
	"github.com/park285/cheese-rooms/internal/obslog"
	"github.com/park285/cheese-rooms/pkg/roomdto"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

var (
	errQueueFull  = errors.New("outbound queue full")
	errConnClosed = errors.New("connection closed")
)

// conn is one WebSocket client. A single reader goroutine handles inbound
// frames, a single writer drains out, and a ping loop measures round trip.
type conn struct {
	id      string
	ws      *websocket.Conn
	srv     *Server
	out     chan []byte
	monitor *health.Monitor

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (c *conn) ID() string { return c.id }

// Send queues frame without blocking. A full queue drops the frame.
func (c *conn) Send(_ context.Context, frame []byte) error {
	select {
	case <-c.ctx.Done():
		return errConnClosed
	default:
	}
	select {
	case c.out <- frame:
		return nil
	default:
		return errQueueFull
	}
}

func (c *conn) sendEvent(ev roomdto.Event) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := c.Send(c.ctx, raw); err != nil {
		c.srv.opts.Metrics.Dropped()
		obslog.L().Warn("relay_drop", zap.String("conn_id", c.id), zap.String("type", ev.Type), zap.Error(err))
	}
}

func (c *conn) close(reason string) {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.ws.Close(websocket.StatusGoingAway, reason)
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.opts.OriginAllowed != nil {
		if origin := r.Header.Get("Origin"); origin != "" && !s.opts.OriginAllowed(origin) {
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		}
	}
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
		CompressionMode:    websocket.CompressionNoContextTakeover,
	})
	if err != nil {
		obslog.L().Warn("ws_accept_error", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		id:      uuid.NewString(),
		ws:      ws,
		srv:     s,
		out:     make(chan []byte, s.opts.QueueSize),
		monitor: health.NewMonitor(s.opts.HeartbeatMissLimit),
		ctx:     ctx,
		cancel:  cancel,
	}
	s.track(c)
	obslog.L().Info("ws_connect", zap.String("conn_id", c.id), zap.String("remote", r.RemoteAddr))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); c.writeLoop() }()
	go func() { defer wg.Done(); c.pingLoop() }()

	c.sendEvent(roomdto.Event{Type: roomdto.EventHello, ConnID: c.id})
	c.readLoop()

	c.close("bye")
	wg.Wait()
	s.relay.Leave(c.id)
	s.untrack(c)
	obslog.L().Info("ws_disconnect", zap.String("conn_id", c.id))
}

func (c *conn) readLoop() {
	for {
		typ, raw, err := c.ws.Read(c.ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status == -1 && c.ctx.Err() == nil {
				obslog.L().Debug("ws_read_error", zap.String("conn_id", c.id), zap.Error(err))
			}
			return
		}
		if typ != websocket.MessageText {
			c.sendEvent(roomdto.Event{Type: roomdto.EventError, Message: "text frames only"})
			continue
		}
		var ev roomdto.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			c.sendEvent(roomdto.Event{Type: roomdto.EventError, Message: "malformed frame"})
			continue
		}
		c.handle(ev)
	}
}

func (c *conn) handle(ev roomdto.Event) {
	switch ev.Type {
	case roomdto.EventPing:
		c.sendEvent(roomdto.Event{Type: roomdto.EventPong, Sent: ev.Sent})
	case roomdto.EventJoinRoom:
		room := strings.TrimSpace(ev.Room)
		if err := c.srv.relay.Join(c, room); err != nil {
			c.sendEvent(roomdto.Event{Type: roomdto.EventError, Message: err.Error()})
			return
		}
		reply := roomdto.Event{Type: roomdto.EventJoined, Room: room}
		if view, err := c.srv.coord.State(room); err == nil {
			reply.Position = &view
		}
		c.sendEvent(reply)
	default:
		c.sendEvent(roomdto.Event{Type: roomdto.EventError, Message: "unknown event type"})
	}
}

func (c *conn) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case frame := <-c.out:
			ctx, cancel := context.WithTimeout(c.ctx, defaultWriteWait)
			err := c.ws.Write(ctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				obslog.L().Debug("ws_write_error", zap.String("conn_id", c.id), zap.Error(err))
				c.close("write failure")
				return
			}
		}
	}
}

// pingLoop sends protocol pings on the heartbeat interval. Missed pings only
// degrade the reading until the miss limit, then the connection is closed.
func (c *conn) pingLoop() {
	t := time.NewTicker(c.srv.opts.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-t.C:
		}
		c.monitor.Sent(time.Now())
		ctx, cancel := context.WithTimeout(c.ctx, c.srv.opts.PingTimeout)
		err := c.ws.Ping(ctx)
		cancel()
		if err == nil {
			if rtt, ok := c.monitor.Echo(time.Now()); ok {
				c.srv.opts.Metrics.ObserveHeartbeat(rtt)
			}
			continue
		}
		if c.ctx.Err() != nil {
			return
		}
		reading := c.monitor.Snapshot()
		obslog.L().Debug("ws_ping_miss", zap.String("conn_id", c.id), zap.Int("misses", reading.Misses+1), zap.Error(err))
		if reading.Misses+1 >= c.monitor.MissLimit() {
			obslog.L().Info("ws_heartbeat_timeout", zap.String("conn_id", c.id))
			c.close("heartbeat timeout")
			return
		}
	}
}
