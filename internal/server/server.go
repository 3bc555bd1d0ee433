package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/park285/cheese-rooms/internal/coordinator"
	"github.com/park285/cheese-rooms/internal/health"
	"github.com/park285/cheese-rooms/internal/metrics"
	"github.com/park285/cheese-rooms/internal/obslog"
	"github.com/park285/cheese-rooms/internal/relay"
	"github.com/park285/cheese-rooms/pkg/roomdto"
	"go.uber.org/zap"
)

const (
	defaultQueueSize   = 32
	defaultPingTimeout = 5 * time.Second
	defaultWriteWait   = 10 * time.Second
	maxBodyBytes       = 64 << 10
)

type Options struct {
	QueueSize          int
	HeartbeatInterval  time.Duration
	HeartbeatMissLimit int
	PingTimeout        time.Duration
	// OriginAllowed gates the WebSocket handshake. Nil admits every origin.
	OriginAllowed func(origin string) bool
	Metrics       *metrics.Metrics
}

type Server struct {
	coord *coordinator.Coordinator
	relay *relay.Relay
	opts  Options

	mu    sync.Mutex
	conns map[string]*conn
}

func New(coord *coordinator.Coordinator, rl *relay.Relay, opts Options) *Server {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = health.DefaultInterval
	}
	if opts.HeartbeatMissLimit <= 0 {
		opts.HeartbeatMissLimit = health.DefaultMissLimit
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = defaultPingTimeout
	}
	return &Server{
		coord: coord,
		relay: rl,
		opts:  opts,
		conns: make(map[string]*conn),
	}
}

// Handler returns the HTTP routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /rpc/createGame", s.handleCreateGame)
	mux.HandleFunc("POST /rpc/getGameState", s.handleGetGameState)
	mux.HandleFunc("POST /rpc/move", s.handleMove)
	mux.HandleFunc("POST /rpc/history", s.handleHistory)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", s.opts.Metrics.Handler())
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /ws/{connId}/health", s.handleConnHealth)
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	n := len(s.conns)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "connections": n})
}

func (s *Server) handleConnHealth(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("connId")
	reading, ok := s.Health(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, roomdto.ErrorResponse{Error: roomdto.DomainError{
			Code:    roomdto.CodeConnectionNotFound,
			Message: "connection not found",
		}})
		return
	}
	writeJSON(w, http.StatusOK, roomdto.ConnectionHealth{
		ConnID:   id,
		Measured: reading.Measured,
		RTTMs:    reading.RTT.Milliseconds(),
		Tier:     reading.Tier.String(),
		Bars:     reading.Tier.Bars(),
		Misses:   reading.Misses,
	})
}

func (s *Server) track(c *conn) {
	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()
	s.opts.Metrics.IncConnections()
}

func (s *Server) untrack(c *conn) {
	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()
	s.opts.Metrics.DecConnections()
}

// Health returns the latest heartbeat reading of a connection.
func (s *Server) Health(connID string) (health.Reading, bool) {
	s.mu.Lock()
	c, ok := s.conns[connID]
	s.mu.Unlock()
	if !ok {
		return health.Reading{}, false
	}
	return c.monitor.Snapshot(), true
}

// CloseConnections ends every WebSocket connection, used on shutdown since
// http.Server.Shutdown does not touch hijacked connections.
func (s *Server) CloseConnections(ctx context.Context) {
	s.mu.Lock()
	list := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		list = append(list, c)
	}
	s.mu.Unlock()
	for _, c := range list {
		c.close("server shutdown")
	}
	for {
		s.mu.Lock()
		n := len(s.conns)
		s.mu.Unlock()
		if n == 0 {
			return
		}
		select {
		case <-ctx.Done():
			obslog.L().Warn("ws_shutdown_incomplete", zap.Int("remaining", n))
			return
		case <-time.After(20 * time.Millisecond):
		}
	}
}
