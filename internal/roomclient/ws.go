package roomclient

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/park285/cheese-rooms/internal/health"
	"github.com/park285/cheese-rooms/internal/obslog"
	"github.com/park285/cheese-rooms/pkg/roomdto"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "disconnected"
	}
}

type EventCallback func(ev roomdto.Event)

type StateCallback func(state State)

type callbackEntry struct {
	id       int
	callback EventCallback
}

type stateCallbackEntry struct {
	id       int
	callback StateCallback
}

var ErrNotConnected = errors.New("websocket not connected")

// link is one dialed connection. Its loops stop when ctx is cancelled, which
// happens before any redial.
type link struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
}

// WebSocket is a room channel client. It answers the server's hello, keeps
// its room subscription across reconnects and measures latency with an
// application heartbeat.
type WebSocket struct {
	wsURL string

	link   *link
	state  State
	connID string
	room   string
	stateM sync.RWMutex

	evCbs    []callbackEntry
	stateCbs []stateCallbackEntry
	nextCbID int
	cbM      sync.RWMutex

	maxReconnectAttempts int
	heartbeatInterval    time.Duration
	monitor              *health.Monitor

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	rootCtx    context.Context
	rootCancel context.CancelFunc
}

func NewWebSocket(wsURL string, maxReconnectAttempts int, heartbeat time.Duration) *WebSocket {
	if heartbeat <= 0 {
		heartbeat = health.DefaultInterval
	}
	return &WebSocket{
		wsURL:                wsURL,
		state:                StateDisconnected,
		maxReconnectAttempts: maxReconnectAttempts,
		heartbeatInterval:    heartbeat,
		monitor:              health.NewMonitor(health.DefaultMissLimit),
		stopCh:               make(chan struct{}),
	}
}

// Connect dials the server and waits for its hello so ConnID is known when
// Connect returns.
func (ws *WebSocket) Connect(ctx context.Context) error {
	ws.stateM.Lock()
	if ws.state == StateConnected || ws.state == StateConnecting {
		ws.stateM.Unlock()
		return nil
	}
	ws.stateM.Unlock()

	ws.rootCtx, ws.rootCancel = context.WithCancel(context.Background())
	ws.setState(StateConnecting)

	l, err := ws.dial(ctx)
	if err != nil {
		ws.setState(StateFailed)
		return err
	}
	ws.setState(StateConnected)
	ws.startLoops(l)
	return nil
}

func (ws *WebSocket) dial(ctx context.Context) (*link, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, ws.wsURL, &websocket.DialOptions{
		CompressionMode: websocket.CompressionNoContextTakeover,
	})
	if err != nil {
		return nil, err
	}
	var hello roomdto.Event
	if err := wsjson.Read(dialCtx, conn, &hello); err != nil {
		_ = conn.Close(websocket.StatusProtocolError, "no hello")
		return nil, err
	}
	if hello.Type != roomdto.EventHello || hello.ConnID == "" {
		_ = conn.Close(websocket.StatusProtocolError, "unexpected first frame")
		return nil, errors.New("server did not send hello")
	}

	l := &link{conn: conn}
	l.ctx, l.cancel = context.WithCancel(ws.rootCtx)

	ws.stateM.Lock()
	ws.link = l
	ws.connID = hello.ConnID
	room := ws.room
	ws.stateM.Unlock()

	if room != "" {
		if err := wsjson.Write(dialCtx, conn, roomdto.Event{Type: roomdto.EventJoinRoom, Room: room}); err != nil {
			ws.dropLink(l, websocket.StatusGoingAway, "rejoin failed")
			return nil, err
		}
	}
	return l, nil
}

func (ws *WebSocket) startLoops(l *link) {
	ws.wg.Add(2)
	go ws.listen(l)
	go ws.heartbeatLoop(l)
}

// dropLink stops l's loops and closes its socket. The current link is
// cleared only if it is still l.
func (ws *WebSocket) dropLink(l *link, code websocket.StatusCode, reason string) {
	l.cancel()
	ws.stateM.Lock()
	if ws.link == l {
		ws.link = nil
	}
	ws.stateM.Unlock()
	_ = l.conn.Close(code, reason)
}

func (ws *WebSocket) current() *link {
	ws.stateM.RLock()
	defer ws.stateM.RUnlock()
	return ws.link
}

func (ws *WebSocket) ConnID() string {
	ws.stateM.RLock()
	defer ws.stateM.RUnlock()
	return ws.connID
}

func (ws *WebSocket) State() State {
	ws.stateM.RLock()
	defer ws.stateM.RUnlock()
	return ws.state
}

func (ws *WebSocket) Health() health.Reading { return ws.monitor.Snapshot() }

// Join subscribes to room; the subscription is restored after reconnects.
func (ws *WebSocket) Join(ctx context.Context, room string) error {
	room = strings.TrimSpace(room)
	ws.stateM.Lock()
	ws.room = room
	l := ws.link
	ws.stateM.Unlock()
	if l == nil {
		return ErrNotConnected
	}
	return wsjson.Write(ctx, l.conn, roomdto.Event{Type: roomdto.EventJoinRoom, Room: room})
}

func (ws *WebSocket) listen(l *link) {
	defer ws.wg.Done()
	for {
		var ev roomdto.Event
		if err := wsjson.Read(l.ctx, l.conn, &ev); err != nil {
			ws.dropLink(l, websocket.StatusGoingAway, "reconnect")
			if ws.isStopping() {
				return
			}
			obslog.L().Debug("ws_client_read_error", zap.Error(err))
			ws.setState(StateDisconnected)
			ws.scheduleReconnect()
			return
		}

		if ev.Type == roomdto.EventPong {
			ws.monitor.Echo(time.Now())
		}

		ws.cbM.RLock()
		callbacks := make([]callbackEntry, len(ws.evCbs))
		copy(callbacks, ws.evCbs)
		ws.cbM.RUnlock()
		for _, entry := range callbacks {
			if entry.callback != nil {
				entry.callback(ev)
			}
		}
	}
}

// heartbeatLoop sends an application ping on every tick until l is dropped.
// The server echoes it as pong and listen records the round trip.
func (ws *WebSocket) heartbeatLoop(l *link) {
	defer ws.wg.Done()
	t := time.NewTicker(ws.heartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-l.ctx.Done():
			return
		case <-t.C:
		}
		now := time.Now()
		ws.monitor.Sent(now)
		ctx, cancel := context.WithTimeout(l.ctx, ws.heartbeatInterval)
		err := wsjson.Write(ctx, l.conn, roomdto.Event{Type: roomdto.EventPing, Sent: now.UnixMilli()})
		cancel()
		if err != nil && l.ctx.Err() == nil {
			obslog.L().Debug("ws_client_heartbeat_error", zap.Error(err))
		}
	}
}

// scheduleReconnect runs from listen, which is counted in wg, so the Add
// below cannot race Close.
func (ws *WebSocket) scheduleReconnect() {
	if ws.maxReconnectAttempts <= 0 {
		ws.setState(StateFailed)
		return
	}
	ws.setState(StateReconnecting)

	ws.wg.Add(1)
	go func() {
		defer ws.wg.Done()
		for attempt := 1; attempt <= ws.maxReconnectAttempts; attempt++ {
			select {
			case <-ws.stopCh:
				return
			case <-time.After(backoffDuration(attempt)):
			}
			l, err := ws.dial(ws.rootCtx)
			if err != nil {
				obslog.L().Debug("ws_client_reconnect_error", zap.Int("attempt", attempt), zap.Error(err))
				continue
			}
			if ws.isStopping() {
				ws.dropLink(l, websocket.StatusNormalClosure, "close")
				return
			}
			ws.setState(StateConnected)
			ws.startLoops(l)
			return
		}
		ws.setState(StateFailed)
	}()
}

func (ws *WebSocket) OnEvent(cb EventCallback) int {
	ws.cbM.Lock()
	defer ws.cbM.Unlock()
	ws.nextCbID++
	ws.evCbs = append(ws.evCbs, callbackEntry{id: ws.nextCbID, callback: cb})
	return ws.nextCbID
}

func (ws *WebSocket) RemoveEventCallback(id int) {
	ws.cbM.Lock()
	defer ws.cbM.Unlock()
	for i, cb := range ws.evCbs {
		if cb.id == id {
			ws.evCbs = append(ws.evCbs[:i], ws.evCbs[i+1:]...)
			break
		}
	}
}

func (ws *WebSocket) OnStateChange(cb StateCallback) int {
	ws.cbM.Lock()
	defer ws.cbM.Unlock()
	ws.nextCbID++
	ws.stateCbs = append(ws.stateCbs, stateCallbackEntry{id: ws.nextCbID, callback: cb})
	return ws.nextCbID
}

func (ws *WebSocket) setState(state State) {
	ws.stateM.Lock()
	ws.state = state
	ws.stateM.Unlock()

	ws.cbM.RLock()
	callbacks := make([]stateCallbackEntry, len(ws.stateCbs))
	copy(callbacks, ws.stateCbs)
	ws.cbM.RUnlock()
	for _, entry := range callbacks {
		if entry.callback != nil {
			entry.callback(state)
		}
	}
}

func (ws *WebSocket) Close(ctx context.Context) error {
	ws.stopOnce.Do(func() { close(ws.stopCh) })
	if l := ws.current(); l != nil {
		ws.dropLink(l, websocket.StatusNormalClosure, "close")
	}
	if ws.rootCancel != nil {
		ws.rootCancel()
	}

	done := make(chan struct{})
	go func() {
		ws.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		ws.setState(StateDisconnected)
		return nil
	}
}

func (ws *WebSocket) isStopping() bool {
	select {
	case <-ws.stopCh:
		return true
	default:
		return false
	}
}
