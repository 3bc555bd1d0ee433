package roomdto

// Real-time frame types.
const (
	EventHello    = "hello"
	EventJoinRoom = "join-room"
	EventJoined   = "joined"
	EventMove     = "move"
	EventGameOver = "game-over"
	EventPing     = "ping"
	EventPong     = "pong"
	EventError    = "error"
)

// Event is every frame on the real-time channel, in both directions.
type Event struct {
	Type     string        `json:"type"`
	Room     string        `json:"room,omitempty"`
	ConnID   string        `json:"connId,omitempty"`
	Position *PositionView `json:"position,omitempty"`
	Move     *MoveView     `json:"move,omitempty"`
	// Sent echoes the client's heartbeat timestamp (unix ms) on pong.
	Sent    int64  `json:"sent,omitempty"`
	Message string `json:"message,omitempty"`
}
