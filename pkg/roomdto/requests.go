package roomdto

type CreateGameRequest struct {
	RoomID string `json:"roomId"`
}

type GetGameStateRequest struct {
	RoomID string `json:"roomId"`
}

// MoveRequest carries a move in square notation. ConnID names the real-time
// connection that made the move so it can be left out of the broadcast.
type MoveRequest struct {
	RoomID    string `json:"roomId"`
	From      string `json:"from"`
	To        string `json:"to"`
	Promotion string `json:"promotion,omitempty"`
	ConnID    string `json:"connId,omitempty"`
}

type HistoryRequest struct {
	RoomID string `json:"roomId"`
}

// GameStateResponse answers createGame, getGameState and move.
type GameStateResponse struct {
	RoomID   string       `json:"roomId"`
	Position PositionView `json:"position"`
}

type HistoryResponse struct {
	RoomID  string       `json:"roomId"`
	Moves   []MoveView   `json:"moves"`
	Opening *OpeningView `json:"opening,omitempty"`
}
