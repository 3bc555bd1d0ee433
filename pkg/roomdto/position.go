package roomdto

import "time"

// PositionView is the wire form of a room's position with its terminal flags.
type PositionView struct {
	FEN       string `json:"fen"`
	Turn      string `json:"turn"`
	Check     bool   `json:"check"`
	Checkmate bool   `json:"checkmate"`
	Stalemate bool   `json:"stalemate"`
	Draw      bool   `json:"draw"`
	GameOver  bool   `json:"gameOver"`
	Reason    string `json:"reason,omitempty"`
	Winner    string `json:"winner,omitempty"`
	MoveCount int    `json:"moveCount"`
}

type MoveView struct {
	UCI string    `json:"uci"`
	SAN string    `json:"san"`
	FEN string    `json:"fen"`
	At  time.Time `json:"at"`
}

// OpeningView is the ECO classification of a game's moves.
type OpeningView struct {
	Code  string `json:"code"`
	Title string `json:"title"`
}
