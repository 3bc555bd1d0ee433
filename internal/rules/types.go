package rules

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrRejected is returned when the oracle refuses a move.
	ErrRejected = errors.New("move rejected")
	// ErrMalformedPosition is returned when a canonical position cannot be parsed.
	ErrMalformedPosition = errors.New("malformed position")
	// ErrBadSquare is returned by ParseSquare for text outside a1..h8.
	ErrBadSquare = errors.New("malformed square")
)

type Color uint8

const (
	NoColor Color = iota
	White
	Black
)

func (c Color) String() string {
	switch c {
	case White:
		return "white"
	case Black:
		return "black"
	default:
		return ""
	}
}

func (c Color) Opponent() Color {
	switch c {
	case White:
		return Black
	case Black:
		return White
	default:
		return NoColor
	}
}

type File int8

// Rank is a board row, 1..8 stored as 0..7.
type Rank int8

const (
	FileA File = iota
	FileB
	FileC
	FileD
	FileE
	FileF
	FileG
	FileH
)

const (
	Rank1 Rank = iota
	Rank2
	Rank3
	Rank4
	Rank5
	Rank6
	Rank7
	Rank8
)

// Square is one of the 64 board squares. The zero value is not a valid
// square; use ParseSquare or NewSquare.
type Square struct {
	file  File
	rank  Rank
	valid bool
}

func NewSquare(f File, r Rank) Square {
	if f < FileA || f > FileH || r < Rank1 || r > Rank8 {
		return Square{}
	}
	return Square{file: f, rank: r, valid: true}
}

func ParseSquare(s string) (Square, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) != 2 {
		return Square{}, fmt.Errorf("%w: %q", ErrBadSquare, s)
	}
	f := File(s[0] - 'a')
	r := Rank(s[1] - '1')
	sq := NewSquare(f, r)
	if !sq.Valid() {
		return Square{}, fmt.Errorf("%w: %q", ErrBadSquare, s)
	}
	return sq, nil
}

func (s Square) Valid() bool { return s.valid }
func (s Square) File() File  { return s.file }
func (s Square) Rank() Rank  { return s.rank }

func (s Square) String() string {
	if !s.valid {
		return "-"
	}
	return string([]byte{byte('a' + s.file), byte('1' + s.rank)})
}

// PieceKind is a promotion choice. NoPromotion lets the oracle pick a queen
// when a pawn reaches the last rank.
type PieceKind uint8

const (
	NoPromotion PieceKind = iota
	Knight
	Bishop
	Rook
	Queen
)

// ParsePieceKind accepts a letter ("q") or a name ("queen"); empty text is NoPromotion.
func ParsePieceKind(s string) (PieceKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return NoPromotion, nil
	case "q", "queen":
		return Queen, nil
	case "r", "rook":
		return Rook, nil
	case "b", "bishop":
		return Bishop, nil
	case "n", "knight":
		return Knight, nil
	default:
		return NoPromotion, fmt.Errorf("%w: unknown promotion %q", ErrRejected, s)
	}
}

func (k PieceKind) letter() string {
	switch k {
	case Queen:
		return "q"
	case Rook:
		return "r"
	case Bishop:
		return "b"
	case Knight:
		return "n"
	default:
		return ""
	}
}

type Move struct {
	From      Square
	To        Square
	Promotion PieceKind
}

func ParseMove(from, to, promotion string) (Move, error) {
	f, err := ParseSquare(from)
	if err != nil {
		return Move{}, err
	}
	t, err := ParseSquare(to)
	if err != nil {
		return Move{}, err
	}
	p, err := ParsePieceKind(promotion)
	if err != nil {
		return Move{}, err
	}
	return Move{From: f, To: t, Promotion: p}, nil
}

// UCI renders the move in long algebraic form, e.g. "e7e8q".
func (m Move) UCI() string {
	return m.From.String() + m.To.String() + m.Promotion.letter()
}

func (m Move) String() string { return m.UCI() }

// Position is the canonical, fully reconstructible game state. The FEN is
// all of it; check and terminal flags are derived from it by the oracle.
type Position struct {
	FEN string `json:"fen"`
}

func (p Position) Turn() Color {
	fields := strings.Fields(p.FEN)
	if len(fields) < 2 {
		return NoColor
	}
	switch fields[1] {
	case "w":
		return White
	case "b":
		return Black
	default:
		return NoColor
	}
}

type Applied struct {
	Move Move
	UCI  string
	SAN  string
}

// Status answers terminal-state queries for display collaborators.
type Status struct {
	Check     bool
	Checkmate bool
	Stalemate bool
	Draw      bool
	Reason    string
	Winner    Color
}

func (s Status) GameOver() bool { return s.Checkmate || s.Draw }

// Oracle is the external rules capability: full legality and terminal-state
// detection. Implementations must be safe for concurrent use.
type Oracle interface {
	Initial() Position
	Apply(pos Position, mv Move) (Position, Applied, error)
	Status(pos Position) (Status, error)
}

// HistoryOracle also judges draws that depend on earlier positions, such as
// threefold repetition. moves are replayed from Initial.
type HistoryOracle interface {
	Oracle
	StatusAfter(moves []Move) (Status, error)
}
