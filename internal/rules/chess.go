package rules

import (
	"fmt"
	"strings"

	nchess "github.com/corentings/chess/v2"
)

// fiftyMoveHalfMoves is the halfmove clock at which the game counts as drawn.
const fiftyMoveHalfMoves = 100

// ChessOracle implements Oracle on top of corentings/chess. It keeps no
// state between calls; every call rebuilds the game from the FEN.
type ChessOracle struct{}

func NewChessOracle() *ChessOracle { return &ChessOracle{} }

func (o *ChessOracle) Initial() Position {
	return Position{FEN: nchess.NewGame().FEN()}
}

func (o *ChessOracle) Apply(pos Position, mv Move) (Position, Applied, error) {
	game, err := loadGame(pos.FEN)
	if err != nil {
		return Position{}, Applied{}, err
	}
	if !mv.From.Valid() || !mv.To.Valid() {
		return Position{}, Applied{}, fmt.Errorf("%w: %w: %s", ErrRejected, ErrBadSquare, mv)
	}

	before := game.Position()
	mv = normalizePromotion(before.Board(), mv)
	uci := mv.UCI()
	if err := game.PushNotationMove(uci, nchess.UCINotation{}, nil); err != nil {
		return Position{}, Applied{}, fmt.Errorf("%w: %s: %v", ErrRejected, uci, err)
	}

	moves := game.Moves()
	if len(moves) == 0 {
		return Position{}, Applied{}, fmt.Errorf("%w: %s", ErrRejected, uci)
	}
	last := moves[len(moves)-1]
	applied := Applied{
		Move: mv,
		UCI:  uci,
		SAN:  nchess.AlgebraicNotation{}.Encode(before, last),
	}
	next := Position{FEN: game.FEN()}
	return next, applied, nil
}

func (o *ChessOracle) Status(pos Position) (Status, error) {
	game, err := loadGame(pos.FEN)
	if err != nil {
		return Status{}, err
	}
	return statusOf(game)
}

// StatusAfter replays moves from the starting position and reports the
// status of the result, including draws that depend on earlier positions.
func (o *ChessOracle) StatusAfter(moves []Move) (Status, error) {
	game := nchess.NewGame()
	for _, mv := range moves {
		if err := game.PushNotationMove(mv.UCI(), nchess.UCINotation{}, nil); err != nil {
			return Status{}, fmt.Errorf("%w: replay %s: %v", ErrMalformedPosition, mv, err)
		}
	}
	st, err := statusOf(game)
	if err != nil || st.GameOver() {
		return st, err
	}
	for _, m := range game.EligibleDraws() {
		if m == nchess.ThreefoldRepetition {
			st.Draw = true
			st.Reason = "threefold repetition"
		}
	}
	return st, nil
}

func statusOf(game *nchess.Game) (Status, error) {
	pos := game.Position()
	check, err := inCheck(pos)
	if err != nil {
		return Status{}, err
	}
	st := Status{Check: check}

	switch pos.Status() {
	case nchess.Checkmate:
		st.Check = true
		st.Checkmate = true
		st.Reason = "checkmate"
		st.Winner = fromChessColor(pos.Turn()).Opponent()
		return st, nil
	case nchess.Stalemate:
		st.Stalemate = true
		st.Draw = true
		st.Reason = "stalemate"
		return st, nil
	}

	switch {
	case game.Method() == nchess.InsufficientMaterial:
		st.Draw = true
		st.Reason = "insufficient material"
	case pos.HalfMoveClock() >= fiftyMoveHalfMoves:
		st.Draw = true
		st.Reason = "fifty-move rule"
	case game.Outcome() == nchess.Draw:
		st.Draw = true
		st.Reason = strings.ToLower(game.Method().String())
	}
	return st, nil
}

// inCheck reports whether the side to move is attacked. The FEN carries no
// check flag, so the position is handed to the opponent and searched for a
// move onto the king.
func inCheck(pos *nchess.Position) (bool, error) {
	board := pos.Board()
	king := nchess.NewPiece(nchess.King, pos.Turn())
	kingSq := nchess.NoSquare
	for sq, p := range board.SquareMap() {
		if p == king {
			kingSq = sq
			break
		}
	}
	if kingSq == nchess.NoSquare {
		return false, nil
	}
	other := "w"
	if pos.Turn() == nchess.White {
		other = "b"
	}
	fields := strings.Fields(pos.String())
	if len(fields) != 6 {
		return false, fmt.Errorf("%w: fen %q", ErrMalformedPosition, pos.String())
	}
	fields[1], fields[3] = other, "-"
	option, err := nchess.FEN(strings.Join(fields, " "))
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrMalformedPosition, err)
	}
	for _, m := range nchess.NewGame(option).ValidMoves() {
		if m.S2() == kingSq {
			return true, nil
		}
	}
	return false, nil
}

func fromChessColor(c nchess.Color) Color {
	switch c {
	case nchess.White:
		return White
	case nchess.Black:
		return Black
	default:
		return NoColor
	}
}

func loadGame(fen string) (*nchess.Game, error) {
	fen = strings.TrimSpace(fen)
	if fen == "" {
		return nil, fmt.Errorf("%w: empty fen", ErrMalformedPosition)
	}
	option, err := nchess.FEN(fen)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPosition, err)
	}
	return nchess.NewGame(option), nil
}

// normalizePromotion defaults a pawn reaching the last rank to a queen and
// drops a promotion choice on any other move.
func normalizePromotion(board *nchess.Board, mv Move) Move {
	piece := board.Piece(toChessSquare(mv.From))
	lastRank := (piece.Color() == nchess.White && mv.To.Rank() == Rank8) ||
		(piece.Color() == nchess.Black && mv.To.Rank() == Rank1)
	if piece.Type() != nchess.Pawn || !lastRank {
		mv.Promotion = NoPromotion
		return mv
	}
	if mv.Promotion == NoPromotion {
		mv.Promotion = Queen
	}
	return mv
}

func toChessSquare(s Square) nchess.Square {
	return nchess.NewSquare(nchess.File(s.File()), nchess.Rank(s.Rank()))
}
