package rules

import (
	"sync"

	nchess "github.com/corentings/chess/v2"
	"github.com/corentings/chess/v2/opening"
)

var (
	ecoOnce sync.Once
	ecoBook *opening.BookECO
)

// Opening names the ECO opening reached by playing moves from the starting
// position. Moves after the first illegal one are ignored. Empty strings mean
// no known opening.
func (o *ChessOracle) Opening(moves []Move) (code, title string) {
	game := nchess.NewGame()
	for _, mv := range moves {
		if err := game.PushNotationMove(mv.UCI(), nchess.UCINotation{}, nil); err != nil {
			break
		}
	}
	ecoOnce.Do(func() { ecoBook = opening.NewBookECO() })
	if ecoBook == nil {
		return "", ""
	}
	if eco := ecoBook.Find(game.Moves()); eco != nil {
		return eco.Code(), eco.Title()
	}
	return "", ""
}
