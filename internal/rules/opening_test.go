package rules

import (
	"strings"
	"testing"
)

func TestOpeningRuyLopez(t *testing.T) {
	o := NewChessOracle()
	var moves []Move
	for _, m := range [][2]string{{"e2", "e4"}, {"e7", "e5"}, {"g1", "f3"}, {"b8", "c6"}, {"f1", "b5"}} {
		moves = append(moves, mustMove(t, m[0], m[1], ""))
	}
	code, title := o.Opening(moves)
	if !strings.HasPrefix(code, "C") || !strings.Contains(title, "Ruy Lopez") {
		t.Fatalf("Opening = %q %q", code, title)
	}
}

func TestOpeningEmpty(t *testing.T) {
	if code, _ := NewChessOracle().Opening(nil); code != "" {
		t.Fatalf("expected no opening for an empty game, got %q", code)
	}
}
