package archive

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestMapResultToPGN(t *testing.T) {
	cases := map[string]string{
		"white":   "1-0",
		" Black ": "0-1",
		"draw":    "1/2-1/2",
		"":        "*",
		"unknown": "*",
	}
	for in, want := range cases {
		if got := mapResultToPGN(in); got != want {
			t.Fatalf("mapResultToPGN(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestBuildPGN(t *testing.T) {
	rec := Record{
		RoomID:   `room "1"`,
		Result:   "black",
		Method:   "Checkmate",
		MovesSAN: []string{"f3", "e5", "g4", "Qh4#"},
		EndedAt:  time.Date(2026, 3, 9, 10, 0, 0, 0, time.UTC),
	}
	pgn := BuildPGN(rec, mapResultToPGN(rec.Result))
	for _, want := range []string{
		`[Site "room '1'"]`,
		`[Date "2026.03.09"]`,
		`[Termination "checkmate"]`,
		`[Result "0-1"]`,
		"1. f3 e5 2. g4 Qh4# 0-1",
	} {
		if !strings.Contains(pgn, want) {
			t.Fatalf("pgn missing %q:\n%s", want, pgn)
		}
	}
}

func TestBuildPGNOddMoveCount(t *testing.T) {
	pgn := BuildPGN(Record{MovesSAN: []string{"e4"}}, "*")
	if !strings.HasSuffix(pgn, "1. e4 *") {
		t.Fatalf("unexpected move text: %q", pgn)
	}
}

func TestNilRepositoryIsNoop(t *testing.T) {
	var r *Repository
	if err := r.SaveResult(context.Background(), Record{}); err != nil {
		t.Fatalf("SaveResult on nil: %v", err)
	}
	if err := r.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate on nil: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close on nil: %v", err)
	}
}

func TestNewRepositoryRequiresURL(t *testing.T) {
	if _, err := NewRepository("  "); err == nil {
		t.Fatalf("expected error without DATABASE_URL")
	}
}
