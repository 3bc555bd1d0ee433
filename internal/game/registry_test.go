package game

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/park285/cheese-rooms/internal/rules"
)

func newTestRegistry(t *testing.T, opts Options) *Registry {
	t.Helper()
	return NewRegistry(rules.NewChessOracle(), opts)
}

func move(t *testing.T, from, to string) rules.Move {
	t.Helper()
	mv, err := rules.ParseMove(from, to, "")
	if err != nil {
		t.Fatalf("ParseMove: %v", err)
	}
	return mv
}

func TestEnsureIsIdempotent(t *testing.T) {
	r := newTestRegistry(t, Options{})
	s1, created, err := r.Ensure("r1")
	if err != nil || !created {
		t.Fatalf("first Ensure: created=%v err=%v", created, err)
	}
	if _, _, err := s1.Apply(move(t, "e2", "e4")); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	s2, created, err := r.Ensure("r1")
	if err != nil || created {
		t.Fatalf("second Ensure: created=%v err=%v", created, err)
	}
	if s1 != s2 {
		t.Fatalf("expected the same session instance")
	}
	if len(s2.History()) != 1 {
		t.Fatalf("second Ensure reset state: history=%d", len(s2.History()))
	}
	if r.Len() != 1 {
		t.Fatalf("expected one room, got %d", r.Len())
	}
}

func TestEnsureRejectsEmptyID(t *testing.T) {
	r := newTestRegistry(t, Options{})
	if _, _, err := r.Ensure("  "); !errors.Is(err, ErrInvalidRoomID) {
		t.Fatalf("expected ErrInvalidRoomID, got %v", err)
	}
}

func TestGetUnknownRoom(t *testing.T) {
	r := newTestRegistry(t, Options{})
	if _, err := r.Get("unknown-room"); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("expected ErrRoomNotFound, got %v", err)
	}
}

func TestGetReturnsStartingPosition(t *testing.T) {
	o := rules.NewChessOracle()
	r := NewRegistry(o, Options{})
	if _, _, err := r.Ensure("r1"); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	s, err := r.Get("r1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if s.Current() != o.Initial() {
		t.Fatalf("expected starting position, got %+v", s.Current())
	}
}

func TestConcurrentEnsureDistinctRooms(t *testing.T) {
	r := newTestRegistry(t, Options{Shards: 4})
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("room-%d", i%16)
			if _, _, err := r.Ensure(id); err != nil {
				t.Errorf("Ensure(%s): %v", id, err)
			}
			if _, err := r.Get(id); err != nil {
				t.Errorf("Get(%s): %v", id, err)
			}
		}(i)
	}
	wg.Wait()
	if r.Len() != 16 {
		t.Fatalf("expected 16 rooms, got %d", r.Len())
	}
}

func TestCapacityCap(t *testing.T) {
	r := newTestRegistry(t, Options{MaxRooms: 2})
	for _, id := range []string{"a", "b"} {
		if _, _, err := r.Ensure(id); err != nil {
			t.Fatalf("Ensure(%s): %v", id, err)
		}
	}
	if _, _, err := r.Ensure("c"); !errors.Is(err, ErrRegistryFull) {
		t.Fatalf("expected ErrRegistryFull, got %v", err)
	}
	if _, _, err := r.Ensure("a"); err != nil {
		t.Fatalf("existing room must stay reachable at capacity: %v", err)
	}
	r.Close("a")
	if _, _, err := r.Ensure("c"); err != nil {
		t.Fatalf("Ensure after Close: %v", err)
	}
}

func TestSweepEvictsIdleRooms(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	var evicted []string
	r := newTestRegistry(t, Options{
		IdleTTL: time.Minute,
		Now:     clock,
		OnEvict: func(id string) { evicted = append(evicted, id) },
	})
	if _, _, err := r.Ensure("old"); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	now = now.Add(50 * time.Second)
	if _, _, err := r.Ensure("fresh"); err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	if n := r.Sweep(now.Add(20 * time.Second)); n != 1 {
		t.Fatalf("expected 1 eviction, got %d", n)
	}
	if _, err := r.Get("old"); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("old room should be gone, got %v", err)
	}
	if _, err := r.Get("fresh"); err != nil {
		t.Fatalf("fresh room should remain: %v", err)
	}
	if len(evicted) != 1 || evicted[0] != "old" {
		t.Fatalf("unexpected eviction callbacks: %v", evicted)
	}
}

func TestSweepSkipsRoomWithMoveInFlight(t *testing.T) {
	now := time.Now()
	r := newTestRegistry(t, Options{IdleTTL: time.Second, Now: func() time.Time { return now }})
	s, _, _ := r.Ensure("busy")
	if err := s.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer s.Release()
	if n := r.Sweep(now.Add(time.Hour)); n != 0 {
		t.Fatalf("expected busy room to survive, removed %d", n)
	}
}

func TestSweepDisabledWithoutTTL(t *testing.T) {
	r := newTestRegistry(t, Options{})
	_, _, _ = r.Ensure("r1")
	if n := r.Sweep(time.Now().Add(24 * time.Hour)); n != 0 {
		t.Fatalf("expected no eviction without TTL, got %d", n)
	}
}
