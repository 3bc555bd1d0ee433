package game

import (
	"context"
	"sync"
	"time"

	"github.com/park285/cheese-rooms/internal/rules"
)

type HistoryEntry struct {
	Move rules.Move `json:"-"`
	UCI  string     `json:"uci"`
	SAN  string     `json:"san"`
	FEN  string     `json:"fen"`
	At   time.Time  `json:"at"`
}

type Snapshot struct {
	RoomID    string
	Position  rules.Position
	History   []HistoryEntry
	CreatedAt time.Time
}

// Session holds one room's canonical position and its move history.
//
// Current, History and Snapshot are safe at any time. Apply is not: callers
// must hold the room slot (Acquire/Release) around it.
type Session struct {
	id        string
	createdAt time.Time
	oracle    rules.Oracle
	now       func() time.Time

	// slot serializes move application for this room only.
	slot chan struct{}

	mu         sync.RWMutex
	position   rules.Position
	history    []HistoryEntry
	lastActive time.Time
	broken     error
}

func newSession(id string, oracle rules.Oracle, now func() time.Time) *Session {
	created := now()
	return &Session{
		id:         id,
		createdAt:  created,
		oracle:     oracle,
		now:        now,
		slot:       make(chan struct{}, 1),
		position:   oracle.Initial(),
		history:    []HistoryEntry{},
		lastActive: created,
	}
}

func (s *Session) ID() string           { return s.id }
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Acquire takes the room's exclusive move slot, giving up if ctx ends first.
func (s *Session) Acquire(ctx context.Context) error {
	select {
	case s.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) Release() {
	select {
	case <-s.slot:
	default:
	}
}

func (s *Session) Current() rules.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.position
}

func (s *Session) History() []HistoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]HistoryEntry(nil), s.history...)
}

func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		RoomID:    s.id,
		Position:  s.position,
		History:   append([]HistoryEntry(nil), s.history...),
		CreatedAt: s.createdAt,
	}
}

// Status asks the oracle about terminal state for the current position.
func (s *Session) Status() (rules.Status, error) {
	return s.StatusOf(s.Snapshot())
}

// StatusOf judges snap. Oracles that understand history also see the moves
// that led to it.
func (s *Session) StatusOf(snap Snapshot) (rules.Status, error) {
	ho, ok := s.oracle.(rules.HistoryOracle)
	if !ok {
		return s.oracle.Status(snap.Position)
	}
	moves := make([]rules.Move, len(snap.History))
	for i, h := range snap.History {
		moves[i] = h.Move
	}
	return ho.StatusAfter(moves)
}

func (s *Session) LastActive() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActive
}

func (s *Session) Broken() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.broken
}

// MarkBroken disables further moves on this room only.
func (s *Session) MarkBroken(err error) {
	s.mu.Lock()
	if s.broken == nil {
		s.broken = err
	}
	s.mu.Unlock()
}

// Apply validates mv against the current position and commits the result.
// A rejected move leaves position and history untouched.
func (s *Session) Apply(mv rules.Move) (rules.Position, rules.Applied, error) {
	cur := s.Current()
	next, applied, err := s.oracle.Apply(cur, mv)
	if err != nil {
		return cur, rules.Applied{}, err
	}

	now := s.now()
	s.mu.Lock()
	s.position = next
	s.history = append(s.history, HistoryEntry{
		Move: applied.Move,
		UCI:  applied.UCI,
		SAN:  applied.SAN,
		FEN:  next.FEN,
		At:   now,
	})
	s.lastActive = now
	s.mu.Unlock()
	return next, applied, nil
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	if now.After(s.lastActive) {
		s.lastActive = now
	}
	s.mu.Unlock()
}
