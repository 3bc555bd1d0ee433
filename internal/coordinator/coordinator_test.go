package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/park285/cheese-rooms/internal/archive"
	"github.com/park285/cheese-rooms/internal/game"
	"github.com/park285/cheese-rooms/internal/relay"
	"github.com/park285/cheese-rooms/internal/rules"
	"github.com/park285/cheese-rooms/pkg/roomdto"
)

type published struct {
	room   string
	ev     roomdto.Event
	origin string
}

type recorder struct {
	mu     sync.Mutex
	events []published
}

func (r *recorder) Publish(_ context.Context, roomID string, ev any, origin string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, published{room: roomID, ev: ev.(roomdto.Event), origin: origin})
	return nil
}

func (r *recorder) all() []published {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]published(nil), r.events...)
}

func mv(t *testing.T, from, to string) rules.Move {
	t.Helper()
	m, err := rules.ParseMove(from, to, "")
	if err != nil {
		t.Fatalf("ParseMove: %v", err)
	}
	return m
}

func setup(t *testing.T, oracle rules.Oracle) (*Coordinator, *recorder) {
	t.Helper()
	if oracle == nil {
		oracle = rules.NewChessOracle()
	}
	rec := &recorder{}
	return New(game.NewRegistry(oracle, game.Options{}), rec, Options{}), rec
}

func TestCreateThenStateReturnsStart(t *testing.T) {
	c, _ := setup(t, nil)
	created, err := c.Create("r1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, err := c.State("r1")
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if got != created || got.FEN != rules.NewChessOracle().Initial().FEN || got.Turn != "white" || got.MoveCount != 0 {
		t.Fatalf("unexpected start state %+v", got)
	}
}

func TestCreateDoesNotReset(t *testing.T) {
	c, _ := setup(t, nil)
	_, _ = c.Create("r1")
	if _, err := c.Move(context.Background(), MoveRequest{RoomID: "r1", Move: mv(t, "e2", "e4")}); err != nil {
		t.Fatalf("Move: %v", err)
	}
	again, err := c.Create("r1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if again.MoveCount != 1 || again.Turn != "black" {
		t.Fatalf("second create reset the game: %+v", again)
	}
}

func TestUnknownRoom(t *testing.T) {
	c, rec := setup(t, nil)
	if _, err := c.State("nope"); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("State: expected ErrRoomNotFound, got %v", err)
	}
	if _, err := c.Move(context.Background(), MoveRequest{RoomID: "nope", Move: mv(t, "e2", "e4")}); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("Move: expected ErrRoomNotFound, got %v", err)
	}
	if len(rec.all()) != 0 {
		t.Fatalf("unexpected broadcast")
	}
}

func TestMovePublishesAndFlipsTurn(t *testing.T) {
	c, rec := setup(t, nil)
	_, _ = c.Create("r1")
	res, err := c.Move(context.Background(), MoveRequest{RoomID: "r1", Move: mv(t, "e2", "e4"), Origin: "conn-1"})
	if err != nil {
		t.Fatalf("Move: %v", err)
	}
	if res.Position.Turn() != rules.Black || res.MoveCount != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	evs := rec.all()
	if len(evs) != 1 {
		t.Fatalf("expected one broadcast, got %d", len(evs))
	}
	if evs[0].ev.Type != roomdto.EventMove || evs[0].origin != "conn-1" || evs[0].ev.Position.FEN != res.Position.FEN {
		t.Fatalf("unexpected broadcast %+v", evs[0])
	}
	if evs[0].ev.Move.SAN != "e4" {
		t.Fatalf("unexpected move view %+v", evs[0].ev.Move)
	}
}

func TestInvalidMoveLeavesStateAndIsSilent(t *testing.T) {
	c, rec := setup(t, nil)
	before, _ := c.Create("r1")
	_, err := c.Move(context.Background(), MoveRequest{RoomID: "r1", Move: mv(t, "e2", "e5")})
	if !errors.Is(err, ErrInvalidMove) {
		t.Fatalf("expected ErrInvalidMove, got %v", err)
	}
	after, _ := c.State("r1")
	if after != before {
		t.Fatalf("state changed after invalid move")
	}
	if len(rec.all()) != 0 {
		t.Fatalf("invalid move was broadcast")
	}
}

func TestConcurrentSameMoveCommitsOnce(t *testing.T) {
	c, rec := setup(t, nil)
	_, _ = c.Create("r1")

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	start := make(chan struct{})
	e4 := mv(t, "e2", "e4")
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := c.Move(context.Background(), MoveRequest{RoomID: "r1", Move: e4})
			errs <- err
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	var ok, invalid int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrInvalidMove):
			invalid++
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	if ok != 1 || invalid != n-1 {
		t.Fatalf("expected exactly one commit, got ok=%d invalid=%d", ok, invalid)
	}
	h, _ := c.History("r1")
	if len(h) != 1 {
		t.Fatalf("history length %d, want 1", len(h))
	}
	if len(rec.all()) != 1 {
		t.Fatalf("expected one broadcast, got %d", len(rec.all()))
	}
}

func TestReplayEquivalence(t *testing.T) {
	c, _ := setup(t, nil)
	_, _ = c.Create("r1")
	seq := [][2]string{{"e2", "e4"}, {"e7", "e5"}, {"g1", "f3"}, {"b8", "c6"}, {"f1", "b5"}, {"a7", "a6"}}
	for _, m := range seq {
		if _, err := c.Move(context.Background(), MoveRequest{RoomID: "r1", Move: mv(t, m[0], m[1])}); err != nil {
			t.Fatalf("Move %v: %v", m, err)
		}
	}

	o := rules.NewChessOracle()
	pos := o.Initial()
	h, _ := c.History("r1")
	for _, entry := range h {
		var err error
		pos, _, err = o.Apply(pos, entry.Move)
		if err != nil {
			t.Fatalf("replay %s: %v", entry.UCI, err)
		}
	}
	cur, _ := c.State("r1")
	if pos.FEN != cur.FEN {
		t.Fatalf("replay diverged:\n got %s\nwant %s", pos.FEN, cur.FEN)
	}
}

type fakeArchiver struct {
	got chan archive.Record
}

func (f *fakeArchiver) SaveResult(_ context.Context, rec archive.Record) error {
	f.got <- rec
	return nil
}

func TestCheckmateAnnouncesAndArchives(t *testing.T) {
	arch := &fakeArchiver{got: make(chan archive.Record, 1)}
	rec := &recorder{}
	c := New(game.NewRegistry(rules.NewChessOracle(), game.Options{}), rec, Options{Archiver: arch})
	_, _ = c.Create("r1")
	var last Result
	for _, m := range [][2]string{{"f2", "f3"}, {"e7", "e5"}, {"g2", "g4"}, {"d8", "h4"}} {
		var err error
		last, err = c.Move(context.Background(), MoveRequest{RoomID: "r1", Move: mv(t, m[0], m[1]), Origin: "black-conn"})
		if err != nil {
			t.Fatalf("Move %v: %v", m, err)
		}
	}
	if !last.View().Checkmate || !last.View().GameOver || last.View().Winner != "black" {
		t.Fatalf("expected checkmate view, got %+v", last.View())
	}
	evs := rec.all()
	final := evs[len(evs)-1]
	if final.ev.Type != roomdto.EventGameOver || final.origin != "" {
		t.Fatalf("expected game-over to everyone, got %+v", final)
	}

	c.Wait()
	select {
	case r := <-arch.got:
		if r.Result != "black" || len(r.MovesSAN) != 4 || !strings.HasPrefix(r.MovesSAN[3], "Qh4") || r.GameID == "" {
			t.Fatalf("unexpected archive record %+v", r)
		}
	case <-time.After(time.Second):
		t.Fatalf("archiver not called")
	}
}

// brokenOracle reports a malformed position for any move starting on a2.
type brokenOracle struct {
	rules.Oracle
}

func (b brokenOracle) Apply(pos rules.Position, m rules.Move) (rules.Position, rules.Applied, error) {
	if m.From.String() == "a2" {
		return rules.Position{}, rules.Applied{}, rules.ErrMalformedPosition
	}
	return b.Oracle.Apply(pos, m)
}

func TestMalformedStateIsolatesRoom(t *testing.T) {
	c, rec := setup(t, brokenOracle{rules.NewChessOracle()})
	_, _ = c.Create("bad")
	_, _ = c.Create("good")

	if _, err := c.Move(context.Background(), MoveRequest{RoomID: "bad", Move: mv(t, "a2", "a3")}); !errors.Is(err, ErrMalformedState) {
		t.Fatalf("expected ErrMalformedState, got %v", err)
	}
	if _, err := c.Move(context.Background(), MoveRequest{RoomID: "bad", Move: mv(t, "e2", "e4")}); !errors.Is(err, ErrMalformedState) {
		t.Fatalf("broken room accepted a move: %v", err)
	}
	if _, err := c.State("bad"); !errors.Is(err, ErrMalformedState) {
		t.Fatalf("State on broken room: %v", err)
	}
	if _, err := c.Move(context.Background(), MoveRequest{RoomID: "good", Move: mv(t, "e2", "e4")}); err != nil {
		t.Fatalf("other room affected: %v", err)
	}
	for _, p := range rec.all() {
		if p.room == "bad" {
			t.Fatalf("broken room published %+v", p)
		}
	}
}

func TestMoveWaitingRespectsContext(t *testing.T) {
	reg := game.NewRegistry(rules.NewChessOracle(), game.Options{})
	c := New(reg, nil, Options{})
	_, _ = c.Create("r1")
	sess, _ := reg.Get("r1")
	if err := sess.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer sess.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Move(ctx, MoveRequest{RoomID: "r1", Move: mv(t, "e2", "e4")})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
	if len(sess.History()) != 0 {
		t.Fatalf("cancelled move touched state")
	}
}

type frameSub struct {
	id string
	mu sync.Mutex
	n  []roomdto.Event
}

func (f *frameSub) ID() string { return f.id }

func (f *frameSub) Send(_ context.Context, frame []byte) error {
	var ev roomdto.Event
	if err := json.Unmarshal(frame, &ev); err != nil {
		return err
	}
	f.mu.Lock()
	f.n = append(f.n, ev)
	f.mu.Unlock()
	return nil
}

func (f *frameSub) events() []roomdto.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]roomdto.Event(nil), f.n...)
}

func TestJoinedConnectionsReceiveOneBroadcast(t *testing.T) {
	rl, err := relay.New(context.Background(), nil, relay.Options{})
	if err != nil {
		t.Fatalf("relay.New: %v", err)
	}
	c := New(game.NewRegistry(rules.NewChessOracle(), game.Options{}), rl, Options{})
	_, _ = c.Create("r1")

	a, b := &frameSub{id: "a"}, &frameSub{id: "b"}
	_ = rl.Join(a, "r1")
	_ = rl.Join(b, "r1")

	if _, err := c.Move(context.Background(), MoveRequest{RoomID: "r1", Move: mv(t, "e2", "e4"), Origin: "third"}); err != nil {
		t.Fatalf("Move: %v", err)
	}
	for _, s := range []*frameSub{a, b} {
		evs := s.events()
		if len(evs) != 1 || evs[0].Type != roomdto.EventMove || evs[0].Position.Turn != "black" {
			t.Fatalf("%s received %+v", s.id, evs)
		}
	}
}

func TestOpeningFromHistory(t *testing.T) {
	oracle := rules.NewChessOracle()
	c := New(game.NewRegistry(oracle, game.Options{}), nil, Options{Openings: oracle})
	_, _ = c.Create("r1")
	for _, m := range [][2]string{{"e2", "e4"}, {"e7", "e5"}, {"g1", "f3"}, {"b8", "c6"}, {"f1", "b5"}} {
		if _, err := c.Move(context.Background(), MoveRequest{RoomID: "r1", Move: mv(t, m[0], m[1])}); err != nil {
			t.Fatalf("Move %v: %v", m, err)
		}
	}
	h, _ := c.History("r1")
	if _, title := c.Opening(h); !strings.Contains(title, "Ruy Lopez") {
		t.Fatalf("unexpected opening %q", title)
	}
	if code, _ := New(game.NewRegistry(oracle, game.Options{}), nil, Options{}).Opening(h); code != "" {
		t.Fatalf("opening without namer should be empty")
	}
}

// gatedPublisher holds the first Publish call until gate is closed.
type gatedPublisher struct {
	recorder
	once    sync.Once
	entered chan struct{}
	gate    chan struct{}
}

func (g *gatedPublisher) Publish(ctx context.Context, roomID string, ev any, origin string) error {
	g.once.Do(func() {
		close(g.entered)
		<-g.gate
	})
	return g.recorder.Publish(ctx, roomID, ev, origin)
}

func TestBroadcastsFollowCommitOrder(t *testing.T) {
	pub := &gatedPublisher{entered: make(chan struct{}), gate: make(chan struct{})}
	c := New(game.NewRegistry(rules.NewChessOracle(), game.Options{}), pub, Options{})
	_, _ = c.Create("r1")
	e4, e5 := mv(t, "e2", "e4"), mv(t, "e7", "e5")

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := c.Move(context.Background(), MoveRequest{RoomID: "r1", Move: e4})
		errs <- err
	}()
	<-pub.entered

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := c.Move(context.Background(), MoveRequest{RoomID: "r1", Move: e5})
		errs <- err
	}()
	time.Sleep(50 * time.Millisecond)
	close(pub.gate)
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Move: %v", err)
		}
	}

	events := pub.all()
	if len(events) != 2 {
		t.Fatalf("expected two broadcasts, got %d", len(events))
	}
	if events[0].ev.Move.UCI != "e2e4" || events[1].ev.Move.UCI != "e7e5" {
		t.Fatalf("broadcast order %s, %s", events[0].ev.Move.UCI, events[1].ev.Move.UCI)
	}
	st, _ := c.State("r1")
	if events[1].ev.Position.FEN != st.FEN {
		t.Fatalf("last broadcast is stale: %q vs %q", events[1].ev.Position.FEN, st.FEN)
	}
}

func TestBusyRoomDoesNotBlockOthers(t *testing.T) {
	reg := game.NewRegistry(rules.NewChessOracle(), game.Options{})
	c := New(reg, nil, Options{})
	_, _ = c.Create("a")
	_, _ = c.Create("b")

	held, err := reg.Get("a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := held.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer held.Release()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := c.Move(ctx, MoveRequest{RoomID: "b", Move: mv(t, "e2", "e4")}); err != nil {
		t.Fatalf("move in room b waited on room a: %v", err)
	}
}

func TestThreefoldRepetitionEndsGame(t *testing.T) {
	c, rec := setup(t, nil)
	_, _ = c.Create("r1")
	shuffle := [][2]string{{"g1", "f3"}, {"g8", "f6"}, {"f3", "g1"}, {"f6", "g8"}}
	var last Result
	for i := 0; i < 2; i++ {
		for _, m := range shuffle {
			var err error
			last, err = c.Move(context.Background(), MoveRequest{RoomID: "r1", Move: mv(t, m[0], m[1])})
			if err != nil {
				t.Fatalf("Move %v: %v", m, err)
			}
		}
	}
	if !last.Status.Draw || last.Status.Reason != "threefold repetition" {
		t.Fatalf("expected threefold draw, got %+v", last.Status)
	}
	var over bool
	for _, p := range rec.all() {
		if p.ev.Type == roomdto.EventGameOver {
			over = true
		}
	}
	if !over {
		t.Fatalf("expected a game-over broadcast")
	}
}
