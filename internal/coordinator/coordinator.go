package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/park285/cheese-rooms/internal/archive"
	"github.com/park285/cheese-rooms/internal/game"
	"github.com/park285/cheese-rooms/internal/metrics"
	"github.com/park285/cheese-rooms/internal/obslog"
	"github.com/park285/cheese-rooms/internal/rules"
	"github.com/park285/cheese-rooms/pkg/roomdto"
	"go.uber.org/zap"
)

var (
	ErrRoomNotFound   = game.ErrRoomNotFound
	ErrInvalidMove    = errors.New("invalid move")
	ErrMalformedState = errors.New("malformed room state")
)

// Publisher delivers an event to the members of a room other than origin.
type Publisher interface {
	Publish(ctx context.Context, roomID string, ev any, origin string) error
}

// Archiver receives finished games. It sits outside the live path; failures
// are logged and never reach the player.
type Archiver interface {
	SaveResult(ctx context.Context, rec archive.Record) error
}

// OpeningNamer labels a move sequence with its ECO opening.
type OpeningNamer interface {
	Opening(moves []rules.Move) (code, title string)
}

const defaultArchiveTimeout = 5 * time.Second

type Options struct {
	Metrics        *metrics.Metrics
	Archiver       Archiver
	ArchiveTimeout time.Duration
	Openings       OpeningNamer
}

type Coordinator struct {
	registry *game.Registry
	pub      Publisher
	opts     Options

	wg sync.WaitGroup
}

func New(registry *game.Registry, pub Publisher, opts Options) *Coordinator {
	if opts.ArchiveTimeout <= 0 {
		opts.ArchiveTimeout = defaultArchiveTimeout
	}
	return &Coordinator{registry: registry, pub: pub, opts: opts}
}

// MoveRequest asks for one move in one room. Origin is the connection id of
// the requester, if it has one.
type MoveRequest struct {
	RoomID string
	Move   rules.Move
	Origin string
}

type Result struct {
	RoomID    string
	Position  rules.Position
	Status    rules.Status
	Applied   rules.Applied
	MoveCount int
}

func (r Result) View() roomdto.PositionView {
	return View(r.Position, r.Status, r.MoveCount)
}

// Create makes the room if it does not exist and returns its current state.
// Calling it for an existing room never resets the game.
func (c *Coordinator) Create(roomID string) (roomdto.PositionView, error) {
	if c == nil || c.registry == nil {
		return roomdto.PositionView{}, fmt.Errorf("coordinator not initialized")
	}
	sess, created, err := c.registry.Ensure(roomID)
	if err != nil {
		return roomdto.PositionView{}, err
	}
	if created {
		c.opts.Metrics.SetActiveRooms(c.registry.Len())
	}
	return c.view(sess)
}

func (c *Coordinator) State(roomID string) (roomdto.PositionView, error) {
	if c == nil || c.registry == nil {
		return roomdto.PositionView{}, fmt.Errorf("coordinator not initialized")
	}
	sess, err := c.registry.Get(roomID)
	if err != nil {
		return roomdto.PositionView{}, err
	}
	return c.view(sess)
}

func (c *Coordinator) History(roomID string) ([]game.HistoryEntry, error) {
	if c == nil || c.registry == nil {
		return nil, fmt.Errorf("coordinator not initialized")
	}
	sess, err := c.registry.Get(roomID)
	if err != nil {
		return nil, err
	}
	return sess.History(), nil
}

// Opening names the opening played in entries, if an OpeningNamer is set.
func (c *Coordinator) Opening(entries []game.HistoryEntry) (code, title string) {
	if c == nil || c.opts.Openings == nil || len(entries) == 0 {
		return "", ""
	}
	moves := make([]rules.Move, 0, len(entries))
	for _, h := range entries {
		moves = append(moves, h.Move)
	}
	return c.opts.Openings.Opening(moves)
}

func (c *Coordinator) view(sess *game.Session) (roomdto.PositionView, error) {
	if err := sess.Broken(); err != nil {
		return roomdto.PositionView{}, fmt.Errorf("%w: %v", ErrMalformedState, err)
	}
	snap := sess.Snapshot()
	st, err := sess.StatusOf(snap)
	if err != nil {
		c.markBroken(sess, err)
		return roomdto.PositionView{}, fmt.Errorf("%w: %v", ErrMalformedState, err)
	}
	return View(snap.Position, st, len(snap.History)), nil
}

// Move validates and commits req, then publishes it before the next move in
// the room can start. Waiting for the room honours ctx; once the move is
// committed the request is no longer cancellable.
func (c *Coordinator) Move(ctx context.Context, req MoveRequest) (Result, error) {
	if c == nil || c.registry == nil {
		return Result{}, fmt.Errorf("coordinator not initialized")
	}
	started := time.Now()

	sess, err := c.registry.Get(req.RoomID)
	if err != nil {
		c.opts.Metrics.MoveRejected("room_not_found")
		return Result{}, err
	}
	if berr := sess.Broken(); berr != nil {
		c.opts.Metrics.MoveRejected("malformed_state")
		return Result{}, fmt.Errorf("%w: %v", ErrMalformedState, berr)
	}

	if err := sess.Acquire(ctx); err != nil {
		return Result{}, err
	}
	defer sess.Release()
	res, err := c.commit(sess, req)
	if err != nil {
		return Result{}, err
	}

	c.opts.Metrics.MoveCommitted(time.Since(started))
	obslog.L().Info("move_commit",
		zap.String("room_id", res.RoomID),
		zap.String("uci", res.Applied.UCI),
		zap.String("san", res.Applied.SAN),
		zap.String("fen", res.Position.FEN),
		zap.Int("move_count", res.MoveCount),
		zap.String("origin", req.Origin),
	)

	// Announced while the slot is held so broadcasts leave in commit order.
	c.announce(context.WithoutCancel(ctx), sess, res, req.Origin)
	return res, nil
}

// commit runs with the room slot held.
func (c *Coordinator) commit(sess *game.Session, req MoveRequest) (Result, error) {
	if berr := sess.Broken(); berr != nil {
		c.opts.Metrics.MoveRejected("malformed_state")
		return Result{}, fmt.Errorf("%w: %v", ErrMalformedState, berr)
	}
	pos, applied, err := sess.Apply(req.Move)
	if err != nil {
		if errors.Is(err, rules.ErrMalformedPosition) {
			c.markBroken(sess, err)
			c.opts.Metrics.MoveRejected("malformed_state")
			return Result{}, fmt.Errorf("%w: %v", ErrMalformedState, err)
		}
		c.opts.Metrics.MoveRejected("invalid_move")
		obslog.L().Info("move_reject",
			zap.String("room_id", sess.ID()),
			zap.String("uci", req.Move.UCI()),
			zap.Error(err),
		)
		return Result{}, fmt.Errorf("%w: %v", ErrInvalidMove, err)
	}

	st, err := sess.Status()
	if err != nil {
		// The oracle just produced pos, so this only happens if it
		// disagrees with itself. Keep the commit and report no status.
		obslog.L().Error("move_status_error", zap.String("room_id", sess.ID()), zap.Error(err))
		st = rules.Status{}
	}
	return Result{
		RoomID:    sess.ID(),
		Position:  pos,
		Status:    st,
		Applied:   applied,
		MoveCount: len(sess.History()),
	}, nil
}

func (c *Coordinator) markBroken(sess *game.Session, err error) {
	sess.MarkBroken(err)
	obslog.L().Error("room_malformed_state",
		zap.String("room_id", sess.ID()),
		zap.String("fen", sess.Current().FEN),
		zap.Error(err),
	)
}

func (c *Coordinator) announce(ctx context.Context, sess *game.Session, res Result, origin string) {
	view := res.View()
	mv := roomdto.MoveView{
		UCI: res.Applied.UCI,
		SAN: res.Applied.SAN,
		FEN: res.Position.FEN,
		At:  time.Now(),
	}
	c.publish(ctx, res.RoomID, roomdto.Event{
		Type:     roomdto.EventMove,
		Room:     res.RoomID,
		Position: &view,
		Move:     &mv,
	}, origin)

	if !res.Status.GameOver() {
		return
	}
	// Every member hears about the end of the game, including the mover.
	c.publish(ctx, res.RoomID, roomdto.Event{
		Type:     roomdto.EventGameOver,
		Room:     res.RoomID,
		Position: &view,
	}, "")
	obslog.L().Info("game_over",
		zap.String("room_id", res.RoomID),
		zap.String("reason", res.Status.Reason),
		zap.String("winner", res.Status.Winner.String()),
	)
	c.archiveAsync(sess, res)
}

func (c *Coordinator) publish(ctx context.Context, roomID string, ev roomdto.Event, origin string) {
	if c.pub == nil {
		return
	}
	if err := c.pub.Publish(ctx, roomID, ev, origin); err != nil {
		obslog.L().Warn("relay_publish_error",
			zap.String("room_id", roomID),
			zap.String("type", ev.Type),
			zap.Error(err),
		)
	}
}

func (c *Coordinator) archiveAsync(sess *game.Session, res Result) {
	if c.opts.Archiver == nil {
		return
	}
	snap := sess.Snapshot()
	rec := archive.Record{
		GameID:    uuid.NewString(),
		RoomID:    res.RoomID,
		Result:    resultOf(res.Status),
		Method:    res.Status.Reason,
		FinalFEN:  res.Position.FEN,
		StartedAt: snap.CreatedAt,
		EndedAt:   time.Now(),
	}
	for _, h := range snap.History {
		rec.MovesUCI = append(rec.MovesUCI, h.UCI)
		rec.MovesSAN = append(rec.MovesSAN, h.SAN)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.ArchiveTimeout)
		defer cancel()
		if err := c.opts.Archiver.SaveResult(ctx, rec); err != nil {
			obslog.L().Error("game_archive_error", zap.String("room_id", rec.RoomID), zap.String("game_id", rec.GameID), zap.Error(err))
			return
		}
		obslog.L().Info("game_archive", zap.String("room_id", rec.RoomID), zap.String("game_id", rec.GameID), zap.String("result", rec.Result))
	}()
}

// Wait blocks until pending archive writes finish.
func (c *Coordinator) Wait() {
	if c == nil {
		return
	}
	c.wg.Wait()
}

func resultOf(st rules.Status) string {
	switch {
	case st.Checkmate:
		return st.Winner.String()
	case st.Draw:
		return "draw"
	default:
		return ""
	}
}

func View(pos rules.Position, st rules.Status, moveCount int) roomdto.PositionView {
	return roomdto.PositionView{
		FEN:       pos.FEN,
		Turn:      pos.Turn().String(),
		Check:     st.Check,
		Checkmate: st.Checkmate,
		Stalemate: st.Stalemate,
		Draw:      st.Draw,
		GameOver:  st.GameOver(),
		Reason:    st.Reason,
		Winner:    st.Winner.String(),
		MoveCount: moveCount,
	}
}
