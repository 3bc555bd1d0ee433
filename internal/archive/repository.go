package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

// Record is one finished game.
type Record struct {
	GameID    string
	RoomID    string
	Result    string // white, black or draw
	Method    string
	MovesUCI  []string
	MovesSAN  []string
	FinalFEN  string
	StartedAt time.Time
	EndedAt   time.Time
}

type Repository struct {
	db *sql.DB
}

func NewRepository(databaseURL string) (*Repository, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Repository{db: db}, nil
}

func (r *Repository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

const schema = `CREATE TABLE IF NOT EXISTS room_games (
	game_id       TEXT PRIMARY KEY,
	room_id       TEXT NOT NULL,
	result        TEXT NOT NULL,
	result_method TEXT NOT NULL,
	moves_uci     JSONB NOT NULL,
	moves_san     JSONB NOT NULL,
	final_fen     TEXT NOT NULL,
	pgn           TEXT NOT NULL,
	started_at    TIMESTAMPTZ NOT NULL,
	ended_at      TIMESTAMPTZ NOT NULL,
	duration_ms   BIGINT NOT NULL
)`

// Migrate creates the archive table when missing.
func (r *Repository) Migrate(ctx context.Context) error {
	if r == nil || r.db == nil {
		return nil
	}
	_, err := r.db.ExecContext(ctx, schema)
	return err
}

// SaveResult upserts a finished game.
func (r *Repository) SaveResult(ctx context.Context, rec Record) error {
	if r == nil || r.db == nil {
		return nil
	}
	pgnResult := mapResultToPGN(rec.Result)
	pgn := BuildPGN(rec, pgnResult)

	movesUCIRaw, _ := json.Marshal(nonNil(rec.MovesUCI))
	movesSANRaw, _ := json.Marshal(nonNil(rec.MovesSAN))
	duration := rec.EndedAt.Sub(rec.StartedAt).Milliseconds()
	if duration < 0 {
		duration = 0
	}

	q := `INSERT INTO room_games (
		game_id, room_id, result, result_method, moves_uci, moves_san,
		final_fen, pgn, started_at, ended_at, duration_ms
	  ) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
	  ) ON CONFLICT (game_id) DO UPDATE SET
		room_id=EXCLUDED.room_id,
		result=EXCLUDED.result,
		result_method=EXCLUDED.result_method,
		moves_uci=EXCLUDED.moves_uci,
		moves_san=EXCLUDED.moves_san,
		final_fen=EXCLUDED.final_fen,
		pgn=EXCLUDED.pgn,
		started_at=EXCLUDED.started_at,
		ended_at=EXCLUDED.ended_at,
		duration_ms=EXCLUDED.duration_ms`

	_, err := r.db.ExecContext(ctx, q,
		rec.GameID, rec.RoomID,
		strings.TrimSpace(rec.Result), strings.TrimSpace(rec.Method),
		string(movesUCIRaw), string(movesSANRaw),
		rec.FinalFEN, pgn,
		rec.StartedAt, rec.EndedAt, duration,
	)
	return err
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func mapResultToPGN(result string) string {
	switch strings.ToLower(strings.TrimSpace(result)) {
	case "white":
		return "1-0"
	case "black":
		return "0-1"
	case "draw":
		return "1/2-1/2"
	default:
		return "*"
	}
}

// BuildPGN renders rec as PGN text with numbered SAN moves.
func BuildPGN(rec Record, pgnResult string) string {
	var b strings.Builder
	date := rec.EndedAt
	if date.IsZero() {
		date = time.Now()
	}
	b.WriteString("[Event \"Cheese Rooms\"]\n")
	b.WriteString(fmt.Sprintf("[Site \"%s\"]\n", sanitizePGN(rec.RoomID)))
	b.WriteString(fmt.Sprintf("[Date \"%04d.%02d.%02d\"]\n", date.Year(), int(date.Month()), date.Day()))
	b.WriteString("[White \"?\"]\n")
	b.WriteString("[Black \"?\"]\n")
	if strings.TrimSpace(rec.Method) != "" {
		b.WriteString(fmt.Sprintf("[Termination \"%s\"]\n", sanitizePGN(strings.ToLower(rec.Method))))
	}
	b.WriteString(fmt.Sprintf("[Result \"%s\"]\n\n", pgnResult))

	for i := 0; i < len(rec.MovesSAN); i += 2 {
		turn := (i / 2) + 1
		b.WriteString(fmt.Sprintf("%d. %s", turn, strings.TrimSpace(rec.MovesSAN[i])))
		if i+1 < len(rec.MovesSAN) {
			b.WriteString(" ")
			b.WriteString(strings.TrimSpace(rec.MovesSAN[i+1]))
		}
		b.WriteString(" ")
	}
	if pgnResult != "" {
		b.WriteString(pgnResult)
	}
	return b.String()
}

func sanitizePGN(s string) string {
	s = strings.ReplaceAll(s, "\\", " ")
	s = strings.ReplaceAll(s, "\"", "'")
	return strings.TrimSpace(s)
}
