// internal/ledger/ledger.go
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var ErrUnknownRun = errors.New("run not found")

// Status - lifecycle of a run row
type Status string

const (
	StatusRunning  Status = "running"
	StatusFinished Status = "finished"
	StatusFailed   Status = "failed"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	fold        TEXT NOT NULL,
	task        TEXT NOT NULL,
	strategy    TEXT NOT NULL,
	heads       INTEGER NOT NULL,
	status      TEXT NOT NULL,
	started_at  INTEGER NOT NULL,
	finished_at INTEGER
);
CREATE TABLE IF NOT EXISTS epochs (
	run_id  TEXT NOT NULL REFERENCES runs(id),
	epoch   INTEGER NOT NULL,
	loss    REAL NOT NULL,
	terms   TEXT NOT NULL,
	lr      REAL NOT NULL,
	seconds REAL NOT NULL,
	PRIMARY KEY (run_id, epoch)
);
CREATE TABLE IF NOT EXISTS validations (
	run_id    TEXT NOT NULL REFERENCES runs(id),
	epoch     INTEGER NOT NULL,
	mean_dice REAL NOT NULL,
	dice      TEXT NOT NULL,
	PRIMARY KEY (run_id, epoch)
);`

// Run - one task's training inside a fold
type Run struct {
	ID         string
	Fold       string
	Task       string
	Strategy   string
	Heads      int
	Status     Status
	StartedAt  time.Time
	FinishedAt *time.Time
	// BestDice - highest mean validation Dice, 0 without validations
	BestDice float64
}

// Epoch - training summary of one epoch
type Epoch struct {
	Epoch   int
	Loss    float64
	Terms   map[string]float64
	LR      float64
	Seconds float64
}

// Ledger - sqlite history of runs, epoch losses and validation scores
type Ledger struct {
	db  *sql.DB
	log zerolog.Logger
}

// Open - path ":memory:" keeps everything in process
func Open(path string) (*Ledger, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	// one connection keeps ":memory:" databases alive and writes serialised
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate ledger: %w", err)
	}
	return &Ledger{db: db, log: log.With().Str("component", "ledger").Logger()}, nil
}

func (l *Ledger) Close() error { return l.db.Close() }

// StartRun - new run row with a random id
func (l *Ledger) StartRun(ctx context.Context, fold, task, strategy string, heads int) (string, error) {
	id := uuid.NewString()
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO runs (id, fold, task, strategy, heads, status, started_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, fold, task, strategy, heads, StatusRunning, time.Now().UnixMilli())
	if err != nil {
		return "", fmt.Errorf("start run: %w", err)
	}
	l.log.Debug().Str("run", id).Str("task", task).Str("strategy", strategy).Msg("run started")
	return id, nil
}

// FinishRun - status must be StatusFinished or StatusFailed
func (l *Ledger) FinishRun(ctx context.Context, id string, status Status) error {
	res, err := l.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, finished_at = ? WHERE id = ?`,
		status, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return expectRow(res, id)
}

// RecordEpoch - rewriting an epoch replaces it, as happens after a resume
func (l *Ledger) RecordEpoch(ctx context.Context, id string, e Epoch) error {
	terms, err := json.Marshal(e.Terms)
	if err != nil {
		return err
	}
	_, err = l.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO epochs (run_id, epoch, loss, terms, lr, seconds) VALUES (?, ?, ?, ?, ?, ?)`,
		id, e.Epoch, e.Loss, string(terms), e.LR, e.Seconds)
	if err != nil {
		return fmt.Errorf("record epoch %d: %w", e.Epoch, err)
	}
	return nil
}

// RecordValidation - per-class Dice of one validation pass
func (l *Ledger) RecordValidation(ctx context.Context, id string, epoch int, dice []float64) error {
	raw, err := json.Marshal(dice)
	if err != nil {
		return err
	}
	var mean float64
	for _, d := range dice {
		mean += d
	}
	if len(dice) > 0 {
		mean /= float64(len(dice))
	}
	_, err = l.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO validations (run_id, epoch, mean_dice, dice) VALUES (?, ?, ?, ?)`,
		id, epoch, mean, string(raw))
	if err != nil {
		return fmt.Errorf("record validation: %w", err)
	}
	return nil
}

// Epochs - in epoch order
func (l *Ledger) Epochs(ctx context.Context, id string) ([]Epoch, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT epoch, loss, terms, lr, seconds FROM epochs WHERE run_id = ? ORDER BY epoch`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Epoch
	for rows.Next() {
		var e Epoch
		var terms string
		if err := rows.Scan(&e.Epoch, &e.Loss, &terms, &e.LR, &e.Seconds); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(terms), &e.Terms); err != nil {
			return nil, fmt.Errorf("epoch %d terms: %w", e.Epoch, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Runs - newest first; fold "" lists every fold
func (l *Ledger) Runs(ctx context.Context, fold string) ([]Run, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT r.id, r.fold, r.task, r.strategy, r.heads, r.status, r.started_at, r.finished_at,
		       COALESCE(MAX(v.mean_dice), 0)
		FROM runs r LEFT JOIN validations v ON v.run_id = r.id
		WHERE ? = '' OR r.fold = ?
		GROUP BY r.id
		ORDER BY r.started_at DESC, r.id`, fold, fold)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		var started int64
		var finished sql.NullInt64
		if err := rows.Scan(&r.ID, &r.Fold, &r.Task, &r.Strategy, &r.Heads, &r.Status, &started, &finished, &r.BestDice); err != nil {
			return nil, err
		}
		r.StartedAt = time.UnixMilli(started)
		if finished.Valid {
			t := time.UnixMilli(finished.Int64)
			r.FinishedAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func expectRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownRun, id)
	}
	return nil
}
