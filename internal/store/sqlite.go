package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/gkobilansky/funnel-goat/internal/events"
	"github.com/gkobilansky/funnel-goat/internal/experiment"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS experiments (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    audience TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'draft',
    winner_variant TEXT,
    definition TEXT NOT NULL,
    created_at INTEGER NOT NULL DEFAULT (unixepoch()),
    updated_at INTEGER NOT NULL DEFAULT (unixepoch())
);

CREATE INDEX IF NOT EXISTS idx_experiments_audience_status ON experiments(audience, status);

CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    event_id TEXT NOT NULL,
    name TEXT NOT NULL,
    session_id TEXT NOT NULL,
    user_id TEXT,
    audience TEXT,
    priority TEXT NOT NULL DEFAULT 'normal',
    experiment_id TEXT,
    variant_id TEXT,
    goal_id TEXT,
    payload TEXT NOT NULL,
    occurred_at INTEGER NOT NULL,
    received_at INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_events_dedup ON events(event_id);
CREATE INDEX IF NOT EXISTS idx_events_exposure ON events(experiment_id, variant_id, session_id);
CREATE INDEX IF NOT EXISTS idx_events_session_name ON events(session_id, name);
`

func Open(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	// Apply schema
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateExperiment inserts a new experiment. It fails with ErrAlreadyExists
// when the id is taken.
func (s *SQLiteStore) CreateExperiment(ctx context.Context, exp *experiment.Experiment) error {
	if err := exp.Validate(); err != nil {
		return err
	}
	def, err := json.Marshal(exp)
	if err != nil {
		return fmt.Errorf("failed to marshal experiment: %w", err)
	}

	now := s.now().Unix()
	result, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO experiments (id, name, audience, status, winner_variant, definition, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		exp.ID, exp.Name, string(exp.Audience), string(exp.Status), nullable(exp.WinnerVariant), string(def), now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to insert experiment: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("experiment %q: %w", exp.ID, ErrAlreadyExists)
	}
	return nil
}

// SaveExperiment creates the experiment or replaces its definition.
func (s *SQLiteStore) SaveExperiment(ctx context.Context, exp *experiment.Experiment) error {
	if err := exp.Validate(); err != nil {
		return err
	}
	def, err := json.Marshal(exp)
	if err != nil {
		return fmt.Errorf("failed to marshal experiment: %w", err)
	}

	now := s.now().Unix()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO experiments (id, name, audience, status, winner_variant, definition, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		     name = excluded.name,
		     audience = excluded.audience,
		     status = excluded.status,
		     winner_variant = excluded.winner_variant,
		     definition = excluded.definition,
		     updated_at = excluded.updated_at`,
		exp.ID, exp.Name, string(exp.Audience), string(exp.Status), nullable(exp.WinnerVariant), string(def), now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to save experiment: %w", err)
	}
	return nil
}

const experimentColumns = `status, winner_variant, definition`

func scanExperiment(scan func(dest ...any) error) (*experiment.Experiment, error) {
	var status, def string
	var winner sql.NullString

	if err := scan(&status, &winner, &def); err != nil {
		return nil, err
	}

	var exp experiment.Experiment
	if err := json.Unmarshal([]byte(def), &exp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal experiment: %w", err)
	}
	// Lifecycle columns are authoritative over the stored definition.
	exp.Status = experiment.Status(status)
	exp.WinnerVariant = winner.String
	return &exp, nil
}

func (s *SQLiteStore) GetExperiment(ctx context.Context, id string) (*experiment.Experiment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+experimentColumns+` FROM experiments WHERE id = ?`, id)

	exp, err := scanExperiment(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get experiment: %w", err)
	}
	return exp, nil
}

func (s *SQLiteStore) ListExperiments(ctx context.Context) ([]*experiment.Experiment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+experimentColumns+` FROM experiments ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list experiments: %w", err)
	}
	defer rows.Close()

	var out []*experiment.Experiment
	for rows.Next() {
		exp, err := scanExperiment(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan experiment: %w", err)
		}
		out = append(out, exp)
	}
	return out, rows.Err()
}

// ListActiveExperiments returns the experiments eligible for an audience at
// now, oldest first so registry order is stable.
func (s *SQLiteStore) ListActiveExperiments(ctx context.Context, audience experiment.Audience, now time.Time) ([]experiment.Experiment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+experimentColumns+` FROM experiments
		 WHERE audience = ? AND status = ?
		 ORDER BY created_at, id`,
		string(audience), string(experiment.StatusRunning),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list active experiments: %w", err)
	}
	defer rows.Close()

	out := []experiment.Experiment{}
	for rows.Next() {
		exp, err := scanExperiment(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan experiment: %w", err)
		}
		if exp.EligibleAt(audience, now) {
			out = append(out, *exp)
		}
	}
	return out, rows.Err()
}

// UpdateExperimentStatus moves an experiment through its lifecycle. An empty
// winnerVariant leaves any recorded winner untouched.
func (s *SQLiteStore) UpdateExperimentStatus(ctx context.Context, id string, status experiment.Status, winnerVariant string) error {
	now := s.now().Unix()

	var result sql.Result
	var err error

	if winnerVariant != "" {
		result, err = s.db.ExecContext(ctx,
			`UPDATE experiments SET status = ?, winner_variant = ?, updated_at = ? WHERE id = ?`,
			string(status), winnerVariant, now, id,
		)
	} else {
		result, err = s.db.ExecContext(ctx,
			`UPDATE experiments SET status = ?, updated_at = ? WHERE id = ?`,
			string(status), now, id,
		)
	}
	if err != nil {
		return fmt.Errorf("failed to update experiment status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteExperiment removes the experiment and its exposure events. Other
// events of the exposed sessions are kept; they may belong to other
// experiments.
func (s *SQLiteStore) DeleteExperiment(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE experiment_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete events: %w", err)
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM experiments WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete experiment: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return tx.Commit()
}

// RecordEvents stores a batch in one transaction. Events whose id is already
// stored are ignored and counted as duplicates, which makes redelivery safe.
func (s *SQLiteStore) RecordEvents(ctx context.Context, evs []events.Event) (RecordResult, error) {
	res := RecordResult{ByName: make(map[string]int)}
	if len(evs) == 0 {
		return res, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO events
		 (event_id, name, session_id, user_id, audience, priority, experiment_id, variant_id, goal_id, payload, occurred_at, received_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return res, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	received := s.now().UnixMilli()
	for _, e := range evs {
		payload, err := json.Marshal(e)
		if err != nil {
			return RecordResult{}, fmt.Errorf("failed to marshal event %s: %w", e.ID, err)
		}

		var expID, variantID, goalID string
		switch d := e.Data.(type) {
		case events.Exposure:
			expID, variantID = d.ExperimentID, d.VariantID
		case events.Conversion:
			goalID = d.GoalID
		}

		result, err := stmt.ExecContext(ctx,
			e.ID, e.Name, e.SessionID, nullable(e.UserID), string(e.Audience), string(e.Priority),
			nullable(expID), nullable(variantID), nullable(goalID),
			string(payload), e.Timestamp.UnixMilli(), received,
		)
		if err != nil {
			return RecordResult{}, fmt.Errorf("failed to record event: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return RecordResult{}, fmt.Errorf("failed to get rows affected: %w", err)
		}
		if n == 0 {
			res.Duplicates++
		} else {
			res.Inserted++
			res.ByName[e.Name]++
		}
	}

	if err := tx.Commit(); err != nil {
		return RecordResult{}, fmt.Errorf("failed to commit events: %w", err)
	}
	return res, nil
}

// GetVariantStats counts, per variant, the distinct sessions exposed to the
// experiment and how many of them converted at or after exposure. An empty
// goalID counts conversions of any goal.
func (s *SQLiteStore) GetVariantStats(ctx context.Context, experimentID, goalID string) ([]VariantStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			x.variant_id,
			COUNT(DISTINCT x.session_id) AS samples,
			COUNT(DISTINCT c.session_id) AS conversions
		FROM events x
		LEFT JOIN events c
			ON c.session_id = x.session_id
			AND c.name = 'conversion'
			AND c.occurred_at >= x.occurred_at
			AND (? = '' OR c.goal_id = ?)
		WHERE x.name = 'experiment_exposure' AND x.experiment_id = ?
		GROUP BY x.variant_id
		ORDER BY x.variant_id
	`, goalID, goalID, experimentID)
	if err != nil {
		return nil, fmt.Errorf("failed to get variant stats: %w", err)
	}
	defer rows.Close()

	var stats []VariantStats
	for rows.Next() {
		var vs VariantStats
		if err := rows.Scan(&vs.VariantID, &vs.Samples, &vs.Conversions); err != nil {
			return nil, fmt.Errorf("failed to scan stats: %w", err)
		}
		stats = append(stats, vs)
	}
	return stats, rows.Err()
}

// GetEvents returns every event of the sessions exposed to an experiment,
// oldest first.
func (s *SQLiteStore) GetEvents(ctx context.Context, experimentID string) ([]*EventRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_id, name, session_id, user_id, audience, priority,
		       experiment_id, variant_id, goal_id, payload, occurred_at, received_at
		FROM events
		WHERE session_id IN (
			SELECT session_id FROM events
			WHERE name = 'experiment_exposure' AND experiment_id = ?
		)
		ORDER BY occurred_at, id
	`, experimentID)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	var out []*EventRecord
	for rows.Next() {
		var e EventRecord
		var userID, audience, expID, variantID, goalID sql.NullString
		var occurred, received int64
		if err := rows.Scan(&e.ID, &e.EventID, &e.Name, &e.SessionID, &userID, &audience, &e.Priority,
			&expID, &variantID, &goalID, &e.Payload, &occurred, &received); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.UserID = userID.String
		e.Audience = audience.String
		e.ExperimentID = expID.String
		e.VariantID = variantID.String
		e.GoalID = goalID.String
		e.OccurredAt = time.UnixMilli(occurred).UTC()
		e.ReceivedAt = time.UnixMilli(received).UTC()
		out = append(out, &e)
	}
	return out, rows.Err()
}

// DB returns the underlying database connection for health checks
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func nullable(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
