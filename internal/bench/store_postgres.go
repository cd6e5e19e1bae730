package bench

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initBenchSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initBenchSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS bench_suites (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			repetitions INTEGER NOT NULL,
			frame_ms INTEGER NOT NULL,
			turn_gap_ms INTEGER NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS bench_suite_utterances (
			suite_id TEXT NOT NULL REFERENCES bench_suites(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			text TEXT NOT NULL,
			PRIMARY KEY (suite_id, seq)
		);`,
		`CREATE TABLE IF NOT EXISTS bench_runs (
			id TEXT PRIMARY KEY,
			suite_id TEXT NOT NULL,
			suite_name TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			total_turns INTEGER NOT NULL,
			completed_turns INTEGER NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_bench_runs_started ON bench_runs (started_at DESC);`,
		`CREATE TABLE IF NOT EXISTS bench_results (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL REFERENCES bench_runs(id) ON DELETE CASCADE,
			utterance_seq INTEGER NOT NULL,
			utterance TEXT NOT NULL,
			repetition INTEGER NOT NULL,
			recognizer_ms DOUBLE PRECISION NOT NULL,
			first_token_ms DOUBLE PRECISION NOT NULL,
			first_audio_ms DOUBLE PRECISION NOT NULL,
			end_to_end_ms DOUBLE PRECISION NOT NULL,
			response_chars INTEGER NOT NULL DEFAULT 0,
			audio_bytes INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_bench_results_run_created ON bench_results (run_id, created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init bench schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveSuite(ctx context.Context, suite Suite) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO bench_suites (id, name, description, repetitions, frame_ms, turn_gap_ms, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)
		 ON CONFLICT (id) DO UPDATE SET
			name=EXCLUDED.name,
			description=EXCLUDED.description,
			repetitions=EXCLUDED.repetitions,
			frame_ms=EXCLUDED.frame_ms,
			turn_gap_ms=EXCLUDED.turn_gap_ms,
			created_at=EXCLUDED.created_at`,
		suite.ID,
		suite.Name,
		suite.Description,
		suite.Repetitions,
		suite.FrameMs,
		suite.TurnGapMs,
		suite.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert bench suite: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM bench_suite_utterances WHERE suite_id=$1`, suite.ID); err != nil {
		return fmt.Errorf("delete prior utterances: %w", err)
	}
	for _, u := range suite.Utterances {
		if _, err := tx.Exec(ctx,
			`INSERT INTO bench_suite_utterances (suite_id, seq, text) VALUES ($1,$2,$3)`,
			suite.ID, u.Seq, u.Text,
		); err != nil {
			return fmt.Errorf("insert suite utterance: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSuite(ctx context.Context, suiteID string) (Suite, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, name, description, repetitions, frame_ms, turn_gap_ms, created_at
		   FROM bench_suites WHERE id=$1`,
		suiteID,
	)
	var suite Suite
	if err := row.Scan(
		&suite.ID,
		&suite.Name,
		&suite.Description,
		&suite.Repetitions,
		&suite.FrameMs,
		&suite.TurnGapMs,
		&suite.CreatedAt,
	); err != nil {
		if err == pgx.ErrNoRows {
			return Suite{}, ErrStoreNotFound
		}
		return Suite{}, fmt.Errorf("get bench suite: %w", err)
	}
	utterances, err := s.loadUtterances(ctx, suite.ID)
	if err != nil {
		return Suite{}, err
	}
	suite.Utterances = utterances
	return suite, nil
}

func (s *PostgresStore) ListSuites(ctx context.Context) ([]Suite, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, description, repetitions, frame_ms, turn_gap_ms, created_at
		   FROM bench_suites ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list bench suites: %w", err)
	}
	defer rows.Close()

	out := make([]Suite, 0, 8)
	for rows.Next() {
		var suite Suite
		if err := rows.Scan(
			&suite.ID,
			&suite.Name,
			&suite.Description,
			&suite.Repetitions,
			&suite.FrameMs,
			&suite.TurnGapMs,
			&suite.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan bench suite: %w", err)
		}
		out = append(out, suite)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bench suites: %w", err)
	}
	for i := range out {
		utterances, err := s.loadUtterances(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Utterances = utterances
	}
	return out, nil
}

func (s *PostgresStore) loadUtterances(ctx context.Context, suiteID string) ([]Utterance, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT seq, text FROM bench_suite_utterances WHERE suite_id=$1 ORDER BY seq ASC`,
		suiteID,
	)
	if err != nil {
		return nil, fmt.Errorf("list suite utterances: %w", err)
	}
	defer rows.Close()

	out := make([]Utterance, 0, 4)
	for rows.Next() {
		var u Utterance
		if err := rows.Scan(&u.Seq, &u.Text); err != nil {
			return nil, fmt.Errorf("scan suite utterance: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate suite utterances: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) SaveRun(ctx context.Context, run Run) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO bench_runs (
			id, suite_id, suite_name, session_id, status, total_turns, completed_turns,
			error, started_at, completed_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (id) DO UPDATE SET
			suite_id=EXCLUDED.suite_id,
			suite_name=EXCLUDED.suite_name,
			session_id=EXCLUDED.session_id,
			status=EXCLUDED.status,
			total_turns=EXCLUDED.total_turns,
			completed_turns=EXCLUDED.completed_turns,
			error=EXCLUDED.error,
			started_at=EXCLUDED.started_at,
			completed_at=EXCLUDED.completed_at`,
		run.ID,
		run.SuiteID,
		run.SuiteName,
		run.SessionID,
		string(run.Status),
		run.TotalTurns,
		run.CompletedTurns,
		run.Error,
		run.StartedAt,
		run.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert bench run: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM bench_results WHERE run_id=$1`, run.ID); err != nil {
		return fmt.Errorf("delete prior results: %w", err)
	}
	for _, r := range run.Results {
		if _, err := tx.Exec(ctx,
			`INSERT INTO bench_results (
				id, run_id, utterance_seq, utterance, repetition, recognizer_ms,
				first_token_ms, first_audio_ms, end_to_end_ms, response_chars,
				audio_bytes, error, created_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
			r.ID,
			run.ID,
			r.UtteranceSeq,
			r.Utterance,
			r.Repetition,
			r.RecognizerMs,
			r.FirstTokenMs,
			r.FirstAudioMs,
			r.EndToEndMs,
			r.ResponseChars,
			r.AudioBytes,
			r.Error,
			r.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert bench result: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, suite_id, suite_name, session_id, status, total_turns, completed_turns,
		        error, started_at, completed_at
		   FROM bench_runs WHERE id=$1`,
		runID,
	)
	run, err := scanRunRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return Run{}, ErrStoreNotFound
		}
		return Run{}, fmt.Errorf("get bench run: %w", err)
	}
	run.Results, err = s.loadResults(ctx, run.ID)
	if err != nil {
		return Run{}, err
	}
	return run, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, suite_id, suite_name, session_id, status, total_turns, completed_turns,
		        error, started_at, completed_at
		   FROM bench_runs ORDER BY started_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list bench runs: %w", err)
	}
	defer rows.Close()

	out := make([]Run, 0, limit)
	for rows.Next() {
		run, err := scanRunRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bench run: %w", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bench runs: %w", err)
	}
	for i := range out {
		results, err := s.loadResults(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Results = results
	}
	return out, nil
}

func (s *PostgresStore) loadResults(ctx context.Context, runID string) ([]TurnResult, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, utterance_seq, utterance, repetition, recognizer_ms, first_token_ms,
		        first_audio_ms, end_to_end_ms, response_chars, audio_bytes, error, created_at
		   FROM bench_results WHERE run_id=$1 ORDER BY created_at ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("list bench results: %w", err)
	}
	defer rows.Close()

	out := make([]TurnResult, 0, 8)
	for rows.Next() {
		var r TurnResult
		if err := rows.Scan(
			&r.ID,
			&r.UtteranceSeq,
			&r.Utterance,
			&r.Repetition,
			&r.RecognizerMs,
			&r.FirstTokenMs,
			&r.FirstAudioMs,
			&r.EndToEndMs,
			&r.ResponseChars,
			&r.AudioBytes,
			&r.Error,
			&r.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan bench result: %w", err)
		}
		r.RunID = runID
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bench results: %w", err)
	}
	return out, nil
}

func scanRunRow(row pgx.Row) (Run, error) {
	var (
		run               Run
		status            string
		completedNullable *time.Time
	)
	if err := row.Scan(
		&run.ID,
		&run.SuiteID,
		&run.SuiteName,
		&run.SessionID,
		&status,
		&run.TotalTurns,
		&run.CompletedTurns,
		&run.Error,
		&run.StartedAt,
		&completedNullable,
	); err != nil {
		return Run{}, err
	}
	run.Status = RunStatus(status)
	run.CompletedAt = completedNullable
	return run, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
