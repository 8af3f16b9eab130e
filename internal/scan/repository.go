package scan

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Repository defines scan run and point persistence. The split between run
// metadata and per-point inserts lets the engine persist each measurement as
// it lands, so a crash mid-scan loses at most the in-flight point.
type Repository interface {
	// CreateRun inserts a new run record.
	CreateRun(ctx context.Context, run *Run) error

	// UpdateRun rewrites a run's mutable fields (status, error, timestamps).
	// Returns ErrNotFound if the run does not exist.
	UpdateRun(ctx context.Context, run *Run) error

	// GetRun retrieves a run by ID. Returns ErrNotFound if it does not exist.
	GetRun(ctx context.Context, id string) (*Run, error)

	// ListRuns retrieves the most recent runs, newest first. A limit of zero
	// or less returns all runs.
	ListRuns(ctx context.Context, limit int) ([]Run, error)

	// InsertPoint appends one measured point to a run.
	InsertPoint(ctx context.Context, p *Point) error

	// ListPoints retrieves a run's points in measurement order.
	ListPoints(ctx context.Context, runID string) ([]Point, error)

	// DeleteRun removes a run and its points.
	// Returns ErrNotFound if the run does not exist.
	DeleteRun(ctx context.Context, id string) error
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const runColumns = "id, name, motor_x, motor_y, detector, " +
	"start_x, stop_x, step_x, start_y, stop_y, step_y, " +
	"dwell_time_ms, status, error, started_at, finished_at, created_at"

// CreateRun inserts a new run record.
func (r *SQLiteRepository) CreateRun(ctx context.Context, run *Run) error {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = StatusPending
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO scan_runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID,
		run.Name,
		run.MotorX,
		nullString(run.MotorY),
		run.Detector,
		run.StartX,
		run.StopX,
		run.StepX,
		run.StartY,
		run.StopY,
		run.StepY,
		run.Dwell.Milliseconds(),
		string(run.Status),
		nullString(run.Error),
		nullTime(run.StartedAt),
		nullTime(run.FinishedAt),
		run.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting scan run: %w", err)
	}
	return nil
}

// UpdateRun rewrites a run's mutable fields.
func (r *SQLiteRepository) UpdateRun(ctx context.Context, run *Run) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE scan_runs
		SET status = ?, error = ?, started_at = ?, finished_at = ?
		WHERE id = ?`,
		string(run.Status),
		nullString(run.Error),
		nullTime(run.StartedAt),
		nullTime(run.FinishedAt),
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("updating scan run: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetRun retrieves a run by ID.
func (r *SQLiteRepository) GetRun(ctx context.Context, id string) (*Run, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+runColumns+" FROM scan_runs WHERE id = ?", id)

	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying scan run: %w", err)
	}
	return run, nil
}

// ListRuns retrieves the most recent runs, newest first.
func (r *SQLiteRepository) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	query := "SELECT " + runColumns + " FROM scan_runs ORDER BY created_at DESC"
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying scan runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning run row: %w", err)
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating scan runs: %w", err)
	}
	return runs, nil
}

// InsertPoint appends one measured point to a run.
func (r *SQLiteRepository) InsertPoint(ctx context.Context, p *Point) error {
	countsJSON, err := json.Marshal(p.Counts)
	if err != nil {
		return fmt.Errorf("marshalling counts: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO scan_points (run_id, idx, x, y, counts, measured_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.RunID,
		p.Index,
		p.X,
		p.Y,
		string(countsJSON),
		p.MeasuredAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting scan point: %w", err)
	}
	return nil
}

// ListPoints retrieves a run's points in measurement order.
func (r *SQLiteRepository) ListPoints(ctx context.Context, runID string) ([]Point, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT run_id, idx, x, y, counts, measured_at
		FROM scan_points WHERE run_id = ? ORDER BY idx`, runID)
	if err != nil {
		return nil, fmt.Errorf("querying scan points: %w", err)
	}
	defer rows.Close()

	var points []Point
	for rows.Next() {
		var p Point
		var countsJSON, measuredAt string
		if err := rows.Scan(&p.RunID, &p.Index, &p.X, &p.Y, &countsJSON, &measuredAt); err != nil {
			return nil, fmt.Errorf("scanning point row: %w", err)
		}
		if err := json.Unmarshal([]byte(countsJSON), &p.Counts); err != nil {
			return nil, fmt.Errorf("unmarshalling counts: %w", err)
		}
		p.MeasuredAt, err = time.Parse(time.RFC3339Nano, measuredAt)
		if err != nil {
			return nil, fmt.Errorf("parsing measured_at: %w", err)
		}
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating scan points: %w", err)
	}
	return points, nil
}

// DeleteRun removes a run and its points.
func (r *SQLiteRepository) DeleteRun(ctx context.Context, id string) error {
	// Points are removed explicitly rather than relying on the cascade,
	// which only fires when foreign keys are enabled on the connection.
	if _, err := r.db.ExecContext(ctx,
		"DELETE FROM scan_points WHERE run_id = ?", id); err != nil {
		return fmt.Errorf("deleting scan points: %w", err)
	}

	result, err := r.db.ExecContext(ctx, "DELETE FROM scan_runs WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting scan run: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// scanRun scans a row or rows result into a Run.
func scanRun(scanner rowScanner) (*Run, error) {
	var run Run
	var motorY, errMsg, startedAt, finishedAt sql.NullString
	var status, createdAt string
	var dwellMS int64

	err := scanner.Scan(
		&run.ID,
		&run.Name,
		&run.MotorX,
		&motorY,
		&run.Detector,
		&run.StartX,
		&run.StopX,
		&run.StepX,
		&run.StartY,
		&run.StopY,
		&run.StepY,
		&dwellMS,
		&status,
		&errMsg,
		&startedAt,
		&finishedAt,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	run.MotorY = motorY.String
	run.Error = errMsg.String
	run.Status = Status(status)
	run.Dwell = time.Duration(dwellMS) * time.Millisecond

	run.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if run.StartedAt, err = parseNullTime(startedAt); err != nil {
		return nil, fmt.Errorf("parsing started_at: %w", err)
	}
	if run.FinishedAt, err = parseNullTime(finishedAt); err != nil {
		return nil, fmt.Errorf("parsing finished_at: %w", err)
	}
	return &run, nil
}

// rowScanner is an interface that sql.Row and sql.Rows both implement.
type rowScanner interface {
	Scan(dest ...any) error
}

// nullString maps "" to SQL NULL.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullTime maps a nil time to SQL NULL, otherwise RFC3339.
func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339)
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
