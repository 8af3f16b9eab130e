package instrument

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Repository defines the interface for instrument persistence operations.
// This abstraction allows for different implementations (SQLite, mock, etc.)
// and enables unit testing without database dependencies.
type Repository interface {
	// GetByID retrieves an instrument by its unique identifier.
	// Returns ErrNotFound if the instrument does not exist.
	GetByID(ctx context.Context, id string) (*Instrument, error)

	// GetByName retrieves an instrument by its unique name.
	// Returns ErrNotFound if the instrument does not exist.
	GetByName(ctx context.Context, name string) (*Instrument, error)

	// List retrieves all instruments ordered by name.
	List(ctx context.Context) ([]Instrument, error)

	// ListByKind retrieves all instruments of a specific driver kind.
	ListByKind(ctx context.Context, kind Kind) ([]Instrument, error)

	// Create inserts a new instrument.
	// Returns ErrExists if the ID or name is already taken.
	Create(ctx context.Context, inst *Instrument) error

	// Update modifies an existing instrument.
	// Returns ErrNotFound if the instrument does not exist.
	Update(ctx context.Context, inst *Instrument) error

	// Delete removes an instrument by ID.
	// Returns ErrNotFound if the instrument does not exist.
	Delete(ctx context.Context, id string) error
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
// The db parameter should be an open SQLite connection.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const instrumentColumns = "id, name, kind, settings, enabled, created_at, updated_at"

// GetByID retrieves an instrument by its unique identifier.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*Instrument, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+instrumentColumns+" FROM instruments WHERE id = ?", id)

	inst, err := scanInstrument(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying instrument by id: %w", err)
	}
	return inst, nil
}

// GetByName retrieves an instrument by its unique name.
func (r *SQLiteRepository) GetByName(ctx context.Context, name string) (*Instrument, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+instrumentColumns+" FROM instruments WHERE name = ?", name)

	inst, err := scanInstrument(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying instrument by name: %w", err)
	}
	return inst, nil
}

// List retrieves all instruments ordered by name.
func (r *SQLiteRepository) List(ctx context.Context) ([]Instrument, error) {
	return r.queryInstruments(ctx,
		"SELECT "+instrumentColumns+" FROM instruments ORDER BY name")
}

// ListByKind retrieves all instruments of a specific driver kind.
func (r *SQLiteRepository) ListByKind(ctx context.Context, kind Kind) ([]Instrument, error) {
	return r.queryInstruments(ctx,
		"SELECT "+instrumentColumns+" FROM instruments WHERE kind = ? ORDER BY name",
		string(kind))
}

// Create inserts a new instrument.
func (r *SQLiteRepository) Create(ctx context.Context, inst *Instrument) error {
	settingsJSON, err := json.Marshal(inst.Settings)
	if err != nil {
		return fmt.Errorf("marshalling settings: %w", err)
	}

	now := time.Now().UTC()
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = now
	}
	inst.UpdatedAt = now

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO instruments (id, name, kind, settings, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		inst.ID,
		inst.Name,
		string(inst.Kind),
		string(settingsJSON),
		boolToInt(inst.Enabled),
		inst.CreatedAt.Format(time.RFC3339),
		inst.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrExists
		}
		return fmt.Errorf("inserting instrument: %w", err)
	}

	return nil
}

// Update modifies an existing instrument.
func (r *SQLiteRepository) Update(ctx context.Context, inst *Instrument) error {
	settingsJSON, err := json.Marshal(inst.Settings)
	if err != nil {
		return fmt.Errorf("marshalling settings: %w", err)
	}

	inst.UpdatedAt = time.Now().UTC()

	result, err := r.db.ExecContext(ctx, `
		UPDATE instruments
		SET name = ?, kind = ?, settings = ?, enabled = ?, updated_at = ?
		WHERE id = ?`,
		inst.Name,
		string(inst.Kind),
		string(settingsJSON),
		boolToInt(inst.Enabled),
		inst.UpdatedAt.Format(time.RFC3339),
		inst.ID,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrExists
		}
		return fmt.Errorf("updating instrument: %w", err)
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

// Delete removes an instrument by ID.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM instruments WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting instrument: %w", err)
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

// queryInstruments executes a query and returns a slice of instruments.
func (r *SQLiteRepository) queryInstruments(ctx context.Context, query string, args ...any) ([]Instrument, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying instruments: %w", err)
	}
	defer rows.Close()

	var instruments []Instrument
	for rows.Next() {
		inst, err := scanInstrument(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning instrument: %w", err)
		}
		instruments = append(instruments, *inst)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating instruments: %w", err)
	}

	return instruments, nil
}

// rowScanner is an interface that sql.Row and sql.Rows both implement.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanInstrument scans a row or rows result into an Instrument.
func scanInstrument(scanner rowScanner) (*Instrument, error) {
	var i Instrument
	var kind, settingsJSON, createdAt, updatedAt string
	var enabled int

	err := scanner.Scan(
		&i.ID,
		&i.Name,
		&kind,
		&settingsJSON,
		&enabled,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	i.Kind = Kind(kind)
	i.Enabled = enabled != 0

	var parseErr error
	i.CreatedAt, parseErr = time.Parse(time.RFC3339, createdAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing created_at: %w", parseErr)
	}
	i.UpdatedAt, parseErr = time.Parse(time.RFC3339, updatedAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", parseErr)
	}

	if err := json.Unmarshal([]byte(settingsJSON), &i.Settings); err != nil {
		return nil, fmt.Errorf("unmarshalling settings: %w", err)
	}

	return &i, nil
}

// boolToInt converts a boolean to 0/1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isUniqueConstraintError checks if an error is a SQLite unique constraint violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "unique constraint")
}
