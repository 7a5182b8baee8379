package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/fly-io/cryptvol/pkg/errors"
)

// Repository provides database operations for volumes and their history
type Repository struct {
	db *sql.DB
}

// NewRepository creates a new repository
func NewRepository(dbPath string) (*Repository, error) {
	slog.Info("database_init", "db_path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		slog.Error("database_open_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to open database")
	}

	slog.Info("database_create_schema", "db_path", dbPath)
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		slog.Error("database_schema_failed", "db_path", dbPath, "error", err)
		return nil, errors.Wrap(err, "failed to create schema")
	}

	slog.Info("database_ready", "db_path", dbPath)
	return &Repository{db: db}, nil
}

// Close closes the database connection
func (r *Repository) Close() error {
	return r.db.Close()
}

// UpsertVolume inserts vol or, when the device is already known, replaces
// its state and mapped path. An empty mapping or LUKS UUID keeps the
// recorded one.
func (r *Repository) UpsertVolume(ctx context.Context, vol *Volume) error {
	slog.Info("database_upsert_volume", "device", vol.Device, "state", vol.State)

	query := `
		INSERT INTO volumes (device, mapping, state, mapped_path, luks_uuid, error_message)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(device) DO UPDATE SET
		    mapping = COALESCE(NULLIF(excluded.mapping, ''), volumes.mapping),
		    state = excluded.state,
		    mapped_path = excluded.mapped_path,
		    luks_uuid = COALESCE(NULLIF(excluded.luks_uuid, ''), volumes.luks_uuid),
		    error_message = excluded.error_message,
		    updated_at = CURRENT_TIMESTAMP
		RETURNING id
	`
	err := r.db.QueryRowContext(ctx, query,
		vol.Device, vol.Mapping, vol.State, vol.MappedPath, vol.LUKSUUID, vol.ErrorMessage).Scan(&vol.ID)
	if err != nil {
		slog.Error("database_upsert_failed", "device", vol.Device, "error", err)
		return errors.Wrap(err, "failed to upsert volume")
	}

	slog.Info("database_volume_saved", "device", vol.Device, "volume_id", vol.ID, "state", vol.State)
	return nil
}

const volumeColumns = `id, device, mapping, state, mapped_path, luks_uuid, error_message, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanVolume(row scanner) (*Volume, error) {
	var vol Volume
	var mapping, mappedPath, luksUUID, errorMessage sql.NullString

	err := row.Scan(
		&vol.ID, &vol.Device, &mapping, &vol.State,
		&mappedPath, &luksUUID, &errorMessage,
		&vol.CreatedAt, &vol.UpdatedAt)
	if err != nil {
		return nil, err
	}

	vol.Mapping = mapping.String
	vol.MappedPath = mappedPath.String
	vol.LUKSUUID = luksUUID.String
	vol.ErrorMessage = errorMessage.String
	return &vol, nil
}

// GetByDevice retrieves a volume by device path. It returns nil, nil when
// the device is unknown.
func (r *Repository) GetByDevice(ctx context.Context, device string) (*Volume, error) {
	slog.Info("database_query_volume", "device", device)

	query := `SELECT ` + volumeColumns + ` FROM volumes WHERE device = ?`
	vol, err := scanVolume(r.db.QueryRowContext(ctx, query, device))
	if err == sql.ErrNoRows {
		slog.Info("database_volume_not_found", "device", device)
		return nil, nil
	}
	if err != nil {
		slog.Error("database_query_failed", "device", device, "error", err)
		return nil, errors.Wrap(err, "failed to query volume")
	}

	slog.Info("database_volume_found", "device", device, "volume_id", vol.ID, "state", vol.State)
	return vol, nil
}

// UpdateState updates only the state, mapped path and error message
func (r *Repository) UpdateState(ctx context.Context, device, state, mappedPath, errorMessage string) error {
	slog.Info("database_update_state", "device", device, "state", state)

	query := `
		UPDATE volumes
		SET state = ?, mapped_path = ?, error_message = ?, updated_at = CURRENT_TIMESTAMP
		WHERE device = ?
	`
	result, err := r.db.ExecContext(ctx, query, state, mappedPath, errorMessage, device)
	if err != nil {
		slog.Error("database_state_update_failed", "device", device, "state", state, "error", err)
		return errors.Wrap(err, "failed to update state")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		slog.Error("database_rows_affected_failed", "device", device, "error", err)
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		slog.Error("database_volume_not_found_for_update", "device", device)
		return fmt.Errorf("volume not found: device=%s", device)
	}

	slog.Info("database_state_updated", "device", device, "state", state)
	return nil
}

// List retrieves all volumes
func (r *Repository) List(ctx context.Context) ([]*Volume, error) {
	slog.Info("database_list_volumes")

	query := `SELECT ` + volumeColumns + ` FROM volumes ORDER BY device`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		slog.Error("database_list_query_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list volumes")
	}
	defer rows.Close()

	var volumes []*Volume
	for rows.Next() {
		vol, err := scanVolume(rows)
		if err != nil {
			slog.Error("database_scan_row_failed", "error", err)
			return nil, errors.Wrap(err, "failed to scan row")
		}
		volumes = append(volumes, vol)
	}

	if err := rows.Err(); err != nil {
		slog.Error("database_rows_error", "error", err)
		return nil, errors.Wrap(err, "rows error")
	}

	slog.Info("database_list_complete", "volume_count", len(volumes))
	return volumes, nil
}

// StartOperation records a running operation and returns its generated ID.
func (r *Repository) StartOperation(ctx context.Context, device, kind string) (string, error) {
	id := uuid.NewString()
	slog.Info("database_start_operation", "operation_id", id, "device", device, "kind", kind)

	query := `INSERT INTO operations (id, device, kind, status) VALUES (?, ?, ?, ?)`
	if _, err := r.db.ExecContext(ctx, query, id, device, kind, OpRunning); err != nil {
		slog.Error("database_operation_insert_failed", "device", device, "kind", kind, "error", err)
		return "", errors.Wrap(err, "failed to insert operation")
	}
	return id, nil
}

// FinishOperation closes a running operation. An empty errorMessage marks
// it succeeded. Callers pass a summary, never a process transcript.
func (r *Repository) FinishOperation(ctx context.Context, id string, exitCode int, errorMessage string) error {
	status := OpSucceeded
	if errorMessage != "" {
		status = OpFailed
	}
	slog.Info("database_finish_operation", "operation_id", id, "status", status, "exit_code", exitCode)

	query := `
		UPDATE operations
		SET status = ?, exit_code = ?, error_message = ?, finished_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?
	`
	result, err := r.db.ExecContext(ctx, query, status, exitCode, errorMessage, id, OpRunning)
	if err != nil {
		slog.Error("database_operation_update_failed", "operation_id", id, "error", err)
		return errors.Wrap(err, "failed to finish operation")
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("no running operation: id=%s", id)
	}
	return nil
}

// ListOperations returns the history of device, newest first. An empty
// device lists every operation.
func (r *Repository) ListOperations(ctx context.Context, device string, limit int) ([]*Operation, error) {
	slog.Info("database_list_operations", "device", device, "limit", limit)

	if limit <= 0 {
		limit = -1
	}
	query := `
		SELECT id, device, kind, status, exit_code, error_message, started_at, finished_at
		FROM operations
		WHERE (? = '' OR device = ?)
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?
	`
	rows, err := r.db.QueryContext(ctx, query, device, device, limit)
	if err != nil {
		slog.Error("database_list_operations_failed", "error", err)
		return nil, errors.Wrap(err, "failed to list operations")
	}
	defer rows.Close()

	var ops []*Operation
	for rows.Next() {
		var op Operation
		var exitCode sql.NullInt64
		var errorMessage, finishedAt sql.NullString
		if err := rows.Scan(&op.ID, &op.Device, &op.Kind, &op.Status,
			&exitCode, &errorMessage, &op.StartedAt, &finishedAt); err != nil {
			slog.Error("database_scan_row_failed", "error", err)
			return nil, errors.Wrap(err, "failed to scan row")
		}
		op.ExitCode = int(exitCode.Int64)
		op.ErrorMessage = errorMessage.String
		op.FinishedAt = finishedAt.String
		ops = append(ops, &op)
	}
	if err := rows.Err(); err != nil {
		slog.Error("database_rows_error", "error", err)
		return nil, errors.Wrap(err, "rows error")
	}
	return ops, nil
}
