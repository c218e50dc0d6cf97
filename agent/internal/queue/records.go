package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/opticourier/opticourier/pkg/types"
)

const recordColumns = `id, blob_path, result, status, retry_count, next_attempt_at, last_error, created_at, updated_at`

// Enqueue is the producer-facing entry point. It validates result, writes
// blob to the blob directory and inserts a pending record. It never touches
// the network and succeeds regardless of connectivity.
func (s *Store) Enqueue(ctx context.Context, blob []byte, ext string, result types.ResultFields) (string, error) {
	if err := result.Validate(); err != nil {
		return "", fmt.Errorf("queue: enqueue: %w", err)
	}
	if len(blob) == 0 {
		return "", fmt.Errorf("queue: enqueue: empty blob")
	}

	id := uuid.Must(uuid.NewV7()).String()
	path, err := s.writeBlob(id, ext, blob)
	if err != nil {
		return "", fmt.Errorf("queue: enqueue: %w", err)
	}

	if _, err := s.Insert(ctx, NewRecord{ID: id, BlobPath: path, Result: result}); err != nil {
		releaseBlob(path)
		return "", fmt.Errorf("queue: enqueue: %w", err)
	}
	return id, nil
}

// Insert persists a new record with status pending and retry count 0 and
// returns its id. The store takes ownership of rec.BlobPath.
func (s *Store) Insert(ctx context.Context, rec NewRecord) (string, error) {
	if rec.BlobPath == "" {
		return "", fmt.Errorf("queue: insert: blob path is required")
	}
	if err := rec.Result.Validate(); err != nil {
		return "", fmt.Errorf("queue: insert: %w", err)
	}
	if rec.ID == "" {
		rec.ID = uuid.Must(uuid.NewV7()).String()
	}
	resultJSON, err := json.Marshal(rec.Result)
	if err != nil {
		return "", fmt.Errorf("queue: insert: marshal result: %w", err)
	}

	now := s.now().UnixNano()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO records
		(id, blob_path, result, status, retry_count, captured_at, next_attempt_at, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, 0, '', ?, ?)
	`,
		rec.ID,
		rec.BlobPath,
		string(resultJSON),
		string(StatusPending),
		rec.Result.Timestamp.UnixNano(),
		now,
		now,
	)
	if err != nil {
		return "", fmt.Errorf("queue: insert: %w", err)
	}
	return rec.ID, nil
}

// Get returns the record with the given id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("queue: get %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Record{}, fmt.Errorf("queue: get %s: %w", id, err)
	}
	return rec, nil
}

// ListByStatus returns all records in the given state, oldest capture first.
func (s *Store) ListByStatus(ctx context.Context, status Status) ([]Record, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("queue: list: %w: %q", ErrInvalidStatus, status)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM records
		WHERE status = ?
		ORDER BY captured_at ASC, rowid ASC
	`, string(status))
	if err != nil {
		return nil, fmt.Errorf("queue: list %s: %w", status, err)
	}
	return collect(rows)
}

// List returns every record regardless of state, oldest capture first.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM records
		ORDER BY captured_at ASC, rowid ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("queue: list: %w", err)
	}
	return collect(rows)
}

// UpdateStatus moves the record to status, optionally overwriting the retry
// count, next attempt time and last error. The read-check-write runs in one
// transaction. It returns ErrNotFound if the id is absent,
// ErrInvalidTransition for a transition outside the state machine and
// ErrRetryRegression if the retry count would decrease.
func (s *Store) UpdateStatus(ctx context.Context, id string, status Status, opts ...UpdateOption) error {
	if !status.Valid() || status == StatusUploaded {
		// Uploaded is written only by Complete, together with the delete.
		return fmt.Errorf("queue: update %s: %w: %q", id, ErrInvalidTransition, status)
	}
	var u update
	for _, opt := range opts {
		opt(&u)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("queue: update %s: begin tx: %w", id, err)
	}
	defer tx.Rollback() // no-op after commit

	var (
		current   string
		retry     int
		nextNanos int64
		lastError string
	)
	err = tx.QueryRowContext(ctx,
		`SELECT status, retry_count, next_attempt_at, last_error FROM records WHERE id = ?`, id,
	).Scan(&current, &retry, &nextNanos, &lastError)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("queue: update %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("queue: update %s: select: %w", id, err)
	}

	if !Status(current).CanTransition(status) {
		return fmt.Errorf("queue: update %s: %w: %s -> %s", id, ErrInvalidTransition, current, status)
	}
	if u.retryCount != nil {
		if *u.retryCount < retry {
			return fmt.Errorf("queue: update %s: %w: %d -> %d", id, ErrRetryRegression, retry, *u.retryCount)
		}
		retry = *u.retryCount
	}
	if u.nextAttemptAt != nil {
		nextNanos = toNanos(*u.nextAttemptAt)
	}
	if u.lastError != nil {
		lastError = *u.lastError
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE records
		SET status = ?, retry_count = ?, next_attempt_at = ?, last_error = ?, updated_at = ?
		WHERE id = ?
	`, string(status), retry, nextNanos, lastError, s.now().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("queue: update %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("queue: update %s: commit: %w", id, err)
	}
	return nil
}

// Complete marks a record uploaded and deletes it in the same transaction,
// then releases its blob. The record must currently be uploading.
func (s *Store) Complete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("queue: complete %s: begin tx: %w", id, err)
	}
	defer tx.Rollback()

	var current, blobPath string
	err = tx.QueryRowContext(ctx, `SELECT status, blob_path FROM records WHERE id = ?`, id).Scan(&current, &blobPath)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("queue: complete %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("queue: complete %s: select: %w", id, err)
	}
	if !Status(current).CanTransition(StatusUploaded) {
		return fmt.Errorf("queue: complete %s: %w: %s -> %s", id, ErrInvalidTransition, current, StatusUploaded)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE records SET status = ?, updated_at = ? WHERE id = ?`,
		string(StatusUploaded), s.now().UnixNano(), id,
	); err != nil {
		return fmt.Errorf("queue: complete %s: mark uploaded: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id); err != nil {
		return fmt.Errorf("queue: complete %s: delete: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("queue: complete %s: commit: %w", id, err)
	}

	releaseBlob(blobPath)
	return nil
}

// Delete removes a record and releases its blob. Deleting an absent record,
// or one whose blob is already gone, is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	var blobPath string
	err := s.db.QueryRowContext(ctx, `SELECT blob_path FROM records WHERE id = ?`, id).Scan(&blobPath)
	if errors.Is(err, sql.ErrNoRows) {
		slog.Debug("queue: delete of absent record", "record", id)
		return nil
	}
	if err != nil {
		return fmt.Errorf("queue: delete %s: select: %w", id, err)
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE id = ?`, id); err != nil {
		return fmt.Errorf("queue: delete %s: %w", id, err)
	}
	releaseBlob(blobPath)
	return nil
}

// CountByStatus returns the number of records in the given state.
func (s *Store) CountByStatus(ctx context.Context, status Status) (int, error) {
	if !status.Valid() {
		return 0, fmt.Errorf("queue: count: %w: %q", ErrInvalidStatus, status)
	}
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM records WHERE status = ?`, string(status),
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("queue: count %s: %w", status, err)
	}
	return n, nil
}

// CountEligible returns the number of records still awaiting delivery:
// pending, uploading, and failed with retry_count below maxRetries.
func (s *Store) CountEligible(ctx context.Context, maxRetries int) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM records
		WHERE status IN (?, ?) OR (status = ? AND retry_count < ?)
	`, string(StatusPending), string(StatusUploading), string(StatusFailed), maxRetries).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("queue: count eligible: %w", err)
	}
	return n, nil
}

// RecoverInterrupted resets every uploading record to pending and returns how
// many were reset. It must run before the first sync pass after a restart.
func (s *Store) RecoverInterrupted(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET status = ?, updated_at = ? WHERE status = ?`,
		string(StatusPending), s.now().UnixNano(), string(StatusUploading),
	)
	if err != nil {
		return 0, fmt.Errorf("queue: recover interrupted: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("queue: recover interrupted: rows affected: %w", err)
	}
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		rec                   Record
		status, resultJSON    string
		next, created, update int64
	)
	if err := row.Scan(
		&rec.ID, &rec.BlobPath, &resultJSON, &status, &rec.RetryCount,
		&next, &rec.LastError, &created, &update,
	); err != nil {
		return Record{}, err
	}
	if err := json.Unmarshal([]byte(resultJSON), &rec.Result); err != nil {
		return Record{}, fmt.Errorf("unmarshal result of %s: %w", rec.ID, err)
	}
	rec.Status = Status(status)
	rec.NextAttemptAt = fromNanos(next)
	rec.CreatedAt = fromNanos(created)
	rec.UpdatedAt = fromNanos(update)
	return rec, nil
}

func collect(rows *sql.Rows) ([]Record, error) {
	defer rows.Close()
	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("queue: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: rows: %w", err)
	}
	return out, nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
