package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/cmdsched/internal/task"
)

const taskColumns = `id, kind, params_json, scheduled_at, status, result_json, last_error,
	attempts, max_retries, last_attempt_at, next_attempt_at, claim_token, claimed_at,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (task.Record, error) {
	var r task.Record
	var kind, status, params, createdAt, updatedAt, nextAttemptAt string
	var result, claimToken, scheduledAt, lastAttemptAt, claimedAt sql.NullString
	err := row.Scan(&r.ID, &kind, &params, &scheduledAt, &status, &result, &r.Error,
		&r.Attempts, &r.MaxRetries, &lastAttemptAt, &nextAttemptAt, &claimToken, &claimedAt,
		&createdAt, &updatedAt)
	if err != nil {
		return task.Record{}, err
	}

	r.Kind = task.Kind(kind)
	r.Status = task.Status(status)
	r.ClaimToken = claimToken.String

	if err := json.Unmarshal([]byte(params), &r.Params); err != nil {
		return task.Record{}, fmt.Errorf("decoding params for task %s: %w", r.ID, err)
	}
	if result.Valid && result.String != "" {
		if err := json.Unmarshal([]byte(result.String), &r.Result); err != nil {
			return task.Record{}, fmt.Errorf("decoding result for task %s: %w", r.ID, err)
		}
	}

	if r.ScheduledAt, err = parseNullTime(scheduledAt, "scheduled_at"); err != nil {
		return task.Record{}, err
	}
	if r.LastAttemptAt, err = parseNullTime(lastAttemptAt, "last_attempt_at"); err != nil {
		return task.Record{}, err
	}
	if r.ClaimedAt, err = parseNullTime(claimedAt, "claimed_at"); err != nil {
		return task.Record{}, err
	}
	if r.NextAttemptAt, err = parseTime(nextAttemptAt); err != nil {
		return task.Record{}, fmt.Errorf("parsing next_attempt_at for task %s: %w", r.ID, err)
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return task.Record{}, fmt.Errorf("parsing created_at for task %s: %w", r.ID, err)
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return task.Record{}, fmt.Errorf("parsing updated_at for task %s: %w", r.ID, err)
	}
	return r, nil
}

// CreateTask inserts a new pending task. ID, Kind and NextAttemptAt must be set.
func (s *Store) CreateTask(ctx context.Context, r task.Record) error {
	if r.ID == "" {
		return errors.New("task id is required")
	}
	params := r.Params
	if params == nil {
		params = task.Params{}
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("encoding params: %w", err)
	}

	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	next := r.NextAttemptAt
	if next.IsZero() {
		next = createdAt
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, kind, params_json, scheduled_at, status, attempts, max_retries,
			next_attempt_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'pending', 0, ?, ?, ?, ?)`,
		r.ID, string(r.Kind), string(paramsJSON), nullTime(r.ScheduledAt), r.MaxRetries,
		formatTime(next), formatTime(createdAt), formatTime(createdAt),
	)
	if err != nil {
		return fmt.Errorf("inserting task %s: %w", r.ID, err)
	}
	return nil
}

// GetTask returns the task with the given id.
func (s *Store) GetTask(ctx context.Context, id string) (task.Record, error) {
	r, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return task.Record{}, ErrNotFound
	}
	if err != nil {
		return task.Record{}, err
	}
	return r, nil
}

// ListTasks returns tasks newest first.
func (s *Store) ListTasks(ctx context.Context, f TaskFilter) ([]task.Record, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1 = 1`
	var args []any
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	if f.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(f.Kind))
	}
	query += ` ORDER BY created_at DESC, id ASC LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []task.Record
	for rows.Next() {
		r, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// CountByStatus returns the number of tasks in each status.
func (s *Store) CountByStatus(ctx context.Context) (map[task.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[task.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[task.Status(status)] = n
	}
	return counts, rows.Err()
}

// ClaimDue atomically moves the oldest due pending or retrying task to
// running and returns it with a fresh claim token. It returns nil, nil when
// nothing is due. Exactly one caller can win the claim for a given attempt.
func (s *Store) ClaimDue(ctx context.Context, now time.Time) (*task.Record, error) {
	nowStr := formatTime(now)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer tx.Rollback()

	var id string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM tasks
		WHERE status IN ('pending', 'retrying') AND next_attempt_at <= ?
		ORDER BY next_attempt_at ASC, created_at ASC
		LIMIT 1`, nowStr,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("selecting due task: %w", err)
	}

	token := uuid.New().String()
	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = 'running', claim_token = ?, claimed_at = ?, last_attempt_at = ?, updated_at = ?
		WHERE id = ? AND status IN ('pending', 'retrying') AND next_attempt_at <= ?`,
		token, nowStr, nowStr, nowStr, id, nowStr,
	)
	if err != nil {
		return nil, fmt.Errorf("claiming task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking claimed rows: %w", err)
	}
	if n != 1 {
		return nil, nil
	}

	r, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("reading claimed task %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}
	return &r, nil
}

// CompleteTask records a successful attempt. The update only applies while
// the caller still holds the claim identified by token.
func (s *Store) CompleteTask(ctx context.Context, id, token string, result map[string]any, now time.Time) error {
	var resultJSON sql.NullString
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("encoding result: %w", err)
		}
		resultJSON = sql.NullString{String: string(data), Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = 'completed', result_json = ?, last_error = '', claim_token = NULL, updated_at = ?
		WHERE id = ? AND status = 'running' AND claim_token = ?`,
		resultJSON, formatTime(now), id, token,
	)
	if err != nil {
		return fmt.Errorf("completing task %s: %w", id, err)
	}
	return s.checkGuarded(ctx, res, id, task.StatusCompleted)
}

// RetryTask records a recoverable failure: the task moves to retrying with
// attempts incremented and becomes claimable again at next.
func (s *Store) RetryTask(ctx context.Context, id, token, errMsg string, next, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = 'retrying', attempts = attempts + 1, last_error = ?, next_attempt_at = ?,
			claim_token = NULL, claimed_at = NULL, updated_at = ?
		WHERE id = ? AND status = 'running' AND claim_token = ?`,
		errMsg, formatTime(next), formatTime(now), id, token,
	)
	if err != nil {
		return fmt.Errorf("retrying task %s: %w", id, err)
	}
	return s.checkGuarded(ctx, res, id, task.StatusRetrying)
}

// FailTask records a terminal failure.
func (s *Store) FailTask(ctx context.Context, id, token, errMsg string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = 'failed', last_error = ?, claim_token = NULL, updated_at = ?
		WHERE id = ? AND status = 'running' AND claim_token = ?`,
		errMsg, formatTime(now), id, token,
	)
	if err != nil {
		return fmt.Errorf("failing task %s: %w", id, err)
	}
	return s.checkGuarded(ctx, res, id, task.StatusFailed)
}

// CancelTask cancels a task that has not been claimed yet. It shares the
// status compare-and-set with ClaimDue, so a cancel racing a claim has
// exactly one winner.
func (s *Store) CancelTask(ctx context.Context, id string, now time.Time) (task.Record, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = 'cancelled', updated_at = ?
		WHERE id = ? AND status IN ('pending', 'retrying')`,
		formatTime(now), id,
	)
	if err != nil {
		return task.Record{}, fmt.Errorf("cancelling task %s: %w", id, err)
	}
	if err := s.checkGuarded(ctx, res, id, task.StatusCancelled); err != nil {
		return task.Record{}, err
	}
	return s.GetTask(ctx, id)
}

// checkGuarded turns a compare-and-set that touched no rows into ErrNotFound
// or a *task.TransitionError describing the state that won.
func (s *Store) checkGuarded(ctx context.Context, res sql.Result, id string, to task.Status) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var current string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	from := task.Status(current)
	return &task.TransitionError{TaskID: id, From: from, To: to, Stale: task.CanTransition(from, to)}
}

// ReclaimStalled returns running tasks whose claim is older than lease to
// retrying, or fails them when their retry budget is already spent. It
// reports how many tasks went each way.
func (s *Store) ReclaimStalled(ctx context.Context, now time.Time, lease time.Duration) (retried, failed int, err error) {
	cutoff := formatTime(now.Add(-lease))
	nowStr := formatTime(now)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("beginning reclaim transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = 'failed', last_error = 'lease expired', claim_token = NULL, updated_at = ?
		WHERE status = 'running' AND claimed_at <= ? AND attempts >= max_retries`,
		nowStr, cutoff,
	)
	if err != nil {
		return 0, 0, fmt.Errorf("failing stalled tasks: %w", err)
	}
	nf, err := res.RowsAffected()
	if err != nil {
		return 0, 0, err
	}

	res, err = tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = 'retrying', attempts = attempts + 1, last_error = 'lease expired',
			next_attempt_at = ?, claim_token = NULL, claimed_at = NULL, updated_at = ?
		WHERE status = 'running' AND claimed_at <= ? AND attempts < max_retries`,
		nowStr, nowStr, cutoff,
	)
	if err != nil {
		return 0, 0, fmt.Errorf("reclaiming stalled tasks: %w", err)
	}
	nr, err := res.RowsAffected()
	if err != nil {
		return 0, 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("committing reclaim: %w", err)
	}
	return int(nr), int(nf), nil
}

// PurgeTerminal deletes completed, failed and cancelled tasks last updated before cutoff.
func (s *Store) PurgeTerminal(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM tasks
		WHERE status IN ('completed', 'failed', 'cancelled') AND updated_at < ?`,
		formatTime(before),
	)
	if err != nil {
		return 0, fmt.Errorf("purging tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
