package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/paulgrammer/comicbatch/internal/batch"
)

var _ batch.ExecutionRepository = (*ExecutionRepository)(nil)

// ExecutionRepository stores job execution history next to the library.
type ExecutionRepository struct {
	db *DB
}

func NewExecutionRepository(db *DB) *ExecutionRepository {
	return &ExecutionRepository{db: db}
}

func (r *ExecutionRepository) Create(ctx context.Context, exec *batch.JobExecution) error {
	params, steps, err := encodeExecution(exec)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO job_executions (id, job_name, identity, parameters, status, exit_message, created_at, started_at, finished_at, steps)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.JobName, exec.Parameters.Identity(), params, string(exec.Status), exec.ExitMessage,
		formatTime(exec.CreatedAt), formatTimePtr(exec.StartedAt), formatTimePtr(exec.FinishedAt), steps)
	if err != nil {
		return fmt.Errorf("insert execution %s: %w", exec.ID, err)
	}
	return nil
}

func (r *ExecutionRepository) Update(ctx context.Context, exec *batch.JobExecution) error {
	_, steps, err := encodeExecution(exec)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE job_executions SET status = ?, exit_message = ?, started_at = ?, finished_at = ?, steps = ? WHERE id = ?`,
		string(exec.Status), exec.ExitMessage, formatTimePtr(exec.StartedAt), formatTimePtr(exec.FinishedAt), steps, exec.ID)
	if err != nil {
		return fmt.Errorf("update execution %s: %w", exec.ID, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return batch.ErrExecutionNotFound
	}
	return nil
}

const executionColumns = `id, job_name, parameters, status, exit_message, created_at, started_at, finished_at, steps`

func (r *ExecutionRepository) Get(ctx context.Context, id string) (*batch.JobExecution, error) {
	exec, err := scanExecution(r.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM job_executions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, batch.ErrExecutionNotFound
	}
	return exec, err
}

func (r *ExecutionRepository) Find(ctx context.Context, q batch.ExecutionQuery) ([]*batch.JobExecution, error) {
	var where []string
	var args []any
	if q.JobName != "" {
		where = append(where, "job_name = ?")
		args = append(args, q.JobName)
	}
	if q.MatchIdentity {
		where = append(where, "identity = ?")
		args = append(args, q.Identity)
	}
	if len(q.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(q.Statuses))+")")
		for _, s := range q.Statuses {
			args = append(args, string(s))
		}
	}
	query := `SELECT ` + executionColumns + ` FROM job_executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY rowid DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*batch.JobExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

func encodeExecution(exec *batch.JobExecution) (params, steps string, err error) {
	p, err := json.Marshal(exec.Parameters)
	if err != nil {
		return "", "", fmt.Errorf("encode parameters: %w", err)
	}
	s := []byte("[]")
	if len(exec.Steps) > 0 {
		if s, err = json.Marshal(exec.Steps); err != nil {
			return "", "", fmt.Errorf("encode steps: %w", err)
		}
	}
	return string(p), string(s), nil
}

func scanExecution(row scanner) (*batch.JobExecution, error) {
	var (
		exec                  batch.JobExecution
		params, steps, status string
		created               string
		started, finished     sql.NullString
	)
	if err := row.Scan(&exec.ID, &exec.JobName, &params, &status, &exec.ExitMessage,
		&created, &started, &finished, &steps); err != nil {
		return nil, err
	}
	exec.Status = batch.Status(status)
	var err error
	if exec.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if exec.StartedAt, err = parseTimePtr(started); err != nil {
		return nil, err
	}
	if exec.FinishedAt, err = parseTimePtr(finished); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(params), &exec.Parameters); err != nil {
		return nil, fmt.Errorf("decode parameters: %w", err)
	}
	if err := json.Unmarshal([]byte(steps), &exec.Steps); err != nil {
		return nil, fmt.Errorf("decode steps: %w", err)
	}
	return &exec, nil
}
