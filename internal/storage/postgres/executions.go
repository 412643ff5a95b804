// Package postgres keeps job execution history in PostgreSQL so several
// processes can share one view of what ran.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/paulgrammer/comicbatch/internal/batch"
)

//go:embed schema.sql
var schema string

var _ batch.ExecutionRepository = (*ExecutionRepository)(nil)

type ExecutionRepository struct {
	pool *pgxpool.Pool
}

// Connect opens a pool against url and applies the schema.
func Connect(ctx context.Context, url string) (*ExecutionRepository, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	repo := NewExecutionRepository(pool)
	if err := repo.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

func NewExecutionRepository(pool *pgxpool.Pool) *ExecutionRepository {
	return &ExecutionRepository{pool: pool}
}

func (r *ExecutionRepository) Migrate(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (r *ExecutionRepository) Close() {
	r.pool.Close()
}

func (r *ExecutionRepository) Create(ctx context.Context, exec *batch.JobExecution) error {
	params, steps, err := encode(exec)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO job_executions
		    (id, job_name, identity, parameters, status, exit_message, created_at, started_at, finished_at, steps)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		exec.ID, exec.JobName, exec.Parameters.Identity(), params, string(exec.Status), exec.ExitMessage,
		exec.CreatedAt, exec.StartedAt, exec.FinishedAt, steps)
	if err != nil {
		return fmt.Errorf("insert execution %s: %w", exec.ID, err)
	}
	return nil
}

func (r *ExecutionRepository) Update(ctx context.Context, exec *batch.JobExecution) error {
	_, steps, err := encode(exec)
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE job_executions
		SET status = $2, exit_message = $3, started_at = $4, finished_at = $5, steps = $6
		WHERE id = $1`,
		exec.ID, string(exec.Status), exec.ExitMessage, exec.StartedAt, exec.FinishedAt, steps)
	if err != nil {
		return fmt.Errorf("update execution %s: %w", exec.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return batch.ErrExecutionNotFound
	}
	return nil
}

const columns = `id, job_name, parameters, status, exit_message, created_at, started_at, finished_at, steps`

func (r *ExecutionRepository) Get(ctx context.Context, id string) (*batch.JobExecution, error) {
	exec, err := scan(r.pool.QueryRow(ctx, `SELECT `+columns+` FROM job_executions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, batch.ErrExecutionNotFound
	}
	return exec, err
}

func (r *ExecutionRepository) Find(ctx context.Context, q batch.ExecutionQuery) ([]*batch.JobExecution, error) {
	var where []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if q.JobName != "" {
		where = append(where, "job_name = "+arg(q.JobName))
	}
	if q.MatchIdentity {
		where = append(where, "identity = "+arg(q.Identity))
	}
	if len(q.Statuses) > 0 {
		statuses := make([]string, len(q.Statuses))
		for i, s := range q.Statuses {
			statuses[i] = string(s)
		}
		where = append(where, "status = ANY("+arg(statuses)+")")
	}
	query := `SELECT ` + columns + ` FROM job_executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq DESC"
	if q.Limit > 0 {
		query += " LIMIT " + arg(q.Limit)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*batch.JobExecution
	for rows.Next() {
		exec, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

func encode(exec *batch.JobExecution) (params, steps string, err error) {
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

func scan(row pgx.Row) (*batch.JobExecution, error) {
	var (
		exec          batch.JobExecution
		status        string
		params, steps []byte
	)
	if err := row.Scan(&exec.ID, &exec.JobName, &params, &status, &exec.ExitMessage,
		&exec.CreatedAt, &exec.StartedAt, &exec.FinishedAt, &steps); err != nil {
		return nil, err
	}
	exec.Status = batch.Status(status)
	if err := json.Unmarshal(params, &exec.Parameters); err != nil {
		return nil, fmt.Errorf("decode parameters: %w", err)
	}
	if err := json.Unmarshal(steps, &exec.Steps); err != nil {
		return nil, fmt.Errorf("decode steps: %w", err)
	}
	return &exec, nil
}
