package job

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/preauth/internal/platform/apperr"
	"github.com/ehr/preauth/internal/platform/db"
)

type jobRepoPG struct {
	pool *pgxpool.Pool
}

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &jobRepoPG{pool: pool}
}

func (r *jobRepoPG) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

const jobCols = `id, type, status, progress, message, error, parameters, outputs, correlation_id, runner_handle,
	created_time, updated_time`

func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	var params, outputs []byte
	err := row.Scan(&j.ID, &j.Type, &j.Status, &j.Progress, &j.Message, &j.Error, &params, &outputs,
		&j.CorrelationID, &j.RunnerHandle, &j.CreatedTime, &j.UpdatedTime)
	j.Parameters = params
	j.Outputs = outputs
	return &j, err
}

func jsonOrEmpty(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("{}")
	}
	return raw
}

func (r *jobRepoPG) Create(ctx context.Context, j *Job) error {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO som_job (id, type, status, progress, message, parameters, outputs, correlation_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_time, updated_time`,
		j.ID, j.Type, j.Status, j.Progress, j.Message, jsonOrEmpty(j.Parameters), jsonOrEmpty(j.Outputs), j.CorrelationID,
	).Scan(&j.CreatedTime, &j.UpdatedTime)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (r *jobRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Job, error) {
	j, err := scanJob(r.conn(ctx).QueryRow(ctx, `SELECT `+jobCols+` FROM som_job WHERE id = $1`, id))
	if db.IsNoRows(err) {
		return nil, apperr.NotFound("Job", id.String())
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (r *jobRepoPG) List(ctx context.Context, status string, limit int) ([]*Job, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+jobCols+` FROM som_job
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_time DESC LIMIT $2`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (r *jobRepoPG) FindActive(ctx context.Context, jobType, key, value string) (*Job, error) {
	j, err := scanJob(r.conn(ctx).QueryRow(ctx, `
		SELECT `+jobCols+` FROM som_job
		WHERE type = $1 AND parameters->>$2 = $3 AND status IN ('queued', 'running')
		ORDER BY created_time DESC LIMIT 1`, jobType, key, value))
	if db.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find active job: %w", err)
	}
	return j, nil
}

func (r *jobRepoPG) SetRunnerHandle(ctx context.Context, id uuid.UUID, handle string) error {
	_, err := r.conn(ctx).Exec(ctx, `UPDATE som_job SET runner_handle = $2, updated_time = NOW() WHERE id = $1`, id, handle)
	return err
}

func (r *jobRepoPG) MarkRunning(ctx context.Context, id uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE som_job SET status = 'running', updated_time = NOW()
		WHERE id = $1 AND status IN ('queued', 'running')`, id)
	return err
}

func (r *jobRepoPG) UpdateProgress(ctx context.Context, id uuid.UUID, progress int, message string) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE som_job SET progress = GREATEST(progress, $2), message = $3, updated_time = NOW()
		WHERE id = $1 AND status = 'running'`, id, progress, message)
	return err
}

func (r *jobRepoPG) Finish(ctx context.Context, id uuid.UUID, status string, message string, errText *string, outputs json.RawMessage) error {
	progress := 0
	if status == StatusSucceeded {
		progress = 100
	}
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE som_job SET status = $2, progress = GREATEST(progress, $3), message = $4, error = $5,
			outputs = COALESCE($6::jsonb, outputs), updated_time = NOW()
		WHERE id = $1 AND status IN ('queued', 'running')`,
		id, status, progress, message, errText, nullJSON(outputs))
	return err
}

func nullJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
