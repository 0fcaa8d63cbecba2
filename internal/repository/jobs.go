package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/lvonguyen/iocforge/internal/entity"
)

// SaveUpload stores an accepted file in one transaction: the IOCs are
// upserted, the upload is recorded and linked to them, and a queued job is
// created. The stored IOCs come back in input order.
func (r *Repository) SaveUpload(ctx context.Context, upload *entity.Upload, iocs []entity.IOC, job *entity.Job) ([]entity.IOC, error) {
	now := r.now()
	if upload.ID == "" {
		upload.ID = uuid.NewString()
	}
	if upload.CreatedAt.IsZero() {
		upload.CreatedAt = now
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.UploadID = upload.ID
	job.Status = entity.JobStatusQueued
	job.CreatedAt = now

	stored := make([]entity.IOC, 0, len(iocs))
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO uploads
			(id, filename, uploaded_by, file_size, mime_type, total_rows, rows_ok, rows_failed, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			upload.ID, upload.Filename, upload.UploadedBy, upload.FileSize, upload.MimeType,
			upload.TotalRows, upload.RowsOK, upload.RowsFailed, formatTime(upload.CreatedAt))
		if err != nil {
			return fmt.Errorf("insert upload: %w", err)
		}

		for _, ioc := range iocs {
			s, err := r.upsertIOC(ctx, tx, ioc, upload.CreatedAt)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO upload_iocs (upload_id, ioc_id) VALUES (?, ?)`,
				upload.ID, s.ID); err != nil {
				return fmt.Errorf("link ioc: %w", err)
			}
			stored = append(stored, *s)
		}

		job.Total = len(stored)
		return insertJob(ctx, tx, job)
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// GetUpload returns one upload record.
func (r *Repository) GetUpload(ctx context.Context, id string) (*entity.Upload, error) {
	var (
		u         entity.Upload
		createdAt string
	)
	err := r.db.QueryRowContext(ctx, `SELECT id, filename, uploaded_by, file_size, mime_type,
		total_rows, rows_ok, rows_failed, created_at FROM uploads WHERE id = ?`, id).
		Scan(&u.ID, &u.Filename, &u.UploadedBy, &u.FileSize, &u.MimeType,
			&u.TotalRows, &u.RowsOK, &u.RowsFailed, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get upload %s: %w", id, err)
	}
	u.CreatedAt = parseTime(createdAt)
	return &u, nil
}

// UploadIOCs returns the IOCs an upload touched.
func (r *Repository) UploadIOCs(ctx context.Context, uploadID string) ([]entity.IOC, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+iocColumns+`,
		s.risk_score, s.attribution_score, s.risk_band, s.computed_at
		FROM upload_iocs u
		JOIN iocs i ON i.id = u.ioc_id
		LEFT JOIN ioc_scores s ON s.ioc_id = i.id
		WHERE u.upload_id = ?
		ORDER BY u.rowid`, uploadID)
	if err != nil {
		return nil, fmt.Errorf("query upload iocs: %w", err)
	}
	defer rows.Close()

	var out []entity.IOC
	for rows.Next() {
		ioc, err := scanIOCWithScore(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ioc: %w", err)
		}
		out = append(out, *ioc)
	}
	return out, rows.Err()
}

func insertJob(ctx context.Context, tx *sql.Tx, job *entity.Job) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO jobs
		(id, upload_id, status, total, processed, successful, failed, message, created_at, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.UploadID, string(job.Status), job.Total, job.Processed, job.Successful, job.Failed,
		job.Message, formatTime(job.CreatedAt), nullTime(job.StartedAt), nullTime(job.FinishedAt))
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob returns one job.
func (r *Repository) GetJob(ctx context.Context, id string) (*entity.Job, error) {
	var (
		j                     entity.Job
		status, createdAt     string
		startedAt, finishedAt sql.NullString
	)
	err := r.db.QueryRowContext(ctx, `SELECT id, upload_id, status, total, processed, successful,
		failed, message, created_at, started_at, finished_at FROM jobs WHERE id = ?`, id).
		Scan(&j.ID, &j.UploadID, &status, &j.Total, &j.Processed, &j.Successful,
			&j.Failed, &j.Message, &createdAt, &startedAt, &finishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	j.Status = entity.JobStatus(status)
	j.CreatedAt = parseTime(createdAt)
	j.StartedAt = timeFromNull(startedAt)
	j.FinishedAt = timeFromNull(finishedAt)
	return &j, nil
}

// UpdateJob writes the job's status, counters and timestamps.
func (r *Repository) UpdateJob(ctx context.Context, job *entity.Job) error {
	res, err := r.db.ExecContext(ctx, `UPDATE jobs SET status = ?, total = ?, processed = ?,
		successful = ?, failed = ?, message = ?, started_at = ?, finished_at = ? WHERE id = ?`,
		string(job.Status), job.Total, job.Processed, job.Successful, job.Failed, job.Message,
		nullTime(job.StartedAt), nullTime(job.FinishedAt), job.ID)
	if err != nil {
		return fmt.Errorf("update job %s: %w", job.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job %s: %w", job.ID, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetJob puts a job back in the queued state with zeroed counters.
func (r *Repository) ResetJob(ctx context.Context, id string) (*entity.Job, error) {
	job, err := r.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	job.Status = entity.JobStatusQueued
	job.Processed, job.Successful, job.Failed = 0, 0, 0
	job.Message = ""
	job.StartedAt, job.FinishedAt = nil, nil
	if err := r.UpdateJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// RecoverJobs marks jobs left running by a previous process as errored and
// returns the IDs of jobs still queued.
func (r *Repository) RecoverJobs(ctx context.Context) ([]string, error) {
	now := formatTime(r.now())
	if _, err := r.db.ExecContext(ctx, `UPDATE jobs SET status = 'error',
		message = 'interrupted by restart', finished_at = ? WHERE status = 'running'`, now); err != nil {
		return nil, fmt.Errorf("recover running jobs: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `SELECT id FROM jobs WHERE status = 'queued' ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("query queued jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
