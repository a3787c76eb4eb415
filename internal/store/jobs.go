package store

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/parcelwatch/parcelwatch/internal/models"
)

// CreateJob inserts a new pending ingestion job and fills in its uid and
// created_at.
func (s *Store) CreateJob(job *models.IngestionJob) error {
	if job.UID == "" {
		job.UID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = models.JobStatusPending
	}
	if job.MetricType == "" {
		job.MetricType = models.MetricNDVI
	}
	job.CreatedAt = time.Now().UTC()

	_, err := s.db.Exec(`
		INSERT INTO ingestion_jobs (uid, parcel_id, data_source_id, metric_type,
			requested_start_date, requested_end_date, status, records_created, records_skipped,
			retry_count, job_type, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, job.UID, job.ParcelID, job.DataSourceID, job.MetricType,
		job.RequestedStartDate, job.RequestedEndDate, job.Status, job.RecordsCreated,
		job.RecordsSkipped, job.RetryCount, job.JobType, job.CreatedAt)
	return err
}

// MarkJobRunning transitions a job to running and stamps started_at.
func (s *Store) MarkJobRunning(job *models.IngestionJob) error {
	job.Status = models.JobStatusRunning
	job.StartedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}
	_, err := s.db.Exec(`
		UPDATE ingestion_jobs SET status = ?, started_at = ? WHERE uid = ?
	`, job.Status, job.StartedAt, job.UID)
	return err
}

// CompleteJob persists the job's terminal state. Callers set status, counts,
// actual window and error message before calling; completed_at is stamped
// here.
func (s *Store) CompleteJob(job *models.IngestionJob) error {
	job.CompletedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}
	_, err := s.db.Exec(`
		UPDATE ingestion_jobs SET
			status = ?,
			actual_start_date = ?,
			actual_end_date = ?,
			records_created = ?,
			records_skipped = ?,
			retry_count = ?,
			error_message = ?,
			completed_at = ?
		WHERE uid = ?
	`, job.Status, job.ActualStartDate, job.ActualEndDate, job.RecordsCreated,
		job.RecordsSkipped, job.RetryCount, job.ErrorMessage, job.CompletedAt, job.UID)
	return err
}

const jobColumns = `uid, parcel_id, data_source_id, metric_type,
	requested_start_date, requested_end_date, actual_start_date, actual_end_date,
	status, records_created, records_skipped, retry_count, error_message, job_type,
	created_at, started_at, completed_at`

func scanJob(row interface{ Scan(...any) error }) (*models.IngestionJob, error) {
	var j models.IngestionJob
	err := row.Scan(&j.UID, &j.ParcelID, &j.DataSourceID, &j.MetricType,
		&j.RequestedStartDate, &j.RequestedEndDate, &j.ActualStartDate, &j.ActualEndDate,
		&j.Status, &j.RecordsCreated, &j.RecordsSkipped, &j.RetryCount, &j.ErrorMessage, &j.JobType,
		&j.CreatedAt, &j.StartedAt, &j.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *Store) GetJob(uid string) (*models.IngestionJob, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM ingestion_jobs WHERE uid = ?`, uid)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return j, err
}

// GetRecentJobs returns the most recent jobs, newest first.
func (s *Store) GetRecentJobs(limit int) ([]models.IngestionJob, error) {
	rows, err := s.db.Query(`
		SELECT `+jobColumns+` FROM ingestion_jobs ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []models.IngestionJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// JobHealthSummary aggregates job outcomes per day for the ops endpoint.
type JobHealthSummary struct {
	Date           string
	TotalJobs      int
	CompletedJobs  int
	PartialJobs    int
	FailedJobs     int
	RecordsCreated int64
	RecordsSkipped int64
}

// GetJobHealth returns per-day job outcome summaries for the last N days.
func (s *Store) GetJobHealth(days int) ([]JobHealthSummary, error) {
	rows, err := s.db.Query(`
		SELECT
			DATE(SUBSTR(created_at, 1, 19)) as date,
			COUNT(*) as total_jobs,
			SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END) as completed_jobs,
			SUM(CASE WHEN status = 'partial' THEN 1 ELSE 0 END) as partial_jobs,
			SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END) as failed_jobs,
			COALESCE(SUM(records_created), 0) as records_created,
			COALESCE(SUM(records_skipped), 0) as records_skipped
		FROM ingestion_jobs
		WHERE SUBSTR(created_at, 1, 19) > datetime('now', '-' || ? || ' days')
		GROUP BY date
		ORDER BY date DESC
	`, days)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []JobHealthSummary
	for rows.Next() {
		var h JobHealthSummary
		if err := rows.Scan(&h.Date, &h.TotalJobs, &h.CompletedJobs, &h.PartialJobs,
			&h.FailedJobs, &h.RecordsCreated, &h.RecordsSkipped); err != nil {
			return nil, err
		}
		results = append(results, h)
	}
	return results, rows.Err()
}
