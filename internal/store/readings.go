package store

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/parcelwatch/parcelwatch/internal/models"
)

// ReadingExists reports whether a reading already exists for the uniqueness
// anchor (parcel, acquisition date, metric).
func (s *Store) ReadingExists(parcelID string, acquisitionDate time.Time, metricType string) (bool, error) {
	var one int
	err := s.db.QueryRow(`
		SELECT 1 FROM raw_readings
		WHERE parcel_id = ? AND acquisition_date = ? AND metric_type = ?
	`, parcelID, acquisitionDate, metricType).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// InsertReading persists a raw reading. The unique index on
// (parcel_id, acquisition_date, metric_type) backstops ReadingExists; a
// conflicting insert is silently dropped.
func (s *Store) InsertReading(r *models.RawReading) error {
	if r.UID == "" {
		r.UID = uuid.NewString()
	}
	r.CreatedAt = time.Now().UTC()
	_, err := s.db.Exec(`
		INSERT INTO raw_readings (uid, parcel_id, data_source_id, acquisition_date, metric_type,
			mean_value, min_value, max_value, std_dev, pixel_count, raw_payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(parcel_id, acquisition_date, metric_type) DO NOTHING
	`, r.UID, r.ParcelID, r.DataSourceID, r.AcquisitionDate, r.MetricType,
		r.MeanValue, r.MinValue, r.MaxValue, r.StdDev, r.PixelCount, r.RawPayload, r.CreatedAt)
	return err
}

const readingColumns = `uid, parcel_id, data_source_id, acquisition_date, metric_type,
	mean_value, min_value, max_value, std_dev, pixel_count, raw_payload, created_at`

func scanReading(row interface{ Scan(...any) error }) (*models.RawReading, error) {
	var r models.RawReading
	err := row.Scan(&r.UID, &r.ParcelID, &r.DataSourceID, &r.AcquisitionDate, &r.MetricType,
		&r.MeanValue, &r.MinValue, &r.MaxValue, &r.StdDev, &r.PixelCount, &r.RawPayload, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// GetReadings returns readings for a parcel and metric ordered by acquisition
// date. Zero start/end times leave that side of the range unbounded.
func (s *Store) GetReadings(parcelID, metricType string, start, end time.Time) ([]models.RawReading, error) {
	query := `SELECT ` + readingColumns + ` FROM raw_readings WHERE parcel_id = ? AND metric_type = ?`
	args := []any{parcelID, metricType}
	if !start.IsZero() {
		query += ` AND acquisition_date >= ?`
		args = append(args, start)
	}
	if !end.IsZero() {
		query += ` AND acquisition_date <= ?`
		args = append(args, end)
	}
	query += ` ORDER BY acquisition_date ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var readings []models.RawReading
	for rows.Next() {
		r, err := scanReading(rows)
		if err != nil {
			return nil, err
		}
		readings = append(readings, *r)
	}
	return readings, rows.Err()
}

// GetLatestReading returns the most recent reading for a parcel across all
// metrics, or nil if the parcel has no data at all.
func (s *Store) GetLatestReading(parcelID string) (*models.RawReading, error) {
	row := s.db.QueryRow(`
		SELECT `+readingColumns+` FROM raw_readings
		WHERE parcel_id = ?
		ORDER BY acquisition_date DESC
		LIMIT 1
	`, parcelID)
	r, err := scanReading(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

// GetReadingMeansBefore returns the mean values of all readings acquired
// strictly before cutoff, for anomaly baseline computation. SQLite has no
// stddev aggregate, so the caller computes the statistics.
func (s *Store) GetReadingMeansBefore(parcelID, metricType string, cutoff time.Time) ([]float64, error) {
	rows, err := s.db.Query(`
		SELECT mean_value FROM raw_readings
		WHERE parcel_id = ? AND metric_type = ? AND acquisition_date < ?
	`, parcelID, metricType, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var means []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		means = append(means, v)
	}
	return means, rows.Err()
}
