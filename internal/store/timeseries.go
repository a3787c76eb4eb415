package store

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/parcelwatch/parcelwatch/internal/models"
)

// TimeSeriesPointExists reports whether a point already exists for the
// uniqueness anchor (parcel, metric, period, start date).
func (s *Store) TimeSeriesPointExists(parcelID, metricType, timePeriod string, startDate time.Time) (bool, error) {
	var one int
	err := s.db.QueryRow(`
		SELECT 1 FROM time_series_points
		WHERE parcel_id = ? AND metric_type = ? AND time_period = ? AND start_date = ?
	`, parcelID, metricType, timePeriod, startDate).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// InsertTimeSeriesPoint persists an aggregate point. Existing points are
// never updated; the unique index drops conflicting re-inserts.
func (s *Store) InsertTimeSeriesPoint(p *models.TimeSeriesPoint) error {
	if p.UID == "" {
		p.UID = uuid.NewString()
	}
	p.CreatedAt = time.Now().UTC()
	_, err := s.db.Exec(`
		INSERT INTO time_series_points (uid, parcel_id, metric_type, time_period,
			start_date, end_date, value, change_from_previous, is_anomaly, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(parcel_id, metric_type, time_period, start_date) DO NOTHING
	`, p.UID, p.ParcelID, p.MetricType, p.TimePeriod,
		p.StartDate, p.EndDate, p.Value, p.ChangeFromPrevious, p.IsAnomaly, p.CreatedAt)
	return err
}

const pointColumns = `uid, parcel_id, metric_type, time_period, start_date, end_date,
	value, change_from_previous, is_anomaly, created_at`

func scanPoint(row interface{ Scan(...any) error }) (*models.TimeSeriesPoint, error) {
	var p models.TimeSeriesPoint
	err := row.Scan(&p.UID, &p.ParcelID, &p.MetricType, &p.TimePeriod, &p.StartDate, &p.EndDate,
		&p.Value, &p.ChangeFromPrevious, &p.IsAnomaly, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetRecentWeeklyPoints returns the most recent weekly points for a parcel
// and metric, newest first.
func (s *Store) GetRecentWeeklyPoints(parcelID, metricType string, limit int) ([]models.TimeSeriesPoint, error) {
	rows, err := s.db.Query(`
		SELECT `+pointColumns+` FROM time_series_points
		WHERE parcel_id = ? AND metric_type = ? AND time_period = ?
		ORDER BY start_date DESC
		LIMIT ?
	`, parcelID, metricType, models.PeriodWeekly, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []models.TimeSeriesPoint
	for rows.Next() {
		p, err := scanPoint(rows)
		if err != nil {
			return nil, err
		}
		points = append(points, *p)
	}
	return points, rows.Err()
}

// GetAnomalousPointsSince returns anomaly-flagged points whose period starts
// on or after the given date.
func (s *Store) GetAnomalousPointsSince(parcelID string, since time.Time) ([]models.TimeSeriesPoint, error) {
	rows, err := s.db.Query(`
		SELECT `+pointColumns+` FROM time_series_points
		WHERE parcel_id = ? AND is_anomaly = TRUE AND start_date >= ?
		ORDER BY start_date ASC
	`, parcelID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []models.TimeSeriesPoint
	for rows.Next() {
		p, err := scanPoint(rows)
		if err != nil {
			return nil, err
		}
		points = append(points, *p)
	}
	return points, rows.Err()
}

// GetTimeSeriesPoints returns all points for a parcel and period ordered by
// start date, for the ops surface and tests.
func (s *Store) GetTimeSeriesPoints(parcelID, metricType, timePeriod string) ([]models.TimeSeriesPoint, error) {
	rows, err := s.db.Query(`
		SELECT `+pointColumns+` FROM time_series_points
		WHERE parcel_id = ? AND metric_type = ? AND time_period = ?
		ORDER BY start_date ASC
	`, parcelID, metricType, timePeriod)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []models.TimeSeriesPoint
	for rows.Next() {
		p, err := scanPoint(rows)
		if err != nil {
			return nil, err
		}
		points = append(points, *p)
	}
	return points, rows.Err()
}
