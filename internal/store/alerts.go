package store

import (
	"database/sql"
	"time"

	"github.com/parcelwatch/parcelwatch/internal/models"
)

// ActiveAlertExists reports whether the parcel already has an active alert of
// the given type. The alerting engine checks this before raising, keeping at
// most one active alert per (parcel, type).
func (s *Store) ActiveAlertExists(parcelID, alertType string) (bool, error) {
	var one int
	err := s.db.QueryRow(`
		SELECT 1 FROM alerts
		WHERE parcel_id = ? AND alert_type = ? AND status = ?
	`, parcelID, alertType, models.AlertStatusActive).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// CreateAlert inserts a new alert and fills in its id and detected_at.
func (s *Store) CreateAlert(a *models.Alert) error {
	if a.Status == "" {
		a.Status = models.AlertStatusActive
	}
	a.DetectedAt = time.Now().UTC()
	result, err := s.db.Exec(`
		INSERT INTO alerts (parcel_id, alert_type, severity, message, status, detected_at, context)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, a.ParcelID, a.AlertType, a.Severity, a.Message, a.Status, a.DetectedAt, a.Context)
	if err != nil {
		return err
	}
	a.ID, err = result.LastInsertId()
	return err
}

const alertColumns = `id, parcel_id, alert_type, severity, message, status, detected_at, resolved_at, context`

func scanAlert(row interface{ Scan(...any) error }) (*models.Alert, error) {
	var a models.Alert
	var context sql.NullString
	err := row.Scan(&a.ID, &a.ParcelID, &a.AlertType, &a.Severity, &a.Message,
		&a.Status, &a.DetectedAt, &a.ResolvedAt, &context)
	if err != nil {
		return nil, err
	}
	a.Context = context.String
	return &a, nil
}

// GetActiveAlerts returns the parcel's active alerts, newest first.
func (s *Store) GetActiveAlerts(parcelID string) ([]models.Alert, error) {
	rows, err := s.db.Query(`
		SELECT `+alertColumns+` FROM alerts
		WHERE parcel_id = ? AND status = ?
		ORDER BY detected_at DESC
	`, parcelID, models.AlertStatusActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []models.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, *a)
	}
	return alerts, rows.Err()
}

// UpdateAlertStatus transitions an alert to resolved or dismissed. This is
// driven by callers outside the pipeline; the pipeline never auto-resolves.
func (s *Store) UpdateAlertStatus(alertID int64, status string) error {
	var resolvedAt sql.NullTime
	if status == models.AlertStatusResolved || status == models.AlertStatusDismissed {
		resolvedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}
	}
	_, err := s.db.Exec(`
		UPDATE alerts SET status = ?, resolved_at = ? WHERE id = ?
	`, status, resolvedAt, alertID)
	return err
}
