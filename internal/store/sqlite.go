package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/parcelwatch/parcelwatch/internal/models"
)

// Sentinel errors shared by the ingestion pipeline.
var (
	ErrParcelNotFound     = errors.New("parcel not found")
	ErrParcelInactive     = errors.New("parcel is not active")
	ErrNoActiveDataSource = errors.New("no active data source found")
)

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open opens the SQLite database at path with the pragmas the service relies
// on (WAL for concurrent readers, foreign keys for cascade deletes).
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.Exec("PRAGMA journal_mode=WAL")
	db.Exec("PRAGMA busy_timeout=5000")
	db.Exec("PRAGMA foreign_keys=ON")
	return db, nil
}

func (s *Store) CreateParcel(p *models.Parcel) error {
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	_, err := s.db.Exec(`
		INSERT INTO parcels (uid, name, geometry, area_hectares, crop_type, soil_type, irrigation_type,
			is_active, auto_sync_enabled, last_synced_at, latest_acquisition_date, next_sync_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.UID, p.Name, p.Geometry, p.AreaHectares, p.CropType, p.SoilType, p.IrrigationType,
		p.IsActive, p.AutoSyncEnabled, p.LastSyncedAt, p.LatestAcquisitionDate, p.NextSyncAt, p.CreatedAt, p.UpdatedAt)
	return err
}

const parcelColumns = `uid, name, geometry, area_hectares, crop_type, soil_type, irrigation_type,
	is_active, auto_sync_enabled, last_synced_at, latest_acquisition_date, next_sync_at, created_at, updated_at`

func scanParcel(row interface{ Scan(...any) error }) (*models.Parcel, error) {
	var p models.Parcel
	err := row.Scan(&p.UID, &p.Name, &p.Geometry, &p.AreaHectares, &p.CropType, &p.SoilType, &p.IrrigationType,
		&p.IsActive, &p.AutoSyncEnabled, &p.LastSyncedAt, &p.LatestAcquisitionDate, &p.NextSyncAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) GetParcel(uid string) (*models.Parcel, error) {
	row := s.db.QueryRow(`SELECT `+parcelColumns+` FROM parcels WHERE uid = ?`, uid)
	p, err := scanParcel(row)
	if err == sql.ErrNoRows {
		return nil, ErrParcelNotFound
	}
	return p, err
}

func (s *Store) GetActiveParcels() ([]models.Parcel, error) {
	rows, err := s.db.Query(`SELECT ` + parcelColumns + ` FROM parcels WHERE is_active = TRUE ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var parcels []models.Parcel
	for rows.Next() {
		p, err := scanParcel(rows)
		if err != nil {
			return nil, err
		}
		parcels = append(parcels, *p)
	}
	return parcels, rows.Err()
}

// GetDueParcels returns parcels due for ingestion: active, with auto-sync
// enabled, whose next sync is in the past or never scheduled.
func (s *Store) GetDueParcels(now time.Time) ([]models.Parcel, error) {
	rows, err := s.db.Query(`
		SELECT `+parcelColumns+`
		FROM parcels
		WHERE is_active = TRUE
		  AND auto_sync_enabled = TRUE
		  AND (next_sync_at IS NULL OR next_sync_at <= ?)
		ORDER BY created_at
	`, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var parcels []models.Parcel
	for rows.Next() {
		p, err := scanParcel(rows)
		if err != nil {
			return nil, err
		}
		parcels = append(parcels, *p)
	}
	return parcels, rows.Err()
}

// ScheduleNextSync sets the parcel's next sync checkpoint.
func (s *Store) ScheduleNextSync(parcelID string, next time.Time) error {
	_, err := s.db.Exec(`
		UPDATE parcels SET next_sync_at = ?, updated_at = ? WHERE uid = ?
	`, next.UTC(), time.Now().UTC(), parcelID)
	return err
}

// UpdateParcelSyncMetadata records a successful sync. latest_acquisition_date
// only moves forward.
func (s *Store) UpdateParcelSyncMetadata(parcelID string, syncedAt, latestAcquisition time.Time) error {
	_, err := s.db.Exec(`
		UPDATE parcels SET
			last_synced_at = ?,
			latest_acquisition_date = CASE
				WHEN latest_acquisition_date IS NULL OR latest_acquisition_date < ? THEN ?
				ELSE latest_acquisition_date
			END,
			updated_at = ?
		WHERE uid = ?
	`, syncedAt.UTC(), latestAcquisition, latestAcquisition, time.Now().UTC(), parcelID)
	return err
}

// DeleteParcel removes a parcel. Foreign keys cascade to its readings, jobs,
// time-series points and alerts.
func (s *Store) DeleteParcel(uid string) error {
	res, err := s.db.Exec(`DELETE FROM parcels WHERE uid = ?`, uid)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrParcelNotFound
	}
	return nil
}

func (s *Store) GetActiveDataSource(name string) (*models.DataSource, error) {
	row := s.db.QueryRow(`
		SELECT uid, name, revisit_frequency_days, availability_lag_days, sync_frequency_days,
			   api_endpoint, max_cloud_coverage, is_active
		FROM data_sources
		WHERE name = ? AND is_active = TRUE
	`, name)

	var ds models.DataSource
	err := row.Scan(&ds.UID, &ds.Name, &ds.RevisitFrequencyDays, &ds.AvailabilityLagDays,
		&ds.SyncFrequencyDays, &ds.APIEndpoint, &ds.MaxCloudCoverage, &ds.IsActive)
	if err == sql.ErrNoRows {
		return nil, ErrNoActiveDataSource
	}
	if err != nil {
		return nil, err
	}
	return &ds, nil
}

func (s *Store) UpsertDataSource(ds models.DataSource) error {
	_, err := s.db.Exec(`
		INSERT INTO data_sources (uid, name, revisit_frequency_days, availability_lag_days,
			sync_frequency_days, api_endpoint, max_cloud_coverage, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(uid) DO UPDATE SET
			name = excluded.name,
			revisit_frequency_days = excluded.revisit_frequency_days,
			availability_lag_days = excluded.availability_lag_days,
			sync_frequency_days = excluded.sync_frequency_days,
			api_endpoint = excluded.api_endpoint,
			max_cloud_coverage = excluded.max_cloud_coverage,
			is_active = excluded.is_active
	`, ds.UID, ds.Name, ds.RevisitFrequencyDays, ds.AvailabilityLagDays,
		ds.SyncFrequencyDays, ds.APIEndpoint, ds.MaxCloudCoverage, ds.IsActive)
	return err
}
