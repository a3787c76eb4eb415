package store

import (
	"fmt"
	"log"
	"time"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "Initial schema",
		SQL: `
CREATE TABLE IF NOT EXISTS parcels (
    uid TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    geometry TEXT NOT NULL,
    area_hectares REAL,
    crop_type TEXT,
    soil_type TEXT,
    irrigation_type TEXT,
    is_active BOOLEAN NOT NULL DEFAULT TRUE,
    auto_sync_enabled BOOLEAN NOT NULL DEFAULT TRUE,
    last_synced_at DATETIME,
    latest_acquisition_date DATE,
    next_sync_at DATETIME,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS data_sources (
    uid TEXT PRIMARY KEY,
    name TEXT NOT NULL UNIQUE,
    revisit_frequency_days INTEGER NOT NULL,
    availability_lag_days INTEGER NOT NULL,
    sync_frequency_days INTEGER NOT NULL DEFAULT 7,
    api_endpoint TEXT,
    max_cloud_coverage INTEGER NOT NULL DEFAULT 30,
    is_active BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS ingestion_jobs (
    uid TEXT PRIMARY KEY,
    parcel_id TEXT NOT NULL REFERENCES parcels(uid) ON DELETE CASCADE,
    data_source_id TEXT NOT NULL REFERENCES data_sources(uid),
    metric_type TEXT NOT NULL DEFAULT 'NDVI',
    requested_start_date DATE NOT NULL,
    requested_end_date DATE NOT NULL,
    actual_start_date DATE,
    actual_end_date DATE,
    status TEXT NOT NULL DEFAULT 'pending',
    records_created INTEGER NOT NULL DEFAULT 0,
    records_skipped INTEGER NOT NULL DEFAULT 0,
    retry_count INTEGER NOT NULL DEFAULT 0,
    error_message TEXT,
    job_type TEXT NOT NULL,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    started_at DATETIME,
    completed_at DATETIME
);

CREATE TABLE IF NOT EXISTS raw_readings (
    uid TEXT PRIMARY KEY,
    parcel_id TEXT NOT NULL REFERENCES parcels(uid) ON DELETE CASCADE,
    data_source_id TEXT NOT NULL,
    acquisition_date DATE NOT NULL,
    metric_type TEXT NOT NULL,
    mean_value REAL NOT NULL,
    min_value REAL NOT NULL,
    max_value REAL NOT NULL,
    std_dev REAL,
    pixel_count INTEGER,
    raw_payload TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(parcel_id, acquisition_date, metric_type)
);

CREATE TABLE IF NOT EXISTS time_series_points (
    uid TEXT PRIMARY KEY,
    parcel_id TEXT NOT NULL REFERENCES parcels(uid) ON DELETE CASCADE,
    metric_type TEXT NOT NULL,
    time_period TEXT NOT NULL,
    start_date DATE NOT NULL,
    end_date DATE NOT NULL,
    value REAL NOT NULL,
    change_from_previous REAL,
    is_anomaly BOOLEAN NOT NULL DEFAULT FALSE,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(parcel_id, metric_type, time_period, start_date)
);

CREATE TABLE IF NOT EXISTS alerts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    parcel_id TEXT NOT NULL REFERENCES parcels(uid) ON DELETE CASCADE,
    alert_type TEXT NOT NULL,
    severity TEXT NOT NULL,
    message TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'active',
    detected_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    resolved_at DATETIME,
    context TEXT
);

CREATE INDEX IF NOT EXISTS idx_parcels_next_sync ON parcels(next_sync_at);
CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON ingestion_jobs(status, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_parcel_status ON ingestion_jobs(parcel_id, status);
CREATE INDEX IF NOT EXISTS idx_readings_parcel_date ON raw_readings(parcel_id, acquisition_date);
CREATE INDEX IF NOT EXISTS idx_points_parcel_period ON time_series_points(parcel_id, time_period, start_date);
CREATE INDEX IF NOT EXISTS idx_alerts_parcel_status ON alerts(parcel_id, status);
`,
	},
	{
		Version:     2,
		Description: "Seed satellite data sources",
		SQL: `
INSERT INTO data_sources (uid, name, revisit_frequency_days, availability_lag_days, sync_frequency_days, api_endpoint, max_cloud_coverage, is_active)
VALUES
    ('sentinel-2-l2a', 'sentinel-2-l2a', 5, 2, 7, 'https://services.sentinel-hub.com/api/v1/statistics', 30, TRUE),
    ('landsat-ot-l1', 'landsat-ot-l1', 16, 1, 16, 'https://services-uswest2.sentinel-hub.com/api/v1/statistics', 30, FALSE)
ON CONFLICT(uid) DO NOTHING;
`,
	},
}

func (s *Store) Migrate() error {
	if err := s.ensureMigrationsTable(); err != nil {
		return fmt.Errorf("ensure migrations table: %w", err)
	}

	applied, err := s.getAppliedMigrations()
	if err != nil {
		return fmt.Errorf("get applied migrations: %w", err)
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}

		log.Printf("migrations: applying %d - %s", m.Version, m.Description)

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("execute migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)",
			m.Version, m.Description, time.Now().UTC(),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}

		log.Printf("migrations: completed %d", m.Version)
	}

	return nil
}

func (s *Store) ensureMigrationsTable() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT,
			applied_at DATETIME
		)
	`)
	return err
}

func (s *Store) getAppliedMigrations() (map[int]bool, error) {
	rows, err := s.db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}
