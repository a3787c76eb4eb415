package models

import (
	"database/sql"
	"time"
)

// Job statuses. A job is terminal once it reaches completed, partial or failed.
const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusPartial   = "partial"
	JobStatusFailed    = "failed"
)

// Job types.
const (
	JobTypeBackfill = "backfill"
	JobTypePeriodic = "periodic"
	JobTypeManual   = "manual"
	JobTypeRetry    = "retry"
)

// Alert statuses.
const (
	AlertStatusActive    = "active"
	AlertStatusResolved  = "resolved"
	AlertStatusDismissed = "dismissed"
)

// Alert types raised by the alerting rules.
const (
	AlertTypeVegetationDecline = "vegetation_decline"
	AlertTypeDroughtStress     = "drought_stress"
	AlertTypeAnomaly           = "anomaly"
	AlertTypeNoData            = "no_data"
	AlertTypeStaleData         = "stale_data"
)

// Alert severities.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Time-series period granularities.
const (
	PeriodWeekly  = "weekly"
	PeriodMonthly = "monthly"
)

// MetricNDVI is the default vegetation index ingested for every parcel.
const MetricNDVI = "NDVI"

// Parcel is a monitored land area with its own sync schedule.
type Parcel struct {
	UID             string
	Name            string
	Geometry        string // GeoJSON polygon
	AreaHectares    sql.NullFloat64
	CropType        sql.NullString
	SoilType        sql.NullString
	IrrigationType  sql.NullString // "rainfed", "irrigated", "mixed"
	IsActive        bool
	AutoSyncEnabled bool
	LastSyncedAt    sql.NullTime
	// Most recent acquisition date ever stored; never regresses.
	LatestAcquisitionDate sql.NullTime
	NextSyncAt            sql.NullTime
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// DataSource describes a satellite data provider configuration.
// Read-only to the pipeline; at most one active source per name.
type DataSource struct {
	UID                  string
	Name                 string // "sentinel-2-l2a", "landsat-ot-l1"
	RevisitFrequencyDays int
	AvailabilityLagDays  int
	SyncFrequencyDays    int
	APIEndpoint          string
	MaxCloudCoverage     int
	IsActive             bool
}

// IngestionJob is one attempt to fetch a date window for one parcel.
// Created by the controller, mutated only by the engine, immutable once
// CompletedAt is set.
type IngestionJob struct {
	UID                string
	ParcelID           string
	DataSourceID       string
	MetricType         string
	RequestedStartDate time.Time
	RequestedEndDate   time.Time
	ActualStartDate    sql.NullTime
	ActualEndDate      sql.NullTime
	Status             string
	RecordsCreated     int
	RecordsSkipped     int
	RetryCount         int
	ErrorMessage       sql.NullString
	JobType            string
	CreatedAt          time.Time
	StartedAt          sql.NullTime
	CompletedAt        sql.NullTime
}

// RawReading is one (parcel, date, metric) observation from the provider.
// At most one row exists per (parcel_id, acquisition_date, metric_type);
// that uniqueness anchor is what makes re-ingestion idempotent.
type RawReading struct {
	UID             string
	ParcelID        string
	DataSourceID    string
	AcquisitionDate time.Time
	MetricType      string
	MeanValue       float64
	MinValue        float64
	MaxValue        float64
	StdDev          sql.NullFloat64
	PixelCount      sql.NullInt64
	RawPayload      string // provider interval JSON, kept for debugging
	CreatedAt       time.Time
}

// TimeSeriesPoint is a period-aggregated value derived from raw readings.
// Points are frozen once written; late raw data never reopens a bucket.
type TimeSeriesPoint struct {
	UID                string
	ParcelID           string
	MetricType         string
	TimePeriod         string // "weekly" or "monthly"
	StartDate          time.Time
	EndDate            time.Time
	Value              float64
	ChangeFromPrevious sql.NullFloat64 // percent vs previous bucket
	IsAnomaly          bool
	CreatedAt          time.Time
}

// Alert is one detected condition on a parcel. The alerting engine keeps at
// most one active alert per (parcel, type); resolution is external.
type Alert struct {
	ID         int64
	ParcelID   string
	AlertType  string
	Severity   string
	Message    string
	Status     string
	DetectedAt time.Time
	ResolvedAt sql.NullTime
	Context    string // JSON blob with rule-specific detail
}
