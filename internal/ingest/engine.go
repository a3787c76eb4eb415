// Package ingest contains the ingestion pipeline: the controller decides what
// window each parcel needs, the engine executes one job against the
// statistics provider and persists results idempotently.
package ingest

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/parcelwatch/parcelwatch/internal/geometry"
	"github.com/parcelwatch/parcelwatch/internal/metrics"
	"github.com/parcelwatch/parcelwatch/internal/models"
	"github.com/parcelwatch/parcelwatch/internal/provider"
	"github.com/parcelwatch/parcelwatch/internal/store"
)

// StatisticsProvider is the slice of the provider client the engine needs.
type StatisticsProvider interface {
	GetStatistics(ctx context.Context, req provider.StatisticsRequest) (*provider.StatisticsResponse, error)
}

// Engine executes exactly one ingestion job end to end.
type Engine struct {
	store    *store.Store
	provider StatisticsProvider
}

func NewEngine(st *store.Store, p StatisticsProvider) *Engine {
	return &Engine{store: st, provider: p}
}

// Run executes the job: fetch the window from the provider, persist new
// readings, skip existing ones, and record the terminal job state. Provider
// and geometry failures are fatal to the job; a single malformed interval is
// logged and skipped without failing the job.
func (e *Engine) Run(ctx context.Context, job *models.IngestionJob, ds *models.DataSource) error {
	log.Printf("engine: starting job %s for parcel %s (%s to %s)",
		job.UID, job.ParcelID,
		job.RequestedStartDate.Format("2006-01-02"), job.RequestedEndDate.Format("2006-01-02"))

	if err := e.store.MarkJobRunning(job); err != nil {
		return fmt.Errorf("mark job running: %w", err)
	}

	geom, err := e.parcelGeometry(job.ParcelID)
	if err != nil {
		return e.failJob(job, err)
	}

	resp, err := e.provider.GetStatistics(ctx, provider.StatisticsRequest{
		Geometry:         geom,
		DataType:         ds.Name,
		StartDate:        job.RequestedStartDate.Format("2006-01-02"),
		EndDate:          job.RequestedEndDate.Format("2006-01-02"),
		Evalscript:       provider.NDVIEvalscript,
		MaxCloudCoverage: ds.MaxCloudCoverage,
	})
	if err != nil {
		return e.failJob(job, fmt.Errorf("fetch statistics: %w", err))
	}

	created, skipped := 0, 0
	var minDate, maxDate time.Time

	for _, interval := range resp.Data {
		acqDate, stats, err := extractInterval(interval)
		if err != nil {
			// A malformed interval is skipped, not fatal.
			log.Printf("engine: job %s: skipping interval %s: %v", job.UID, interval.Interval.From, err)
			continue
		}

		exists, err := e.store.ReadingExists(job.ParcelID, acqDate, job.MetricType)
		if err != nil {
			return e.failJob(job, fmt.Errorf("check reading exists: %w", err))
		}
		if exists {
			skipped++
			continue
		}

		payload, _ := json.Marshal(interval)
		reading := &models.RawReading{
			ParcelID:        job.ParcelID,
			DataSourceID:    job.DataSourceID,
			AcquisitionDate: acqDate,
			MetricType:      job.MetricType,
			MeanValue:       stats.Mean,
			MinValue:        stats.Min,
			MaxValue:        stats.Max,
			RawPayload:      string(payload),
		}
		if stats.StDev != nil {
			reading.StdDev = sql.NullFloat64{Float64: *stats.StDev, Valid: true}
		}
		if stats.SampleCount != nil {
			reading.PixelCount = sql.NullInt64{Int64: *stats.SampleCount, Valid: true}
		}

		if err := e.store.InsertReading(reading); err != nil {
			return e.failJob(job, fmt.Errorf("insert reading for %s: %w", acqDate.Format("2006-01-02"), err))
		}

		metrics.ReadingsIngested.WithLabelValues(job.MetricType).Inc()
		created++
		if minDate.IsZero() || acqDate.Before(minDate) {
			minDate = acqDate
		}
		if maxDate.IsZero() || acqDate.After(maxDate) {
			maxDate = acqDate
		}
	}

	job.RecordsCreated = created
	job.RecordsSkipped = skipped
	switch {
	case created > 0:
		job.Status = models.JobStatusCompleted
		job.ActualStartDate = sql.NullTime{Time: minDate, Valid: true}
		job.ActualEndDate = sql.NullTime{Time: maxDate, Valid: true}
	case skipped > 0:
		// Everything already existed; the parcel was current.
		job.Status = models.JobStatusCompleted
	default:
		// Provider returned no usable data for the window.
		job.Status = models.JobStatusPartial
	}

	if err := e.store.CompleteJob(job); err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	metrics.JobsCompleted.WithLabelValues(job.Status, job.JobType).Inc()

	if created > 0 {
		if err := e.store.UpdateParcelSyncMetadata(job.ParcelID, time.Now().UTC(), maxDate); err != nil {
			return fmt.Errorf("update parcel metadata: %w", err)
		}
	}

	log.Printf("engine: job %s %s: %d created, %d skipped", job.UID, job.Status, created, skipped)
	return nil
}

// parcelGeometry resolves and re-encodes the parcel's polygon for the
// provider request. Missing or inactive parcels abort the job before any
// provider call is made.
func (e *Engine) parcelGeometry(parcelID string) (json.RawMessage, error) {
	parcel, err := e.store.GetParcel(parcelID)
	if err != nil {
		return nil, err
	}
	if !parcel.IsActive {
		return nil, fmt.Errorf("%w: %s", store.ErrParcelInactive, parcelID)
	}

	polygon, err := geometry.ParsePolygon(parcel.Geometry)
	if err != nil {
		return nil, fmt.Errorf("parcel %s geometry: %w", parcelID, err)
	}
	return geometry.MarshalGeoJSON(polygon)
}

// failJob records the failure on the job and propagates the error. The retry
// counter is bookkeeping only; nothing re-attempts a failed job automatically.
func (e *Engine) failJob(job *models.IngestionJob, cause error) error {
	job.Status = models.JobStatusFailed
	job.ErrorMessage = sql.NullString{String: cause.Error(), Valid: true}
	job.RetryCount++
	if err := e.store.CompleteJob(job); err != nil {
		log.Printf("engine: job %s: record failure: %v", job.UID, err)
	}
	metrics.JobsCompleted.WithLabelValues(models.JobStatusFailed, job.JobType).Inc()
	log.Printf("engine: job %s failed: %v", job.UID, cause)
	return cause
}

// extractInterval pulls the acquisition date and default-band statistics out
// of one response interval.
func extractInterval(interval provider.IntervalData) (time.Time, provider.Stats, error) {
	var zero provider.Stats

	t, err := time.Parse(time.RFC3339, interval.Interval.From)
	if err != nil {
		return time.Time{}, zero, fmt.Errorf("parse acquisition date: %w", err)
	}
	acqDate := dateOnly(t)

	output, ok := interval.Outputs["default"]
	if !ok {
		return time.Time{}, zero, fmt.Errorf("no default output in interval data")
	}
	band, ok := output.Bands["B0"]
	if !ok {
		return time.Time{}, zero, fmt.Errorf("no B0 band in interval data")
	}
	// An empty stats object would otherwise persist as a fabricated 0.0 mean.
	if band.Stats.StDev == nil && band.Stats.SampleCount == nil {
		return time.Time{}, zero, fmt.Errorf("no statistics in interval data")
	}
	return acqDate, band.Stats, nil
}

// dateOnly truncates a timestamp to a UTC calendar date. All DATE columns
// hold values normalized this way.
func dateOnly(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
