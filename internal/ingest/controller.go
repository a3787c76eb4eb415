package ingest

import (
	"context"
	"log"
	"time"

	"github.com/parcelwatch/parcelwatch/internal/models"
	"github.com/parcelwatch/parcelwatch/internal/store"
)

const (
	// DefaultDataSourceName is the provider configuration used for all
	// ingestion until multi-source support exists.
	DefaultDataSourceName = "sentinel-2-l2a"

	// DefaultLookbackDays is the historical window for a parcel with no
	// readings yet.
	DefaultLookbackDays = 90
)

// Controller decides what window each parcel needs and drives jobs to
// completion through the engine.
type Controller struct {
	store          *store.Store
	engine         *Engine
	dataSourceName string
}

func NewController(st *store.Store, p StatisticsProvider) *Controller {
	return &Controller{
		store:          st,
		engine:         NewEngine(st, p),
		dataSourceName: DefaultDataSourceName,
	}
}

// fetchWindow is the outcome of window determination: either a concrete
// [start, end] range or the up-to-date short circuit. Up to date is not an
// error; callers count it as skipped.
type fetchWindow struct {
	start, end time.Time
	upToDate   bool
}

// determineFetchWindow computes the date range to request for a parcel.
// The end is the safe end date (today minus the provider's availability lag,
// since very recent captures may not be processed yet). A parcel with data
// continues from the day after its latest reading; one without gets the
// default backfill lookback.
func determineFetchWindow(parcel *models.Parcel, ds *models.DataSource, today time.Time) fetchWindow {
	safeEnd := dateOnly(today).AddDate(0, 0, -ds.AvailabilityLagDays)

	var start time.Time
	if parcel.LatestAcquisitionDate.Valid {
		start = dateOnly(parcel.LatestAcquisitionDate.Time).AddDate(0, 0, 1)
	} else {
		start = safeEnd.AddDate(0, 0, -DefaultLookbackDays)
	}

	if start.After(safeEnd) {
		return fetchWindow{upToDate: true}
	}
	return fetchWindow{start: start, end: safeEnd}
}

// Summary aggregates the outcome of one due-parcel batch.
type Summary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// ProcessDueParcels runs one ingestion pass over every parcel that is due.
// One parcel's failure never aborts the batch, and every parcel is
// rescheduled whether or not its job succeeded, so a persistently failing
// parcel is retried once per sync interval rather than every tick.
func (c *Controller) ProcessDueParcels(ctx context.Context) (Summary, error) {
	log.Printf("controller: starting scheduled ingestion check")

	ds, err := c.store.GetActiveDataSource(c.dataSourceName)
	if err != nil {
		return Summary{}, err
	}

	now := time.Now().UTC()
	due, err := c.store.GetDueParcels(now)
	if err != nil {
		return Summary{}, err
	}

	summary := Summary{Total: len(due)}
	log.Printf("controller: found %d parcels due for ingestion", len(due))

	for i := range due {
		parcel := &due[i]

		win := determineFetchWindow(parcel, ds, now)
		if win.upToDate {
			log.Printf("controller: parcel %s is already up to date", parcel.UID)
			c.scheduleNextSync(parcel.UID, ds)
			summary.Skipped++
			continue
		}

		if err := c.runJob(ctx, parcel.UID, ds, win, models.JobTypePeriodic); err != nil {
			log.Printf("controller: failed to process parcel %s: %v", parcel.UID, err)
			summary.Failed++
		} else {
			summary.Succeeded++
		}
		c.scheduleNextSync(parcel.UID, ds)
	}

	log.Printf("controller: scheduled ingestion complete: %d succeeded, %d failed, %d skipped",
		summary.Succeeded, summary.Failed, summary.Skipped)
	return summary, nil
}

// TriggerInitialBackfill creates and synchronously runs a backfill job for a
// newly created parcel, bypassing the due-parcel scan. lookbackDays <= 0
// selects the default.
func (c *Controller) TriggerInitialBackfill(ctx context.Context, parcelID string, lookbackDays int) (*models.IngestionJob, error) {
	if lookbackDays <= 0 {
		lookbackDays = DefaultLookbackDays
	}

	parcel, err := c.store.GetParcel(parcelID)
	if err != nil {
		return nil, err
	}
	ds, err := c.store.GetActiveDataSource(c.dataSourceName)
	if err != nil {
		return nil, err
	}

	safeEnd := dateOnly(time.Now().UTC()).AddDate(0, 0, -ds.AvailabilityLagDays)
	win := fetchWindow{start: safeEnd.AddDate(0, 0, -lookbackDays), end: safeEnd}

	job := &models.IngestionJob{
		ParcelID:           parcel.UID,
		DataSourceID:       ds.UID,
		RequestedStartDate: win.start,
		RequestedEndDate:   win.end,
		JobType:            models.JobTypeBackfill,
	}
	if err := c.store.CreateJob(job); err != nil {
		return nil, err
	}
	log.Printf("controller: created backfill job %s for parcel %s", job.UID, parcel.UID)

	if err := c.engine.Run(ctx, job, ds); err != nil {
		return job, err
	}
	log.Printf("controller: backfill completed for %s: %d records created", parcel.Name, job.RecordsCreated)
	return job, nil
}

func (c *Controller) runJob(ctx context.Context, parcelID string, ds *models.DataSource, win fetchWindow, jobType string) error {
	job := &models.IngestionJob{
		ParcelID:           parcelID,
		DataSourceID:       ds.UID,
		RequestedStartDate: win.start,
		RequestedEndDate:   win.end,
		JobType:            jobType,
	}
	if err := c.store.CreateJob(job); err != nil {
		return err
	}
	return c.engine.Run(ctx, job, ds)
}

func (c *Controller) scheduleNextSync(parcelID string, ds *models.DataSource) {
	next := time.Now().UTC().AddDate(0, 0, ds.SyncFrequencyDays)
	if err := c.store.ScheduleNextSync(parcelID, next); err != nil {
		log.Printf("controller: schedule next sync for %s: %v", parcelID, err)
	}
}
