// Package timeseries rolls raw daily readings into weekly and monthly
// aggregates with period-over-period change and anomaly flags.
package timeseries

import (
	"database/sql"
	"log"
	"math"
	"sort"
	"time"

	"github.com/parcelwatch/parcelwatch/internal/metrics"
	"github.com/parcelwatch/parcelwatch/internal/models"
	"github.com/parcelwatch/parcelwatch/internal/store"
)

const (
	// anomalyThreshold is the number of standard deviations from the
	// historical mean beyond which a bucket is flagged.
	anomalyThreshold = 2.0

	// baselineExclusionDays keeps the recent window out of its own anomaly
	// baseline: only readings older than bucket start minus this many days
	// contribute.
	baselineExclusionDays = 30
)

type Generator struct {
	store      *store.Store
	metricType string
}

func NewGenerator(st *store.Store) *Generator {
	return &Generator{store: st, metricType: models.MetricNDVI}
}

// GenerateForParcel produces weekly and monthly points for one parcel.
func (g *Generator) GenerateForParcel(parcelID string) (weekly, monthly int, err error) {
	weekly, err = g.GenerateWeekly(parcelID)
	if err != nil {
		return 0, 0, err
	}
	monthly, err = g.GenerateMonthly(parcelID)
	if err != nil {
		return weekly, 0, err
	}
	return weekly, monthly, nil
}

// GenerateWeekly groups readings into Monday-start weekly buckets and inserts
// any bucket that does not exist yet. Existing buckets are left untouched:
// points are frozen once written, even if raw data arrives late.
func (g *Generator) GenerateWeekly(parcelID string) (int, error) {
	readings, err := g.store.GetReadings(parcelID, g.metricType, time.Time{}, time.Time{})
	if err != nil {
		return 0, err
	}
	if len(readings) == 0 {
		log.Printf("timeseries: no raw readings for parcel %s", parcelID)
		return 0, nil
	}

	buckets := make(map[time.Time][]models.RawReading)
	for _, r := range readings {
		buckets[weekStart(r.AcquisitionDate)] = append(buckets[weekStart(r.AcquisitionDate)], r)
	}

	starts := sortedKeys(buckets)
	created := 0
	var previous *float64

	for _, start := range starts {
		value := meanOf(buckets[start])
		point := models.TimeSeriesPoint{
			ParcelID:   parcelID,
			MetricType: g.metricType,
			TimePeriod: models.PeriodWeekly,
			StartDate:  start,
			EndDate:    start.AddDate(0, 0, 6),
			Value:      value,
		}
		point.ChangeFromPrevious = changeFrom(previous, value)

		isAnomaly, err := g.isAnomaly(parcelID, value, start)
		if err != nil {
			return created, err
		}
		point.IsAnomaly = isAnomaly

		n, err := g.insertIfMissing(&point)
		if err != nil {
			return created, err
		}
		created += n

		v := value
		previous = &v
	}

	log.Printf("timeseries: created %d weekly points for parcel %s", created, parcelID)
	return created, nil
}

// GenerateMonthly groups readings into calendar-month buckets; otherwise the
// same rules as weekly generation.
func (g *Generator) GenerateMonthly(parcelID string) (int, error) {
	readings, err := g.store.GetReadings(parcelID, g.metricType, time.Time{}, time.Time{})
	if err != nil {
		return 0, err
	}
	if len(readings) == 0 {
		return 0, nil
	}

	buckets := make(map[time.Time][]models.RawReading)
	for _, r := range readings {
		buckets[monthStart(r.AcquisitionDate)] = append(buckets[monthStart(r.AcquisitionDate)], r)
	}

	starts := sortedKeys(buckets)
	created := 0
	var previous *float64

	for _, start := range starts {
		value := meanOf(buckets[start])
		point := models.TimeSeriesPoint{
			ParcelID:   parcelID,
			MetricType: g.metricType,
			TimePeriod: models.PeriodMonthly,
			StartDate:  start,
			EndDate:    start.AddDate(0, 1, 0).AddDate(0, 0, -1),
			Value:      value,
		}
		point.ChangeFromPrevious = changeFrom(previous, value)

		isAnomaly, err := g.isAnomaly(parcelID, value, start)
		if err != nil {
			return created, err
		}
		point.IsAnomaly = isAnomaly

		n, err := g.insertIfMissing(&point)
		if err != nil {
			return created, err
		}
		created += n

		v := value
		previous = &v
	}

	log.Printf("timeseries: created %d monthly points for parcel %s", created, parcelID)
	return created, nil
}

// Summary aggregates one batch run over all active parcels.
type Summary struct {
	TotalParcels   int `json:"total_parcels"`
	Succeeded      int `json:"succeeded"`
	Failed         int `json:"failed"`
	WeeklyCreated  int `json:"weekly_created"`
	MonthlyCreated int `json:"monthly_created"`
}

// ProcessAllParcels generates time series for every active parcel. One
// parcel's failure is logged and counted without aborting the batch.
func (g *Generator) ProcessAllParcels() (Summary, error) {
	log.Printf("timeseries: processing all parcels")

	parcels, err := g.store.GetActiveParcels()
	if err != nil {
		return Summary{}, err
	}

	summary := Summary{TotalParcels: len(parcels)}
	for _, parcel := range parcels {
		weekly, monthly, err := g.GenerateForParcel(parcel.UID)
		summary.WeeklyCreated += weekly
		summary.MonthlyCreated += monthly
		if err != nil {
			log.Printf("timeseries: failed to process parcel %s: %v", parcel.UID, err)
			summary.Failed++
			continue
		}
		summary.Succeeded++
	}

	log.Printf("timeseries: processing complete: %d succeeded, %d failed, %d weekly, %d monthly",
		summary.Succeeded, summary.Failed, summary.WeeklyCreated, summary.MonthlyCreated)
	return summary, nil
}

// isAnomaly flags a bucket whose value is more than anomalyThreshold standard
// deviations from the historical mean. The baseline uses only readings older
// than the bucket start minus the exclusion window, so a new point cannot
// influence its own baseline. With fewer than two historical samples the
// deviation is undefined and the bucket is not flagged.
func (g *Generator) isAnomaly(parcelID string, value float64, bucketStart time.Time) (bool, error) {
	cutoff := bucketStart.AddDate(0, 0, -baselineExclusionDays)
	means, err := g.store.GetReadingMeansBefore(parcelID, g.metricType, cutoff)
	if err != nil {
		return false, err
	}
	if len(means) < 2 {
		return false, nil
	}

	avg, stddev := meanStddev(means)
	lower := avg - anomalyThreshold*stddev
	upper := avg + anomalyThreshold*stddev

	if value < lower || value > upper {
		log.Printf("timeseries: anomaly for parcel %s: value=%.3f expected=%.3f±%.3f",
			parcelID, value, avg, stddev)
		return true, nil
	}
	return false, nil
}

func (g *Generator) insertIfMissing(point *models.TimeSeriesPoint) (int, error) {
	exists, err := g.store.TimeSeriesPointExists(point.ParcelID, point.MetricType, point.TimePeriod, point.StartDate)
	if err != nil {
		return 0, err
	}
	if exists {
		return 0, nil
	}
	if err := g.store.InsertTimeSeriesPoint(point); err != nil {
		return 0, err
	}
	metrics.TimeSeriesPointsCreated.WithLabelValues(point.TimePeriod).Inc()
	return 1, nil
}

// weekStart returns the Monday of the reading's week.
func weekStart(d time.Time) time.Time {
	offset := (int(d.Weekday()) + 6) % 7
	return d.AddDate(0, 0, -offset)
}

func monthStart(d time.Time) time.Time {
	return time.Date(d.Year(), d.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func meanOf(readings []models.RawReading) float64 {
	var sum float64
	for _, r := range readings {
		sum += r.MeanValue
	}
	return sum / float64(len(readings))
}

// changeFrom computes the percent change from the previous bucket. Nil for
// the first bucket, and nil when the previous value is zero since the change
// is undefined.
func changeFrom(previous *float64, value float64) sql.NullFloat64 {
	if previous == nil || *previous == 0 {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: (value - *previous) / *previous * 100, Valid: true}
}

// meanStddev returns the mean and sample standard deviation.
func meanStddev(values []float64) (float64, float64) {
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	var sq float64
	for _, v := range values {
		sq += (v - mean) * (v - mean)
	}
	return mean, math.Sqrt(sq / float64(len(values)-1))
}

func sortedKeys(buckets map[time.Time][]models.RawReading) []time.Time {
	keys := make([]time.Time, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Before(keys[j]) })
	return keys
}
