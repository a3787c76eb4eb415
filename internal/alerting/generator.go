// Package alerting evaluates threshold rules over time-series and raw data
// and raises deduplicated alerts.
package alerting

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/parcelwatch/parcelwatch/internal/metrics"
	"github.com/parcelwatch/parcelwatch/internal/models"
	"github.com/parcelwatch/parcelwatch/internal/store"
)

const (
	// declineThresholdPercent raises vegetation_decline when the two most
	// recent weekly averages drop more than this vs the two before them.
	declineThresholdPercent = -15.0

	// droughtNDVIThreshold raises drought_stress when three consecutive
	// weekly values are all below it.
	droughtNDVIThreshold = 0.4

	// anomalyLookbackDays bounds how old an anomalous point can be and
	// still raise an alert.
	anomalyLookbackDays = 14

	// staleDataDays is the age past which the latest reading counts as
	// stale.
	staleDataDays = 14
)

type Generator struct {
	store      *store.Store
	metricType string
}

func NewGenerator(st *store.Store) *Generator {
	return &Generator{store: st, metricType: models.MetricNDVI}
}

// GenerateForParcel runs all rules for one parcel and returns the number of
// alerts created. Each rule checks for an existing active alert of its type
// first; a duplicate condition is suppressed, not updated.
func (g *Generator) GenerateForParcel(parcelID string) (int, error) {
	created := 0

	checks := []func(string) (bool, error){
		g.checkVegetationDecline,
		g.checkDroughtStress,
		g.checkAnomalies,
		g.checkStaleData,
	}
	for _, check := range checks {
		raised, err := check(parcelID)
		if err != nil {
			return created, err
		}
		if raised {
			created++
		}
	}

	log.Printf("alerting: created %d alerts for parcel %s", created, parcelID)
	return created, nil
}

// Summary aggregates one batch run over all active parcels.
type Summary struct {
	TotalParcels  int `json:"total_parcels"`
	Succeeded     int `json:"succeeded"`
	Failed        int `json:"failed"`
	AlertsCreated int `json:"alerts_created"`
}

// ProcessAllParcels evaluates alerts for every active parcel, isolating
// per-parcel failures.
func (g *Generator) ProcessAllParcels() (Summary, error) {
	log.Printf("alerting: generating alerts for all parcels")

	parcels, err := g.store.GetActiveParcels()
	if err != nil {
		return Summary{}, err
	}

	summary := Summary{TotalParcels: len(parcels)}
	for _, parcel := range parcels {
		count, err := g.GenerateForParcel(parcel.UID)
		summary.AlertsCreated += count
		if err != nil {
			log.Printf("alerting: failed to generate alerts for parcel %s: %v", parcel.UID, err)
			summary.Failed++
			continue
		}
		summary.Succeeded++
	}

	log.Printf("alerting: generation complete: %d alerts created", summary.AlertsCreated)
	return summary, nil
}

// checkVegetationDecline compares the average of the two most recent weekly
// points against the two before them and raises a high-severity alert on a
// drop past the threshold. Needs at least four weekly points.
func (g *Generator) checkVegetationDecline(parcelID string) (bool, error) {
	weeks, err := g.store.GetRecentWeeklyPoints(parcelID, g.metricType, 4)
	if err != nil {
		return false, err
	}
	if len(weeks) < 4 {
		return false, nil
	}

	current := (weeks[0].Value + weeks[1].Value) / 2
	previous := (weeks[2].Value + weeks[3].Value) / 2
	if previous == 0 {
		return false, nil
	}
	percentChange := (current - previous) / previous * 100

	if percentChange >= declineThresholdPercent {
		return false, nil
	}

	return g.raise(parcelID, models.AlertTypeVegetationDecline, models.SeverityHigh,
		fmt.Sprintf("Vegetation declined %.1f%% in last 2 weeks. NDVI dropped from %.2f to %.2f.",
			-percentChange, previous, current),
		map[string]any{
			"current_ndvi":   current,
			"previous_ndvi":  previous,
			"percent_change": percentChange,
		})
}

// checkDroughtStress raises a critical alert when the three most recent
// weekly values are all below the drought threshold.
func (g *Generator) checkDroughtStress(parcelID string) (bool, error) {
	weeks, err := g.store.GetRecentWeeklyPoints(parcelID, g.metricType, 3)
	if err != nil {
		return false, err
	}
	if len(weeks) < 3 {
		return false, nil
	}

	var sum float64
	for _, w := range weeks {
		if w.Value >= droughtNDVIThreshold {
			return false, nil
		}
		sum += w.Value
	}
	avg := sum / float64(len(weeks))

	return g.raise(parcelID, models.AlertTypeDroughtStress, models.SeverityCritical,
		fmt.Sprintf("Sustained low vegetation for 3+ weeks. Average NDVI: %.2f (threshold: %.1f). Possible drought stress.",
			avg, droughtNDVIThreshold),
		map[string]any{
			"avg_ndvi":    avg,
			"threshold":   droughtNDVIThreshold,
			"weeks_below": 3,
		})
}

// checkAnomalies raises a medium alert referencing the most recent
// anomaly-flagged point within the lookback window.
func (g *Generator) checkAnomalies(parcelID string) (bool, error) {
	since := dateOnly(time.Now().UTC()).AddDate(0, 0, -anomalyLookbackDays)
	anomalies, err := g.store.GetAnomalousPointsSince(parcelID, since)
	if err != nil {
		return false, err
	}
	if len(anomalies) == 0 {
		return false, nil
	}

	latest := anomalies[len(anomalies)-1]
	return g.raise(parcelID, models.AlertTypeAnomaly, models.SeverityMedium,
		fmt.Sprintf("Unusual vegetation pattern detected. %s: %.2f on %s.",
			latest.MetricType, latest.Value, latest.StartDate.Format("2006-01-02")),
		map[string]any{
			"value":  latest.Value,
			"metric": latest.MetricType,
			"date":   latest.StartDate.Format("2006-01-02"),
		})
}

// checkStaleData raises no_data when the parcel has no readings at all, and
// stale_data when the latest reading is older than the stale threshold.
func (g *Generator) checkStaleData(parcelID string) (bool, error) {
	latest, err := g.store.GetLatestReading(parcelID)
	if err != nil {
		return false, err
	}

	if latest == nil {
		return g.raise(parcelID, models.AlertTypeNoData, models.SeverityLow,
			"No satellite data available for this parcel.", map[string]any{})
	}

	daysAgo := int(dateOnly(time.Now().UTC()).Sub(dateOnly(latest.AcquisitionDate)).Hours() / 24)
	if daysAgo <= staleDataDays {
		return false, nil
	}

	return g.raise(parcelID, models.AlertTypeStaleData, models.SeverityLow,
		fmt.Sprintf("No new satellite data for %d days. Last data: %s.",
			daysAgo, latest.AcquisitionDate.Format("2006-01-02")),
		map[string]any{
			"last_date": latest.AcquisitionDate.Format("2006-01-02"),
			"days_ago":  daysAgo,
		})
}

// raise creates the alert unless an active alert of the same type already
// exists for the parcel.
func (g *Generator) raise(parcelID, alertType, severity, message string, context map[string]any) (bool, error) {
	exists, err := g.store.ActiveAlertExists(parcelID, alertType)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	contextJSON, _ := json.Marshal(context)
	alert := &models.Alert{
		ParcelID:  parcelID,
		AlertType: alertType,
		Severity:  severity,
		Message:   message,
		Context:   string(contextJSON),
	}
	if err := g.store.CreateAlert(alert); err != nil {
		return false, err
	}

	metrics.AlertsRaised.WithLabelValues(alertType, severity).Inc()
	log.Printf("alerting: created %s alert for parcel %s: %s", severity, parcelID, alertType)
	return true, nil
}

func dateOnly(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
