package alerting

import (
	"database/sql"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/parcelwatch/parcelwatch/internal/models"
	"github.com/parcelwatch/parcelwatch/internal/store"
)

const testGeometry = `{"type":"Polygon","coordinates":[[[145.0,-36.8],[145.01,-36.8],[145.01,-36.79],[145.0,-36.79],[145.0,-36.8]]]}`

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	st := store.New(db)
	if err := st.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return st
}

func createTestParcel(t *testing.T, st *store.Store, uid string) {
	t.Helper()
	err := st.CreateParcel(&models.Parcel{
		UID:             uid,
		Name:            "Parcel " + uid,
		Geometry:        testGeometry,
		IsActive:        true,
		AutoSyncEnabled: true,
	})
	if err != nil {
		t.Fatalf("CreateParcel: %v", err)
	}
}

// insertWeeklyValues inserts one weekly point per value, oldest first, ending
// on the most recent Monday.
func insertWeeklyValues(t *testing.T, st *store.Store, parcelID string, values []float64) {
	t.Helper()
	lastMonday := weekOf(time.Now().UTC())
	for i, v := range values {
		start := lastMonday.AddDate(0, 0, -7*(len(values)-1-i))
		insertWeeklyPoint(t, st, parcelID, start, v, false)
	}
}

func insertWeeklyPoint(t *testing.T, st *store.Store, parcelID string, start time.Time, value float64, anomaly bool) {
	t.Helper()
	err := st.InsertTimeSeriesPoint(&models.TimeSeriesPoint{
		ParcelID:   parcelID,
		MetricType: models.MetricNDVI,
		TimePeriod: models.PeriodWeekly,
		StartDate:  start,
		EndDate:    start.AddDate(0, 0, 6),
		Value:      value,
		IsAnomaly:  anomaly,
	})
	if err != nil {
		t.Fatalf("InsertTimeSeriesPoint: %v", err)
	}
}

func insertReadingDaysAgo(t *testing.T, st *store.Store, parcelID string, daysAgo int, mean float64) {
	t.Helper()
	err := st.InsertReading(&models.RawReading{
		ParcelID:        parcelID,
		DataSourceID:    "sentinel-2-l2a",
		AcquisitionDate: dateOnly(time.Now().UTC()).AddDate(0, 0, -daysAgo),
		MetricType:      models.MetricNDVI,
		MeanValue:       mean,
		MinValue:        mean - 0.1,
		MaxValue:        mean + 0.1,
	})
	if err != nil {
		t.Fatalf("InsertReading: %v", err)
	}
}

func weekOf(d time.Time) time.Time {
	d = dateOnly(d)
	return d.AddDate(0, 0, -((int(d.Weekday()) + 6) % 7))
}

func activeAlertTypes(t *testing.T, st *store.Store, parcelID string) map[string]models.Alert {
	t.Helper()
	alerts, err := st.GetActiveAlerts(parcelID)
	if err != nil {
		t.Fatalf("GetActiveAlerts: %v", err)
	}
	byType := map[string]models.Alert{}
	for _, a := range alerts {
		byType[a.AlertType] = a
	}
	return byType
}

func TestCheckVegetationDecline(t *testing.T) {
	st := setupTestStore(t)
	createTestParcel(t, st, "p1")

	// Recent two weeks average 0.29 against prior 0.51, a 43% drop.
	insertWeeklyValues(t, st, "p1", []float64{0.50, 0.52, 0.30, 0.28})

	gen := NewGenerator(st)
	raised, err := gen.checkVegetationDecline("p1")
	if err != nil {
		t.Fatalf("checkVegetationDecline: %v", err)
	}
	if !raised {
		t.Fatal("no alert raised for 43% decline")
	}

	alert := activeAlertTypes(t, st, "p1")[models.AlertTypeVegetationDecline]
	if alert.Severity != models.SeverityHigh {
		t.Errorf("Severity = %q, want high", alert.Severity)
	}
	if !strings.Contains(alert.Message, "43.1%") {
		t.Errorf("Message = %q, want decline percentage 43.1%%", alert.Message)
	}
	if !strings.Contains(alert.Context, "percent_change") {
		t.Errorf("Context = %q, want percent_change detail", alert.Context)
	}
}

func TestCheckVegetationDecline_NoAlert(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
	}{
		{"stable series", []float64{0.50, 0.52, 0.51, 0.49}},
		{"small decline under threshold", []float64{0.50, 0.50, 0.45, 0.45}},
		{"improving series", []float64{0.30, 0.28, 0.50, 0.52}},
		{"too few points", []float64{0.50, 0.20, 0.20}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := setupTestStore(t)
			createTestParcel(t, st, "p1")
			insertWeeklyValues(t, st, "p1", tt.values)

			gen := NewGenerator(st)
			raised, err := gen.checkVegetationDecline("p1")
			if err != nil {
				t.Fatal(err)
			}
			if raised {
				t.Error("alert raised, want none")
			}
		})
	}
}

func TestCheckDroughtStress(t *testing.T) {
	st := setupTestStore(t)
	createTestParcel(t, st, "p1")
	insertWeeklyValues(t, st, "p1", []float64{0.35, 0.32, 0.30})

	gen := NewGenerator(st)
	raised, err := gen.checkDroughtStress("p1")
	if err != nil {
		t.Fatalf("checkDroughtStress: %v", err)
	}
	if !raised {
		t.Fatal("no alert raised for three weeks below threshold")
	}

	alert := activeAlertTypes(t, st, "p1")[models.AlertTypeDroughtStress]
	if alert.Severity != models.SeverityCritical {
		t.Errorf("Severity = %q, want critical", alert.Severity)
	}
}

func TestCheckDroughtStress_OneWeekAboveThreshold(t *testing.T) {
	st := setupTestStore(t)
	createTestParcel(t, st, "p1")
	// Middle week recovers above 0.4.
	insertWeeklyValues(t, st, "p1", []float64{0.35, 0.42, 0.30})

	gen := NewGenerator(st)
	raised, err := gen.checkDroughtStress("p1")
	if err != nil {
		t.Fatal(err)
	}
	if raised {
		t.Error("alert raised with a week above threshold")
	}
}

func TestCheckAnomalies(t *testing.T) {
	st := setupTestStore(t)
	createTestParcel(t, st, "p1")
	insertWeeklyPoint(t, st, "p1", weekOf(time.Now().UTC()).AddDate(0, 0, -7), 0.30, true)

	gen := NewGenerator(st)
	raised, err := gen.checkAnomalies("p1")
	if err != nil {
		t.Fatalf("checkAnomalies: %v", err)
	}
	if !raised {
		t.Fatal("no alert raised for recent anomaly")
	}

	alert := activeAlertTypes(t, st, "p1")[models.AlertTypeAnomaly]
	if alert.Severity != models.SeverityMedium {
		t.Errorf("Severity = %q, want medium", alert.Severity)
	}
}

func TestCheckAnomalies_OldAnomalyIgnored(t *testing.T) {
	st := setupTestStore(t)
	createTestParcel(t, st, "p1")
	insertWeeklyPoint(t, st, "p1", dateOnly(time.Now().UTC()).AddDate(0, 0, -60), 0.30, true)

	gen := NewGenerator(st)
	raised, err := gen.checkAnomalies("p1")
	if err != nil {
		t.Fatal(err)
	}
	if raised {
		t.Error("alert raised for anomaly outside lookback window")
	}
}

func TestCheckStaleData(t *testing.T) {
	t.Run("no readings raises no_data", func(t *testing.T) {
		st := setupTestStore(t)
		createTestParcel(t, st, "p1")

		gen := NewGenerator(st)
		raised, err := gen.checkStaleData("p1")
		if err != nil {
			t.Fatal(err)
		}
		if !raised {
			t.Fatal("no alert raised for parcel without readings")
		}
		if _, ok := activeAlertTypes(t, st, "p1")[models.AlertTypeNoData]; !ok {
			t.Error("expected a no_data alert")
		}
	})

	t.Run("old reading raises stale_data", func(t *testing.T) {
		st := setupTestStore(t)
		createTestParcel(t, st, "p1")
		insertReadingDaysAgo(t, st, "p1", 20, 0.5)

		gen := NewGenerator(st)
		raised, err := gen.checkStaleData("p1")
		if err != nil {
			t.Fatal(err)
		}
		if !raised {
			t.Fatal("no alert raised for 20 day old data")
		}
		alert, ok := activeAlertTypes(t, st, "p1")[models.AlertTypeStaleData]
		if !ok {
			t.Fatal("expected a stale_data alert")
		}
		if !strings.Contains(alert.Message, "20 days") {
			t.Errorf("Message = %q, want age in days", alert.Message)
		}
	})

	t.Run("fresh reading raises nothing", func(t *testing.T) {
		st := setupTestStore(t)
		createTestParcel(t, st, "p1")
		insertReadingDaysAgo(t, st, "p1", 3, 0.5)

		gen := NewGenerator(st)
		raised, err := gen.checkStaleData("p1")
		if err != nil {
			t.Fatal(err)
		}
		if raised {
			t.Error("alert raised for fresh data")
		}
	})
}

func TestGenerateForParcel_Dedup(t *testing.T) {
	st := setupTestStore(t)
	createTestParcel(t, st, "p1")
	insertWeeklyValues(t, st, "p1", []float64{0.35, 0.32, 0.30})

	gen := NewGenerator(st)
	first, err := gen.GenerateForParcel("p1")
	if err != nil {
		t.Fatalf("GenerateForParcel: %v", err)
	}
	// Drought stress plus no_data, since no raw readings exist.
	if first != 2 {
		t.Fatalf("first run created = %d, want 2", first)
	}

	second, err := gen.GenerateForParcel("p1")
	if err != nil {
		t.Fatalf("second GenerateForParcel: %v", err)
	}
	if second != 0 {
		t.Errorf("second run created = %d, want 0", second)
	}

	alerts, err := st.GetActiveAlerts("p1")
	if err != nil {
		t.Fatal(err)
	}
	if len(alerts) != 2 {
		t.Errorf("active alerts = %d, want 2", len(alerts))
	}
}

func TestGenerateForParcel_ReraisesAfterResolution(t *testing.T) {
	st := setupTestStore(t)
	createTestParcel(t, st, "p1")
	insertWeeklyValues(t, st, "p1", []float64{0.35, 0.32, 0.30})
	insertReadingDaysAgo(t, st, "p1", 3, 0.3)

	gen := NewGenerator(st)
	if _, err := gen.GenerateForParcel("p1"); err != nil {
		t.Fatal(err)
	}

	alert := activeAlertTypes(t, st, "p1")[models.AlertTypeDroughtStress]
	if err := st.UpdateAlertStatus(alert.ID, models.AlertStatusResolved); err != nil {
		t.Fatal(err)
	}

	created, err := gen.GenerateForParcel("p1")
	if err != nil {
		t.Fatal(err)
	}
	if created != 1 {
		t.Errorf("created after resolution = %d, want drought alert re-raised", created)
	}
}

func TestProcessAllParcels(t *testing.T) {
	st := setupTestStore(t)
	createTestParcel(t, st, "dry")
	insertWeeklyValues(t, st, "dry", []float64{0.35, 0.32, 0.30})
	insertReadingDaysAgo(t, st, "dry", 3, 0.3)

	createTestParcel(t, st, "healthy")
	insertWeeklyValues(t, st, "healthy", []float64{0.55, 0.58, 0.56})
	insertReadingDaysAgo(t, st, "healthy", 3, 0.56)

	gen := NewGenerator(st)
	summary, err := gen.ProcessAllParcels()
	if err != nil {
		t.Fatalf("ProcessAllParcels: %v", err)
	}
	if summary.TotalParcels != 2 || summary.Succeeded != 2 {
		t.Errorf("summary = %+v, want 2 parcels succeeded", summary)
	}
	if summary.AlertsCreated != 1 {
		t.Errorf("AlertsCreated = %d, want only the drought alert", summary.AlertsCreated)
	}

	if len(activeAlertTypes(t, st, "healthy")) != 0 {
		t.Error("healthy parcel has alerts")
	}
}
