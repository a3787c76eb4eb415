package store

import (
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/parcelwatch/parcelwatch/internal/models"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	// In-memory databases are per-connection.
	db.SetMaxOpenConns(1)
	db.Exec("PRAGMA foreign_keys=ON")
	t.Cleanup(func() { db.Close() })

	store := New(db)
	if err := store.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

const testGeometry = `{"type":"Polygon","coordinates":[[[145.0,-36.8],[145.01,-36.8],[145.01,-36.79],[145.0,-36.79],[145.0,-36.8]]]}`

func createTestParcel(t *testing.T, store *Store, uid string) *models.Parcel {
	t.Helper()
	p := &models.Parcel{
		UID:             uid,
		Name:            "Test Parcel " + uid,
		Geometry:        testGeometry,
		IsActive:        true,
		AutoSyncEnabled: true,
	}
	if err := store.CreateParcel(p); err != nil {
		t.Fatalf("CreateParcel: %v", err)
	}
	return p
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestCreateAndGetParcel(t *testing.T) {
	store := setupTestStore(t)
	createTestParcel(t, store, "p1")

	p, err := store.GetParcel("p1")
	if err != nil {
		t.Fatalf("GetParcel: %v", err)
	}
	if p.Name != "Test Parcel p1" {
		t.Errorf("Name = %q, want 'Test Parcel p1'", p.Name)
	}
	if !p.IsActive || !p.AutoSyncEnabled {
		t.Errorf("IsActive = %v, AutoSyncEnabled = %v, want both true", p.IsActive, p.AutoSyncEnabled)
	}
	if p.LatestAcquisitionDate.Valid {
		t.Errorf("LatestAcquisitionDate valid on fresh parcel")
	}
}

func TestGetParcel_NotFound(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.GetParcel("missing")
	if err != ErrParcelNotFound {
		t.Errorf("GetParcel error = %v, want ErrParcelNotFound", err)
	}
}

func TestGetDueParcels(t *testing.T) {
	store := setupTestStore(t)
	now := time.Now().UTC()

	// Never synced: due.
	createTestParcel(t, store, "never-synced")

	// Next sync in the past: due.
	createTestParcel(t, store, "past-due")
	if err := store.ScheduleNextSync("past-due", now.Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}

	// Next sync in the future: not due.
	createTestParcel(t, store, "future")
	if err := store.ScheduleNextSync("future", now.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	// Inactive: never due.
	inactive := &models.Parcel{UID: "inactive", Name: "Inactive", Geometry: testGeometry, AutoSyncEnabled: true}
	if err := store.CreateParcel(inactive); err != nil {
		t.Fatal(err)
	}

	// Auto-sync disabled: never due.
	manual := &models.Parcel{UID: "manual", Name: "Manual", Geometry: testGeometry, IsActive: true}
	if err := store.CreateParcel(manual); err != nil {
		t.Fatal(err)
	}

	due, err := store.GetDueParcels(now)
	if err != nil {
		t.Fatalf("GetDueParcels: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("len(due) = %d, want 2", len(due))
	}
	got := map[string]bool{}
	for _, p := range due {
		got[p.UID] = true
	}
	if !got["never-synced"] || !got["past-due"] {
		t.Errorf("due parcels = %v, want never-synced and past-due", got)
	}
}

func TestUpdateParcelSyncMetadata_NeverRegresses(t *testing.T) {
	store := setupTestStore(t)
	createTestParcel(t, store, "p1")

	newer := date(2026, 8, 20)
	older := date(2026, 8, 10)

	if err := store.UpdateParcelSyncMetadata("p1", time.Now().UTC(), newer); err != nil {
		t.Fatalf("UpdateParcelSyncMetadata: %v", err)
	}
	if err := store.UpdateParcelSyncMetadata("p1", time.Now().UTC(), older); err != nil {
		t.Fatalf("UpdateParcelSyncMetadata older: %v", err)
	}

	p, err := store.GetParcel("p1")
	if err != nil {
		t.Fatal(err)
	}
	if !p.LatestAcquisitionDate.Valid {
		t.Fatal("LatestAcquisitionDate not set")
	}
	if !p.LatestAcquisitionDate.Time.Equal(newer) {
		t.Errorf("LatestAcquisitionDate = %v, want %v", p.LatestAcquisitionDate.Time, newer)
	}
}

func TestDeleteParcel_Cascades(t *testing.T) {
	store := setupTestStore(t)
	createTestParcel(t, store, "p1")

	job := &models.IngestionJob{
		ParcelID:           "p1",
		DataSourceID:       "sentinel-2-l2a",
		RequestedStartDate: date(2026, 8, 1),
		RequestedEndDate:   date(2026, 8, 10),
		JobType:            models.JobTypeBackfill,
	}
	if err := store.CreateJob(job); err != nil {
		t.Fatal(err)
	}
	if err := store.InsertReading(&models.RawReading{
		ParcelID:        "p1",
		DataSourceID:    "sentinel-2-l2a",
		AcquisitionDate: date(2026, 8, 5),
		MetricType:      models.MetricNDVI,
		MeanValue:       0.5,
	}); err != nil {
		t.Fatal(err)
	}
	if err := store.InsertTimeSeriesPoint(&models.TimeSeriesPoint{
		ParcelID:   "p1",
		MetricType: models.MetricNDVI,
		TimePeriod: models.PeriodWeekly,
		StartDate:  date(2026, 8, 3),
		EndDate:    date(2026, 8, 9),
		Value:      0.5,
	}); err != nil {
		t.Fatal(err)
	}
	if err := store.CreateAlert(&models.Alert{
		ParcelID:  "p1",
		AlertType: models.AlertTypeNoData,
		Severity:  models.SeverityLow,
		Message:   "test",
	}); err != nil {
		t.Fatal(err)
	}

	if err := store.DeleteParcel("p1"); err != nil {
		t.Fatalf("DeleteParcel: %v", err)
	}

	if j, err := store.GetJob(job.UID); err != nil || j != nil {
		t.Errorf("GetJob after delete = %v, %v, want nil, nil", j, err)
	}
	readings, err := store.GetReadings("p1", models.MetricNDVI, time.Time{}, time.Time{})
	if err != nil || len(readings) != 0 {
		t.Errorf("readings after delete = %d, %v, want 0", len(readings), err)
	}
	points, err := store.GetTimeSeriesPoints("p1", models.MetricNDVI, models.PeriodWeekly)
	if err != nil || len(points) != 0 {
		t.Errorf("points after delete = %d, %v, want 0", len(points), err)
	}
	alerts, err := store.GetActiveAlerts("p1")
	if err != nil || len(alerts) != 0 {
		t.Errorf("alerts after delete = %d, %v, want 0", len(alerts), err)
	}

	if err := store.DeleteParcel("p1"); err != ErrParcelNotFound {
		t.Errorf("second DeleteParcel error = %v, want ErrParcelNotFound", err)
	}
}

func TestReadingUniqueness(t *testing.T) {
	store := setupTestStore(t)
	createTestParcel(t, store, "p1")

	acq := date(2026, 8, 5)
	first := &models.RawReading{
		ParcelID:        "p1",
		DataSourceID:    "sentinel-2-l2a",
		AcquisitionDate: acq,
		MetricType:      models.MetricNDVI,
		MeanValue:       0.5,
	}
	if err := store.InsertReading(first); err != nil {
		t.Fatalf("InsertReading: %v", err)
	}

	// Conflicting insert is dropped, not an error.
	dup := &models.RawReading{
		ParcelID:        "p1",
		DataSourceID:    "sentinel-2-l2a",
		AcquisitionDate: acq,
		MetricType:      models.MetricNDVI,
		MeanValue:       0.9,
	}
	if err := store.InsertReading(dup); err != nil {
		t.Fatalf("InsertReading duplicate: %v", err)
	}

	readings, err := store.GetReadings("p1", models.MetricNDVI, time.Time{}, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(readings) != 1 {
		t.Fatalf("len(readings) = %d, want 1", len(readings))
	}
	if readings[0].MeanValue != 0.5 {
		t.Errorf("MeanValue = %v, want first insert to win", readings[0].MeanValue)
	}

	exists, err := store.ReadingExists("p1", acq, models.MetricNDVI)
	if err != nil || !exists {
		t.Errorf("ReadingExists = %v, %v, want true", exists, err)
	}
	exists, err = store.ReadingExists("p1", date(2026, 8, 6), models.MetricNDVI)
	if err != nil || exists {
		t.Errorf("ReadingExists other date = %v, %v, want false", exists, err)
	}
}

func TestJobLifecycle(t *testing.T) {
	store := setupTestStore(t)
	createTestParcel(t, store, "p1")

	job := &models.IngestionJob{
		ParcelID:           "p1",
		DataSourceID:       "sentinel-2-l2a",
		RequestedStartDate: date(2026, 8, 1),
		RequestedEndDate:   date(2026, 8, 10),
		JobType:            models.JobTypePeriodic,
	}
	if err := store.CreateJob(job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if job.UID == "" {
		t.Fatal("CreateJob did not assign uid")
	}
	if job.Status != models.JobStatusPending {
		t.Errorf("Status = %q, want pending", job.Status)
	}
	if job.MetricType != models.MetricNDVI {
		t.Errorf("MetricType = %q, want NDVI", job.MetricType)
	}

	if err := store.MarkJobRunning(job); err != nil {
		t.Fatalf("MarkJobRunning: %v", err)
	}

	job.Status = models.JobStatusCompleted
	job.RecordsCreated = 3
	job.RecordsSkipped = 1
	job.ActualStartDate = sql.NullTime{Time: date(2026, 8, 2), Valid: true}
	job.ActualEndDate = sql.NullTime{Time: date(2026, 8, 9), Valid: true}
	if err := store.CompleteJob(job); err != nil {
		t.Fatalf("CompleteJob: %v", err)
	}

	got, err := store.GetJob(job.UID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got == nil {
		t.Fatal("GetJob returned nil")
	}
	if got.Status != models.JobStatusCompleted {
		t.Errorf("Status = %q, want completed", got.Status)
	}
	if got.RecordsCreated != 3 || got.RecordsSkipped != 1 {
		t.Errorf("records = %d/%d, want 3/1", got.RecordsCreated, got.RecordsSkipped)
	}
	if !got.StartedAt.Valid || !got.CompletedAt.Valid {
		t.Errorf("StartedAt.Valid = %v, CompletedAt.Valid = %v, want both true", got.StartedAt.Valid, got.CompletedAt.Valid)
	}
	if !got.ActualStartDate.Time.Equal(date(2026, 8, 2)) {
		t.Errorf("ActualStartDate = %v, want 2026-08-02", got.ActualStartDate.Time)
	}
}

func TestGetActiveDataSource_Seeded(t *testing.T) {
	store := setupTestStore(t)

	ds, err := store.GetActiveDataSource("sentinel-2-l2a")
	if err != nil {
		t.Fatalf("GetActiveDataSource: %v", err)
	}
	if ds.AvailabilityLagDays != 2 {
		t.Errorf("AvailabilityLagDays = %d, want 2", ds.AvailabilityLagDays)
	}
	if ds.SyncFrequencyDays != 7 {
		t.Errorf("SyncFrequencyDays = %d, want 7", ds.SyncFrequencyDays)
	}

	// Seeded but inactive.
	if _, err := store.GetActiveDataSource("landsat-ot-l1"); err != ErrNoActiveDataSource {
		t.Errorf("inactive source error = %v, want ErrNoActiveDataSource", err)
	}
	if _, err := store.GetActiveDataSource("nope"); err != ErrNoActiveDataSource {
		t.Errorf("unknown source error = %v, want ErrNoActiveDataSource", err)
	}
}

func TestUpsertDataSource(t *testing.T) {
	store := setupTestStore(t)

	// Flip the seeded landsat source active.
	ds := models.DataSource{
		UID:                  "landsat-ot-l1",
		Name:                 "landsat-ot-l1",
		RevisitFrequencyDays: 16,
		AvailabilityLagDays:  1,
		SyncFrequencyDays:    16,
		MaxCloudCoverage:     30,
		IsActive:             true,
	}
	if err := store.UpsertDataSource(ds); err != nil {
		t.Fatalf("UpsertDataSource: %v", err)
	}

	got, err := store.GetActiveDataSource("landsat-ot-l1")
	if err != nil {
		t.Fatalf("GetActiveDataSource: %v", err)
	}
	if got.RevisitFrequencyDays != 16 || !got.IsActive {
		t.Errorf("source = %+v, want the updated active landsat config", got)
	}
}

func TestTimeSeriesPointUniqueness(t *testing.T) {
	store := setupTestStore(t)
	createTestParcel(t, store, "p1")

	start := date(2026, 8, 3)
	point := &models.TimeSeriesPoint{
		ParcelID:   "p1",
		MetricType: models.MetricNDVI,
		TimePeriod: models.PeriodWeekly,
		StartDate:  start,
		EndDate:    start.AddDate(0, 0, 6),
		Value:      0.5,
	}
	if err := store.InsertTimeSeriesPoint(point); err != nil {
		t.Fatalf("InsertTimeSeriesPoint: %v", err)
	}

	dup := *point
	dup.UID = ""
	dup.Value = 0.9
	if err := store.InsertTimeSeriesPoint(&dup); err != nil {
		t.Fatalf("InsertTimeSeriesPoint duplicate: %v", err)
	}

	points, err := store.GetTimeSeriesPoints("p1", models.MetricNDVI, models.PeriodWeekly)
	if err != nil {
		t.Fatal(err)
	}
	if len(points) != 1 {
		t.Fatalf("len(points) = %d, want 1", len(points))
	}
	if points[0].Value != 0.5 {
		t.Errorf("Value = %v, want original point to survive", points[0].Value)
	}

	exists, err := store.TimeSeriesPointExists("p1", models.MetricNDVI, models.PeriodWeekly, start)
	if err != nil || !exists {
		t.Errorf("TimeSeriesPointExists = %v, %v, want true", exists, err)
	}
}

func TestGetRecentWeeklyPoints_NewestFirst(t *testing.T) {
	store := setupTestStore(t)
	createTestParcel(t, store, "p1")

	for i, v := range []float64{0.4, 0.5, 0.6} {
		start := date(2026, 8, 3).AddDate(0, 0, 7*i)
		if err := store.InsertTimeSeriesPoint(&models.TimeSeriesPoint{
			ParcelID:   "p1",
			MetricType: models.MetricNDVI,
			TimePeriod: models.PeriodWeekly,
			StartDate:  start,
			EndDate:    start.AddDate(0, 0, 6),
			Value:      v,
		}); err != nil {
			t.Fatal(err)
		}
	}

	points, err := store.GetRecentWeeklyPoints("p1", models.MetricNDVI, 2)
	if err != nil {
		t.Fatalf("GetRecentWeeklyPoints: %v", err)
	}
	if len(points) != 2 {
		t.Fatalf("len(points) = %d, want 2", len(points))
	}
	if points[0].Value != 0.6 || points[1].Value != 0.5 {
		t.Errorf("values = %v, %v, want newest first (0.6, 0.5)", points[0].Value, points[1].Value)
	}
}

func TestAlertDedupAndStatus(t *testing.T) {
	store := setupTestStore(t)
	createTestParcel(t, store, "p1")

	alert := &models.Alert{
		ParcelID:  "p1",
		AlertType: models.AlertTypeDroughtStress,
		Severity:  models.SeverityCritical,
		Message:   "test",
	}
	if err := store.CreateAlert(alert); err != nil {
		t.Fatalf("CreateAlert: %v", err)
	}
	if alert.ID == 0 {
		t.Fatal("CreateAlert did not assign id")
	}
	if alert.Status != models.AlertStatusActive {
		t.Errorf("Status = %q, want active", alert.Status)
	}

	exists, err := store.ActiveAlertExists("p1", models.AlertTypeDroughtStress)
	if err != nil || !exists {
		t.Fatalf("ActiveAlertExists = %v, %v, want true", exists, err)
	}
	exists, err = store.ActiveAlertExists("p1", models.AlertTypeNoData)
	if err != nil || exists {
		t.Errorf("ActiveAlertExists other type = %v, %v, want false", exists, err)
	}

	if err := store.UpdateAlertStatus(alert.ID, models.AlertStatusResolved); err != nil {
		t.Fatalf("UpdateAlertStatus: %v", err)
	}

	exists, err = store.ActiveAlertExists("p1", models.AlertTypeDroughtStress)
	if err != nil || exists {
		t.Errorf("ActiveAlertExists after resolve = %v, %v, want false", exists, err)
	}
	alerts, err := store.GetActiveAlerts("p1")
	if err != nil || len(alerts) != 0 {
		t.Errorf("GetActiveAlerts after resolve = %d, %v, want 0", len(alerts), err)
	}
}

func TestGetAnomalousPointsSince(t *testing.T) {
	store := setupTestStore(t)
	createTestParcel(t, store, "p1")

	for i, anomaly := range []bool{false, true, true} {
		start := date(2026, 8, 3).AddDate(0, 0, 7*i)
		if err := store.InsertTimeSeriesPoint(&models.TimeSeriesPoint{
			ParcelID:   "p1",
			MetricType: models.MetricNDVI,
			TimePeriod: models.PeriodWeekly,
			StartDate:  start,
			EndDate:    start.AddDate(0, 0, 6),
			Value:      0.3,
			IsAnomaly:  anomaly,
		}); err != nil {
			t.Fatal(err)
		}
	}

	points, err := store.GetAnomalousPointsSince("p1", date(2026, 8, 10))
	if err != nil {
		t.Fatalf("GetAnomalousPointsSince: %v", err)
	}
	if len(points) != 2 {
		t.Fatalf("len(points) = %d, want 2", len(points))
	}
	if !points[0].StartDate.Before(points[1].StartDate) {
		t.Errorf("points not in ascending order: %v, %v", points[0].StartDate, points[1].StartDate)
	}
}

func TestMigrateIdempotent(t *testing.T) {
	store := setupTestStore(t)
	if err := store.Migrate(); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
}
