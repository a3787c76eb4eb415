package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	kongdotenv "github.com/titusjaka/kong-dotenv-go"
	_ "modernc.org/sqlite"

	"github.com/parcelwatch/parcelwatch/internal/alerting"
	"github.com/parcelwatch/parcelwatch/internal/api"
	"github.com/parcelwatch/parcelwatch/internal/geometry"
	"github.com/parcelwatch/parcelwatch/internal/ingest"
	"github.com/parcelwatch/parcelwatch/internal/models"
	"github.com/parcelwatch/parcelwatch/internal/provider"
	"github.com/parcelwatch/parcelwatch/internal/scheduler"
	"github.com/parcelwatch/parcelwatch/internal/store"
	"github.com/parcelwatch/parcelwatch/internal/timeseries"
)

type globals struct {
	DB                   string `help:"Path to SQLite database." default:"data/parcelwatch.db" env:"PARCELWATCH_DB"`
	SentinelBaseURL      string `help:"Sentinel Hub base URL." default:"https://services.sentinel-hub.com" env:"SENTINEL_HUB_BASE_URL"`
	SentinelClientID     string `help:"Sentinel Hub OAuth client id." env:"SENTINEL_HUB_CLIENT_ID"`
	SentinelClientSecret string `help:"Sentinel Hub OAuth client secret." env:"SENTINEL_HUB_CLIENT_SECRET"`
}

type cli struct {
	globals

	Serve      serveCmd      `cmd:"" default:"withargs" help:"Run the scheduler and operational HTTP server."`
	Ingest     ingestCmd     `cmd:"" help:"Process due parcels once and exit."`
	Backfill   backfillCmd   `cmd:"" help:"Run an initial historical backfill for one parcel."`
	Timeseries timeseriesCmd `cmd:"" help:"Generate weekly/monthly time series and exit."`
	Alerts     alertsCmd     `cmd:"" help:"Evaluate alert rules and exit."`
	Jobs       jobsCmd       `cmd:"" help:"List recent ingestion jobs."`
	AddParcel  addParcelCmd  `cmd:"" name:"add-parcel" help:"Register a parcel from a GeoJSON polygon."`
}

// app wires the shared dependencies once; commands receive it from kong.
type app struct {
	db         *sql.DB
	store      *store.Store
	controller *ingest.Controller
	timeseries *timeseries.Generator
	alerting   *alerting.Generator
}

func newApp(g globals) (*app, error) {
	db, err := store.Open(g.DB)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	st := store.New(db)
	if err := st.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Println("database migrated")

	client := provider.NewClient(g.SentinelBaseURL, g.SentinelClientID, g.SentinelClientSecret)

	return &app{
		db:         db,
		store:      st,
		controller: ingest.NewController(st, client),
		timeseries: timeseries.NewGenerator(st),
		alerting:   alerting.NewGenerator(st),
	}, nil
}

func (a *app) Close() {
	a.db.Close()
}

type serveCmd struct {
	Port               string        `help:"HTTP server port." default:"8080" env:"PORT"`
	IngestInterval     time.Duration `help:"Interval between due-parcel checks." default:"24h" env:"INGEST_INTERVAL"`
	TimeseriesInterval time.Duration `help:"Interval between time-series generation passes." default:"24h" env:"TIMESERIES_INTERVAL"`
	AlertsInterval     time.Duration `help:"Interval between alert evaluation passes." default:"24h" env:"ALERTS_INTERVAL"`
	NoScheduler        bool          `help:"Disable the background scheduler (server only, for local dev)."`
}

func (c *serveCmd) Run(a *app) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sched := scheduler.New()
	sched.AddJob("ingestion", c.IngestInterval, func(ctx context.Context) error {
		_, err := a.controller.ProcessDueParcels(ctx)
		return err
	})
	sched.AddJob("timeseries", c.TimeseriesInterval, func(ctx context.Context) error {
		_, err := a.timeseries.ProcessAllParcels()
		return err
	})
	sched.AddJob("alerts", c.AlertsInterval, func(ctx context.Context) error {
		_, err := a.alerting.ProcessAllParcels()
		return err
	})

	if c.NoScheduler {
		log.Println("scheduler disabled (--no-scheduler)")
	} else {
		sched.Start(ctx)
		defer sched.Stop()
	}

	server := api.NewServer(a.store, sched, c.Port)
	log.Printf("starting server on :%s", c.Port)
	return server.Run(ctx)
}

type ingestCmd struct{}

func (c *ingestCmd) Run(a *app) error {
	summary, err := a.controller.ProcessDueParcels(context.Background())
	if err != nil {
		return err
	}
	log.Printf("ingestion done: %d succeeded, %d failed, %d skipped of %d due",
		summary.Succeeded, summary.Failed, summary.Skipped, summary.Total)
	return nil
}

type backfillCmd struct {
	ParcelID string `arg:"" help:"Parcel uid to backfill."`
	Lookback int    `help:"Days of history to fetch." default:"90"`
}

func (c *backfillCmd) Run(a *app) error {
	job, err := a.controller.TriggerInitialBackfill(context.Background(), c.ParcelID, c.Lookback)
	if err != nil {
		return err
	}
	log.Printf("backfill job %s %s: %d created, %d skipped",
		job.UID, job.Status, job.RecordsCreated, job.RecordsSkipped)
	return nil
}

type timeseriesCmd struct {
	Parcel string `help:"Generate for a single parcel uid instead of all active parcels."`
}

func (c *timeseriesCmd) Run(a *app) error {
	if c.Parcel != "" {
		weekly, monthly, err := a.timeseries.GenerateForParcel(c.Parcel)
		if err != nil {
			return err
		}
		log.Printf("generated %d weekly and %d monthly points", weekly, monthly)
		return nil
	}
	summary, err := a.timeseries.ProcessAllParcels()
	if err != nil {
		return err
	}
	log.Printf("time series done: %d succeeded, %d failed, %d weekly, %d monthly",
		summary.Succeeded, summary.Failed, summary.WeeklyCreated, summary.MonthlyCreated)
	return nil
}

type alertsCmd struct {
	Parcel string `help:"Evaluate a single parcel uid instead of all active parcels."`
}

func (c *alertsCmd) Run(a *app) error {
	if c.Parcel != "" {
		count, err := a.alerting.GenerateForParcel(c.Parcel)
		if err != nil {
			return err
		}
		log.Printf("created %d alerts", count)
		return nil
	}
	summary, err := a.alerting.ProcessAllParcels()
	if err != nil {
		return err
	}
	log.Printf("alerts done: %d created across %d parcels (%d failed)",
		summary.AlertsCreated, summary.TotalParcels, summary.Failed)
	return nil
}

type jobsCmd struct {
	Limit int `help:"Number of jobs to show." default:"20"`
}

func (c *jobsCmd) Run(a *app) error {
	jobs, err := a.store.GetRecentJobs(c.Limit)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		errMsg := ""
		if job.ErrorMessage.Valid {
			errMsg = " error=" + job.ErrorMessage.String
		}
		fmt.Printf("%s  %-9s %-8s parcel=%s window=%s..%s created=%d skipped=%d%s\n",
			job.CreatedAt.Format("2006-01-02 15:04"), job.Status, job.JobType, job.ParcelID,
			job.RequestedStartDate.Format("2006-01-02"), job.RequestedEndDate.Format("2006-01-02"),
			job.RecordsCreated, job.RecordsSkipped, errMsg)
	}
	return nil
}

type addParcelCmd struct {
	Name         string `arg:"" help:"Parcel name."`
	GeometryFile string `arg:"" type:"existingfile" help:"Path to a GeoJSON polygon file."`
	CropType     string `help:"Crop grown on the parcel."`
	Backfill     bool   `help:"Trigger an initial backfill after registering."`
	Lookback     int    `help:"Days of history for the initial backfill." default:"90"`
}

func (c *addParcelCmd) Run(a *app) error {
	raw, err := os.ReadFile(c.GeometryFile)
	if err != nil {
		return err
	}

	polygon, err := geometry.ParsePolygon(string(raw))
	if err != nil {
		return fmt.Errorf("invalid geometry: %w", err)
	}

	parcel := &models.Parcel{
		UID:             uuid.NewString(),
		Name:            c.Name,
		Geometry:        string(raw),
		AreaHectares:    sql.NullFloat64{Float64: geometry.AreaHectares(polygon), Valid: true},
		IsActive:        true,
		AutoSyncEnabled: true,
	}
	if c.CropType != "" {
		parcel.CropType = sql.NullString{String: c.CropType, Valid: true}
	}

	if err := a.store.CreateParcel(parcel); err != nil {
		return err
	}
	log.Printf("created parcel %s (%s, %.2f ha)", parcel.UID, parcel.Name, parcel.AreaHectares.Float64)

	if c.Backfill {
		job, err := a.controller.TriggerInitialBackfill(context.Background(), parcel.UID, c.Lookback)
		if err != nil {
			return err
		}
		log.Printf("backfill job %s %s: %d created", job.UID, job.Status, job.RecordsCreated)
	}
	return nil
}

func main() {
	var cli cli
	kctx := kong.Parse(&cli,
		kong.Name("parcelwatch"),
		kong.Description("Synchronizes per-parcel vegetation index readings, aggregates them and raises alerts."),
		kong.Configuration(kongdotenv.ENVFileReader, ".env"),
		kong.UsageOnError(),
	)

	a, err := newApp(cli.globals)
	kctx.FatalIfErrorf(err)
	defer a.Close()

	kctx.FatalIfErrorf(kctx.Run(a))
}
