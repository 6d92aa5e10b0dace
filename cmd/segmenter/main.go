package main

import (
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"route-segments/internal/config"
	"route-segments/internal/db"
	"route-segments/internal/gtfs"
	"route-segments/internal/loader"
	"route-segments/internal/metrics"
	"route-segments/internal/output"
	"route-segments/internal/publisher"
	"route-segments/internal/segments"
)

func main() {
	// Load configuration from .env and environment
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger := cfg.NewLogger(os.Stderr)

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var mcol *metrics.Collector
	if cfg.MetricsAddr != "" {
		mcol = metrics.NewCollector(cfg.SimInterval)
		srv := mcol.Serve(cfg.MetricsAddr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	src, closeSrc := openSource(ctx, cfg, logger)
	defer closeSrc()

	tables, err := src.Load(ctx)
	if err != nil {
		log.Fatalf("load gtfs: %v", err)
	}
	logger.Info("tables loaded",
		slog.Int("stops", len(tables.Stops)),
		slog.Int("trips", len(tables.Trips)),
		slog.Int("stop_times", len(tables.StopTimes)),
		slog.Int("shape_points", len(tables.ShapePoints)))

	obs := []segments.Observer{segments.LogObserver{Logger: logger, Every: 500}}
	if mcol != nil {
		obs = append(obs, mcol.Observer())
	}

	start := time.Now()
	res, err := segments.Compute(ctx, tables, segments.Options{
		Mode:              segments.DistanceMode(cfg.DistanceMode),
		AllTrips:          cfg.AllTrips,
		HaversineFallback: cfg.HaversineFallback,
		IncludePath:       cfg.OutputPathPolyline,
		Workers:           cfg.Workers,
		Observer:          segments.MultiObserver(obs...),
	})
	if err != nil {
		log.Fatalf("compute segments: %v", err)
	}
	elapsed := time.Since(start)

	segs := res.Segments
	if cfg.Aggregate == "mean" {
		segs = segments.MeanBySequence(segs)
		// Stops only later trips used are gone from the written mapping.
		res.Report.UnusedStops = segments.UnusedStops(tables.Stops, segs)
		res.Report.SegmentsOut = len(segs)
	}

	opts := output.Options{
		Coords:      cfg.OutputCoords,
		TripColumns: cfg.OutputTripColumns,
		Polyline:    cfg.OutputPathPolyline,
	}
	if err := output.WriteFile(cfg.OutputPath, segs, opts); err != nil {
		log.Fatalf("write output: %v", err)
	}
	if cfg.WriteUnusedStops {
		if err := output.WriteUnusedStops(output.UnusedStopsPath(cfg.OutputPath), res.Report.UnusedStops); err != nil {
			log.Fatalf("write unused stops: %v", err)
		}
	}

	run := db.Run{ID: uuid.NewString(), CreatedAt: time.Now().UTC(), Segments: len(segs)}
	if cfg.StoreDSN != "" {
		if err := persist(ctx, cfg.StoreDSN, run, res.Report, segs); err != nil {
			log.Fatalf("store segments: %v", err)
		}
		logger.Info("segments stored", slog.String("run_id", run.ID))
	}

	if cfg.NATSURL != "" {
		var pm publisher.PublisherMetrics
		if mcol != nil {
			pm = mcol
		}
		pub, err := publisher.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubjectPrefix, cfg.LogNATSSubjects, pm)
		if err != nil {
			logger.Error("nats connect", slog.Any("err", err))
		} else {
			if err := pub.PublishRun(publisher.RunSummary{
				RunID:      run.ID,
				CreatedAt:  run.CreatedAt,
				OutputPath: cfg.OutputPath,
				Report:     res.Report,
			}); err != nil {
				logger.Error("publish run summary", slog.Any("err", err))
			}
			pub.Close()
		}
	}

	if mcol != nil {
		mcol.ObserveRun(res.Report, elapsed)
	}
	logger.Info("done",
		slog.String("output", cfg.OutputPath),
		slog.Int("segments", len(segs)),
		slog.Int("trips", res.Report.TripsSelected),
		slog.Int("unused_stops", len(res.Report.UnusedStops)),
		slog.Duration("elapsed", elapsed))
}

// openSource picks the CSV or Postgres loader. With CITY set, the database
// of the latest successful import for that city is used.
func openSource(ctx context.Context, cfg *config.Config, logger *slog.Logger) (loader.Source, func()) {
	if cfg.Source != "postgres" {
		return loader.Files{Path: cfg.GTFSPath, Logger: logger}, func() {}
	}
	dsn := cfg.DatabaseURL
	if cfg.City != "" {
		var name string
		var err error
		dsn, name, err = db.ResolveCityDSN(ctx, cfg.DatabaseURL, cfg.City)
		if err != nil {
			log.Fatalf("resolve latest import for city %q: %v", cfg.City, err)
		}
		log.Printf("Using database %q for city %q", name, cfg.City)
	}
	sqlDB, err := db.Open(dsn)
	if err != nil {
		log.Fatalf("db open error: %v", err)
	}
	if err := db.Ping(ctx, sqlDB); err != nil {
		log.Fatalf("db ping error: %v", err)
	}
	return loader.Postgres{DB: sqlDB, Logger: logger}, func() { sqlDB.Close() }
}

func persist(ctx context.Context, dsn string, run db.Run, rep segments.Report, segs []gtfs.Segment) error {
	store, err := db.OpenStore(dsn)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}
	run.Report, err = json.Marshal(rep)
	if err != nil {
		return err
	}
	return store.WriteSegments(ctx, run, segs)
}
