package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"route-segments/internal/config"
	"route-segments/internal/db"
	"route-segments/internal/metrics"
	"route-segments/internal/publisher"
	"route-segments/internal/sim"
)

func main() {
	// Load configuration from .env and environment
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if cfg.StoreDSN == "" {
		log.Fatalf("STORE_DSN must be set; run the segmenter against the same store first")
	}

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := db.OpenStore(cfg.StoreDSN)
	if err != nil {
		log.Fatalf("store open error: %v", err)
	}
	defer store.Close()
	if err := store.Ping(ctx); err != nil {
		log.Fatalf("store ping error: %v", err)
	}
	if err := store.EnsureSchema(ctx); err != nil {
		log.Fatalf("store schema error: %v", err)
	}
	if run, err := store.LatestRun(ctx); err != nil {
		log.Printf("no segmenter run found (%v); conditions will be empty until one is stored", err)
	} else {
		log.Printf("Simulating conditions for run %s (%d segments, %s)", run.ID, run.Segments, run.CreatedAt.Format(time.RFC3339))
	}

	// Metrics setup
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

	var simPub sim.Publisher
	if cfg.NATSURL != "" {
		var pm publisher.PublisherMetrics
		if mcol != nil {
			pm = mcol
		}
		pub, err := publisher.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubjectPrefix, cfg.LogNATSSubjects, pm)
		if err != nil {
			log.Fatalf("nats error: %v", err)
		}
		defer pub.Close()
		simPub = pub
	}

	mgr := sim.NewManager(store, simPub, cfg.SimInterval, cfg.SimPublishRate, cfg.SimSeed, mcol)
	mgr.Start(ctx)

	// Block until context cancelled
	<-ctx.Done()
	mgr.Stop()
	log.Println("shutdown complete")
}
