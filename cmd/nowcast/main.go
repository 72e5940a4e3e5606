// Command nowcast runs the radar precipitation nowcasting service:
// it mirrors the DMI composite catalogue, produces extrapolation
// forecasts on a fixed cycle, and serves diagnostics over HTTP.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/regn-data/nowcast.report/internal/api"
	"github.com/regn-data/nowcast.report/internal/config"
	"github.com/regn-data/nowcast.report/internal/dmi"
	"github.com/regn-data/nowcast.report/internal/monitoring"
	"github.com/regn-data/nowcast.report/internal/nowcast"
	"github.com/regn-data/nowcast.report/internal/product"
	"github.com/regn-data/nowcast.report/internal/store"
	"github.com/regn-data/nowcast.report/internal/uploader"
	"github.com/regn-data/nowcast.report/internal/version"
	"github.com/regn-data/nowcast.report/internal/worker"
)

var oneShot = flag.Bool("once", false, "run a single cycle and exit")

func main() {
	flag.Parse()

	monitoring.Logf("nowcast %s (%s, built %s)", version.Version, version.GitSHA, version.BuildTime)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	engine, err := nowcast.NewEngine(cfg.Engine)
	if err != nil {
		log.Fatalf("failed to build engine: %v", err)
	}

	runLog, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open run log: %v", err)
	}
	defer runLog.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var up worker.Uploader
	if cfg.UploadEnabled {
		u, err := uploader.New(ctx, cfg.Bucket, cfg.Region, cfg.EndpointURL, cfg.Subfolder)
		if err != nil {
			log.Fatalf("failed to build uploader: %v", err)
		}
		up = u
	} else {
		monitoring.Logf("uploads disabled; forecasts stay local")
	}

	metrics := monitoring.NewMetrics()
	fetcher := dmi.New(cfg.APIURL, cfg.APIKey, cfg.BBox, cfg.Limit, nil, nil)
	var decoder product.Decoder = product.RawDecoder{Spec: product.DefaultRawSpec()}
	if len(cfg.ConvertCommand) > 0 {
		monitoring.Logf("decoding products through converter %q", cfg.ConvertCommand[0])
		decoder = product.CommandDecoder{
			Command: cfg.ConvertCommand[0],
			Args:    cfg.ConvertCommand[1:],
			Spec:    product.DefaultRawSpec(),
		}
	}
	w := worker.New(cfg, engine, fetcher, decoder, runLog, up, metrics, nil)

	if *oneShot {
		if err := w.RunCycle(ctx); err != nil {
			log.Fatalf("cycle failed: %v", err)
		}
		return
	}

	var wg sync.WaitGroup

	sched := worker.NewScheduler(w, cfg.CycleInterval)
	if err := sched.Start(); err != nil {
		log.Fatalf("failed to start scheduler: %v", err)
	}

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: api.LoggingMiddleware(api.NewServer(runLog, cfg.Engine).ServeMux()),
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		monitoring.Logf("serving HTTP on %s", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	monitoring.Logf("shutting down...")
	sched.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		monitoring.Logf("HTTP server shutdown error: %v", err)
	}
	wg.Wait()
}
