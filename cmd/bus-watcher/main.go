package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wagslane/go-rabbitmq"

	"github.com/rutaescolar/bus-watcher/internal/alert"
	"github.com/rutaescolar/bus-watcher/internal/config"
	"github.com/rutaescolar/bus-watcher/internal/events"
	"github.com/rutaescolar/bus-watcher/internal/ingest"
	"github.com/rutaescolar/bus-watcher/internal/notify"
	"github.com/rutaescolar/bus-watcher/internal/observability"
	"github.com/rutaescolar/bus-watcher/internal/poller"
	"github.com/rutaescolar/bus-watcher/internal/server"
	"github.com/rutaescolar/bus-watcher/internal/store"
	"github.com/rutaescolar/bus-watcher/internal/traccar"
)

func main() {
	configPath := flag.String("config", "config.yml", "path to the configuration file")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// listen for interrupt signal to gracefully shutdown the application
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		cancel()
	}()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}

	metrics := observability.NewCollector(nil)

	db, err := store.New(ctx, cfg.Postgres.DSN)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	// queue setup
	conn, err := rabbitmq.NewConn(
		cfg.AMQP.URL,
		rabbitmq.WithConnectionOptionsLogging,
	)
	if err != nil {
		log.Fatal(err)
	}
	defer conn.Close()

	positions, err := events.NewPositionPublisher(conn)
	if err != nil {
		log.Fatal(err)
	}
	defer positions.Close()

	alerts := notify.NewClient(cfg.AMQP.URL)
	defer alerts.Close()

	hub := server.NewHub()

	engine := alert.NewEngine(db, notify.NewAMQPSink(alerts, db), alert.Options{
		FarMeters:  cfg.Alerts.FarMeters,
		NearMeters: cfg.Alerts.NearMeters,
		Cooldown:   cfg.Alerts.Cooldown(),
		Metrics:    metrics,
	})

	client := traccar.NewClient(cfg.Traccar.BaseURL, cfg.Traccar.Username, cfg.Traccar.Password, cfg.Traccar.Timeout())

	pipeline := ingest.NewPipeline(client, db, engine, []ingest.Broadcaster{positions, hub}, ingest.PipelineOptions{
		Metrics: metrics,
	})

	go pipeline.SweepDedup(ctx, 10*time.Minute)
	go engine.Sweep(ctx, 10*time.Minute)

	go poller.New(client, pipeline, cfg.Traccar.PollInterval(), cfg.Traccar.Timeout(), metrics).Run(ctx)

	srv := server.New(cfg.Server.Port, db, pipeline, hub, metrics.Handler())
	srv.Start()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Error shutting down HTTP server", "error", err)
	}
}
