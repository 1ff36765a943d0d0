// Command routeforge runs the durable workflow execution engine and
// its REST API.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dshills/routeforge/config"
	"github.com/dshills/routeforge/engine"
	"github.com/dshills/routeforge/engine/emit"
	"github.com/dshills/routeforge/engine/store"
	"github.com/dshills/routeforge/httpapi"
	"github.com/dshills/routeforge/routes"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfgPath := flag.String("config", "routeforge.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	st, err := store.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		log.Fatalf("store: %v", err)
	}
	defer func() { _ = st.Close() }()

	// Event fan-out: SSE bus + stderr log + OTel spans.
	bus := emit.NewBus()
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	emitter := emit.NewMultiEmitter(
		bus,
		emit.NewLogEmitter(os.Stderr, cfg.Log.JSON),
		emit.NewOTelEmitter(tp.Tracer("routeforge")),
	)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := engine.NewMetrics(registry)

	chat, err := cfg.ChatModel()
	if err != nil {
		log.Fatalf("llm: %v", err)
	}

	eng := engine.New(st, chat, emitter, metrics, engine.Config{
		Workers:         cfg.Engine.Workers,
		MaxPayloadLen:   cfg.Engine.MaxPayloadLen,
		ApprovalTimeout: cfg.ApprovalTimeout(),
		Recovery: engine.RecoveryConfig{
			ResumeInterval:          cfg.Recovery.ResumeInterval.Std(),
			StalledInterval:         cfg.Recovery.StalledInterval.Std(),
			StalledAfter:            cfg.Recovery.StalledAfter.Std(),
			ApprovalTimeoutInterval: cfg.Recovery.ApprovalTimeoutInterval.Std(),
			ApprovalExpiry:          cfg.Recovery.ApprovalExpiry.Std(),
		},
	})

	routeCfg := routes.ChatConfig{
		MaxPayloadLen:   cfg.Engine.MaxPayloadLen,
		ApprovalTimeout: cfg.ApprovalTimeout(),
	}
	if err := eng.RegisterRoute(routes.ChatDurable(routeCfg)); err != nil {
		log.Fatalf("routes: %v", err)
	}
	if err := eng.RegisterRoute(routes.ChatSimple(routeCfg)); err != nil {
		log.Fatalf("routes: %v", err)
	}

	if err := eng.Start(context.Background()); err != nil {
		log.Fatalf("engine: %v", err)
	}

	srv := httpapi.New(eng, bus, cfg.HTTP.Addr, registry)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	log.Printf("routeforge listening on %s (provider=%s, db=%s)", cfg.HTTP.Addr, cfg.LLM.Provider, cfg.Store.Path)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("received %s, shutting down", sig)
	case err := <-errCh:
		if err != nil {
			log.Printf("http server: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	if err := eng.Stop(ctx); err != nil {
		log.Printf("engine shutdown: %v", err)
	}
	if err := tp.Shutdown(ctx); err != nil {
		log.Printf("tracer shutdown: %v", err)
	}
}
