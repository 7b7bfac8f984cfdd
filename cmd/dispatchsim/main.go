package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"driverlink/internal/config"
	"driverlink/internal/mylogger"
	"driverlink/internal/sim"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file")
	scripted := flag.Duration("scripted", 0, "Emit a synthetic ride offer on this interval (0 disables)")
	flag.Parse()

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.NewFromYAML(*configPath)
	} else {
		cfg, err = config.New()
	}
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	appLogger := mylogger.New(cfg.Log.Level, nil)
	appLogger.Action("dispatchsim_started").Info("dispatch simulator starting up", "port", cfg.Sim.Port)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	var store sim.Store = sim.NopStore{}
	if cfg.Sim.DB.Host != "" {
		pgStore, err := sim.ConnectStore(ctx, cfg.Sim.DB, appLogger)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer pgStore.Close()
		store = pgStore
	}

	var rabbit *sim.Rabbit
	if cfg.Sim.RabbitMq.Host != "" {
		rabbit, err = sim.ConnectRabbit(cfg.Sim.RabbitMq, appLogger)
		if err != nil {
			log.Fatalf("Failed to connect to RabbitMQ: %v", err)
		}
		defer rabbit.Close()
	}

	hub := sim.NewHub()
	offers := sim.NewOfferEngine(appLogger, hub, rabbit, cfg.Offer.Window)
	server := sim.NewServer(cfg.Sim, appLogger, hub, store, offers)

	if rabbit != nil {
		go func() {
			if err := offers.RunBroker(ctx); err != nil {
				appLogger.Error("broker consumer stopped", err)
			}
		}()
	}
	if *scripted > 0 {
		go offers.RunScripted(ctx, *scripted)
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Sim.Port),
		Handler: server.Routes(),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server failed: %v", err)
	}
	appLogger.Info("Gracefully shutting down...")
}
