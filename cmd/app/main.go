package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"driverlink/internal/auth"
	"driverlink/internal/config"
	"driverlink/internal/dispatch"
	"driverlink/internal/mylogger"
	"driverlink/internal/offer"
	"driverlink/internal/ride"
	"driverlink/internal/transport"
	"driverlink/internal/wsdto"
)

func main() {
	driverID := flag.String("driver_id", "", "Driver ID to connect with")
	token := flag.String("token", "", "Driver token for authentication")
	serverURL := flag.String("server", "", "Dispatch server websocket URL (overrides config)")
	configPath := flag.String("config", "", "Path to a YAML config file")
	autoAccept := flag.Bool("auto_accept", true, "Automatically accept ride offers")
	flag.Parse()

	if *driverID == "" || *token == "" {
		log.Fatal("Driver ID and token are required")
	}

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
	if *serverURL != "" {
		cfg.Dispatch.ServerURL = *serverURL
	}

	appLogger := mylogger.New(cfg.Log.Level, nil)
	appLogger.Action("driver_client_started").Info("driver client starting up", "driver_id", *driverID)

	sensor := NewSimulatedSensor(43.238, 76.889, 2*time.Second)

	session := dispatch.NewSession(cfg, appLogger, sensor, nil, dispatch.Options{
		Lifecycle: func(tr ride.Transition) {
			appLogger.Action("lifecycle").Info("ride state changed",
				"from", tr.From.String(), "to", tr.To.String(),
				"cause", tr.Cause.String(), "ride_id", tr.RideID)
		},
		Status: func(st transport.Status) {
			if st.AuthFailure {
				appLogger.Action("auth_failure").Warn("authentication rejected", "reason", st.Reason)
				return
			}
			appLogger.Action("transport_status").Info("transport state changed",
				"state", st.State.String(), "attempt", st.Attempt)
		},
		Offer: offer.Events{
			Presented: func(o wsdto.RideOfferMessage) {
				appLogger.Action("offer").Info("ride offer received",
					"offer_id", o.OfferID, "fare", o.EstimatedFare,
					"pickup", o.PickupLocation.Address)
			},
			Tick: func(offerID string, remaining int) {
				appLogger.Action("offer_countdown").Debug("offer countdown",
					"offer_id", offerID, "remaining", remaining)
			},
		},
	})

	tracking, err := session.GoOnline(context.Background(), *driverID, auth.StaticProvider(*token))
	if err != nil {
		log.Fatalf("Failed to go online: %v", err)
	}
	if !tracking {
		appLogger.Warn("location tracking not started")
	}

	if *autoAccept {
		go autoRespond(session, appLogger)
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	<-shutdown

	appLogger.Info("Gracefully shutting down...")
	session.GoOffline()
}

// autoRespond drives the ride lifecycle end to end for demo runs: accept the
// offer, arrive after a short drive, complete once the trip starts.
func autoRespond(session *dispatch.Session, logger mylogger.Logger) {
	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		state, _ := session.RideState()
		switch state {
		case ride.StateOfferPending:
			if err := session.Accept(); err != nil {
				logger.Action("auto_accept").Warn("accept failed", "error", err.Error())
			}
		case ride.StateEnRouteToPickup:
			if err := session.MarkArrived(); err == nil {
				logger.Action("auto_arrive").Info("marked arrived at pickup")
			}
		case ride.StateTripInProgress:
			if err := session.CompleteTrip(); err == nil {
				logger.Action("auto_complete").Info("trip completed")
			}
		}
	}
}
