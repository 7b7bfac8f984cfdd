package sim

import (
	"context"
	"sync"
	"time"

	"driverlink/internal/mylogger"
	"driverlink/internal/wsdto"

	"github.com/google/uuid"
)

// OfferEngine turns ride requests into ride_offer frames for connected
// drivers and correlates their decisions. Requests come from RabbitMQ when a
// broker is configured, or from the scripted ticker for standalone runs.
type OfferEngine struct {
	log    mylogger.Logger
	hub    *Hub
	rabbit *Rabbit // nil without a broker
	window time.Duration

	mu          sync.Mutex
	outstanding map[string]RideRequest // offer id -> originating request
}

func NewOfferEngine(log mylogger.Logger, hub *Hub, rabbit *Rabbit, window time.Duration) *OfferEngine {
	return &OfferEngine{
		log:         log.With("component", "offer_engine"),
		hub:         hub,
		rabbit:      rabbit,
		window:      window,
		outstanding: make(map[string]RideRequest),
	}
}

// RunScripted emits a synthetic ride request on the interval, for running
// the simulator without a broker.
func (e *OfferEngine) RunScripted(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Offer(syntheticRequest())
		}
	}
}

// RunBroker consumes ride requests from RabbitMQ until ctx is cancelled.
func (e *OfferEngine) RunBroker(ctx context.Context) error {
	requests, err := e.rabbit.ConsumeRequests(ctx)
	if err != nil {
		return err
	}
	for req := range requests {
		e.Offer(req)
	}
	return nil
}

// Offer presents the request to every connected driver; first acceptance
// wins server-side (the simulator does not arbitrate duplicates beyond
// logging them).
func (e *OfferEngine) Offer(req RideRequest) {
	drivers := e.hub.Drivers()
	if len(drivers) == 0 {
		e.log.Action("no_drivers").Warn("ride request with no connected drivers", "ride_id", req.RideID)
		return
	}

	for _, driverID := range drivers {
		offerID := uuid.NewString()

		e.mu.Lock()
		e.outstanding[offerID] = req
		e.mu.Unlock()

		msg := wsdto.RideOfferMessage{
			WebSocketMessage:             wsdto.WebSocketMessage{Type: wsdto.MessageTypeRideOffer},
			OfferID:                      offerID,
			RideID:                       req.RideID,
			RideNumber:                   req.RideNumber,
			PickupLocation:               wsdto.Location{Latitude: req.PickupLocation.Lat, Longitude: req.PickupLocation.Lng, Address: req.PickupLocation.Address},
			DestinationLocation:          wsdto.Location{Latitude: req.DestinationLocation.Lat, Longitude: req.DestinationLocation.Lng, Address: req.DestinationLocation.Address},
			EstimatedFare:                req.EstimatedFare,
			DriverEarnings:               req.EstimatedFare * 0.8,
			DistanceToPickupKm:           1.2,
			EstimatedRideDurationMinutes: 15,
			ExpiresAt:                    time.Now().Add(e.window),
		}
		if err := e.hub.Send(driverID, msg); err != nil {
			e.log.Action("offer_send_failed").Warn("could not send offer",
				"driver_id", driverID, "error", err.Error())
			continue
		}
		e.log.Action("offer_sent").Info("ride offer sent",
			"driver_id", driverID, "offer_id", offerID, "ride_id", req.RideID)
	}
}

// OnDecision consumes a driver's ride_decision frame.
func (e *OfferEngine) OnDecision(ctx context.Context, driverID string, msg wsdto.RideDecisionMessage) {
	e.mu.Lock()
	req, known := e.outstanding[msg.OfferID]
	delete(e.outstanding, msg.OfferID)
	e.mu.Unlock()

	if !known {
		e.log.Action("unknown_offer").Warn("decision for unknown offer",
			"driver_id", driverID, "offer_id", msg.OfferID)
		return
	}

	e.log.Action("decision_received").Info("ride decision",
		"driver_id", driverID, "offer_id", msg.OfferID,
		"accepted", msg.Accepted, "cause", msg.Cause)

	if msg.Accepted && e.rabbit != nil {
		match := DriverMatch{
			RideID:        req.RideID,
			DriverID:      driverID,
			Accepted:      true,
			CorrelationID: req.CorrelationID,
		}
		if err := e.rabbit.PublishMatch(ctx, match); err != nil {
			e.log.Action("publish_failed").Error("could not publish driver match", err)
		}
	}
}

func syntheticRequest() RideRequest {
	return RideRequest{
		RideID:     uuid.NewString(),
		RideNumber: "SIM-" + uuid.NewString()[:8],
		PickupLocation: RequestPoint{
			Lat: 43.238, Lng: 76.889, Address: "Abay Ave 52",
		},
		DestinationLocation: RequestPoint{
			Lat: 43.258, Lng: 76.945, Address: "Dostyk Ave 91",
		},
		EstimatedFare: 1800,
		RideType:      "ECONOMY",
	}
}
