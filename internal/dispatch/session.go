package dispatch

import (
	"context"
	"encoding/json"
	"sync"

	"driverlink/internal/auth"
	"driverlink/internal/config"
	"driverlink/internal/location"
	"driverlink/internal/mylogger"
	"driverlink/internal/offer"
	"driverlink/internal/ride"
	"driverlink/internal/transport"
	"driverlink/internal/wsdto"
)

// Session is the driver-facing facade over the dispatch core: one transport,
// one sampler/batcher, one offer arbiter, and one ride lifecycle controller,
// all owned by this struct. The rest of the application talks to the session
// through its methods and subscriptions only.
type Session struct {
	cfg *config.Config
	log mylogger.Logger

	transport  *transport.Transport
	sampler    *location.Sampler
	batcher    *location.Batcher
	arbiter    *offer.Arbiter
	controller *ride.Controller

	mu         sync.Mutex
	online     bool
	flushStop  context.CancelFunc
	lastSample *location.Sample

	offerEvents offer.Events
}

// Options carries the session's subscriptions. All fields optional; set them
// before GoOnline.
type Options struct {
	// Lifecycle receives every ride-state transition.
	Lifecycle func(ride.Transition)
	// Status receives transport status changes, including distinct auth
	// failures for token refresh. Runs on the transport's goroutine and
	// must not call back into the session.
	Status func(transport.Status)
	// Offer events feed the UI countdown.
	Offer offer.Events
}

func NewSession(cfg *config.Config, log mylogger.Logger, sensor location.Sensor, dialer transport.Dialer, opts Options) *Session {
	s := &Session{
		cfg:         cfg,
		log:         log.With("component", "dispatch_session"),
		offerEvents: opts.Offer,
	}

	s.transport = transport.New(cfg.Dispatch, log, dialer)
	s.batcher = location.NewBatcher(cfg.Location, log, uploaderFunc(s.uploadBatch))
	s.sampler = location.NewSampler(cfg.Location, log, sensor, s.onSample)

	s.arbiter = offer.NewArbiter(cfg.Offer.Window, log, senderFunc(s.sendDecision), offer.Events{
		Presented: func(o wsdto.RideOfferMessage) {
			if s.offerEvents.Presented != nil {
				s.offerEvents.Presented(o)
			}
		},
		Tick: func(offerID string, remaining int) {
			if s.offerEvents.Tick != nil {
				s.offerEvents.Tick(offerID, remaining)
			}
		},
		Resolved: func(o wsdto.RideOfferMessage, res offer.Resolution) {
			s.controller.HandleOfferResolved(o, res)
			if s.offerEvents.Resolved != nil {
				s.offerEvents.Resolved(o, res)
			}
		},
	})

	s.controller = ride.NewController(cfg.Ride.CompletionGrace, log, s.arbiter, s.transport, s.position)
	if opts.Lifecycle != nil {
		s.controller.Subscribe(opts.Lifecycle)
	}
	if opts.Status != nil {
		s.transport.OnStatus(opts.Status)
	}

	s.transport.Handle(wsdto.MessageTypeRideOffer, func(payload []byte) {
		var msg wsdto.RideOfferMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			s.log.Action("malformed_frame").Warn("bad ride_offer frame", "error", err.Error())
			return
		}
		s.controller.HandleRideOffer(msg)
	})
	s.transport.Handle(wsdto.MessageTypeRideCodeResult, func(payload []byte) {
		var msg wsdto.RideCodeResultMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			s.log.Action("malformed_frame").Warn("bad ride_code_result frame", "error", err.Error())
			return
		}
		s.controller.HandleRideCodeResult(msg)
	})
	s.transport.Handle(wsdto.MessageTypeTripCompleted, func(payload []byte) {
		var msg wsdto.TripCompletedMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			s.log.Action("malformed_frame").Warn("bad trip_completed frame", "error", err.Error())
			return
		}
		s.controller.HandleTripCompleted(msg)
	})
	s.transport.Handle(wsdto.MessageTypeLocationBatchAck, func(payload []byte) {
		var msg wsdto.LocationBatchAckMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			return
		}
		s.log.Action("batch_acked").Debug("location batch acknowledged", "count", msg.Count)
	})
	s.transport.Handle(wsdto.MessageTypeError, func(payload []byte) {
		var msg wsdto.ErrorMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			return
		}
		s.log.Action("server_error").Warn("server reported error",
			"error_code", msg.ErrorCode, "error_message", msg.ErrorMessage)
	})

	return s
}

// GoOnline starts the connection cycle and location tracking. The returned
// bool reports whether tracking started; a denied location permission leaves
// the session online without tracking. Connection progress arrives via the
// Status subscription, never as an error here.
func (s *Session) GoOnline(ctx context.Context, driverID string, tokens auth.TokenProvider) (bool, error) {
	s.mu.Lock()
	if s.online {
		s.mu.Unlock()
		return true, nil
	}
	s.online = true
	flushCtx, cancel := context.WithCancel(context.Background())
	s.flushStop = cancel
	s.mu.Unlock()

	s.transport.GoOnline(driverID, tokens)
	go s.batcher.Run(flushCtx)

	tracking, err := s.sampler.StartTracking(ctx)
	if err != nil {
		s.log.Action("tracking_failed").Error("sensor subscription failed", err)
		return false, nil
	}
	return tracking, nil
}

// GoOffline is the universal cancellation signal: it cancels any pending
// offer (as a distinct cancellation at the protocol level), resets the ride
// machine, stops tracking and flushing, and tears the transport down,
// synchronously. Idempotent; a GoOnline immediately after cannot race the
// previous session's teardown.
func (s *Session) GoOffline() {
	s.mu.Lock()
	if !s.online {
		s.mu.Unlock()
		return
	}
	s.online = false
	flushStop := s.flushStop
	s.flushStop = nil
	s.mu.Unlock()

	// Cancel the offer while the transport may still be Ready so the
	// cancellation decision has a chance to go out.
	s.controller.Reset()
	if flushStop != nil {
		flushStop()
	}
	s.sampler.StopTracking()
	s.transport.GoOffline()
	s.log.Action("went_offline").Info("dispatch session offline")
}

// Accept resolves the pending ride offer as accepted.
func (s *Session) Accept() error { return s.arbiter.Accept() }

// Decline resolves the pending ride offer as declined.
func (s *Session) Decline() error { return s.arbiter.Decline() }

// MarkArrived records arrival at the pickup point.
func (s *Session) MarkArrived() error { return s.controller.MarkArrived() }

// CompleteTrip records a driver-initiated trip completion.
func (s *Session) CompleteTrip() error { return s.controller.CompleteTrip() }

// RideState returns a read-only snapshot of the lifecycle state.
func (s *Session) RideState() (ride.State, string) { return s.controller.Snapshot() }

// TransportState returns the current transport state.
func (s *Session) TransportState() transport.State { return s.transport.State() }

// BufferedSamples reports how many samples await upload.
func (s *Session) BufferedSamples() int { return s.batcher.Len() }

// SendLocationNow pushes the last known position immediately, bypassing the
// batcher. Escape hatch for collaborators that need a fresh fix on the wire.
func (s *Session) SendLocationNow() error {
	s.mu.Lock()
	sample := s.lastSample
	s.mu.Unlock()
	if sample == nil {
		return transport.ErrNotReady
	}
	return s.transport.Send(wsdto.LocationUpdateMessage{
		WebSocketMessage: wsdto.WebSocketMessage{Type: wsdto.MessageTypeLocationUpdate},
		Latitude:         sample.Latitude,
		Longitude:        sample.Longitude,
		AccuracyMeters:   sample.AccuracyMeters,
		SpeedKmh:         sample.SpeedKmh,
		HeadingDegrees:   sample.HeadingDegrees,
		CapturedAt:       sample.CapturedAt,
	})
}

func (s *Session) onSample(sample location.Sample) {
	sample.TrackingPhase = trackingPhase(s.controller)
	s.mu.Lock()
	s.lastSample = &sample
	s.mu.Unlock()
	s.batcher.Add(sample)
}

func (s *Session) position() wsdto.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastSample == nil {
		return wsdto.Location{}
	}
	return wsdto.Location{Latitude: s.lastSample.Latitude, Longitude: s.lastSample.Longitude}
}

func (s *Session) uploadBatch(batch []location.Sample) error {
	points := make([]wsdto.LocationPoint, 0, len(batch))
	for _, sample := range batch {
		points = append(points, wsdto.LocationPoint{
			Latitude:       sample.Latitude,
			Longitude:      sample.Longitude,
			AccuracyMeters: sample.AccuracyMeters,
			SpeedKmh:       sample.SpeedKmh,
			HeadingDegrees: sample.HeadingDegrees,
			TrackingPhase:  sample.TrackingPhase,
			CapturedAt:     sample.CapturedAt,
		})
	}
	return s.transport.Send(wsdto.LocationBatchMessage{
		WebSocketMessage: wsdto.WebSocketMessage{Type: wsdto.MessageTypeLocationBatch},
		Points:           points,
	})
}

func (s *Session) sendDecision(o wsdto.RideOfferMessage, res offer.Resolution) error {
	cause := wsdto.DecisionCauseUser
	switch res {
	case offer.ResolutionTimeout:
		cause = wsdto.DecisionCauseTimeout
	case offer.ResolutionCancelled:
		cause = wsdto.DecisionCauseCancelled
	}
	return s.transport.Send(wsdto.RideDecisionMessage{
		WebSocketMessage: wsdto.WebSocketMessage{Type: wsdto.MessageTypeRideDecision},
		OfferID:          o.OfferID,
		RideID:           o.RideID,
		Accepted:         res.Accepted(),
		Cause:            cause,
		CurrentLocation:  s.position(),
	})
}

func trackingPhase(c *ride.Controller) string {
	state, _ := c.Snapshot()
	switch state {
	case ride.StateEnRouteToPickup:
		return "navigating_to_pickup"
	case ride.StateArrivedAtPickup:
		return "arrived_at_pickup"
	case ride.StateTripInProgress:
		return "trip_in_progress"
	default:
		return "online_idle"
	}
}

type uploaderFunc func(batch []location.Sample) error

func (f uploaderFunc) Upload(batch []location.Sample) error { return f(batch) }

type senderFunc func(o wsdto.RideOfferMessage, res offer.Resolution) error

func (f senderFunc) SendDecision(o wsdto.RideOfferMessage, res offer.Resolution) error {
	return f(o, res)
}
