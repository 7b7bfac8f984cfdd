package ride

import (
	"errors"
	"sync"
	"time"

	"driverlink/internal/mylogger"
	"driverlink/internal/offer"
	"driverlink/internal/wsdto"
)

// Ride lifecycle states, single source of truth for where the driver is in a
// trip.
type State int

const (
	StateIdle State = iota
	StateOfferPending
	StateEnRouteToPickup
	StateArrivedAtPickup
	StateTripInProgress
	StateTripCompleted
)

func (s State) String() string {
	switch s {
	case StateOfferPending:
		return "OFFER_PENDING"
	case StateEnRouteToPickup:
		return "EN_ROUTE_TO_PICKUP"
	case StateArrivedAtPickup:
		return "ARRIVED_AT_PICKUP"
	case StateTripInProgress:
		return "TRIP_IN_PROGRESS"
	case StateTripCompleted:
		return "TRIP_COMPLETED"
	default:
		return "IDLE"
	}
}

// Cause tags carried on every transition so downstream consumers can tell
// causes apart without re-deriving them.
type Cause int

const (
	CauseServerEvent Cause = iota
	CauseLocalAction
	CauseTimeout
	CauseForcedReset
)

func (c Cause) String() string {
	switch c {
	case CauseLocalAction:
		return "local_action"
	case CauseTimeout:
		return "timeout"
	case CauseForcedReset:
		return "forced_reset"
	default:
		return "server_event"
	}
}

// Transition is the lifecycle-changed notification.
type Transition struct {
	From   State
	To     State
	Cause  Cause
	RideID string
}

// ErrInvalidTransition is returned to local actions attempted from the wrong
// state. Server-driven mismatches are protocol violations, logged and
// dropped, never errors.
var ErrInvalidTransition = errors.New("invalid ride state transition")

// OfferArbiter is the slice of the arbiter the controller drives.
type OfferArbiter interface {
	Present(offer wsdto.RideOfferMessage) error
	Cancel()
}

// Sender transmits outbound frames; not-Ready failures are absorbed.
type Sender interface {
	Send(msg any) error
}

type stopper interface {
	Stop() bool
}

// Controller is the top-level ride state machine. All mutation is serialized
// behind one mutex; external readers get snapshots and change notifications
// only. Subscriber callbacks run with the lock held, in strict transition
// order, and must not call back into the controller.
type Controller struct {
	log     mylogger.Logger
	arbiter OfferArbiter
	sender  Sender
	grace   time.Duration

	// position reports the last known driver location for outbound frames.
	position func() wsdto.Location

	// after schedules the completion grace timer; replaced in tests.
	after func(d time.Duration, f func()) stopper

	mu         sync.Mutex
	state      State
	rideID     string
	graceTimer stopper
	subs       []func(Transition)
}

func NewController(grace time.Duration, log mylogger.Logger, arbiter OfferArbiter, sender Sender, position func() wsdto.Location) *Controller {
	if position == nil {
		position = func() wsdto.Location { return wsdto.Location{} }
	}
	return &Controller{
		log:      log.With("component", "ride_controller"),
		arbiter:  arbiter,
		sender:   sender,
		grace:    grace,
		position: position,
		after: func(d time.Duration, f func()) stopper {
			return time.AfterFunc(d, f)
		},
	}
}

// Subscribe registers a lifecycle-change subscriber. Must be called before
// the session goes online.
func (c *Controller) Subscribe(fn func(Transition)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, fn)
}

// Snapshot returns the current state and active ride id.
func (c *Controller) Snapshot() (State, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.rideID
}

// HandleRideOffer reacts to an inbound ride_offer frame. A ride offer may
// only go live from Idle; anything else is a server/client desynchronization.
func (c *Controller) HandleRideOffer(msg wsdto.RideOfferMessage) {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		c.violation("ride_offer while not idle", "offer_id", msg.OfferID)
		return
	}
	c.applyLocked(StateOfferPending, CauseServerEvent, msg.RideID)
	c.mu.Unlock()

	if err := c.arbiter.Present(msg); err != nil {
		// Lost a race with another live offer; roll the state back and
		// leave the first offer untouched.
		c.violation("second ride_offer while one pending", "offer_id", msg.OfferID)
		c.mu.Lock()
		if c.state == StateOfferPending && c.rideID == msg.RideID {
			c.applyLocked(StateIdle, CauseForcedReset, "")
		}
		c.mu.Unlock()
	}
}

// HandleOfferResolved consumes the arbiter's resolution: an accept advances
// optimistically to EnRouteToPickup without waiting for a server ack (the
// accept message itself is the commit point), everything else returns to
// Idle.
func (c *Controller) HandleOfferResolved(msg wsdto.RideOfferMessage, res offer.Resolution) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateOfferPending {
		return
	}

	switch res {
	case offer.ResolutionAccepted:
		c.applyLocked(StateEnRouteToPickup, CauseLocalAction, msg.RideID)
	case offer.ResolutionDeclined:
		c.applyLocked(StateIdle, CauseLocalAction, "")
	case offer.ResolutionTimeout:
		c.applyLocked(StateIdle, CauseTimeout, "")
	case offer.ResolutionCancelled:
		c.applyLocked(StateIdle, CauseForcedReset, "")
	}
}

// MarkArrived records arrival at the pickup point. The trigger is
// collaborator-supplied: a user tap or an external proximity watcher.
func (c *Controller) MarkArrived() error {
	c.mu.Lock()
	if c.state != StateEnRouteToPickup {
		c.mu.Unlock()
		return ErrInvalidTransition
	}
	rideID := c.rideID
	c.applyLocked(StateArrivedAtPickup, CauseLocalAction, rideID)
	c.mu.Unlock()

	c.send(wsdto.ArrivedPickupMessage{
		WebSocketMessage: wsdto.WebSocketMessage{Type: wsdto.MessageTypeArrivedPickup},
		RideID:           rideID,
		Location:         c.position(),
	})
	return nil
}

// HandleRideCodeResult reacts to the server's verdict on the rider-presented
// start code. The controller never validates the code itself.
func (c *Controller) HandleRideCodeResult(msg wsdto.RideCodeResultMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateArrivedAtPickup || c.rideID != msg.RideID {
		c.violation("ride_code_result with no awaiting trip", "ride_id", msg.RideID)
		return
	}
	if !msg.Valid {
		c.log.Action("ride_code_rejected").Warn("start code rejected", "ride_id", msg.RideID)
		return
	}
	c.applyLocked(StateTripInProgress, CauseServerEvent, msg.RideID)
}

// CompleteTrip records a driver-initiated trip completion.
func (c *Controller) CompleteTrip() error {
	c.mu.Lock()
	if c.state != StateTripInProgress {
		c.mu.Unlock()
		return ErrInvalidTransition
	}
	rideID := c.rideID
	c.applyLocked(StateTripCompleted, CauseLocalAction, rideID)
	c.armGraceLocked(rideID)
	c.mu.Unlock()

	c.send(wsdto.CompleteTripMessage{
		WebSocketMessage: wsdto.WebSocketMessage{Type: wsdto.MessageTypeCompleteTrip},
		RideID:           rideID,
		FinalLocation:    c.position(),
	})
	return nil
}

// HandleTripCompleted reacts to the server's trip_completed frame: a
// completion push while the trip runs, or the fare settlement that releases a
// locally completed trip back to Idle.
func (c *Controller) HandleTripCompleted(msg wsdto.TripCompletedMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.state == StateTripInProgress && c.rideID == msg.RideID:
		c.applyLocked(StateTripCompleted, CauseServerEvent, msg.RideID)
		c.armGraceLocked(msg.RideID)
	case c.state == StateTripCompleted && c.rideID == msg.RideID:
		c.disarmGraceLocked()
		c.applyLocked(StateIdle, CauseServerEvent, "")
	default:
		c.violation("trip_completed with no matching trip", "ride_id", msg.RideID)
	}
}

// Reset forces the machine back to Idle, the universal GoOffline path. A
// pending offer is cancelled through the arbiter; an active trip is left for
// server-side reconciliation, surfaced here as a warning.
func (c *Controller) Reset() {
	c.arbiter.Cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.disarmGraceLocked()
	if c.state == StateIdle {
		return
	}
	if c.state == StateEnRouteToPickup || c.state == StateArrivedAtPickup || c.state == StateTripInProgress {
		c.log.Action("trip_abandoned").Warn("going offline with an active trip, server will reconcile",
			"ride_id", c.rideID, "state", c.state.String())
	}
	c.applyLocked(StateIdle, CauseForcedReset, "")
}

func (c *Controller) armGraceLocked(rideID string) {
	c.disarmGraceLocked()
	c.graceTimer = c.after(c.grace, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.state != StateTripCompleted || c.rideID != rideID {
			return
		}
		// Degraded completion: no settlement arrived within the grace
		// window. Recoverable, not fatal.
		c.log.Action("settlement_timeout").Warn("no fare settlement received", "ride_id", rideID)
		c.applyLocked(StateIdle, CauseTimeout, "")
	})
}

func (c *Controller) disarmGraceLocked() {
	if c.graceTimer != nil {
		c.graceTimer.Stop()
		c.graceTimer = nil
	}
}

func (c *Controller) applyLocked(to State, cause Cause, rideID string) {
	tr := Transition{From: c.state, To: to, Cause: cause, RideID: rideID}
	c.state = to
	c.rideID = rideID
	c.log.Action("state_transition").Info("ride state changed",
		"from", tr.From.String(), "to", tr.To.String(), "cause", cause.String(), "ride_id", rideID)
	for _, fn := range c.subs {
		fn(tr)
	}
}

func (c *Controller) send(msg any) {
	if err := c.sender.Send(msg); err != nil {
		c.log.Action("send_failed").Warn("outbound message dropped", "error", err.Error())
	}
}

func (c *Controller) violation(what string, args ...any) {
	// Desynchronization with the server: reported to observability, never
	// fatal to the session.
	c.log.Action("protocol_violation").Warn(what, args...)
}
