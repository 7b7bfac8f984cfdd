package offer

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"driverlink/internal/mylogger"
	"driverlink/internal/wsdto"
)

// Resolution of a pending ride offer. Timeout and Cancelled are distinct from
// a user decline at the protocol level so the server can tell them apart.
type Resolution int

const (
	ResolutionAccepted Resolution = iota
	ResolutionDeclined
	ResolutionTimeout
	ResolutionCancelled
)

func (r Resolution) String() string {
	switch r {
	case ResolutionAccepted:
		return "accepted"
	case ResolutionDeclined:
		return "declined"
	case ResolutionTimeout:
		return "timeout"
	default:
		return "cancelled"
	}
}

// Accepted reports whether the resolution commits the driver to the ride.
func (r Resolution) Accepted() bool { return r == ResolutionAccepted }

var (
	// ErrOfferPending means a second ride_offer arrived while one is live,
	// a server/client desynchronization. The live offer is unaffected.
	ErrOfferPending = errors.New("ride offer already pending")
	// ErrNoOffer means accept/decline was called with nothing pending.
	ErrNoOffer = errors.New("no ride offer pending")
)

// DecisionSender transmits exactly one outbound decision per offer.
type DecisionSender interface {
	SendDecision(offer wsdto.RideOfferMessage, res Resolution) error
}

// Events are the arbiter's notifications, consumed by the lifecycle
// controller and the UI countdown. Any field may be nil.
type Events struct {
	Presented func(offer wsdto.RideOfferMessage)
	Tick      func(offerID string, remaining int)
	Resolved  func(offer wsdto.RideOfferMessage, res Resolution)
}

type stopper interface {
	Stop() bool
}

// Arbiter owns the countdown and exactly-once resolution of the single live
// ride offer. The first of accept, decline, deadline expiry, or cancellation
// wins via an atomic claim; everything after the claim is a no-op.
type Arbiter struct {
	window time.Duration
	log    mylogger.Logger
	sender DecisionSender
	events Events

	// after schedules the deadline; replaced in tests.
	after func(d time.Duration, f func()) stopper

	mu      sync.Mutex
	pending *pendingOffer
}

type pendingOffer struct {
	offer    wsdto.RideOfferMessage
	resolved atomic.Bool
	deadline stopper
	done     chan struct{}
}

func NewArbiter(window time.Duration, log mylogger.Logger, sender DecisionSender, events Events) *Arbiter {
	return &Arbiter{
		window: window,
		log:    log.With("component", "offer_arbiter"),
		sender: sender,
		events: events,
		after: func(d time.Duration, f func()) stopper {
			return time.AfterFunc(d, f)
		},
	}
}

// Present starts the countdown for an incoming offer. Returns
// ErrOfferPending when one is already live; the live offer stays untouched.
func (a *Arbiter) Present(offer wsdto.RideOfferMessage) error {
	a.mu.Lock()
	if a.pending != nil {
		a.mu.Unlock()
		return ErrOfferPending
	}
	p := &pendingOffer{
		offer: offer,
		done:  make(chan struct{}),
	}
	p.deadline = a.after(a.window, func() {
		a.resolve(p, ResolutionTimeout)
	})
	a.pending = p
	a.mu.Unlock()

	a.log.Action("offer_presented").Info("ride offer presented",
		"offer_id", offer.OfferID, "ride_id", offer.RideID, "window", a.window.String())
	if a.events.Presented != nil {
		a.events.Presented(offer)
	}
	go a.countdown(p)
	return nil
}

// Accept resolves the pending offer as a user acceptance.
func (a *Arbiter) Accept() error { return a.userResolve(ResolutionAccepted) }

// Decline resolves the pending offer as a user decline.
func (a *Arbiter) Decline() error { return a.userResolve(ResolutionDeclined) }

// Cancel force-resolves any pending offer, used when the driver goes
// offline. No-op with nothing pending.
func (a *Arbiter) Cancel() {
	a.mu.Lock()
	p := a.pending
	a.mu.Unlock()
	if p != nil {
		a.resolve(p, ResolutionCancelled)
	}
}

// Pending reports the live offer, if any.
func (a *Arbiter) Pending() (wsdto.RideOfferMessage, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pending == nil {
		return wsdto.RideOfferMessage{}, false
	}
	return a.pending.offer, true
}

func (a *Arbiter) userResolve(res Resolution) error {
	a.mu.Lock()
	p := a.pending
	a.mu.Unlock()
	if p == nil {
		return ErrNoOffer
	}
	a.resolve(p, res)
	return nil
}

// resolve applies the single-writer claim: only the first caller for a given
// offer produces any side effect.
func (a *Arbiter) resolve(p *pendingOffer, res Resolution) {
	if !p.resolved.CompareAndSwap(false, true) {
		return
	}
	p.deadline.Stop()
	close(p.done)

	a.mu.Lock()
	if a.pending == p {
		a.pending = nil
	}
	a.mu.Unlock()

	if err := a.sender.SendDecision(p.offer, res); err != nil {
		// The server reconciles an unsent decision through its own offer
		// expiry; locally the offer is already gone.
		a.log.Action("decision_send_failed").Warn("could not send ride decision",
			"offer_id", p.offer.OfferID, "resolution", res.String(), "error", err.Error())
	}
	a.log.Action("offer_resolved").Info("ride offer resolved",
		"offer_id", p.offer.OfferID, "resolution", res.String())
	if a.events.Resolved != nil {
		a.events.Resolved(p.offer, res)
	}
}

// countdown emits one tick per second for UI display. Ticks are cosmetic;
// expiry is enforced by the deadline timer alone.
func (a *Arbiter) countdown(p *pendingOffer) {
	remaining := int(a.window / time.Second)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for remaining > 0 {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			remaining--
			if a.events.Tick != nil {
				a.events.Tick(p.offer.OfferID, remaining)
			}
		}
	}
}
