package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"driverlink/internal/auth"
	"driverlink/internal/config"
	"driverlink/internal/mylogger"
	"driverlink/internal/wsdto"
)

// Session transport states
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateReady
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateReady:
		return "READY"
	default:
		return "DISCONNECTED"
	}
}

// ErrNotReady is returned by Send while the session is not in the Ready
// state. Application messages are not queued; only location batches have
// buffering semantics, and the batcher handles that itself.
var ErrNotReady = errors.New("transport not ready")

// Status is pushed to subscribers on every transport state change. AuthFailure
// is set when the server rejected the credential, as opposed to a transient
// network failure, so the application can trigger a token refresh.
type Status struct {
	State       State
	Attempt     int
	AuthFailure bool
	Reason      string
}

// Conn is the subset of a websocket connection the transport needs. Satisfied
// by *gorilla/websocket.Conn via the wsConn wrapper.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(payload []byte) error
	Close() error
}

// Dialer opens a Conn to the dispatch server.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

type stopper interface {
	Stop() bool
}

// Transport owns one logical connection cycle to the dispatch server: the
// auth-first handshake, the read loop, and the reconnect policy. All inbound
// frames are dispatched to kind handlers in wire order.
type Transport struct {
	cfg        *config.Dispatchconfig
	log        mylogger.Logger
	dialer     Dialer
	clientType string

	// after schedules the reconnect timer, authAfter the handshake
	// deadline; both replaced in tests.
	after     func(d time.Duration, f func()) stopper
	authAfter func(d time.Duration, f func()) stopper

	mu        sync.Mutex
	state     State
	attempt   int
	desired   bool
	gen       uint64
	conn      Conn
	timer     stopper
	authTimer stopper
	cancel    context.CancelFunc
	driverID  string
	tokens    auth.TokenProvider
	handlers  map[string]func(payload []byte)
	statusFns []func(Status)

	writeMu sync.Mutex
}

func New(cfg *config.Dispatchconfig, log mylogger.Logger, dialer Dialer) *Transport {
	if dialer == nil {
		dialer = &WebsocketDialer{}
	}
	return &Transport{
		cfg:        cfg,
		log:        log.With("component", "transport"),
		dialer:     dialer,
		clientType: "driver",
		after: func(d time.Duration, f func()) stopper {
			return time.AfterFunc(d, f)
		},
		authAfter: func(d time.Duration, f func()) stopper {
			return time.AfterFunc(d, f)
		},
		handlers: make(map[string]func(payload []byte)),
	}
}

// Delay reports the reconnect delay for the Nth consecutive failure. Pure so
// the schedule is exactly reproducible.
func (t *Transport) Delay(attempt int) time.Duration {
	backoff := t.cfg.Backoff
	if attempt >= len(backoff) {
		attempt = len(backoff) - 1
	}
	return backoff[attempt]
}

// Handle registers the handler for one inbound message kind. Must be called
// before GoOnline. Frames with no registered handler are logged and dropped.
func (t *Transport) Handle(kind string, fn func(payload []byte)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[kind] = fn
}

// OnStatus registers a state-change subscriber. Must be called before
// GoOnline.
func (t *Transport) OnStatus(fn func(Status)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.statusFns = append(t.statusFns, fn)
}

// State returns the current transport state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// GoOnline begins connection attempts for the given driver. Network failures
// never surface here; callers observe progress through OnStatus. Idempotent
// while already online.
func (t *Transport) GoOnline(driverID string, tokens auth.TokenProvider) {
	t.mu.Lock()
	if t.desired {
		t.mu.Unlock()
		return
	}
	t.desired = true
	t.driverID = driverID
	t.tokens = tokens
	t.attempt = 0
	t.gen++
	gen := t.gen

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	t.setStateLocked(StateConnecting, Status{State: StateConnecting})
	t.mu.Unlock()

	go t.connect(ctx, gen)
}

// GoOffline cancels any pending reconnect timer and closes the active
// connection. Idempotent, and synchronous: once it returns no goroutine of
// the previous session can touch transport state again.
func (t *Transport) GoOffline() {
	t.mu.Lock()
	if !t.desired {
		t.mu.Unlock()
		return
	}
	t.desired = false
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.stopAuthTimerLocked()
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	t.setStateLocked(StateDisconnected, Status{State: StateDisconnected, Reason: "offline"})
	t.mu.Unlock()
}

// Send marshals and transmits one application message. Returns ErrNotReady
// outside the Ready state; application callers treat that as a dropped
// message, the location batcher uses it to reinsert its batch.
func (t *Transport) Send(msg any) error {
	t.mu.Lock()
	conn := t.conn
	ready := t.state == StateReady
	t.mu.Unlock()

	if !ready || conn == nil {
		return ErrNotReady
	}
	return t.write(conn, msg)
}

func (t *Transport) write(conn Conn, msg any) error {
	data, err := marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}
	// Single writer keeps frames in submission order.
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := conn.WriteMessage(data); err != nil {
		return fmt.Errorf("writing message: %w", err)
	}
	return nil
}

func (t *Transport) connect(ctx context.Context, gen uint64) {
	url := fmt.Sprintf("%s/%s", t.cfg.ServerURL, t.driverID)
	conn, err := t.dialer.Dial(ctx, url)
	if err != nil {
		t.log.Action("dial_failed").Warn("dial failed", "url", url, "error", err.Error())
		t.scheduleReconnect(gen, "dial failed")
		return
	}

	t.mu.Lock()
	if gen != t.gen {
		// Went offline while dialing.
		t.mu.Unlock()
		conn.Close()
		return
	}
	t.conn = conn
	t.setStateLocked(StateAuthenticating, Status{State: StateAuthenticating})
	t.mu.Unlock()

	token, err := t.tokens.Token(ctx)
	if err != nil {
		t.log.Action("token_unavailable").Error("cannot obtain auth token", err)
		conn.Close()
		t.scheduleReconnect(gen, "token unavailable")
		return
	}

	authMsg := wsdto.AuthMessage{
		WebSocketMessage: wsdto.WebSocketMessage{Type: wsdto.MessageTypeAuth},
		Token:            token,
		ClientType:       t.clientType,
	}
	if err := t.write(conn, authMsg); err != nil {
		t.log.Action("auth_send_failed").Warn("auth send failed", "error", err.Error())
		conn.Close()
		t.scheduleReconnect(gen, "auth send failed")
		return
	}

	if t.cfg.AuthTimeout > 0 {
		t.mu.Lock()
		if gen != t.gen {
			t.mu.Unlock()
			conn.Close()
			return
		}
		t.authTimer = t.authAfter(t.cfg.AuthTimeout, func() {
			t.onAuthTimeout(conn, gen)
		})
		t.mu.Unlock()
	}

	t.readLoop(conn, gen)
}

func (t *Transport) readLoop(conn Conn, gen uint64) {
	for {
		raw, err := conn.ReadMessage()
		if err != nil {
			t.onClose(conn, gen, "connection closed")
			return
		}

		kind, err := wsdto.Kind(raw)
		if err != nil {
			// Malformed frames never terminate the session.
			t.log.Action("malformed_frame").Warn("dropping malformed frame", "error", err.Error())
			continue
		}

		switch kind {
		case wsdto.MessageTypeAuthAck:
			t.onAuthAck(gen)
		case wsdto.MessageTypeAuthError:
			var msg wsdto.AuthErrorMessage
			unmarshal(raw, &msg)
			t.onAuthError(conn, gen, msg.Reason)
			return
		default:
			t.dispatch(kind, raw)
		}
	}
}

func (t *Transport) dispatch(kind string, raw []byte) {
	t.mu.Lock()
	fn := t.handlers[kind]
	t.mu.Unlock()

	if fn == nil {
		t.log.Action("unknown_message_kind").Warn("dropping frame of unknown kind", "kind", kind)
		return
	}
	fn(raw)
}

func (t *Transport) onAuthAck(gen uint64) {
	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		return
	}
	t.stopAuthTimerLocked()
	t.attempt = 0
	t.setStateLocked(StateReady, Status{State: StateReady})
	t.mu.Unlock()
}

// onAuthTimeout closes a connection whose handshake never got a server
// response. The read loop then fails and schedules the reconnect.
func (t *Transport) onAuthTimeout(conn Conn, gen uint64) {
	t.mu.Lock()
	if gen != t.gen || t.state != StateAuthenticating {
		t.mu.Unlock()
		return
	}
	t.authTimer = nil
	t.mu.Unlock()

	t.log.Action("auth_timeout").Warn("no auth response within deadline",
		"timeout", t.cfg.AuthTimeout.String())
	conn.Close()
}

func (t *Transport) onAuthError(conn Conn, gen uint64, reason string) {
	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		conn.Close()
		return
	}
	t.stopAuthTimerLocked()
	// Surfaced distinctly so the application can refresh the token; the
	// retry loop continues either way.
	t.notifyLocked(Status{State: StateDisconnected, Attempt: t.attempt, AuthFailure: true, Reason: reason})
	t.mu.Unlock()

	conn.Close()
	t.scheduleReconnect(gen, "auth rejected")
}

func (t *Transport) onClose(conn Conn, gen uint64, reason string) {
	t.mu.Lock()
	if gen != t.gen {
		t.mu.Unlock()
		return
	}
	t.stopAuthTimerLocked()
	t.conn = nil
	t.mu.Unlock()
	conn.Close()
	t.scheduleReconnect(gen, reason)
}

func (t *Transport) scheduleReconnect(gen uint64, reason string) {
	t.mu.Lock()
	if gen != t.gen || !t.desired {
		t.mu.Unlock()
		return
	}
	delay := t.Delay(t.attempt)
	t.attempt++
	attempt := t.attempt
	t.setStateLocked(StateDisconnected, Status{State: StateDisconnected, Attempt: attempt, Reason: reason})

	ctx, cancel := context.WithCancel(context.Background())
	if t.cancel != nil {
		t.cancel()
	}
	t.cancel = cancel

	t.timer = t.after(delay, func() {
		t.mu.Lock()
		if gen != t.gen || !t.desired {
			t.mu.Unlock()
			return
		}
		t.timer = nil
		t.setStateLocked(StateConnecting, Status{State: StateConnecting, Attempt: attempt})
		t.mu.Unlock()
		// connect blocks in the read loop for the connection's lifetime;
		// it gets its own goroutine here just as it does in GoOnline.
		go t.connect(ctx, gen)
	})
	t.log.Action("reconnect_scheduled").Info("reconnect scheduled",
		"delay", delay.String(), "attempt", attempt, "reason", reason)
	t.mu.Unlock()
}

func (t *Transport) stopAuthTimerLocked() {
	if t.authTimer != nil {
		t.authTimer.Stop()
		t.authTimer = nil
	}
}

// setStateLocked mutates state and notifies subscribers. Caller holds t.mu;
// subscriber callbacks must not call back into the transport.
func (t *Transport) setStateLocked(s State, st Status) {
	t.state = s
	t.notifyLocked(st)
}

func (t *Transport) notifyLocked(st Status) {
	for _, fn := range t.statusFns {
		fn(st)
	}
}
