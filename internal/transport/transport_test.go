package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"driverlink/internal/auth"
	"driverlink/internal/config"
	"driverlink/internal/mylogger"
	"driverlink/internal/wsdto"

	"github.com/stretchr/testify/require"
)

func testCfg() *config.Dispatchconfig {
	return &config.Dispatchconfig{
		ServerURL:   "ws://sim/ws/drivers",
		AuthTimeout: 5 * time.Second,
		Backoff: []time.Duration{
			1 * time.Second,
			2 * time.Second,
			5 * time.Second,
			10 * time.Second,
			30 * time.Second,
		},
	}
}

type fakeConn struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu     sync.Mutex
	writes [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case msg := <-c.in:
		return msg, nil
	case <-c.closed:
		return nil, errors.New("connection closed")
	}
}

func (c *fakeConn) WriteMessage(payload []byte) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, append([]byte(nil), payload...))
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) written() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.writes))
	copy(out, c.writes)
	return out
}

// serverClose simulates an unexpected close from the server side.
func (c *fakeConn) serverClose() {
	c.once.Do(func() { close(c.closed) })
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	fails int // dial errors to return before succeeding again
	dials int
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.fails > 0 {
		d.fails--
		return nil, errors.New("connection refused")
	}
	conn := newFakeConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) lastConn() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func (d *fakeDialer) setFails(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fails = n
}

// fakeTimers captures scheduled reconnects so tests control time.
type fakeTimers struct {
	mu      sync.Mutex
	delays  []time.Duration
	pending []func()
}

type fakeStopper struct{}

func (fakeStopper) Stop() bool { return true }

func (f *fakeTimers) after(d time.Duration, fn func()) stopper {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delays = append(f.delays, d)
	f.pending = append(f.pending, fn)
	return fakeStopper{}
}

func (f *fakeTimers) fire(t *testing.T) {
	f.mu.Lock()
	require.NotEmpty(t, f.pending, "no reconnect scheduled")
	fn := f.pending[0]
	f.pending = f.pending[1:]
	f.mu.Unlock()
	fn()
}

func (f *fakeTimers) recorded() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]time.Duration, len(f.delays))
	copy(out, f.delays)
	return out
}

type statusRecorder struct {
	mu       sync.Mutex
	statuses []Status
}

func (r *statusRecorder) record(st Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, st)
}

func (r *statusRecorder) authFailures() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, st := range r.statuses {
		if st.AuthFailure {
			n++
		}
	}
	return n
}

func newTestTransport(t *testing.T) (*Transport, *fakeDialer, *fakeTimers, *statusRecorder) {
	t.Helper()
	dialer := &fakeDialer{}
	timers := &fakeTimers{}
	rec := &statusRecorder{}

	tr := New(testCfg(), mylogger.Nop(), dialer)
	tr.after = timers.after
	tr.OnStatus(rec.record)
	return tr, dialer, timers, rec
}

func ackAuth(t *testing.T, conn *fakeConn) {
	t.Helper()
	ack, err := json.Marshal(wsdto.AuthAckMessage{
		WebSocketMessage: wsdto.WebSocketMessage{Type: wsdto.MessageTypeAuthAck},
	})
	require.NoError(t, err)
	conn.in <- ack
}

func waitReady(t *testing.T, tr *Transport) {
	t.Helper()
	require.Eventually(t, func() bool {
		return tr.State() == StateReady
	}, time.Second, 5*time.Millisecond)
}

func TestDelayIsDeterministic(t *testing.T) {
	tr, _, _, _ := newTestTransport(t)

	backoff := testCfg().Backoff
	for n := 0; n < 20; n++ {
		want := backoff[len(backoff)-1]
		if n < len(backoff) {
			want = backoff[n]
		}
		require.Equal(t, want, tr.Delay(n), "attempt %d", n)
	}
}

func TestHandshakeReachesReady(t *testing.T) {
	tr, dialer, _, _ := newTestTransport(t)

	tr.GoOnline("driver-1", auth.StaticProvider("tok-123"))
	defer tr.GoOffline()

	var conn *fakeConn
	require.Eventually(t, func() bool {
		conn = dialer.lastConn()
		return conn != nil && len(conn.written()) == 1
	}, time.Second, 5*time.Millisecond)

	var authMsg wsdto.AuthMessage
	require.NoError(t, json.Unmarshal(conn.written()[0], &authMsg))
	require.Equal(t, wsdto.MessageTypeAuth, authMsg.Type)
	require.Equal(t, "tok-123", authMsg.Token)
	require.Equal(t, "driver", authMsg.ClientType)

	ackAuth(t, conn)
	waitReady(t, tr)
}

func TestSendRequiresReady(t *testing.T) {
	tr, dialer, _, _ := newTestTransport(t)

	require.ErrorIs(t, tr.Send(wsdto.WebSocketMessage{Type: "x"}), ErrNotReady)

	tr.GoOnline("driver-1", auth.StaticProvider("tok"))
	defer tr.GoOffline()

	var conn *fakeConn
	require.Eventually(t, func() bool {
		conn = dialer.lastConn()
		return conn != nil && len(conn.written()) == 1
	}, time.Second, 5*time.Millisecond)

	// Authenticating is not Ready.
	require.ErrorIs(t, tr.Send(wsdto.WebSocketMessage{Type: "x"}), ErrNotReady)

	ackAuth(t, conn)
	waitReady(t, tr)

	require.NoError(t, tr.Send(wsdto.WebSocketMessage{Type: "location_batch"}))
	require.Len(t, conn.written(), 2)
}

func TestThreeClosesFollowBackoffSchedule(t *testing.T) {
	tr, dialer, timers, _ := newTestTransport(t)

	tr.GoOnline("driver-1", auth.StaticProvider("tok"))
	defer tr.GoOffline()

	var conn *fakeConn
	require.Eventually(t, func() bool {
		conn = dialer.lastConn()
		return conn != nil && len(conn.written()) == 1
	}, time.Second, 5*time.Millisecond)
	ackAuth(t, conn)
	waitReady(t, tr)

	// Unexpected close, then two failing dials.
	dialer.setFails(2)
	conn.serverClose()

	require.Eventually(t, func() bool {
		return len(timers.recorded()) == 1
	}, time.Second, 5*time.Millisecond)
	timers.fire(t) // dial fails
	require.Eventually(t, func() bool {
		return len(timers.recorded()) == 2
	}, time.Second, 5*time.Millisecond)
	timers.fire(t) // dial fails again
	require.Eventually(t, func() bool {
		return len(timers.recorded()) == 3
	}, time.Second, 5*time.Millisecond)

	backoff := testCfg().Backoff
	require.Equal(t, []time.Duration{backoff[0], backoff[1], backoff[2]}, timers.recorded())
}

func TestReadyResetsAttemptCounter(t *testing.T) {
	tr, dialer, timers, _ := newTestTransport(t)

	dialer.setFails(3)
	tr.GoOnline("driver-1", auth.StaticProvider("tok"))
	defer tr.GoOffline()

	for i := 0; i < 3; i++ {
		require.Eventually(t, func() bool {
			return len(timers.recorded()) == i+1
		}, time.Second, 5*time.Millisecond)
		timers.fire(t)
	}

	var conn *fakeConn
	require.Eventually(t, func() bool {
		conn = dialer.lastConn()
		return conn != nil && len(conn.written()) == 1
	}, time.Second, 5*time.Millisecond)
	ackAuth(t, conn)
	waitReady(t, tr)

	// Next failure starts the schedule over.
	conn.serverClose()
	require.Eventually(t, func() bool {
		return len(timers.recorded()) == 4
	}, time.Second, 5*time.Millisecond)

	backoff := testCfg().Backoff
	require.Equal(t, backoff[0], timers.recorded()[3])
}

func TestReconnectTimerFireDoesNotBlock(t *testing.T) {
	tr, dialer, timers, _ := newTestTransport(t)

	tr.GoOnline("driver-1", auth.StaticProvider("tok"))
	defer tr.GoOffline()

	var conn *fakeConn
	require.Eventually(t, func() bool {
		conn = dialer.lastConn()
		return conn != nil && len(conn.written()) == 1
	}, time.Second, 5*time.Millisecond)
	ackAuth(t, conn)
	waitReady(t, tr)

	conn.serverClose()
	require.Eventually(t, func() bool {
		return len(timers.recorded()) == 1
	}, time.Second, 5*time.Millisecond)

	// The re-dial succeeds and the new connection stays open; the timer
	// callback must hand the read loop its own goroutine and return.
	done := make(chan struct{})
	go func() {
		defer close(done)
		timers.fire(t)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reconnect timer callback blocked in the read loop")
	}

	var reconn *fakeConn
	require.Eventually(t, func() bool {
		reconn = dialer.lastConn()
		return reconn != nil && reconn != conn && len(reconn.written()) == 1
	}, time.Second, 5*time.Millisecond)
	ackAuth(t, reconn)
	waitReady(t, tr)
}

func TestAuthStallTriggersReconnect(t *testing.T) {
	tr, dialer, timers, _ := newTestTransport(t)
	authTimers := &fakeTimers{}
	tr.authAfter = authTimers.after

	tr.GoOnline("driver-1", auth.StaticProvider("tok"))
	defer tr.GoOffline()

	var conn *fakeConn
	require.Eventually(t, func() bool {
		conn = dialer.lastConn()
		return conn != nil && len(conn.written()) == 1
	}, time.Second, 5*time.Millisecond)

	// The server accepted the socket but never answers the handshake.
	require.Eventually(t, func() bool {
		return len(authTimers.recorded()) == 1
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, testCfg().AuthTimeout, authTimers.recorded()[0])

	authTimers.fire(t)

	// The stalled connection is closed and the backoff schedule starts.
	require.Eventually(t, func() bool {
		return len(timers.recorded()) == 1
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, testCfg().Backoff[0], timers.recorded()[0])
	require.NotEqual(t, StateReady, tr.State())
}

func TestAuthAckDisarmsHandshakeDeadline(t *testing.T) {
	tr, dialer, timers, _ := newTestTransport(t)
	authTimers := &fakeTimers{}
	tr.authAfter = authTimers.after

	tr.GoOnline("driver-1", auth.StaticProvider("tok"))
	defer tr.GoOffline()

	var conn *fakeConn
	require.Eventually(t, func() bool {
		conn = dialer.lastConn()
		return conn != nil && len(conn.written()) == 1
	}, time.Second, 5*time.Millisecond)
	ackAuth(t, conn)
	waitReady(t, tr)

	// A deadline firing after the ack must not kill the session.
	authTimers.fire(t)
	require.Equal(t, StateReady, tr.State())
	require.Empty(t, timers.recorded())
}

func TestAuthErrorSurfacedDistinctly(t *testing.T) {
	tr, dialer, timers, rec := newTestTransport(t)

	tr.GoOnline("driver-1", auth.StaticProvider("bad-token"))
	defer tr.GoOffline()

	var conn *fakeConn
	require.Eventually(t, func() bool {
		conn = dialer.lastConn()
		return conn != nil && len(conn.written()) == 1
	}, time.Second, 5*time.Millisecond)

	authErr, err := json.Marshal(wsdto.AuthErrorMessage{
		WebSocketMessage: wsdto.WebSocketMessage{Type: wsdto.MessageTypeAuthError},
		Reason:           "invalid_token",
	})
	require.NoError(t, err)
	conn.in <- authErr

	require.Eventually(t, func() bool {
		return rec.authFailures() == 1
	}, time.Second, 5*time.Millisecond)

	// Still retried after surfacing.
	require.Eventually(t, func() bool {
		return len(timers.recorded()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestMalformedAndUnknownFramesAreDropped(t *testing.T) {
	tr, dialer, _, _ := newTestTransport(t)

	got := make(chan []byte, 1)
	tr.Handle("ride_offer", func(payload []byte) { got <- payload })

	tr.GoOnline("driver-1", auth.StaticProvider("tok"))
	defer tr.GoOffline()

	var conn *fakeConn
	require.Eventually(t, func() bool {
		conn = dialer.lastConn()
		return conn != nil && len(conn.written()) == 1
	}, time.Second, 5*time.Millisecond)
	ackAuth(t, conn)
	waitReady(t, tr)

	conn.in <- []byte("{not json")
	conn.in <- []byte(`{"type":"mystery_kind"}`)
	conn.in <- []byte(`{"type":"ride_offer","offer_id":"o1"}`)

	select {
	case payload := <-got:
		require.Contains(t, string(payload), "o1")
	case <-time.After(time.Second):
		t.Fatal("handler never invoked; session died on malformed frame")
	}
	require.Equal(t, StateReady, tr.State())
}

func TestOfflineThenOnlineNeverDoublesTransports(t *testing.T) {
	tr, dialer, timers, _ := newTestTransport(t)

	tr.GoOnline("driver-1", auth.StaticProvider("tok"))
	tr.GoOffline()
	tr.GoOnline("driver-1", auth.StaticProvider("tok"))
	defer tr.GoOffline()

	var conn *fakeConn
	require.Eventually(t, func() bool {
		conn = dialer.lastConn()
		return conn != nil && len(conn.written()) == 1
	}, time.Second, 5*time.Millisecond)
	ackAuth(t, conn)
	waitReady(t, tr)

	// A stale timer from before GoOffline must be a no-op.
	if len(timers.recorded()) > 0 {
		timers.fire(t)
	}

	// At most one live (unclosed) connection.
	live := 0
	dialer.mu.Lock()
	for _, c := range dialer.conns {
		select {
		case <-c.closed:
		default:
			live++
		}
	}
	dialer.mu.Unlock()
	require.LessOrEqual(t, live, 1)
	require.Equal(t, StateReady, tr.State())
}

func TestGoOfflineIsIdempotent(t *testing.T) {
	tr, _, _, _ := newTestTransport(t)

	tr.GoOffline()
	tr.GoOnline("driver-1", auth.StaticProvider("tok"))
	tr.GoOffline()
	tr.GoOffline()
	require.Equal(t, StateDisconnected, tr.State())
}
