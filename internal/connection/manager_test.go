package connection

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/roomchat/internal/transport"
)

// fakeLive scripts connect outcomes and lets tests trigger server-side
// disconnects.
type fakeLive struct {
	mu           sync.Mutex
	failures     int // number of Connect calls to fail before succeeding
	connects     int
	connected    bool
	onDisconnect func(reason string)
}

func (f *fakeLive) Connect(ctx context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.failures > 0 {
		f.failures--
		return errors.New("dial refused")
	}
	f.connected = true
	return nil
}

func (f *fakeLive) Emit(event transport.EventType, payload any) error { return nil }

func (f *fakeLive) Subscribe(event transport.EventType, h transport.Handler) func() {
	return func() {}
}

func (f *fakeLive) Disconnect() {
	f.mu.Lock()
	f.connected = false
	f.mu.Unlock()
}

func (f *fakeLive) SetDisconnectHandler(fn func(reason string)) {
	f.mu.Lock()
	f.onDisconnect = fn
	f.mu.Unlock()
}

func (f *fakeLive) serverDisconnect(reason string) {
	f.mu.Lock()
	f.connected = false
	fn := f.onDisconnect
	f.mu.Unlock()
	if fn != nil {
		fn(reason)
	}
}

func fastOpts() Options {
	return Options{
		MaxReconnectAttempts: 3,
		ReconnectBase:        time.Millisecond,
		ReconnectMax:         4 * time.Millisecond,
		ConnectTimeout:       time.Second,
	}
}

func waitState(t *testing.T, m *Manager, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", m.State(), want)
}

func TestConnectSuccess(t *testing.T) {
	live := &fakeLive{}
	m := New(live, transport.NewSimulated(), fastOpts())

	var gotConnected bool
	m.OnConnected(func(transport.Transport) { gotConnected = true })

	if err := m.Connect(context.Background(), "u1"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if m.State() != Connected {
		t.Fatalf("state = %s, want connected", m.State())
	}
	if !gotConnected {
		t.Fatalf("OnConnected not fired")
	}
}

func TestConnectIdempotentWhileConnected(t *testing.T) {
	live := &fakeLive{}
	m := New(live, transport.NewSimulated(), fastOpts())

	if err := m.Connect(context.Background(), "u1"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := m.Connect(context.Background(), "u1"); err != nil {
		t.Fatalf("second connect: %v", err)
	}
	if live.connects != 1 {
		t.Fatalf("live dialed %d times, want 1", live.connects)
	}
}

func TestFallbackToSimulated(t *testing.T) {
	live := &fakeLive{failures: 100}
	sim := transport.NewSimulated()
	m := New(live, sim, fastOpts())

	var simulatedFired, connectedFired bool
	m.OnSimulated(func(transport.Transport) { simulatedFired = true })
	m.OnConnected(func(transport.Transport) { connectedFired = true })

	if err := m.Connect(context.Background(), "u1"); err != nil {
		t.Fatalf("connect must not fail when fallback is available: %v", err)
	}
	if m.State() != Simulated {
		t.Fatalf("state = %s, want simulated", m.State())
	}
	if !simulatedFired || connectedFired {
		t.Fatalf("callbacks: simulated=%v connected=%v", simulatedFired, connectedFired)
	}
	if m.Active() != transport.Transport(sim) {
		t.Fatalf("active transport is not the simulated one")
	}
}

func TestNilLiveGoesStraightToSimulated(t *testing.T) {
	m := New(nil, transport.NewSimulated(), fastOpts())
	if err := m.Connect(context.Background(), "u1"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if m.State() != Simulated {
		t.Fatalf("state = %s, want simulated", m.State())
	}
}

func TestAutomaticReconnect(t *testing.T) {
	live := &fakeLive{}
	m := New(live, transport.NewSimulated(), fastOpts())

	if err := m.Connect(context.Background(), "u1"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	reconnected := make(chan struct{}, 1)
	m.OnConnected(func(transport.Transport) {
		select {
		case reconnected <- struct{}{}:
		default:
		}
	})

	live.serverDisconnect("going away")
	select {
	case <-reconnected:
	case <-time.After(2 * time.Second):
		t.Fatalf("no reconnect, state=%s", m.State())
	}
	waitState(t, m, Connected)
}

func TestReconnectExhaustionEndsDisconnected(t *testing.T) {
	live := &fakeLive{}
	m := New(live, transport.NewSimulated(), fastOpts())

	if err := m.Connect(context.Background(), "u1"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	live.mu.Lock()
	live.failures = 100 // every further dial fails
	live.mu.Unlock()

	live.serverDisconnect("going away")
	waitState(t, m, Disconnected)
}

func TestDisconnectFromAnyState(t *testing.T) {
	live := &fakeLive{failures: 100}
	m := New(live, transport.NewSimulated(), fastOpts())

	_ = m.Connect(context.Background(), "u1") // lands in Simulated
	m.Disconnect()
	if m.State() != Disconnected {
		t.Fatalf("state = %s, want disconnected", m.State())
	}
	if m.Active() != nil {
		t.Fatalf("active transport must be nil after Disconnect")
	}
	if err := m.Emit(transport.EventTypingStart, transport.TypingPayload{RoomID: "r1", UserID: "u1"}); !errors.Is(err, transport.ErrUnavailable) {
		t.Fatalf("emit after disconnect: %v, want ErrUnavailable", err)
	}
}

// gatedLive holds the dial open until the gate closes, so a test can act
// mid-handshake.
type gatedLive struct {
	fakeLive
	gate chan struct{}
}

func (g *gatedLive) Connect(ctx context.Context, userID string) error {
	<-g.gate
	return g.fakeLive.Connect(ctx, userID)
}

func TestDisconnectDuringHandshakeWins(t *testing.T) {
	live := &gatedLive{gate: make(chan struct{})}
	m := New(live, transport.NewSimulated(), fastOpts())

	var connectedFired bool
	m.OnConnected(func(transport.Transport) { connectedFired = true })

	done := make(chan error, 1)
	go func() { done <- m.Connect(context.Background(), "u1") }()
	waitState(t, m, Connecting)
	m.Disconnect()
	close(live.gate)

	if err := <-done; err != nil {
		t.Fatalf("connect: %v", err)
	}
	if m.State() != Disconnected {
		t.Fatalf("state = %s, want disconnected", m.State())
	}
	if connectedFired {
		t.Fatalf("OnConnected fired for a session that was disconnected mid-handshake")
	}
	live.mu.Lock()
	stillUp := live.connected
	live.mu.Unlock()
	if stillUp {
		t.Fatalf("live connection kept open after the racing disconnect")
	}
	if m.Active() != nil {
		t.Fatalf("active transport must be nil after Disconnect")
	}
}

func TestDisconnectDuringFallbackHandshake(t *testing.T) {
	live := &gatedLive{fakeLive: fakeLive{failures: 100}, gate: make(chan struct{})}
	m := New(live, transport.NewSimulated(), fastOpts())

	var simulatedFired bool
	m.OnSimulated(func(transport.Transport) { simulatedFired = true })

	done := make(chan error, 1)
	go func() { done <- m.Connect(context.Background(), "u1") }()
	waitState(t, m, Connecting)
	m.Disconnect()
	close(live.gate)

	if err := <-done; err != nil {
		t.Fatalf("connect: %v", err)
	}
	if m.State() != Disconnected {
		t.Fatalf("state = %s, want disconnected (not simulated)", m.State())
	}
	if simulatedFired {
		t.Fatalf("OnSimulated fired for a session that was disconnected mid-handshake")
	}
	if m.Active() != nil {
		t.Fatalf("active transport must be nil after Disconnect")
	}
}

func TestEmitRoutesToActiveTransport(t *testing.T) {
	live := &fakeLive{failures: 100}
	sim := transport.NewSimulated()
	m := New(live, sim, fastOpts())
	_ = m.Connect(context.Background(), "u1")

	if err := m.EmitRoom("r1", transport.EventTypingStart, transport.TypingPayload{RoomID: "r1", UserID: "u1"}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	emitted := sim.Emitted()
	if len(emitted) != 1 || emitted[0].Type != transport.EventTypingStart {
		t.Fatalf("unexpected emit log: %+v", emitted)
	}
	var p transport.TypingPayload
	if err := json.Unmarshal(emitted[0].Payload, &p); err != nil || p.RoomID != "r1" {
		t.Fatalf("payload: %+v err=%v", p, err)
	}
}
