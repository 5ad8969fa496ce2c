package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Simulated is the networkless Transport used when no live endpoint is
// configured or reachable. Connect succeeds synchronously and Emit never
// fails; emitted events go nowhere except an inspection log, because in
// simulated mode the session store applies mutations locally instead of
// waiting for a server echo.
type Simulated struct {
	mu        sync.Mutex
	connected bool
	userID    string
	emitted   []Envelope

	hmu      sync.RWMutex
	handlers map[EventType]map[int]Handler
	nextSub  int
}

func NewSimulated() *Simulated {
	return &Simulated{handlers: make(map[EventType]map[int]Handler)}
}

func (t *Simulated) Connect(ctx context.Context, userID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = true
	t.userID = userID
	return nil
}

func (t *Simulated) Disconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = false
}

func (t *Simulated) Emit(event EventType, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("transport: marshal %s: %w", event, err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.emitted = append(t.emitted, Envelope{Type: event, Payload: raw})
	return nil
}

func (t *Simulated) Subscribe(event EventType, h Handler) func() {
	t.hmu.Lock()
	t.nextSub++
	id := t.nextSub
	if t.handlers[event] == nil {
		t.handlers[event] = make(map[int]Handler)
	}
	t.handlers[event][id] = h
	t.hmu.Unlock()

	return func() {
		t.hmu.Lock()
		delete(t.handlers[event], id)
		t.hmu.Unlock()
	}
}

// Inject delivers an inbound event to subscribers, as if it had arrived
// from a server. Tests use it to script remote activity.
func (t *Simulated) Inject(event EventType, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("transport: marshal inject %s: %w", event, err)
	}
	t.hmu.RLock()
	hs := make([]Handler, 0, len(t.handlers[event]))
	for _, h := range t.handlers[event] {
		hs = append(hs, h)
	}
	t.hmu.RUnlock()

	for _, h := range hs {
		h(raw)
	}
	return nil
}

// Emitted returns a copy of everything emitted so far.
func (t *Simulated) Emitted() []Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Envelope(nil), t.emitted...)
}

// Connected reports the connection flag (always true after Connect).
func (t *Simulated) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}
