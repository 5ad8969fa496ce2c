package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/roomchat/internal/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufSize    = 256
)

// bufPool pools bytes.Buffer for JSON encoding in the write pump.
var bufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// Live is the websocket Transport. One Live instance can be connected,
// torn down and reconnected; subscriptions survive reconnects.
type Live struct {
	url string

	mu        sync.Mutex
	conn      *websocket.Conn
	send      chan Envelope
	stop      chan struct{}
	connected bool
	explicit  bool

	hmu          sync.RWMutex
	handlers     map[EventType]map[int]Handler
	nextSub      int
	onDisconnect func(reason string)
}

// NewLive creates a websocket transport for the given ws:// or wss:// URL.
func NewLive(wsURL string) *Live {
	return &Live{
		url:      wsURL,
		handlers: make(map[EventType]map[int]Handler),
	}
}

// SetDisconnectHandler registers the callback fired when the server side
// closes the channel. It is not fired on an explicit Disconnect.
func (t *Live) SetDisconnectHandler(fn func(reason string)) {
	t.hmu.Lock()
	t.onDisconnect = fn
	t.hmu.Unlock()
}

func (t *Live) Connect(ctx context.Context, userID string) error {
	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	dialURL := t.url + "?user_id=" + url.QueryEscape(userID)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, dialURL, nil)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", ErrUnavailable, t.url, err)
	}

	t.mu.Lock()
	if t.connected {
		// Lost the race against a concurrent Connect; keep the first one.
		t.mu.Unlock()
		conn.Close()
		return nil
	}
	t.conn = conn
	t.send = make(chan Envelope, sendBufSize)
	t.stop = make(chan struct{})
	t.connected = true
	t.explicit = false
	stop, send := t.stop, t.send
	t.mu.Unlock()

	go t.readPump(conn)
	go t.writePump(conn, send, stop)
	return nil
}

// teardown closes the current connection once; reason is reported to the
// disconnect handler unless the teardown was caller-initiated.
func (t *Live) teardown(reason string) {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return
	}
	t.connected = false
	close(t.stop)
	conn := t.conn
	explicit := t.explicit
	t.mu.Unlock()

	conn.Close()

	if !explicit {
		t.hmu.RLock()
		cb := t.onDisconnect
		t.hmu.RUnlock()
		if cb != nil {
			cb(reason)
		}
	}
}

func (t *Live) Disconnect() {
	t.mu.Lock()
	t.explicit = true
	t.mu.Unlock()
	t.teardown("client disconnect")
}

func (t *Live) Emit(event EventType, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("transport: marshal %s: %w", event, err)
	}

	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return ErrUnavailable
	}
	send, stop := t.send, t.stop
	t.mu.Unlock()

	select {
	case send <- Envelope{Type: event, Payload: raw}:
		return nil
	case <-stop:
		return ErrUnavailable
	default:
		// Backpressure: the server is not draining; better to fail the
		// caller than to block a session mutation.
		return fmt.Errorf("transport: send buffer full for %s", event)
	}
}

func (t *Live) Subscribe(event EventType, h Handler) func() {
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

// dispatch invokes handlers sequentially: the read pump is the single
// caller, so events apply in arrival order.
func (t *Live) dispatch(env Envelope) {
	t.hmu.RLock()
	hs := make([]Handler, 0, len(t.handlers[env.Type]))
	for _, h := range t.handlers[env.Type] {
		hs = append(hs, h)
	}
	t.hmu.RUnlock()

	for _, h := range hs {
		h(env.Payload)
	}
}

func (t *Live) readPump(conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logger.Errorf("transport: set read deadline: %v", err)
		t.teardown(err.Error())
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Errorf("transport: read: %v", err)
			}
			t.teardown(err.Error())
			return
		}

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			logger.Errorf("transport: unmarshal frame: %v", err)
			continue
		}
		t.dispatch(env)
	}
}

func (t *Live) writePump(conn *websocket.Conn, send chan Envelope, stop chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case <-stop:
			if err := conn.WriteMessage(websocket.CloseMessage, nil); err != nil {
				logger.Errorf("transport: close message: %v", err)
			}
			return
		case env := <-send:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logger.Errorf("transport: set write deadline: %v", err)
				return
			}
			buf := bufPool.Get().(*bytes.Buffer)
			buf.Reset()
			enc := json.NewEncoder(buf)
			if err := enc.Encode(env); err != nil {
				bufPool.Put(buf)
				logger.Errorf("transport: encode frame: %v", err)
				continue
			}
			data := buf.Bytes()
			// json.Encoder appends '\n'; trim it for websocket text frames.
			if len(data) > 0 && data[len(data)-1] == '\n' {
				data = data[:len(data)-1]
			}
			writeErr := conn.WriteMessage(websocket.TextMessage, data)
			bufPool.Put(buf)
			if writeErr != nil {
				return
			}
		case <-ticker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
