package transport

import (
	"context"
	"encoding/json"
	"testing"
)

func TestSimulatedConnectAlwaysSucceeds(t *testing.T) {
	tr := NewSimulated()
	if err := tr.Connect(context.Background(), "u1"); err != nil {
		t.Fatalf("simulated connect: %v", err)
	}
	if !tr.Connected() {
		t.Fatalf("expected connected after Connect")
	}
	// Idempotent.
	if err := tr.Connect(context.Background(), "u1"); err != nil {
		t.Fatalf("second connect: %v", err)
	}
}

func TestSimulatedEmitRecordsWithoutDelivering(t *testing.T) {
	tr := NewSimulated()
	_ = tr.Connect(context.Background(), "u1")

	delivered := 0
	tr.Subscribe(EventMessageReceived, func(json.RawMessage) { delivered++ })

	if err := tr.Emit(EventSendMessage, SendMessagePayload{MsgID: "m1", RoomID: "r1", SenderID: "u1", Text: "hi"}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if delivered != 0 {
		t.Fatalf("emit must not loop back to subscribers, delivered=%d", delivered)
	}
	got := tr.Emitted()
	if len(got) != 1 || got[0].Type != EventSendMessage {
		t.Fatalf("unexpected emit log: %+v", got)
	}
}

func TestSimulatedInjectReachesSubscribers(t *testing.T) {
	tr := NewSimulated()

	var gotRoom string
	unsub := tr.Subscribe(EventTypingStatus, func(raw json.RawMessage) {
		var p TypingStatusPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		gotRoom = p.RoomID
	})

	if err := tr.Inject(EventTypingStatus, TypingStatusPayload{RoomID: "r1", UserID: "u2", IsTyping: true}); err != nil {
		t.Fatalf("inject: %v", err)
	}
	if gotRoom != "r1" {
		t.Fatalf("handler not invoked, room=%q", gotRoom)
	}

	unsub()
	gotRoom = ""
	_ = tr.Inject(EventTypingStatus, TypingStatusPayload{RoomID: "r2", UserID: "u2", IsTyping: false})
	if gotRoom != "" {
		t.Fatalf("handler invoked after unsubscribe")
	}
}
