package models

import (
	"encoding/json"
	"testing"
)

// The envelope field names are a wire contract consumed by clients; renames
// here break every subscriber.
func TestEventEnvelopeWireShape(t *testing.T) {
	ev := NewEvent(EventMessageDelta, "conv-1", "turn-1", 7, MessageDeltaData{
		MessageID: "msg-1",
		Delta:     "hello",
	})

	raw, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	for _, key := range []string{"event", "conversation_id", "turn_id", "seq", "ts", "data"} {
		if _, ok := decoded[key]; !ok {
			t.Errorf("envelope missing %q field", key)
		}
	}
	if decoded["event"] != "message.delta" {
		t.Errorf("event = %v, want message.delta", decoded["event"])
	}
	if decoded["seq"].(float64) != 7 {
		t.Errorf("seq = %v, want 7", decoded["seq"])
	}

	data := decoded["data"].(map[string]any)
	if data["message_id"] != "msg-1" || data["delta"] != "hello" {
		t.Errorf("data = %v, want message_id/delta payload", data)
	}
}

func TestNewEventNilData(t *testing.T) {
	ev := NewEvent(EventMessageStopped, "conv-1", "turn-1", 1, nil)
	if ev.Data != nil {
		t.Errorf("expected empty data for nil payload, got %s", ev.Data)
	}
	if ev.TS.IsZero() {
		t.Error("expected timestamp to be set")
	}
}
