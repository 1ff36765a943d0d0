package emit

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestLogEmitterTextMode(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogEmitter(&buf, false)

	l.Emit(Event{
		Type:       ExchangeStarted,
		RouteID:    "chat-durable",
		ExchangeID: "ex-1",
		Data:       map[string]string{"step": "call-llm"},
	})

	out := buf.String()
	if !strings.HasPrefix(out, "[EXCHANGE_STARTED] route=chat-durable exchange=ex-1") {
		t.Errorf("unexpected text output: %q", out)
	}
	if !strings.Contains(out, `"step":"call-llm"`) {
		t.Errorf("data missing from text output: %q", out)
	}
}

func TestLogEmitterJSONMode(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogEmitter(&buf, true)

	l.Emit(Event{Type: ExchangeCompleted, RouteID: "r1", ExchangeID: "ex-1"})

	var decoded Event
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v (%q)", err, buf.String())
	}
	if decoded.Type != ExchangeCompleted || decoded.ExchangeID != "ex-1" {
		t.Errorf("decoded = %+v", decoded)
	}
}
