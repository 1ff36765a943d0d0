package routes

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/dshills/routeforge/engine"
)

func TestChatRoutesValidate(t *testing.T) {
	for _, route := range []*engine.Route{ChatDurable(ChatConfig{}), ChatSimple(ChatConfig{})} {
		if err := route.Validate(); err != nil {
			t.Errorf("route %s invalid: %v", route.ID, err)
		}
	}
}

func TestChatDurableHasBlockingGate(t *testing.T) {
	route := ChatDurable(ChatConfig{})

	var gate *engine.ApprovalGate
	for _, step := range route.Steps {
		if g, ok := step.Action.(engine.ApprovalGate); ok {
			if gate != nil {
				t.Fatal("more than one approval gate")
			}
			g := g
			gate = &g
		}
	}
	if gate == nil {
		t.Fatal("chat-durable has no approval gate")
	}
	if !gate.Blocking {
		t.Error("chat-durable gate is not blocking")
	}
}

func TestChatSimpleHasNoGate(t *testing.T) {
	route := ChatSimple(ChatConfig{})
	for _, step := range route.Steps {
		if step.Action.Kind() == engine.KindApprovalGate {
			t.Fatalf("chat-simple contains an approval gate step: %s", step.Name)
		}
	}
}

func TestValidateInput(t *testing.T) {
	fn := validateInput(20).Fn
	ctx := context.Background()

	if _, err := fn(ctx, "hello"); err != nil {
		t.Errorf("valid payload rejected: %v", err)
	}

	for name, payload := range map[string]string{
		"empty":      "",
		"whitespace": "   \n\t ",
		"oversize":   strings.Repeat("x", 21),
	} {
		if _, err := fn(ctx, payload); err == nil {
			t.Errorf("%s payload accepted", name)
		} else {
			var verr *engine.ValidationError
			if !errors.As(err, &verr) {
				t.Errorf("%s payload error = %v, want ValidationError", name, err)
			}
		}
	}

	// Limit is inclusive.
	if _, err := fn(ctx, strings.Repeat("x", 20)); err != nil {
		t.Errorf("payload at the limit rejected: %v", err)
	}
}

func TestLogRequestTruncatesLongBodies(t *testing.T) {
	msg := logRequest().Message(strings.Repeat("a", 300))
	if len(msg) > len("received request: ")+203 {
		t.Errorf("log message too long: %d chars", len(msg))
	}
	if !strings.HasSuffix(msg, "...") {
		t.Errorf("truncated message missing ellipsis: %q", msg)
	}

	short := logRequest().Message("hi")
	if short != "received request: hi" {
		t.Errorf("short message = %q", short)
	}
}

func TestCallLLMPrompt(t *testing.T) {
	msgs := callLLM("be terse").Prompt("what is Go?")
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want system + user", len(msgs))
	}
	if msgs[0].Role != "system" || msgs[0].Content != "be terse" {
		t.Errorf("system message = %+v", msgs[0])
	}
	if msgs[1].Role != "user" || msgs[1].Content != "what is Go?" {
		t.Errorf("user message = %+v", msgs[1])
	}

	msgs = callLLM("").Prompt("what is Go?")
	if len(msgs) != 1 || msgs[0].Role != "user" {
		t.Errorf("messages without system prompt = %+v", msgs)
	}
}

func TestProcessResponseTrims(t *testing.T) {
	out, err := processResponse().Fn(context.Background(), "  answer \n")
	if err != nil || out != "answer" {
		t.Errorf("processResponse = %q, %v", out, err)
	}
}
