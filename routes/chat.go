// Package routes declares the routes registered with the engine at
// startup.
package routes

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dshills/routeforge/engine"
	"github.com/dshills/routeforge/engine/model"
)

// Route ids registered by this package.
const (
	ChatDurableID = "chat-durable"
	ChatSimpleID  = "chat-simple"
)

// ChatConfig configures the chat routes.
type ChatConfig struct {
	// MaxPayloadLen bounds the validated payload length. Zero selects
	// engine.DefaultMaxPayloadLen.
	MaxPayloadLen int

	// ApprovalTimeout bounds the durable route's approval gate. Zero
	// selects the approval service default.
	ApprovalTimeout time.Duration

	// SystemPrompt, when set, is sent as the system message of every
	// LLM call.
	SystemPrompt string
}

// ChatDurable builds the canonical durable chat route: input
// validation, audit logging, a blocking approval gate, the LLM call
// and per-route metrics. Every step is checkpointed; the LLM response
// is replayed from its checkpoint on recovery.
func ChatDurable(cfg ChatConfig) *engine.Route {
	return &engine.Route{
		ID: ChatDurableID,
		Steps: []engine.Step{
			{Name: "validate-input", Action: validateInput(cfg.MaxPayloadLen)},
			{Name: "log-request", Action: logRequest()},
			{Name: "before-approval", Action: passthrough()},
			{Name: "approval-gate", Action: engine.ApprovalGate{Timeout: cfg.ApprovalTimeout, Blocking: true}},
			{Name: "after-approval", Action: passthrough()},
			{Name: "call-llm", Action: callLLM(cfg.SystemPrompt)},
			{Name: "process-response", Action: processResponse()},
			{Name: "update-metrics", Action: engine.MetricUpdate{}},
		},
	}
}

// ChatSimple is the durable chat route without the approval gate.
// State persistence is identical to ChatDurable: every submitted
// exchange is checkpointed step-by-step regardless of profile.
func ChatSimple(cfg ChatConfig) *engine.Route {
	return &engine.Route{
		ID: ChatSimpleID,
		Steps: []engine.Step{
			{Name: "validate-input", Action: validateInput(cfg.MaxPayloadLen)},
			{Name: "log-request", Action: logRequest()},
			{Name: "call-llm", Action: callLLM(cfg.SystemPrompt)},
			{Name: "process-response", Action: processResponse()},
			{Name: "update-metrics", Action: engine.MetricUpdate{}},
		},
	}
}

func validateInput(maxLen int) engine.Transform {
	if maxLen <= 0 {
		maxLen = engine.DefaultMaxPayloadLen
	}
	return engine.Transform{Fn: func(_ context.Context, body string) (string, error) {
		if strings.TrimSpace(body) == "" {
			return "", &engine.ValidationError{Field: "payload", Message: "payload cannot be empty"}
		}
		if len(body) > maxLen {
			return "", &engine.ValidationError{
				Field:   "payload",
				Message: fmt.Sprintf("payload exceeds maximum length of %d characters", maxLen),
			}
		}
		return body, nil
	}}
}

func logRequest() engine.AuditLog {
	return engine.AuditLog{Message: func(body string) string {
		return "received request: " + truncate(body, 200)
	}}
}

// passthrough marks a step boundary without changing the body. The
// checkpoint it produces is what pause/resume and recovery land on.
func passthrough() engine.Transform {
	return engine.Transform{Fn: func(_ context.Context, body string) (string, error) {
		return body, nil
	}}
}

func callLLM(systemPrompt string) engine.LLMCall {
	return engine.LLMCall{Prompt: func(body string) []model.Message {
		msgs := make([]model.Message, 0, 2)
		if systemPrompt != "" {
			msgs = append(msgs, model.Message{Role: model.RoleSystem, Content: systemPrompt})
		}
		return append(msgs, model.Message{Role: model.RoleUser, Content: body})
	}}
}

func processResponse() engine.Transform {
	return engine.Transform{Fn: func(_ context.Context, body string) (string, error) {
		return strings.TrimSpace(body), nil
	}}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
