// Package model provides LLM chat adapters for route steps.
package model

import "context"

// Standard role constants for chat conversations, aligned with the
// conventions used by the major providers.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single message in a chat conversation.
type Message struct {
	// Role identifies the sender: "system", "user" or "assistant".
	Role string

	// Content is the message text.
	Content string
}

// ChatOut is the output of a chat completion.
type ChatOut struct {
	// Text is the generated response.
	Text string
}

// ChatModel is the interface route steps use to call an LLM.
//
// Implementations handle provider authentication, convert Message to
// the provider format, and respect context cancellation and the
// provider SDK's timeouts. The engine treats a call as a single
// side-effectful operation: its result is checkpointed and never
// re-requested on recovery.
type ChatModel interface {
	Chat(ctx context.Context, messages []Message) (ChatOut, error)
}

// StreamingChatModel extends ChatModel with token streaming. onChunk
// is invoked for each text fragment in order; returning an error from
// onChunk aborts the stream. The full concatenated text is returned
// either way so callers can checkpoint it.
type StreamingChatModel interface {
	ChatModel
	ChatStream(ctx context.Context, messages []Message, onChunk func(chunk string) error) (ChatOut, error)
}
