package model

import (
	"context"
	"sync"
)

// MockModel is a scripted ChatModel for tests.
//
// Responses are returned in order; after the script is exhausted the
// last entry repeats. Errors can be injected per call. MockModel also
// implements StreamingChatModel, splitting each response into fixed
// chunks.
type MockModel struct {
	mu        sync.Mutex
	responses []string
	errs      []error
	calls     int
}

// NewMockModel creates a MockModel that replies with the given
// responses in order.
func NewMockModel(responses ...string) *MockModel {
	if len(responses) == 0 {
		responses = []string{"mock response"}
	}
	return &MockModel{responses: responses}
}

// FailWith queues errors returned before any scripted response. Each
// queued error consumes one call.
func (m *MockModel) FailWith(errs ...error) *MockModel {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs = append(m.errs, errs...)
	return m
}

// Calls returns how many times Chat or ChatStream was invoked.
func (m *MockModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MockModel) next() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		return "", err
	}
	idx := m.calls - 1
	if idx >= len(m.responses) {
		idx = len(m.responses) - 1
	}
	return m.responses[idx], nil
}

// Chat returns the next scripted response (implements ChatModel).
func (m *MockModel) Chat(ctx context.Context, _ []Message) (ChatOut, error) {
	if err := ctx.Err(); err != nil {
		return ChatOut{}, err
	}
	text, err := m.next()
	if err != nil {
		return ChatOut{}, err
	}
	return ChatOut{Text: text}, nil
}

// ChatStream streams the next scripted response in chunks of up to 8
// characters (implements StreamingChatModel).
func (m *MockModel) ChatStream(ctx context.Context, _ []Message, onChunk func(string) error) (ChatOut, error) {
	if err := ctx.Err(); err != nil {
		return ChatOut{}, err
	}
	text, err := m.next()
	if err != nil {
		return ChatOut{}, err
	}
	for i := 0; i < len(text); i += 8 {
		end := i + 8
		if end > len(text) {
			end = len(text)
		}
		if err := onChunk(text[i:end]); err != nil {
			return ChatOut{}, err
		}
	}
	return ChatOut{Text: text}, nil
}
