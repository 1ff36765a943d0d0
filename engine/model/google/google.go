// Package google provides the Gemini ChatModel adapter.
package google

import (
	"context"
	"errors"
	"fmt"

	"github.com/dshills/routeforge/engine/model"
	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// DefaultModel is used when no model name is configured.
const DefaultModel = "gemini-2.5-flash"

// ChatModel implements model.ChatModel and model.StreamingChatModel
// for Google's Gemini API.
//
// Example:
//
//	m := google.NewChatModel(os.Getenv("GEMINI_API_KEY"), "gemini-2.5-flash", 0.7)
//	out, err := m.Chat(ctx, []model.Message{
//	    {Role: model.RoleUser, Content: "Hello"},
//	})
type ChatModel struct {
	apiKey      string
	modelName   string
	temperature float32
}

// NewChatModel creates a Gemini adapter. An empty modelName selects
// DefaultModel; temperature is passed through to the generation
// config.
func NewChatModel(apiKey, modelName string, temperature float32) *ChatModel {
	if modelName == "" {
		modelName = DefaultModel
	}
	return &ChatModel{apiKey: apiKey, modelName: modelName, temperature: temperature}
}

// Chat sends the conversation to Gemini and returns the full response
// (implements model.ChatModel).
func (m *ChatModel) Chat(ctx context.Context, messages []model.Message) (model.ChatOut, error) {
	if err := ctx.Err(); err != nil {
		return model.ChatOut{}, err
	}

	client, genModel, err := m.open(ctx)
	if err != nil {
		return model.ChatOut{}, err
	}
	defer func() { _ = client.Close() }()

	resp, err := genModel.GenerateContent(ctx, m.parts(messages)...)
	if err != nil {
		return model.ChatOut{}, fmt.Errorf("gemini API error: %w", err)
	}
	return model.ChatOut{Text: responseText(resp)}, nil
}

// ChatStream streams the response token-by-token, invoking onChunk for
// each fragment in order (implements model.StreamingChatModel).
func (m *ChatModel) ChatStream(ctx context.Context, messages []model.Message, onChunk func(string) error) (model.ChatOut, error) {
	if err := ctx.Err(); err != nil {
		return model.ChatOut{}, err
	}

	client, genModel, err := m.open(ctx)
	if err != nil {
		return model.ChatOut{}, err
	}
	defer func() { _ = client.Close() }()

	iter := genModel.GenerateContentStream(ctx, m.parts(messages)...)
	var full string
	for {
		resp, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return model.ChatOut{}, fmt.Errorf("gemini stream error: %w", err)
		}
		chunk := responseText(resp)
		if chunk == "" {
			continue
		}
		full += chunk
		if onChunk != nil {
			if err := onChunk(chunk); err != nil {
				return model.ChatOut{}, err
			}
		}
	}
	return model.ChatOut{Text: full}, nil
}

func (m *ChatModel) open(ctx context.Context) (*genai.Client, *genai.GenerativeModel, error) {
	if m.apiKey == "" {
		return nil, nil, errors.New("gemini API key is required")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(m.apiKey))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	genModel := client.GenerativeModel(m.modelName)
	genModel.SetTemperature(m.temperature)
	return client, genModel, nil
}

// parts flattens the conversation into Gemini text parts.
func (m *ChatModel) parts(messages []model.Message) []genai.Part {
	var parts []genai.Part
	for _, msg := range messages {
		if msg.Content != "" {
			parts = append(parts, genai.Text(msg.Content))
		}
	}
	return parts
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var text string
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			if text != "" {
				text += "\n"
			}
			text += string(t)
		}
	}
	return text
}
