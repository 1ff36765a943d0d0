// Package openai provides the OpenAI ChatModel adapter.
package openai

import (
	"context"
	"errors"
	"fmt"

	"github.com/dshills/routeforge/engine/model"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// DefaultModel is used when no model name is configured.
const DefaultModel = "gpt-4o-mini"

// ChatModel implements model.ChatModel for OpenAI's chat completion
// API, selectable via the llm.provider configuration key.
type ChatModel struct {
	client      openai.Client
	modelName   string
	temperature float64
}

// NewChatModel creates an OpenAI adapter. An empty modelName selects
// DefaultModel.
func NewChatModel(apiKey, modelName string, temperature float64) *ChatModel {
	if modelName == "" {
		modelName = DefaultModel
	}
	return &ChatModel{
		client:      openai.NewClient(option.WithAPIKey(apiKey)),
		modelName:   modelName,
		temperature: temperature,
	}
}

// Chat sends the conversation to OpenAI and returns the response text
// (implements model.ChatModel).
func (m *ChatModel) Chat(ctx context.Context, messages []model.Message) (model.ChatOut, error) {
	if err := ctx.Err(); err != nil {
		return model.ChatOut{}, err
	}

	params := openai.ChatCompletionNewParams{
		Model:       shared.ChatModel(m.modelName),
		Messages:    convertMessages(messages),
		Temperature: openai.Float(m.temperature),
	}

	completion, err := m.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return model.ChatOut{}, fmt.Errorf("openai API error: %w", err)
	}
	if len(completion.Choices) == 0 {
		return model.ChatOut{}, errors.New("openai API returned no choices")
	}
	return model.ChatOut{Text: completion.Choices[0].Message.Content}, nil
}

func convertMessages(messages []model.Message) []openai.ChatCompletionMessageParamUnion {
	converted := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case model.RoleSystem:
			converted = append(converted, openai.SystemMessage(msg.Content))
		case model.RoleAssistant:
			converted = append(converted, openai.AssistantMessage(msg.Content))
		default:
			converted = append(converted, openai.UserMessage(msg.Content))
		}
	}
	return converted
}
