// Package anthropic provides the Anthropic Claude ChatModel adapter.
package anthropic

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/dshills/routeforge/engine/model"
)

// DefaultModel is used when no model name is configured.
const DefaultModel = "claude-3-5-sonnet-latest"

const maxTokens = 4096

// ChatModel implements model.ChatModel for Anthropic's Messages API,
// selectable via the llm.provider configuration key.
type ChatModel struct {
	client      anthropic.Client
	modelName   string
	temperature float64
}

// NewChatModel creates an Anthropic adapter. An empty modelName
// selects DefaultModel.
func NewChatModel(apiKey, modelName string, temperature float64) *ChatModel {
	if modelName == "" {
		modelName = DefaultModel
	}
	return &ChatModel{
		client:      anthropic.NewClient(option.WithAPIKey(apiKey)),
		modelName:   modelName,
		temperature: temperature,
	}
}

// Chat sends the conversation to Claude and returns the response text
// (implements model.ChatModel). System messages are extracted into the
// separate system parameter Anthropic expects.
func (m *ChatModel) Chat(ctx context.Context, messages []model.Message) (model.ChatOut, error) {
	if err := ctx.Err(); err != nil {
		return model.ChatOut{}, err
	}

	system, conversation := splitSystem(messages)

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(m.modelName),
		MaxTokens:   maxTokens,
		Messages:    conversation,
		Temperature: anthropic.Float(m.temperature),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	message, err := m.client.Messages.New(ctx, params)
	if err != nil {
		return model.ChatOut{}, fmt.Errorf("anthropic API error: %w", err)
	}

	var text string
	for _, block := range message.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return model.ChatOut{Text: text}, nil
}

// splitSystem separates system messages (concatenated) from the
// conversation, since Anthropic takes the system prompt out of band.
func splitSystem(messages []model.Message) (string, []anthropic.MessageParam) {
	var system string
	conversation := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case model.RoleSystem:
			if system != "" {
				system += "\n\n"
			}
			system += msg.Content
		case model.RoleAssistant:
			conversation = append(conversation, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		default:
			conversation = append(conversation, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}
	return system, conversation
}
