package config

import (
	"fmt"

	"github.com/dshills/routeforge/engine/model"
	"github.com/dshills/routeforge/engine/model/anthropic"
	"github.com/dshills/routeforge/engine/model/google"
	"github.com/dshills/routeforge/engine/model/openai"
)

// ChatModel builds the chat model selected by llm.provider. The mock
// provider needs no credentials and is intended for local runs and
// tests.
func (c *Config) ChatModel() (model.ChatModel, error) {
	switch c.LLM.Provider {
	case ProviderGoogle:
		if c.Gemini.APIKey == "" {
			return nil, fmt.Errorf("gemini.api_key is required (set GEMINI_API_KEY)")
		}
		return google.NewChatModel(c.Gemini.APIKey, c.Gemini.ModelName, float32(c.Gemini.Temperature)), nil

	case ProviderOpenAI:
		if c.OpenAI.APIKey == "" {
			return nil, fmt.Errorf("openai.api_key is required (set OPENAI_API_KEY)")
		}
		return openai.NewChatModel(c.OpenAI.APIKey, c.OpenAI.ModelName, c.OpenAI.Temperature), nil

	case ProviderAnthropic:
		if c.Anthropic.APIKey == "" {
			return nil, fmt.Errorf("anthropic.api_key is required (set ANTHROPIC_API_KEY)")
		}
		return anthropic.NewChatModel(c.Anthropic.APIKey, c.Anthropic.ModelName, c.Anthropic.Temperature), nil

	case ProviderMock:
		return model.NewMockModel("This is a mock response."), nil

	default:
		return nil, fmt.Errorf("unknown llm provider: %q", c.LLM.Provider)
	}
}
