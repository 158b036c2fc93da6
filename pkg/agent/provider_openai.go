package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const deepSeekBaseURL = "https://api.deepseek.com/v1"

// OpenAIProvider implements LLMProvider for OpenAI and OpenAI-compatible
// backends.
type OpenAIProvider struct {
	client openai.Client
	name   string
	// reasoning echoes reasoning_content on every assistant message, which
	// DeepSeek requires once thinking is enabled.
	reasoning bool
}

func newOpenAICompatible(name, apiKey, baseURL string, reasoning bool) *OpenAIProvider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIProvider{
		client:    openai.NewClient(opts...),
		name:      name,
		reasoning: reasoning,
	}
}

// NewOpenAIProvider creates a new OpenAI provider
func NewOpenAIProvider(apiKey, baseURL string) *OpenAIProvider {
	return newOpenAICompatible("openai", apiKey, baseURL, false)
}

// NewDeepSeekProvider creates a provider for the DeepSeek chat API.
func NewDeepSeekProvider(apiKey, baseURL string) *OpenAIProvider {
	if baseURL == "" {
		baseURL = deepSeekBaseURL
	}
	return newOpenAICompatible("deepseek", apiKey, baseURL, true)
}

// Provider returns the provider name
func (p *OpenAIProvider) Provider() string {
	return p.name
}

// Call makes an API call to OpenAI
func (p *OpenAIProvider) Call(ctx context.Context, request LLMRequest) (*LLMResponse, error) {
	messages := []openai.ChatCompletionMessageParamUnion{}
	var extra []option.RequestOption

	if request.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(request.SystemPrompt))
	}

	for _, msg := range request.Messages {
		switch msg.Role {
		case RoleUser:
			messages = append(messages, openai.UserMessage(msg.Content))
		case RoleAssistant:
			if tc := msg.ToolCall; tc != nil {
				assistantMsg := openai.ChatCompletionMessage{
					Role:    "assistant",
					Content: msg.Content,
					ToolCalls: []openai.ChatCompletionMessageToolCall{{
						ID:   tc.ID,
						Type: "function",
						Function: openai.ChatCompletionMessageToolCallFunction{
							Name:      tc.Name,
							Arguments: string(argumentsOrEmpty(tc.Arguments)),
						},
					}},
				}
				messages = append(messages, assistantMsg.ToParam())
			} else {
				messages = append(messages, openai.AssistantMessage(msg.Content))
			}
			if p.reasoning && msg.ReasoningContent != nil {
				path := fmt.Sprintf("messages.%d.reasoning_content", len(messages)-1)
				extra = append(extra, option.WithJSONSet(path, *msg.ReasoningContent))
			}
		case RoleTool:
			messages = append(messages, openai.ToolMessage(msg.Content, msg.ToolCallID))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(request.Model),
		Messages: messages,
	}

	if request.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(request.MaxTokens))
	}

	if request.Temperature > 0 {
		params.Temperature = openai.Float(request.Temperature)
	}

	if len(request.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolParam, 0, len(request.Tools))
		for _, tool := range request.Tools {
			tools = append(tools, openai.ChatCompletionToolParam{
				Type: "function",
				Function: openai.FunctionDefinitionParam{
					Name:        tool.Name,
					Description: openai.String(tool.Description),
					Parameters:  openai.FunctionParameters(tool.Parameters),
				},
			})
		}
		params.Tools = tools
		params.ParallelToolCalls = openai.Bool(request.ParallelToolCalls)
	}

	response, err := p.client.Chat.Completions.New(ctx, params, extra...)
	if err != nil {
		return nil, err
	}

	if len(response.Choices) == 0 {
		return nil, fmt.Errorf("no response choices returned")
	}

	choice := response.Choices[0]

	var reasoning *string
	if field, ok := choice.Message.JSON.ExtraFields["reasoning_content"]; ok {
		var text string
		if err := json.Unmarshal([]byte(field.Raw()), &text); err == nil {
			reasoning = &text
		}
	}

	toolCalls := []ToolCall{}
	for _, tc := range choice.Message.ToolCalls {
		args := strings.TrimSpace(tc.Function.Arguments)
		if args == "" {
			args = "{}"
		}
		if !json.Valid([]byte(args)) {
			return nil, fmt.Errorf("failed to parse tool arguments for %s", tc.Function.Name)
		}
		toolCalls = append(toolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}

	return &LLMResponse{
		Content:          choice.Message.Content,
		ReasoningContent: reasoning,
		ToolCalls:        toolCalls,
		Usage: &TokenUsage{
			InputTokens:  int(response.Usage.PromptTokens),
			OutputTokens: int(response.Usage.CompletionTokens),
		},
	}, nil
}
