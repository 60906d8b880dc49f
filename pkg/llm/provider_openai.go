package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/rs/zerolog/log"
)

// OpenAIProvider implements Provider for OpenAI chat completions.
type OpenAIProvider struct {
	client openai.Client
}

// NewOpenAIProvider creates a new OpenAI provider.
func NewOpenAIProvider(apiKey string) *OpenAIProvider {
	return &OpenAIProvider{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
	}
}

// Name returns the provider name.
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Complete makes a blocking API call to OpenAI.
func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	response, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, err
	}
	if len(response.Choices) == 0 {
		return nil, fmt.Errorf("no response choices returned")
	}

	choice := response.Choices[0]
	var blocks []ContentBlock
	if choice.Message.Content != "" {
		blocks = append(blocks, TextBlock(choice.Message.Content))
	}
	for _, tc := range choice.Message.ToolCalls {
		input, err := ParseToolInput(tc.Function.Arguments)
		if err != nil {
			log.Warn().Str("tool", tc.Function.Name).Err(err).Msg("Dropping tool call with malformed arguments")
			continue
		}
		blocks = append(blocks, ToolUseBlock(tc.ID, tc.Function.Name, input))
	}

	return &Response{
		Blocks: blocks,
		Usage: Usage{
			InputTokens:     int(response.Usage.PromptTokens),
			OutputTokens:    int(response.Usage.CompletionTokens),
			CacheReadTokens: int(response.Usage.PromptTokensDetails.CachedTokens),
		},
	}, nil
}

// Stream makes a streaming API call to OpenAI. Tool calls arrive as indexed
// argument fragments across chunks and are reassembled before completion
// events fire.
func (p *OpenAIProvider) Stream(ctx context.Context, req Request, sink StreamSink) (*Response, error) {
	if sink == nil {
		return p.Complete(ctx, req)
	}

	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{
		IncludeUsage: openai.Bool(true),
	}

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	assembler := NewStreamAssembler(log.Logger)
	var usage Usage

	for stream.Next() {
		chunk := stream.Current()

		if chunk.Usage.PromptTokens > 0 || chunk.Usage.CompletionTokens > 0 {
			usage.InputTokens = int(chunk.Usage.PromptTokens)
			usage.OutputTokens = int(chunk.Usage.CompletionTokens)
			usage.CacheReadTokens = int(chunk.Usage.PromptTokensDetails.CachedTokens)
		}

		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta

		if delta.Content != "" {
			assembler.Feed(Delta{Text: delta.Content})
			sink.OnText(delta.Content)
		}

		for _, tc := range delta.ToolCalls {
			started := assembler.Feed(Delta{
				Index:        int(tc.Index),
				ToolID:       tc.ID,
				ToolName:     tc.Function.Name,
				ArgsFragment: tc.Function.Arguments,
			})
			if started != nil {
				sink.OnToolStart(*started)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}

	blocks := assembler.Finalize()
	for _, b := range blocks {
		if b.Type == BlockTypeToolUse {
			sink.OnToolComplete(b)
		}
	}
	return &Response{Blocks: blocks, Usage: usage}, nil
}

// buildParams converts a normalized request into OpenAI wire parameters.
func (p *OpenAIProvider) buildParams(req Request) (openai.ChatCompletionNewParams, error) {
	var messages []openai.ChatCompletionMessageParamUnion

	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case "tool":
			for _, b := range msg.Blocks {
				if b.Type == BlockTypeToolResult {
					messages = append(messages, openai.ToolMessage(b.ToolCallID, b.Content))
				}
			}

		case "assistant":
			uses := []ContentBlock{}
			text := ""
			for _, b := range msg.Blocks {
				switch b.Type {
				case BlockTypeText:
					text += b.Text
				case BlockTypeToolUse:
					uses = append(uses, b)
				}
			}
			if len(uses) == 0 {
				messages = append(messages, openai.AssistantMessage(text))
				continue
			}
			var toolCalls []openai.ChatCompletionMessageToolCall
			for _, u := range uses {
				args, err := json.Marshal(u.Input)
				if err != nil {
					return openai.ChatCompletionNewParams{}, fmt.Errorf("marshal tool input: %w", err)
				}
				toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCall{
					ID:   u.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunction{
						Name:      u.Name,
						Arguments: string(args),
					},
				})
			}
			assistantMsg := openai.ChatCompletionMessage{
				Role:      "assistant",
				Content:   text,
				ToolCalls: toolCalls,
			}
			messages = append(messages, assistantMsg.ToParam())

		default: // user
			for _, b := range msg.Blocks {
				if b.Type == BlockTypeText {
					messages = append(messages, openai.UserMessage(b.Text))
				}
			}
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}

	if len(req.Tools) > 0 {
		var tools []openai.ChatCompletionToolParam
		for _, tool := range req.Tools {
			schema := tool.Schema
			if schema == nil {
				schema = map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
			}
			tools = append(tools, openai.ChatCompletionToolParam{
				Type: "function",
				Function: openai.FunctionDefinitionParam{
					Name:        tool.Name,
					Description: openai.String(tool.Description),
					Parameters:  openai.FunctionParameters(schema),
				},
			})
		}
		params.Tools = tools
	}

	return params, nil
}
