package llm

import (
	"context"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rs/zerolog/log"
)

// AnthropicProvider implements Provider for Anthropic Claude.
type AnthropicProvider struct {
	client anthropic.Client
}

// NewAnthropicProvider creates a new Anthropic provider.
func NewAnthropicProvider(apiKey string) *AnthropicProvider {
	return &AnthropicProvider{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
	}
}

// Name returns the provider name.
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// Complete makes a blocking API call to Anthropic.
func (p *AnthropicProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	response, err := p.client.Messages.New(ctx, p.buildParams(req))
	if err != nil {
		return nil, err
	}

	var blocks []ContentBlock
	for _, block := range response.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			blocks = append(blocks, TextBlock(b.Text))
		case anthropic.ToolUseBlock:
			input, err := ParseToolInput(b.JSON.Input.Raw())
			if err != nil {
				log.Warn().Str("tool", b.Name).Err(err).Msg("Dropping tool call with malformed input")
				continue
			}
			blocks = append(blocks, ToolUseBlock(b.ID, b.Name, input))
		}
	}

	return &Response{
		Blocks: blocks,
		Usage: Usage{
			InputTokens:     int(response.Usage.InputTokens),
			OutputTokens:    int(response.Usage.OutputTokens),
			CacheReadTokens: int(response.Usage.CacheReadInputTokens),
		},
	}, nil
}

// Stream makes a streaming API call to Anthropic, reporting normalized
// deltas to the sink as they arrive.
func (p *AnthropicProvider) Stream(ctx context.Context, req Request, sink StreamSink) (*Response, error) {
	if sink == nil {
		return p.Complete(ctx, req)
	}

	stream := p.client.Messages.NewStreaming(ctx, p.buildParams(req))
	assembler := NewStreamAssembler(log.Logger)
	var usage Usage

	for stream.Next() {
		event := stream.Current()
		switch ev := event.AsAny().(type) {
		case anthropic.MessageStartEvent:
			usage.InputTokens = int(ev.Message.Usage.InputTokens)
			usage.CacheReadTokens = int(ev.Message.Usage.CacheReadInputTokens)

		case anthropic.ContentBlockStartEvent:
			if tool, ok := ev.ContentBlock.AsAny().(anthropic.ToolUseBlock); ok {
				started := assembler.Feed(Delta{
					Index:    int(ev.Index),
					ToolID:   tool.ID,
					ToolName: tool.Name,
				})
				if started != nil {
					sink.OnToolStart(*started)
				}
			}

		case anthropic.ContentBlockDeltaEvent:
			switch d := ev.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				assembler.Feed(Delta{Index: int(ev.Index), Text: d.Text})
				sink.OnText(d.Text)
			case anthropic.InputJSONDelta:
				started := assembler.Feed(Delta{Index: int(ev.Index), ArgsFragment: d.PartialJSON})
				if started != nil {
					sink.OnToolStart(*started)
				}
			}

		case anthropic.MessageDeltaEvent:
			usage.OutputTokens += int(ev.Usage.OutputTokens)
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

// buildParams converts a normalized request into Anthropic wire parameters.
func (p *AnthropicProvider) buildParams(req Request) anthropic.MessageNewParams {
	var messages []anthropic.MessageParam

	for _, msg := range req.Messages {
		switch msg.Role {
		case "tool":
			var parts []anthropic.ContentBlockParamUnion
			for _, b := range msg.Blocks {
				if b.Type == BlockTypeToolResult {
					parts = append(parts, anthropic.NewToolResultBlock(b.ToolCallID, b.Content, b.IsError))
				}
			}
			if len(parts) > 0 {
				messages = append(messages, anthropic.NewUserMessage(parts...))
			}

		case "assistant":
			var parts []anthropic.ContentBlockParamUnion
			for _, b := range msg.Blocks {
				switch b.Type {
				case BlockTypeText:
					if b.Text != "" {
						parts = append(parts, anthropic.NewTextBlock(b.Text))
					}
				case BlockTypeToolUse:
					parts = append(parts, anthropic.NewToolUseBlock(b.ID, b.Input, b.Name))
				}
			}
			if len(parts) > 0 {
				messages = append(messages, anthropic.MessageParam{
					Role:    anthropic.MessageParamRoleAssistant,
					Content: parts,
				})
			}

		default: // user
			for _, b := range msg.Blocks {
				if b.Type == BlockTypeText {
					messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(b.Text)))
				}
			}
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: int64(req.MaxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	if len(req.Tools) > 0 {
		var tools []anthropic.ToolUnionParam
		for _, tool := range req.Tools {
			toolParam := anthropic.ToolParam{
				Name:        tool.Name,
				Description: anthropic.String(tool.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: schemaProperties(tool.Schema),
				},
			}
			if required := schemaRequired(tool.Schema); len(required) > 0 {
				toolParam.InputSchema.Required = required
			}
			tools = append(tools, anthropic.ToolUnionParam{OfTool: &toolParam})
		}
		params.Tools = tools
	}

	return params
}

func schemaProperties(schema map[string]interface{}) interface{} {
	if schema == nil {
		return map[string]interface{}{}
	}
	if props, ok := schema["properties"]; ok {
		return props
	}
	return map[string]interface{}{}
}

func schemaRequired(schema map[string]interface{}) []string {
	if schema == nil {
		return nil
	}
	raw, ok := schema["required"].([]interface{})
	if !ok {
		return nil
	}
	required := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			required = append(required, s)
		}
	}
	return required
}
