package llm

// BlockType identifies the kind of a content block.
type BlockType string

const (
	BlockTypeText       BlockType = "text"
	BlockTypeToolUse    BlockType = "tool_use"
	BlockTypeToolResult BlockType = "tool_result"
)

// ContentBlock is the canonical unit of normalized model output and
// conversation input. Exactly one of the field groups is populated,
// selected by Type.
type ContentBlock struct {
	Type BlockType `json:"type"`

	// For "text" blocks
	Text string `json:"text,omitempty"`

	// For "tool_use" blocks
	ID    string                 `json:"id,omitempty"`
	Name  string                 `json:"name,omitempty"`
	Input map[string]interface{} `json:"input,omitempty"`

	// For "tool_result" blocks
	ToolCallID string `json:"tool_call_id,omitempty"`
	Content    string `json:"content,omitempty"`
	IsError    bool   `json:"is_error,omitempty"`
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockTypeText, Text: text}
}

// ToolUseBlock builds a tool invocation content block.
func ToolUseBlock(id, name string, input map[string]interface{}) ContentBlock {
	return ContentBlock{Type: BlockTypeToolUse, ID: id, Name: name, Input: input}
}

// ToolResultBlock builds a tool result content block.
func ToolResultBlock(toolCallID, content string, isError bool) ContentBlock {
	return ContentBlock{Type: BlockTypeToolResult, ToolCallID: toolCallID, Content: content, IsError: isError}
}

// Usage tracks token consumption for one model call. Every field is
// materialized to zero when the provider omits it.
type Usage struct {
	InputTokens     int `json:"input_tokens"`
	OutputTokens    int `json:"output_tokens"`
	CacheReadTokens int `json:"cache_read_tokens"`
}

// Add accumulates another usage record into this one.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheReadTokens += other.CacheReadTokens
}

// ToolDescriptor describes a tool offered to the model.
type ToolDescriptor struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Schema      map[string]interface{} `json:"input_schema,omitempty"`
}

// Message is one conversation turn, grouped content blocks under a role.
type Message struct {
	Role   string         `json:"role"` // user, assistant, tool
	Blocks []ContentBlock `json:"blocks"`
}

// UserText builds a single-text user message.
func UserText(text string) Message {
	return Message{Role: "user", Blocks: []ContentBlock{TextBlock(text)}}
}

// Request contains the parameters for one model call.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	Tools       []ToolDescriptor
	Temperature float64
	MaxTokens   int
}

// Response is the normalized result of one model call.
type Response struct {
	Blocks []ContentBlock
	Usage  Usage
}

// Text concatenates all text blocks of the response.
func (r *Response) Text() string {
	out := ""
	for _, b := range r.Blocks {
		if b.Type == BlockTypeText {
			out += b.Text
		}
	}
	return out
}

// ToolUses returns the tool invocation blocks of the response in order.
func (r *Response) ToolUses() []ContentBlock {
	var uses []ContentBlock
	for _, b := range r.Blocks {
		if b.Type == BlockTypeToolUse {
			uses = append(uses, b)
		}
	}
	return uses
}
