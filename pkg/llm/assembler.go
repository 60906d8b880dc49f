package llm

import (
	"encoding/json"
	"sort"
	"strings"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// Delta is one normalized stream fragment. Providers translate their wire
// events into deltas; the assembler owns reassembly. A single delta may
// carry text, tool-call identity, and an argument fragment in any
// combination.
type Delta struct {
	Index        int    // tool-call slot within the in-flight response
	Text         string // text content fragment
	ToolID       string // tool call id, first fragment that carries it wins
	ToolName     string // tool name, may arrive in fragments
	ArgsFragment string // raw JSON argument fragment, concatenated in order
}

// ToolStart is emitted exactly once per tool-call index, the first time the
// accumulated name for that index becomes non-empty.
type ToolStart struct {
	Index int
	ID    string
	Name  string
}

type toolBuffer struct {
	id           string
	name         string
	args         strings.Builder
	startEmitted bool
}

// StreamAssembler reassembles one streamed model response into canonical
// content blocks. It is exclusively owned by a single in-flight call and is
// not safe for concurrent use.
type StreamAssembler struct {
	text    strings.Builder
	buffers map[int]*toolBuffer
	logger  zerolog.Logger
}

// NewStreamAssembler creates an assembler for one streamed response.
func NewStreamAssembler(logger zerolog.Logger) *StreamAssembler {
	return &StreamAssembler{
		buffers: make(map[int]*toolBuffer),
		logger:  logger,
	}
}

// Feed consumes one delta. It returns a non-nil ToolStart the first time the
// tool name at the delta's index becomes known.
func (a *StreamAssembler) Feed(d Delta) *ToolStart {
	if d.Text != "" {
		a.text.WriteString(d.Text)
	}

	if d.ToolID == "" && d.ToolName == "" && d.ArgsFragment == "" {
		return nil
	}

	buf, ok := a.buffers[d.Index]
	if !ok {
		buf = &toolBuffer{}
		a.buffers[d.Index] = buf
	}

	if d.ToolID != "" && buf.id == "" {
		buf.id = d.ToolID
	}
	if d.ToolName != "" {
		buf.name += d.ToolName
	}
	if d.ArgsFragment != "" {
		buf.args.WriteString(d.ArgsFragment)
	}

	if !buf.startEmitted && buf.name != "" {
		buf.startEmitted = true
		return &ToolStart{Index: d.Index, ID: buf.id, Name: buf.name}
	}
	return nil
}

// Finalize converts the accumulated state into ordered content blocks: the
// concatenated text first (if any), then tool_use blocks in index order.
// A blank argument string normalizes to an empty object; an argument string
// that does not parse as JSON drops that one tool call.
func (a *StreamAssembler) Finalize() []ContentBlock {
	var blocks []ContentBlock

	if a.text.Len() > 0 {
		blocks = append(blocks, TextBlock(a.text.String()))
	}

	indices := make([]int, 0, len(a.buffers))
	for idx := range a.buffers {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	for _, idx := range indices {
		buf := a.buffers[idx]
		if buf.name == "" {
			a.logger.Warn().Int("index", idx).Msg("Dropping tool call with no name")
			continue
		}

		input, err := ParseToolInput(buf.args.String())
		if err != nil {
			a.logger.Warn().
				Int("index", idx).
				Str("tool", buf.name).
				Err(err).
				Msg("Dropping tool call with malformed arguments")
			continue
		}

		id := buf.id
		if id == "" {
			id = NewToolCallID()
		}
		blocks = append(blocks, ToolUseBlock(id, buf.name, input))
	}

	return blocks
}

// ParseToolInput parses a raw tool argument string into a map. Blank input
// normalizes to an empty object rather than a parse error.
func ParseToolInput(raw string) (map[string]interface{}, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return map[string]interface{}{}, nil
	}
	var input map[string]interface{}
	if err := json.Unmarshal([]byte(trimmed), &input); err != nil {
		return nil, err
	}
	if input == nil {
		input = map[string]interface{}{}
	}
	return input, nil
}

// NewToolCallID generates a short unique id for tool calls whose provider
// did not supply one.
func NewToolCallID() string {
	return "toolu_" + gonanoid.Must(12)
}
