package agentproc

import (
	"bufio"
	"bytes"
	"encoding/json"

	"github.com/hyper-ai-inc/hyper-backend/internal/protocol"
)

// LineParser treats each newline-terminated line of output as a single
// text ContentBlock, for agent variants with no structured wire format of
// their own (most shell-launched CLIs).
type LineParser struct {
	buf bytes.Buffer
}

// NewLineParser creates a LineParser.
func NewLineParser() *LineParser {
	return &LineParser{}
}

// Parse implements Parser.
func (l *LineParser) Parse(chunk []byte) []protocol.ContentBlock {
	l.buf.Write(chunk)

	var blocks []protocol.ContentBlock
	for {
		line, err := l.buf.ReadString('\n')
		if err != nil {
			// Incomplete line: put it back and wait for more.
			l.buf.Reset()
			l.buf.WriteString(line)
			break
		}
		text := trimNewline(line)
		if text == "" {
			continue
		}
		blocks = append(blocks, protocol.ContentBlock{BlockType: protocol.BlockText, Text: text})
	}
	return blocks
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

// jsonEvent is the structured wire shape some agent CLIs emit as
// newline-delimited JSON: one object per content block, already
// block-shaped. Grounded on the envelope+role+content pattern observed in
// the pack's leapmux agent-output streaming reference.
type jsonEvent struct {
	Type       string         `json:"type"`
	Text       string         `json:"text,omitempty"`
	Language   string         `json:"language,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	ToolInput  map[string]any `json:"tool_input,omitempty"`
	ToolOutput string         `json:"tool_output,omitempty"`
	ToolStatus string         `json:"tool_status,omitempty"`
}

// JSONLineParser parses newline-delimited JSON objects into ContentBlocks,
// for agent variants (e.g. the richer CLIs) that emit structured output
// directly. Lines that fail to parse as JSON fall back to a text block
// rather than being dropped, so partial/garbled output is never silently
// lost.
type JSONLineParser struct {
	scanner *lineScanner
}

// NewJSONLineParser creates a JSONLineParser.
func NewJSONLineParser() *JSONLineParser {
	return &JSONLineParser{scanner: newLineScanner()}
}

// Parse implements Parser.
func (j *JSONLineParser) Parse(chunk []byte) []protocol.ContentBlock {
	lines := j.scanner.feed(chunk)

	var blocks []protocol.ContentBlock
	for _, line := range lines {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var ev jsonEvent
		if err := json.Unmarshal(line, &ev); err != nil || ev.Type == "" {
			blocks = append(blocks, protocol.ContentBlock{BlockType: protocol.BlockText, Text: string(line)})
			continue
		}
		blocks = append(blocks, protocol.ContentBlock{
			BlockType:  ev.Type,
			Text:       ev.Text,
			Language:   ev.Language,
			ToolName:   ev.ToolName,
			ToolInput:  ev.ToolInput,
			ToolOutput: ev.ToolOutput,
			ToolStatus: ev.ToolStatus,
		})
	}
	return blocks
}

// lineScanner accumulates a byte stream and yields complete lines,
// buffering any trailing partial line across Parse calls.
type lineScanner struct {
	buf bytes.Buffer
}

func newLineScanner() *lineScanner {
	return &lineScanner{}
}

func (s *lineScanner) feed(chunk []byte) [][]byte {
	s.buf.Write(chunk)
	var lines [][]byte
	sc := bufio.NewScanner(bytes.NewReader(s.buf.Bytes()))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	consumed := 0
	data := s.buf.Bytes()
	for {
		idx := bytes.IndexByte(data[consumed:], '\n')
		if idx < 0 {
			break
		}
		line := data[consumed : consumed+idx]
		lines = append(lines, append([]byte(nil), line...))
		consumed += idx + 1
	}
	remainder := append([]byte(nil), data[consumed:]...)
	s.buf.Reset()
	s.buf.Write(remainder)
	return lines
}
