package engine

import (
	"encoding/json"
	"strings"

	"github.com/haasonsaas/relay/internal/llm"
)

// ParseResult classifies one scan of the pending-reason buffer.
type ParseResult int

const (
	// ParseNone means no complete envelope is in the buffer yet.
	ParseNone ParseResult = iota
	// ParseOK means a well-formed call was extracted.
	ParseOK
	// ParseMalformed means an envelope was found but its body did not
	// decode; it has been consumed so the scan can move past it.
	ParseMalformed
)

// ToolCallRequest is the decoded body of one tool-call envelope.
type ToolCallRequest struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ScanToolCall finds the first complete tool-call envelope in buffer. The
// returned rest has everything through the closing tag removed once an
// envelope was consumed, well-formed or not, so the same envelope is never
// parsed twice. With ParseNone the buffer is returned unchanged.
func ScanToolCall(buffer string) (*ToolCallRequest, string, ParseResult) {
	start := strings.Index(buffer, llm.ToolCallOpen)
	if start < 0 {
		return nil, buffer, ParseNone
	}
	rel := strings.Index(buffer[start:], llm.ToolCallClose)
	if rel < 0 {
		return nil, buffer, ParseNone
	}
	end := start + rel
	body := strings.TrimSpace(buffer[start+len(llm.ToolCallOpen) : end])
	rest := buffer[end+len(llm.ToolCallClose):]

	var call ToolCallRequest
	if err := json.Unmarshal([]byte(body), &call); err != nil || call.Name == "" {
		return nil, rest, ParseMalformed
	}
	if len(call.Arguments) == 0 {
		call.Arguments = json.RawMessage(`{}`)
	}
	return &call, rest, ParseOK
}

// extractJSON returns the first balanced JSON object in s, tolerating any
// prose around it. Used for plan responses, where models often wrap the
// object in commentary or a code fence.
func extractJSON(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return s[start : i+1], true
				}
			}
		}
	}
	return "", false
}
