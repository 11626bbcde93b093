package llm

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestEncodeToolCall(t *testing.T) {
	tests := []struct {
		name string
		args json.RawMessage
		want string
	}{
		{
			name: "object args",
			args: json.RawMessage(`{"path":"main.go"}`),
			want: `<tool_call>{"name":"read_file","arguments":{"path":"main.go"}}</tool_call>`,
		},
		{
			name: "empty args default to object",
			args: nil,
			want: `<tool_call>{"name":"read_file","arguments":{}}</tool_call>`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EncodeToolCall("read_file", tt.args); got != tt.want {
				t.Errorf("EncodeToolCall = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestEncodeToolCallInvalidArgsPassThrough(t *testing.T) {
	got := EncodeToolCall("run", json.RawMessage(`{not json`))
	if got == "" {
		t.Fatal("empty envelope")
	}
	// The downstream parser decides validity; the encoder only wraps.
	if want := ToolCallOpen; got[:len(want)] != want {
		t.Errorf("envelope does not open with %s: %s", want, got)
	}
}

func TestChunkTerminal(t *testing.T) {
	if (Chunk{DeltaText: "x"}).Terminal() {
		t.Error("delta chunk must not be terminal")
	}
	if !(Chunk{FinishReason: FinishStop}).Terminal() {
		t.Error("stop chunk must be terminal")
	}
	ec := ErrorChunk(errors.New("boom"))
	if !ec.Terminal() || ec.FinishReason != FinishError || ec.Err == nil {
		t.Errorf("ErrorChunk malformed: %+v", ec)
	}
}
