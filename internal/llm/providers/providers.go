// Package providers implements the model backends behind the llm Router:
// a local Ollama client plus Anthropic, OpenAI, Bedrock, and Google
// adapters. Each backend normalizes its native stream into llm.Chunk
// values; structured tool-call deltas are re-serialized into the shared
// text envelope so the reasoning loop sees one wire shape. Retries live
// in the Router, so every backend makes exactly one attempt per Chat.
package providers

import (
	"context"

	"github.com/haasonsaas/relay/internal/llm"
)

// defaultMaxTokens caps completions when the payload does not set one.
// Anthropic requires an explicit limit; the rest accept it as a ceiling.
const defaultMaxTokens = 4096

// send delivers one chunk unless the caller has gone away.
func send(ctx context.Context, out chan<- llm.Chunk, c llm.Chunk) bool {
	select {
	case out <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

func maxTokens(p *llm.Payload) int {
	if p.Params.MaxTokens > 0 {
		return p.Params.MaxTokens
	}
	return defaultMaxTokens
}
