package assembler

import (
	"strings"
	"unicode/utf8"

	"github.com/haasonsaas/relay/pkg/models"
)

// Token accounting defaults.
const (
	// DefaultContextWindow is assumed when a model is not in the table.
	DefaultContextWindow = 128000

	// HistoryBudgetShare caps the history window at this share of the
	// model's context window, leaving room for the system prompt, the
	// current message, and the reply.
	HistoryBudgetShare = 0.7

	// TokensPerChar is a rough, conservative tokens-per-character ratio.
	TokensPerChar = 0.25

	// messageOverheadTokens covers role and formatting per message.
	messageOverheadTokens = 4
)

// modelContextWindows maps model IDs to their context window sizes.
var modelContextWindows = map[string]int{
	// Anthropic models
	"claude-3-5-sonnet": 200000,
	"claude-3-5-haiku":  200000,
	"claude-opus-4":     200000,
	"claude-sonnet-4":   200000,

	// OpenAI models
	"gpt-4":         8192,
	"gpt-4-turbo":   128000,
	"gpt-4o":        128000,
	"gpt-4o-mini":   128000,
	"gpt-3.5-turbo": 16385,
	"o1":            200000,
	"o3-mini":       200000,

	// Google models
	"gemini-1.5-pro":   2097152,
	"gemini-1.5-flash": 1048576,
	"gemini-2.0-flash": 1048576,
}

// ContextWindowForModel returns the context window size for a model ID,
// trying an exact match and then the longest matching prefix, so that
// "gpt-4-turbo-preview" resolves to "gpt-4-turbo" rather than "gpt-4".
func ContextWindowForModel(modelID string) (int, bool) {
	if tokens, ok := modelContextWindows[modelID]; ok {
		return tokens, true
	}
	bestMatch := ""
	bestTokens := 0
	for prefix, tokens := range modelContextWindows {
		if strings.HasPrefix(modelID, prefix) && len(prefix) > len(bestMatch) {
			bestMatch = prefix
			bestTokens = tokens
		}
	}
	if bestMatch != "" {
		return bestTokens, true
	}
	return 0, false
}

// EstimateTokens estimates the number of tokens in text using a
// conservative ~4 characters per token, Unicode-aware.
func EstimateTokens(text string) int {
	charCount := utf8.RuneCountInString(text)
	tokens := int(float64(charCount) * TokensPerChar)
	if tokens == 0 && charCount > 0 {
		return 1
	}
	return tokens
}

// EstimateMessageTokens estimates tokens for one message including its
// role and formatting overhead.
func EstimateMessageTokens(msg *models.Message) int {
	return EstimateTokens(msg.Content) + messageOverheadTokens
}

// TrimHistory bounds history to at most maxMessages and budgetTokens,
// dropping the oldest messages first. System messages are never dropped
// and do not count against maxMessages, though they do consume budget.
// The input must be chronological; the result is too.
func TrimHistory(history []*models.Message, maxMessages, budgetTokens int) []*models.Message {
	if len(history) == 0 {
		return history
	}

	kept := make([]*models.Message, 0, len(history))
	used := 0
	count := 0
	full := false

	// Walk newest to oldest so the most recent turns survive. Once a
	// message no longer fits, everything older is dropped too; holes in
	// the middle of a conversation read worse than a shorter window.
	for i := len(history) - 1; i >= 0; i-- {
		msg := history[i]
		cost := EstimateMessageTokens(msg)
		if msg.Role == models.RoleSystem {
			kept = append(kept, msg)
			used += cost
			continue
		}
		if full {
			continue
		}
		if maxMessages > 0 && count >= maxMessages {
			full = true
			continue
		}
		if budgetTokens > 0 && used+cost > budgetTokens {
			full = true
			continue
		}
		kept = append(kept, msg)
		used += cost
		count++
	}

	// Restore chronological order.
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	return kept
}
