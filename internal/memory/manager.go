// Package memory manages the two-tier agent memory: a bounded short-term
// window per conversation and promoted long-term summaries.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/haasonsaas/relay/internal/store"
	"github.com/haasonsaas/relay/pkg/models"
)

// Manager coordinates memory writes and recall on top of the store.
type Manager struct {
	store  store.Store
	logger *slog.Logger
}

// NewManager creates a memory manager. logger may be nil.
func NewManager(s store.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: s, logger: logger}
}

// Remember writes one memory item and trims the short-term window for its
// agent+session. A zero window disables trimming.
func (m *Manager) Remember(ctx context.Context, item *models.MemoryItem, window int) error {
	if item.Tier == "" {
		item.Tier = models.TierShortTerm
	}
	if err := m.store.PutMemory(ctx, item); err != nil {
		return fmt.Errorf("put memory: %w", err)
	}
	if item.Tier == models.TierShortTerm && window > 0 {
		removed, err := m.store.PruneShortTerm(ctx, item.AgentID, item.SessionID, window)
		if err != nil {
			return fmt.Errorf("prune short term: %w", err)
		}
		if removed > 0 {
			m.logger.Debug("short-term window trimmed",
				"agent_id", item.AgentID, "session_id", item.SessionID, "removed", removed)
		}
	}
	return nil
}

// Recall is what the context assembler renders into the Memory Context
// section.
type Recall struct {
	// Summary is a one-sentence description of the agent's total recall.
	Summary string
	// RecentInteractions holds up to three most recent short-term items.
	RecentInteractions []*models.MemoryItem
	// RelevantLessons holds up to three long-term items ranked by keyword
	// overlap with the user message, ties broken by importance.
	RelevantLessons []*models.MemoryItem
}

// Empty reports whether there is nothing worth rendering.
func (r *Recall) Empty() bool {
	return r == nil || (len(r.RecentInteractions) == 0 && len(r.RelevantLessons) == 0)
}

// Recall gathers the memory context for one turn. query is the user message
// used for lesson relevance.
func (m *Manager) Recall(ctx context.Context, agentID, sessionID, query string) (*Recall, error) {
	recent, err := m.store.ListMemories(ctx, store.MemoryQuery{
		AgentID:   agentID,
		SessionID: sessionID,
		Tier:      models.TierShortTerm,
		Limit:     3,
	})
	if err != nil {
		return nil, fmt.Errorf("list short term: %w", err)
	}

	lessons, err := m.store.ListMemories(ctx, store.MemoryQuery{
		AgentID: agentID,
		Tier:    models.TierLongTerm,
	})
	if err != nil {
		return nil, fmt.Errorf("list long term: %w", err)
	}
	relevant := rankLessons(lessons, query, 3)

	summary := ""
	if total := len(recent) + len(lessons); total > 0 {
		summary = fmt.Sprintf("The agent holds %d memories: %d recent interactions and %d long-term lessons.",
			total, len(recent), len(lessons))
	}

	return &Recall{
		Summary:            summary,
		RecentInteractions: recent,
		RelevantLessons:    relevant,
	}, nil
}

// rankLessons orders long-term items by keyword overlap with the query and
// returns the top k. Items with zero overlap still qualify; importance alone
// ranks them.
func rankLessons(items []*models.MemoryItem, query string, k int) []*models.MemoryItem {
	if len(items) == 0 {
		return nil
	}
	queryWords := keywordSet(query)

	type scored struct {
		item    *models.MemoryItem
		overlap int
	}
	ranked := make([]scored, 0, len(items))
	for _, item := range items {
		overlap := 0
		for word := range keywordSet(item.Summary + " " + item.Details + " " + strings.Join(item.Tags, " ")) {
			if queryWords[word] {
				overlap++
			}
		}
		ranked = append(ranked, scored{item: item, overlap: overlap})
	}
	// The list is tiny; a stable insertion sort avoids pulling in sort for
	// a two-key comparison.
	for i := 1; i < len(ranked); i++ {
		for j := i; j > 0; j-- {
			a, b := ranked[j-1], ranked[j]
			if b.overlap > a.overlap || (b.overlap == a.overlap && b.item.Importance > a.item.Importance) {
				ranked[j-1], ranked[j] = b, a
			} else {
				break
			}
		}
	}
	if k > len(ranked) {
		k = len(ranked)
	}
	out := make([]*models.MemoryItem, 0, k)
	for _, s := range ranked[:k] {
		out = append(out, s.item)
	}
	return out
}

// keywordSet lower-cases and splits text into words of three or more
// characters, dropping common stopwords.
func keywordSet(text string) map[string]bool {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
	set := make(map[string]bool, len(words))
	for _, word := range words {
		if len(word) < 3 || stopwords[word] {
			continue
		}
		set[word] = true
	}
	return set
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true,
	"this": true, "from": true, "are": true, "was": true, "you": true,
	"your": true, "have": true, "has": true, "had": true, "not": true,
	"can": true, "will": true, "about": true, "into": true, "when": true,
	"how": true, "what": true, "which": true, "out": true, "all": true,
	"use": true, "using": true, "used": true, "please": true,
}
