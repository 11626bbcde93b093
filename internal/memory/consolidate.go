package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/relay/internal/store"
	"github.com/haasonsaas/relay/pkg/models"
)

// cronParser accepts standard 5-field expressions, optional seconds, and
// descriptors like @every 10m.
var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

type sessionKey struct {
	agentID   string
	sessionID string
}

// Sweeper runs long-term consolidation out of turn: it promotes short-term
// memories whose importance clears the agent's threshold and trims the
// short-term window. The broker marks sessions dirty after each turn; the
// sweep visits only those.
type Sweeper struct {
	store    store.Store
	schedule string
	logger   *slog.Logger

	cron *cron.Cron

	mu    sync.Mutex
	dirty map[sessionKey]models.MemoryPolicy
}

// NewSweeper creates a sweeper on the given cron schedule. logger may be nil.
func NewSweeper(s store.Store, schedule string, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:    s,
		schedule: schedule,
		logger:   logger,
		dirty:    map[sessionKey]models.MemoryPolicy{},
	}
}

// MarkDirty queues an agent+session for the next sweep. The latest policy
// wins; agents are immutable during a turn so this only changes between
// turns.
func (s *Sweeper) MarkDirty(agentID, sessionID string, policy models.MemoryPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirty[sessionKey{agentID: agentID, sessionID: sessionID}] = policy
}

// Start schedules sweeps. Returns an error for an invalid schedule.
func (s *Sweeper) Start() error {
	c := cron.New(cron.WithParser(cronParser))
	if _, err := c.AddFunc(s.schedule, func() {
		promoted, pruned := s.Sweep(context.Background())
		if promoted > 0 || pruned > 0 {
			s.logger.Info("memory consolidation sweep", "promoted", promoted, "pruned", pruned)
		}
	}); err != nil {
		return fmt.Errorf("schedule %q: %w", s.schedule, err)
	}
	c.Start()
	s.cron = c
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

// Sweep runs one consolidation pass over the dirty set and returns how many
// items were promoted and pruned. Exported so tests and the status command
// can drive it directly.
func (s *Sweeper) Sweep(ctx context.Context) (promoted, pruned int) {
	s.mu.Lock()
	batch := s.dirty
	s.dirty = map[sessionKey]models.MemoryPolicy{}
	s.mu.Unlock()

	for key, policy := range batch {
		if policy.LongTermEnabled && policy.LongTermImportanceThreshold > 0 {
			candidates, err := s.store.ListMemories(ctx, store.MemoryQuery{
				AgentID:       key.agentID,
				SessionID:     key.sessionID,
				Tier:          models.TierShortTerm,
				MinImportance: policy.LongTermImportanceThreshold,
			})
			if err != nil {
				s.logger.Warn("consolidation list failed", "agent_id", key.agentID, "error", err)
				s.requeue(key, policy)
				continue
			}
			for _, item := range candidates {
				if err := s.store.PromoteMemory(ctx, item.ID); err != nil {
					s.logger.Warn("promotion failed", "memory_id", item.ID, "error", err)
					continue
				}
				promoted++
			}
		}

		if policy.ShortTermWindow > 0 {
			removed, err := s.store.PruneShortTerm(ctx, key.agentID, key.sessionID, policy.ShortTermWindow)
			if err != nil {
				s.logger.Warn("window prune failed", "agent_id", key.agentID, "error", err)
				s.requeue(key, policy)
				continue
			}
			pruned += removed
		}
	}
	return promoted, pruned
}

// requeue puts a failed key back unless a newer turn already re-marked it.
func (s *Sweeper) requeue(key sessionKey, policy models.MemoryPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dirty[key]; !ok {
		s.dirty[key] = policy
	}
}
