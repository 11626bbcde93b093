package broker

import (
	"context"
	"runtime"
	"sync"
)

// admission grants turn starts. Starts within one conversation are
// granted strictly in enqueue order so turns of a user-agent pair never
// interleave, and a global budget caps turns in flight across all
// conversations.
type admission struct {
	budget chan struct{}

	mu     sync.Mutex
	queues map[string]*convQueue
}

// convQueue exists while its conversation slot is held. waiters hold
// the tickets behind the current holder, oldest first.
type convQueue struct {
	waiters []*ticket
}

// ticket is one reserved start slot. The holder must call the release
// returned by wait, or abandon the ticket if wait was never satisfied.
type ticket struct {
	adm            *admission
	conversationID string
	ready          chan struct{}
}

func newAdmission(budget int) *admission {
	if budget <= 0 {
		budget = defaultTurnBudget()
	}
	return &admission{
		budget: make(chan struct{}, budget),
		queues: make(map[string]*convQueue),
	}
}

// defaultTurnBudget sizes the global in-flight cap from the host CPU
// count, bounded to stay inside typical provider rate windows.
func defaultTurnBudget() int {
	budget := runtime.NumCPU() * 4
	if budget > 64 {
		budget = 64
	}
	if budget < 4 {
		budget = 4
	}
	return budget
}

// enqueue reserves the next start slot for the conversation.
func (a *admission) enqueue(conversationID string) *ticket {
	t := &ticket{adm: a, conversationID: conversationID, ready: make(chan struct{})}
	a.mu.Lock()
	defer a.mu.Unlock()
	q, held := a.queues[conversationID]
	if !held {
		a.queues[conversationID] = &convQueue{}
		close(t.ready)
		return t
	}
	q.waiters = append(q.waiters, t)
	return t
}

// wait blocks until the ticket holds both its conversation slot and a
// global budget slot, or ctx ends. The returned release is idempotent.
func (t *ticket) wait(ctx context.Context) (func(), error) {
	select {
	case <-t.ready:
	case <-ctx.Done():
		t.abandon()
		return nil, ctx.Err()
	}
	select {
	case t.adm.budget <- struct{}{}:
	case <-ctx.Done():
		t.adm.releaseConv(t.conversationID)
		return nil, ctx.Err()
	}
	var once sync.Once
	release := func() {
		once.Do(func() {
			<-t.adm.budget
			t.adm.releaseConv(t.conversationID)
		})
	}
	return release, nil
}

// abandon withdraws a ticket that was cancelled while queued. When the
// grant raced the cancellation the slot is passed straight on.
func (t *ticket) abandon() {
	a := t.adm
	a.mu.Lock()
	if q := a.queues[t.conversationID]; q != nil {
		for i, w := range q.waiters {
			if w == t {
				q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
				a.mu.Unlock()
				return
			}
		}
	}
	a.mu.Unlock()
	a.releaseConv(t.conversationID)
}

// releaseConv hands the conversation slot to the oldest waiter, or
// retires the queue when nobody is waiting.
func (a *admission) releaseConv(conversationID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	q := a.queues[conversationID]
	if q == nil {
		return
	}
	if len(q.waiters) > 0 {
		next := q.waiters[0]
		q.waiters = q.waiters[1:]
		close(next.ready)
		return
	}
	delete(a.queues, conversationID)
}
