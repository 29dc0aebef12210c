// Package approval implements an in-process approval gate. High-risk
// operations submit a request and block on its decision channel; operators
// resolve requests through the API or Slack message actions.
package approval

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradeops/helmsman/pkg/events"
	"github.com/tradeops/helmsman/pkg/log"
	"github.com/tradeops/helmsman/pkg/types"
)

// Decision is the resolution of an approval request
type Decision struct {
	Approved bool
	Actor    string
	Reason   string
	TimedOut bool
}

// Request is a pending approval
type Request struct {
	ID        string
	Subject   string
	RiskLevel types.RiskLevel
	CreatedAt time.Time
	Deadline  time.Time

	ch    chan Decision
	timer *time.Timer
}

// Gate tracks pending approval requests and resolves them
type Gate struct {
	mu      sync.Mutex
	pending map[string]*Request
	broker  *events.Broker
	logger  zerolog.Logger
}

// NewGate creates an approval gate publishing to the given broker
func NewGate(broker *events.Broker) *Gate {
	return &Gate{
		pending: make(map[string]*Request),
		broker:  broker,
		logger:  log.WithComponent("approval-gate"),
	}
}

// Submit registers a request and returns its decision channel. If nobody
// resolves the request before the timeout it is resolved as a timed-out
// rejection. Submitting an id that is already pending returns the existing
// channel.
func (g *Gate) Submit(id, subject string, risk types.RiskLevel, timeout time.Duration) <-chan Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	if existing, ok := g.pending[id]; ok {
		return existing.ch
	}

	req := &Request{
		ID:        id,
		Subject:   subject,
		RiskLevel: risk,
		CreatedAt: time.Now(),
		Deadline:  time.Now().Add(timeout),
		ch:        make(chan Decision, 1),
	}
	req.timer = time.AfterFunc(timeout, func() {
		g.resolve(id, Decision{Approved: false, Reason: "approval deadline passed", TimedOut: true})
	})
	g.pending[id] = req

	g.broker.Emit(events.EventRollbackApprovalRequired, fmt.Sprintf("approval required: %s (risk: %s)", subject, risk), map[string]string{
		"request_id": id,
		"risk_level": string(risk),
	})
	g.logger.Warn().
		Str("request_id", id).
		Str("risk_level", string(risk)).
		Time("deadline", req.Deadline).
		Msg("approval requested")

	return req.ch
}

// Approve resolves a pending request as approved
func (g *Gate) Approve(id, actor string) error {
	if !g.resolve(id, Decision{Approved: true, Actor: actor}) {
		return fmt.Errorf("no pending approval request: %s", id)
	}
	return nil
}

// Reject resolves a pending request as rejected
func (g *Gate) Reject(id, actor, reason string) error {
	if !g.resolve(id, Decision{Approved: false, Actor: actor, Reason: reason}) {
		return fmt.Errorf("no pending approval request: %s", id)
	}
	return nil
}

func (g *Gate) resolve(id string, decision Decision) bool {
	g.mu.Lock()
	req, ok := g.pending[id]
	if ok {
		delete(g.pending, id)
		req.timer.Stop()
	}
	g.mu.Unlock()

	if !ok {
		return false
	}

	req.ch <- decision
	g.logger.Info().
		Str("request_id", id).
		Bool("approved", decision.Approved).
		Str("actor", decision.Actor).
		Bool("timed_out", decision.TimedOut).
		Msg("approval resolved")
	return true
}

// Pending lists unresolved requests, oldest first
func (g *Gate) Pending() []*Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Request, 0, len(g.pending))
	for _, req := range g.pending {
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
