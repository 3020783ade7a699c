// Package approval implements the human-in-the-loop gate for write-capable
// tool calls: a pending-request registry, session-scoped decision shortcuts,
// hard timeouts, and exactly-once resolution of suspended callers.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kunal-511/archestra/internal/catalog"
	"github.com/kunal-511/archestra/internal/channel"
	"github.com/kunal-511/archestra/internal/storage"
	"github.com/kunal-511/archestra/internal/toolid"
	"github.com/kunal-511/archestra/internal/tools"
)

// DefaultTimeout is how long a request may stay pending before it is
// rejected.
const DefaultTimeout = 120 * time.Second

// ErrApprovalTimeout rejects a suspended caller whose request saw no
// decision within the timeout window.
var ErrApprovalTimeout = errors.New("approval request timed out")

// ErrSessionEnded rejects suspended callers cancelled by session teardown.
var ErrSessionEnded = errors.New("session ended before approval decision")

// CallRequest describes the tool call awaiting a decision.
type CallRequest struct {
	ToolID      string
	ToolName    string
	Description string
	Args        map[string]any
	SessionID   string
	ChatID      string
}

// resolution is the single terminal outcome delivered to a suspended caller.
type resolution struct {
	approved bool
	err      error
	outcome  string
}

type pendingRequest struct {
	req       CallRequest
	requestID string
	createdAt time.Time
	timer     *time.Timer
	// result is buffered so resolution never blocks on an absent reader.
	result chan resolution
}

// Engine owns the pending-request registry and the session-rule table. Both
// are process-lifetime, in-memory, and mutated only here.
type Engine struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest

	rules           *RuleTable
	timeout         time.Duration
	broker          *channel.Broker
	classifications catalog.ClassificationStore
	writer          storage.EventWriter
	logger          *zap.Logger
}

// EngineConfig configures the Engine.
type EngineConfig struct {
	Broker          *channel.Broker
	Classifications catalog.ClassificationStore
	Writer          storage.EventWriter
	Timeout         time.Duration
	Logger          *zap.Logger
}

// NewEngine creates an Engine with an empty registry and rule table.
func NewEngine(cfg EngineConfig) *Engine {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &Engine{
		pending:         make(map[string]*pendingRequest),
		rules:           NewRuleTable(),
		timeout:         timeout,
		broker:          cfg.Broker,
		classifications: cfg.Classifications,
		writer:          cfg.Writer,
		logger:          cfg.Logger,
	}
}

// RequiresApproval decides whether a tool call must pass the interactive
// gate. First-party tools never do; everything else requires approval iff
// the persisted classification positively marks it write-capable — and a
// tool with NO record at all requires approval. That default is the safety
// floor: getting it backwards is a silent regression, so it is hardcoded
// here and pinned by tests.
func (e *Engine) RequiresApproval(ctx context.Context, toolID string) (bool, error) {
	if toolid.ServerID(toolID) == tools.FirstPartyServerID {
		return false, nil
	}

	class, err := e.classifications.GetByID(ctx, toolID)
	if err != nil {
		// Store failure: fail safe, not fail open.
		e.logger.Warn("classification lookup failed, requiring approval",
			zap.String("tool_id", toolID),
			zap.Error(err),
		)
		return true, nil
	}
	if class == nil {
		return true, nil
	}
	return class.Writes(), nil
}

// RequestApproval suspends the caller until a human grants or denies the
// call, a session rule short-circuits it, the timeout fires, or the session
// ends. The returned bool is the decision; decline is a normal false, not an
// error.
func (e *Engine) RequestApproval(ctx context.Context, req CallRequest) (bool, error) {
	required, err := e.RequiresApproval(ctx, req.ToolID)
	if err != nil {
		return false, err
	}
	if !required {
		e.audit("", req, "auto_approved", false, time.Now())
		return true, nil
	}

	// Session rule short-circuit: no request object, no broadcast.
	if rule, ok := e.rules.Get(req.SessionID, req.ToolID); ok {
		switch rule.Decision {
		case RuleAlwaysApprove:
			e.audit("", req, "rule_approved", true, time.Now())
			return true, nil
		case RuleAlwaysDecline:
			e.audit("", req, "rule_declined", true, time.Now())
			return false, nil
		}
	}

	p := &pendingRequest{
		req:       req,
		requestID: uuid.New().String(),
		createdAt: time.Now(),
		result:    make(chan resolution, 1),
	}
	p.timer = time.AfterFunc(e.timeout, func() {
		e.resolve(p.requestID, resolution{err: ErrApprovalTimeout, outcome: "timed_out"})
	})

	e.mu.Lock()
	e.pending[p.requestID] = p
	e.mu.Unlock()

	e.broadcast(p)

	select {
	case res := <-p.result:
		return res.approved, res.err
	case <-ctx.Done():
		// The caller gave up; resolve as cancelled unless a decision won
		// the race, then report whichever outcome actually landed.
		e.resolve(p.requestID, resolution{err: ctx.Err(), outcome: "cancelled"})
		res := <-p.result
		return res.approved, res.err
	}
}

// HandleDecision resolves a pending request from an external decision. An
// unknown or already-resolved request id is swallowed with a warning — it
// must never throw into the message-channel dispatcher.
func (e *Engine) HandleDecision(resp channel.ApprovalResponse) {
	var res resolution
	switch resp.Decision {
	case channel.DecisionApprove:
		res = resolution{approved: true, outcome: "approved"}
	case channel.DecisionApproveAlways:
		res = resolution{approved: true, outcome: "approved"}
	case channel.DecisionDecline:
		res = resolution{approved: false, outcome: "declined"}
	default:
		e.logger.Warn("unknown approval decision",
			zap.String("request_id", resp.RequestID),
			zap.String("decision", resp.Decision),
		)
		return
	}

	// Record the rule before resolving so a later request evaluated after
	// this resolution sees it.
	if resp.Decision == channel.DecisionApproveAlways {
		e.mu.Lock()
		p, ok := e.pending[resp.RequestID]
		e.mu.Unlock()
		if ok {
			e.rules.Set(p.req.SessionID, p.req.ToolID, RuleAlwaysApprove)
		}
	}

	e.resolve(resp.RequestID, res)
}

// EndSession cancels every still-pending request for the session and drops
// its rules. The sweep holds the registry lock, so no request created
// afterwards can be silently dropped by it.
func (e *Engine) EndSession(sessionID string) {
	e.mu.Lock()
	var swept []*pendingRequest
	for id, p := range e.pending {
		if p.req.SessionID == sessionID {
			delete(e.pending, id)
			p.timer.Stop()
			swept = append(swept, p)
		}
	}
	e.mu.Unlock()

	for _, p := range swept {
		p.result <- resolution{err: ErrSessionEnded, outcome: "cancelled"}
		e.audit(p.requestID, p.req, "cancelled", true, p.createdAt)
	}
	e.rules.ClearSession(sessionID)

	if len(swept) > 0 {
		e.logger.Info("session end cancelled pending approvals",
			zap.String("session_id", sessionID),
			zap.Int("count", len(swept)),
		)
	}
}

// Pending reports whether a request id is still awaiting a decision.
func (e *Engine) Pending(requestID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.pending[requestID]
	return ok
}

// Run consumes approval responses from the broker until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	sub := e.broker.Subscribe(channel.TypeApprovalResponse)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.C:
			if !ok {
				return
			}
			var resp channel.ApprovalResponse
			if err := json.Unmarshal(msg.Payload, &resp); err != nil {
				e.logger.Warn("malformed approval response", zap.Error(err))
				continue
			}
			e.HandleDecision(resp)
		}
	}
}

// resolve delivers the terminal outcome exactly once. Resolving an absent
// id is a warned no-op.
func (e *Engine) resolve(requestID string, res resolution) {
	e.mu.Lock()
	p, ok := e.pending[requestID]
	if ok {
		delete(e.pending, requestID)
	}
	e.mu.Unlock()

	if !ok {
		e.logger.Warn("resolution for unknown or already-resolved request",
			zap.String("request_id", requestID),
		)
		return
	}

	p.timer.Stop()
	p.result <- res
	e.audit(requestID, p.req, res.outcome, true, p.createdAt)
}

func (e *Engine) broadcast(p *pendingRequest) {
	msg, err := channel.NewMessage(channel.TypeApprovalRequest, channel.ApprovalRequest{
		RequestID:       p.requestID,
		ToolID:          p.req.ToolID,
		ToolName:        p.req.ToolName,
		ToolDescription: p.req.Description,
		Args:            p.req.Args,
		IsWrite:         true,
		SessionID:       p.req.SessionID,
		ChatID:          p.req.ChatID,
	})
	if err != nil {
		e.logger.Error("encode approval request failed", zap.Error(err))
		return
	}
	e.broker.Publish(msg)
}

func (e *Engine) audit(requestID string, req CallRequest, outcome string, isWrite bool, createdAt time.Time) {
	if e.writer == nil {
		return
	}
	now := time.Now()
	e.writer.Write(&storage.ApprovalEvent{
		RequestID: requestID,
		ToolID:    req.ToolID,
		ToolName:  req.ToolName,
		SessionID: req.SessionID,
		ChatID:    req.ChatID,
		Outcome:   outcome,
		IsWrite:   isWrite,
		Timestamp: now,
		LatencyMs: float32(float64(now.Sub(createdAt)) / float64(time.Millisecond)),
	})
}
