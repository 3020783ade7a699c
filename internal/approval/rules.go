package approval

import (
	"sync"
	"time"
)

// RuleDecision is a session-scoped shortcut recorded from "remember my
// choice".
type RuleDecision string

const (
	RuleAlwaysApprove RuleDecision = "always_approve"
	RuleAlwaysDecline RuleDecision = "always_decline"
)

// SessionRule bypasses the interactive prompt for a (session, tool) pair.
// Rules key on the tool only — call arguments are never inspected.
type SessionRule struct {
	SessionID string
	ToolID    string
	Decision  RuleDecision
	Timestamp time.Time
}

type ruleKey struct {
	sessionID string
	toolID    string
}

// RuleTable holds session rules in memory for the process lifetime. Rules
// are never persisted; they die with the session or the process.
type RuleTable struct {
	mu    sync.RWMutex
	rules map[ruleKey]SessionRule
}

// NewRuleTable creates an empty table.
func NewRuleTable() *RuleTable {
	return &RuleTable{rules: make(map[ruleKey]SessionRule)}
}

// Get returns the rule for a (session, tool) pair, if any.
func (t *RuleTable) Get(sessionID, toolID string) (SessionRule, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rule, ok := t.rules[ruleKey{sessionID, toolID}]
	return rule, ok
}

// Set records a rule, overwriting any previous rule for the same pair.
func (t *RuleTable) Set(sessionID, toolID string, decision RuleDecision) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rules[ruleKey{sessionID, toolID}] = SessionRule{
		SessionID: sessionID,
		ToolID:    toolID,
		Decision:  decision,
		Timestamp: time.Now(),
	}
}

// ClearSession drops every rule for the session.
func (t *RuleTable) ClearSession(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.rules {
		if k.sessionID == sessionID {
			delete(t.rules, k)
		}
	}
}

// CountForSession reports how many rules a session has recorded.
func (t *RuleTable) CountForSession(sessionID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for k := range t.rules {
		if k.sessionID == sessionID {
			n++
		}
	}
	return n
}
