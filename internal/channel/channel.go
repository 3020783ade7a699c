// Package channel is the bidirectional realtime message layer between the
// core and the human interface: approval requests flow out, decisions flow
// back in, and catalog/status changes are broadcast. The in-process Broker
// is the source of truth; the websocket Gateway is one transport bridged to
// it.
package channel

import (
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Message types carried on the channel.
const (
	TypeApprovalRequest  = "tool-approval-request"
	TypeApprovalResponse = "tool-approval-response"
	TypeToolsUpdated     = "tools-updated"
	TypeAnalysisProgress = "tool-analysis-progress"
	TypeChatToolsUpdated = "chat-tools-updated"
)

// Decisions carried in an ApprovalResponse.
const (
	DecisionApprove       = "approve"
	DecisionApproveAlways = "approve_always"
	DecisionDecline       = "decline"
)

// Message is the transport-agnostic envelope.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ApprovalRequest is broadcast when a write-classified tool call needs a
// human decision.
type ApprovalRequest struct {
	RequestID       string         `json:"requestId"`
	ToolID          string         `json:"toolId"`
	ToolName        string         `json:"toolName"`
	ToolDescription string         `json:"toolDescription,omitempty"`
	Args            map[string]any `json:"args"`
	IsWrite         bool           `json:"isWrite"`
	SessionID       string         `json:"sessionId"`
	ChatID          string         `json:"chatId"`
}

// ApprovalResponse is the human's decision for one pending request.
type ApprovalResponse struct {
	RequestID string `json:"requestId"`
	Decision  string `json:"decision"`
	SessionID string `json:"sessionId"`
}

// ToolsUpdated announces a change to the aggregate tool catalog.
type ToolsUpdated struct {
	Message string `json:"message"`
}

// AnalysisProgress carries an incremental classification update from the
// external analyzer.
type AnalysisProgress struct {
	ToolID  string `json:"toolId"`
	Status  string `json:"status"`
	IsRead  *bool  `json:"is_read"`
	IsWrite *bool  `json:"is_write"`
}

// ChatToolsUpdated announces a change to a chat's tool selection.
type ChatToolsUpdated struct {
	ChatID        string   `json:"chatId"`
	SelectedTools []string `json:"selectedTools"`
}

// NewMessage wraps a typed payload into an envelope.
func NewMessage(msgType string, payload any) (Message, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("NewMessage: %w", err)
	}
	return Message{Type: msgType, Payload: b}, nil
}

const subscriptionBuffer = 64

// Subscription is one subscriber's view of the broker. Close it to stop
// receiving; the channel is closed by the broker afterwards.
type Subscription struct {
	C      <-chan Message
	cancel func()
	once   sync.Once
}

// Close detaches the subscription from the broker.
func (s *Subscription) Close() {
	s.once.Do(s.cancel)
}

type subscriber struct {
	types map[string]bool // empty = all types
	ch    chan Message
}

// Broker is the in-process publish/subscribe hub. Publish never blocks:
// a subscriber that cannot keep up loses messages with a warning rather
// than stalling approval resolution.
type Broker struct {
	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
	logger *zap.Logger
}

// NewBroker creates an empty broker.
func NewBroker(logger *zap.Logger) *Broker {
	return &Broker{
		subs:   make(map[int]*subscriber),
		logger: logger,
	}
}

// Subscribe registers interest in the given message types; no types means
// every message.
func (b *Broker) Subscribe(types ...string) *Subscription {
	typeSet := make(map[string]bool, len(types))
	for _, t := range types {
		typeSet[t] = true
	}

	sub := &subscriber{
		types: typeSet,
		ch:    make(chan Message, subscriptionBuffer),
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	return &Subscription{
		C: sub.ch,
		cancel: func() {
			b.mu.Lock()
			if s, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(s.ch)
			}
			b.mu.Unlock()
		},
	}
}

// Publish delivers the message to every matching subscriber.
func (b *Broker) Publish(msg Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		if len(sub.types) > 0 && !sub.types[msg.Type] {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			b.logger.Warn("slow channel subscriber, dropping message",
				zap.String("type", msg.Type),
			)
		}
	}
}
