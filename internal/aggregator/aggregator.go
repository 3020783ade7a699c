// Package aggregator is the chat-facing tool surface: one facade over every
// installed server's tools plus the built-ins, narrowed per chat by the
// stored selection, with argument validation and the human approval gate
// applied on every invocation.
package aggregator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"

	"github.com/kunal-511/archestra/internal/approval"
	"github.com/kunal-511/archestra/internal/catalog"
	"github.com/kunal-511/archestra/internal/channel"
	"github.com/kunal-511/archestra/internal/tools"
)

// ToolSource is the sandbox manager's aggregate view.
type ToolSource interface {
	GetAllTools(ctx context.Context) map[string]tools.Tool
	GetToolsByID(ctx context.Context, ids []string) map[string]tools.Tool
	AllAvailableTools(ctx context.Context) []tools.Descriptor
}

// Gate suspends write-classified calls until a human (or a session rule)
// decides them.
type Gate interface {
	RequestApproval(ctx context.Context, req approval.CallRequest) (bool, error)
}

// InvokeParams identifies one tool call on behalf of a chat session.
type InvokeParams struct {
	ToolID    string
	Args      map[string]any
	SessionID string
	ChatID    string
}

// Facade composes the tool source, the per-chat selection store, and the
// approval gate.
type Facade struct {
	source     ToolSource
	gate       Gate
	selections catalog.ChatSelectionStore
	broker     *channel.Broker
	logger     *zap.Logger
}

// FacadeConfig configures the Facade.
type FacadeConfig struct {
	Source     ToolSource
	Gate       Gate
	Selections catalog.ChatSelectionStore
	Broker     *channel.Broker
	Logger     *zap.Logger
}

// NewFacade creates the chat-facing facade.
func NewFacade(cfg FacadeConfig) *Facade {
	return &Facade{
		source:     cfg.Source,
		gate:       cfg.Gate,
		selections: cfg.Selections,
		broker:     cfg.Broker,
		logger:     cfg.Logger,
	}
}

// ToolsForChat returns the tools the chat may call: everything when the chat
// has no stored selection (NULL), the selected subset otherwise. Selected ids
// that no longer resolve are dropped silently.
func (f *Facade) ToolsForChat(ctx context.Context, chatID string) (map[string]tools.Tool, error) {
	selected, err := f.selections.GetSelectedTools(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("ToolsForChat %s: %w", chatID, err)
	}
	if selected == nil {
		return f.source.GetAllTools(ctx), nil
	}
	return f.source.GetToolsByID(ctx, selected), nil
}

// AvailableTools is the full catalog view, unscoped.
func (f *Facade) AvailableTools(ctx context.Context) []tools.Descriptor {
	return f.source.AllAvailableTools(ctx)
}

// SelectTools narrows the chat's selection to include the given ids and
// broadcasts the new selection.
func (f *Facade) SelectTools(ctx context.Context, chatID string, ids []string) error {
	selected, err := f.selections.AddSelectedTools(ctx, chatID, ids)
	if err != nil {
		return fmt.Errorf("SelectTools %s: %w", chatID, err)
	}
	f.publishSelection(chatID, selected)
	return nil
}

// DeselectTools removes ids from the chat's selection and broadcasts the new
// selection. A chat with no stored selection is left untouched.
func (f *Facade) DeselectTools(ctx context.Context, chatID string, ids []string) error {
	selected, err := f.selections.RemoveSelectedTools(ctx, chatID, ids)
	if err != nil {
		return fmt.Errorf("DeselectTools %s: %w", chatID, err)
	}
	f.publishSelection(chatID, selected)
	return nil
}

// Invoke runs one tool call end to end: chat-scope check, argument schema
// validation, approval gate, execution. A human decline surfaces as
// *tools.DeclinedError; gate timeouts and session teardown surface as the
// gate's own errors.
func (f *Facade) Invoke(ctx context.Context, p InvokeParams) (string, error) {
	scoped, err := f.ToolsForChat(ctx, p.ChatID)
	if err != nil {
		return "", err
	}
	tool, ok := scoped[p.ToolID]
	if !ok {
		return "", fmt.Errorf("Invoke: tool %s is not available to chat %s", p.ToolID, p.ChatID)
	}

	if err := validateArgs(tool.InputSchema, p.Args); err != nil {
		return "", fmt.Errorf("Invoke %s: %w", p.ToolID, err)
	}

	approved, err := f.gate.RequestApproval(ctx, approval.CallRequest{
		ToolID:      tool.ID,
		ToolName:    tool.Name,
		Description: tool.Description,
		Args:        p.Args,
		SessionID:   p.SessionID,
		ChatID:      p.ChatID,
	})
	if err != nil {
		return "", err
	}
	if !approved {
		return "", &tools.DeclinedError{ToolID: tool.ID}
	}

	out, err := tool.Execute(ctx, p.Args)
	if err != nil {
		f.logger.Warn("tool execution failed",
			zap.String("tool_id", tool.ID),
			zap.Error(err),
		)
		return "", fmt.Errorf("Invoke %s: %w", p.ToolID, err)
	}
	return out, nil
}

// validateArgs checks the arguments against the tool's declared input schema.
// A tool without a schema accepts anything.
func validateArgs(schemaJSON json.RawMessage, args map[string]any) error {
	if len(schemaJSON) == 0 {
		return nil
	}

	var schemaObj any
	if err := json.Unmarshal(schemaJSON, &schemaObj); err != nil {
		return fmt.Errorf("invalid input schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", schemaObj); err != nil {
		return fmt.Errorf("schema compile error: %w", err)
	}
	sch, err := c.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("schema compile error: %w", err)
	}

	// Round-trip through JSON so number types match what the validator
	// expects for decoded documents.
	b, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("arguments are not JSON-encodable: %w", err)
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return err
	}

	if err := sch.Validate(doc); err != nil {
		return fmt.Errorf("argument validation failed: %w", err)
	}
	return nil
}

func (f *Facade) publishSelection(chatID string, selected []string) {
	msg, err := channel.NewMessage(channel.TypeChatToolsUpdated, channel.ChatToolsUpdated{
		ChatID:        chatID,
		SelectedTools: selected,
	})
	if err != nil {
		f.logger.Error("encode chat-tools-updated failed", zap.Error(err))
		return
	}
	f.broker.Publish(msg)
}
