// Package tools defines the executable tool representation shared by the
// sandbox layer, the first-party provider, and the aggregation facade.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kunal-511/archestra/internal/catalog"
)

// Executor runs a tool call and returns its textual result.
type Executor func(ctx context.Context, args map[string]any) (string, error)

// Kind is the closed set of tool variants. Dispatch happens on the variant,
// never by probing the value at runtime.
type Kind int

const (
	// KindDirect tools execute without a human decision (first-party tools
	// and tools positively classified as read-only).
	KindDirect Kind = iota
	// KindApprovalGated tools must pass the approval workflow before the
	// executor runs.
	KindApprovalGated
)

// Tool is one invokable tool in the aggregated namespace.
type Tool struct {
	ID          string // composite serverID__toolName
	ServerID    string
	Name        string // bare tool name as the server reports it
	Description string
	InputSchema json.RawMessage
	Kind        Kind
	// Classification is the merged persisted record; nil when the analyzer
	// has produced nothing for this tool.
	Classification *catalog.Classification
	Execute        Executor
}

// AnalysisSummary is the UI-facing view of a tool's classification.
type AnalysisSummary struct {
	Status  catalog.AnalysisStatus `json:"status"`
	IsRead  *bool                  `json:"is_read"`
	IsWrite *bool                  `json:"is_write"`
}

// Descriptor is the catalog entry shown to the human interface.
type Descriptor struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Analysis    AnalysisSummary `json:"analysis"`
}

// Describe derives the catalog descriptor for a tool.
func (t Tool) Describe() Descriptor {
	d := Descriptor{
		ID:          t.ID,
		Name:        t.Name,
		Description: t.Description,
		Analysis:    AnalysisSummary{Status: t.Classification.Status()},
	}
	if t.Classification != nil {
		d.Analysis.IsRead = t.Classification.IsRead
		d.Analysis.IsWrite = t.Classification.IsWrite
	}
	return d
}

// DeclinedError is the normal-path business rejection of a tool call. It is
// surfaced to the LLM loop as a tool execution failure, not as a crash.
type DeclinedError struct {
	ToolID string
}

func (e *DeclinedError) Error() string {
	return fmt.Sprintf("tool call %s was declined by the user", e.ToolID)
}
