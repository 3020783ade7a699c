package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kunal-511/archestra/internal/toolid"
)

// FirstPartyServerID is the reserved server id for built-in tools. Tools on
// this id are never containerized and are always auto-approved.
const FirstPartyServerID = "archestra"

// ServerSummary is the directory view of one managed tool server.
type ServerSummary struct {
	ID        string `json:"id"`
	State     string `json:"state"`
	ToolCount int    `json:"tool_count"`
}

// ServerDirectory exposes the sandbox manager's view to first-party tools.
type ServerDirectory interface {
	ListServers(ctx context.Context) []ServerSummary
	ServerLogs(ctx context.Context, serverID string, n int) ([]string, error)
}

// CatalogLister exposes the aggregated descriptor list.
type CatalogLister interface {
	AllAvailableTools(ctx context.Context) []Descriptor
}

// FirstPartyProvider serves the built-in tool set. It mirrors the shape of a
// sandboxed server client but runs in-process.
type FirstPartyProvider struct {
	directory ServerDirectory
	catalog   CatalogLister
}

// NewFirstPartyProvider creates the provider. Both collaborators are wired
// late (the manager needs the provider and vice versa), so they are set via
// Bind before first use.
func NewFirstPartyProvider() *FirstPartyProvider {
	return &FirstPartyProvider{}
}

// Bind attaches the directory and catalog collaborators.
func (p *FirstPartyProvider) Bind(directory ServerDirectory, catalog CatalogLister) {
	p.directory = directory
	p.catalog = catalog
}

// GetAllTools returns the built-in tools keyed by composite id.
func (p *FirstPartyProvider) GetAllTools(_ context.Context) map[string]Tool {
	out := make(map[string]Tool)
	for _, t := range p.build() {
		out[t.ID] = t
	}
	return out
}

// GetToolsByID resolves ids against the built-in set; missing ids are
// silently dropped.
func (p *FirstPartyProvider) GetToolsByID(ctx context.Context, ids []string) map[string]Tool {
	all := p.GetAllTools(ctx)
	out := make(map[string]Tool)
	for _, id := range ids {
		if t, ok := all[id]; ok {
			out[id] = t
		}
	}
	return out
}

// AvailableToolsList returns catalog descriptors for the built-in tools.
// First-party tools carry no analyzer record; they never require approval
// regardless.
func (p *FirstPartyProvider) AvailableToolsList(ctx context.Context) []Descriptor {
	all := p.build()
	out := make([]Descriptor, 0, len(all))
	for _, t := range all {
		out = append(out, t.Describe())
	}
	return out
}

func (p *FirstPartyProvider) build() []Tool {
	return []Tool{
		{
			ID:          toolid.Join(FirstPartyServerID, "list_tool_servers"),
			ServerID:    FirstPartyServerID,
			Name:        "list_tool_servers",
			Description: "List installed tool servers with their lifecycle state and tool counts.",
			InputSchema: objectSchema(nil, nil),
			Kind:        KindDirect,
			Execute:     p.execListServers,
		},
		{
			ID:          toolid.Join(FirstPartyServerID, "server_logs"),
			ServerID:    FirstPartyServerID,
			Name:        "server_logs",
			Description: "Fetch recent log lines from one tool server's container.",
			InputSchema: objectSchema(map[string]any{
				"server_id": map[string]any{"type": "string"},
				"lines":     map[string]any{"type": "integer", "default": 50},
			}, []string{"server_id"}),
			Kind:    KindDirect,
			Execute: p.execServerLogs,
		},
		{
			ID:          toolid.Join(FirstPartyServerID, "list_available_tools"),
			ServerID:    FirstPartyServerID,
			Name:        "list_available_tools",
			Description: "List every tool currently available across all servers, including safety analysis status.",
			InputSchema: objectSchema(nil, nil),
			Kind:        KindDirect,
			Execute:     p.execListTools,
		},
	}
}

func (p *FirstPartyProvider) execListServers(ctx context.Context, _ map[string]any) (string, error) {
	if p.directory == nil {
		return "", fmt.Errorf("server directory not bound")
	}
	summaries := p.directory.ListServers(ctx)
	b, err := json.Marshal(summaries)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (p *FirstPartyProvider) execServerLogs(ctx context.Context, args map[string]any) (string, error) {
	if p.directory == nil {
		return "", fmt.Errorf("server directory not bound")
	}
	serverID, _ := args["server_id"].(string)
	if serverID == "" {
		return "", fmt.Errorf("server_id is required")
	}
	lines := 50
	if v, ok := args["lines"].(float64); ok && v > 0 {
		lines = int(v)
	}
	logLines, err := p.directory.ServerLogs(ctx, serverID, lines)
	if err != nil {
		return "", err
	}
	return strings.Join(logLines, "\n"), nil
}

func (p *FirstPartyProvider) execListTools(ctx context.Context, _ map[string]any) (string, error) {
	if p.catalog == nil {
		return "", fmt.Errorf("catalog not bound")
	}
	b, err := json.Marshal(p.catalog.AllAvailableTools(ctx))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func objectSchema(props map[string]any, required []string) json.RawMessage {
	schema := map[string]any{"type": "object"}
	if props != nil {
		schema["properties"] = props
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	b, _ := json.Marshal(schema)
	return b
}
