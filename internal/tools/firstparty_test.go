package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/kunal-511/archestra/internal/catalog"
	"github.com/kunal-511/archestra/internal/toolid"
)

type stubDirectory struct {
	servers []ServerSummary
	logs    map[string][]string
}

func (s *stubDirectory) ListServers(_ context.Context) []ServerSummary {
	return s.servers
}

func (s *stubDirectory) ServerLogs(_ context.Context, serverID string, n int) ([]string, error) {
	lines := s.logs[serverID]
	if n < len(lines) {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

type stubCatalog struct {
	descriptors []Descriptor
}

func (s *stubCatalog) AllAvailableTools(_ context.Context) []Descriptor {
	return s.descriptors
}

func boundProvider() (*FirstPartyProvider, *stubDirectory, *stubCatalog) {
	dir := &stubDirectory{
		servers: []ServerSummary{{ID: "filesystem", State: "running", ToolCount: 3}},
		logs:    map[string][]string{"filesystem": {"started", "listening on :8080"}},
	}
	cat := &stubCatalog{descriptors: []Descriptor{{ID: "filesystem__read_file", Name: "read_file"}}}
	p := NewFirstPartyProvider()
	p.Bind(dir, cat)
	return p, dir, cat
}

func TestFirstParty_AllToolsAreDirect(t *testing.T) {
	p, _, _ := boundProvider()
	all := p.GetAllTools(context.Background())
	if len(all) != 3 {
		t.Fatalf("got %d built-in tools, want 3", len(all))
	}
	for id, tool := range all {
		if toolid.ServerID(id) != FirstPartyServerID {
			t.Fatalf("tool %s not under the built-in server id", id)
		}
		if tool.Kind != KindDirect {
			t.Fatalf("built-in tool %s must bypass the approval gate", id)
		}
	}
}

func TestFirstParty_ListServers(t *testing.T) {
	p, _, _ := boundProvider()
	tool := p.GetAllTools(context.Background())[toolid.Join(FirstPartyServerID, "list_tool_servers")]

	out, err := tool.Execute(context.Background(), nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var servers []ServerSummary
	if err := json.Unmarshal([]byte(out), &servers); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(servers) != 1 || servers[0].ID != "filesystem" || servers[0].ToolCount != 3 {
		t.Fatalf("got %+v", servers)
	}
}

func TestFirstParty_ServerLogs(t *testing.T) {
	p, _, _ := boundProvider()
	tool := p.GetAllTools(context.Background())[toolid.Join(FirstPartyServerID, "server_logs")]

	out, err := tool.Execute(context.Background(), map[string]any{
		"server_id": "filesystem",
		"lines":     float64(1), // JSON numbers decode as float64
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out != "listening on :8080" {
		t.Fatalf("got %q", out)
	}

	if _, err := tool.Execute(context.Background(), map[string]any{}); err == nil {
		t.Fatal("missing server_id should fail")
	}
}

func TestFirstParty_ListAvailableTools(t *testing.T) {
	p, _, _ := boundProvider()
	tool := p.GetAllTools(context.Background())[toolid.Join(FirstPartyServerID, "list_available_tools")]

	out, err := tool.Execute(context.Background(), nil)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(out, "filesystem__read_file") {
		t.Fatalf("catalog entry missing from %q", out)
	}
}

func TestFirstParty_UnboundFailsCleanly(t *testing.T) {
	p := NewFirstPartyProvider()
	for id, tool := range p.GetAllTools(context.Background()) {
		if _, err := tool.Execute(context.Background(), map[string]any{"server_id": "x"}); err == nil {
			t.Fatalf("unbound provider tool %s should error, not panic", id)
		}
	}
}

func TestFirstParty_GetToolsByIDDropsMissing(t *testing.T) {
	p, _, _ := boundProvider()
	got := p.GetToolsByID(context.Background(), []string{
		toolid.Join(FirstPartyServerID, "list_tool_servers"),
		toolid.Join(FirstPartyServerID, "no_such_tool"),
	})
	if len(got) != 1 {
		t.Fatalf("got %d tools, want 1", len(got))
	}
}

func TestDescribe_AnalysisSummary(t *testing.T) {
	at := time.Now()
	isRead, isWrite := true, false
	analyzed := Tool{
		ID:   "filesystem__read_file",
		Name: "read_file",
		Classification: &catalog.Classification{
			ToolID:     "filesystem__read_file",
			IsRead:     &isRead,
			IsWrite:    &isWrite,
			AnalyzedAt: &at,
		},
	}
	d := analyzed.Describe()
	if d.Analysis.Status != catalog.StatusCompleted {
		t.Fatalf("status = %q", d.Analysis.Status)
	}
	if d.Analysis.IsRead == nil || !*d.Analysis.IsRead {
		t.Fatal("is_read lost in descriptor")
	}

	unanalyzed := Tool{ID: "filesystem__move_file", Name: "move_file"}
	if got := unanalyzed.Describe().Analysis.Status; got != catalog.StatusAwaitingAnalysis {
		t.Fatalf("status = %q, want awaiting_analysis", got)
	}
}
