package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kunal-511/archestra/internal/catalog"
	"github.com/kunal-511/archestra/internal/runtime"
	"github.com/kunal-511/archestra/internal/toolid"
	"github.com/kunal-511/archestra/internal/tools"
)

type fakeRuntime struct {
	mu          sync.Mutex
	createErr   error
	startErr    error
	status      runtime.State
	statusErr   error
	logs        []string
	nextPort    int
	createCalls int
	startCalls  int
	stopCalls   int
	removeCalls int
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{status: runtime.StateRunning, nextPort: 40000}
}

func (f *fakeRuntime) Create(_ context.Context, spec runtime.Spec) (*runtime.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.nextPort++
	return &runtime.Handle{
		ID:       fmt.Sprintf("ctr-%d", f.createCalls),
		Name:     spec.Name,
		HostPort: f.nextPort,
	}, nil
}

func (f *fakeRuntime) Start(_ context.Context, _ *runtime.Handle) (runtime.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++
	if f.startErr != nil {
		return runtime.StateError, f.startErr
	}
	return runtime.StateRunning, nil
}

func (f *fakeRuntime) Stop(_ context.Context, _ *runtime.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls++
	return nil
}

func (f *fakeRuntime) Remove(_ context.Context, _ *runtime.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeCalls++
	return nil
}

func (f *fakeRuntime) StatusSummary(_ context.Context, _ *runtime.Handle) (runtime.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, f.statusErr
}

func (f *fakeRuntime) RecentLogs(_ context.Context, _ *runtime.Handle, n int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n < len(f.logs) {
		return f.logs[len(f.logs)-n:], nil
	}
	return f.logs, nil
}

func (f *fakeRuntime) StreamInto(_ context.Context, _ *runtime.Handle, _ []byte) error {
	return nil
}

func (f *fakeRuntime) setStatus(s runtime.State) {
	f.mu.Lock()
	f.status = s
	f.mu.Unlock()
}

type fakeProto struct {
	mu        sync.Mutex
	tools     []discoveredTool
	listErr   error
	callLog   []string
	closed    bool
	callReply string
}

func (f *fakeProto) ListTools(_ context.Context) ([]discoveredTool, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.tools, nil
}

func (f *fakeProto) CallTool(_ context.Context, name string, _ map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callLog = append(f.callLog, name)
	return f.callReply, nil
}

func (f *fakeProto) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func dialerFor(proto *fakeProto) Dialer {
	return func(_ context.Context, _ string) (protocolClient, error) {
		return proto, nil
	}
}

type stubClasses struct {
	mu      sync.Mutex
	records map[string]*catalog.Classification
	err     error
	lookups int
}

func (s *stubClasses) GetByID(_ context.Context, toolID string) (*catalog.Classification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookups++
	if s.err != nil {
		return nil, s.err
	}
	return s.records[toolID], nil
}

func boolPtr(b bool) *bool { return &b }

func analyzedClass(toolID string, isRead, isWrite bool) *catalog.Classification {
	at := time.Now()
	return &catalog.Classification{
		ToolID:     toolID,
		IsRead:     boolPtr(isRead),
		IsWrite:    boolPtr(isWrite),
		AnalyzedAt: &at,
	}
}

func newLocalClient(id string, rt runtime.ContainerRuntime, dial Dialer, classes catalog.ClassificationStore) *ServerClient {
	return NewServerClient(ServerConfig{
		ID:        id,
		Transport: TransportLocal,
		Image:     "example/" + id + ":latest",
	}, rt, dial, classes, zap.NewNop())
}

func TestEnsureRunning_CreatesAndStarts(t *testing.T) {
	rt := newFakeRuntime()
	client := newLocalClient("filesystem", rt, dialerFor(&fakeProto{}), &stubClasses{})

	if err := client.EnsureRunning(context.Background()); err != nil {
		t.Fatalf("EnsureRunning: %v", err)
	}
	if rt.createCalls != 1 || rt.startCalls != 1 {
		t.Fatalf("expected one create and one start, got %d/%d", rt.createCalls, rt.startCalls)
	}

	// Second call is a no-op while running.
	if err := client.EnsureRunning(context.Background()); err != nil {
		t.Fatalf("EnsureRunning again: %v", err)
	}
	if rt.createCalls != 1 {
		t.Fatalf("expected no second create, got %d", rt.createCalls)
	}
}

func TestEnsureRunning_RemoteSkipsContainer(t *testing.T) {
	rt := newFakeRuntime()
	client := NewServerClient(ServerConfig{
		ID:        "hosted",
		Transport: TransportRemote,
		URL:       "https://mcp.example.com/mcp",
	}, rt, dialerFor(&fakeProto{}), &stubClasses{}, zap.NewNop())

	if err := client.EnsureRunning(context.Background()); err != nil {
		t.Fatalf("EnsureRunning: %v", err)
	}
	if rt.createCalls != 0 {
		t.Fatalf("remote transport must not touch the container runtime")
	}
	if got := client.State(context.Background()); got != runtime.StateRunning {
		t.Fatalf("state = %s, want running", got)
	}
}

func TestEnsureRunning_CreateFailureSetsErrorState(t *testing.T) {
	rt := newFakeRuntime()
	rt.createErr = errors.New("image pull failed")
	client := newLocalClient("broken", rt, dialerFor(&fakeProto{}), &stubClasses{})

	if err := client.EnsureRunning(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if got := client.State(context.Background()); got != runtime.StateError {
		t.Fatalf("state = %s, want error", got)
	}
}

func TestDiscoverTools_BuildsCompositeIDs(t *testing.T) {
	readID := toolid.Join("filesystem", "read_file")
	writeID := toolid.Join("filesystem", "write_file")
	classes := &stubClasses{records: map[string]*catalog.Classification{
		readID:  analyzedClass(readID, true, false),
		writeID: analyzedClass(writeID, false, true),
	}}
	proto := &fakeProto{tools: []discoveredTool{
		{Name: "read_file", Description: "Read a file"},
		{Name: "write_file", Description: "Write a file"},
		{Name: "move_file", Description: "Move a file"},
	}}
	client := newLocalClient("filesystem", newFakeRuntime(), dialerFor(proto), classes)

	if err := client.EnsureRunning(context.Background()); err != nil {
		t.Fatalf("EnsureRunning: %v", err)
	}
	if err := client.DiscoverTools(context.Background()); err != nil {
		t.Fatalf("DiscoverTools: %v", err)
	}

	all := client.GetAllTools(context.Background())
	if len(all) != 3 {
		t.Fatalf("got %d tools, want 3", len(all))
	}
	if all[readID].Kind != tools.KindDirect {
		t.Fatalf("analyzed read-only tool should be direct")
	}
	if all[writeID].Kind == tools.KindDirect {
		t.Fatalf("write tool must be approval gated")
	}
	// Never analyzed: fail safe to the gated variant.
	if all[toolid.Join("filesystem", "move_file")].Kind == tools.KindDirect {
		t.Fatalf("unanalyzed tool must be approval gated")
	}
}

func TestDiscoverTools_NotRunning(t *testing.T) {
	client := newLocalClient("filesystem", newFakeRuntime(), dialerFor(&fakeProto{}), &stubClasses{})
	if err := client.DiscoverTools(context.Background()); err == nil {
		t.Fatal("expected error before EnsureRunning")
	}
}

func TestDiscoverTools_StoreErrorFailsSafe(t *testing.T) {
	classes := &stubClasses{err: errors.New("db down")}
	proto := &fakeProto{tools: []discoveredTool{{Name: "read_file"}}}
	client := newLocalClient("filesystem", newFakeRuntime(), dialerFor(proto), classes)

	if err := client.EnsureRunning(context.Background()); err != nil {
		t.Fatalf("EnsureRunning: %v", err)
	}
	if err := client.DiscoverTools(context.Background()); err != nil {
		t.Fatalf("DiscoverTools: %v", err)
	}

	tool := client.GetAllTools(context.Background())[toolid.Join("filesystem", "read_file")]
	if tool.Classification != nil {
		t.Fatal("lookup failure must leave the tool unclassified")
	}
	if tool.Kind == tools.KindDirect {
		t.Fatal("unclassified tool must be approval gated")
	}
}

// Some servers embed the id separator in their own package-style names. The
// classification cache keys on the suffix after the LAST separator, so a tool
// whose composite id nests the server id twice still resolves to the record
// stored under its bare name.
func TestDiscoverTools_SeparatorEmbeddedNames(t *testing.T) {
	serverID := "modelcontextprotocol__servers__src__filesystem"
	toolName := "servers__src__filesystem__read_file"
	fullID := toolid.Join(serverID, toolName)

	proto := &fakeProto{tools: []discoveredTool{{Name: toolName, Description: "Read a file"}}}
	client := NewServerClient(ServerConfig{
		ID:        serverID,
		Transport: TransportLocal,
		Image:     "mcp/filesystem:latest",
	}, newFakeRuntime(), dialerFor(proto), &stubClasses{}, zap.NewNop())

	// The analyzer reported on this tool before discovery; its record lands
	// in the cache under the bare name "read_file".
	client.UpdateClassification(fullID, analyzedClass(fullID, true, false))

	if err := client.EnsureRunning(context.Background()); err != nil {
		t.Fatalf("EnsureRunning: %v", err)
	}
	if err := client.DiscoverTools(context.Background()); err != nil {
		t.Fatalf("DiscoverTools: %v", err)
	}

	list := client.AvailableToolsList(context.Background())
	if len(list) != 1 {
		t.Fatalf("got %d descriptors, want 1", len(list))
	}
	d := list[0]
	if d.ID != fullID {
		t.Fatalf("descriptor id = %q, want %q", d.ID, fullID)
	}
	if d.Analysis.Status != catalog.StatusCompleted {
		t.Fatalf("analysis status = %q, want completed", d.Analysis.Status)
	}
	if d.Analysis.IsRead == nil || !*d.Analysis.IsRead {
		t.Fatal("is_read should be true from the cached record")
	}
}

func TestUpdateClassification_PromotesToDirect(t *testing.T) {
	fullID := toolid.Join("filesystem", "read_file")
	proto := &fakeProto{tools: []discoveredTool{{Name: "read_file"}}}
	client := newLocalClient("filesystem", newFakeRuntime(), dialerFor(proto), &stubClasses{})

	if err := client.EnsureRunning(context.Background()); err != nil {
		t.Fatalf("EnsureRunning: %v", err)
	}
	if err := client.DiscoverTools(context.Background()); err != nil {
		t.Fatalf("DiscoverTools: %v", err)
	}
	if client.GetAllTools(context.Background())[fullID].Kind == tools.KindDirect {
		t.Fatal("tool should start approval gated")
	}

	client.UpdateClassification(fullID, analyzedClass(fullID, true, false))

	tool := client.GetAllTools(context.Background())[fullID]
	if tool.Kind != tools.KindDirect {
		t.Fatal("analyzed read-only tool should become direct")
	}
	if tool.Classification == nil || tool.Classification.Status() != catalog.StatusCompleted {
		t.Fatal("classification should be merged into the tool entry")
	}
}

func TestState_CrashDetection(t *testing.T) {
	rt := newFakeRuntime()
	client := newLocalClient("filesystem", rt, dialerFor(&fakeProto{}), &stubClasses{})

	if err := client.EnsureRunning(context.Background()); err != nil {
		t.Fatalf("EnsureRunning: %v", err)
	}
	if got := client.State(context.Background()); got != runtime.StateRunning {
		t.Fatalf("state = %s, want running", got)
	}

	// The container died out from under us.
	rt.setStatus(runtime.StateStopped)
	if got := client.State(context.Background()); got != runtime.StateError {
		t.Fatalf("state = %s, want error after crash", got)
	}
}

func TestTeardown_ResetsClient(t *testing.T) {
	rt := newFakeRuntime()
	proto := &fakeProto{tools: []discoveredTool{{Name: "read_file"}}}
	client := newLocalClient("filesystem", rt, dialerFor(proto), &stubClasses{})

	if err := client.EnsureRunning(context.Background()); err != nil {
		t.Fatalf("EnsureRunning: %v", err)
	}
	if err := client.DiscoverTools(context.Background()); err != nil {
		t.Fatalf("DiscoverTools: %v", err)
	}

	if err := client.Teardown(context.Background()); err != nil {
		t.Fatalf("Teardown: %v", err)
	}
	if !proto.closed {
		t.Fatal("protocol session should be closed")
	}
	if rt.stopCalls != 1 || rt.removeCalls != 1 {
		t.Fatalf("expected stop+remove, got %d/%d", rt.stopCalls, rt.removeCalls)
	}
	if client.ToolCount() != 0 {
		t.Fatal("tool map should be cleared")
	}
	if got := client.State(context.Background()); got != runtime.StateAbsent {
		t.Fatalf("state = %s, want absent", got)
	}
}

func TestExecute_RoutesThroughSession(t *testing.T) {
	proto := &fakeProto{
		tools:     []discoveredTool{{Name: "read_file"}},
		callReply: `{"contents":"hello"}`,
	}
	client := newLocalClient("filesystem", newFakeRuntime(), dialerFor(proto), &stubClasses{})

	if err := client.EnsureRunning(context.Background()); err != nil {
		t.Fatalf("EnsureRunning: %v", err)
	}
	if err := client.DiscoverTools(context.Background()); err != nil {
		t.Fatalf("DiscoverTools: %v", err)
	}

	tool := client.GetAllTools(context.Background())[toolid.Join("filesystem", "read_file")]
	out, err := tool.Execute(context.Background(), map[string]any{"path": "/tmp/x"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out != proto.callReply {
		t.Fatalf("got %q, want %q", out, proto.callReply)
	}
	if len(proto.callLog) != 1 || proto.callLog[0] != "read_file" {
		t.Fatalf("session saw calls %v, want [read_file]", proto.callLog)
	}
}
