// Package sandbox runs one isolated container per installed tool server,
// keeps a protocol session to each, and aggregates their tool catalogs.
package sandbox

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/kunal-511/archestra/internal/catalog"
	"github.com/kunal-511/archestra/internal/runtime"
	"github.com/kunal-511/archestra/internal/toolid"
	"github.com/kunal-511/archestra/internal/tools"
)

// TransportKind selects how a server is reached.
type TransportKind string

const (
	// TransportLocal runs the server in a container on this host.
	TransportLocal TransportKind = "local"
	// TransportRemote connects to an already-running server by URL.
	TransportRemote TransportKind = "remote"
)

// ServerConfig is the installed server's connection record.
type ServerConfig struct {
	ID            string
	Transport     TransportKind
	Image         string   // local only
	Env           []string // local only
	Cmd           []string // local only
	ContainerPort int      // local only; defaults to 8080
	URL           string   // remote only
}

// ServerClient owns one tool server: its container (for local transport),
// its protocol session, its discovered tool set, and a read-through view of
// the persisted safety classifications for its tools.
type ServerClient struct {
	cfg     ServerConfig
	rt      runtime.ContainerRuntime
	dial    Dialer
	classes catalog.ClassificationStore
	logger  *zap.Logger

	mu     sync.Mutex
	handle *runtime.Handle
	state  runtime.State
	proto  protocolClient
	// tools is keyed by composite id; classCache by BARE tool name (the
	// suffix after the last separator), because some servers embed the
	// separator in their own ids and the analyzer keys records that way.
	tools      map[string]tools.Tool
	classCache map[string]*catalog.Classification
}

// NewServerClient creates a client for one installed server.
func NewServerClient(cfg ServerConfig, rt runtime.ContainerRuntime, dial Dialer,
	classes catalog.ClassificationStore, logger *zap.Logger) *ServerClient {
	if cfg.ContainerPort == 0 {
		cfg.ContainerPort = 8080
	}
	return &ServerClient{
		cfg:        cfg,
		rt:         rt,
		dial:       dial,
		classes:    classes,
		logger:     logger.With(zap.String("server_id", cfg.ID)),
		state:      runtime.StateAbsent,
		tools:      make(map[string]tools.Tool),
		classCache: make(map[string]*catalog.Classification),
	}
}

// EnsureRunning drives the container through absent → creating → running.
// Errors surface to the caller without retry (retry policy belongs to the
// manager) and leave the client in the error state.
func (c *ServerClient) EnsureRunning(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cfg.Transport == TransportRemote {
		c.state = runtime.StateRunning
		return nil
	}
	if c.state == runtime.StateRunning {
		return nil
	}

	if c.handle.Absent() {
		c.state = runtime.StateCreating
		handle, err := c.rt.Create(ctx, runtime.Spec{
			Name:          "archestra-mcp-" + c.cfg.ID,
			Image:         c.cfg.Image,
			Env:           c.cfg.Env,
			Cmd:           c.cfg.Cmd,
			ContainerPort: c.cfg.ContainerPort,
		})
		if err != nil {
			c.state = runtime.StateError
			return fmt.Errorf("EnsureRunning %s: %w", c.cfg.ID, err)
		}
		c.handle = handle
	}

	state, err := c.rt.Start(ctx, c.handle)
	if err != nil {
		c.state = runtime.StateError
		return fmt.Errorf("EnsureRunning %s: %w", c.cfg.ID, err)
	}
	c.state = state
	return nil
}

// DiscoverTools opens the protocol session (once running) and rebuilds the
// tool map from the server's catalog, merging persisted classifications in.
func (c *ServerClient) DiscoverTools(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != runtime.StateRunning {
		return fmt.Errorf("DiscoverTools %s: server not running (state %s)", c.cfg.ID, c.state)
	}

	if c.proto == nil {
		proto, err := c.dial(ctx, c.endpoint())
		if err != nil {
			c.state = runtime.StateError
			return fmt.Errorf("DiscoverTools %s: %w", c.cfg.ID, err)
		}
		c.proto = proto
	}

	discovered, err := c.proto.ListTools(ctx)
	if err != nil {
		c.state = runtime.StateError
		return fmt.Errorf("DiscoverTools %s: %w", c.cfg.ID, err)
	}

	rebuilt := make(map[string]tools.Tool, len(discovered))
	for _, d := range discovered {
		id := toolid.Join(c.cfg.ID, d.Name)
		class := c.lookupClassificationLocked(ctx, d.Name, id)

		name := d.Name
		proto := c.proto
		rebuilt[id] = tools.Tool{
			ID:             id,
			ServerID:       c.cfg.ID,
			Name:           name,
			Description:    d.Description,
			InputSchema:    d.InputSchema,
			Kind:           kindFor(class),
			Classification: class,
			Execute: func(ctx context.Context, args map[string]any) (string, error) {
				return proto.CallTool(ctx, name, args)
			},
		}
	}
	c.tools = rebuilt

	c.logger.Info("tools discovered", zap.Int("count", len(rebuilt)))
	return nil
}

// lookupClassificationLocked resolves the classification for a discovered
// tool. The in-memory cache keys on the bare name (suffix after the last
// separator); the persisted store keys on the composite id. An unmatched
// tool defaults to unanalyzed (nil record).
func (c *ServerClient) lookupClassificationLocked(ctx context.Context, discoveredName, compositeID string) *catalog.Classification {
	bare := toolid.BareName(discoveredName)
	if class, ok := c.classCache[bare]; ok {
		return class
	}

	class, err := c.classes.GetByID(ctx, compositeID)
	if err != nil {
		c.logger.Warn("classification lookup failed",
			zap.String("tool_id", compositeID),
			zap.Error(err),
		)
		return nil
	}
	c.classCache[bare] = class
	return class
}

// UpdateClassification merges an analyzer update for one tool into the cache
// and the discovered tool entry. Descriptive fields already known are kept.
func (c *ServerClient) UpdateClassification(fullToolID string, class *catalog.Classification) {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, name, _ := toolid.Split(fullToolID)
	c.classCache[toolid.BareName(name)] = class

	if t, ok := c.tools[fullToolID]; ok {
		t.Classification = class
		t.Kind = kindFor(class)
		c.tools[fullToolID] = t
	}
}

// GetAllTools returns a copy of the discovered tool map.
func (c *ServerClient) GetAllTools(_ context.Context) map[string]tools.Tool {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]tools.Tool, len(c.tools))
	for id, t := range c.tools {
		out[id] = t
	}
	return out
}

// GetToolsByID resolves ids against this server's tools; missing ids are
// silently dropped.
func (c *ServerClient) GetToolsByID(_ context.Context, ids []string) map[string]tools.Tool {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]tools.Tool)
	for _, id := range ids {
		if t, ok := c.tools[id]; ok {
			out[id] = t
		}
	}
	return out
}

// AvailableToolsList is the UI-facing catalog view: id, name, description,
// and an analysis summary whose status is completed strictly when the
// record carries an analyzed_at timestamp.
func (c *ServerClient) AvailableToolsList(_ context.Context) []tools.Descriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]tools.Descriptor, 0, len(c.tools))
	for _, t := range c.tools {
		out = append(out, t.Describe())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// State reports the observed lifecycle state, re-checking the container so
// a crashed server is noticed on the next status query.
func (c *ServerClient) State(ctx context.Context) runtime.State {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cfg.Transport == TransportRemote {
		return c.state
	}
	// Error is sticky until an explicit restart; a running container with a
	// dead protocol session is still unusable.
	if c.state == runtime.StateError {
		return c.state
	}
	if c.handle.Absent() {
		return c.state
	}

	observed, err := c.rt.StatusSummary(ctx, c.handle)
	if err != nil {
		c.logger.Warn("status query failed", zap.Error(err))
		c.state = runtime.StateError
		return c.state
	}
	if c.state == runtime.StateRunning && observed != runtime.StateRunning {
		c.logger.Warn("container no longer running", zap.String("observed", string(observed)))
		c.state = runtime.StateError
		return c.state
	}
	c.state = observed
	return c.state
}

// ToolCount reports how many tools the server currently exposes.
func (c *ServerClient) ToolCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tools)
}

// Logs returns recent container log lines.
func (c *ServerClient) Logs(ctx context.Context, n int) ([]string, error) {
	c.mu.Lock()
	handle := c.handle
	c.mu.Unlock()
	if handle.Absent() {
		return nil, nil
	}
	return c.rt.RecentLogs(ctx, handle, n)
}

// Teardown stops and removes the container and drops the client's caches.
// Used on uninstall; errors are reported but teardown continues.
func (c *ServerClient) Teardown(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	if c.proto != nil {
		if err := c.proto.Close(); err != nil {
			firstErr = err
		}
		c.proto = nil
	}
	if !c.handle.Absent() {
		c.state = runtime.StateStopping
		if err := c.rt.Stop(ctx, c.handle); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := c.rt.Remove(ctx, c.handle); err != nil && firstErr == nil {
			firstErr = err
		}
		c.handle = nil
	}
	c.state = runtime.StateAbsent
	c.tools = make(map[string]tools.Tool)
	c.classCache = make(map[string]*catalog.Classification)
	return firstErr
}

func (c *ServerClient) endpoint() string {
	if c.cfg.Transport == TransportRemote {
		return c.cfg.URL
	}
	return fmt.Sprintf("http://127.0.0.1:%d/mcp", c.handle.HostPort)
}

// kindFor maps a classification onto the tool variant: only a record that
// positively rules out writes yields a direct tool.
func kindFor(class *catalog.Classification) tools.Kind {
	if class != nil && class.AnalyzedAt != nil && class.IsWrite != nil && !*class.IsWrite {
		return tools.KindDirect
	}
	return tools.KindApprovalGated
}
