package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kunal-511/archestra/internal/catalog"
	"github.com/kunal-511/archestra/internal/channel"
	"github.com/kunal-511/archestra/internal/runtime"
	"github.com/kunal-511/archestra/internal/toolid"
	"github.com/kunal-511/archestra/internal/tools"
)

// nowFunc is swapped in tests.
var nowFunc = time.Now

// Manager owns the collection of server clients keyed by server id and
// fans queries out across them plus the first-party provider. One server's
// failure never prevents the others' tools from being served.
type Manager struct {
	mu      sync.RWMutex
	clients map[string]*ServerClient

	firstParty *tools.FirstPartyProvider
	rt         runtime.ContainerRuntime
	classes    catalog.ClassificationStore
	dial       Dialer
	broker     *channel.Broker
	logger     *zap.Logger
}

// ManagerConfig configures the Manager.
type ManagerConfig struct {
	Runtime         runtime.ContainerRuntime
	Classifications catalog.ClassificationStore
	Dialer          Dialer
	FirstParty      *tools.FirstPartyProvider
	Broker          *channel.Broker
	Logger          *zap.Logger
}

// NewManager creates a manager with no installed servers.
func NewManager(cfg ManagerConfig) *Manager {
	m := &Manager{
		clients:    make(map[string]*ServerClient),
		firstParty: cfg.FirstParty,
		rt:         cfg.Runtime,
		classes:    cfg.Classifications,
		dial:       cfg.Dialer,
		broker:     cfg.Broker,
		logger:     cfg.Logger,
	}
	return m
}

// Install registers a server, brings its container up, and discovers its
// tools. Concurrent installs of different servers proceed independently —
// the registry lock is held only for the map mutations, never across I/O.
func (m *Manager) Install(ctx context.Context, cfg ServerConfig) error {
	if cfg.ID == tools.FirstPartyServerID {
		return fmt.Errorf("Install: server id %q is reserved", cfg.ID)
	}

	client := NewServerClient(cfg, m.rt, m.dial, m.classes, m.logger)

	m.mu.Lock()
	if _, exists := m.clients[cfg.ID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("Install: server %s already installed", cfg.ID)
	}
	m.clients[cfg.ID] = client
	m.mu.Unlock()

	if err := client.EnsureRunning(ctx); err != nil {
		// Keep the client registered in its error state so the UI can see
		// it and the user can retry or uninstall.
		return err
	}
	if err := client.DiscoverTools(ctx); err != nil {
		return err
	}

	m.publishToolsUpdated(fmt.Sprintf("server %s installed", cfg.ID))
	return nil
}

// Uninstall tears the server down and removes it from the collection.
// Unknown ids are a no-op.
func (m *Manager) Uninstall(ctx context.Context, serverID string) error {
	m.mu.Lock()
	client, ok := m.clients[serverID]
	if ok {
		delete(m.clients, serverID)
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}
	err := client.Teardown(ctx)
	m.publishToolsUpdated(fmt.Sprintf("server %s uninstalled", serverID))
	return err
}

// Restart re-runs the lifecycle for a crashed or stopped server.
func (m *Manager) Restart(ctx context.Context, serverID string) error {
	client, ok := m.client(serverID)
	if !ok {
		return fmt.Errorf("Restart: server %s not installed", serverID)
	}
	if err := client.EnsureRunning(ctx); err != nil {
		return err
	}
	if err := client.DiscoverTools(ctx); err != nil {
		return err
	}
	m.publishToolsUpdated(fmt.Sprintf("server %s restarted", serverID))
	return nil
}

// GetAllTools unions tool maps from every healthy client plus the
// first-party provider.
func (m *Manager) GetAllTools(ctx context.Context) map[string]tools.Tool {
	out := make(map[string]tools.Tool)
	var outMu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	for _, client := range m.snapshot() {
		g.Go(func() error {
			if client.State(ctx) == runtime.StateError {
				return nil
			}
			clientTools := client.GetAllTools(ctx)
			outMu.Lock()
			for id, t := range clientTools {
				out[id] = t
			}
			outMu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // clients never return errors here; errgroup bounds the fan-out

	if m.firstParty != nil {
		for id, t := range m.firstParty.GetAllTools(ctx) {
			out[id] = t
		}
	}
	return out
}

// GetToolsByID resolves each id against whichever client owns it (the id's
// server prefix determines ownership). Missing ids are silently dropped: a
// tool may have been uninstalled between selection and use.
func (m *Manager) GetToolsByID(ctx context.Context, ids []string) map[string]tools.Tool {
	byServer := make(map[string][]string)
	for _, id := range ids {
		byServer[toolid.ServerID(id)] = append(byServer[toolid.ServerID(id)], id)
	}

	out := make(map[string]tools.Tool)
	for serverID, serverIDs := range byServer {
		if serverID == tools.FirstPartyServerID {
			if m.firstParty != nil {
				for id, t := range m.firstParty.GetToolsByID(ctx, serverIDs) {
					out[id] = t
				}
			}
			continue
		}
		client, ok := m.client(serverID)
		if !ok {
			continue
		}
		for id, t := range client.GetToolsByID(ctx, serverIDs) {
			out[id] = t
		}
	}
	return out
}

// AllAvailableTools unions the UI-facing descriptor list across clients and
// the first-party provider.
func (m *Manager) AllAvailableTools(ctx context.Context) []tools.Descriptor {
	var out []tools.Descriptor
	for _, client := range m.snapshot() {
		out = append(out, client.AvailableToolsList(ctx)...)
	}
	if m.firstParty != nil {
		out = append(out, m.firstParty.AvailableToolsList(ctx)...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListServers implements the directory view used by first-party tools and
// the management API.
func (m *Manager) ListServers(ctx context.Context) []tools.ServerSummary {
	clients := m.snapshot()
	out := make([]tools.ServerSummary, 0, len(clients))
	for id, client := range clients {
		out = append(out, tools.ServerSummary{
			ID:        id,
			State:     string(client.State(ctx)),
			ToolCount: client.ToolCount(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ServerLogs fetches recent log lines from one server's container.
func (m *Manager) ServerLogs(ctx context.Context, serverID string, n int) ([]string, error) {
	client, ok := m.client(serverID)
	if !ok {
		return nil, fmt.Errorf("ServerLogs: server %s not installed", serverID)
	}
	return client.Logs(ctx, n)
}

// ApplyAnalysisUpdate merges an analyzer progress record into the owning
// client's cache and rebroadcasts it to the UI.
func (m *Manager) ApplyAnalysisUpdate(toolID string, class *catalog.Classification) {
	if client, ok := m.client(toolid.ServerID(toolID)); ok {
		client.UpdateClassification(toolID, class)
	}

	progress := channel.AnalysisProgress{ToolID: toolID, Status: string(class.Status())}
	if class != nil {
		progress.IsRead = class.IsRead
		progress.IsWrite = class.IsWrite
	}
	msg, err := channel.NewMessage(channel.TypeAnalysisProgress, progress)
	if err != nil {
		m.logger.Error("encode analysis progress failed", zap.Error(err))
		return
	}
	m.broker.Publish(msg)
}

// Run consumes analysis progress messages published by the external
// analyzer until ctx is cancelled, keeping client caches in step with the
// persisted store.
func (m *Manager) Run(ctx context.Context) {
	sub := m.broker.Subscribe(channel.TypeAnalysisProgress)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.C:
			if !ok {
				return
			}
			var progress channel.AnalysisProgress
			if err := json.Unmarshal(msg.Payload, &progress); err != nil {
				m.logger.Warn("malformed analysis progress", zap.Error(err))
				continue
			}
			if client, ok := m.client(toolid.ServerID(progress.ToolID)); ok {
				client.UpdateClassification(progress.ToolID, analysisToClass(progress))
			}
		}
	}
}

// Shutdown tears down every client. Errors are logged, not returned — this
// runs on process exit.
func (m *Manager) Shutdown(ctx context.Context) {
	for id, client := range m.snapshot() {
		if err := client.Teardown(ctx); err != nil {
			m.logger.Warn("teardown failed",
				zap.String("server_id", id),
				zap.Error(err),
			)
		}
	}
}

func (m *Manager) client(serverID string) (*ServerClient, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	client, ok := m.clients[serverID]
	return client, ok
}

func (m *Manager) snapshot() map[string]*ServerClient {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*ServerClient, len(m.clients))
	for id, client := range m.clients {
		out[id] = client
	}
	return out
}

func (m *Manager) publishToolsUpdated(message string) {
	msg, err := channel.NewMessage(channel.TypeToolsUpdated, channel.ToolsUpdated{Message: message})
	if err != nil {
		m.logger.Error("encode tools-updated failed", zap.Error(err))
		return
	}
	m.broker.Publish(msg)
}

func analysisToClass(p channel.AnalysisProgress) *catalog.Classification {
	class := &catalog.Classification{
		ToolID:  p.ToolID,
		IsRead:  p.IsRead,
		IsWrite: p.IsWrite,
	}
	if p.Status == string(catalog.StatusCompleted) {
		now := nowFunc()
		class.AnalyzedAt = &now
	}
	return class
}
