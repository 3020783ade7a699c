// Package api is the management HTTP surface: server lifecycle, the tool
// catalog, per-chat selections, tool invocation, and the websocket channel.
package api

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/kunal-511/archestra/internal/aggregator"
	"github.com/kunal-511/archestra/internal/auth"
	"github.com/kunal-511/archestra/internal/catalog"
	"github.com/kunal-511/archestra/internal/sandbox"
	"github.com/kunal-511/archestra/internal/tools"
)

// ServerAdmin is the sandbox manager's lifecycle surface.
type ServerAdmin interface {
	Install(ctx context.Context, cfg sandbox.ServerConfig) error
	Uninstall(ctx context.Context, serverID string) error
	Restart(ctx context.Context, serverID string) error
	ListServers(ctx context.Context) []tools.ServerSummary
	ServerLogs(ctx context.Context, serverID string, n int) ([]string, error)
}

// ToolSurface is the chat-facing facade.
type ToolSurface interface {
	AvailableTools(ctx context.Context) []tools.Descriptor
	ToolsForChat(ctx context.Context, chatID string) (map[string]tools.Tool, error)
	SelectTools(ctx context.Context, chatID string, ids []string) error
	DeselectTools(ctx context.Context, chatID string, ids []string) error
	Invoke(ctx context.Context, p aggregator.InvokeParams) (string, error)
}

// SessionEnder sweeps a session's pending approvals and rules.
type SessionEnder interface {
	EndSession(sessionID string)
}

// AnalysisSink receives classification updates from the external analyzer.
type AnalysisSink interface {
	ApplyAnalysisUpdate(toolID string, class *catalog.Classification)
}

// Dependencies holds shared state injected into all HTTP handlers.
type Dependencies struct {
	Servers  ServerAdmin
	Tools    ToolSurface
	Sessions SessionEnder
	Analysis AnalysisSink
	Gateway  http.Handler
	Auth     auth.Authenticator
	Logger   *zap.Logger
}

// NewRouter builds the HTTP mux with all routes wired up.
func NewRouter(deps *Dependencies) http.Handler {
	mux := http.NewServeMux()

	// Server lifecycle
	mux.HandleFunc("POST /api/sandbox/servers", deps.authMiddleware(deps.handleInstallServer))
	mux.HandleFunc("GET /api/sandbox/servers", deps.authMiddleware(deps.handleListServers))
	mux.HandleFunc("DELETE /api/sandbox/servers/{server_id}", deps.authMiddleware(deps.handleUninstallServer))
	mux.HandleFunc("POST /api/sandbox/servers/{server_id}/restart", deps.authMiddleware(deps.handleRestartServer))
	mux.HandleFunc("GET /api/sandbox/servers/{server_id}/logs", deps.authMiddleware(deps.handleServerLogs))

	// Tool catalog and per-chat selection
	mux.HandleFunc("GET /api/tools", deps.authMiddleware(deps.handleListTools))
	mux.HandleFunc("GET /api/chats/{chat_id}/tools", deps.authMiddleware(deps.handleChatTools))
	mux.HandleFunc("POST /api/chats/{chat_id}/tools", deps.authMiddleware(deps.handleSelectTools))
	mux.HandleFunc("DELETE /api/chats/{chat_id}/tools", deps.authMiddleware(deps.handleDeselectTools))

	// Invocation and session teardown
	mux.HandleFunc("POST /api/tools/invoke", deps.authMiddleware(deps.handleInvoke))
	mux.HandleFunc("POST /api/sessions/{session_id}/end", deps.authMiddleware(deps.handleEndSession))

	// Analyzer callback
	mux.HandleFunc("POST /api/tools/analysis", deps.authMiddleware(deps.handleAnalysisUpdate))

	// Realtime channel (the gateway does its own auth handshake)
	mux.Handle("GET /ws", deps.Gateway)

	// Health check
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return corsMiddleware(requestLogging(mux, deps.Logger))
}
