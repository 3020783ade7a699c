package api

import (
	"github.com/kunal-511/archestra/internal/sandbox"
)

// ErrorResp is the uniform error body.
type ErrorResp struct {
	Detail string `json:"detail"`
}

// InstallServerReq is the body for POST /api/sandbox/servers.
type InstallServerReq struct {
	ID            string   `json:"id"`
	Transport     string   `json:"transport"` // "local" (default) or "remote"
	Image         string   `json:"image,omitempty"`
	Env           []string `json:"env,omitempty"`
	Cmd           []string `json:"cmd,omitempty"`
	ContainerPort int      `json:"container_port,omitempty"`
	URL           string   `json:"url,omitempty"`
}

func (r *InstallServerReq) toConfig() sandbox.ServerConfig {
	transport := sandbox.TransportKind(r.Transport)
	if transport == "" {
		transport = sandbox.TransportLocal
	}
	return sandbox.ServerConfig{
		ID:            r.ID,
		Transport:     transport,
		Image:         r.Image,
		Env:           r.Env,
		Cmd:           r.Cmd,
		ContainerPort: r.ContainerPort,
		URL:           r.URL,
	}
}

// ServerLogsResp is the body for GET /api/sandbox/servers/{server_id}/logs.
type ServerLogsResp struct {
	ServerID string   `json:"server_id"`
	Lines    []string `json:"lines"`
}

// SelectionReq is the body for chat tool selection changes.
type SelectionReq struct {
	ToolIDs []string `json:"tool_ids"`
}

// InvokeReq is the body for POST /api/tools/invoke.
type InvokeReq struct {
	ToolID    string         `json:"tool_id"`
	Args      map[string]any `json:"args"`
	SessionID string         `json:"session_id"`
	ChatID    string         `json:"chat_id"`
}

// InvokeResp carries a successful tool result.
type InvokeResp struct {
	Result string `json:"result"`
}

// AnalysisUpdateReq is the body for POST /api/tools/analysis — the external
// analyzer reports one tool's classification.
type AnalysisUpdateReq struct {
	ToolID  string `json:"tool_id"`
	Status  string `json:"status"`
	IsRead  *bool  `json:"is_read"`
	IsWrite *bool  `json:"is_write"`
}

// StatusResp is a minimal acknowledgement body.
type StatusResp struct {
	Status string `json:"status"`
}
