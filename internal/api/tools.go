package api

import (
	"errors"
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/kunal-511/archestra/internal/aggregator"
	"github.com/kunal-511/archestra/internal/approval"
	"github.com/kunal-511/archestra/internal/catalog"
	"github.com/kunal-511/archestra/internal/tools"
)

func (d *Dependencies) handleListTools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, d.Tools.AvailableTools(r.Context()))
}

func (d *Dependencies) handleChatTools(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("chat_id")
	scoped, err := d.Tools.ToolsForChat(r.Context(), chatID)
	if err != nil {
		d.Logger.Error("failed to load chat tools",
			zap.String("chat_id", chatID),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to load chat tools"})
		return
	}

	resp := make([]tools.Descriptor, 0, len(scoped))
	for _, t := range scoped {
		resp = append(resp, t.Describe())
	}
	sort.Slice(resp, func(i, j int) bool { return resp[i].ID < resp[j].ID })
	writeJSON(w, http.StatusOK, resp)
}

func (d *Dependencies) handleSelectTools(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("chat_id")
	var req SelectionReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if len(req.ToolIDs) == 0 {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "tool_ids must not be empty"})
		return
	}

	if err := d.Tools.SelectTools(r.Context(), chatID, req.ToolIDs); err != nil {
		d.Logger.Error("failed to select tools",
			zap.String("chat_id", chatID),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to update selection"})
		return
	}
	writeJSON(w, http.StatusOK, StatusResp{Status: "selected"})
}

func (d *Dependencies) handleDeselectTools(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("chat_id")
	var req SelectionReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if len(req.ToolIDs) == 0 {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "tool_ids must not be empty"})
		return
	}

	if err := d.Tools.DeselectTools(r.Context(), chatID, req.ToolIDs); err != nil {
		d.Logger.Error("failed to deselect tools",
			zap.String("chat_id", chatID),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to update selection"})
		return
	}
	writeJSON(w, http.StatusOK, StatusResp{Status: "deselected"})
}

func (d *Dependencies) handleInvoke(w http.ResponseWriter, r *http.Request) {
	var req InvokeReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if req.ToolID == "" || req.SessionID == "" || req.ChatID == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "tool_id, session_id, and chat_id are required"})
		return
	}

	if principal := principalFromContext(r.Context()); principal != nil {
		d.Logger.Info("tool invocation",
			zap.String("tool_id", req.ToolID),
			zap.String("session_id", req.SessionID),
			zap.String("user_id", principal.UserID),
		)
	}

	result, err := d.Tools.Invoke(r.Context(), aggregator.InvokeParams{
		ToolID:    req.ToolID,
		Args:      req.Args,
		SessionID: req.SessionID,
		ChatID:    req.ChatID,
	})
	if err != nil {
		var declined *tools.DeclinedError
		switch {
		case errors.As(err, &declined):
			writeJSON(w, http.StatusForbidden, ErrorResp{Detail: err.Error()})
		case errors.Is(err, approval.ErrApprovalTimeout):
			writeJSON(w, http.StatusGatewayTimeout, ErrorResp{Detail: "Approval timed out"})
		case errors.Is(err, approval.ErrSessionEnded):
			writeJSON(w, http.StatusConflict, ErrorResp{Detail: "Session ended before approval"})
		default:
			d.Logger.Error("tool invocation failed",
				zap.String("tool_id", req.ToolID),
				zap.Error(err),
			)
			writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Tool invocation failed: " + err.Error()})
		}
		return
	}
	writeJSON(w, http.StatusOK, InvokeResp{Result: result})
}

func (d *Dependencies) handleEndSession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	d.Sessions.EndSession(sessionID)
	writeJSON(w, http.StatusOK, StatusResp{Status: "ended"})
}

func (d *Dependencies) handleAnalysisUpdate(w http.ResponseWriter, r *http.Request) {
	var req AnalysisUpdateReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if req.ToolID == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "tool_id is required"})
		return
	}

	class := &catalog.Classification{
		ToolID:  req.ToolID,
		IsRead:  req.IsRead,
		IsWrite: req.IsWrite,
	}
	if req.Status == string(catalog.StatusCompleted) {
		now := time.Now()
		class.AnalyzedAt = &now
	}

	d.Analysis.ApplyAnalysisUpdate(req.ToolID, class)
	writeJSON(w, http.StatusOK, StatusResp{Status: "accepted"})
}
