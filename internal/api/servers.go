package api

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/kunal-511/archestra/internal/sandbox"
)

func (d *Dependencies) handleInstallServer(w http.ResponseWriter, r *http.Request) {
	var req InstallServerReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if req.ID == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "id is required"})
		return
	}
	switch sandbox.TransportKind(req.Transport) {
	case "", sandbox.TransportLocal:
		if req.Image == "" {
			writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "image is required for local transport"})
			return
		}
	case sandbox.TransportRemote:
		if req.URL == "" {
			writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "url is required for remote transport"})
			return
		}
	default:
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "transport must be 'local' or 'remote'"})
		return
	}

	if err := d.Servers.Install(r.Context(), req.toConfig()); err != nil {
		d.Logger.Error("failed to install server",
			zap.String("server_id", req.ID),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to install server: " + err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, StatusResp{Status: "installed"})
}

func (d *Dependencies) handleListServers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, d.Servers.ListServers(r.Context()))
}

func (d *Dependencies) handleUninstallServer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("server_id")
	if err := d.Servers.Uninstall(r.Context(), id); err != nil {
		d.Logger.Error("failed to uninstall server",
			zap.String("server_id", id),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to uninstall server"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (d *Dependencies) handleRestartServer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("server_id")
	if err := d.Servers.Restart(r.Context(), id); err != nil {
		d.Logger.Error("failed to restart server",
			zap.String("server_id", id),
			zap.Error(err),
		)
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to restart server: " + err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, StatusResp{Status: "restarted"})
}

func (d *Dependencies) handleServerLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("server_id")
	lines := 100
	if v := r.URL.Query().Get("lines"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "lines must be a positive integer"})
			return
		}
		lines = n
	}

	logLines, err := d.Servers.ServerLogs(r.Context(), id, lines)
	if err != nil {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "Server not found."})
		return
	}
	writeJSON(w, http.StatusOK, ServerLogsResp{ServerID: id, Lines: logLines})
}
