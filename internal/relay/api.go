// ABOUTME: Relay operational API: health probes, archived log replay, live buffers.
// ABOUTME: Lives beside the bridge's protocol endpoints on the same mux.

package relay

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/fernwood/mcp-relay/internal/bus"
)

// registerAPIRoutes attaches health and introspection endpoints.
func (r *Relay) registerAPIRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", r.handleHealth)
	mux.HandleFunc("GET /health/ready", r.handleReady)
	mux.HandleFunc("GET /api/logs/{serverId}", r.handleArchivedLogs)
	mux.HandleFunc("GET /api/events/{serverId}", r.handleLiveEvents)
	mux.HandleFunc("GET /api/progress/{serverId}", r.handleProgress)
}

// handleHealth returns 200 OK if the server is alive.
func (r *Relay) handleHealth(w http.ResponseWriter, req *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the relay can dispatch: at least one
// downstream server is configured.
func (r *Relay) handleReady(w http.ResponseWriter, req *http.Request) {
	if len(r.config.Servers) == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no servers configured"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d servers, %d sse sessions)", len(r.config.Servers), r.bridge.SessionCount())
}

// parseLimit reads the limit query parameter, defaulting when absent.
// The buffer semantics hold: 0 means nothing, negative means everything.
func parseLimit(req *http.Request, def int) (int, error) {
	v := req.URL.Query().Get("limit")
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid limit %q", v)
	}
	return n, nil
}

func (r *Relay) sendJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		r.logger.Error("encoding response", "error", err)
	}
}

func (r *Relay) sendError(w http.ResponseWriter, status int, message string) {
	r.sendJSON(w, status, map[string]string{"error": message})
}

// handleArchivedLogs replays RPC traffic from the durable archive, beyond the
// in-memory buffer's horizon.
func (r *Relay) handleArchivedLogs(w http.ResponseWriter, req *http.Request) {
	if r.archive == nil {
		r.sendError(w, http.StatusNotFound, "log archive is not configured")
		return
	}
	limit, err := parseLimit(req, 100)
	if err != nil {
		r.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	entries, err := r.archive.ListLogs(req.Context(), req.PathValue("serverId"), limit)
	if err != nil {
		r.logger.Error("listing archived logs", "error", err)
		r.sendError(w, http.StatusInternalServerError, "listing logs failed")
		return
	}
	r.sendJSON(w, http.StatusOK, map[string]any{"logs": entries})
}

// handleLiveEvents replays the in-memory RPC log buffer for one server.
func (r *Relay) handleLiveEvents(w http.ResponseWriter, req *http.Request) {
	rpcLog, _, err := r.buses(w, req)
	if err != nil {
		r.sendError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	limit, err := parseLimit(req, -1)
	if err != nil {
		r.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	filter := bus.Filter{ServerIDs: []string{req.PathValue("serverId")}}
	if sessionID := req.URL.Query().Get("sessionId"); sessionID != "" {
		filter.SessionID = sessionID
	}
	r.sendJSON(w, http.StatusOK, map[string]any{"events": rpcLog.Buffer(filter, limit)})
}

// handleProgress returns the most recent progress event for a server.
func (r *Relay) handleProgress(w http.ResponseWriter, req *http.Request) {
	_, progress, err := r.buses(w, req)
	if err != nil {
		r.sendError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	serverID := req.PathValue("serverId")
	latest, ok := progress.Latest(serverID)
	if !ok {
		r.sendError(w, http.StatusNotFound, "no progress recorded for server: "+serverID)
		return
	}
	r.sendJSON(w, http.StatusOK, latest)
}
