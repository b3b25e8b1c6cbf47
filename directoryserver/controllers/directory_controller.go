package controllers

import (
	"encoding/json"
	"net"
	"net/http"

	"letters-overlay/core"
	"letters-overlay/directoryserver/services"
)

// DirectoryController implements the directory endpoints of §6.1.
type DirectoryController struct {
	svc *services.DirectoryService
}

func NewDirectoryController(svc *services.DirectoryService) *DirectoryController {
	return &DirectoryController{svc: svc}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// ListRelays handles GET /api/relays.
func (c *DirectoryController) ListRelays(w http.ResponseWriter, r *http.Request) {
	relays, manifest := c.svc.ListRelaysWithReputation(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"relays": relays, "manifest": manifest})
}

// Best handles GET /api/relays/best.
func (c *DirectoryController) Best(w http.ResponseWriter, r *http.Request) {
	rec, ok := c.svc.Best()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"onion": nil, "available": false})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Upsert handles POST /api/relays.
func (c *DirectoryController) Upsert(w http.ResponseWriter, r *http.Request) {
	var payload core.HeartbeatPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed heartbeat payload"})
		return
	}
	clientAddr := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		clientAddr = host
	}
	rec, err := c.svc.Upsert(payload, clientAddr)
	if err != nil {
		writeJSON(w, core.StatusCode(err), map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"relay": rec, "genesisHash": c.svc.CanonicalGenesisHash()})
}
