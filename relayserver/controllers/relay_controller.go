package controllers

import (
	"encoding/json"
	"net/http"

	"letters-overlay/core"
	"letters-overlay/relayserver/services"
)

// RelayController provides HTTP handlers for the relay wire protocol
// (§6.1). Its shape — thin handler methods delegating to a services.*
// struct — is grounded on the teacher's walletserver/controllers
// WalletController.
type RelayController struct {
	svc *services.RelayService
}

func NewRelayController(svc *services.RelayService) *RelayController {
	return &RelayController{svc: svc}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, core.StatusCode(err), map[string]string{"error": err.Error()})
}

// Status handles GET /api/status.
func (c *RelayController) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, c.svc.Status())
}

// BlocksFull handles GET /api/blocks/full.
func (c *RelayController) BlocksFull(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"blocks": c.svc.Blocks()})
}

// SubmitLetter handles POST /api/letters.
func (c *RelayController) SubmitLetter(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Payload          json.RawMessage `json:"payload"`
		OwnerFingerprint string          `json:"ownerFingerprint"`
		RelayMetrics     map[string]any  `json:"relayMetrics,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}
	block, err := c.svc.AcceptLetter(req.Payload, req.OwnerFingerprint, req.RelayMetrics)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"block": block})
}

// Report handles POST /api/report.
func (c *RelayController) Report(w http.ResponseWriter, r *http.Request) {
	outcome := c.svc.TriggerReport(r.Context())
	writeJSON(w, http.StatusOK, outcome)
}

// Sync handles POST /api/sync.
func (c *RelayController) Sync(w http.ResponseWriter, r *http.Request) {
	result, err := c.svc.TriggerSync(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
