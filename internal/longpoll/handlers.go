package longpoll

import (
	"encoding/json"
	"net/http"

	"github.com/hyper-ai-inc/hyper-backend/internal/forwarder"
	"github.com/hyper-ai-inc/hyper-backend/internal/identity"
	"github.com/hyper-ai-inc/hyper-backend/internal/protocol"
)

// Handlers wires the five §4.5 endpoints onto the tunnel's forwarder,
// identity registry, and device manager, following the teacher's
// cmd/server handler style (hand-rolled JSON for simple replies,
// json.NewEncoder for richer ones).
type Handlers struct {
	Manager   *Manager
	Forwarder *forwarder.Forwarder
	Registry  *identity.Registry
}

type connectRequest struct {
	TunnelID string `json:"tunnel_id"`
	AuthKey  string `json:"auth_key"`
	DeviceID string `json:"device_id"`
}

// HandleConnect implements POST /connect.
func (h *Handlers) HandleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.TunnelID == "" || req.DeviceID == "" {
		http.Error(w, "tunnel_id and device_id required", http.StatusBadRequest)
		return
	}
	if !h.Registry.IsLive(req.TunnelID) {
		writeJSONError(w, http.StatusNotFound, protocol.ErrTunnelNotFound, "tunnel not found or offline")
		return
	}

	vc := h.Manager.Connect(req.DeviceID, req.TunnelID)
	h.Forwarder.BindClient(req.TunnelID, req.DeviceID, vc)

	authFrame, err := protocol.Encode(protocol.TypeAuth, "", "", protocol.Auth{AuthKey: req.AuthKey, DeviceID: req.DeviceID})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.Forwarder.ToWorkstation(req.TunnelID, authFrame)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"connected": true, "device_id": req.DeviceID})
}

type commandRequest struct {
	DeviceID string          `json:"device_id"`
	Message  json.RawMessage `json:"message"`
}

// HandleCommand implements POST /command.
func (h *Handlers) HandleCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	tunnelID, ok := h.Manager.State(req.DeviceID)
	if !ok {
		writeJSONError(w, http.StatusNotFound, protocol.ErrTunnelNotFound, "unknown device")
		return
	}
	if !h.Forwarder.ToWorkstation(tunnelID, req.Message) {
		writeJSONError(w, http.StatusServiceUnavailable, protocol.ErrWorkstationOffline, "workstation offline")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// HandleMessages implements GET /messages.
func (h *Handlers) HandleMessages(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device_id")
	since := parseInt64(r.URL.Query().Get("since"))
	ack := parseInt64(r.URL.Query().Get("ack"))

	msgs, current, err := h.Manager.Messages(deviceID, since, ack)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, protocol.ErrTunnelNotFound, "unknown device")
		return
	}

	type wireMsg struct {
		Sequence int64           `json:"sequence"`
		Data     json.RawMessage `json:"data,omitempty"`
		Overflow bool            `json:"overflow,omitempty"`
	}
	out := make([]wireMsg, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, wireMsg{Sequence: m.Sequence, Data: m.Data, Overflow: m.Overflow})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"messages":        out,
		"current_sequence": current,
	})
}

// HandleState implements GET /state.
func (h *Handlers) HandleState(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device_id")
	tunnelID, ok := h.Manager.State(deviceID)
	w.Header().Set("Content-Type", "application/json")
	if !ok {
		json.NewEncoder(w).Encode(map[string]any{"connected": false})
		return
	}
	json.NewEncoder(w).Encode(map[string]any{
		"connected": true,
		"tunnel_id": tunnelID,
		"workstation_online": h.Registry.IsLive(tunnelID),
	})
}

type disconnectRequest struct {
	DeviceID string `json:"device_id"`
}

// HandleDisconnect implements POST /disconnect.
func (h *Handlers) HandleDisconnect(w http.ResponseWriter, r *http.Request) {
	var req disconnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	tunnelID, ok := h.Manager.State(req.DeviceID)
	if ok {
		h.Forwarder.UnbindClient(tunnelID, req.DeviceID)
	}
	h.Manager.Disconnect(req.DeviceID)
	w.WriteHeader(http.StatusNoContent)
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(protocol.Error{Code: code, Message: message})
}

func parseInt64(s string) int64 {
	if s == "" {
		return 0
	}
	var n int64
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int64(c-'0')
	}
	return n
}
