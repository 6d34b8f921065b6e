package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/mcdev12/cuehall/go/internal/models"
	"github.com/rs/zerolog/log"
)

// WebSocketHandler handles WebSocket upgrade requests for club collections
type WebSocketHandler struct {
	connectionManager *ConnectionManager
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(cm *ConnectionManager) *WebSocketHandler {
	return &WebSocketHandler{
		connectionManager: cm,
	}
}

// HandleClubConnection handles /ws/club?club_id=&collection=&device_id=
func (h *WebSocketHandler) HandleClubConnection(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	clubID := q.Get("club_id")
	if clubID == "" {
		http.Error(w, "club_id is required", http.StatusBadRequest)
		return
	}
	coll := models.Collection(q.Get("collection"))
	if coll == "" {
		http.Error(w, "collection is required", http.StatusBadRequest)
		return
	}

	// TODO take the device id from the terminal's session token once auth lands
	deviceID := q.Get("device_id")
	if deviceID == "" {
		deviceID = "anonymous"
	}

	key := PoolKey{ClubID: clubID, Collection: coll}
	if err := h.connectionManager.UpgradeConnection(w, r, deviceID, key); err != nil {
		// Upgrade has already replied to the client.
		log.Error().
			Err(err).
			Str("pool", key.String()).
			Str("device_id", deviceID).
			Msg("failed to upgrade WebSocket connection")
		return
	}
}

// HandleConnectionStats returns statistics about active connections
func (h *WebSocketHandler) HandleConnectionStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.connectionManager.Stats())
}

// RegisterRoutes registers WebSocket routes with an HTTP mux
func (h *WebSocketHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws/club", h.HandleClubConnection)
	mux.HandleFunc("GET /ws/stats", h.HandleConnectionStats)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}
