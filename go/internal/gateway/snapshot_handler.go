package gateway

import (
	"net/http"

	"github.com/mcdev12/cuehall/go/internal/models"
	"github.com/mcdev12/cuehall/go/internal/store"
	"github.com/rs/zerolog/log"
)

// SnapshotHandler serves the current documents of a club collection so a terminal can refetch
// after its push channel drops.
type SnapshotHandler struct {
	store store.Store
}

func NewSnapshotHandler(s store.Store) *SnapshotHandler {
	return &SnapshotHandler{store: s}
}

type snapshotResponse struct {
	ClubID     string            `json:"club_id"`
	Collection string            `json:"collection"`
	Documents  []models.Document `json:"documents"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// HandleGetCollection handles GET /api/clubs/{club}/collections/{collection}
func (h *SnapshotHandler) HandleGetCollection(w http.ResponseWriter, r *http.Request) {
	clubID := r.PathValue("club")
	coll := models.Collection(r.PathValue("collection"))

	docs, err := h.store.Fetch(r.Context(), clubID, coll)
	if err != nil {
		log.Error().
			Err(err).
			Str("club_id", clubID).
			Str("collection", string(coll)).
			Msg("failed to fetch collection snapshot")
		writeJSON(w, statusFor(err), errorResponse{Error: err.Error(), Kind: store.KindOf(err).String()})
		return
	}
	if docs == nil {
		docs = []models.Document{}
	}

	writeJSON(w, http.StatusOK, snapshotResponse{ClubID: clubID, Collection: string(coll), Documents: docs})
}

func (h *SnapshotHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/clubs/{club}/collections/{collection}", h.HandleGetCollection)
}

func statusFor(err error) int {
	switch store.KindOf(err) {
	case store.KindNotFound:
		return http.StatusNotFound
	case store.KindShape:
		return http.StatusBadRequest
	case store.KindAuth:
		return http.StatusUnauthorized
	case store.KindPermission:
		return http.StatusForbidden
	case store.KindConflict:
		return http.StatusConflict
	case store.KindTimeout:
		return http.StatusGatewayTimeout
	case store.KindNetwork:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
