package replstatus

import (
	"net/http"

	jsoniter "github.com/json-iterator/go"

	"github.com/aditya0562/lsm-kv-store/internal/domain"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Handler exposes replication state through the small status capability, so
// the HTTP facade never touches client or server internals.
type Handler struct {
	provider domain.ReplicationStatusProvider
}

func NewHandler(provider domain.ReplicationStatusProvider) *Handler {
	return &Handler{provider: provider}
}

type StatusResponse struct {
	Enabled bool                       `json:"enabled"`
	State   *domain.ReplicationState   `json:"state,omitempty"`
	Metrics *domain.ReplicationMetrics `json:"metrics,omitempty"`
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if h.provider == nil {
		json.NewEncoder(w).Encode(StatusResponse{Enabled: false})
		return
	}
	state, metrics := h.provider.ReplicationStatus()
	json.NewEncoder(w).Encode(StatusResponse{Enabled: true, State: &state, Metrics: &metrics})
}
