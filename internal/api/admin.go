package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rmachado/aoai-gateway/internal/auth"
	"github.com/rmachado/aoai-gateway/internal/domain"
)

// handleAdminUsage lists recent usage records for operators. Guarded by
// the bcrypt admin credential, never the client keys; without a configured
// admin credential or usage store the endpoint is closed.
func (h *Handler) handleAdminUsage(w http.ResponseWriter, r *http.Request) {
	if h.admin == nil || !h.admin.Enabled() || h.usageStore == nil {
		writeEnvelope(w, notFoundEnvelope())
		return
	}

	if !h.admin.Verify(auth.ExtractClientKey(r)) {
		writeEnvelope(w, unauthorizedEnvelope())
		return
	}

	since := time.Now().Add(-24 * time.Hour)
	if v := r.URL.Query().Get("since_hours"); v != "" {
		if hours, err := strconv.Atoi(v); err == nil && hours > 0 {
			since = time.Now().Add(-time.Duration(hours) * time.Hour)
		}
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	records, err := h.usageStore.Recent(r.Context(), since, limit)
	if err != nil {
		writeEnvelope(w, domain.ErrorEnvelope{
			HTTPStatus: http.StatusInternalServerError,
			Code:       CodeInternalGatewayError,
			Message:    "failed to query usage records",
		})
		return
	}

	if records == nil {
		records = []domain.UsageRecord{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"records": records,
		"count":   len(records),
	})
}
