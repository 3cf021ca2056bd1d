package api

import (
	"net/http"

	"github.com/loyalty/loyalty-service/internal/domain"
)

type driftResponse struct {
	Anomalies []domain.Anomaly           `json:"anomalies"`
	Counts    map[domain.AnomalyKind]int `json:"counts"`
}

type repairRequest struct {
	Anomaly domain.Anomaly `json:"anomaly"`
}

// ScanDriftHandler reports the current anomalies without changing anything.
func (h *Handlers) ScanDriftHandler(w http.ResponseWriter, r *http.Request) {
	anomalies, err := h.audit.ScanForDrift(r.Context())
	if err != nil {
		h.writeEngineError(w, "scan_drift", err)
		return
	}
	if anomalies == nil {
		anomalies = []domain.Anomaly{}
	}
	counts := make(map[domain.AnomalyKind]int)
	for _, a := range anomalies {
		counts[a.Kind]++
	}
	h.writeJSON(w, http.StatusOK, driftResponse{Anomalies: anomalies, Counts: counts})
}

// RepairAnomalyHandler repairs a single anomaly.
func (h *Handlers) RepairAnomalyHandler(w http.ResponseWriter, r *http.Request) {
	var body repairRequest
	if err := decodeJSON(r, &body); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	result, err := h.audit.Repair(r.Context(), body.Anomaly)
	if err != nil {
		h.writeEngineError(w, "repair_anomaly", err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}
