package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/shopspring/decimal"

	"starpay/internal/dispatch"
	"starpay/internal/models"
)

type payoutRequest struct {
	Operations []payoutOperation `json:"operations"`
	Memo       string            `json:"memo,omitempty"`
	Tag        string            `json:"tag"`
}

type payoutOperation struct {
	Destination string `json:"destination"`
	AssetCode   string `json:"asset_code,omitempty"`
	AssetIssuer string `json:"asset_issuer,omitempty"`
	Amount      string `json:"amount"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sizes := s.dispatcher.QueueSizes()
	queues := make(map[string]int, len(sizes))
	total := 0
	for id, size := range sizes {
		queues[strconv.FormatInt(id, 10)] = size
		total += size
	}

	sending := true
	if s.settings != nil {
		if enabled, err := s.settings.SendingEnabled(r.Context()); err == nil {
			sending = enabled
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"distributors":    len(sizes),
		"queued_batches":  total,
		"queues":          queues,
		"pending_ops":     s.dispatcher.PendingDepth(),
		"sending_enabled": sending,
	})
}

// handleSubmitPayouts admits a payout request to the dispatcher. Admission
// is synchronous; settlement is not, so a 202 means "queued", not "paid".
func (s *Server) handleSubmitPayouts(w http.ResponseWriter, r *http.Request) {
	var req payoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Tag == "" {
		writeError(w, http.StatusBadRequest, "tag is required")
		return
	}

	ops := make([]*models.Operation, 0, len(req.Operations))
	for _, po := range req.Operations {
		if po.Destination == "" {
			writeError(w, http.StatusBadRequest, "operation missing destination")
			return
		}
		amount, err := decimal.NewFromString(po.Amount)
		if err != nil || amount.Sign() < 0 {
			writeError(w, http.StatusBadRequest, "operation has invalid amount")
			return
		}
		ops = append(ops, models.NewOperation(po.Destination, models.Asset{
			Code:   po.AssetCode,
			Issuer: po.AssetIssuer,
		}, amount))
	}

	if err := s.dispatcher.Submit(ops, req.Memo, req.Tag); err != nil {
		switch {
		case errors.Is(err, dispatch.ErrNoDistributors):
			writeError(w, http.StatusServiceUnavailable, "no distributors available")
		case errors.Is(err, dispatch.ErrAdmissionFailed):
			writeError(w, http.StatusServiceUnavailable, "admission failed, retry")
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"accepted": len(ops),
		"tag":      req.Tag,
	})
}

func (s *Server) handleSetSending(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if s.settings == nil {
		writeError(w, http.StatusServiceUnavailable, "settings store not configured")
		return
	}
	if err := s.settings.SetSendingEnabled(r.Context(), req.Enabled); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	json.NewEncoder(w).Encode(map[string]bool{"sending_enabled": req.Enabled})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
