package server

import (
	"bonus_sync/internal/repo"
	"bonus_sync/internal/syncer"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

type dealResponse struct {
	Success   bool    `json:"success"`
	DealID    int64   `json:"deal_id"`
	BonusCalc bool    `json:"bonus_calc"`
	Quantity  string  `json:"quantity"`
	TurnoverA string  `json:"turnover_category_a"`
	TurnoverB string  `json:"turnover_category_b"`
	BonusA    string  `json:"bonus_category_a"`
	BonusB    string  `json:"bonus_category_b"`
	Client    *string `json:"client_bonus,omitempty"`
}

// webhookDealID accepts deal_id from the query or form, or the
// data[FIELDS][ID] field the CRM posts from outbound event webhooks.
func webhookDealID(r *http.Request) (int64, bool) {
	raw := r.FormValue("deal_id")
	if raw == "" {
		raw = r.FormValue("data[FIELDS][ID]")
	}
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func isYes(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "y", "yes", "1", "true":
		return true
	}
	return false
}

func (s *Server) handleDealWebhook(w http.ResponseWriter, r *http.Request) {
	id, ok := webhookDealID(r)
	if !ok {
		respondWithError(w, http.StatusBadRequest, "Invalid or missing deal_id")
		return
	}
	bonusCalc := isYes(r.FormValue("bonus_calc"))

	start := time.Now()
	rec, err := s.deals.ProcessDeal(r.Context(), id, bonusCalc)
	if errors.Is(err, syncer.ErrDealNotFound) {
		respondWithError(w, http.StatusNotFound, "Deal not found")
		return
	}
	if err != nil {
		s.logger.Error("deal webhook failed", zap.Int64("deal_id", id), zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.logger.Info("deal webhook processed",
		zap.Int64("deal_id", id),
		zap.Bool("bonus_calc", bonusCalc),
		zap.Duration("duration", time.Since(start)),
	)
	respondJSON(w, http.StatusOK, toDealResponse(rec, bonusCalc))
}

func toDealResponse(rec repo.DealRecord, bonusCalc bool) dealResponse {
	resp := dealResponse{
		Success:   true,
		DealID:    rec.ID,
		BonusCalc: bonusCalc,
		Quantity:  rec.Quantity.StringFixed(2),
		TurnoverA: rec.TurnoverA.StringFixed(2),
		TurnoverB: rec.TurnoverB.StringFixed(2),
		BonusA:    rec.BonusA.StringFixed(2),
		BonusB:    rec.BonusB.StringFixed(2),
	}
	if rec.ClientBonus.Valid {
		v := rec.ClientBonus.Decimal.StringFixed(2)
		resp.Client = &v
	}
	return resp
}
