package server

import (
	"bonus_sync/internal/progress"
	"net/http"
	"time"

	"go.uber.org/zap"
)

type progressResponse struct {
	Status          progress.Status `json:"status"`
	Active          bool            `json:"active"`
	Direction       string          `json:"direction,omitempty"`
	Percent         float64         `json:"percent"`
	Processed       int64           `json:"processed"`
	Succeeded       int64           `json:"succeeded"`
	Failed          int64           `json:"failed"`
	Target          int64           `json:"target"`
	TotalDeals      int64           `json:"total_deals"`
	LastProcessedID int64           `json:"last_processed_id"`
	RatePerMinute   float64         `json:"rate_per_minute"`
	StartTime       *time.Time      `json:"start_time,omitempty"`
	LastUpdate      *time.Time      `json:"last_update,omitempty"`
	ForecastEnd     *time.Time      `json:"forecast_end_time,omitempty"`
	LastError       string          `json:"last_error,omitempty"`

	Watermark  *time.Time `json:"watermark"`
	DealsCount int64      `json:"deals_count"`
}

func optTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// handleProgress reports the checkpoint of the current or last unfinished run
// together with the stored deal count. No checkpoint means idle.
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	cp, err := s.progress.Load()
	if err != nil {
		s.logger.Error("failed to read checkpoint", zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "internal error")
		return
	}

	resp := progressResponse{Status: progress.StatusIdle}
	if cp != nil {
		resp = progressResponse{
			Status:          cp.Status,
			Active:          s.progress.Fresh(cp),
			Direction:       string(cp.Direction),
			Percent:         cp.Percent(),
			Processed:       cp.Processed,
			Succeeded:       cp.Succeeded,
			Failed:          cp.Failed,
			Target:          cp.Target,
			TotalDeals:      cp.TotalDeals,
			LastProcessedID: cp.LastProcessedID,
			RatePerMinute:   cp.RatePerMinute(cp.LastUpdate),
			StartTime:       optTime(cp.StartTime),
			LastUpdate:      optTime(cp.LastUpdate),
			ForecastEnd:     cp.ForecastEnd,
			LastError:       cp.LastError,
		}
	}

	st, err := s.store.GetSyncStatus(r.Context(), s.opts.StateKey)
	if err != nil {
		s.logger.Warn("failed to read sync status", zap.Error(err))
	} else {
		resp.Watermark = st.Watermark
		resp.DealsCount = st.DealsCount
	}

	w.Header().Set("Cache-Control", "no-store")
	respondJSON(w, http.StatusOK, resp)
}
