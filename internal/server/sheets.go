package server

import (
	"bonus_sync/internal/repo"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
)

type dealsSheetsResponse struct {
	Headers []string `json:"headers"`
	Rows    [][]any  `json:"rows"`
}

var sheetsHeaders = []string{
	"ID",
	"Название",
	"Воронка",
	"Стадия сделки",
	"Дата создания",
	"Дата закрытия",
	"Ответственный",
	"Отдел",
	"Канал",
	"Сумма",
	"Количество",
	"Оборот A",
	"Оборот B",
	"Бонус A",
	"Бонус B",
	"Клиентский бонус",
}

func (s *Server) handleDealsSheets(w http.ResponseWriter, r *http.Request) {
	deals, err := s.store.ListDeals(r.Context())
	if err != nil {
		s.logger.Error("failed to list deals", zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "internal error")
		return
	}

	rows := make([][]any, 0, len(deals))
	for _, d := range deals {
		rows = append(rows, sheetsRow(d))
	}

	// Sheets bridges cache aggressively otherwise.
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(dealsSheetsResponse{Headers: sheetsHeaders, Rows: rows}); err != nil {
		s.logger.Warn("failed to write sheets response", zap.Error(err))
	}
}

func sheetsRow(d repo.DealRow) []any {
	return []any{
		d.ID,
		strOrEmpty(d.Title),
		strOrEmpty(d.FunnelName),
		strOrEmpty(d.StageName),
		toSheetsDateSerialPtr(d.DateCreate),
		toSheetsDateSerialPtr(d.CloseDate),
		strOrEmpty(d.ResponsibleName),
		strOrEmpty(d.DepartmentName),
		strOrEmpty(d.ChannelName),
		toNumber(d.Opportunity),
		toNumber(d.Quantity),
		toNumber(d.TurnoverA),
		toNumber(d.TurnoverB),
		toNumber(d.BonusA),
		toNumber(d.BonusB),
		numberPtr(d.ClientBonus),
	}
}

func strOrEmpty(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

// toNumber turns a numeric column rendered as text into a float for the sheet.
// Anything unparsable is passed through as is.
func toNumber(v string) any {
	if v == "" {
		return ""
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return v
	}
	return f
}

func numberPtr(v *string) any {
	if v == nil {
		return ""
	}
	return toNumber(*v)
}

func toSheetsDateSerialPtr(v *time.Time) any {
	if v == nil || v.IsZero() {
		return ""
	}
	y, m, d := v.Date()
	dateOnly := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return toSheetsSerial(dateOnly)
}

func toSheetsSerial(t time.Time) float64 {
	epoch := time.Date(1899, 12, 30, 0, 0, 0, 0, time.UTC)
	return t.Sub(epoch).Hours() / 24
}
