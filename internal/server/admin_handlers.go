package server

import (
	"bonus_sync/internal/admin"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

type listResponse struct {
	Success bool             `json:"success"`
	Data    []admin.CodeItem `json:"data"`
}

type updateRequest struct {
	Codes []admin.UpdateItem `json:"codes"`
}

// handleAPI dispatches the admin API by its action query parameter.
func (s *Server) handleAPI(w http.ResponseWriter, r *http.Request) {
	action := r.URL.Query().Get("action")
	switch {
	case action == "list" && r.Method == http.MethodGet:
		s.listCodes(w, r)
	case action == "update" && r.Method == http.MethodPost:
		s.updateCodes(w, r)
	case action == "import_csv" && r.Method == http.MethodPost:
		s.importCSV(w, r)
	case action == "client_bonus_list" && r.Method == http.MethodGet:
		s.listClientRates(w, r)
	case action == "client_bonus_current" && r.Method == http.MethodGet:
		s.currentClientRate(w, r)
	case action == "client_bonus_add" && r.Method == http.MethodPost:
		s.addClientRate(w, r)
	default:
		respondWithError(w, http.StatusBadRequest, "Invalid action")
	}
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Error("admin request failed",
		zap.String("action", r.URL.Query().Get("action")),
		zap.Error(err),
	)
	respondWithError(w, http.StatusInternalServerError, "internal error")
}

func (s *Server) listCodes(w http.ResponseWriter, r *http.Request) {
	items, err := s.admin.List(r.Context())
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, listResponse{Success: true, Data: items})
}

func (s *Server) updateCodes(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Codes == nil {
		respondWithError(w, http.StatusBadRequest, "Invalid data format")
		return
	}
	if len(req.Codes) == 0 {
		respondWithError(w, http.StatusBadRequest, "No codes provided")
		return
	}

	res, err := s.admin.Update(r.Context(), userID(r), req.Codes)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	status := http.StatusOK
	if !res.Success {
		status = http.StatusBadRequest
	}
	respondJSON(w, status, res)
}

func (s *Server) importCSV(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, admin.MaxImportSize+1<<20)
	if err := r.ParseMultipartForm(admin.MaxImportSize); err != nil {
		respondWithError(w, http.StatusBadRequest, "No file uploaded")
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		file, _, err = r.FormFile("csv_file")
	}
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "No file uploaded")
		return
	}
	defer file.Close()

	res, err := s.admin.ImportCSV(r.Context(), userID(r), file)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	status := http.StatusOK
	if !res.Success {
		status = http.StatusBadRequest
	}
	respondJSON(w, status, res)
}

func (s *Server) listClientRates(w http.ResponseWriter, r *http.Request) {
	rates, err := s.admin.ClientRates(r.Context())
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "data": rates})
}

func (s *Server) currentClientRate(w http.ResponseWriter, r *http.Request) {
	rate, err := s.admin.CurrentClientRate(r.Context())
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "bonus_rate": rate})
}

func (s *Server) addClientRate(w http.ResponseWriter, r *http.Request) {
	var req admin.AddRateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid data format")
		return
	}

	res, err := s.admin.AddClientRate(r.Context(), userID(r), req)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	status := http.StatusOK
	if !res.Success {
		status = http.StatusBadRequest
	}
	respondJSON(w, status, res)
}
