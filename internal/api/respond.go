package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/stashd/stashd/internal/files"
	"github.com/stashd/stashd/internal/logging"
	"github.com/stashd/stashd/internal/partition"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	s.sendJSON(w, code, errorResponse{Error: message, Code: code})
}

// sendDomainError maps partition and file store errors to HTTP statuses.
// Quota denials get a structured payload so clients can show exact numbers.
func (s *Server) sendDomainError(w http.ResponseWriter, err error) {
	var qerr *partition.QuotaError
	switch {
	case errors.As(err, &qerr):
		s.sendJSON(w, http.StatusBadRequest, map[string]any{
			"error":     qerr.Error(),
			"code":      http.StatusBadRequest,
			"partition": qerr.Partition,
			"quota":     qerr.Quota,
			"used":      qerr.Used,
			"requested": qerr.Requested,
			"available": qerr.Available(),
		})
	case errors.Is(err, partition.ErrNotFound), errors.Is(err, files.ErrNotFound):
		s.sendError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, partition.ErrConflict):
		s.sendError(w, http.StatusConflict, err.Error())
	case errors.Is(err, partition.ErrForbidden):
		s.sendError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, partition.ErrLimitExceeded),
		errors.Is(err, partition.ErrInvalidArgument):
		s.sendError(w, http.StatusBadRequest, err.Error())
	default:
		logging.Error("internal error", zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "internal error")
	}
}
