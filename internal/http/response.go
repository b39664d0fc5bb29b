package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"

	"simonkey-backend-go/internal/services"
)

type ErrorResponse struct {
	Message string `json:"message"`
}

func WriteJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, ErrorResponse{Message: message})
}

// writeServiceError maps service errors to their status; anything else is a 500.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	var svcErr services.ServiceError
	if !errors.As(err, &svcErr) {
		svcErr = services.ErrInternal(err).(services.ServiceError)
	}
	if svcErr.Status >= http.StatusInternalServerError {
		s.Logger.Errorf("request failed: %v", err)
	}
	WriteError(w, svcErr.Status, svcErr.Message)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid payload")
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			WriteError(w, http.StatusBadRequest, verrs[0].Field()+" is invalid")
			return false
		}
		WriteError(w, http.StatusBadRequest, "Invalid payload")
		return false
	}
	return true
}

func parseInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	if value < 1 {
		return fallback
	}
	return value
}
