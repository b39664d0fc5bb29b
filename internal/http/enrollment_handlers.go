package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"simonkey-backend-go/internal/models"
)

type JoinEnrollmentRequest struct {
	InviteCode string `json:"inviteCode" validate:"required"`
}

type UpdateEnrollmentRequest struct {
	Status string `json:"status" validate:"required,oneof=active completed inactive"`
}

type EnrollmentListResponse struct {
	Items []models.Enrollment `json:"items"`
}

func (s *Server) JoinSubject(w http.ResponseWriter, r *http.Request) {
	var req JoinEnrollmentRequest
	if !s.decode(w, r, &req) {
		return
	}
	enrollment, err := s.Enrollments.Join(r.Context(), CurrentUserID(r), req.InviteCode)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, enrollment)
}

func (s *Server) ListEnrollments(w http.ResponseWriter, r *http.Request) {
	items, err := s.Enrollments.ListForStudent(r.Context(), CurrentUserID(r))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if items == nil {
		items = []models.Enrollment{}
	}
	WriteJSON(w, http.StatusOK, EnrollmentListResponse{Items: items})
}

func (s *Server) SetEnrollmentStatus(w http.ResponseWriter, r *http.Request) {
	var req UpdateEnrollmentRequest
	if !s.decode(w, r, &req) {
		return
	}
	enrollment, err := s.Enrollments.SetStatus(r.Context(), CurrentUserID(r), chi.URLParam(r, "enrollmentId"), req.Status)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, enrollment)
}
