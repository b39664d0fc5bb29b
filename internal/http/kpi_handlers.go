package httpapi

import (
	"net/http"
	"time"

	"simonkey-backend-go/internal/kpi"
)

type RefreshResponse struct {
	ComputedAt time.Time `json:"computedAt"`
	Repaired   int       `json:"repaired"`
	Warnings   []string  `json:"warnings"`
}

type TeacherRefreshResponse struct {
	RefreshResponse
	RefreshedStudents int `json:"refreshedStudents"`
}

func userRefreshResponse(res kpi.UserResult) RefreshResponse {
	warnings := res.Warnings
	if warnings == nil {
		warnings = []string{}
	}
	return RefreshResponse{ComputedAt: res.KPIs.ComputedAt, Repaired: res.Repaired, Warnings: warnings}
}

func teacherRefreshResponse(res kpi.TeacherResult) TeacherRefreshResponse {
	warnings := res.Warnings
	if warnings == nil {
		warnings = []string{}
	}
	return TeacherRefreshResponse{
		RefreshResponse:   RefreshResponse{ComputedAt: res.KPIs.ComputedAt, Repaired: res.Repaired, Warnings: warnings},
		RefreshedStudents: res.RefreshedStudents,
	}
}

func (s *Server) MyKPIs(w http.ResponseWriter, r *http.Request) {
	out, err := s.KPIs.UserDashboard(r.Context(), CurrentUserID(r))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, out)
}

func (s *Server) RefreshMyKPIs(w http.ResponseWriter, r *http.Request) {
	res, err := s.KPIs.RefreshUser(r.Context(), CurrentUserID(r))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, userRefreshResponse(res))
}

func (s *Server) TeacherKPIs(w http.ResponseWriter, r *http.Request) {
	out, err := s.KPIs.TeacherDashboard(r.Context(), CurrentUserID(r))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, out)
}

func (s *Server) RefreshTeacherKPIs(w http.ResponseWriter, r *http.Request) {
	res, err := s.KPIs.RefreshTeacher(r.Context(), CurrentUserID(r))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, teacherRefreshResponse(res))
}
