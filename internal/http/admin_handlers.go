package httpapi

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"simonkey-backend-go/internal/jobs"
	"simonkey-backend-go/internal/services"
)

type RebuildRequest struct {
	UserIDs []string `json:"userIds" validate:"omitempty,dive,required"`
}

type JobRunsResponse struct {
	Items []services.JobRun `json:"items"`
}

func (s *Server) AdminRefreshUser(w http.ResponseWriter, r *http.Request) {
	res, err := s.KPIs.RefreshUser(r.Context(), chi.URLParam(r, "userId"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, userRefreshResponse(res))
}

func (s *Server) AdminRefreshTeacher(w http.ResponseWriter, r *http.Request) {
	res, err := s.KPIs.RefreshTeacher(r.Context(), chi.URLParam(r, "teacherId"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, teacherRefreshResponse(res))
}

// AdminRebuild accepts an empty body to rebuild every user.
func (s *Server) AdminRebuild(w http.ResponseWriter, r *http.Request) {
	var req RebuildRequest
	if r.ContentLength != 0 && !s.decode(w, r, &req) {
		return
	}
	report, err := s.KPIs.Rebuild(r.Context(), req.UserIDs)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, report)
}

func (s *Server) AdminFreezeSweep(w http.ResponseWriter, r *http.Request) {
	if s.Scheduler == nil {
		WriteError(w, http.StatusServiceUnavailable, "Scheduler disabled")
		return
	}
	report, err := s.Scheduler.RunOnce(r.Context(), jobs.TriggerManual)
	if errors.Is(err, jobs.ErrLocked) {
		WriteError(w, http.StatusConflict, "Freeze sweep already running")
		return
	}
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if report.Errors == nil {
		report.Errors = []string{}
	}
	WriteJSON(w, http.StatusOK, report)
}

func (s *Server) AdminJobRuns(w http.ResponseWriter, r *http.Request) {
	job := r.URL.Query().Get("job")
	if job == "" {
		job = jobs.FreezeSweepJob
	}
	items, err := s.JobRuns.List(r.Context(), job, parseInt(r.URL.Query().Get("limit"), 50))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if items == nil {
		items = []services.JobRun{}
	}
	WriteJSON(w, http.StatusOK, JobRunsResponse{Items: items})
}
