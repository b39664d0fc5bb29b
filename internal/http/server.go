package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"

	"simonkey-backend-go/internal/config"
	"simonkey-backend-go/internal/docstore"
	"simonkey-backend-go/internal/jobs"
	"simonkey-backend-go/internal/logging"
	"simonkey-backend-go/internal/models"
	"simonkey-backend-go/internal/services"
)

type Server struct {
	Config      config.Config
	Tokens      services.TokenService
	KPIs        *services.KPIService
	Enrollments *services.Enrollments
	JobRuns     *services.JobRuns
	Scheduler   *jobs.Scheduler
	Hub         *services.KPIHub
	Logger      logging.Logger
	validate    *validator.Validate
}

func NewServer(cfg config.Config, store docstore.Store, kpis *services.KPIService, runs *services.JobRuns, scheduler *jobs.Scheduler, logger logging.Logger) *Server {
	if logger == nil {
		logger = logging.Discard
	}
	tokens := services.TokenService{
		Secret:    []byte(cfg.JWTSecret),
		Issuer:    cfg.JWTIssuer,
		AccessTTL: cfg.AccessTTL,
	}
	return &Server{
		Config:      cfg,
		Tokens:      tokens,
		KPIs:        kpis,
		Enrollments: &services.Enrollments{Store: store, Logger: logger},
		JobRuns:     runs,
		Scheduler:   scheduler,
		Hub:         kpis.Hub,
		Logger:      logger,
		validate:    validator.New(),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestLogger(s.Logger))
	if len(s.Config.CorsOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.Config.CorsOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	r.Get("/health", s.Health)

	r.Route("/api", func(api chi.Router) {
		api.Use(WithAuth(s.Tokens))

		api.Route("/kpis/me", func(me chi.Router) {
			me.Get("/", s.MyKPIs)
			me.Post("/refresh", s.RefreshMyKPIs)
		})

		api.Route("/teacher", func(teacher chi.Router) {
			teacher.Use(RequireRole(models.RoleTeacher))
			teacher.Get("/kpis", s.TeacherKPIs)
			teacher.Post("/kpis/refresh", s.RefreshTeacherKPIs)
			teacher.Put("/enrollments/{enrollmentId}", s.SetEnrollmentStatus)
		})

		api.Route("/student/enrollments", func(enrollments chi.Router) {
			enrollments.Use(RequireRole(models.RoleStudent))
			enrollments.Get("/", s.ListEnrollments)
			enrollments.Post("/", s.JoinSubject)
		})
	})

	r.Route("/admin", func(admin chi.Router) {
		admin.Use(RequireAdminToken(s.Config.AdminAPIToken))
		admin.Post("/kpis/users/{userId}/refresh", s.AdminRefreshUser)
		admin.Post("/kpis/teachers/{teacherId}/refresh", s.AdminRefreshTeacher)
		admin.Post("/kpis/rebuild", s.AdminRebuild)
		admin.Post("/jobs/freeze-sweep", s.AdminFreezeSweep)
		admin.Get("/jobs/runs", s.AdminJobRuns)
	})

	r.Get("/ws/kpis", s.KPISocket)
	return r
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
