package web

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ssuji15/codemod-run/internal/config"
	authservice "github.com/ssuji15/codemod-run/internal/service/auth_service"
	jobservice "github.com/ssuji15/codemod-run/internal/service/job_service"
	"github.com/ssuji15/codemod-run/internal/web/middleware"
)

type Server struct {
	router     chi.Router
	cfg        *config.ServerConfig
	jobService *jobservice.JobService
	auth       authservice.Authenticator
}

func NewServer(cfg *config.ServerConfig, js *jobservice.JobService, auth authservice.Authenticator) *Server {
	s := &Server{
		router:     chi.NewRouter(),
		cfg:        cfg,
		jobService: js,
		auth:       auth,
	}

	s.routes()
	return s
}

// Router returns the instrumented handler to serve.
func (s *Server) Router() http.Handler {
	return otelhttp.NewHandler(s.router, "run_server")
}

func (s *Server) routes() {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimw.Recoverer)
	r.Use(middleware.CORS(s.cfg.CORS_ALLOWED_ORIGINS))
	r.Use(middleware.RateLimit(s.cfg.RATE_LIMIT_PER_MINUTE, time.Minute))
	r.Use(middleware.NewLimiter(s.cfg.REQUEST_QUEUE_SIZE, s.cfg.MAX_INFLIGHT_REQUESTS).Limit)
	r.Use(chimw.Timeout(60 * time.Second))

	r.Get("/", s.handleRoot)
	r.Get("/version", s.handleVersion)

	r.Route("/codemodRun", func(r chi.Router) {
		r.Use(middleware.Auth(s.auth))
		r.Post("/", s.handleSubmitRun)
		r.Get("/status/{jobIds}", s.handleGetStatus)
		r.Get("/output/{jobIds}", s.handleGetOutput)
	})
}
