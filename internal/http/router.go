package httpserver

import (
	"log"
	"net/http"

	"github.com/iago/jyotish-reports/internal/http/handlers"
	"github.com/iago/jyotish-reports/internal/http/middleware"
)

type RouterDependencies struct {
	API            *handlers.API
	Metrics        http.Handler
	Logger         *log.Logger
	AuthToken      string
	CORSOrigins    []string
	RateLimitRPS   float64
	RateLimitBurst int
}

func NewRouter(deps RouterDependencies) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", deps.API.Health)
	if deps.Metrics != nil {
		mux.Handle("GET /metrics", deps.Metrics)
	}

	mux.HandleFunc("GET /v1/report-types", deps.API.ListReportTypes)
	mux.HandleFunc("GET /v1/models", deps.API.ListModels)
	mux.HandleFunc("POST /v1/reports", deps.API.CreateReport)
	mux.HandleFunc("GET /v1/reports/{id}", deps.API.GetReport)
	mux.HandleFunc("POST /v1/reports/{id}/regenerate", deps.API.RegenerateReport)
	mux.HandleFunc("PUT /v1/reports/{id}/favorite", deps.API.SetFavorite)

	mux.HandleFunc("PUT /v1/profiles/{id}", deps.API.PutProfile)
	mux.HandleFunc("GET /v1/profiles/{id}", deps.API.GetProfile)
	mux.HandleFunc("GET /v1/profiles/{id}/reports", deps.API.ListProfileReports)
	mux.HandleFunc("POST /v1/profiles/{id}/alerts", deps.API.RequestAlerts)
	mux.HandleFunc("GET /v1/profiles/{id}/alerts", deps.API.ListAlerts)

	handler := http.Handler(mux)
	handler = middleware.Auth(deps.AuthToken)(handler)
	handler = middleware.RateLimit(deps.RateLimitRPS, deps.RateLimitBurst)(handler)
	handler = middleware.CORS(middleware.CORSConfig{
		AllowedOrigins: deps.CORSOrigins,
	})(handler)
	handler = middleware.Trace(deps.Logger)(handler)
	handler = middleware.RequestID(handler)

	return handler
}
