package httpserver

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"threatdesk/internal/auth"
	"threatdesk/internal/events"
	"threatdesk/internal/incidents"
)

type Deps struct {
	Logger      *zap.Logger
	Auth        *auth.Service
	Events      events.Repository
	Incidents   *incidents.Service
	IngestToken string
}

func NewRouter(d Deps) http.Handler {
	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	mux.Handle("/metrics", promhttp.Handler())

	// Auth
	mux.Handle("/api/v1/auth/login", instrument("login", loginHandler(d.Auth, d.Logger)))

	// Events
	ingestHandler := &events.IngestHandler{
		Store:       d.Events,
		Logger:      d.Logger,
		IngestToken: d.IngestToken,
	}
	mux.Handle("/api/v1/ingest/events", instrument("ingest", ingestHandler))

	queryHandler := &events.QueryHandler{
		Store:  d.Events,
		Logger: d.Logger,
	}

	secured := auth.JWTMiddleware(d.Auth)
	mux.Handle("/api/v1/events", instrument("events", secured(queryHandler)))

	// Detection and incidents
	detectHandler := &incidents.DetectHandler{Service: d.Incidents, Logger: d.Logger}
	mux.Handle("/api/v1/detections/run", instrument("detect",
		secured(auth.RequireRole(detectHandler, auth.TriageRoles...))))

	listHandler := &incidents.ListHandler{Service: d.Incidents, Logger: d.Logger}
	detailHandler := &incidents.DetailHandler{Service: d.Incidents, Logger: d.Logger}
	summaryHandler := &incidents.SummaryHandler{Service: d.Incidents, Logger: d.Logger}
	mux.Handle("/api/v1/incidents", instrument("incidents", secured(listHandler)))
	mux.Handle("/api/v1/incidents/", instrument("incident", secured(detailHandler)))
	mux.Handle("/api/v1/summary", instrument("summary", secured(summaryHandler)))

	// CORS wrapper (simple, for local UI/tools).
	return withCORS(mux)
}

func loginHandler(svc *auth.Service, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var creds struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&creds); err != nil || creds.Username == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		session, err := svc.Authenticate(r.Context(), creds.Username, creds.Password)
		if err != nil {
			logger.Info("login rejected", zap.String("username", creds.Username), zap.Error(err))
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"token":      session.Token,
			"expires_at": session.ExpiresAt,
			"user":       session.User,
		})
	})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Api-Key")
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
