package incidents

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"threatdesk/internal/auth"
)

type ListHandler struct {
	Service *Service
	Logger  *zap.Logger
}

func (h *ListHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if _, ok := auth.UserFromContext(r.Context()); !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	q := r.URL.Query()
	filter := ListFilter{
		SourceIP:   q.Get("source_ip"),
		ThreatType: q.Get("threat_type"),
	}
	if stage := q.Get("stage"); stage != "" {
		st, err := ParseStage(stage)
		if err != nil {
			writeError(w, h.Logger, err)
			return
		}
		filter.Stage = st
	}
	if sev := q.Get("severity"); sev != "" {
		filter.Severity = Severity(strings.ToUpper(sev))
	}
	if ro := q.Get("repeat_offender"); ro != "" {
		b, err := strconv.ParseBool(ro)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		filter.RepeatOffender = &b
	}
	if limitStr := q.Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil {
			filter.Limit = l
		}
	}

	incs, err := h.Service.List(r.Context(), filter)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, incs)
}

// DetailHandler serves GET /api/v1/incidents/{id} and
// PUT /api/v1/incidents/{id}/update-stage.
type DetailHandler struct {
	Service *Service
	Logger  *zap.Logger
}

func (h *DetailHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 4 || parts[3] == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	id := parts[3]

	switch {
	case len(parts) == 4 && r.Method == http.MethodGet:
		inc, err := h.Service.Get(r.Context(), id)
		if err != nil {
			writeError(w, h.Logger, err)
			return
		}
		writeJSON(w, http.StatusOK, inc)
	case len(parts) == 5 && parts[4] == "update-stage":
		if r.Method != http.MethodPut && r.Method != http.MethodPatch {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !user.Role.CanTriage() {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		h.updateStage(w, r, id, user)
	case len(parts) == 4:
		w.WriteHeader(http.StatusMethodNotAllowed)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *DetailHandler) updateStage(w http.ResponseWriter, r *http.Request, id string, user *auth.User) {
	var payload struct {
		NewStage string `json:"new_stage"`
		Notes    string `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.NewStage == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	inc, err := h.Service.Transition(r.Context(), id, payload.NewStage, payload.Notes)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	h.Logger.Info("stage updated via api",
		zap.String("incident_id", inc.ID),
		zap.String("stage", string(inc.Stage)),
		zap.String("user", user.Username),
	)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":  "Stage updated to " + string(inc.Stage),
		"incident": inc,
	})
}

type DetectHandler struct {
	Service *Service
	Logger  *zap.Logger
}

func (h *DetectHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	report, err := h.Service.RunDetection(r.Context())
	if err != nil {
		h.Logger.Error("detection run", zap.Error(err))
		status := http.StatusInternalServerError
		if errors.Is(err, ErrPersistenceUnavailable) {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]interface{}{"error": err.Error(), "report": report})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type SummaryHandler struct {
	Service *Service
	Logger  *zap.Logger
}

func (h *SummaryHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	sum, err := h.Service.Summary(r.Context())
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// StatusCode maps service errors onto HTTP status codes.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, ErrUnknownStage), errors.Is(err, ErrInvalidTransition):
		return http.StatusBadRequest
	case errors.Is(err, ErrIncidentNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrVersionConflict):
		return http.StatusConflict
	case errors.Is(err, ErrPersistenceUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	status := StatusCode(err)
	if status >= 500 {
		logger.Error("incident request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
