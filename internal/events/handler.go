package events

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"threatdesk/internal/auth"
	"threatdesk/internal/metrics"
)

const maxIngestBody = 8 << 20

// IngestHandler accepts a single event object or a JSON array of events.
type IngestHandler struct {
	Store       Repository
	Logger      *zap.Logger
	IngestToken string
}

func (h *IngestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.IngestToken != "" {
		if r.Header.Get("X-Api-Key") != h.IngestToken {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxIngestBody))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	var batch []Event
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		err = json.Unmarshal(trimmed, &batch)
	} else {
		var e Event
		err = json.Unmarshal(trimmed, &e)
		batch = []Event{e}
	}
	if err != nil || len(batch) == 0 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	for i := range batch {
		if batch[i].EventType == "" || batch[i].SourceIP == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
	}

	ids := make([]string, 0, len(batch))
	for i := range batch {
		e := &batch[i]
		if err := h.Store.Insert(r.Context(), e); err != nil {
			h.Logger.Error("insert event", zap.Error(err), zap.Int("accepted", len(ids)))
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		metrics.EventsIngested.WithLabelValues(e.EventType).Inc()
		ids = append(ids, e.ID)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if len(ids) == 1 {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"id": ids[0]})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"ids": ids, "count": len(ids)})
}

type QueryHandler struct {
	Store  Repository
	Logger *zap.Logger
}

func (h *QueryHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	// Authentication is handled by middleware; we just ensure it ran.
	if _, ok := auth.UserFromContext(r.Context()); !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	q := r.URL.Query()
	filter := Filter{
		EventType: q.Get("event_type"),
		SourceIP:  q.Get("source_ip"),
		User:      q.Get("user"),
		Status:    q.Get("status"),
		Tag:       q.Get("tag"),
	}
	if sev := q.Get("severity"); sev != "" {
		filter.Severity = Severity(sev)
	}
	if sinceStr := q.Get("since"); sinceStr != "" {
		if t, err := time.Parse(time.RFC3339, sinceStr); err == nil {
			filter.Since = t
		}
	}
	if untilStr := q.Get("until"); untilStr != "" {
		if t, err := time.Parse(time.RFC3339, untilStr); err == nil {
			filter.Until = t
		}
	}
	if limitStr := q.Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil {
			filter.Limit = l
		}
	}

	events, err := h.Store.List(r.Context(), filter)
	if err != nil {
		h.Logger.Error("list events", zap.Error(err))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(events)
}
