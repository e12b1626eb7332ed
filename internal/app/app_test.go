package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"threatdesk/internal/config"
	"threatdesk/internal/incidents"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	users := filepath.Join(dir, "users.yaml")
	require.NoError(t, os.WriteFile(users, []byte(`users:
  - username: ana
    password: analyst123
    role: analyst
  - username: viewer
    password: viewer123
    role: read_only
`), 0o600))
	return config.Config{
		Store: config.StoreConfig{Driver: "badger", BadgerPath: filepath.Join(dir, "db")},
		Auth:  config.AuthConfig{UsersPath: users, JWTSecret: "test-secret", IngestToken: "ingest"},
		Correlation: config.CorrelationConfig{
			DuplicateWindow:  10 * time.Minute,
			EscalationWindow: 30 * time.Minute,
			RepeatThreshold:  3,
		},
		Detection: config.DetectionConfig{
			RulesPath:    filepath.Join("..", "..", "config", "rules.yaml"),
			SigmaPath:    filepath.Join("..", "..", "config", "sigma"),
			Lookback:     time.Hour,
			MinRiskScore: 50,
		},
		Enrichment: config.EnrichmentConfig{Timeout: time.Second, AnalysisMinRisk: 80},
	}
}

type client struct {
	t       *testing.T
	handler http.Handler
}

func (c client) do(method, path, token string, body interface{}) *httptest.ResponseRecorder {
	c.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(c.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("X-Api-Key", "ingest")
	rec := httptest.NewRecorder()
	c.handler.ServeHTTP(rec, req)
	return rec
}

func (c client) login(user, pw string) string {
	c.t.Helper()
	rec := c.do(http.MethodPost, "/api/v1/auth/login", "", map[string]string{"username": user, "password": pw})
	require.Equal(c.t, http.StatusOK, rec.Code)
	var out struct {
		Token     string                 `json:"token"`
		ExpiresAt time.Time              `json:"expires_at"`
		User      map[string]interface{} `json:"user"`
	}
	require.NoError(c.t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.True(c.t, out.ExpiresAt.After(time.Now()))
	_, leaked := out.User["password_hash"]
	assert.False(c.t, leaked)
	return out.Token
}

func TestEndToEndDetectionAndLifecycle(t *testing.T) {
	a, err := New(context.Background(), testConfig(t), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	c := client{t: t, handler: a.Handler()}

	assert.Equal(t, http.StatusOK, c.do(http.MethodGet, "/healthz", "", nil).Code)

	analyst := c.login("ana", "analyst123")
	viewer := c.login("viewer", "viewer123")
	assert.Equal(t, http.StatusUnauthorized,
		c.do(http.MethodPost, "/api/v1/auth/login", "", map[string]string{"username": "ana", "password": "nope"}).Code)

	rec := c.do(http.MethodPost, "/api/v1/detections/run", analyst, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), string(incidents.OutcomeNoThreat))

	batch := make([]map[string]string, 0, 60)
	for i := 0; i < 60; i++ {
		batch = append(batch, map[string]string{
			"event_type": "login_attempt",
			"source_ip":  "203.0.113.7",
			"user":       fmt.Sprintf("user%d", i%4),
			"status":     "FAILED",
		})
	}
	require.Equal(t, http.StatusCreated, c.do(http.MethodPost, "/api/v1/ingest/events", "", batch).Code)

	assert.Equal(t, http.StatusForbidden, c.do(http.MethodPost, "/api/v1/detections/run", viewer, nil).Code)

	rec = c.do(http.MethodPost, "/api/v1/detections/run", analyst, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var report incidents.RunReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	require.Equal(t, 1, report.Created)
	created := report.Results[0]
	assert.Equal(t, "BRUTE_FORCE", created.Threat.ThreatType)
	assert.Equal(t, incidents.SeverityMedium, created.Severity)

	rec = c.do(http.MethodPost, "/api/v1/detections/run", analyst, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, incidents.OutcomeSuppressed, report.Outcome)

	rec = c.do(http.MethodGet, "/api/v1/incidents?threat_type=brute_force", viewer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []incidents.Incident
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	inc := list[0]
	assert.Equal(t, created.IncidentID, inc.ID)
	assert.Equal(t, "T1110", inc.Mitre.Technique)
	assert.Equal(t, incidents.StageOpen, inc.Stage)

	path := "/api/v1/incidents/" + inc.ID + "/update-stage"
	assert.Equal(t, http.StatusForbidden, c.do(http.MethodPut, path, viewer, map[string]string{"new_stage": "INVESTIGATING"}).Code)
	rec = c.do(http.MethodPut, path, analyst, map[string]string{"new_stage": "RESOLVED"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "allowed: INVESTIGATING, FALSE_POSITIVE")
	assert.Equal(t, http.StatusBadRequest, c.do(http.MethodPut, path, analyst, map[string]string{"new_stage": "DONE"}).Code)
	assert.Equal(t, http.StatusNotFound,
		c.do(http.MethodPut, "/api/v1/incidents/missing/update-stage", analyst, map[string]string{"new_stage": "INVESTIGATING"}).Code)

	rec = c.do(http.MethodPut, path, analyst, map[string]string{"new_stage": "INVESTIGATING", "notes": "triage"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Stage updated to INVESTIGATING")

	rec = c.do(http.MethodGet, "/api/v1/incidents/"+inc.ID, viewer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got incidents.Incident
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, incidents.StageInvestigating, got.Stage)
	require.Len(t, got.History, 2)
	assert.Equal(t, "triage", got.History[1].Notes)
	// Reasoning is not configured, so the stage change lands without a payload.
	assert.Nil(t, got.DeepInvestigation)

	rec = c.do(http.MethodGet, "/api/v1/summary", viewer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var sum incidents.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sum))
	assert.Equal(t, 1, sum.TotalIncidents)

	rec = c.do(http.MethodGet, "/api/v1/events?source_ip=203.0.113.7&limit=5", viewer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var evs []map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &evs))
	assert.Len(t, evs, 5)

	rec = c.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "threatdesk_detections_total"))

	rec = c.do(http.MethodOptions, "/api/v1/incidents", "", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestNewRejectsBadRules(t *testing.T) {
	cfg := testConfig(t)
	cfg.Detection.RulesPath = filepath.Join(t.TempDir(), "missing.yaml")
	_, err := New(context.Background(), cfg, zaptest.NewLogger(t))
	assert.Error(t, err)
}
