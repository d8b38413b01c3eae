package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terra-clan/cert-engine/internal/activities"
	"github.com/terra-clan/cert-engine/internal/auth"
	"github.com/terra-clan/cert-engine/internal/certificates"
	"github.com/terra-clan/cert-engine/internal/chain"
	"github.com/terra-clan/cert-engine/internal/chain/chaintest"
	"github.com/terra-clan/cert-engine/internal/config"
	"github.com/terra-clan/cert-engine/internal/events"
	"github.com/terra-clan/cert-engine/internal/metrics"
	"github.com/terra-clan/cert-engine/internal/mint"
	"github.com/terra-clan/cert-engine/internal/models"
	"github.com/terra-clan/cert-engine/internal/pinning"
	"github.com/terra-clan/cert-engine/internal/pinning/pinningtest"
	"github.com/terra-clan/cert-engine/internal/registry"
	"github.com/terra-clan/cert-engine/internal/storage"
	"github.com/terra-clan/cert-engine/internal/submissions"
	"github.com/terra-clan/cert-engine/internal/teams"
	"github.com/terra-clan/cert-engine/internal/templates"
)

const (
	testSecret = "test-secret"
	wallet     = "0x9fb29aac15b9a4b7f17c3385939b007540f4d791"
)

var (
	organizer   = &models.Identity{ID: "org-1", Email: "org@example.com", Name: "Grace", Role: models.RoleHackathonOrganizer}
	participant = &models.Identity{ID: "user-1", Email: "ada@example.com", Name: "Ada", Role: models.RoleParticipant}
	teammate    = &models.Identity{ID: "user-2", Email: "linus@example.com", Role: models.RoleParticipant}
)

type testEnv struct {
	server *Server
	repo   *storage.MemoryRepository
	chain  *chaintest.Chain
	hub    *events.Hub
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	repo := storage.NewMemoryRepository()
	fc := chaintest.New()
	fc.SetStatus(chain.StatusConfirmed)
	pub := pinningtest.New()
	m := metrics.New()
	mintCfg := config.MintConfig{
		ConfirmTimeout: 100 * time.Millisecond,
		PollInterval:   10 * time.Millisecond,
		LeaseTTL:       time.Minute,
	}

	loader := templates.NewLoader()
	orch := mint.NewOrchestrator(repo, loader, pub, fc, m, mint.Config{
		ConfirmTimeout: mintCfg.ConfirmTimeout,
		PollInterval:   mintCfg.PollInterval,
		LeaseTTL:       mintCfg.LeaseTTL,
	})

	pins := pinning.NewRegistry()
	pins.Register("memory", pub)
	hub := events.NewHub()

	server := NewServer(config.ServerConfig{AllowedOrigins: []string{"*"}}, mintCfg, Deps{
		Activities:  activities.NewService(repo),
		Registry:    registry.New(repo),
		Teams:       teams.NewService(repo, nil),
		Submissions: submissions.NewService(repo),
		Ledger:      certificates.NewLedger(repo, orch, nil),
		Templates:   loader,
		Repo:        repo,
		Pinning:     pins,
		Chain:       fc,
		Hub:         hub,
		Metrics:     m,
		Verifier:    auth.NewVerifier(testSecret, ""),
	})
	server.pollInterval = 20 * time.Millisecond

	return &testEnv{server: server, repo: repo, chain: fc, hub: hub}
}

func token(t *testing.T, id *models.Identity) string {
	t.Helper()
	tok, err := auth.NewToken(testSecret, "", time.Hour, id)
	require.NoError(t, err)
	return tok
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *apiError       `json:"error"`
}

func (e *testEnv) do(t *testing.T, caller *models.Identity, method, path string, body interface{}) (int, envelope) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if caller != nil {
		req.Header.Set("Authorization", "Bearer "+token(t, caller))
	}

	rec := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rec, req)

	var env envelope
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec.Code, env
}

func (e *testEnv) createActivity(t *testing.T) *models.Activity {
	t.Helper()
	now := time.Now().UTC()
	code, env := e.do(t, organizer, http.MethodPost, "/api/v1/activities", map[string]interface{}{
		"kind":          "hackathon",
		"title":         "Chain Hack",
		"start_at":      now.Add(-time.Hour),
		"end_at":        now.Add(24 * time.Hour),
		"max_team_size": 2,
	})
	require.Equal(t, http.StatusCreated, code, "%+v", env.Error)

	var a models.Activity
	require.NoError(t, json.Unmarshal(env.Data, &a))
	return &a
}

func TestAuthentication(t *testing.T) {
	e := newTestEnv(t)

	code, env := e.do(t, nil, http.MethodGet, "/api/v1/activities", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "MISSING_TOKEN", env.Error.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/activities", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "INVALID_TOKEN")
}

func TestHealthAndReady(t *testing.T) {
	e := newTestEnv(t)

	code, _ := e.do(t, nil, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, code)

	code, env := e.do(t, nil, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(env.Data), `"chain":"ok"`)

	rec := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "cert_engine_http_requests_total")
}

func TestCreateActivityRequiresOrganizerRole(t *testing.T) {
	e := newTestEnv(t)
	now := time.Now().UTC()

	code, env := e.do(t, participant, http.MethodPost, "/api/v1/activities", map[string]interface{}{
		"kind":     "hackathon",
		"title":    "Chain Hack",
		"start_at": now,
		"end_at":   now.Add(time.Hour),
	})
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "ROLE_NOT_ALLOWED", env.Error.Code)

	code, env = e.do(t, organizer, http.MethodPost, "/api/v1/activities", map[string]interface{}{
		"kind":     "hackathon",
		"title":    "Chain Hack",
		"start_at": now,
		"end_at":   now.Add(-time.Hour),
	})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)
}

func TestCertificateFlow(t *testing.T) {
	e := newTestEnv(t)
	a := e.createActivity(t)
	base := "/api/v1/activities/" + a.ID

	code, env := e.do(t, participant, http.MethodPost, base+"/register", nil)
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"registered":true}`, string(env.Data))

	code, env = e.do(t, participant, http.MethodPost, base+"/register", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "ALREADY_REGISTERED", env.Error.Code)

	code, env = e.do(t, participant, http.MethodPost, base+"/certificates", map[string]string{
		"participant_id": participant.ID, "certificate_type": "participation",
	})
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "NOT_ORGANIZER_OF_ACTIVITY", env.Error.Code)

	code, env = e.do(t, organizer, http.MethodPost, base+"/certificates", map[string]string{
		"participant_id": participant.ID, "certificate_type": "participation",
	})
	require.Equal(t, http.StatusOK, code)
	var cert models.CertificateRequest
	require.NoError(t, json.Unmarshal(env.Data, &cert))
	assert.Equal(t, models.CertificatePending, cert.Status)

	code, env = e.do(t, organizer, http.MethodPost, base+"/certificates", map[string]string{
		"participant_id": participant.ID, "certificate_type": "participation",
	})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "DUPLICATE_PENDING_REQUEST", env.Error.Code)

	code, env = e.do(t, participant, http.MethodGet, "/api/v1/certificates/pending", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(env.Data), cert.ID)

	code, env = e.do(t, participant, http.MethodPost, "/api/v1/certificates/"+cert.ID+"/accept", map[string]string{
		"wallet_address": "0x12",
	})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)

	code, env = e.do(t, teammate, http.MethodPost, "/api/v1/certificates/"+cert.ID+"/accept", map[string]string{
		"wallet_address": wallet,
	})
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "NOT_OWNER", env.Error.Code)

	code, env = e.do(t, participant, http.MethodPost, "/api/v1/certificates/"+cert.ID+"/accept", map[string]string{
		"wallet_address": wallet,
	})
	require.Equal(t, http.StatusOK, code, "%+v", env.Error)
	var result models.MintResult
	require.NoError(t, json.Unmarshal(env.Data, &result))
	assert.Equal(t, models.CertificateMinted, result.Status)
	assert.NotEmpty(t, result.TransactionHash)

	code, env = e.do(t, participant, http.MethodPost, "/api/v1/certificates/"+cert.ID+"/accept", map[string]string{
		"wallet_address": wallet,
	})
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "NOT_PENDING", env.Error.Code)

	code, _ = e.do(t, participant, http.MethodGet, "/api/v1/certificates/missing", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestRevertedMintAnswersConflict(t *testing.T) {
	e := newTestEnv(t)
	a := e.createActivity(t)
	_, err := e.repo.AddParticipant(context.Background(), a.ID, participant.ID, time.Now())
	require.NoError(t, err)

	_, env := e.do(t, organizer, http.MethodPost, "/api/v1/activities/"+a.ID+"/certificates", map[string]string{
		"participant_id": participant.ID, "certificate_type": "winner1",
	})
	var cert models.CertificateRequest
	require.NoError(t, json.Unmarshal(env.Data, &cert))

	e.chain.SetStatus(chain.StatusReverted)
	code, env := e.do(t, participant, http.MethodPost, "/api/v1/certificates/"+cert.ID+"/accept", map[string]string{
		"wallet_address": wallet,
	})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "MINT_REVERTED", env.Error.Code)

	code, env = e.do(t, participant, http.MethodPost, "/api/v1/certificates/"+cert.ID+"/resume", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "NOT_MINTING", env.Error.Code)
}

func TestTeamFlow(t *testing.T) {
	e := newTestEnv(t)
	a := e.createActivity(t)

	code, env := e.do(t, participant, http.MethodPost, "/api/v1/activities/"+a.ID+"/teams", map[string]string{"name": "Rustaceans"})
	require.Equal(t, http.StatusCreated, code, "%+v", env.Error)
	var team models.Team
	require.NoError(t, json.Unmarshal(env.Data, &team))

	code, env = e.do(t, teammate, http.MethodPost, "/api/v1/teams/"+team.ID+"/invite", map[string]string{"email": "x@example.com"})
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "NOT_LEADER", env.Error.Code)

	code, _ = e.do(t, participant, http.MethodPost, "/api/v1/teams/"+team.ID+"/invite", map[string]string{"email": "Linus@Example.com"})
	require.Equal(t, http.StatusOK, code)

	code, env = e.do(t, teammate, http.MethodGet, "/api/v1/team-invites", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(env.Data), team.ID)

	code, env = e.do(t, teammate, http.MethodPost, "/api/v1/team-invites/accept", map[string]string{"team_id": team.ID})
	require.Equal(t, http.StatusOK, code, "%+v", env.Error)

	code, env = e.do(t, participant, http.MethodPost, "/api/v1/teams/"+team.ID+"/invite", map[string]string{"email": "third@example.com"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "TEAM_FULL", env.Error.Code)

	code, env = e.do(t, participant, http.MethodDelete, "/api/v1/teams/"+team.ID+"/members/"+participant.ID, nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "CANNOT_REMOVE_LEADER", env.Error.Code)

	code, _ = e.do(t, participant, http.MethodDelete, "/api/v1/teams/"+team.ID+"/members/"+teammate.ID, nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestSubmissionFlow(t *testing.T) {
	e := newTestEnv(t)
	a := e.createActivity(t)
	path := "/api/v1/activities/" + a.ID + "/submissions"
	body := map[string]interface{}{
		"title":       "Ledger Lens",
		"project_url": "https://github.com/example/ledger-lens",
		"tech_stack":  []string{"Go", "Solidity"},
	}

	code, env := e.do(t, participant, http.MethodPost, path, body)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "PARTICIPANT_NOT_REGISTERED", env.Error.Code)

	code, _ = e.do(t, participant, http.MethodPost, "/api/v1/activities/"+a.ID+"/register", nil)
	require.Equal(t, http.StatusOK, code)

	code, env = e.do(t, participant, http.MethodGet, path+"/my", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, []string{"", "null"}, string(env.Data), "no submission yet")

	code, env = e.do(t, participant, http.MethodPost, path, map[string]interface{}{"title": "x", "project_url": "not a url"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, env.Error.Message, "project_url must be a valid URL")

	code, env = e.do(t, participant, http.MethodPost, path, body)
	require.Equal(t, http.StatusCreated, code, "%+v", env.Error)
	var first models.Submission
	require.NoError(t, json.Unmarshal(env.Data, &first))

	body["title"] = "Ledger Lens v2"
	code, env = e.do(t, participant, http.MethodPost, path, body)
	require.Equal(t, http.StatusOK, code, "%+v", env.Error)

	code, env = e.do(t, participant, http.MethodGet, path+"/my", nil)
	require.Equal(t, http.StatusOK, code)
	var mine models.Submission
	require.NoError(t, json.Unmarshal(env.Data, &mine))
	assert.Equal(t, first.ID, mine.ID)
	assert.Equal(t, "Ledger Lens v2", mine.Title)

	code, env = e.do(t, participant, http.MethodGet, path, nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, env = e.do(t, organizer, http.MethodGet, "/api/v1/organizer/submissions", nil)
	require.Equal(t, http.StatusOK, code)
	var listed struct {
		Submissions []models.Submission `json:"submissions"`
		Total       int                 `json:"total"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &listed))
	require.Equal(t, 1, listed.Total)
	assert.Equal(t, "Chain Hack", listed.Submissions[0].ActivityTitle)

	code, env = e.do(t, organizer, http.MethodGet, "/api/v1/organizer/participants/eligible", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(env.Data), participant.ID)

	code, env = e.do(t, participant, http.MethodGet, "/api/v1/activities/missing/submissions/my", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "ACTIVITY_NOT_FOUND", env.Error.Code)
}

func TestSubmissionAfterDeadline(t *testing.T) {
	e := newTestEnv(t)
	now := time.Now().UTC()
	code, env := e.do(t, organizer, http.MethodPost, "/api/v1/activities", map[string]interface{}{
		"kind":                "hackathon",
		"title":               "Closed Hack",
		"start_at":            now.Add(-2 * time.Hour),
		"end_at":              now.Add(time.Hour),
		"submission_deadline": now.Add(-time.Minute),
	})
	require.Equal(t, http.StatusCreated, code, "%+v", env.Error)
	var a models.Activity
	require.NoError(t, json.Unmarshal(env.Data, &a))

	code, _ = e.do(t, participant, http.MethodPost, "/api/v1/activities/"+a.ID+"/register", nil)
	require.Equal(t, http.StatusOK, code)

	code, env = e.do(t, participant, http.MethodPost, "/api/v1/activities/"+a.ID+"/submissions", map[string]interface{}{
		"title":       "Too Late",
		"project_url": "https://github.com/example/late",
	})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "SUBMISSION_CLOSED", env.Error.Code)
}

func TestTemplatePreview(t *testing.T) {
	e := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/templates/preview?kind=internship&type=completion", nil)
	req.Header.Set("Authorization", "Bearer "+token(t, participant))
	rec := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/svg+xml", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "Ada")

	code, env := e.do(t, participant, http.MethodGet, "/api/v1/templates/preview?kind=internship&type=winner1", nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "INVALID_CERTIFICATE_TYPE", env.Error.Code)
}

func TestCertificateEventStream(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	a := e.createActivity(t)
	_, err := e.repo.AddParticipant(ctx, a.ID, participant.ID, time.Now())
	require.NoError(t, err)

	_, env := e.do(t, organizer, http.MethodPost, "/api/v1/activities/"+a.ID+"/certificates", map[string]string{
		"participant_id": participant.ID, "certificate_type": "participation",
	})
	var cert models.CertificateRequest
	require.NoError(t, json.Unmarshal(env.Data, &cert))

	srv := httptest.NewServer(e.server.Router())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/certificates/" + cert.ID + "/events?access_token=" + token(t, participant)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var snapshot EventMessage
	require.NoError(t, conn.ReadJSON(&snapshot))
	assert.Equal(t, "snapshot", snapshot.Type)
	assert.Equal(t, models.CertificatePending, snapshot.Certificate.Status)

	require.Eventually(t, func() bool { return e.hub.Subscribers(cert.ID) == 1 }, time.Second, 10*time.Millisecond)
	e.hub.Publish(models.CertificateEvent{RequestID: cert.ID, Status: models.CertificateMinted, TransactionHash: "0xabc"})

	var status EventMessage
	require.NoError(t, conn.ReadJSON(&status))
	assert.Equal(t, "status", status.Type)
	assert.Equal(t, models.CertificateMinted, status.Event.Status)

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		err  *models.Error
		want int
	}{
		{models.ErrInvalidInput, http.StatusBadRequest},
		{models.ErrTeamFull, http.StatusBadRequest},
		{models.ErrNotPending, http.StatusNotFound},
		{models.ErrMintInProgress, http.StatusConflict},
		{models.ErrRequestNotFound, http.StatusNotFound},
		{models.ErrNotOwner, http.StatusForbidden},
		{models.ErrRateLimited, http.StatusTooManyRequests},
		{models.ErrExternalDependency, http.StatusBadGateway},
		{models.ErrMintReverted, http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.err.Code, func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}
