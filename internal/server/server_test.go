package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engagehq/engage/internal/auth"
	"github.com/engagehq/engage/internal/model"
	"github.com/engagehq/engage/internal/session"
)

// stubEngine records calls and returns canned results.
type stubEngine struct {
	session    *model.Session
	snapshot   model.SessionSnapshot
	messages   []model.Message
	err        error
	lastCaller session.Caller
	deleted    []uuid.UUID
}

func (s *stubEngine) Start(_ context.Context, _, _ string) (*model.Session, string, error) {
	if s.err != nil {
		return nil, "", s.err
	}
	return s.session, "resume-token", nil
}

func (s *stubEngine) PostMessage(_ context.Context, _ uuid.UUID, caller session.Caller, _ model.PostMessageRequest) (model.SessionSnapshot, error) {
	s.lastCaller = caller
	return s.snapshot, s.err
}

func (s *stubEngine) CompleteLogin(_ context.Context, _ uuid.UUID, subject string) (model.SessionSnapshot, error) {
	s.lastCaller = session.Caller{Subject: subject}
	return s.snapshot, s.err
}

func (s *stubEngine) RecordGoalEvidence(_ context.Context, _ uuid.UUID, _ string, _ bool) (model.SessionSnapshot, error) {
	return s.snapshot, s.err
}

func (s *stubEngine) Get(_ context.Context, _ uuid.UUID, caller session.Caller) (*model.Session, error) {
	s.lastCaller = caller
	if s.err != nil {
		return nil, s.err
	}
	return s.session, nil
}

func (s *stubEngine) Messages(context.Context, uuid.UUID, session.Caller) ([]model.Message, error) {
	return s.messages, s.err
}

func (s *stubEngine) AdminDelete(_ context.Context, id uuid.UUID, _ string) error {
	s.deleted = append(s.deleted, id)
	return s.err
}

func (s *stubEngine) RemoveGoal(context.Context, uuid.UUID, string) (model.SessionSnapshot, error) {
	return s.snapshot, s.err
}

func (s *stubEngine) Assign(context.Context, uuid.UUID, string) error {
	return s.err
}

func testSession(tenantID uuid.UUID) *model.Session {
	return &model.Session{
		ID:             uuid.New(),
		TenantID:       tenantID,
		Phase:          model.PhasePreLogin,
		IdentityFields: model.IdentityFields{},
		Conflict:       model.ConflictState{Status: model.ConflictPending},
	}
}

func newTestServer(t *testing.T, eng SessionEngine) (*Server, *auth.JWTManager) {
	t.Helper()
	jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New(ServerConfig{
		Handlers: HandlersDeps{
			Engine:              eng,
			Logger:              logger,
			Version:             "test",
			MaxRequestBodyBytes: 1 << 20,
		},
		JWTMgr: jwtMgr,
		Logger: logger,
	})
	return srv, jwtMgr
}

func bearer(t *testing.T, jwtMgr *auth.JWTManager, subject string, tenantID uuid.UUID, role model.Role) string {
	t.Helper()
	token, _, err := jwtMgr.IssueToken(subject, tenantID, role)
	require.NoError(t, err)
	return "Bearer " + token
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestStartSessionRoute(t *testing.T) {
	tenantID := uuid.New()
	eng := &stubEngine{session: testSession(tenantID)}
	srv, _ := newTestServer(t, eng)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/sessions",
		model.StartSessionRequest{TenantSlug: "acme"}, nil)

	require.Equal(t, http.StatusCreated, rec.Code)
	var resp struct {
		Data model.StartSessionResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "resume-token", resp.Data.ResumeToken)
	assert.Equal(t, model.PhasePreLogin, resp.Data.Session.Phase)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestStartSessionValidatesBody(t *testing.T) {
	srv, _ := newTestServer(t, &stubEngine{})

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/sessions",
		model.StartSessionRequest{}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), model.ErrCodeInvalidInput)
}

func TestPostMessagePassesResumeToken(t *testing.T) {
	eng := &stubEngine{snapshot: model.SessionSnapshot{Phase: model.PhasePreLogin}}
	srv, _ := newTestServer(t, eng)

	rec := doJSON(t, srv.Handler(), http.MethodPost,
		"/v1/sessions/"+uuid.NewString()+"/messages",
		model.PostMessageRequest{Text: "hello"},
		map[string]string{HeaderResumeToken: "tok-123"})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "tok-123", eng.lastCaller.ResumeToken)
	assert.Empty(t, eng.lastCaller.Subject)
}

func TestPostMessagePassesSubject(t *testing.T) {
	tenantID := uuid.New()
	eng := &stubEngine{snapshot: model.SessionSnapshot{Phase: model.PhaseSecured}}
	srv, jwtMgr := newTestServer(t, eng)

	rec := doJSON(t, srv.Handler(), http.MethodPost,
		"/v1/sessions/"+uuid.NewString()+"/messages",
		model.PostMessageRequest{Text: "hello"},
		map[string]string{"Authorization": bearer(t, jwtMgr, "auth0|jane", tenantID, model.RoleVisitor)})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "auth0|jane", eng.lastCaller.Subject)
	assert.Equal(t, model.RoleVisitor, eng.lastCaller.Role)
}

func TestCommandErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"forbidden", model.ErrForbidden(), http.StatusForbidden},
		{"not found", model.ErrSessionNotFound(), http.StatusNotFound},
		{"invalid state", model.ErrInvalidState("session is completed"), http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newTestServer(t, &stubEngine{err: tt.err})
			rec := doJSON(t, srv.Handler(), http.MethodPost,
				"/v1/sessions/"+uuid.NewString()+"/messages",
				model.PostMessageRequest{Text: "hello"}, nil)
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestCompleteLoginRequiresAuth(t *testing.T) {
	srv, _ := newTestServer(t, &stubEngine{})

	rec := doJSON(t, srv.Handler(), http.MethodPost,
		"/v1/sessions/"+uuid.NewString()+"/login", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), model.ErrCodeUnauthorized)
}

func TestCompleteLoginUsesTokenSubject(t *testing.T) {
	tenantID := uuid.New()
	eng := &stubEngine{snapshot: model.SessionSnapshot{Phase: model.PhaseSecured}}
	srv, jwtMgr := newTestServer(t, eng)

	rec := doJSON(t, srv.Handler(), http.MethodPost,
		"/v1/sessions/"+uuid.NewString()+"/login", nil,
		map[string]string{"Authorization": bearer(t, jwtMgr, "auth0|jane", tenantID, model.RoleVisitor)})

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "auth0|jane", eng.lastCaller.Subject)
}

func TestEvidenceRequiresServiceRole(t *testing.T) {
	tenantID := uuid.New()
	eng := &stubEngine{snapshot: model.SessionSnapshot{}}
	srv, jwtMgr := newTestServer(t, eng)
	path := "/v1/sessions/" + uuid.NewString() + "/goals/custody_details/evidence"

	rec := doJSON(t, srv.Handler(), http.MethodPost, path,
		model.GoalEvidenceRequest{EvidenceFound: true},
		map[string]string{"Authorization": bearer(t, jwtMgr, "auth0|jane", tenantID, model.RoleVisitor)})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, srv.Handler(), http.MethodPost, path,
		model.GoalEvidenceRequest{EvidenceFound: true},
		map[string]string{"Authorization": bearer(t, jwtMgr, "svc", tenantID, model.RoleService)})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminDeleteEnforcesTenantScope(t *testing.T) {
	sessionTenant := uuid.New()
	eng := &stubEngine{session: testSession(sessionTenant)}
	srv, jwtMgr := newTestServer(t, eng)
	path := "/v1/sessions/" + eng.session.ID.String()

	// Admin of a different tenant sees NOT_FOUND, not FORBIDDEN.
	rec := doJSON(t, srv.Handler(), http.MethodDelete, path, nil,
		map[string]string{"Authorization": bearer(t, jwtMgr, "other-admin", uuid.New(), model.RoleAdmin)})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, eng.deleted)

	rec = doJSON(t, srv.Handler(), http.MethodDelete, path, nil,
		map[string]string{"Authorization": bearer(t, jwtMgr, "admin", sessionTenant, model.RoleAdmin)})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, eng.deleted, 1)
}

func TestAdminRoutesRejectStaff(t *testing.T) {
	tenantID := uuid.New()
	eng := &stubEngine{session: testSession(tenantID)}
	srv, jwtMgr := newTestServer(t, eng)
	staffAuth := map[string]string{"Authorization": bearer(t, jwtMgr, "staff", tenantID, model.RoleStaff)}

	for _, route := range []struct{ method, path string }{
		{http.MethodDelete, "/v1/sessions/" + uuid.NewString()},
		{http.MethodDelete, "/v1/sessions/" + uuid.NewString() + "/goals/g1"},
		{http.MethodPost, "/v1/reconcile"},
		{http.MethodPost, "/v1/tenants"},
		{http.MethodDelete, "/v1/conflicts/entries/" + uuid.NewString()},
	} {
		rec := doJSON(t, srv.Handler(), route.method, route.path, nil, staffAuth)
		assert.Equal(t, http.StatusForbidden, rec.Code, "%s %s", route.method, route.path)
	}
}

func TestInvalidBearerRejected(t *testing.T) {
	srv, _ := newTestServer(t, &stubEngine{})

	rec := doJSON(t, srv.Handler(), http.MethodPost,
		"/v1/sessions/"+uuid.NewString()+"/login", nil,
		map[string]string{"Authorization": "Bearer garbage"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSecurityHeaders(t *testing.T) {
	srv, _ := newTestServer(t, &stubEngine{session: testSession(uuid.New())})

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/v1/sessions",
		model.StartSessionRequest{TenantSlug: "acme"}, nil)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestBrokerTenantScoping(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := NewBroker(nil, logger)

	tenantA := uuid.New()
	tenantB := uuid.New()
	chA := b.Subscribe(tenantA)
	chB := b.Subscribe(tenantB)
	defer b.Unsubscribe(chA)
	defer b.Unsubscribe(chB)

	row := model.IndexRow{TenantID: tenantA, SessionID: uuid.New()}
	payload, err := json.Marshal(row)
	require.NoError(t, err)
	b.broadcast("engage_sessions", string(payload))

	select {
	case event := <-chA:
		assert.Contains(t, string(event), "event: engage_sessions")
		assert.Contains(t, string(event), tenantA.String())
	default:
		t.Fatal("tenant A subscriber should have received the event")
	}

	select {
	case <-chB:
		t.Fatal("tenant B subscriber must not see tenant A events")
	default:
	}
}
