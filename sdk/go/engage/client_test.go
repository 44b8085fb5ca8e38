package engage

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewClient(Config{BaseURL: srv.URL, Token: "test-token"})
	require.NoError(t, err)
	return client
}

func envelope(data any) map[string]any {
	return map[string]any{"data": data}
}

func TestStartSession(t *testing.T) {
	sessionID := uuid.New()
	tenantID := uuid.New()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/sessions", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "acme-law", body["tenant_slug"])
		assert.Equal(t, "family", body["practice_area"])

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(envelope(StartSessionResponse{
			Session: SessionSnapshot{
				SessionID:      sessionID,
				TenantID:       tenantID,
				Phase:          PhasePreLogin,
				ConflictStatus: ConflictPending,
				LastActivityAt: time.Now().UTC(),
			},
			ResumeToken: "rt_secret",
		}))
	})

	resp, err := client.StartSession(context.Background(), "acme-law", "family")
	require.NoError(t, err)
	assert.Equal(t, sessionID, resp.Session.SessionID)
	assert.Equal(t, PhasePreLogin, resp.Session.Phase)
	assert.Equal(t, "rt_secret", resp.ResumeToken)
}

func TestPostMessageSendsResumeToken(t *testing.T) {
	sessionID := uuid.New()

	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/sessions/"+sessionID.String()+"/messages", r.URL.Path)
		assert.Equal(t, "rt_secret", r.Header.Get("X-Resume-Token"))

		var req PostMessageRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "my name is Dana Reeves", req.Text)
		assert.Equal(t, "Dana Reeves", req.Fields["name"])

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(envelope(SessionSnapshot{
			SessionID: sessionID,
			Phase:     PhasePreLogin,
			PreLoginGoals: PreLoginGoals{
				UserIdentification: true,
			},
		}))
	})

	snap, err := client.PostMessage(context.Background(), sessionID, "rt_secret", PostMessageRequest{
		Text:   "my name is Dana Reeves",
		Fields: map[string]string{"name": "Dana Reeves"},
	})
	require.NoError(t, err)
	assert.True(t, snap.PreLoginGoals.UserIdentification)
}

func TestErrorMapping(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{
				"code":    "INVALID_STATE",
				"message": "session is completed",
			},
		})
	})

	_, err := client.PostMessage(context.Background(), uuid.New(), "rt", PostMessageRequest{Text: "hi"})
	require.Error(t, err)
	assert.True(t, IsInvalidState(err))
	assert.False(t, IsNotFound(err))

	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "INVALID_STATE", apiErr.Code)
	assert.Equal(t, "session is completed", apiErr.Message)
}

func TestErrorMappingNonEnvelopeBody(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream timeout"))
	})

	_, err := client.Health(context.Background())
	require.Error(t, err)

	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, "upstream timeout", apiErr.Message)
}

func TestListSessions(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/sessions", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "secured", q.Get("phase"))
		assert.Equal(t, "clear", q.Get("conflict"))
		assert.Equal(t, "10", q.Get("limit"))
		assert.Empty(t, q.Get("include_deleted"))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []IndexRow{
				{SessionID: uuid.New(), Phase: PhaseSecured, ConflictStatus: ConflictClear},
				{SessionID: uuid.New(), Phase: PhaseSecured, ConflictStatus: ConflictClear},
			},
			"total":    12,
			"has_more": true,
		})
	})

	list, err := client.ListSessions(context.Background(), &ListOptions{
		Phase:          PhaseSecured,
		ConflictStatus: ConflictClear,
		Limit:          10,
	})
	require.NoError(t, err)
	assert.Len(t, list.Sessions, 2)
	assert.Equal(t, 12, list.Total)
	assert.True(t, list.HasMore)
}

func TestDeleteSessionNoContent(t *testing.T) {
	sessionID := uuid.New()
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/v1/sessions/"+sessionID.String(), r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	})

	require.NoError(t, client.DeleteSession(context.Background(), sessionID))
}

func TestSessionsForSubject(t *testing.T) {
	id1, id2 := uuid.New(), uuid.New()
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/identities/user%7C123/sessions", r.URL.EscapedPath())
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(envelope(map[string]any{
			"subject":     "user|123",
			"session_ids": []uuid.UUID{id1, id2},
		}))
	})

	ids, err := client.SessionsForSubject(context.Background(), "user|123")
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{id1, id2}, ids)
}

func TestEnvelopeFallback(t *testing.T) {
	// A body with no "data" key decodes directly into the destination.
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(HealthResponse{
			Status:   "ok",
			Version:  "1.2.3",
			Postgres: "ok",
		})
	})

	health, err := client.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "1.2.3", health.Version)
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	_, err := NewClient(Config{})
	require.Error(t, err)
}
