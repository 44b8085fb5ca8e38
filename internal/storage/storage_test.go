package storage_test

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engagehq/engage/internal/model"
	"github.com/engagehq/engage/internal/storage"
	"github.com/engagehq/engage/internal/testutil"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	code := setupAndRun(m, tc)
	tc.Terminate()
	os.Exit(code)
}

func setupAndRun(m *testing.M, tc *testutil.TestContainer) int {
	ctx := context.Background()

	var err error
	testDB, err = tc.NewTestDB(ctx, testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "storage test: create DB: %v\n", err)
		return 1
	}
	defer testDB.Close(ctx)

	return m.Run()
}

func createTenant(t *testing.T) model.Tenant {
	t.Helper()
	tenant, err := testDB.CreateTenant(context.Background(), model.Tenant{
		Name:   "Test Firm",
		Slug:   "firm-" + uuid.New().String()[:8],
		Active: true,
	})
	require.NoError(t, err)
	return tenant
}

func newSession(tenantID uuid.UUID) *model.Session {
	return &model.Session{
		ID:              uuid.New(),
		TenantID:        tenantID,
		UserID:          uuid.New(),
		Phase:           model.PhasePreLogin,
		ResumeTokenHash: "hash",
		IdentityFields:  model.IdentityFields{},
		Conflict: model.ConflictState{
			Status:        model.ConflictPending,
			CheckedFields: model.IdentityFields{},
		},
	}
}

func testVector() pgvector.Vector {
	return pgvector.NewVector(make([]float32, 1024))
}

func TestSessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	tenant := createTenant(t)

	s := newSession(tenant.ID)
	s.PracticeArea = "family"
	s.IdentityFields = model.IdentityFields{"name": "Jane Doe"}
	s.Keywords = []string{"divorce"}
	require.NoError(t, testDB.CreateSession(ctx, s))
	assert.EqualValues(t, 1, s.Version)

	got, err := testDB.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)
	assert.Equal(t, tenant.ID, got.TenantID)
	assert.Equal(t, model.PhasePreLogin, got.Phase)
	assert.Equal(t, "family", got.PracticeArea)
	assert.Equal(t, "Jane Doe", got.IdentityFields["name"])
	assert.Equal(t, []string{"divorce"}, got.Keywords)
	assert.Equal(t, model.ConflictPending, got.Conflict.Status)
	assert.EqualValues(t, 1, got.Version)
}

func TestGetSessionNotFound(t *testing.T) {
	_, err := testDB.GetSession(context.Background(), uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCommitSessionPersistsEverything(t *testing.T) {
	ctx := context.Background()
	tenant := createTenant(t)

	s := newSession(tenant.ID)
	require.NoError(t, testDB.CreateSession(ctx, s))

	s.Phase = model.PhaseLoginSuggested
	s.GoalIdentification = true
	s.MessageCount = 2
	s.IdentityFields = model.IdentityFields{"name": "Jane Doe", "email": "jane@example.com"}
	commit := model.SessionCommit{
		Session: s,
		NewMessages: []model.Message{
			{SessionID: s.ID, Seq: 1, Role: model.RoleVisitorMsg, Body: "hello"},
			{SessionID: s.ID, Seq: 2, Role: model.RoleVisitorMsg, Body: "my name is Jane Doe"},
		},
		Identity: &model.UserIdentity{
			TenantID:        tenant.ID,
			UserID:          s.UserID,
			Identifiers:     map[string][]string{"email": {"jane@example.com"}},
			ConflictVerdict: model.ConflictPending,
			SessionIDs:      []uuid.UUID{s.ID},
		},
	}
	require.NoError(t, testDB.CommitSession(ctx, commit))
	assert.EqualValues(t, 2, s.Version)

	got, err := testDB.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PhaseLoginSuggested, got.Phase)
	assert.True(t, got.GoalIdentification)
	assert.EqualValues(t, 2, got.Version)

	msgs, err := testDB.ListMessages(ctx, s.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, 1, msgs[0].Seq)
	assert.Equal(t, "hello", msgs[0].Body)
	assert.Equal(t, 2, msgs[1].Seq)

	identity, err := testDB.GetUserIdentity(ctx, tenant.ID, s.UserID)
	require.NoError(t, err)
	assert.Equal(t, []string{"jane@example.com"}, identity.Identifiers["email"])

	found, err := testDB.FindUserIdentityByIdentifier(ctx, tenant.ID, "email", "jane@example.com")
	require.NoError(t, err)
	assert.Equal(t, s.UserID, found.UserID)

	_, err = testDB.FindUserIdentityByIdentifier(ctx, tenant.ID, "email", "nobody@example.com")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCommitSessionVersionConflict(t *testing.T) {
	ctx := context.Background()
	tenant := createTenant(t)

	s := newSession(tenant.ID)
	require.NoError(t, testDB.CreateSession(ctx, s))

	stale := *s
	require.NoError(t, testDB.CommitSession(ctx, model.SessionCommit{Session: s}))

	err := testDB.CommitSession(ctx, model.SessionCommit{Session: &stale})
	assert.ErrorIs(t, err, storage.ErrVersionConflict)
}

func TestOutboxEnqueuedOnWrite(t *testing.T) {
	ctx := context.Background()
	tenant := createTenant(t)

	before, err := testDB.OutboxDepth(ctx, 10)
	require.NoError(t, err)

	s := newSession(tenant.ID)
	require.NoError(t, testDB.CreateSession(ctx, s))
	require.NoError(t, testDB.CommitSession(ctx, model.SessionCommit{Session: s}))

	after, err := testDB.OutboxDepth(ctx, 10)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, after, before+2)
}

func TestIndexRowLifecycle(t *testing.T) {
	ctx := context.Background()
	tenant := createTenant(t)

	open := model.IndexRow{
		TenantID:       tenant.ID,
		SessionID:      uuid.New(),
		Phase:          model.PhasePreLogin,
		ConflictStatus: model.ConflictPending,
		GoalsTotal:     3,
	}
	secured := model.IndexRow{
		TenantID:       tenant.ID,
		SessionID:      uuid.New(),
		Phase:          model.PhaseSecured,
		Secured:        true,
		Assignee:       "attorney@firm.example",
		ConflictStatus: model.ConflictClear,
		GoalsTotal:     3,
		GoalsDone:      3,
	}
	removed := model.IndexRow{
		TenantID:       tenant.ID,
		SessionID:      uuid.New(),
		Phase:          model.PhaseTerminated,
		ConflictStatus: model.ConflictClear,
		Deleted:        true,
	}
	for _, row := range []model.IndexRow{open, secured, removed} {
		require.NoError(t, testDB.UpsertIndexRow(ctx, row))
	}

	got, err := testDB.GetIndexRow(ctx, tenant.ID, secured.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "attorney@firm.example", got.Assignee)
	assert.Equal(t, 3, got.GoalsDone)

	// Upsert replaces in place.
	secured.GoalsDone = 2
	require.NoError(t, testDB.UpsertIndexRow(ctx, secured))
	got, err = testDB.GetIndexRow(ctx, tenant.ID, secured.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.GoalsDone)

	rows, total, err := testDB.ListIndexRows(ctx, tenant.ID, storage.IndexFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, total, "deleted rows excluded by default")
	assert.Len(t, rows, 2)

	rows, total, err = testDB.ListIndexRows(ctx, tenant.ID, storage.IndexFilter{IncludeDeleted: true})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, rows, 3)

	rows, total, err = testDB.ListIndexRows(ctx, tenant.ID, storage.IndexFilter{Phase: model.PhaseSecured})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, rows, 1)
	assert.Equal(t, secured.SessionID, rows[0].SessionID)

	removedCount, err := testDB.DeleteIndexRowsNotIn(ctx, tenant.ID, []uuid.UUID{open.SessionID})
	require.NoError(t, err)
	assert.EqualValues(t, 2, removedCount)

	_, total, err = testDB.ListIndexRows(ctx, tenant.ID, storage.IndexFilter{IncludeDeleted: true})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestDirectoryRebuild(t *testing.T) {
	ctx := context.Background()
	tenant := createTenant(t)
	subject := "user-" + uuid.New().String()[:8]

	secured := newSession(tenant.ID)
	secured.IsSecured = true
	secured.Phase = model.PhaseSecured
	secured.AllowedIdentity = &subject
	require.NoError(t, testDB.CreateSession(ctx, secured))

	unsecured := newSession(tenant.ID)
	require.NoError(t, testDB.CreateSession(ctx, unsecured))

	require.NoError(t, testDB.UpsertDirectoryRow(ctx, tenant.ID, subject, secured.ID))
	// Stale row pointing at a session that was never secured.
	require.NoError(t, testDB.UpsertDirectoryRow(ctx, tenant.ID, subject, unsecured.ID))

	ids, err := testDB.ListSessionsForSubject(ctx, tenant.ID, subject)
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	require.NoError(t, testDB.RebuildDirectoryForTenant(ctx, tenant.ID))

	ids, err = testDB.ListSessionsForSubject(ctx, tenant.ID, subject)
	require.NoError(t, err)
	require.Len(t, ids, 1, "rebuild drops rows not backed by a secured session")
	assert.Equal(t, secured.ID, ids[0])
}

func TestConflictCorpus(t *testing.T) {
	ctx := context.Background()
	tenant := createTenant(t)

	entry, err := testDB.CreateConflictEntry(ctx, model.ConflictEntry{
		TenantID:    tenant.ID,
		DisplayName: "Acme Corp",
		Fields:      model.IdentityFields{"name": "Acme Corp", "email": "legal@acme.example"},
	}, testVector())
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, entry.EntityID)

	got, err := testDB.GetConflictEntry(ctx, tenant.ID, entry.EntityID)
	require.NoError(t, err)
	assert.Equal(t, "Acme Corp", got.DisplayName)
	assert.Equal(t, "legal@acme.example", got.Fields["email"])

	entries, err := testDB.ListConflictEntries(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	// Cross-tenant reads see nothing.
	other := createTenant(t)
	_, err = testDB.GetConflictEntry(ctx, other.ID, entry.EntityID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDeleteConflictEntryResetsVerdicts(t *testing.T) {
	ctx := context.Background()
	tenant := createTenant(t)

	entry, err := testDB.CreateConflictEntry(ctx, model.ConflictEntry{
		TenantID:    tenant.ID,
		DisplayName: "Opposing Party",
		Fields:      model.IdentityFields{"name": "Opposing Party"},
	}, testVector())
	require.NoError(t, err)

	s := newSession(tenant.ID)
	require.NoError(t, testDB.CreateSession(ctx, s))

	now := s.CreatedAt
	s.Conflict.Status = model.ConflictDetected
	s.Conflict.MatchedEntityID = &entry.EntityID
	s.Conflict.DetectedAt = &now
	s.GoalConflictCheck = true
	require.NoError(t, testDB.CommitSession(ctx, model.SessionCommit{
		Session: s,
		Identity: &model.UserIdentity{
			TenantID:        tenant.ID,
			UserID:          s.UserID,
			ConflictVerdict: model.ConflictDetected,
			SessionIDs:      []uuid.UUID{s.ID},
		},
	}))

	resetIDs, err := testDB.DeleteConflictEntry(ctx, tenant.ID, entry.EntityID)
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{s.ID}, resetIDs)

	got, err := testDB.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ConflictPending, got.Conflict.Status)
	assert.Nil(t, got.Conflict.MatchedEntityID)
	assert.Nil(t, got.Conflict.DetectedAt)
	assert.False(t, got.GoalConflictCheck)
	assert.Greater(t, got.Version, s.Version, "reset bumps the session version")

	identity, err := testDB.GetUserIdentity(ctx, tenant.ID, s.UserID)
	require.NoError(t, err)
	assert.Equal(t, model.ConflictPending, identity.ConflictVerdict)

	_, err = testDB.DeleteConflictEntry(ctx, tenant.ID, entry.EntityID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestKnowledgeDocuments(t *testing.T) {
	ctx := context.Background()
	tenant := createTenant(t)

	doc, err := testDB.UpsertKnowledgeDocument(ctx, model.KnowledgeDocument{
		TenantID:     tenant.ID,
		GoalID:       "custody_details",
		Description:  "Gather custody arrangement details",
		Body:         "Ask about current custody arrangements and desired outcome.",
		PracticeArea: "family",
	}, testVector())
	require.NoError(t, err)

	// Re-upload with the same goal_id replaces content, keeps the row.
	updated, err := testDB.UpsertKnowledgeDocument(ctx, model.KnowledgeDocument{
		TenantID:    tenant.ID,
		GoalID:      "custody_details",
		Description: "Gather custody arrangement details",
		Body:        "Also ask about jurisdiction.",
	}, testVector())
	require.NoError(t, err)
	assert.Equal(t, doc.ID, updated.ID)

	got, err := testDB.GetKnowledgeDocument(ctx, tenant.ID, "custody_details")
	require.NoError(t, err)
	assert.Equal(t, "Also ask about jurisdiction.", got.Body)

	docs, err := testDB.ListKnowledgeDocuments(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Len(t, docs, 1)

	docID, err := testDB.DeleteKnowledgeDocument(ctx, tenant.ID, "custody_details")
	require.NoError(t, err)
	assert.Equal(t, doc.ID, docID)

	_, err = testDB.GetKnowledgeDocument(ctx, tenant.ID, "custody_details")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestTenants(t *testing.T) {
	ctx := context.Background()
	tenant := createTenant(t)

	bySlug, err := testDB.GetTenantBySlug(ctx, tenant.Slug)
	require.NoError(t, err)
	assert.Equal(t, tenant.ID, bySlug.ID)
	assert.True(t, bySlug.Active)

	byID, err := testDB.GetTenant(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, tenant.Slug, byID.Slug)

	_, err = testDB.GetTenantBySlug(ctx, "no-such-firm")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	all, err := testDB.ListTenants(ctx)
	require.NoError(t, err)
	found := false
	for _, tn := range all {
		if tn.ID == tenant.ID {
			found = true
		}
	}
	assert.True(t, found)
}

func TestListSessionsMatchedToEntity(t *testing.T) {
	ctx := context.Background()
	tenant := createTenant(t)
	entityID := uuid.New()

	matched := newSession(tenant.ID)
	require.NoError(t, testDB.CreateSession(ctx, matched))
	now := matched.CreatedAt
	matched.Conflict.Status = model.ConflictDetected
	matched.Conflict.MatchedEntityID = &entityID
	matched.Conflict.DetectedAt = &now
	require.NoError(t, testDB.CommitSession(ctx, model.SessionCommit{Session: matched}))

	unmatched := newSession(tenant.ID)
	require.NoError(t, testDB.CreateSession(ctx, unmatched))

	sessions, err := testDB.ListSessionsMatchedToEntity(ctx, tenant.ID, entityID)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, matched.ID, sessions[0].ID)
}
