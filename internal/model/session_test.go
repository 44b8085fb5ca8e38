package model_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engagehq/engage/internal/model"
)

func TestIdentityFieldsCovers(t *testing.T) {
	full := model.IdentityFields{
		model.FieldName:  "Jane Doe",
		model.FieldEmail: "jane@example.com",
		model.FieldPhone: "555-0100",
	}

	assert.True(t, full.Covers(nil))
	assert.True(t, full.Covers(model.IdentityFields{}))
	assert.True(t, full.Covers(model.IdentityFields{model.FieldName: "Jane Doe"}))
	assert.True(t, full.Covers(full))

	assert.False(t, full.Covers(model.IdentityFields{"address": "1 Main St"}))
	assert.False(t, full.Covers(model.IdentityFields{model.FieldName: "John Doe"}))

	var empty model.IdentityFields
	assert.True(t, empty.Covers(nil))
	assert.False(t, empty.Covers(model.IdentityFields{model.FieldName: "Jane Doe"}))
}

func TestIdentityFieldsClone(t *testing.T) {
	orig := model.IdentityFields{model.FieldName: "Jane Doe"}
	cp := orig.Clone()
	cp[model.FieldEmail] = "jane@example.com"

	assert.Len(t, orig, 1, "clone must not alias the original")

	var nilFields model.IdentityFields
	cp = nilFields.Clone()
	require.NotNil(t, cp)
	cp["k"] = "v"
}

func TestMergeIdentityFields(t *testing.T) {
	s := &model.Session{}

	changed := s.MergeIdentityFields(model.IdentityFields{model.FieldName: "Jane Doe"})
	assert.True(t, changed)
	assert.Equal(t, "Jane Doe", s.IdentityFields[model.FieldName])

	// Same value again is a no-op.
	changed = s.MergeIdentityFields(model.IdentityFields{model.FieldName: "Jane Doe"})
	assert.False(t, changed)

	// New value overwrites.
	changed = s.MergeIdentityFields(model.IdentityFields{model.FieldName: "Jane Smith"})
	assert.True(t, changed)
	assert.Equal(t, "Jane Smith", s.IdentityFields[model.FieldName])

	// Empty value retracts the field.
	changed = s.MergeIdentityFields(model.IdentityFields{model.FieldName: ""})
	assert.True(t, changed)
	_, ok := s.IdentityFields[model.FieldName]
	assert.False(t, ok)

	// Retracting an absent field is a no-op.
	changed = s.MergeIdentityFields(model.IdentityFields{model.FieldName: ""})
	assert.False(t, changed)

	assert.False(t, s.MergeIdentityFields(nil))
}

func TestMergeKeywords(t *testing.T) {
	s := &model.Session{}

	assert.True(t, s.MergeKeywords([]string{"divorce", "custody"}))
	assert.Equal(t, []string{"divorce", "custody"}, s.Keywords)

	assert.False(t, s.MergeKeywords([]string{"divorce"}))
	assert.False(t, s.MergeKeywords([]string{""}))
	assert.False(t, s.MergeKeywords(nil))

	assert.True(t, s.MergeKeywords([]string{"custody", "alimony"}))
	assert.Equal(t, []string{"divorce", "custody", "alimony"}, s.Keywords)
}

func TestGoalCounts(t *testing.T) {
	s := &model.Session{
		GoalIdentification: true,
		DynamicGoals: []model.Goal{
			{ID: "g1", Completed: true},
			{ID: "g2"},
		},
	}
	total, done := s.GoalCounts()
	assert.Equal(t, 5, total)
	assert.Equal(t, 2, done)

	assert.False(t, s.PreLoginGoalsMet())
	assert.False(t, s.AllGoalsMet())

	s.GoalConflictCheck = true
	s.GoalNeedsAssessment = true
	assert.True(t, s.PreLoginGoalsMet())
	assert.False(t, s.AllGoalsMet(), "open dynamic goal blocks AllGoalsMet")

	s.DynamicGoals[1].Completed = true
	assert.True(t, s.AllGoalsMet())
}

func TestFindGoalAndDisambiguation(t *testing.T) {
	s := &model.Session{
		DynamicGoals: []model.Goal{
			{ID: "injury-date", Source: model.GoalSourceKnowledge},
			{ID: "disambiguate", Source: model.GoalSourceDisambiguation},
		},
	}

	require.Nil(t, s.FindGoal("missing"))
	g := s.FindGoal("disambiguate")
	require.NotNil(t, g)
	assert.True(t, s.HasOpenDisambiguation())

	// FindGoal returns a pointer into the slice so completion sticks.
	g.Completed = true
	assert.False(t, s.HasOpenDisambiguation())
}

func TestSnapshot(t *testing.T) {
	now := time.Now().UTC()
	s := &model.Session{
		ID:                  uuid.New(),
		TenantID:            uuid.New(),
		Phase:               model.PhaseLoginSuggested,
		IsSecured:           false,
		PracticeArea:        "family_law",
		GoalIdentification:  true,
		GoalConflictCheck:   true,
		GoalNeedsAssessment: true,
		DynamicGoals:        []model.Goal{{ID: "g1", Source: model.GoalSourceKnowledge}},
		Conflict:            model.ConflictState{Status: model.ConflictClear},
		GoalRetry:           true,
		LastActivityAt:      now,
	}

	snap := model.Snapshot(s)
	assert.Equal(t, s.ID, snap.SessionID)
	assert.Equal(t, model.PhaseLoginSuggested, snap.Phase)
	assert.Equal(t, model.ConflictClear, snap.ConflictStatus)
	assert.True(t, snap.PreLoginGoals.UserIdentification)
	assert.True(t, snap.PreLoginGoals.ConflictCheck)
	assert.True(t, snap.PreLoginGoals.LegalNeedsAssessment)
	assert.True(t, snap.Degraded)
	assert.Equal(t, now, snap.LastActivityAt)

	// The snapshot copies dynamic goals; mutating it must not touch the session.
	snap.DynamicGoals[0].Completed = true
	assert.False(t, s.DynamicGoals[0].Completed)
}

func TestValidatePostMessage(t *testing.T) {
	tests := []struct {
		name    string
		req     model.PostMessageRequest
		wantErr bool
	}{
		{"valid", model.PostMessageRequest{Text: "hello"}, false},
		{"empty text", model.PostMessageRequest{}, true},
		{"oversized text", model.PostMessageRequest{Text: string(make([]byte, model.MaxMessageBodyLen+1))}, true},
		{"oversized field value", model.PostMessageRequest{
			Text:   "hi",
			Fields: model.IdentityFields{"name": string(make([]byte, model.MaxIdentityFieldLen+1))},
		}, true},
		{"too many keywords", model.PostMessageRequest{
			Text:     "hi",
			Keywords: make([]string, model.MaxKeywords+1),
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := model.ValidatePostMessage(tt.req)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, model.ErrCodeInvalidState, model.CodeOf(model.ErrInvalidState("phase is %s", "completed")))
	assert.Equal(t, model.ErrCodeForbidden, model.CodeOf(model.ErrForbidden()))
	assert.Equal(t, model.ErrCodeNotFound, model.CodeOf(model.ErrSessionNotFound()))
	assert.Equal(t, model.ErrCodeInternalError, model.CodeOf(assert.AnError))
}

func TestAddIdentifier(t *testing.T) {
	u := &model.UserIdentity{}
	u.AddIdentifier(model.FieldEmail, "jane@example.com")
	u.AddIdentifier(model.FieldEmail, "jane@example.com")
	u.AddIdentifier(model.FieldEmail, "j.doe@example.com")
	u.AddIdentifier(model.FieldName, "")

	assert.Equal(t, []string{"jane@example.com", "j.doe@example.com"}, u.Identifiers[model.FieldEmail])
	_, ok := u.Identifiers[model.FieldName]
	assert.False(t, ok)
}
