package model_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engagehq/engage/internal/model"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    model.Phase
		to      model.Phase
		secured bool
		want    bool
	}{
		{"promote to login_suggested", model.PhasePreLogin, model.PhaseLoginSuggested, false, true},
		{"demote while unsecured", model.PhaseLoginSuggested, model.PhasePreLogin, false, true},
		{"demote while secured", model.PhaseLoginSuggested, model.PhasePreLogin, true, false},
		{"secure", model.PhaseLoginSuggested, model.PhaseSecured, false, true},
		{"complete", model.PhaseSecured, model.PhaseCompleted, false, true},
		{"self transition", model.PhasePreLogin, model.PhasePreLogin, false, false},

		// Skipping phases is never allowed.
		{"pre_login straight to secured", model.PhasePreLogin, model.PhaseSecured, false, false},
		{"pre_login straight to completed", model.PhasePreLogin, model.PhaseCompleted, false, false},
		{"login_suggested to completed", model.PhaseLoginSuggested, model.PhaseCompleted, false, false},

		// Secured never goes backwards.
		{"secured back to login_suggested", model.PhaseSecured, model.PhaseLoginSuggested, true, false},
		{"secured back to pre_login", model.PhaseSecured, model.PhasePreLogin, true, false},

		// Any non-terminal phase can be terminated.
		{"terminate pre_login", model.PhasePreLogin, model.PhaseTerminated, false, true},
		{"terminate login_suggested", model.PhaseLoginSuggested, model.PhaseTerminated, false, true},
		{"terminate secured", model.PhaseSecured, model.PhaseTerminated, true, true},

		// Terminal phases admit nothing.
		{"completed to secured", model.PhaseCompleted, model.PhaseSecured, true, false},
		{"completed to terminated", model.PhaseCompleted, model.PhaseTerminated, true, false},
		{"terminated to pre_login", model.PhaseTerminated, model.PhasePreLogin, false, false},
		{"terminated to terminated", model.PhaseTerminated, model.PhaseTerminated, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := model.CanTransition(tt.from, tt.to, tt.secured)
			assert.Equal(t, tt.want, got, "CanTransition(%q, %q, secured=%v)", tt.from, tt.to, tt.secured)
		})
	}
}

func TestPhaseTerminal(t *testing.T) {
	assert.False(t, model.PhasePreLogin.Terminal())
	assert.False(t, model.PhaseLoginSuggested.Terminal())
	assert.False(t, model.PhaseSecured.Terminal())
	assert.True(t, model.PhaseCompleted.Terminal())
	assert.True(t, model.PhaseTerminated.Terminal())
}

func TestPhaseValid(t *testing.T) {
	for _, p := range []model.Phase{
		model.PhasePreLogin,
		model.PhaseLoginSuggested,
		model.PhaseSecured,
		model.PhaseCompleted,
		model.PhaseTerminated,
	} {
		require.True(t, p.Valid(), "expected valid: %q", p)
	}
	assert.False(t, model.Phase("").Valid())
	assert.False(t, model.Phase("logged_in").Valid())
}

func TestConflictStatusSettled(t *testing.T) {
	assert.False(t, model.ConflictPending.Settled())
	assert.True(t, model.ConflictClear.Settled())
	assert.True(t, model.ConflictDetected.Settled())
}
