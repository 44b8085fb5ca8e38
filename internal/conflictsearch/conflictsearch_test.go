package conflictsearch_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engagehq/engage/internal/conflictsearch"
	"github.com/engagehq/engage/internal/model"
)

func TestClassify(t *testing.T) {
	const low, high = 0.60, 0.85

	tests := []struct {
		name  string
		score float32
		want  conflictsearch.Band
	}{
		{"well below low", 0.20, conflictsearch.BandNone},
		{"just below low", 0.59, conflictsearch.BandNone},
		{"exactly low", 0.60, conflictsearch.BandMid},
		{"mid band", 0.75, conflictsearch.BandMid},
		{"just below high", 0.84, conflictsearch.BandMid},
		{"exactly high", 0.85, conflictsearch.BandHigh},
		{"definite match", 0.95, conflictsearch.BandHigh},
		{"perfect", 1.0, conflictsearch.BandHigh},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, conflictsearch.Classify(tt.score, low, high))
		})
	}
}

func TestBest(t *testing.T) {
	require.Nil(t, conflictsearch.Best(nil))

	matches := []conflictsearch.Match{
		{EntityID: uuid.New(), Score: 0.55},
		{EntityID: uuid.New(), Score: 0.92},
		{EntityID: uuid.New(), Score: 0.71},
	}
	best := conflictsearch.Best(matches)
	require.NotNil(t, best)
	assert.Equal(t, matches[1].EntityID, best.EntityID)
	assert.Equal(t, float32(0.92), best.Score)
}

func TestEntryText(t *testing.T) {
	fields := model.IdentityFields{
		"phone": "555-0100",
		"name":  "Jane Doe",
		"email": "jane@example.com",
	}

	// Field order is normalized, so text is stable across map iteration order.
	a := conflictsearch.EntryText("", fields)
	b := conflictsearch.EntryText("", fields)
	assert.Equal(t, a, b)
	assert.Equal(t, "email: jane@example.com\nname: Jane Doe\nphone: 555-0100", a)

	withName := conflictsearch.EntryText("Jane Doe", fields)
	assert.Contains(t, withName, "Jane Doe\nemail:")
}

func TestParseQdrantURL(t *testing.T) {
	tests := []struct {
		name     string
		rawURL   string
		wantHost string
		wantPort int
		wantTLS  bool
		wantErr  bool
	}{
		{"https with rest port", "https://xyz.cloud.qdrant.io:6333", "xyz.cloud.qdrant.io", 6334, true, false},
		{"http with grpc port", "http://localhost:6334", "localhost", 6334, false, false},
		{"bare host port", "localhost:6334", "localhost", 6334, false, false},
		{"no port", "http://qdrant.internal", "qdrant.internal", 6334, false, false},
		{"empty", "", "", 0, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, port, useTLS, err := conflictsearch.ParseQdrantURL(tt.rawURL)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantHost, host)
			assert.Equal(t, tt.wantPort, port)
			assert.Equal(t, tt.wantTLS, useTLS)
		})
	}
}
