// Package conflictsearch matches captured visitor identity against a tenant's
// conflict-of-interest corpus using vector similarity over Qdrant.
package conflictsearch

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/engagehq/engage/internal/model"
)

// Match is one corpus entity scored against the visitor's identity snapshot.
type Match struct {
	EntityID    uuid.UUID
	DisplayName string
	Score       float32
}

// Searcher finds corpus matches for an identity snapshot. Implemented by
// Service; faked in engine tests.
type Searcher interface {
	Search(ctx context.Context, tenantID uuid.UUID, fields model.IdentityFields) ([]Match, error)
	Healthy(ctx context.Context) error
}

// Band buckets a similarity score against the configured thresholds.
type Band int

const (
	// BandNone: below the low threshold, not a credible match.
	BandNone Band = iota
	// BandMid: plausible but ambiguous; needs disambiguation before settling.
	BandMid
	// BandHigh: definite match, conflict detected.
	BandHigh
)

// Classify buckets a score. low and high come from config and satisfy low < high.
func Classify(score float32, low, high float64) Band {
	switch {
	case float64(score) >= high:
		return BandHigh
	case float64(score) >= low:
		return BandMid
	default:
		return BandNone
	}
}

// Best returns the highest-scoring match, or nil for an empty slice.
func Best(matches []Match) *Match {
	if len(matches) == 0 {
		return nil
	}
	best := &matches[0]
	for i := range matches[1:] {
		if matches[i+1].Score > best.Score {
			best = &matches[i+1]
		}
	}
	return best
}

// EntryText renders identity fields into the canonical text that gets
// embedded. Field order is normalized so the same facts always embed the
// same way regardless of capture order.
func EntryText(displayName string, fields model.IdentityFields) string {
	parts := make([]string, 0, len(fields)+1)
	if displayName != "" {
		parts = append(parts, displayName)
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, fields[k]))
	}
	return strings.Join(parts, "\n")
}
