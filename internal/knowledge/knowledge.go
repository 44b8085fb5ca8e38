// Package knowledge surfaces tenant-defined dynamic goals when conversation
// content drifts near a knowledge document, using vector similarity over Qdrant.
package knowledge

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// Candidate is one knowledge document scored against recent conversation text.
type Candidate struct {
	GoalID      string
	Description string
	Relevance   float32
}

// Searcher finds goal candidates for conversation content. Implemented by
// Service; faked in engine tests.
type Searcher interface {
	Candidates(ctx context.Context, tenantID uuid.UUID, practiceArea, text string) ([]Candidate, error)
}

// QueryText renders a message plus its extracted keywords into the text that
// gets embedded for the lookup.
func QueryText(text string, keywords []string) string {
	if len(keywords) == 0 {
		return text
	}
	return text + "\n" + strings.Join(keywords, ", ")
}
