package runrecord

import (
	"strings"
	"time"

	"github.com/maruel/ksid"
)

// NewRunID generates the spec.md §3 runId format:
// YYYYMMDD-HHMMSS-<5-letter-slug>, in UTC. The slug comes from a
// github.com/maruel/ksid sortable id, lowercased and trimmed to 5
// letters — reusing the teacher's id-generation dependency
// (see backend/internal/task/runner_test.go's ksid.NewID() usage) rather
// than hand-rolling a random-string generator.
func NewRunID(now time.Time) string {
	return now.UTC().Format("20060102-150405") + "-" + slug(ksid.NewID().String())
}

// slug lowercases id and keeps the first 5 letters (a-z), padding with
// 'a' in the unlikely case the id yields fewer than 5.
func slug(id string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(id) {
		if b.Len() == 5 {
			break
		}
		if r >= 'a' && r <= 'z' {
			b.WriteRune(r)
		}
	}
	for b.Len() < 5 {
		b.WriteByte('a')
	}
	return b.String()
}
