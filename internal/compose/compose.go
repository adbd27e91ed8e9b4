// Package compose builds the enhanced prompt for a research run from a
// session's ancestry and attached documents.
//
// Composition is a pure, total function: missing data degrades gracefully and
// never raises. Output is deterministic for identical inputs — no randomness,
// no wall-clock content — so traces stay reproducible.
package compose

import (
	"fmt"
	"strings"

	"github.com/crestonhq/researchd/internal/domain"
)

// NonRepetitionDirective is appended after a parent summary so a continuation
// does not re-cover ground from its ancestor.
const NonRepetitionDirective = "IMPORTANT: Do not repeat information already covered in the previous research. " +
	"Focus on new aspects, deeper analysis, or different angles of the topic."

const (
	parentHeader   = "Previous Research Summary:"
	documentHeader = "Additional Context from Uploaded Documents:"
)

// ParentSummary resolves the one-hop continuation context for a parent
// session. The summary record wins when present; the parent session's own
// summary field is the fallback; otherwise there is no parent context. Only
// one hop is injected: each continuation's summary already encodes everything
// relevant from its own ancestors.
func ParentSummary(record *domain.ResearchSummary, parent *domain.ResearchSession) string {
	if record != nil && strings.TrimSpace(record.Content) != "" {
		return record.Content
	}
	if parent != nil && strings.TrimSpace(parent.Summary) != "" {
		return parent.Summary
	}
	return ""
}

// DocumentSummaries collects the summaries usable for composition: ready
// documents with non-empty summaries, in upload order. Failed or still
// processing documents are excluded entirely — no placeholder is emitted.
func DocumentSummaries(docs []domain.UploadedDocument) []string {
	var out []string
	for _, d := range docs {
		if d.Status != domain.DocumentReady {
			continue
		}
		if strings.TrimSpace(d.Summary) == "" {
			continue
		}
		out = append(out, d.Summary)
	}
	return out
}

// Compose returns the enhanced query for an agent invocation.
//
// The raw query always comes first. If a parent summary exists it is appended
// under a fixed instructional block together with the non-repetition
// directive. Each document summary follows under a numbered document block.
func Compose(query, parentSummary string, documentSummaries []string) string {
	var b strings.Builder
	b.WriteString(query)

	if strings.TrimSpace(parentSummary) != "" {
		b.WriteString("\n\n")
		b.WriteString(parentHeader)
		b.WriteString("\n")
		b.WriteString(parentSummary)
		b.WriteString("\n\n")
		b.WriteString(NonRepetitionDirective)
	}

	wroteHeader := false
	n := 0
	for _, summary := range documentSummaries {
		if strings.TrimSpace(summary) == "" {
			continue
		}
		if !wroteHeader {
			b.WriteString("\n\n")
			b.WriteString(documentHeader)
			wroteHeader = true
		}
		n++
		fmt.Fprintf(&b, "\nDocument %d:\n%s", n, summary)
	}

	return b.String()
}
