package docs

import (
	"context"
	"log/slog"
	"strings"

	"github.com/crestonhq/researchd/internal/agent"
	"github.com/crestonhq/researchd/internal/domain"
)

const (
	// summaryMaxChars bounds the generated summary used for context injection.
	summaryMaxChars = 1000
	// summarizeInputLimit truncates extracted text before summarization to
	// stay clear of model token limits.
	summarizeInputLimit = 10000
)

// Pipeline processes an uploaded document into an extracted-text + summary
// pair. Summarization cost is deliberately kept out of the owning session's
// cost record.
type Pipeline struct {
	extractor  Extractor
	summarizer agent.Summarizer
	logger     *slog.Logger
}

// NewPipeline creates a document pipeline.
func NewPipeline(extractor Extractor, summarizer agent.Summarizer, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{extractor: extractor, summarizer: summarizer, logger: logger}
}

// Process extracts text from the file bytes and generates a bounded summary.
// An extraction failure is returned as a DocumentExtraction error; a
// summarizer failure is not an error — the truncated raw text stands in for
// the summary so the document stays usable for composition.
func (p *Pipeline) Process(ctx context.Context, fileType domain.FileType, data []byte) (extractedText, summary string, err error) {
	extractedText, err = p.extractor.Extract(ctx, data, fileType)
	if err != nil {
		return "", "", err
	}

	if strings.TrimSpace(extractedText) == "" {
		return extractedText, "", nil
	}

	input := extractedText
	if len(input) > summarizeInputLimit {
		input = input[:summarizeInputLimit] + "..."
	}

	summary, serr := p.summarizer.Summarize(ctx, input, summaryMaxChars)
	if serr != nil {
		p.logger.Warn("document summarization failed, falling back to truncated text", "error", serr)
		summary = input
	}
	return extractedText, clamp(summary, summaryMaxChars), nil
}

func clamp(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
