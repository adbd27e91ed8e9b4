// Package docs turns uploaded files into extracted-text + summary pairs
// usable for context composition.
package docs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/crestonhq/researchd/internal/domain"
	"github.com/crestonhq/researchd/internal/rerr"
)

// Extractor is the external text-extraction capability. Unsupported or
// corrupt input yields a DocumentExtraction error.
type Extractor interface {
	Extract(ctx context.Context, data []byte, fileType domain.FileType) (string, error)
}

// HTTPExtractor extracts plain text files locally and delegates PDF
// extraction to an external parsing service.
type HTTPExtractor struct {
	serviceURL string
	client     *http.Client
	logger     *slog.Logger
}

// NewHTTPExtractor creates an extractor backed by the parsing service at url.
func NewHTTPExtractor(url string, logger *slog.Logger) *HTTPExtractor {
	if url == "" {
		url = "http://localhost:8091"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPExtractor{
		serviceURL: url,
		client:     &http.Client{Timeout: 60 * time.Second},
		logger:     logger,
	}
}

// extractResponse is the parsing service response format.
type extractResponse struct {
	Text  string `json:"text"`
	Pages int    `json:"pages"`
	Error string `json:"error,omitempty"`
}

// Extract returns the plain text content of the file bytes.
func (e *HTTPExtractor) Extract(ctx context.Context, data []byte, fileType domain.FileType) (string, error) {
	switch fileType {
	case domain.FileTypeTXT:
		return extractPlainText(data)
	case domain.FileTypePDF:
		return e.extractPDF(ctx, data)
	default:
		return "", rerr.New(rerr.KindDocumentExtraction, fmt.Sprintf("unsupported file type: %s", fileType))
	}
}

func extractPlainText(data []byte) (string, error) {
	if !utf8.Valid(data) {
		return "", rerr.New(rerr.KindDocumentExtraction, "text file is not valid UTF-8")
	}
	return string(data), nil
}

func (e *HTTPExtractor) extractPDF(ctx context.Context, data []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.serviceURL+"/extract", bytes.NewReader(data))
	if err != nil {
		return "", rerr.Wrap(rerr.KindDocumentExtraction, "create extract request", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := e.client.Do(req)
	if err != nil {
		return "", rerr.Wrap(rerr.KindDocumentExtraction, "call extraction service", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			e.logger.Debug("failed to close extractor response body", "error", closeErr)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", rerr.Wrap(rerr.KindDocumentExtraction, "read extractor response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", rerr.New(rerr.KindDocumentExtraction, fmt.Sprintf("extraction service returned status %d", resp.StatusCode))
	}

	var out extractResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", rerr.Wrap(rerr.KindDocumentExtraction, "decode extractor response", err)
	}
	if out.Error != "" {
		return "", rerr.New(rerr.KindDocumentExtraction, out.Error)
	}
	return out.Text, nil
}

var _ Extractor = (*HTTPExtractor)(nil)
