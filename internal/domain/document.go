package domain

import (
	"strings"
	"time"
)

// FileType identifies the upload format of a document.
type FileType string

const (
	FileTypePDF FileType = "pdf"
	FileTypeTXT FileType = "txt"
)

// FileTypeFromName derives the file type from an uploaded file name.
// Anything that is not a PDF is treated as plain text.
func FileTypeFromName(name string) FileType {
	if strings.HasSuffix(strings.ToLower(name), ".pdf") {
		return FileTypePDF
	}
	return FileTypeTXT
}

// DocumentStatus is the processing state of an uploaded document.
type DocumentStatus string

const (
	// DocumentProcessing means the extraction/summarization unit has not finished.
	DocumentProcessing DocumentStatus = "processing"
	// DocumentReady means the document's summary is usable for composition.
	DocumentReady DocumentStatus = "ready"
	// DocumentFailed means extraction failed; the document is excluded from
	// all future context composition.
	DocumentFailed DocumentStatus = "failed"
)

// UploadedDocument is a file uploaded for context injection, owned by exactly
// one session. It is mutated once, by the document pipeline, and never again.
type UploadedDocument struct {
	ID            string         `json:"id"`
	SessionID     string         `json:"session_id"`
	FileName      string         `json:"file_name"`
	FileType      FileType       `json:"file_type"`
	ExtractedText string         `json:"-"`
	Summary       string         `json:"summary,omitempty"`
	Status        DocumentStatus `json:"status"`
	UploadedAt    time.Time      `json:"uploaded_at"`
}
