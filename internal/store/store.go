// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"

	"github.com/crestonhq/researchd/internal/domain"
)

// ErrSessionNotRunning is returned by CompleteSession and FailSession when the
// session is not in the running state. Terminal states absorb: a late writer
// observing this error must not retry the transition.
var ErrSessionNotRunning = errors.New("session is not running")

// Repository defines the persistence boundary for research sessions and their
// owned records. Lookups return (nil, nil) when the record does not exist.
type Repository interface {
	// CreateSession persists a new session. Callers set status to pending.
	CreateSession(ctx context.Context, session *domain.ResearchSession) error

	// GetSession retrieves a session by id.
	GetSession(ctx context.Context, id string) (*domain.ResearchSession, error)

	// GetSessionDetail retrieves a session with its summary, reasoning steps,
	// documents and cost record.
	GetSessionDetail(ctx context.Context, id string) (*domain.SessionDetail, error)

	// ListSessions returns a user's sessions, newest first.
	ListSessions(ctx context.Context, userID string) ([]*domain.ResearchSession, error)

	// ClaimSession performs the pending -> running transition as a conditional
	// update on the status field. It returns true when this caller won the
	// claim; a concurrent second claim observes false and must no-op.
	ClaimSession(ctx context.Context, id string) (bool, error)

	// CompleteSession performs the running -> completed transition, persisting
	// the result fields, the summary record, the reasoning steps and the cost
	// record as one transaction. Either all fields land or none do.
	CompleteSession(ctx context.Context, id string, result *domain.ResearchResult, cost *domain.ResearchCost) error

	// FailSession performs the running -> failed transition, recording the
	// error message plus whatever partial trace/cost data was captured.
	FailSession(ctx context.Context, id, message, traceID string, cost *domain.ResearchCost) error

	// GetSummary retrieves the summary record for a completed session.
	GetSummary(ctx context.Context, sessionID string) (*domain.ResearchSummary, error)

	// CreateDocument persists a new uploaded document in processing state.
	CreateDocument(ctx context.Context, doc *domain.UploadedDocument) error

	// GetDocument retrieves a document by id.
	GetDocument(ctx context.Context, id string) (*domain.UploadedDocument, error)

	// FinishDocument records the one-shot outcome of the document pipeline.
	FinishDocument(ctx context.Context, id string, status domain.DocumentStatus, extractedText, summary string) error

	// ListDocuments returns a session's documents in upload order.
	ListDocuments(ctx context.Context, sessionID string) ([]domain.UploadedDocument, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
