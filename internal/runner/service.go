package runner

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/crestonhq/researchd/internal/agent"
	"github.com/crestonhq/researchd/internal/compose"
	"github.com/crestonhq/researchd/internal/docs"
	"github.com/crestonhq/researchd/internal/domain"
	"github.com/crestonhq/researchd/internal/events"
	"github.com/crestonhq/researchd/internal/ledger"
	"github.com/crestonhq/researchd/internal/rerr"
	"github.com/crestonhq/researchd/internal/shared"
	"github.com/crestonhq/researchd/internal/store"
)

const (
	writeMaxRetries    = 3
	writeRetryBaseWait = 50 * time.Millisecond
)

// ErrParentNotFound is returned when a continuation names a missing parent.
var ErrParentNotFound = errors.New("parent session not found")

// Service owns the session lifecycle: it creates records, enqueues execution
// units on the pool, and drives each unit through the state machine.
type Service struct {
	repo         store.Repository
	adapter      *agent.Adapter
	pipeline     *docs.Pipeline
	pricing      *ledger.Pricing
	broker       *events.Broker
	pool         *Pool
	defaultModel string
	logger       *slog.Logger
}

// NewService wires the runner service.
func NewService(
	repo store.Repository,
	adapter *agent.Adapter,
	pipeline *docs.Pipeline,
	pricing *ledger.Pricing,
	broker *events.Broker,
	pool *Pool,
	defaultModel string,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:         repo,
		adapter:      adapter,
		pipeline:     pipeline,
		pricing:      pricing,
		broker:       broker,
		pool:         pool,
		defaultModel: defaultModel,
		logger:       logger,
	}
}

// StartSession creates a new pending session and enqueues its execution unit.
func (s *Service) StartSession(ctx context.Context, userID, query string) (*domain.ResearchSession, error) {
	return s.createAndEnqueue(ctx, userID, query, nil)
}

// ContinueSession creates a continuation of a terminal parent session. The
// precondition is enforced here, synchronously, before any work is enqueued:
// the parent must exist and be in a terminal state.
func (s *Service) ContinueSession(ctx context.Context, userID, parentID, query string) (*domain.ResearchSession, error) {
	parent, err := s.repo.GetSession(ctx, parentID)
	if err != nil {
		return nil, rerr.Wrap(rerr.KindPersistence, "load parent session", err)
	}
	if parent == nil {
		return nil, ErrParentNotFound
	}
	if !parent.CanContinue() {
		return nil, rerr.New(rerr.KindInvalidContinuation,
			"parent session is "+string(parent.Status)+"; continuation requires a completed or failed parent")
	}
	return s.createAndEnqueue(ctx, userID, query, &parent.ID)
}

func (s *Service) createAndEnqueue(ctx context.Context, userID, query string, parentID *string) (*domain.ResearchSession, error) {
	now := time.Now()
	session := &domain.ResearchSession{
		ID:        uuid.NewString(),
		UserID:    userID,
		ParentID:  parentID,
		Query:     query,
		Status:    domain.StatusPending,
		Sources:   []string{},
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.repo.CreateSession(ctx, session); err != nil {
		return nil, rerr.Wrap(rerr.KindPersistence, "create session", err)
	}

	id := session.ID
	if err := s.pool.Enqueue(func(jobCtx context.Context) {
		s.executeResearch(jobCtx, id)
	}); err != nil {
		// The record stays pending; an operator or a retry sweep can requeue it.
		s.logger.Error("failed to enqueue research unit", "session_id", id, "error", err)
		return nil, err
	}

	s.broker.Publish(events.StatusEvent{SessionID: id, Status: domain.StatusPending})
	s.logger.Info("research session enqueued", "session_id", id, "user_id", userID, "continuation", parentID != nil)
	return session, nil
}

// UploadDocument creates a processing document record and enqueues its
// pipeline unit. The raw bytes travel with the unit; only extracted text is
// persisted.
func (s *Service) UploadDocument(ctx context.Context, sessionID, fileName string, data []byte) (*domain.UploadedDocument, error) {
	doc := &domain.UploadedDocument{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		FileName:   fileName,
		FileType:   domain.FileTypeFromName(fileName),
		Status:     domain.DocumentProcessing,
		UploadedAt: time.Now(),
	}

	if err := s.repo.CreateDocument(ctx, doc); err != nil {
		return nil, rerr.Wrap(rerr.KindPersistence, "create document", err)
	}

	id := doc.ID
	fileType := doc.FileType
	if err := s.pool.Enqueue(func(jobCtx context.Context) {
		s.executeDocument(jobCtx, id, fileType, data)
	}); err != nil {
		s.logger.Error("failed to enqueue document unit", "document_id", id, "error", err)
		return nil, err
	}

	s.logger.Info("document enqueued", "document_id", id, "session_id", sessionID, "file_type", fileType)
	return doc, nil
}

// executeResearch drives one session from pending to a terminal state.
func (s *Service) executeResearch(ctx context.Context, sessionID string) {
	claimed, err := s.repo.ClaimSession(ctx, sessionID)
	if err != nil {
		s.logger.Error("failed to claim session", "session_id", sessionID, "error", err)
		return
	}
	if !claimed {
		// Another unit already owns (or owned) this session. Running it again
		// would double-bill and double-generate the report.
		s.logger.Warn("session already claimed, skipping", "session_id", sessionID)
		return
	}
	s.broker.Publish(events.StatusEvent{SessionID: sessionID, Status: domain.StatusRunning})

	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil || session == nil {
		s.logger.Error("failed to load claimed session", "session_id", sessionID, "error", err)
		s.failSession(ctx, sessionID, "load session: storage failure", "", nil)
		return
	}

	parentSummary, docSummaries, err := s.resolveContext(ctx, session)
	if err != nil {
		s.logger.Error("failed to resolve session context", "session_id", sessionID, "error", err)
		s.failSession(ctx, sessionID, err.Error(), "", nil)
		return
	}

	result, runErr := s.adapter.Run(ctx, agent.RunInput{
		Query:             session.Query,
		ParentSummary:     parentSummary,
		DocumentSummaries: docSummaries,
		Model:             s.defaultModel,
	})

	// The adapter returns usage and trace id on both paths; the cost record is
	// created or replaced whenever the unit finishes, success or failure.
	cost := s.costRecord(sessionID, result.Usage)

	if runErr != nil {
		s.logger.Warn("research run failed",
			"session_id", sessionID,
			"trace_id", result.TraceID,
			"timeout", rerr.IsTimeout(runErr),
			"error", runErr)
		s.failSession(ctx, sessionID, runErr.Error(), result.TraceID, cost)
		return
	}

	if err := s.withWriteRetry(ctx, sessionID, func() error {
		return s.repo.CompleteSession(ctx, sessionID, result, cost)
	}); err != nil {
		perr := rerr.Wrap(rerr.KindPersistence, "persist research result", err)
		s.logger.Error("failed to persist completion", "session_id", sessionID, "error", perr)
		s.failSession(ctx, sessionID, perr.Error(), result.TraceID, cost)
		return
	}

	s.broker.Publish(events.StatusEvent{
		SessionID: sessionID,
		Status:    domain.StatusCompleted,
		TraceID:   result.TraceID,
	})
	s.logger.Info("research session completed",
		"session_id", sessionID,
		"trace_id", result.TraceID,
		"total_tokens", result.Usage.TotalTokens)
}

// resolveContext gathers the one-hop parent summary and the ready document
// summaries visible to this session: the parent's documents for a
// continuation, plus the session's own for an upload-first start.
func (s *Service) resolveContext(ctx context.Context, session *domain.ResearchSession) (string, []string, error) {
	var parentSummary string
	var documents []domain.UploadedDocument

	if session.ParentID != nil {
		parent, err := s.repo.GetSession(ctx, *session.ParentID)
		if err != nil {
			return "", nil, rerr.Wrap(rerr.KindPersistence, "load parent session", err)
		}
		var record *domain.ResearchSummary
		if parent != nil {
			record, err = s.repo.GetSummary(ctx, parent.ID)
			if err != nil {
				return "", nil, rerr.Wrap(rerr.KindPersistence, "load parent summary", err)
			}
			parentDocs, err := s.repo.ListDocuments(ctx, parent.ID)
			if err != nil {
				return "", nil, rerr.Wrap(rerr.KindPersistence, "list parent documents", err)
			}
			documents = append(documents, parentDocs...)
		}
		parentSummary = compose.ParentSummary(record, parent)
	}

	ownDocs, err := s.repo.ListDocuments(ctx, session.ID)
	if err != nil {
		return "", nil, rerr.Wrap(rerr.KindPersistence, "list documents", err)
	}
	documents = append(documents, ownDocs...)

	return parentSummary, compose.DocumentSummaries(documents), nil
}

func (s *Service) costRecord(sessionID string, usage domain.TokenUsage) *domain.ResearchCost {
	return &domain.ResearchCost{
		SessionID:    sessionID,
		Model:        usage.Model,
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		TotalTokens:  usage.TotalTokens,
		EstimatedUSD: ledger.EstimateCost(s.pricing, usage),
	}
}

// withWriteRetry retries a terminal-state write on SQLite concurrency errors
// with exponential backoff. Anything else fails immediately.
func (s *Service) withWriteRetry(ctx context.Context, sessionID string, write func() error) error {
	var err error
	for attempt := 0; attempt < writeMaxRetries; attempt++ {
		if err = write(); err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) || ctx.Err() != nil {
			return err
		}
		wait := writeRetryBaseWait * time.Duration(1<<attempt)
		s.logger.Debug("database busy, retrying terminal write",
			"session_id", sessionID, "attempt", attempt+1, "wait", wait)
		time.Sleep(wait)
	}
	return err
}

// failSession performs the best-effort running -> failed transition. If even
// this write fails after retries, the unit gives up; the session stays
// running until an operator intervenes.
func (s *Service) failSession(ctx context.Context, sessionID, message, traceID string, cost *domain.ResearchCost) {
	err := s.withWriteRetry(ctx, sessionID, func() error {
		return s.repo.FailSession(ctx, sessionID, message, traceID, cost)
	})
	if err != nil {
		if errors.Is(err, store.ErrSessionNotRunning) {
			s.logger.Warn("session no longer running, not overwriting terminal state", "session_id", sessionID)
			return
		}
		s.logger.Error("failed to record session failure", "session_id", sessionID, "error", err)
		return
	}
	s.broker.Publish(events.StatusEvent{
		SessionID: sessionID,
		Status:    domain.StatusFailed,
		TraceID:   traceID,
		Error:     message,
	})
}

// executeDocument drives one uploaded document through the pipeline.
func (s *Service) executeDocument(ctx context.Context, docID string, fileType domain.FileType, data []byte) {
	text, summary, err := s.pipeline.Process(ctx, fileType, data)
	if err != nil {
		s.logger.Warn("document processing failed", "document_id", docID, "error", err)
		if ferr := s.repo.FinishDocument(ctx, docID, domain.DocumentFailed, "", ""); ferr != nil {
			s.logger.Error("failed to record document failure", "document_id", docID, "error", ferr)
		}
		return
	}

	if err := s.repo.FinishDocument(ctx, docID, domain.DocumentReady, text, summary); err != nil {
		s.logger.Error("failed to persist document result", "document_id", docID, "error", err)
		return
	}
	s.logger.Info("document processed", "document_id", docID, "summary_chars", len(summary))
}
