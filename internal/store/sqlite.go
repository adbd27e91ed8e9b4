package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/crestonhq/researchd/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	PRAGMA foreign_keys = ON;

	CREATE TABLE IF NOT EXISTS research_sessions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		parent_id TEXT REFERENCES research_sessions(id) ON DELETE SET NULL,
		query TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		trace_id TEXT NOT NULL DEFAULT '',
		final_report TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL DEFAULT '',
		sources_json TEXT NOT NULL DEFAULT '[]',
		error_message TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		completed_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_user ON research_sessions(user_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON research_sessions(status);

	CREATE TABLE IF NOT EXISTS research_summaries (
		session_id TEXT PRIMARY KEY REFERENCES research_sessions(id) ON DELETE CASCADE,
		content TEXT NOT NULL,
		key_findings_json TEXT NOT NULL DEFAULT '[]',
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS reasoning_steps (
		session_id TEXT NOT NULL REFERENCES research_sessions(id) ON DELETE CASCADE,
		position INTEGER NOT NULL,
		step_type TEXT NOT NULL,
		description TEXT NOT NULL,
		metadata_json TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL,
		PRIMARY KEY (session_id, position)
	);

	CREATE TABLE IF NOT EXISTS uploaded_documents (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES research_sessions(id) ON DELETE CASCADE,
		file_name TEXT NOT NULL,
		file_type TEXT NOT NULL,
		extracted_text TEXT NOT NULL DEFAULT '',
		summary TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'processing',
		uploaded_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_documents_session ON uploaded_documents(session_id, uploaded_at);

	CREATE TABLE IF NOT EXISTS research_costs (
		session_id TEXT PRIMARY KEY REFERENCES research_sessions(id) ON DELETE CASCADE,
		model TEXT NOT NULL,
		input_tokens INTEGER NOT NULL DEFAULT 0,
		output_tokens INTEGER NOT NULL DEFAULT 0,
		total_tokens INTEGER NOT NULL DEFAULT 0,
		estimated_cost_usd REAL NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// CreateSession persists a new session record.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.ResearchSession) error {
	sources, err := marshalStrings(session.Sources)
	if err != nil {
		return fmt.Errorf("marshal sources: %w", err)
	}

	var parentID interface{}
	if session.ParentID != nil {
		parentID = *session.ParentID
	}

	query := `
	INSERT INTO research_sessions (
		id, user_id, parent_id, query, status, trace_id,
		final_report, summary, sources_json, error_message,
		created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query,
		session.ID, session.UserID, parentID, session.Query, session.Status, session.TraceID,
		session.FinalReport, session.Summary, sources, session.ErrorMessage,
		session.CreatedAt.Unix(), session.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

const sessionColumns = `id, user_id, parent_id, query, status, trace_id,
	final_report, summary, sources_json, error_message,
	created_at, updated_at, completed_at`

func scanSession(row interface{ Scan(...any) error }) (*domain.ResearchSession, error) {
	var sess domain.ResearchSession
	var parentID sql.NullString
	var sources string
	var createdAt, updatedAt int64
	var completedAt sql.NullInt64

	err := row.Scan(
		&sess.ID, &sess.UserID, &parentID, &sess.Query, &sess.Status, &sess.TraceID,
		&sess.FinalReport, &sess.Summary, &sources, &sess.ErrorMessage,
		&createdAt, &updatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	if parentID.Valid {
		sess.ParentID = &parentID.String
	}
	if err := json.Unmarshal([]byte(sources), &sess.Sources); err != nil {
		return nil, fmt.Errorf("unmarshal sources: %w", err)
	}
	sess.CreatedAt = time.Unix(createdAt, 0)
	sess.UpdatedAt = time.Unix(updatedAt, 0)
	if completedAt.Valid {
		ts := time.Unix(completedAt.Int64, 0)
		sess.CompletedAt = &ts
	}
	return &sess, nil
}

// GetSession retrieves a session by id.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*domain.ResearchSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM research_sessions WHERE id = ?`, id)

	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return sess, nil
}

// ListSessions returns a user's sessions, newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context, userID string) ([]*domain.ResearchSession, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM research_sessions WHERE user_id = ? ORDER BY created_at DESC, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer closeRows(rows, "sessions")

	var sessions []*domain.ResearchSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// ClaimSession performs the pending -> running transition via a conditional
// update. At most one caller ever observes true for a given session.
func (s *SQLiteStore) ClaimSession(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE research_sessions SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		domain.StatusRunning, time.Now().Unix(), id, domain.StatusPending,
	)
	if err != nil {
		return false, fmt.Errorf("claim session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return rows == 1, nil
}

// CompleteSession persists the full result of a successful run as one
// transaction: session fields, summary record, reasoning steps and cost.
func (s *SQLiteStore) CompleteSession(ctx context.Context, id string, result *domain.ResearchResult, cost *domain.ResearchCost) error {
	sources, err := marshalStrings(result.Sources)
	if err != nil {
		return fmt.Errorf("marshal sources: %w", err)
	}

	// Top sources double as key findings on the summary record.
	findings := result.Sources
	if len(findings) > 10 {
		findings = findings[:10]
	}
	findingsJSON, err := marshalStrings(findings)
	if err != nil {
		return fmt.Errorf("marshal key findings: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer rollback(tx)

	now := time.Now().Unix()
	res, err := tx.ExecContext(ctx, `
		UPDATE research_sessions
		SET status = ?, final_report = ?, summary = ?, sources_json = ?,
		    trace_id = ?, updated_at = ?, completed_at = ?
		WHERE id = ? AND status = ?`,
		domain.StatusCompleted, result.FinalReport, result.Summary, sources,
		result.TraceID, now, now,
		id, domain.StatusRunning,
	)
	if err != nil {
		return fmt.Errorf("complete session: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	} else if n == 0 {
		return ErrSessionNotRunning
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO research_summaries (session_id, content, key_findings_json, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			content = excluded.content,
			key_findings_json = excluded.key_findings_json`,
		id, result.Summary, findingsJSON, now,
	)
	if err != nil {
		return fmt.Errorf("insert summary: %w", err)
	}

	for i, step := range result.Reasoning {
		metadata, err := marshalMetadata(step.Metadata)
		if err != nil {
			return fmt.Errorf("marshal step metadata: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO reasoning_steps (session_id, position, step_type, description, metadata_json, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			id, i, step.Type, step.Description, metadata, now,
		)
		if err != nil {
			return fmt.Errorf("insert reasoning step: %w", err)
		}
	}

	if cost != nil {
		if err := upsertCost(ctx, tx, id, cost, now); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit completion: %w", err)
	}
	return nil
}

// FailSession records the running -> failed transition with the error message
// and whatever partial trace/cost data is available.
func (s *SQLiteStore) FailSession(ctx context.Context, id, message, traceID string, cost *domain.ResearchCost) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer rollback(tx)

	now := time.Now().Unix()
	res, err := tx.ExecContext(ctx, `
		UPDATE research_sessions
		SET status = ?, error_message = ?, trace_id = ?, updated_at = ?, completed_at = ?
		WHERE id = ? AND status = ?`,
		domain.StatusFailed, message, traceID, now, now,
		id, domain.StatusRunning,
	)
	if err != nil {
		return fmt.Errorf("fail session: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	} else if n == 0 {
		return ErrSessionNotRunning
	}

	if cost != nil {
		if err := upsertCost(ctx, tx, id, cost, now); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit failure: %w", err)
	}
	return nil
}

func upsertCost(ctx context.Context, tx *sql.Tx, sessionID string, cost *domain.ResearchCost, now int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO research_costs (session_id, model, input_tokens, output_tokens, total_tokens, estimated_cost_usd, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			model = excluded.model,
			input_tokens = excluded.input_tokens,
			output_tokens = excluded.output_tokens,
			total_tokens = excluded.total_tokens,
			estimated_cost_usd = excluded.estimated_cost_usd`,
		sessionID, cost.Model, cost.InputTokens, cost.OutputTokens, cost.TotalTokens, cost.EstimatedUSD, now,
	)
	if err != nil {
		return fmt.Errorf("upsert cost: %w", err)
	}
	return nil
}

// GetSummary retrieves the summary record for a session.
func (s *SQLiteStore) GetSummary(ctx context.Context, sessionID string) (*domain.ResearchSummary, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, content, key_findings_json, created_at
		FROM research_summaries WHERE session_id = ?`, sessionID)

	var sum domain.ResearchSummary
	var findings string
	var createdAt int64
	err := row.Scan(&sum.SessionID, &sum.Content, &findings, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan summary row: %w", err)
	}
	if err := json.Unmarshal([]byte(findings), &sum.KeyFindings); err != nil {
		return nil, fmt.Errorf("unmarshal key findings: %w", err)
	}
	sum.CreatedAt = time.Unix(createdAt, 0)
	return &sum, nil
}

// GetSessionDetail retrieves a session with all of its owned records.
func (s *SQLiteStore) GetSessionDetail(ctx context.Context, id string) (*domain.SessionDetail, error) {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, nil
	}

	detail := &domain.SessionDetail{Session: *sess}

	if detail.Summary, err = s.GetSummary(ctx, id); err != nil {
		return nil, err
	}
	if detail.Reasoning, err = s.listReasoning(ctx, id); err != nil {
		return nil, err
	}
	if detail.Documents, err = s.ListDocuments(ctx, id); err != nil {
		return nil, err
	}
	if detail.Cost, err = s.getCost(ctx, id); err != nil {
		return nil, err
	}
	return detail, nil
}

func (s *SQLiteStore) listReasoning(ctx context.Context, sessionID string) ([]domain.ReasoningStep, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT step_type, description, metadata_json
		FROM reasoning_steps WHERE session_id = ? ORDER BY position`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query reasoning steps: %w", err)
	}
	defer closeRows(rows, "reasoning steps")

	var steps []domain.ReasoningStep
	for rows.Next() {
		var step domain.ReasoningStep
		var metadata string
		if err := rows.Scan(&step.Type, &step.Description, &metadata); err != nil {
			return nil, fmt.Errorf("scan reasoning step: %w", err)
		}
		if err := json.Unmarshal([]byte(metadata), &step.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal step metadata: %w", err)
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reasoning steps: %w", err)
	}
	return steps, nil
}

func (s *SQLiteStore) getCost(ctx context.Context, sessionID string) (*domain.ResearchCost, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, model, input_tokens, output_tokens, total_tokens, estimated_cost_usd, created_at
		FROM research_costs WHERE session_id = ?`, sessionID)

	var cost domain.ResearchCost
	var createdAt int64
	err := row.Scan(&cost.SessionID, &cost.Model, &cost.InputTokens, &cost.OutputTokens,
		&cost.TotalTokens, &cost.EstimatedUSD, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan cost row: %w", err)
	}
	cost.CreatedAt = time.Unix(createdAt, 0)
	return &cost, nil
}

// CreateDocument persists a new uploaded document record.
func (s *SQLiteStore) CreateDocument(ctx context.Context, doc *domain.UploadedDocument) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO uploaded_documents (id, session_id, file_name, file_type, extracted_text, summary, status, uploaded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.SessionID, doc.FileName, doc.FileType,
		doc.ExtractedText, doc.Summary, doc.Status, doc.UploadedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

// GetDocument retrieves a document by id.
func (s *SQLiteStore) GetDocument(ctx context.Context, id string) (*domain.UploadedDocument, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, file_name, file_type, extracted_text, summary, status, uploaded_at
		FROM uploaded_documents WHERE id = ?`, id)

	doc, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan document row: %w", err)
	}
	return doc, nil
}

func scanDocument(row interface{ Scan(...any) error }) (*domain.UploadedDocument, error) {
	var doc domain.UploadedDocument
	var uploadedAt int64
	err := row.Scan(&doc.ID, &doc.SessionID, &doc.FileName, &doc.FileType,
		&doc.ExtractedText, &doc.Summary, &doc.Status, &uploadedAt)
	if err != nil {
		return nil, err
	}
	doc.UploadedAt = time.Unix(uploadedAt, 0)
	return &doc, nil
}

// FinishDocument records the pipeline outcome for a document. Documents are
// mutated exactly once: only a processing document can be finished.
func (s *SQLiteStore) FinishDocument(ctx context.Context, id string, status domain.DocumentStatus, extractedText, summary string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE uploaded_documents SET status = ?, extracted_text = ?, summary = ?
		WHERE id = ? AND status = ?`,
		status, extractedText, summary, id, domain.DocumentProcessing,
	)
	if err != nil {
		return fmt.Errorf("finish document: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("FinishDocument affected 0 rows", "document_id", id, "status", status)
	}
	return nil
}

// ListDocuments returns a session's documents in upload order.
func (s *SQLiteStore) ListDocuments(ctx context.Context, sessionID string) ([]domain.UploadedDocument, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, file_name, file_type, extracted_text, summary, status, uploaded_at
		FROM uploaded_documents WHERE session_id = ? ORDER BY uploaded_at, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer closeRows(rows, "documents")

	var docs []domain.UploadedDocument
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document row: %w", err)
		}
		docs = append(docs, *doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return docs, nil
}

func marshalStrings(values []string) (string, error) {
	if values == nil {
		values = []string{}
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func marshalMetadata(metadata map[string]any) (string, error) {
	if metadata == nil {
		return "{}", nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func closeRows(rows *sql.Rows, what string) {
	if err := rows.Close(); err != nil {
		slog.Warn("failed to close rows", "what", what, "error", err)
	}
}

func rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
		slog.Warn("failed to roll back transaction", "error", err)
	}
}
