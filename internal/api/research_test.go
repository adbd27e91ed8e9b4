package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/crestonhq/researchd/internal/agent"
	"github.com/crestonhq/researchd/internal/docs"
	"github.com/crestonhq/researchd/internal/domain"
	"github.com/crestonhq/researchd/internal/events"
	"github.com/crestonhq/researchd/internal/identity"
	"github.com/crestonhq/researchd/internal/ledger"
	"github.com/crestonhq/researchd/internal/runner"
	"github.com/crestonhq/researchd/internal/store"
)

type fakeRepo struct {
	mu        sync.Mutex
	sessions  map[string]*domain.ResearchSession
	documents map[string]*domain.UploadedDocument
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		sessions:  make(map[string]*domain.ResearchSession),
		documents: make(map[string]*domain.UploadedDocument),
	}
}

func (f *fakeRepo) CreateSession(_ context.Context, session *domain.ResearchSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *session
	f.sessions[session.ID] = &copied
	return nil
}

func (f *fakeRepo) GetSession(_ context.Context, id string) (*domain.ResearchSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess := f.sessions[id]
	if sess == nil {
		return nil, nil
	}
	copied := *sess
	return &copied, nil
}

func (f *fakeRepo) GetSessionDetail(ctx context.Context, id string) (*domain.SessionDetail, error) {
	sess, err := f.GetSession(ctx, id)
	if err != nil || sess == nil {
		return nil, err
	}
	return &domain.SessionDetail{Session: *sess}, nil
}

func (f *fakeRepo) ListSessions(_ context.Context, userID string) ([]*domain.ResearchSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.ResearchSession
	for _, s := range f.sessions {
		if s.UserID == userID {
			copied := *s
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (f *fakeRepo) ClaimSession(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess := f.sessions[id]
	if sess == nil || sess.Status != domain.StatusPending {
		return false, nil
	}
	sess.Status = domain.StatusRunning
	return true, nil
}

func (f *fakeRepo) CompleteSession(_ context.Context, id string, result *domain.ResearchResult, _ *domain.ResearchCost) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess := f.sessions[id]
	if sess == nil || sess.Status != domain.StatusRunning {
		return store.ErrSessionNotRunning
	}
	sess.Status = domain.StatusCompleted
	sess.FinalReport = result.FinalReport
	return nil
}

func (f *fakeRepo) FailSession(_ context.Context, id, message, traceID string, _ *domain.ResearchCost) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess := f.sessions[id]
	if sess == nil || sess.Status != domain.StatusRunning {
		return store.ErrSessionNotRunning
	}
	sess.Status = domain.StatusFailed
	sess.ErrorMessage = message
	sess.TraceID = traceID
	return nil
}

func (f *fakeRepo) GetSummary(_ context.Context, _ string) (*domain.ResearchSummary, error) {
	return nil, nil
}

func (f *fakeRepo) CreateDocument(_ context.Context, doc *domain.UploadedDocument) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *doc
	f.documents[doc.ID] = &copied
	return nil
}

func (f *fakeRepo) GetDocument(_ context.Context, id string) (*domain.UploadedDocument, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc := f.documents[id]
	if doc == nil {
		return nil, nil
	}
	copied := *doc
	return &copied, nil
}

func (f *fakeRepo) FinishDocument(_ context.Context, id string, status domain.DocumentStatus, extractedText, summary string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if doc := f.documents[id]; doc != nil {
		doc.Status = status
		doc.ExtractedText = extractedText
		doc.Summary = summary
	}
	return nil
}

func (f *fakeRepo) ListDocuments(_ context.Context, _ string) ([]domain.UploadedDocument, error) {
	return nil, nil
}

func (f *fakeRepo) Ping(_ context.Context) error { return nil }
func (f *fakeRepo) Close() error                 { return nil }

type stubCapability struct{}

func (stubCapability) Invoke(_ context.Context, _ string, _ agent.InvokeOptions, _ ledger.Sink) (*agent.InvokeResult, error) {
	return &agent.InvokeResult{ReportText: "r", SummaryText: "s"}, nil
}

type stubExtractor struct{}

func (stubExtractor) Extract(_ context.Context, data []byte, _ domain.FileType) (string, error) {
	return string(data), nil
}

type stubSummarizer struct{}

func (stubSummarizer) Summarize(_ context.Context, _ string, _ int) (string, error) {
	return "summary", nil
}

func newTestRouter(t *testing.T, repo *fakeRepo) chi.Router {
	t.Helper()

	broker := events.NewBroker()
	pool := runner.NewPool(1, 8)
	adapter := agent.NewAdapter(stubCapability{}, "m", time.Minute)
	pipeline := docs.NewPipeline(stubExtractor{}, stubSummarizer{}, nil)
	svc := runner.NewService(repo, adapter, pipeline, ledger.NewPricing(nil), broker, pool, "m", nil)

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)
	t.Cleanup(cancel)

	r := chi.NewRouter()
	handler := NewResearchHandler(NewHandler(repo, svc))
	handler.RegisterRoutes(r)
	return r
}

func doJSON(t *testing.T, router chi.Router, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req = req.WithContext(identity.WithUserID(req.Context(), userID))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestStartEndpoint(t *testing.T) {
	repo := newFakeRepo()
	router := newTestRouter(t, repo)

	rr := doJSON(t, router, http.MethodPost, "/api/research/start", "anon_u1",
		map[string]string{"query": "what is dark matter"})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}

	var sess domain.ResearchSession
	if err := json.Unmarshal(rr.Body.Bytes(), &sess); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if sess.ID == "" || sess.Status != domain.StatusPending {
		t.Fatalf("unexpected session in response: %+v", sess)
	}
	if sess.UserID != "anon_u1" {
		t.Fatalf("session must belong to the caller, got %q", sess.UserID)
	}
}

func TestStartEndpointValidation(t *testing.T) {
	router := newTestRouter(t, newFakeRepo())

	rr := doJSON(t, router, http.MethodPost, "/api/research/start", "anon_u1",
		map[string]string{"query": "   "})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("blank query must be rejected, got %d", rr.Code)
	}

	rr = doJSON(t, router, http.MethodPost, "/api/research/start", "anon_u1",
		map[string]string{"query": strings.Repeat("q", 5000)})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("oversized query must be rejected, got %d", rr.Code)
	}
}

func TestContinueEndpointConflicts(t *testing.T) {
	repo := newFakeRepo()
	router := newTestRouter(t, repo)

	running := &domain.ResearchSession{ID: "p1", UserID: "anon_u1", Query: "q", Status: domain.StatusRunning}
	if err := repo.CreateSession(context.Background(), running); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	rr := doJSON(t, router, http.MethodPost, "/api/research/p1/continue", "anon_u1",
		map[string]string{"query": "more"})
	if rr.Code != http.StatusConflict {
		t.Fatalf("continuation from running parent must 409, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = doJSON(t, router, http.MethodPost, "/api/research/missing/continue", "anon_u1",
		map[string]string{"query": "more"})
	if rr.Code != http.StatusNotFound {
		t.Fatalf("missing parent must 404, got %d", rr.Code)
	}
}

func TestContinueEndpointOwnership(t *testing.T) {
	repo := newFakeRepo()
	router := newTestRouter(t, repo)

	parent := &domain.ResearchSession{ID: "p1", UserID: "anon_owner", Query: "q", Status: domain.StatusCompleted}
	if err := repo.CreateSession(context.Background(), parent); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	rr := doJSON(t, router, http.MethodPost, "/api/research/p1/continue", "anon_other",
		map[string]string{"query": "more"})
	if rr.Code != http.StatusNotFound {
		t.Fatalf("foreign session must look absent, got %d", rr.Code)
	}
}

func TestGetEndpoint(t *testing.T) {
	repo := newFakeRepo()
	router := newTestRouter(t, repo)

	sess := &domain.ResearchSession{ID: "s1", UserID: "anon_u1", Query: "q", Status: domain.StatusCompleted}
	if err := repo.CreateSession(context.Background(), sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	rr := doJSON(t, router, http.MethodGet, "/api/research/s1", "anon_u1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	var detail domain.SessionDetail
	if err := json.Unmarshal(rr.Body.Bytes(), &detail); err != nil {
		t.Fatalf("decode detail: %v", err)
	}
	if detail.Session.ID != "s1" {
		t.Fatalf("unexpected detail: %+v", detail)
	}

	rr = doJSON(t, router, http.MethodGet, "/api/research/s1", "anon_other", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("foreign session must look absent, got %d", rr.Code)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	repo := newFakeRepo()
	router := newTestRouter(t, repo)

	for _, id := range []string{"a", "b"} {
		sess := &domain.ResearchSession{ID: id, UserID: "anon_u1", Query: "q", Status: domain.StatusCompleted}
		if err := repo.CreateSession(context.Background(), sess); err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
	}

	rr := doJSON(t, router, http.MethodGet, "/api/research/history", "anon_u1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	var out struct {
		Sessions []domain.ResearchSession `json:"sessions"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(out.Sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(out.Sessions))
	}

	rr = doJSON(t, router, http.MethodGet, "/api/research/history", "anon_empty", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for empty history, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"sessions":[]`) {
		t.Fatalf("empty history must be an empty array: %s", rr.Body.String())
	}
}

func uploadRequest(t *testing.T, path, userID, fileName string, content []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", fileName)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := fw.Write(content); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req.WithContext(identity.WithUserID(req.Context(), userID))
}

func TestUploadEndpoint(t *testing.T) {
	repo := newFakeRepo()
	router := newTestRouter(t, repo)

	sess := &domain.ResearchSession{ID: "s1", UserID: "anon_u1", Query: "q", Status: domain.StatusPending}
	if err := repo.CreateSession(context.Background(), sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	req := uploadRequest(t, "/api/research/s1/upload", "anon_u1", "notes.txt", []byte("text"))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}

	var doc domain.UploadedDocument
	if err := json.Unmarshal(rr.Body.Bytes(), &doc); err != nil {
		t.Fatalf("decode document: %v", err)
	}
	if doc.Status != domain.DocumentProcessing || doc.FileType != domain.FileTypeTXT {
		t.Fatalf("unexpected document in response: %+v", doc)
	}
}

func TestUploadEndpointRejectsUnsupportedType(t *testing.T) {
	repo := newFakeRepo()
	router := newTestRouter(t, repo)

	sess := &domain.ResearchSession{ID: "s1", UserID: "anon_u1", Query: "q", Status: domain.StatusPending}
	if err := repo.CreateSession(context.Background(), sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	req := uploadRequest(t, "/api/research/s1/upload", "anon_u1", "image.png", []byte{1, 2, 3})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected 415, got %d", rr.Code)
	}
}

func TestUploadEndpointSessionNotFound(t *testing.T) {
	router := newTestRouter(t, newFakeRepo())

	req := uploadRequest(t, "/api/research/missing/upload", "anon_u1", "notes.txt", []byte("text"))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}
