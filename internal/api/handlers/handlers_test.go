package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bigkaa/goartstore/ingest-module/internal/blobstore"
	"github.com/bigkaa/goartstore/ingest-module/internal/coordinator"
	"github.com/bigkaa/goartstore/ingest-module/internal/events"
	"github.com/bigkaa/goartstore/ingest-module/internal/indexer"
	"github.com/bigkaa/goartstore/ingest-module/internal/domain/model"
	"github.com/bigkaa/goartstore/ingest-module/internal/orchestrator"
	"github.com/bigkaa/goartstore/ingest-module/internal/repository"
	"github.com/bigkaa/goartstore/ingest-module/internal/service"
	"github.com/bigkaa/goartstore/ingest-module/internal/session"
)

// --- In-memory фейки слоя хранения ---

type fakeSessionRepo struct {
	mu       sync.Mutex
	sessions map[string]*model.UploadSession
}

func newFakeSessionRepo() *fakeSessionRepo {
	return &fakeSessionRepo{sessions: make(map[string]*model.UploadSession)}
}

func (r *fakeSessionRepo) Get(_ context.Context, sessionID string) (*model.UploadSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *fakeSessionRepo) Save(_ context.Context, s *model.UploadSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *s
	r.sessions[s.ID] = &cp
	return nil
}

func (r *fakeSessionRepo) Delete(_ context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
	return nil
}

type fakeFileRepo struct {
	mu    sync.Mutex
	files map[string]*model.FileRecord
}

func newFakeFileRepo() *fakeFileRepo {
	return &fakeFileRepo{files: make(map[string]*model.FileRecord)}
}

func (r *fakeFileRepo) Insert(_ context.Context, rec *model.FileRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *rec
	r.files[rec.FileKey] = &cp
	return nil
}

func (r *fakeFileRepo) GetByKey(_ context.Context, fileKey string) (*model.FileRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.files[fileKey]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (r *fakeFileRepo) UpdateStatus(_ context.Context, fileKey string, expected, next model.FileStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.files[fileKey]
	if !ok || rec.Status != expected {
		return repository.ErrNotFound
	}
	rec.Status = next
	return nil
}

type fakeJobRepo struct {
	mu   sync.Mutex
	jobs map[string]*model.SyncJob
}

func newFakeJobRepo() *fakeJobRepo {
	return &fakeJobRepo{jobs: make(map[string]*model.SyncJob)}
}

func (r *fakeJobRepo) Insert(_ context.Context, job *model.SyncJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *job
	r.jobs[job.JobID] = &cp
	return nil
}

func (r *fakeJobRepo) UpdateStatus(_ context.Context, jobID string, status model.JobStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return repository.ErrNotFound
	}
	job.Status = status
	job.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *fakeJobRepo) Touch(_ context.Context, jobID string, status model.JobStatus) error {
	return r.UpdateStatus(context.Background(), jobID, status)
}

func (r *fakeJobRepo) GetActiveByScope(_ context.Context, scope string) (*model.SyncJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, job := range r.jobs {
		if job.Scope == scope && !job.Status.IsTerminal() {
			cp := *job
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *fakeJobRepo) ListActive(_ context.Context) ([]*model.SyncJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.SyncJob
	for _, job := range r.jobs {
		if !job.Status.IsTerminal() {
			cp := *job
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeJobRepo) CountActiveByScope(_ context.Context, scope string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, job := range r.jobs {
		if job.Scope == scope && !job.Status.IsTerminal() {
			n++
		}
	}
	return n, nil
}

func (r *fakeJobRepo) SelectStale(_ context.Context, olderThan time.Time) ([]*model.SyncJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.SyncJob
	for _, job := range r.jobs {
		if !job.Status.IsTerminal() && job.UpdatedAt.Before(olderThan) {
			cp := *job
			out = append(out, &cp)
		}
	}
	return out, nil
}

type fakeQueueRepo struct {
	mu    sync.Mutex
	items map[string]*model.SyncQueueItem // ключ scope+"/"+fileKey
}

func newFakeQueueRepo() *fakeQueueRepo {
	return &fakeQueueRepo{items: make(map[string]*model.SyncQueueItem)}
}

func (r *fakeQueueRepo) Enqueue(_ context.Context, item *model.SyncQueueItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := item.Scope + "/" + item.FileKey
	if _, ok := r.items[key]; ok {
		return nil
	}
	cp := *item
	r.items[key] = &cp
	return nil
}

func (r *fakeQueueRepo) PopHead(_ context.Context, scope string) (*model.SyncQueueItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var head *model.SyncQueueItem
	var headKey string
	for key, item := range r.items {
		if item.Scope != scope {
			continue
		}
		if head == nil || item.EnqueuedAt.Before(head.EnqueuedAt) {
			head = item
			headKey = key
		}
	}
	if head == nil {
		return nil, repository.ErrNotFound
	}
	delete(r.items, headKey)
	cp := *head
	return &cp, nil
}

func (r *fakeQueueRepo) CountByScope(_ context.Context, scope string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, item := range r.items {
		if item.Scope == scope {
			n++
		}
	}
	return n, nil
}

func (r *fakeQueueRepo) Remove(_ context.Context, scope, fileKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.items, scope+"/"+fileKey)
	return nil
}

type fakeBlobStore struct {
	mu      sync.Mutex
	objects map[string]bool
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{objects: make(map[string]bool)}
}

func (b *fakeBlobStore) OpenMultipart(_ context.Context, key, _ string) (string, error) {
	return "mp-" + key, nil
}

func (b *fakeBlobStore) UploadPart(_ context.Context, _, _ string, partNumber int32, body io.Reader) (string, error) {
	_, _ = io.Copy(io.Discard, body)
	return fmt.Sprintf("etag-%d", partNumber), nil
}

func (b *fakeBlobStore) CompleteMultipart(_ context.Context, key, _ string, _ []blobstore.CompletedPart) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[key] = true
	return key, nil
}

func (b *fakeBlobStore) AbortMultipart(_ context.Context, _, _ string) error {
	return nil
}

func (b *fakeBlobStore) Exists(_ context.Context, key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.objects[key], nil
}

// fakeIndexer принимает все задания и держит их в состоянии running.
type fakeIndexer struct {
	mu   sync.Mutex
	next int
}

func (c *fakeIndexer) StartSync(_ context.Context, _ string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next++
	return fmt.Sprintf("job-%d", c.next), nil
}

func (c *fakeIndexer) GetJobStatus(_ context.Context, _, _ string) (*indexer.JobState, error) {
	return &indexer.JobState{Status: model.JobRunning}, nil
}

// fakeChecker — проверка готовности с фиксированным результатом.
type fakeChecker struct {
	status  string
	message string
}

func (c *fakeChecker) CheckReady() (string, string) {
	return c.status, c.message
}

// --- Фикстура ---

type fixture struct {
	files  *fakeFileRepo
	queue  *fakeQueueRepo
	blobs  *fakeBlobStore
	router *chi.Mux
}

// newFixture собирает полный стек handlers поверх in-memory фейков.
// Маршруты повторяют серверные, но без аутентификации.
func newFixture(t *testing.T, checkers map[string]ReadyChecker) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	files := newFakeFileRepo()
	queue := newFakeQueueRepo()
	blobs := newFakeBlobStore()

	sessMgr := session.NewManager(newFakeSessionRepo(), files, blobs, 5*1024*1024, logger)

	coord := coordinator.NewManager(newFakeJobRepo(), queue, &fakeIndexer{},
		5*time.Millisecond, time.Millisecond, 2, logger)
	t.Cleanup(coord.Stop)

	broadcaster := events.NewBroadcaster(logger)
	cache := service.NewCacheService(16, time.Minute)
	orch := orchestrator.New(files, coord, queue, blobs, cache, broadcaster, "", logger)
	coord.SetTerminalHandler(orch.OnJobTerminal)

	h := New(sessMgr, orch, coord, broadcaster, checkers, logger)

	router := chi.NewRouter()
	router.Get("/health/live", h.HealthLive)
	router.Get("/health/ready", h.HealthReady)
	router.Route("/api/v1", func(r chi.Router) {
		r.Post("/uploads", h.CreateUpload)
		r.Put("/uploads/{sessionID}/parts/{partNumber}", h.UploadPart)
		r.Post("/uploads/{sessionID}/complete", h.CompleteUpload)
		r.Delete("/uploads/{sessionID}", h.AbortUpload)
		r.Get("/uploads/{sessionID}/progress", h.UploadProgress)
		r.Post("/ingest/complete", h.IngestComplete)
		r.Post("/ingest/retry", h.Retry)
		r.Get("/ingest/queue", h.Queue)
		r.Get("/ingest/files/*", h.FileStatusHandler)
	})

	return &fixture{files: files, queue: queue, blobs: blobs, router: router}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("сериализация тела запроса: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("разбор ответа %q: %v", rr.Body.String(), err)
	}
}

// --- Тесты ---

func TestCreateUpload(t *testing.T) {
	f := newFixture(t, nil)

	rr := f.do(t, http.MethodPost, "/api/v1/uploads", map[string]any{
		"tenant": "t1", "filename": "report.pdf", "size": 11 * 1024 * 1024,
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("status = %d, ожидался 201: %s", rr.Code, rr.Body.String())
	}

	var resp createUploadResponse
	decodeBody(t, rr, &resp)
	if resp.SessionID == "" {
		t.Error("ожидался непустой session_id")
	}
	// 11 MiB при части 5 MiB → 3 части
	if resp.TotalParts != 3 {
		t.Errorf("total_parts = %d, ожидалось 3", resp.TotalParts)
	}
}

func TestCreateUpload_Validation(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		name string
		body map[string]any
	}{
		{"без tenant", map[string]any{"filename": "a.pdf", "size": 1}},
		{"без filename", map[string]any{"tenant": "t1", "size": 1}},
		{"нулевой размер", map[string]any{"tenant": "t1", "filename": "a.pdf", "size": 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := f.do(t, http.MethodPost, "/api/v1/uploads", tt.body)
			if rr.Code != http.StatusBadRequest {
				t.Errorf("status = %d, ожидался 400", rr.Code)
			}
		})
	}
}

func TestUploadFlow(t *testing.T) {
	f := newFixture(t, nil)

	rr := f.do(t, http.MethodPost, "/api/v1/uploads", map[string]any{
		"tenant": "t1", "filename": "report.pdf", "size": 20,
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("открытие сессии: status = %d", rr.Code)
	}
	var created createUploadResponse
	decodeBody(t, rr, &created)

	rr = f.do(t, http.MethodPut, "/api/v1/uploads/"+created.SessionID+"/parts/1", "payload-data")
	if rr.Code != http.StatusOK {
		t.Fatalf("загрузка части: status = %d: %s", rr.Code, rr.Body.String())
	}
	var part uploadPartResponse
	decodeBody(t, rr, &part)
	if part.ETag == "" || part.PartsReceived != 1 {
		t.Errorf("часть: etag=%q received=%d, ожидалось etag и 1", part.ETag, part.PartsReceived)
	}

	rr = f.do(t, http.MethodGet, "/api/v1/uploads/"+created.SessionID+"/progress", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("прогресс: status = %d", rr.Code)
	}

	rr = f.do(t, http.MethodPost, "/api/v1/uploads/"+created.SessionID+"/complete", nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("финализация: status = %d: %s", rr.Code, rr.Body.String())
	}
	var completed completeUploadResponse
	decodeBody(t, rr, &completed)
	if completed.FileKey == "" {
		t.Fatal("ожидался непустой file_key")
	}
	if completed.Status != string(model.FileSyncing) {
		t.Errorf("status = %q, ожидалось syncing", completed.Status)
	}

	// Статус файла через wildcard-маршрут (ключ содержит слэши)
	rr = f.do(t, http.MethodGet, "/api/v1/ingest/files/"+completed.FileKey+"/status", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("статус файла: status = %d: %s", rr.Code, rr.Body.String())
	}
	var st ingestResponse
	decodeBody(t, rr, &st)
	if st.FileKey != completed.FileKey {
		t.Errorf("file_key = %q, ожидалось %q", st.FileKey, completed.FileKey)
	}
}

func TestUploadPart_UnknownSession(t *testing.T) {
	f := newFixture(t, nil)

	rr := f.do(t, http.MethodPut, "/api/v1/uploads/no-such/parts/1", "data")
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, ожидался 404", rr.Code)
	}
}

func TestUploadPart_NoContentLength(t *testing.T) {
	f := newFixture(t, nil)

	rr := f.do(t, http.MethodPost, "/api/v1/uploads", map[string]any{
		"tenant": "t1", "filename": "a.pdf", "size": 10,
	})
	if rr.Code != http.StatusCreated {
		t.Fatalf("открытие сессии: status = %d", rr.Code)
	}
	var created createUploadResponse
	decodeBody(t, rr, &created)

	// Обёртка io.NopCloser прячет тип тела — httptest выставляет
	// ContentLength = -1, как при chunked-запросе без Content-Length.
	body := io.NopCloser(strings.NewReader("data"))
	req := httptest.NewRequest(http.MethodPut, "/api/v1/uploads/"+created.SessionID+"/parts/1", body)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusLengthRequired {
		t.Fatalf("status = %d, ожидался 411: %s", rec.Code, rec.Body.String())
	}

	rr = f.do(t, http.MethodGet, "/api/v1/uploads/"+created.SessionID+"/progress", nil)
	var prog progressResponse
	decodeBody(t, rr, &prog)
	if prog.PartsReceived != 0 {
		t.Errorf("parts_received = %d, часть без Content-Length не должна приниматься", prog.PartsReceived)
	}
}

func TestCompleteUpload_Empty(t *testing.T) {
	f := newFixture(t, nil)

	rr := f.do(t, http.MethodPost, "/api/v1/uploads", map[string]any{
		"tenant": "t1", "filename": "a.pdf", "size": 10,
	})
	var created createUploadResponse
	decodeBody(t, rr, &created)

	rr = f.do(t, http.MethodPost, "/api/v1/uploads/"+created.SessionID+"/complete", nil)
	if rr.Code != http.StatusConflict {
		t.Errorf("status = %d, ожидался 409 (ни одной части)", rr.Code)
	}
}

func TestAbortUpload(t *testing.T) {
	f := newFixture(t, nil)

	rr := f.do(t, http.MethodPost, "/api/v1/uploads", map[string]any{
		"tenant": "t1", "filename": "a.pdf", "size": 10,
	})
	var created createUploadResponse
	decodeBody(t, rr, &created)

	rr = f.do(t, http.MethodDelete, "/api/v1/uploads/"+created.SessionID, nil)
	if rr.Code != http.StatusNoContent {
		t.Errorf("status = %d, ожидался 204", rr.Code)
	}

	rr = f.do(t, http.MethodPut, "/api/v1/uploads/"+created.SessionID+"/parts/1", "data")
	if rr.Code != http.StatusConflict {
		t.Errorf("часть после abort: status = %d, ожидался 409", rr.Code)
	}
}

func TestIngestComplete(t *testing.T) {
	f := newFixture(t, nil)

	// Файл зарегистрирован в обход сессий (например, прямой заливкой в S3)
	rec := &model.FileRecord{
		FileKey: "tenants/t1/ext/data.csv", Tenant: "t1",
		OriginalFilename: "data.csv", Size: 42, Status: model.FileUploaded,
	}
	if err := f.files.Insert(context.Background(), rec); err != nil {
		t.Fatal(err)
	}

	rr := f.do(t, http.MethodPost, "/api/v1/ingest/complete", map[string]any{
		"tenant": "t1", "file_key": rec.FileKey, "file_name": "data.csv",
	})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, ожидался 202: %s", rr.Code, rr.Body.String())
	}
	var resp ingestResponse
	decodeBody(t, rr, &resp)
	if resp.Status != string(model.FileSyncing) {
		t.Errorf("status = %q, ожидалось syncing", resp.Status)
	}
}

func TestIngestComplete_NotFound(t *testing.T) {
	f := newFixture(t, nil)

	rr := f.do(t, http.MethodPost, "/api/v1/ingest/complete", map[string]any{
		"tenant": "t1", "file_key": "tenants/t1/missing",
	})
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, ожидался 404: %s", rr.Code, rr.Body.String())
	}
}

func TestRetry_NotRetryable(t *testing.T) {
	f := newFixture(t, nil)

	rec := &model.FileRecord{
		FileKey: "tenants/t1/x", Tenant: "t1",
		OriginalFilename: "x", Size: 1, Status: model.FileSyncing,
	}
	if err := f.files.Insert(context.Background(), rec); err != nil {
		t.Fatal(err)
	}

	rr := f.do(t, http.MethodPost, "/api/v1/ingest/retry", map[string]any{
		"tenant": "t1", "file_key": rec.FileKey,
	})
	if rr.Code != http.StatusConflict {
		t.Errorf("status = %d, ожидался 409: %s", rr.Code, rr.Body.String())
	}
}

func TestQueue(t *testing.T) {
	f := newFixture(t, nil)

	rr := f.do(t, http.MethodGet, "/api/v1/ingest/queue", nil)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("без scope: status = %d, ожидался 400", rr.Code)
	}

	rr = f.do(t, http.MethodGet, "/api/v1/ingest/queue?scope=t1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rr.Code, rr.Body.String())
	}
	var resp queueResponse
	decodeBody(t, rr, &resp)
	if resp.Scope != "t1" || resp.QueuedCount != 0 {
		t.Errorf("queue = %+v, ожидался пустой t1", resp)
	}
}

func TestHealthLive(t *testing.T) {
	f := newFixture(t, nil)

	rr := f.do(t, http.MethodGet, "/health/live", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, ожидался 200", rr.Code)
	}
	var resp healthResponse
	decodeBody(t, rr, &resp)
	if resp.Status != statusOK || resp.Service != "ingest-module" {
		t.Errorf("ответ = %+v", resp)
	}
}

func TestHealthReady(t *testing.T) {
	tests := []struct {
		name     string
		checkers map[string]ReadyChecker
		wantCode int
		want     string
	}{
		{
			"все зависимости ok",
			map[string]ReadyChecker{"database": &fakeChecker{status: statusOK}},
			http.StatusOK, statusOK,
		},
		{
			"degraded — всё ещё 200",
			map[string]ReadyChecker{
				"database": &fakeChecker{status: statusOK},
				"indexer":  &fakeChecker{status: statusDegraded, message: "медленные ответы"},
			},
			http.StatusOK, statusDegraded,
		},
		{
			"fail — 503",
			map[string]ReadyChecker{"database": &fakeChecker{status: statusFail, message: "нет соединения"}},
			http.StatusServiceUnavailable, statusFail,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.checkers)
			rr := f.do(t, http.MethodGet, "/health/ready", nil)
			if rr.Code != tt.wantCode {
				t.Errorf("status = %d, ожидался %d", rr.Code, tt.wantCode)
			}
			var resp healthResponse
			decodeBody(t, rr, &resp)
			if resp.Status != tt.want {
				t.Errorf("итоговый статус = %q, ожидался %q", resp.Status, tt.want)
			}
		})
	}
}
