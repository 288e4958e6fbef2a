package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/bigkaa/goartstore/ingest-module/internal/blobstore"
	"github.com/bigkaa/goartstore/ingest-module/internal/coordinator"
	"github.com/bigkaa/goartstore/ingest-module/internal/domain/model"
	"github.com/bigkaa/goartstore/ingest-module/internal/events"
	"github.com/bigkaa/goartstore/ingest-module/internal/repository"
	"github.com/bigkaa/goartstore/ingest-module/internal/service"
)

// fakeFiles — in-memory FileRepository.
type fakeFiles struct {
	mu    sync.Mutex
	files map[string]*model.FileRecord
}

func newFakeFiles() *fakeFiles {
	return &fakeFiles{files: make(map[string]*model.FileRecord)}
}

func (r *fakeFiles) put(rec *model.FileRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *rec
	r.files[rec.FileKey] = &cp
}

func (r *fakeFiles) Insert(_ context.Context, rec *model.FileRecord) error {
	r.put(rec)
	return nil
}

func (r *fakeFiles) GetByKey(_ context.Context, fileKey string) (*model.FileRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.files[fileKey]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (r *fakeFiles) UpdateStatus(_ context.Context, fileKey string, expected, next model.FileStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.files[fileKey]
	if !ok || rec.Status != expected {
		return repository.ErrNotFound
	}
	rec.Status = next
	return nil
}

func (r *fakeFiles) status(fileKey string) model.FileStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.files[fileKey]
	if !ok {
		return ""
	}
	return rec.Status
}

// fakeCoord — программируемый syncRequester.
type fakeCoord struct {
	mu       sync.Mutex
	result   coordinator.Result
	err      error
	requests []string // scope/fileKey
	scopes   []string
}

func (c *fakeCoord) RequestSync(_ context.Context, scope, fileKey, _, _ string) (coordinator.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, fileKey)
	c.scopes = append(c.scopes, scope)
	if c.err != nil {
		return "", c.err
	}
	return c.result, nil
}

// fakeQueue — fallback-очередь с записью вызовов.
type fakeQueue struct {
	mu    sync.Mutex
	items []*model.SyncQueueItem
}

func (q *fakeQueue) Enqueue(_ context.Context, item *model.SyncQueueItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	cp := *item
	q.items = append(q.items, &cp)
	return nil
}

func (q *fakeQueue) Remove(_ context.Context, scope, fileKey string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, item := range q.items {
		if item.Scope == scope && item.FileKey == fileKey {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return nil
		}
	}
	return nil
}

func (q *fakeQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// fakeBlobs — BlobStore, для оркестратора важен только Exists.
type fakeBlobs struct {
	exists bool
}

func (b *fakeBlobs) OpenMultipart(context.Context, string, string) (string, error) { return "", nil }
func (b *fakeBlobs) UploadPart(context.Context, string, string, int32, io.Reader) (string, error) {
	return "", nil
}
func (b *fakeBlobs) CompleteMultipart(context.Context, string, string, []blobstore.CompletedPart) (string, error) {
	return "", nil
}
func (b *fakeBlobs) AbortMultipart(context.Context, string, string) error { return nil }
func (b *fakeBlobs) Exists(context.Context, string) (bool, error)         { return b.exists, nil }

func testOrchestrator(t *testing.T) (*Orchestrator, *fakeFiles, *fakeCoord, *fakeQueue, *fakeBlobs, *events.Broadcaster) {
	t.Helper()
	files := newFakeFiles()
	coord := &fakeCoord{result: coordinator.ResultStarted}
	queue := &fakeQueue{}
	blobs := &fakeBlobs{exists: true}
	cache := service.NewCacheService(16, time.Minute)
	broadcaster := events.NewBroadcaster(slog.New(slog.DiscardHandler))

	o := New(files, coord, queue, blobs, cache, broadcaster, "", slog.New(slog.DiscardHandler))
	return o, files, coord, queue, blobs, broadcaster
}

// TestOnUploadCompleted проверяет переход uploaded → syncing и запрос
// индексации в scope tenant-а.
func TestOnUploadCompleted(t *testing.T) {
	o, files, coord, _, _, _ := testOrchestrator(t)
	ctx := context.Background()

	files.put(&model.FileRecord{FileKey: "k1", Tenant: "t1", Status: model.FileUploaded})

	if err := o.OnUploadCompleted(ctx, "t1", "k1", "a.pdf"); err != nil {
		t.Fatalf("OnUploadCompleted: %v", err)
	}
	if files.status("k1") != model.FileSyncing {
		t.Errorf("status = %s, ожидался syncing", files.status("k1"))
	}
	if len(coord.requests) != 1 || coord.requests[0] != "k1" {
		t.Errorf("requests = %v, ожидался [k1]", coord.requests)
	}
	if coord.scopes[0] != "t1" {
		t.Errorf("scope = %s, ожидался t1", coord.scopes[0])
	}
}

// TestOnUploadCompleted_QueuedVisibleAsSyncing проверяет, что queued
// и started неразличимы для статуса файла.
func TestOnUploadCompleted_QueuedVisibleAsSyncing(t *testing.T) {
	o, files, coord, _, _, _ := testOrchestrator(t)
	ctx := context.Background()

	coord.result = coordinator.ResultQueued
	files.put(&model.FileRecord{FileKey: "k1", Tenant: "t1", Status: model.FileUploaded})

	if err := o.OnUploadCompleted(ctx, "t1", "k1", "a.pdf"); err != nil {
		t.Fatalf("OnUploadCompleted: %v", err)
	}
	if files.status("k1") != model.FileSyncing {
		t.Errorf("status = %s, ожидался syncing", files.status("k1"))
	}
}

// TestOnUploadCompleted_HardFailure проверяет перевод в error и
// fallback-запись в очереди при hard failure координатора.
func TestOnUploadCompleted_HardFailure(t *testing.T) {
	o, files, coord, queue, _, _ := testOrchestrator(t)
	ctx := context.Background()

	coord.err = coordinator.ErrHardFailure
	files.put(&model.FileRecord{FileKey: "k1", Tenant: "t1", Status: model.FileUploaded})

	err := o.OnUploadCompleted(ctx, "t1", "k1", "a.pdf")
	if !errors.Is(err, coordinator.ErrHardFailure) {
		t.Fatalf("ожидалась ErrHardFailure, получена: %v", err)
	}
	if files.status("k1") != model.FileError {
		t.Errorf("status = %s, ожидался error", files.status("k1"))
	}
	if len(queue.items) != 1 || queue.items[0].FileKey != "k1" {
		t.Errorf("fallback-запись не создана: %+v", queue.items)
	}
}

// TestOnJobTerminal_Success проверяет конвейер syncing → processing →
// indexing → completed и события на каждый переход.
func TestOnJobTerminal_Success(t *testing.T) {
	o, files, _, _, _, broadcaster := testOrchestrator(t)
	ctx := context.Background()

	files.put(&model.FileRecord{FileKey: "k1", Tenant: "t1", Status: model.FileSyncing})

	ch, unsubscribe := broadcaster.Subscribe()
	defer unsubscribe()

	o.OnJobTerminal(ctx, &model.SyncJob{JobID: "j1", FileKey: "k1", Status: model.JobCompleted}, "")

	if files.status("k1") != model.FileCompleted {
		t.Fatalf("status = %s, ожидался completed", files.status("k1"))
	}

	want := []model.FileStatus{model.FileProcessing, model.FileIndexing, model.FileCompleted}
	for _, expected := range want {
		select {
		case change := <-ch:
			if change.NewStatus != expected {
				t.Errorf("событие NewStatus = %s, ожидался %s", change.NewStatus, expected)
			}
		case <-time.After(time.Second):
			t.Fatalf("событие перехода в %s не получено", expected)
		}
	}
}

// TestOnJobTerminal_Failure проверяет перевод файла в error и уничтожение
// его записи в очереди: после отказа файл поднимается только ручным retry.
func TestOnJobTerminal_Failure(t *testing.T) {
	o, files, _, queue, _, _ := testOrchestrator(t)
	ctx := context.Background()

	files.put(&model.FileRecord{FileKey: "k1", Tenant: "t1", Status: model.FileSyncing})
	if err := queue.Enqueue(ctx, &model.SyncQueueItem{
		Scope: "t1", FileKey: "k1", FileName: "k1", ResourceID: "t1",
		EnqueuedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}

	o.OnJobTerminal(ctx, &model.SyncJob{JobID: "j1", Scope: "t1", FileKey: "k1", Status: model.JobFailed}, "индексация упала")

	if files.status("k1") != model.FileError {
		t.Errorf("status = %s, ожидался error", files.status("k1"))
	}
	if queue.count() != 0 {
		t.Errorf("в очереди %d элементов, ожидалось 0 после отказа", queue.count())
	}
}

// TestOnJobTerminal_FallbackRecovery проверяет подъём файла из error,
// когда fallback-запись очереди дошла до успешного задания.
func TestOnJobTerminal_FallbackRecovery(t *testing.T) {
	o, files, _, _, _, _ := testOrchestrator(t)
	ctx := context.Background()

	files.put(&model.FileRecord{FileKey: "k1", Tenant: "t1", Status: model.FileError})

	o.OnJobTerminal(ctx, &model.SyncJob{JobID: "j2", FileKey: "k1", Status: model.JobCompleted}, "")

	if files.status("k1") != model.FileCompleted {
		t.Errorf("status = %s, ожидался completed", files.status("k1"))
	}
}

// TestRetry проверяет повтор без перезагрузки: error → syncing + RequestSync.
func TestRetry(t *testing.T) {
	o, files, coord, _, _, _ := testOrchestrator(t)
	ctx := context.Background()

	files.put(&model.FileRecord{FileKey: "k1", Tenant: "t1", OriginalFilename: "a.pdf", Status: model.FileError})

	if err := o.Retry(ctx, "t1", "k1"); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if files.status("k1") != model.FileSyncing {
		t.Errorf("status = %s, ожидался syncing", files.status("k1"))
	}
	if len(coord.requests) != 1 {
		t.Errorf("RequestSync вызван %d раз, ожидался 1", len(coord.requests))
	}
}

// TestRetry_NotRetryable проверяет отказ retry вне статуса error.
func TestRetry_NotRetryable(t *testing.T) {
	o, files, _, _, _, _ := testOrchestrator(t)
	ctx := context.Background()

	files.put(&model.FileRecord{FileKey: "k1", Tenant: "t1", Status: model.FileSyncing})

	if err := o.Retry(ctx, "t1", "k1"); !errors.Is(err, ErrNotRetryable) {
		t.Errorf("ожидалась ErrNotRetryable, получена: %v", err)
	}
}

// TestRetry_BlobMissing проверяет отказ retry при отсутствии объекта.
func TestRetry_BlobMissing(t *testing.T) {
	o, files, _, _, blobs, _ := testOrchestrator(t)
	ctx := context.Background()

	blobs.exists = false
	files.put(&model.FileRecord{FileKey: "k1", Tenant: "t1", Status: model.FileError})

	if err := o.Retry(ctx, "t1", "k1"); !errors.Is(err, ErrBlobMissing) {
		t.Errorf("ожидалась ErrBlobMissing, получена: %v", err)
	}
	if files.status("k1") != model.FileError {
		t.Errorf("status = %s, статус не должен меняться", files.status("k1"))
	}
}

// TestRetry_NotFound проверяет ErrFileNotFound.
func TestRetry_NotFound(t *testing.T) {
	o, _, _, _, _, _ := testOrchestrator(t)

	if err := o.Retry(context.Background(), "t1", "нет"); !errors.Is(err, ErrFileNotFound) {
		t.Errorf("ожидалась ErrFileNotFound, получена: %v", err)
	}
}

// TestFileStatus_CacheInvalidation проверяет, что переход статуса
// инвалидирует кэш и следующее чтение видит свежий статус.
func TestFileStatus_CacheInvalidation(t *testing.T) {
	o, files, _, _, _, _ := testOrchestrator(t)
	ctx := context.Background()

	files.put(&model.FileRecord{FileKey: "k1", Tenant: "t1", Status: model.FileSyncing})

	rec, err := o.FileStatus(ctx, "k1")
	if err != nil {
		t.Fatalf("FileStatus: %v", err)
	}
	if rec.Status != model.FileSyncing {
		t.Errorf("status = %s, ожидался syncing", rec.Status)
	}

	// Терминальный успех: кэш обязан инвалидироваться на каждом шаге.
	o.OnJobTerminal(ctx, &model.SyncJob{JobID: "j1", FileKey: "k1", Status: model.JobCompleted}, "")

	rec, err = o.FileStatus(ctx, "k1")
	if err != nil {
		t.Fatalf("FileStatus после перехода: %v", err)
	}
	if rec.Status != model.FileCompleted {
		t.Errorf("status = %s после перехода, ожидался completed (кэш не инвалидирован)", rec.Status)
	}
}

// TestGlobalScope проверяет схлопывание scope-ов в один глобальный.
func TestGlobalScope(t *testing.T) {
	files := newFakeFiles()
	coord := &fakeCoord{result: coordinator.ResultStarted}
	cache := service.NewCacheService(16, time.Minute)
	broadcaster := events.NewBroadcaster(slog.New(slog.DiscardHandler))
	o := New(files, coord, &fakeQueue{}, &fakeBlobs{exists: true}, cache, broadcaster, "global", slog.New(slog.DiscardHandler))
	ctx := context.Background()

	files.put(&model.FileRecord{FileKey: "k1", Tenant: "t1", Status: model.FileUploaded})
	files.put(&model.FileRecord{FileKey: "k2", Tenant: "t2", Status: model.FileUploaded})

	_ = o.OnUploadCompleted(ctx, "t1", "k1", "a.pdf")
	_ = o.OnUploadCompleted(ctx, "t2", "k2", "b.pdf")

	if coord.scopes[0] != "global" || coord.scopes[1] != "global" {
		t.Errorf("scopes = %v, ожидался [global global]", coord.scopes)
	}
}
