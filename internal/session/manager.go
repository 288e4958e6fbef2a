// Пакет session — durable-сессии multipart-загрузки.
//
// Каждая сессия реализована как актор-на-ключ: все операции над одной
// сессией сериализуются её мьютексом, состояние мутируется только под ним
// и после каждой мутации пишется в репозиторий (write-through). После
// рестарта сервиса сессия восстанавливается из репозитория при первом
// обращении — загрузка продолжается с уже полученных частей.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/ingest-module/internal/blobstore"
	"github.com/bigkaa/goartstore/ingest-module/internal/domain/model"
	"github.com/bigkaa/goartstore/ingest-module/internal/repository"
)

// Prometheus-метрики сессий загрузки.
var (
	sessionsOpenedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "im_upload_sessions_opened_total",
		Help: "Общее количество открытых сессий загрузки",
	})
	sessionsCompletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "im_upload_sessions_completed_total",
		Help: "Общее количество успешно финализированных сессий",
	})
	sessionsAbortedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "im_upload_sessions_aborted_total",
		Help: "Общее количество прерванных сессий",
	})
	partsUploadedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "im_upload_parts_total",
		Help: "Общее количество загруженных частей",
	})
	bytesUploadedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "im_upload_bytes_total",
		Help: "Общий объём загруженных байт",
	})
)

// entry — актор одной сессии: мьютекс сериализует операции,
// sess — in-memory копия durable-состояния.
type entry struct {
	mu   sync.Mutex
	sess *model.UploadSession
}

// Manager — управление сессиями multipart-загрузки.
type Manager struct {
	mu      sync.Mutex
	entries map[string]*entry

	sessions repository.SessionRepository
	files    repository.FileRepository
	blobs    blobstore.BlobStore
	partSize int64
	logger   *slog.Logger
}

// NewManager создаёт менеджер сессий загрузки.
// partSize — размер части в байтах (минимум 5 МиБ — ограничение S3).
func NewManager(
	sessions repository.SessionRepository,
	files repository.FileRepository,
	blobs blobstore.BlobStore,
	partSize int64,
	logger *slog.Logger,
) *Manager {
	return &Manager{
		entries:  make(map[string]*entry),
		sessions: sessions,
		files:    files,
		blobs:    blobs,
		partSize: partSize,
		logger:   logger.With(slog.String("component", "session_manager")),
	}
}

// PartSize возвращает настроенный размер части в байтах.
func (m *Manager) PartSize() int64 {
	return m.partSize
}

// Create открывает новую сессию загрузки: открывает multipart-сессию
// в blob-хранилище и сохраняет durable-состояние.
func (m *Manager) Create(ctx context.Context, tenant, filename string, declaredSize int64, contentType string) (*model.UploadSession, error) {
	if tenant == "" {
		return nil, fmt.Errorf("tenant не указан")
	}
	if filename == "" {
		return nil, fmt.Errorf("имя файла не указано")
	}
	if declaredSize <= 0 {
		return nil, fmt.Errorf("недопустимый размер файла: %d", declaredSize)
	}

	now := time.Now().UTC()
	sessionID := fmt.Sprintf("%s-%d", tenant, now.UnixNano())
	blobKey := fmt.Sprintf("tenants/%s/%s/%s", tenant, uuid.NewString(), filename)
	totalParts := int32((declaredSize + m.partSize - 1) / m.partSize)

	uploadID, err := m.blobs.OpenMultipart(ctx, blobKey, contentType)
	if err != nil {
		return nil, fmt.Errorf("открытие multipart-сессии: %w", err)
	}

	sess := &model.UploadSession{
		ID:               sessionID,
		Tenant:           tenant,
		BlobKey:          blobKey,
		UploadID:         uploadID,
		OriginalFilename: filename,
		DeclaredSize:     declaredSize,
		TotalParts:       totalParts,
		Parts:            make(map[int32]model.PartInfo),
		Status:           model.SessionCreated,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := m.sessions.Save(ctx, sess); err != nil {
		// Сессия не durable — освобождаем ресурсы хранилища.
		if abortErr := m.blobs.AbortMultipart(ctx, blobKey, uploadID); abortErr != nil {
			m.logger.Error("Не удалось прервать multipart-сессию после сбоя сохранения",
				slog.String("session_id", sessionID),
				slog.String("error", abortErr.Error()),
			)
		}
		return nil, fmt.Errorf("сохранение сессии: %w", err)
	}

	m.mu.Lock()
	m.entries[sessionID] = &entry{sess: sess}
	m.mu.Unlock()

	sessionsOpenedTotal.Inc()
	m.logger.Info("Сессия загрузки открыта",
		slog.String("session_id", sessionID),
		slog.String("tenant", tenant),
		slog.String("blob_key", blobKey),
		slog.Int("total_parts", int(totalParts)),
	)
	return snapshot(sess), nil
}

// UploadPart принимает часть с указанным номером. Повтор того же номера
// перезаписывает часть (last-write-wins), финальное количество частей
// не меняется.
func (m *Manager) UploadPart(ctx context.Context, sessionID string, partNumber int32, size int64, body io.Reader) (*model.UploadSession, error) {
	e, err := m.acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer e.mu.Unlock()

	sess := e.sess
	if sess.Status == model.SessionCompleted || sess.Status == model.SessionAborted {
		return nil, ErrSessionClosed
	}
	if partNumber < 1 || partNumber > sess.TotalParts {
		return nil, fmt.Errorf("%w: %d (допустимо 1..%d)", ErrInvalidPartNumber, partNumber, sess.TotalParts)
	}

	etag, err := m.blobs.UploadPart(ctx, sess.BlobKey, sess.UploadID, partNumber, body)
	if err != nil {
		// Часть не записана в durable-состояние — клиент повторит её.
		return nil, fmt.Errorf("загрузка части %d: %w", partNumber, err)
	}

	sess.Parts[partNumber] = model.PartInfo{ETag: etag, Size: size}
	if sess.Status == model.SessionCreated {
		sess.Status = model.SessionReceiving
	}
	sess.UpdatedAt = time.Now().UTC()

	if err := m.sessions.Save(ctx, sess); err != nil {
		return nil, fmt.Errorf("сохранение сессии после части %d: %w", partNumber, err)
	}

	partsUploadedTotal.Inc()
	bytesUploadedTotal.Add(float64(size))
	m.logger.Debug("Часть принята",
		slog.String("session_id", sessionID),
		slog.Int("part", int(partNumber)),
		slog.Int("received", int(sess.PartsReceived())),
		slog.Int("total", int(sess.TotalParts)),
	)
	return snapshot(sess), nil
}

// Progress возвращает текущее состояние сессии.
func (m *Manager) Progress(ctx context.Context, sessionID string) (*model.UploadSession, error) {
	e, err := m.acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer e.mu.Unlock()
	return snapshot(e.sess), nil
}

// Complete финализирует загрузку: собирает объект из частей, создаёт
// запись file_registry со статусом uploaded и закрывает сессию.
// Наличия всех расчётных частей не требуется — момент «частей достаточно»
// определяет вызывающая сторона (файл может быть намеренно фрагментирован).
// Требуется хотя бы одна часть. При сбое финализации сессия остаётся
// в receiving — клиент может повторить Complete без перезагрузки частей.
func (m *Manager) Complete(ctx context.Context, sessionID string) (*model.FileRecord, error) {
	e, err := m.acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer e.mu.Unlock()

	sess := e.sess
	if sess.Status == model.SessionCompleted || sess.Status == model.SessionAborted {
		return nil, ErrSessionClosed
	}
	if sess.PartsReceived() == 0 {
		return nil, fmt.Errorf("%w: частей не получено", ErrIncompleteSession)
	}
	if sess.PartsReceived() < sess.TotalParts {
		m.logger.Warn("Финализация с неполным набором частей",
			slog.String("session_id", sessionID),
			slog.Int("received", int(sess.PartsReceived())),
			slog.Int("total", int(sess.TotalParts)),
		)
	}

	parts := make([]blobstore.CompletedPart, 0, len(sess.Parts))
	var totalSize int64
	for number, info := range sess.Parts {
		parts = append(parts, blobstore.CompletedPart{Number: number, ETag: info.ETag})
		totalSize += info.Size
	}

	if _, err := m.blobs.CompleteMultipart(ctx, sess.BlobKey, sess.UploadID, parts); err != nil {
		return nil, fmt.Errorf("финализация загрузки: %w", err)
	}

	rec := &model.FileRecord{
		FileKey:          sess.BlobKey,
		Tenant:           sess.Tenant,
		OriginalFilename: sess.OriginalFilename,
		Size:             totalSize,
		Status:           model.FileUploaded,
	}
	if err := m.files.Insert(ctx, rec); err != nil {
		return nil, fmt.Errorf("создание записи file_registry: %w", err)
	}

	sess.Status = model.SessionCompleted
	sess.UpdatedAt = time.Now().UTC()
	if err := m.sessions.Save(ctx, sess); err != nil {
		return nil, fmt.Errorf("сохранение финализированной сессии: %w", err)
	}

	m.removeEntry(sessionID)

	sessionsCompletedTotal.Inc()
	m.logger.Info("Загрузка финализирована",
		slog.String("session_id", sessionID),
		slog.String("file_key", rec.FileKey),
		slog.Int64("size", totalSize),
	)
	return rec, nil
}

// Abort прерывает сессию и освобождает ресурсы blob-хранилища.
func (m *Manager) Abort(ctx context.Context, sessionID string) error {
	e, err := m.acquire(ctx, sessionID)
	if err != nil {
		return err
	}
	defer e.mu.Unlock()

	sess := e.sess
	if sess.Status == model.SessionCompleted || sess.Status == model.SessionAborted {
		return ErrSessionClosed
	}

	if err := m.blobs.AbortMultipart(ctx, sess.BlobKey, sess.UploadID); err != nil {
		return fmt.Errorf("прерывание multipart-сессии: %w", err)
	}

	sess.Status = model.SessionAborted
	sess.UpdatedAt = time.Now().UTC()
	if err := m.sessions.Save(ctx, sess); err != nil {
		return fmt.Errorf("сохранение прерванной сессии: %w", err)
	}

	m.removeEntry(sessionID)

	sessionsAbortedTotal.Inc()
	m.logger.Info("Сессия прервана", slog.String("session_id", sessionID))
	return nil
}

// acquire возвращает актор сессии с захваченным мьютексом.
// Неизвестная сессия восстанавливается из репозитория (рестарт сервиса).
func (m *Manager) acquire(ctx context.Context, sessionID string) (*entry, error) {
	m.mu.Lock()
	e, ok := m.entries[sessionID]
	if !ok {
		e = &entry{}
		m.entries[sessionID] = e
	}
	m.mu.Unlock()

	e.mu.Lock()
	if e.sess == nil {
		sess, err := m.sessions.Get(ctx, sessionID)
		if err != nil {
			e.mu.Unlock()
			m.removeEntry(sessionID)
			if errors.Is(err, repository.ErrNotFound) {
				return nil, ErrSessionNotFound
			}
			return nil, fmt.Errorf("восстановление сессии %s: %w", sessionID, err)
		}
		e.sess = sess
		m.logger.Debug("Сессия восстановлена из репозитория",
			slog.String("session_id", sessionID),
			slog.Int("received", int(sess.PartsReceived())),
		)
	}
	return e, nil
}

// removeEntry удаляет актор завершённой сессии из карты.
func (m *Manager) removeEntry(sessionID string) {
	m.mu.Lock()
	delete(m.entries, sessionID)
	m.mu.Unlock()
}

// snapshot возвращает копию сессии для использования вне мьютекса актора.
func snapshot(s *model.UploadSession) *model.UploadSession {
	cp := *s
	cp.Parts = make(map[int32]model.PartInfo, len(s.Parts))
	for n, p := range s.Parts {
		cp.Parts[n] = p
	}
	return &cp
}
