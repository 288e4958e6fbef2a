// ingest.go — handlers координации ингестии: регистрация внешних файлов,
// retry, статус файла и очереди.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/goartstore/ingest-module/internal/api/errors"
	"github.com/bigkaa/goartstore/ingest-module/internal/coordinator"
	"github.com/bigkaa/goartstore/ingest-module/internal/orchestrator"
)

// ingestCompleteRequest — тело POST /api/v1/ingest/complete.
// Для файлов, загруженных в обход сессий (например, напрямую в S3).
type ingestCompleteRequest struct {
	Tenant   string `json:"tenant"`
	FileKey  string `json:"file_key"`
	FileName string `json:"file_name"`
}

// ingestResponse — статус файла после операции координации.
type ingestResponse struct {
	FileKey string `json:"file_key"`
	Status  string `json:"status"`
}

// IngestComplete обрабатывает POST /api/v1/ingest/complete.
// Запускает оркестрацию для уже зарегистрированного файла.
func (h *Handler) IngestComplete(w http.ResponseWriter, r *http.Request) {
	var req ingestCompleteRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Tenant == "" || req.FileKey == "" {
		apierrors.ValidationError(w, "tenant и file_key обязательны")
		return
	}
	if req.FileName == "" {
		req.FileName = req.FileKey
	}

	if err := h.orch.OnUploadCompleted(r.Context(), req.Tenant, req.FileKey, req.FileName); err != nil {
		h.writeIngestError(w, err, req.FileKey)
		return
	}

	h.respondFileStatus(w, r, req.FileKey, http.StatusAccepted)
}

// retryRequest — тело POST /api/v1/ingest/retry.
type retryRequest struct {
	Tenant  string `json:"tenant"`
	FileKey string `json:"file_key"`
}

// Retry обрабатывает POST /api/v1/ingest/retry — повторная индексация
// файла в статусе error.
func (h *Handler) Retry(w http.ResponseWriter, r *http.Request) {
	var req retryRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Tenant == "" || req.FileKey == "" {
		apierrors.ValidationError(w, "tenant и file_key обязательны")
		return
	}

	if err := h.orch.Retry(r.Context(), req.Tenant, req.FileKey); err != nil {
		h.writeIngestError(w, err, req.FileKey)
		return
	}

	h.respondFileStatus(w, r, req.FileKey, http.StatusAccepted)
}

// FileStatusHandler обрабатывает GET /api/v1/ingest/files/{fileKey...}.
// Ключи файлов содержат слэши, поэтому маршрут — wildcard; суффикс
// /status опционален.
func (h *Handler) FileStatusHandler(w http.ResponseWriter, r *http.Request) {
	fileKey := strings.TrimSuffix(chi.URLParam(r, "*"), "/status")
	fileKey = strings.TrimSuffix(fileKey, "/")
	if fileKey == "" {
		apierrors.ValidationError(w, "ключ файла обязателен")
		return
	}

	rec, err := h.orch.FileStatus(r.Context(), fileKey)
	if err != nil {
		h.writeIngestError(w, err, fileKey)
		return
	}

	writeJSON(w, http.StatusOK, ingestResponse{
		FileKey: rec.FileKey,
		Status:  string(rec.Status),
	})
}

// queueResponse — состояние очереди индексации одного scope.
type queueResponse struct {
	Scope       string `json:"scope"`
	QueuedCount int    `json:"queued_count"`
	ActiveJobID string `json:"active_job_id,omitempty"`
	ActiveFile  string `json:"active_file,omitempty"`
}

// Queue обрабатывает GET /api/v1/ingest/queue?scope=...
func (h *Handler) Queue(w http.ResponseWriter, r *http.Request) {
	scope := r.URL.Query().Get("scope")
	if scope == "" {
		apierrors.ValidationError(w, "параметр scope обязателен")
		return
	}

	st, err := h.coord.QueueStatus(r.Context(), scope)
	if err != nil {
		h.logger.Error("Чтение состояния очереди не удалось",
			slog.String("scope", scope),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "не удалось прочитать состояние очереди")
		return
	}

	resp := queueResponse{Scope: scope, QueuedCount: st.QueuedCount}
	if st.ActiveJob != nil {
		resp.ActiveJobID = st.ActiveJob.JobID
		resp.ActiveFile = st.ActiveJob.FileKey
	}
	writeJSON(w, http.StatusOK, resp)
}

// respondFileStatus отвечает актуальным статусом файла из реестра.
func (h *Handler) respondFileStatus(w http.ResponseWriter, r *http.Request, fileKey string, code int) {
	resp := ingestResponse{FileKey: fileKey}
	if rec, err := h.orch.FileStatus(r.Context(), fileKey); err == nil {
		resp.Status = string(rec.Status)
	}
	writeJSON(w, code, resp)
}

// writeIngestError маппит ошибки оркестратора в HTTP-ответы.
func (h *Handler) writeIngestError(w http.ResponseWriter, err error, fileKey string) {
	switch {
	case errors.Is(err, orchestrator.ErrFileNotFound):
		apierrors.NotFound(w, "файл не найден в реестре")
	case errors.Is(err, orchestrator.ErrNotRetryable):
		apierrors.NotRetryable(w, "повтор возможен только для файлов в статусе error")
	case errors.Is(err, orchestrator.ErrBlobMissing):
		apierrors.NotRetryable(w, "содержимое файла отсутствует в blob-хранилище")
	case errors.Is(err, coordinator.ErrHardFailure):
		apierrors.IndexerFailure(w, "сервис индексации отклонил задание, файл переведён в error")
	default:
		h.logger.Error("Операция координации не удалась",
			slog.String("file_key", fileKey),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "внутренняя ошибка координации")
	}
}
