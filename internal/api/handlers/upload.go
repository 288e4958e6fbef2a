// upload.go — handlers multipart-загрузки.
//
// Протокол: открыть сессию → загружать части (в любом порядке, с повторами)
// → финализировать. Финализация создаёт запись file_registry (uploaded)
// и передаёт файл оркестратору ингестии.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/bigkaa/goartstore/ingest-module/internal/api/errors"
	"github.com/bigkaa/goartstore/ingest-module/internal/coordinator"
	"github.com/bigkaa/goartstore/ingest-module/internal/session"
)

// createUploadRequest — тело POST /api/v1/uploads.
type createUploadRequest struct {
	Tenant      string `json:"tenant"`
	Filename    string `json:"filename"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type,omitempty"`
}

// createUploadResponse — ответ на открытие сессии.
type createUploadResponse struct {
	SessionID  string `json:"session_id"`
	TotalParts int32  `json:"total_parts"`
	PartSize   int64  `json:"part_size"`
}

// CreateUpload обрабатывает POST /api/v1/uploads — открытие сессии загрузки.
func (h *Handler) CreateUpload(w http.ResponseWriter, r *http.Request) {
	var req createUploadRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Tenant == "" || req.Filename == "" {
		apierrors.ValidationError(w, "tenant и filename обязательны")
		return
	}
	if req.Size <= 0 {
		apierrors.ValidationError(w, "size должен быть положительным")
		return
	}

	sess, err := h.sessions.Create(r.Context(), req.Tenant, req.Filename, req.Size, req.ContentType)
	if err != nil {
		h.logger.Error("Открытие сессии загрузки не удалось",
			slog.String("tenant", req.Tenant),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "не удалось открыть сессию загрузки")
		return
	}

	writeJSON(w, http.StatusCreated, createUploadResponse{
		SessionID:  sess.ID,
		TotalParts: sess.TotalParts,
		PartSize:   h.sessions.PartSize(),
	})
}

// uploadPartResponse — ответ на загрузку части.
type uploadPartResponse struct {
	ETag          string `json:"etag"`
	PartsReceived int32  `json:"parts_received"`
	TotalParts    int32  `json:"total_parts"`
}

// UploadPart обрабатывает PUT /api/v1/uploads/{sessionID}/parts/{partNumber}.
// Тело запроса — сырые байты части. Повтор номера — last-write-wins.
func (h *Handler) UploadPart(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	partNumber, err := strconv.ParseInt(chi.URLParam(r, "partNumber"), 10, 32)
	if err != nil {
		apierrors.ValidationError(w, "номер части должен быть целым числом")
		return
	}

	// Chunked-тело без Content-Length даёт ContentLength = -1: размер части
	// обязан быть известен до записи в blob-хранилище.
	if r.ContentLength < 0 {
		apierrors.WriteError(w, http.StatusLengthRequired, apierrors.CodeValidationError,
			"требуется заголовок Content-Length")
		return
	}

	sess, err := h.sessions.UploadPart(r.Context(), sessionID, int32(partNumber), r.ContentLength, r.Body)
	if err != nil {
		h.writeSessionError(w, err, "загрузка части не удалась")
		return
	}

	writeJSON(w, http.StatusOK, uploadPartResponse{
		ETag:          sess.Parts[int32(partNumber)].ETag,
		PartsReceived: sess.PartsReceived(),
		TotalParts:    sess.TotalParts,
	})
}

// completeUploadResponse — ответ на финализацию загрузки.
type completeUploadResponse struct {
	FileKey string `json:"file_key"`
	Size    int64  `json:"size"`
	Status  string `json:"status"`
}

// CompleteUpload обрабатывает POST /api/v1/uploads/{sessionID}/complete.
// Финализирует загрузку и запускает оркестрацию ингестии. Hard failure
// координатора не отменяет загрузку: файл уже durable, статус error,
// retry доступен без перезагрузки.
func (h *Handler) CompleteUpload(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	rec, err := h.sessions.Complete(r.Context(), sessionID)
	if err != nil {
		h.writeSessionError(w, err, "финализация загрузки не удалась")
		return
	}

	status := rec.Status
	if err := h.orch.OnUploadCompleted(r.Context(), rec.Tenant, rec.FileKey, rec.OriginalFilename); err != nil {
		if !errors.Is(err, coordinator.ErrHardFailure) {
			h.logger.Error("Оркестрация после загрузки не удалась",
				slog.String("file_key", rec.FileKey),
				slog.String("error", err.Error()),
			)
			apierrors.InternalError(w, "файл загружен, но запуск ингестии не удался")
			return
		}
		// Файл в error + fallback-запись; retry без перезагрузки.
		updated, statusErr := h.orch.FileStatus(r.Context(), rec.FileKey)
		if statusErr == nil {
			status = updated.Status
		}
	} else {
		updated, statusErr := h.orch.FileStatus(r.Context(), rec.FileKey)
		if statusErr == nil {
			status = updated.Status
		}
	}

	writeJSON(w, http.StatusCreated, completeUploadResponse{
		FileKey: rec.FileKey,
		Size:    rec.Size,
		Status:  string(status),
	})
}

// progressResponse — ответ на запрос прогресса загрузки.
type progressResponse struct {
	SessionID     string `json:"session_id"`
	Status        string `json:"status"`
	PartsReceived int32  `json:"parts_received"`
	TotalParts    int32  `json:"total_parts"`
}

// UploadProgress обрабатывает GET /api/v1/uploads/{sessionID}/progress.
func (h *Handler) UploadProgress(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	sess, err := h.sessions.Progress(r.Context(), sessionID)
	if err != nil {
		h.writeSessionError(w, err, "чтение прогресса не удалось")
		return
	}

	writeJSON(w, http.StatusOK, progressResponse{
		SessionID:     sess.ID,
		Status:        string(sess.Status),
		PartsReceived: sess.PartsReceived(),
		TotalParts:    sess.TotalParts,
	})
}

// AbortUpload обрабатывает DELETE /api/v1/uploads/{sessionID}.
// Прерывает сессию и освобождает ресурсы blob-хранилища.
func (h *Handler) AbortUpload(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	if err := h.sessions.Abort(r.Context(), sessionID); err != nil {
		h.writeSessionError(w, err, "прерывание сессии не удалось")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeSessionError маппит ошибки менеджера сессий в HTTP-ответы.
func (h *Handler) writeSessionError(w http.ResponseWriter, err error, logMessage string) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		apierrors.SessionNotFound(w, "сессия загрузки не найдена")
	case errors.Is(err, session.ErrSessionClosed):
		apierrors.SessionClosed(w, "сессия уже завершена")
	case errors.Is(err, session.ErrIncompleteSession):
		apierrors.SessionIncomplete(w, "в сессии нет ни одной части")
	case errors.Is(err, session.ErrInvalidPartNumber):
		apierrors.ValidationError(w, err.Error())
	default:
		h.logger.Error(logMessage, slog.String("error", err.Error()))
		apierrors.PartUploadFailed(w, "операция blob-хранилища не удалась, повторите запрос")
	}
}
