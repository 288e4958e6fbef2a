// Пакет errors — конструкторы стандартных ошибок в формате Artstore.
// Единый формат: {"error": {"code": "...", "message": "..."}}.
// Все HTTP-ответы с ошибками должны использовать WriteError.
package errors //nolint:revive // TODO: переименовать пакет errors, конфликт со stdlib

import (
	"encoding/json"
	"net/http"
)

// Коды ошибок Ingest Module.
const (
	CodeValidationError   = "VALIDATION_ERROR"
	CodeNotFound          = "NOT_FOUND"
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeForbidden         = "FORBIDDEN"
	CodeSessionNotFound   = "SESSION_NOT_FOUND"
	CodeSessionIncomplete = "SESSION_INCOMPLETE"
	CodeSessionClosed     = "SESSION_CLOSED"
	CodePartUploadFailed  = "PART_UPLOAD_FAILED"
	CodeNotRetryable      = "NOT_RETRYABLE"
	CodeIndexerFailure    = "INDEXER_FAILURE"
	CodeInternalError     = "INTERNAL_ERROR"
)

// errorBody — структура тела ответа ошибки.
type errorBody struct {
	Error errorDetail `json:"error"`
}

// errorDetail — детали ошибки.
type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError записывает ответ ошибки в стандартном формате Artstore.
// statusCode — HTTP статус-код, code — машиночитаемый код, message — описание.
func WriteError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorBody{
		Error: errorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// --- Конструкторы для типичных ошибок ---

// ValidationError — 400 некорректные входные данные.
func ValidationError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, CodeValidationError, message)
}

// NotFound — 404 ресурс не найден.
func NotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, CodeNotFound, message)
}

// Unauthorized — 401 требуется аутентификация.
func Unauthorized(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnauthorized, CodeUnauthorized, message)
}

// Forbidden — 403 недостаточно прав.
func Forbidden(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusForbidden, CodeForbidden, message)
}

// SessionNotFound — 404 сессия загрузки не найдена.
func SessionNotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, CodeSessionNotFound, message)
}

// SessionIncomplete — 409 в сессии нет частей, финализация невозможна.
func SessionIncomplete(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusConflict, CodeSessionIncomplete, message)
}

// SessionClosed — 409 сессия уже в терминальном статусе.
func SessionClosed(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusConflict, CodeSessionClosed, message)
}

// PartUploadFailed — 502 blob-хранилище не приняло часть (retryable).
func PartUploadFailed(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadGateway, CodePartUploadFailed, message)
}

// NotRetryable — 409 retry допустим только для файла в статусе error.
func NotRetryable(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusConflict, CodeNotRetryable, message)
}

// IndexerFailure — 502 запуск индексации не удался (backoff исчерпан).
func IndexerFailure(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadGateway, CodeIndexerFailure, message)
}

// InternalError — 500 внутренняя ошибка.
func InternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, CodeInternalError, message)
}
