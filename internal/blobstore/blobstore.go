// Пакет blobstore — адаптер S3-совместимого blob-хранилища.
//
// Ingest Module использует resumable multipart-протокол хранилища:
// открыть сессию → загрузить нумерованные части → финализировать/прервать.
// Интерфейс BlobStore узкий, чтобы актор сессий тестировался на fake.
package blobstore

import (
	"context"
	"io"
)

// CompletedPart — часть для финализации multipart-загрузки.
type CompletedPart struct {
	// Number — номер части (начиная с 1)
	Number int32
	// ETag — идентификатор содержимого, выданный хранилищем при загрузке части
	ETag string
}

// BlobStore — операции blob-хранилища, используемые Ingest Module.
type BlobStore interface {
	// OpenMultipart открывает multipart-сессию для ключа.
	// Возвращает идентификатор сессии хранилища (upload id).
	OpenMultipart(ctx context.Context, key, contentType string) (string, error)
	// UploadPart загружает часть с указанным номером. Возвращает etag.
	// Повторная загрузка той же части допустима (last-write-wins).
	UploadPart(ctx context.Context, key, uploadID string, partNumber int32, body io.Reader) (string, error)
	// CompleteMultipart финализирует загрузку из перечисленных частей
	// (в порядке возрастания номеров). Возвращает ключ объекта.
	CompleteMultipart(ctx context.Context, key, uploadID string, parts []CompletedPart) (string, error)
	// AbortMultipart прерывает загрузку и освобождает ресурсы хранилища.
	AbortMultipart(ctx context.Context, key, uploadID string) error
	// Exists проверяет наличие объекта (retry индексации без перезагрузки байтов).
	Exists(ctx context.Context, key string) (bool, error)
}
