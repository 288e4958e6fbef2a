// session.go — модель durable-сессии multipart-загрузки.
//
// Сессия — единственный владелец списка полученных частей. Все мутации
// выполняются строго последовательно через session.Manager (актор-на-ключ),
// поэтому модель не содержит собственной синхронизации.
package model

import (
	"fmt"
	"time"
)

// SessionStatus — статус сессии загрузки.
type SessionStatus string

const (
	// SessionCreated — сессия открыта, частей ещё нет
	SessionCreated SessionStatus = "created"
	// SessionReceiving — получена хотя бы одна часть
	SessionReceiving SessionStatus = "receiving"
	// SessionCompleted — multipart-загрузка финализирована
	SessionCompleted SessionStatus = "completed"
	// SessionAborted — сессия прервана, ресурсы blob-хранилища освобождены
	SessionAborted SessionStatus = "aborted"
)

// validSessionTransitions — матрица допустимых переходов статуса сессии.
// Обратных переходов нет: created → receiving → {completed | aborted}.
var validSessionTransitions = map[SessionStatus]map[SessionStatus]bool{
	SessionCreated:   {SessionReceiving: true, SessionCompleted: true, SessionAborted: true},
	SessionReceiving: {SessionCompleted: true, SessionAborted: true},
	SessionCompleted: {},
	SessionAborted:   {},
}

// CanTransitSession проверяет допустимость перехода статуса сессии.
func CanTransitSession(from, to SessionStatus) bool {
	targets, ok := validSessionTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// ValidateSessionTransition возвращает ошибку для недопустимого перехода.
func ValidateSessionTransition(from, to SessionStatus) error {
	if !CanTransitSession(from, to) {
		return fmt.Errorf("недопустимый переход статуса сессии: %s → %s", from, to)
	}
	return nil
}

// PartInfo — сведения об одной загруженной части.
type PartInfo struct {
	// ETag — идентификатор содержимого, выданный blob-хранилищем
	ETag string `json:"etag"`
	// Size — размер части в байтах
	Size int64 `json:"size"`
}

// UploadSession — durable-состояние одной multipart-загрузки.
type UploadSession struct {
	// ID — идентификатор сессии (tenant + момент старта)
	ID string
	// Tenant — владелец загрузки
	Tenant string
	// BlobKey — целевой ключ в blob-хранилище
	BlobKey string
	// UploadID — идентификатор multipart-сессии, выданный blob-хранилищем
	UploadID string
	// OriginalFilename — оригинальное имя файла
	OriginalFilename string
	// DeclaredSize — заявленный размер файла в байтах
	DeclaredSize int64
	// TotalParts — расчётное количество частей (ceil(DeclaredSize / partSize))
	TotalParts int32
	// Parts — полученные части: номер части → {etag, size}.
	// Повтор загрузки части с тем же номером перезаписывает запись (last-write-wins).
	Parts map[int32]PartInfo
	// Status — статус сессии
	Status SessionStatus
	// CreatedAt — момент открытия сессии
	CreatedAt time.Time
	// UpdatedAt — момент последней мутации
	UpdatedAt time.Time
}

// PartsReceived возвращает количество полученных частей.
func (s *UploadSession) PartsReceived() int32 {
	return int32(len(s.Parts))
}
