// sync.go — модели координации индексации: задание внешнего сервиса
// и элемент FIFO-очереди на отправку.
package model

import "time"

// JobStatus — статус задания внешнего сервиса индексации.
type JobStatus string

const (
	// JobPending — задание принято внешним сервисом, обработка не началась
	JobPending JobStatus = "pending"
	// JobRunning — внешний сервис обрабатывает задание
	JobRunning JobStatus = "running"
	// JobCompleted — задание завершено успешно
	JobCompleted JobStatus = "completed"
	// JobFailed — задание завершено с ошибкой (в т.ч. принудительно sweep-ом)
	JobFailed JobStatus = "failed"
)

// IsTerminal сообщает, является ли статус задания терминальным.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed
}

// SyncJob — одно задание индексации (активное или историческое).
//
// Центральный инвариант подсистемы: в каждом scope в любой момент времени
// не более одного задания со статусом pending/running. Инвариант обеспечивается
// сериализацией операций внутри coordinator (актор-на-scope), а не транзакциями БД.
type SyncJob struct {
	// JobID — идентификатор задания, выданный внешним сервисом.
	// Пустой для синтетических failed-записей (hard failure до старта задания).
	JobID string
	// Scope — граница взаимного исключения (по умолчанию — tenant)
	Scope string
	// FileKey — ключ файла, ради которого запущено задание
	FileKey string
	// FileName — отображаемое имя файла
	FileName string
	// ResourceID — идентификатор ресурса во внешнем сервисе (нужен для опроса)
	ResourceID string
	// Status — статус задания
	Status JobStatus
	// CreatedAt — момент создания записи
	CreatedAt time.Time
	// UpdatedAt — момент последнего наблюдения статуса (основа stuck-детекции)
	UpdatedAt time.Time
}

// SyncQueueItem — элемент FIFO-очереди scope-а на отправку во внешний сервис.
// Ключ файла встречается в очереди scope-а не более одного раза
// (идемпотентная постановка).
type SyncQueueItem struct {
	// Scope — граница взаимного исключения
	Scope string
	// FileKey — ключ файла
	FileKey string
	// FileName — отображаемое имя файла
	FileName string
	// ResourceID — идентификатор ресурса для внешнего сервиса индексации
	ResourceID string
	// EnqueuedAt — момент постановки в очередь (порядок FIFO)
	EnqueuedAt time.Time
}

// StatusChange — событие смены статуса файла, рассылаемое слою уведомлений.
// Эмиссия односторонняя: ядро не ждёт подтверждения доставки.
type StatusChange struct {
	// FileKey — ключ файла
	FileKey string `json:"file_key"`
	// OldStatus — статус до перехода
	OldStatus FileStatus `json:"old_status"`
	// NewStatus — статус после перехода
	NewStatus FileStatus `json:"new_status"`
}
