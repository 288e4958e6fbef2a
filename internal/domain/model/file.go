// Пакет model — доменные модели Ingest Module.
//
// file.go — статусы файла в file_registry, которыми IM управляет
// с момента завершения загрузки и до окончания индексации.
// Таблица file_registry принадлежит Admin Module; IM — единственный
// компонент, меняющий колонку status на участке uploaded → completed/error.
package model

import "fmt"

// FileStatus — статус файла в процессе ингестии.
type FileStatus string

const (
	// FileUploading — идёт multipart-загрузка (владелец перехода — сессия загрузки)
	FileUploading FileStatus = "uploading"
	// FileUploaded — загрузка завершена, файл лежит в blob-хранилище
	FileUploaded FileStatus = "uploaded"
	// FileSyncing — файл передан координатору индексации (активен или в очереди)
	FileSyncing FileStatus = "syncing"
	// FileProcessing — внешний сервис обрабатывает содержимое
	FileProcessing FileStatus = "processing"
	// FileIndexing — внешний сервис строит индекс
	FileIndexing FileStatus = "indexing"
	// FileCompleted — индексация завершена успешно
	FileCompleted FileStatus = "completed"
	// FileError — терминальная ошибка; допускает повторную попытку без перезагрузки байтов
	FileError FileStatus = "error"
)

// validFileTransitions — матрица допустимых переходов статусов файла.
// Ключ — текущий статус, значение — набор допустимых целевых статусов.
// Единственный обратный переход: error → syncing (ручной retry).
var validFileTransitions = map[FileStatus]map[FileStatus]bool{
	FileUploading:  {FileUploaded: true, FileError: true},
	FileUploaded:   {FileSyncing: true, FileError: true},
	FileSyncing:    {FileProcessing: true, FileError: true},
	FileProcessing: {FileIndexing: true, FileError: true},
	FileIndexing:   {FileCompleted: true, FileError: true},
	FileCompleted:  {},
	FileError:      {FileSyncing: true}, // retry без повторной загрузки
}

// IsValidFileStatus проверяет, что статус входит в известный набор.
func IsValidFileStatus(s FileStatus) bool {
	_, ok := validFileTransitions[s]
	return ok
}

// CanTransitFile проверяет допустимость перехода from → to.
func CanTransitFile(from, to FileStatus) bool {
	targets, ok := validFileTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// ValidateFileTransition возвращает ошибку для недопустимого перехода.
func ValidateFileTransition(from, to FileStatus) error {
	if !CanTransitFile(from, to) {
		return fmt.Errorf("недопустимый переход статуса файла: %s → %s", from, to)
	}
	return nil
}

// FileRecord — запись file_registry в объёме, нужном Ingest Module.
// Полная схема принадлежит Admin Module; IM читает запись и обновляет status.
type FileRecord struct {
	// FileKey — ключ файла в blob-хранилище (уникален в рамках системы)
	FileKey string
	// Tenant — владелец файла
	Tenant string
	// OriginalFilename — оригинальное имя файла
	OriginalFilename string
	// Size — размер файла в байтах
	Size int64
	// Status — текущий статус ингестии
	Status FileStatus
}
