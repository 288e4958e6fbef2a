package session

import "errors"

var (
	// ErrSessionNotFound — сессия не существует (или уже удалена).
	ErrSessionNotFound = errors.New("сессия загрузки не найдена")

	// ErrSessionClosed — сессия в терминальном статусе, мутации запрещены.
	ErrSessionClosed = errors.New("сессия загрузки завершена")

	// ErrIncompleteSession — в сессии нет ни одной части, финализация невозможна.
	ErrIncompleteSession = errors.New("в сессии нет ни одной части")

	// ErrInvalidPartNumber — номер части вне диапазона 1..TotalParts.
	ErrInvalidPartNumber = errors.New("недопустимый номер части")
)
