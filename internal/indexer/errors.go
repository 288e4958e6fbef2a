// errors.go — таксономия ошибок внешнего сервиса индексации.
//
// Различаются два вида недоступности:
//   - rate limit (429) — транзиентная перегрузка, повтор с экспоненциальным backoff;
//   - cooldown (503 + Retry-After) — плановое окно недоступности, один отложенный
//     повтор после окна, без backoff.
package indexer

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrRateLimited — сервис ограничил частоту запросов (HTTP 429).
	// Повтор допустим с экспоненциальным backoff.
	ErrRateLimited = errors.New("сервис индексации ограничил частоту запросов")

	// ErrJobNotFound — сервис не знает указанное задание (HTTP 404).
	ErrJobNotFound = errors.New("задание индексации не найдено")
)

// CooldownError — сервис в плановом окне недоступности.
// RetryAfter — длительность ожидания до следующей попытки.
type CooldownError struct {
	RetryAfter time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("сервис индексации в cooldown-окне, повтор через %s", e.RetryAfter)
}

// AsCooldown возвращает CooldownError из цепочки ошибок или nil.
func AsCooldown(err error) *CooldownError {
	var ce *CooldownError
	if errors.As(err, &ce) {
		return ce
	}
	return nil
}
