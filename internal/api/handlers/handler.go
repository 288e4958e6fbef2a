// Пакет handlers — HTTP-handlers Ingest Module.
package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	apierrors "github.com/bigkaa/goartstore/ingest-module/internal/api/errors"
	"github.com/bigkaa/goartstore/ingest-module/internal/coordinator"
	"github.com/bigkaa/goartstore/ingest-module/internal/events"
	"github.com/bigkaa/goartstore/ingest-module/internal/orchestrator"
	"github.com/bigkaa/goartstore/ingest-module/internal/session"
)

// ReadyChecker — проверка готовности одной зависимости для /health/ready.
type ReadyChecker interface {
	CheckReady() (status, message string)
}

// Handler — HTTP-handlers Ingest Module.
type Handler struct {
	sessions    *session.Manager
	orch        *orchestrator.Orchestrator
	coord       *coordinator.Manager
	broadcaster *events.Broadcaster
	checkers    map[string]ReadyChecker
	logger      *slog.Logger
}

// New создаёт Handler.
// checkers — именованные проверки готовности (database, keycloak и т.п.).
func New(
	sessions *session.Manager,
	orch *orchestrator.Orchestrator,
	coord *coordinator.Manager,
	broadcaster *events.Broadcaster,
	checkers map[string]ReadyChecker,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		sessions:    sessions,
		orch:        orch,
		coord:       coord,
		broadcaster: broadcaster,
		checkers:    checkers,
		logger:      logger.With(slog.String("component", "handlers")),
	}
}

// writeJSON сериализует ответ с указанным статус-кодом.
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON разбирает тело запроса. Возвращает false, если тело невалидно
// (ответ об ошибке уже записан).
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		apierrors.ValidationError(w, "невалидное тело запроса: "+err.Error())
		return false
	}
	return true
}
