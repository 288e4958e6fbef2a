// events.go — SSE-поток переходов статусов файлов.
package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// heartbeatInterval — период keep-alive комментариев SSE.
const heartbeatInterval = 30 * time.Second

// Events обрабатывает GET /api/v1/ingest/events.
// Отдаёт поток Server-Sent Events: каждый переход статуса файла —
// событие status с JSON-телом. Медленный клиент теряет события,
// но не блокирует публикацию.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming не поддерживается", http.StatusInternalServerError)
		return
	}

	// Долгоживущее соединение: снимаем write deadline сервера,
	// иначе WriteTimeout оборвёт поток.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch, unsubscribe := h.broadcaster.Subscribe()
	defer unsubscribe()

	h.logger.Debug("SSE клиент подключён")

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			h.logger.Debug("SSE клиент отключён")
			return

		case change, open := <-ch:
			if !open {
				return
			}
			data, err := json.Marshal(change)
			if err != nil {
				h.logger.Error("Сериализация события не удалась",
					slog.String("error", err.Error()))
				continue
			}
			fmt.Fprintf(w, "event: status\ndata: %s\n\n", data)
			flusher.Flush()

		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		}
	}
}
