// Пакет events — рассылка событий смены статуса файлов.
//
// Эмиссия односторонняя: ядро публикует переход и не ждёт подтверждения.
// Медленный подписчик (заполненный буфер) пропускает событие — слой
// уведомлений строит актуальное состояние по file_registry, события
// лишь ускоряют обновление.
package events

import (
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/ingest-module/internal/domain/model"
)

// Prometheus-метрики рассылки событий.
var (
	eventsPublishedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "im_status_events_published_total",
		Help: "Общее количество опубликованных событий смены статуса",
	})
	eventsDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "im_status_events_dropped_total",
		Help: "Общее количество событий, пропущенных медленными подписчиками",
	})
)

// subscriberBuffer — размер буфера канала подписчика.
const subscriberBuffer = 64

// Broadcaster — рассылка StatusChange подписчикам (SSE-handler и др.).
// Потокобезопасен.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[int]chan model.StatusChange
	nextID int
	logger *slog.Logger
}

// NewBroadcaster создаёт рассылку событий.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	return &Broadcaster{
		subs:   make(map[int]chan model.StatusChange),
		logger: logger.With(slog.String("component", "events")),
	}
}

// Subscribe регистрирует подписчика. Возвращает канал событий и функцию
// отписки. После отписки канал закрывается.
func (b *Broadcaster) Subscribe() (<-chan model.StatusChange, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan model.StatusChange, subscriberBuffer)
	b.subs[id] = ch

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, unsubscribe
}

// Publish рассылает событие всем подписчикам без блокировки.
// Заполненный буфер подписчика — пропуск события (счётчик в метриках).
func (b *Broadcaster) Publish(change model.StatusChange) {
	b.mu.Lock()
	defer b.mu.Unlock()

	eventsPublishedTotal.Inc()

	for _, ch := range b.subs {
		select {
		case ch <- change:
		default:
			eventsDroppedTotal.Inc()
			b.logger.Debug("Событие пропущено медленным подписчиком",
				slog.String("file_key", change.FileKey),
				slog.String("new_status", string(change.NewStatus)),
			)
		}
	}
}

// Subscribers возвращает текущее количество подписчиков.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
