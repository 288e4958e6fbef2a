package events

import (
	"log/slog"
	"testing"
	"time"

	"github.com/bigkaa/goartstore/ingest-module/internal/domain/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// TestPublishSubscribe проверяет доставку события подписчику.
func TestPublishSubscribe(t *testing.T) {
	b := NewBroadcaster(testLogger())

	ch, unsubscribe := b.Subscribe()
	defer unsubscribe()

	change := model.StatusChange{
		FileKey:   "tenants/t1/abc/report.pdf",
		OldStatus: model.FileSyncing,
		NewStatus: model.FileProcessing,
	}
	b.Publish(change)

	select {
	case got := <-ch:
		if got != change {
			t.Errorf("получено %+v, ожидалось %+v", got, change)
		}
	case <-time.After(time.Second):
		t.Fatal("событие не доставлено")
	}
}

// TestUnsubscribe проверяет, что отписка закрывает канал и удаляет подписчика.
func TestUnsubscribe(t *testing.T) {
	b := NewBroadcaster(testLogger())

	ch, unsubscribe := b.Subscribe()
	if b.Subscribers() != 1 {
		t.Fatalf("Subscribers = %d, ожидался 1", b.Subscribers())
	}

	unsubscribe()
	if b.Subscribers() != 0 {
		t.Errorf("Subscribers = %d после отписки, ожидался 0", b.Subscribers())
	}

	if _, ok := <-ch; ok {
		t.Error("канал должен быть закрыт после отписки")
	}

	// Повторная отписка не должна приводить к панике.
	unsubscribe()
}

// TestPublishSlowSubscriber проверяет, что заполненный буфер не блокирует
// публикацию: лишние события пропускаются.
func TestPublishSlowSubscriber(t *testing.T) {
	b := NewBroadcaster(testLogger())

	_, unsubscribe := b.Subscribe()
	defer unsubscribe()

	change := model.StatusChange{FileKey: "k", NewStatus: model.FileCompleted}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBuffer+10; i++ {
			b.Publish(change)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish заблокировался на медленном подписчике")
	}
}

// TestPublishWithoutSubscribers проверяет публикацию без подписчиков.
func TestPublishWithoutSubscribers(t *testing.T) {
	b := NewBroadcaster(testLogger())
	b.Publish(model.StatusChange{FileKey: "k"})
}
