// Пакет orchestrator — склейка жизненного цикла ингестии.
//
// Оркестратор не хранит собственного состояния: он переводит статусы
// file_registry в ответ на завершение загрузки и терминальные исходы
// заданий координатора, публикуя событие на каждый переход.
//
// Статусы на его участке: uploaded → syncing → processing → indexing →
// completed, с терминальной ошибкой error и ручным retry (error → syncing)
// без повторной загрузки байтов.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/ingest-module/internal/blobstore"
	"github.com/bigkaa/goartstore/ingest-module/internal/coordinator"
	"github.com/bigkaa/goartstore/ingest-module/internal/domain/model"
	"github.com/bigkaa/goartstore/ingest-module/internal/events"
	"github.com/bigkaa/goartstore/ingest-module/internal/repository"
	"github.com/bigkaa/goartstore/ingest-module/internal/service"
)

// Prometheus-метрики оркестратора.
var (
	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "im_file_transitions_total",
		Help: "Общее количество переходов статусов файлов",
	}, []string{"to"})
	retriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "im_file_retries_total",
		Help: "Общее количество ручных повторов индексации",
	})
)

var (
	// ErrFileNotFound — файл отсутствует в file_registry.
	ErrFileNotFound = errors.New("файл не найден")
	// ErrNotRetryable — retry допустим только для файлов в статусе error.
	ErrNotRetryable = errors.New("повтор допустим только для файла в статусе error")
	// ErrBlobMissing — объекта нет в blob-хранилище, retry без перезагрузки невозможен.
	ErrBlobMissing = errors.New("объект отсутствует в blob-хранилище")
)

// syncRequester — операции координатора, используемые оркестратором.
type syncRequester interface {
	RequestSync(ctx context.Context, scope, fileKey, fileName, resourceID string) (coordinator.Result, error)
}

// fallbackQueue — durable-очередь: fallback-запись при hard failure,
// удаление записи файла при отказе после терминальной ошибки.
type fallbackQueue interface {
	Enqueue(ctx context.Context, item *model.SyncQueueItem) error
	Remove(ctx context.Context, scope, fileKey string) error
}

// Orchestrator — переходы статусов file_registry по событиям загрузки
// и координатора.
type Orchestrator struct {
	files       repository.FileRepository
	coord       syncRequester
	queue       fallbackQueue
	blobs       blobstore.BlobStore
	cache       *service.CacheService
	broadcaster *events.Broadcaster
	// globalScope — при непустом значении все tenant-ы делят один scope
	// (деплой с единственным глобальным индексом)
	globalScope string
	logger      *slog.Logger
}

// New создаёт оркестратор.
func New(
	files repository.FileRepository,
	coord syncRequester,
	queue fallbackQueue,
	blobs blobstore.BlobStore,
	cache *service.CacheService,
	broadcaster *events.Broadcaster,
	globalScope string,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		files:       files,
		coord:       coord,
		queue:       queue,
		blobs:       blobs,
		cache:       cache,
		broadcaster: broadcaster,
		globalScope: globalScope,
		logger:      logger.With(slog.String("component", "orchestrator")),
	}
}

// OnUploadCompleted обрабатывает завершение загрузки: uploaded → syncing
// и запрос индексации. Started и queued для вызывающей стороны неразличимы —
// файл «в обработке». Hard failure координатора переводит файл в error
// и оставляет durable fallback-запись в очереди: retry не потребует
// повторной загрузки.
func (o *Orchestrator) OnUploadCompleted(ctx context.Context, tenant, fileKey, fileName string) error {
	if err := o.transit(ctx, fileKey, model.FileUploaded, model.FileSyncing); err != nil {
		return err
	}

	scope := o.scopeFor(tenant)
	result, err := o.coord.RequestSync(ctx, scope, fileKey, fileName, scope)
	if err != nil {
		o.logger.Error("Запрос индексации не удался",
			slog.String("file_key", fileKey),
			slog.String("error", err.Error()),
		)
		if transitErr := o.transit(ctx, fileKey, model.FileSyncing, model.FileError); transitErr != nil {
			return transitErr
		}
		// Fallback-запись: плановый или ручной retry доберётся до файла
		// без повторной загрузки.
		if enqErr := o.queue.Enqueue(ctx, &model.SyncQueueItem{
			Scope:      scope,
			FileKey:    fileKey,
			FileName:   fileName,
			ResourceID: scope,
			EnqueuedAt: time.Now().UTC(),
		}); enqErr != nil {
			o.logger.Error("Не удалось создать fallback-запись в очереди",
				slog.String("file_key", fileKey),
				slog.String("error", enqErr.Error()),
			)
		}
		return err
	}

	o.logger.Info("Индексация запрошена",
		slog.String("file_key", fileKey),
		slog.String("scope", scope),
		slog.String("result", string(result)),
	)
	return nil
}

// OnJobTerminal обрабатывает терминальный исход задания координатора.
// Успех проводит файл по конвейеру syncing → processing → indexing →
// completed (каждый шаг durable + событие); неуспех переводит в error.
// Регистрируется через coordinator.SetTerminalHandler.
func (o *Orchestrator) OnJobTerminal(ctx context.Context, job *model.SyncJob, detail string) {
	if job.Status == model.JobCompleted {
		o.walkCompleted(ctx, job.FileKey)
		return
	}

	o.logger.Warn("Задание индексации завершилось неуспешно",
		slog.String("file_key", job.FileKey),
		slog.String("job_id", job.JobID),
		slog.String("detail", detail),
	)
	o.fail(ctx, job.Scope, job.FileKey)
}

// Retry повторяет индексацию файла в статусе error без перезагрузки байтов.
// Перед повтором проверяется наличие объекта в blob-хранилище.
func (o *Orchestrator) Retry(ctx context.Context, tenant, fileKey string) error {
	rec, err := o.files.GetByKey(ctx, fileKey)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrFileNotFound
		}
		return err
	}
	if rec.Status != model.FileError {
		return fmt.Errorf("%w: текущий статус %s", ErrNotRetryable, rec.Status)
	}

	exists, err := o.blobs.Exists(ctx, fileKey)
	if err != nil {
		return fmt.Errorf("проверка наличия объекта: %w", err)
	}
	if !exists {
		return ErrBlobMissing
	}

	if err := o.transit(ctx, fileKey, model.FileError, model.FileSyncing); err != nil {
		return err
	}
	retriesTotal.Inc()

	scope := o.scopeFor(tenant)
	result, err := o.coord.RequestSync(ctx, scope, fileKey, rec.OriginalFilename, scope)
	if err != nil {
		if transitErr := o.transit(ctx, fileKey, model.FileSyncing, model.FileError); transitErr != nil {
			return transitErr
		}
		return err
	}

	o.logger.Info("Повтор индексации запрошен",
		slog.String("file_key", fileKey),
		slog.String("result", string(result)),
	)
	return nil
}

// FileStatus возвращает запись file_registry (через LRU-кэш).
func (o *Orchestrator) FileStatus(ctx context.Context, fileKey string) (*model.FileRecord, error) {
	if rec, ok := o.cache.Get(fileKey); ok {
		return rec, nil
	}

	rec, err := o.files.GetByKey(ctx, fileKey)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrFileNotFound
		}
		return nil, err
	}
	o.cache.Set(fileKey, rec)
	return rec, nil
}

// walkCompleted проводит файл по успешному конвейеру до completed.
// Файл, поднятый из fallback-записи очереди, может быть ещё в error —
// тогда конвейер начинается с перехода error → syncing.
func (o *Orchestrator) walkCompleted(ctx context.Context, fileKey string) {
	if err := o.transit(ctx, fileKey, model.FileError, model.FileSyncing); err == nil {
		o.logger.Info("Файл поднят из error fallback-записью очереди",
			slog.String("file_key", fileKey),
		)
	}

	steps := []struct{ from, to model.FileStatus }{
		{model.FileSyncing, model.FileProcessing},
		{model.FileProcessing, model.FileIndexing},
		{model.FileIndexing, model.FileCompleted},
	}
	for _, step := range steps {
		if err := o.transit(ctx, fileKey, step.from, step.to); err != nil {
			o.logger.Error("Сбой конвейера статусов",
				slog.String("file_key", fileKey),
				slog.String("from", string(step.from)),
				slog.String("to", string(step.to)),
				slog.String("error", err.Error()),
			)
			return
		}
	}

	o.logger.Info("Ингестия файла завершена", slog.String("file_key", fileKey))
}

// fail переводит файл в error из его текущего нетерминального статуса.
// Оркестратор отказывается от файла: его запись в очереди scope-а
// уничтожается — дальше только ручной retry.
func (o *Orchestrator) fail(ctx context.Context, scope, fileKey string) {
	if err := o.queue.Remove(ctx, scope, fileKey); err != nil {
		o.logger.Error("Не удалось удалить файл из очереди",
			slog.String("scope", scope),
			slog.String("file_key", fileKey),
			slog.String("error", err.Error()),
		)
	}

	rec, err := o.files.GetByKey(ctx, fileKey)
	if err != nil {
		o.logger.Error("Файл для перевода в error не найден",
			slog.String("file_key", fileKey),
			slog.String("error", err.Error()),
		)
		return
	}
	if rec.Status == model.FileError || rec.Status == model.FileCompleted {
		return
	}
	if err := o.transit(ctx, fileKey, rec.Status, model.FileError); err != nil {
		o.logger.Error("Не удалось перевести файл в error",
			slog.String("file_key", fileKey),
			slog.String("error", err.Error()),
		)
	}
}

// transit выполняет durable-переход статуса (compare-and-set), инвалидирует
// кэш и публикует событие. Недопустимые переходы отклоняет матрица.
func (o *Orchestrator) transit(ctx context.Context, fileKey string, from, to model.FileStatus) error {
	if err := model.ValidateFileTransition(from, to); err != nil {
		return err
	}
	if err := o.files.UpdateStatus(ctx, fileKey, from, to); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("переход %s → %s: %w", from, to, ErrFileNotFound)
		}
		return fmt.Errorf("переход %s → %s файла %s: %w", from, to, fileKey, err)
	}

	transitionsTotal.WithLabelValues(string(to)).Inc()
	o.cache.Invalidate(fileKey)
	o.broadcaster.Publish(model.StatusChange{
		FileKey:   fileKey,
		OldStatus: from,
		NewStatus: to,
	})
	return nil
}

// scopeFor возвращает scope координации для tenant-а.
func (o *Orchestrator) scopeFor(tenant string) string {
	if o.globalScope != "" {
		return o.globalScope
	}
	return tenant
}
