// Пакет coordinator — координация заданий внешнего сервиса индексации.
//
// На каждый scope — один сериализованный актор: все операции scope-а
// (запуск задания, постановка в очередь, обработка результата опроса,
// продвижение очереди) выполняются под одним мьютексом, поэтому инвариант
// «не более одного активного задания на scope» держится в любой
// наблюдаемой точке, включая гонки poll-тиков с новыми запросами.
//
// Состояния актора:
//   - Idle: активного задания нет, опрос остановлен;
//   - Active: ровно одно задание pending/running, тикер опроса работает.
//
// Rate limit сервиса (429) гасится экспоненциальным backoff с потолком
// попыток; исчерпание потолка — hard failure, который обрабатывает
// вызывающая сторона. Cooldown-окно (503) не ретраится немедленно:
// файл durable ставится в очередь, после окна выполняется один отложенный
// re-check; пока очередь непуста, re-check перевзводится, без busy-poll.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sethvargo/go-retry"

	"github.com/bigkaa/goartstore/ingest-module/internal/domain/model"
	"github.com/bigkaa/goartstore/ingest-module/internal/indexer"
	"github.com/bigkaa/goartstore/ingest-module/internal/repository"
)

// Prometheus-метрики координатора.
var (
	jobsStartedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "im_sync_jobs_started_total",
		Help: "Общее количество запущенных заданий индексации",
	})
	jobsFinishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "im_sync_jobs_finished_total",
		Help: "Общее количество завершённых заданий индексации по результату",
	}, []string{"result"})
	queueEnqueuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "im_sync_queue_enqueued_total",
		Help: "Общее количество постановок в очередь на отправку",
	})
	startRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "im_sync_start_retries_total",
		Help: "Общее количество повторов запуска после rate limit",
	})
	cooldownDeferralsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "im_sync_cooldown_deferrals_total",
		Help: "Общее количество отложенных re-check после cooldown-окна",
	})
	hardFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "im_sync_hard_failures_total",
		Help: "Общее количество hard failure запуска (исчерпан потолок попыток)",
	})
	activeJobsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "im_sync_active_jobs",
		Help: "Текущее количество активных заданий индексации",
	})
)

// ErrHardFailure — запуск задания не удался после исчерпания потолка
// повторов (или по неретраиваемой ошибке сервиса).
var ErrHardFailure = errors.New("запуск задания индексации не удался")

// Result — исход RequestSync.
type Result string

const (
	// ResultStarted — задание запущено, scope перешёл в Active
	ResultStarted Result = "started"
	// ResultQueued — scope занят или в cooldown, файл поставлен в очередь
	ResultQueued Result = "queued"
	// ResultAlreadyActive — активное задание этого же файла уже идёт
	ResultAlreadyActive Result = "already_active"
)

// TerminalHandler вызывается при терминальном завершении задания
// (успех, ошибка, принудительное завершение, hard failure при продвижении
// очереди — в последнем случае JobID пуст). Вызов выполняется внутри
// актора scope-а: обработчик не должен обращаться к координатору.
type TerminalHandler func(ctx context.Context, job *model.SyncJob, detail string)

// QueueStatus — наблюдаемое состояние очереди scope-а.
type QueueStatus struct {
	QueuedCount int            `json:"queued_count"`
	ActiveJob   *model.SyncJob `json:"active_job,omitempty"`
}

// scopeActor — состояние одного scope-а. Мьютекс сериализует все операции.
type scopeActor struct {
	mu            sync.Mutex
	scope         string
	active        *model.SyncJob
	pollCancel    context.CancelFunc
	cooldownArmed bool
}

// Manager — координатор заданий индексации (актор-на-scope).
type Manager struct {
	mu     sync.Mutex
	scopes map[string]*scopeActor

	jobs   repository.SyncJobRepository
	queue  repository.SyncQueueRepository
	client indexer.Client

	pollInterval time.Duration
	retryBase    time.Duration
	retryMax     uint64

	onTerminal TerminalHandler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

// NewManager создаёт координатор.
// retryBase — базовая задержка экспоненциального backoff при rate limit,
// retryMax — потолок повторов (исчерпание — hard failure).
func NewManager(
	jobs repository.SyncJobRepository,
	queue repository.SyncQueueRepository,
	client indexer.Client,
	pollInterval, retryBase time.Duration,
	retryMax uint64,
	logger *slog.Logger,
) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		scopes:       make(map[string]*scopeActor),
		jobs:         jobs,
		queue:        queue,
		client:       client,
		pollInterval: pollInterval,
		retryBase:    retryBase,
		retryMax:     retryMax,
		ctx:          ctx,
		cancel:       cancel,
		logger:       logger.With(slog.String("component", "coordinator")),
	}
}

// SetTerminalHandler задаёт обработчик терминальных завершений.
// Вызывается один раз при сборке сервиса, до первого RequestSync.
func (m *Manager) SetTerminalHandler(h TerminalHandler) {
	m.onTerminal = h
}

// Stop останавливает все циклы опроса и ждёт их завершения.
func (m *Manager) Stop() {
	m.cancel()
	m.wg.Wait()
	m.logger.Info("Координатор остановлен")
}

// RequestSync запрашивает индексацию файла в scope-е.
//
// Idle: запускает задание (с backoff при rate limit) → started;
// cooldown → durable-очередь + отложенный re-check → queued;
// исчерпание повторов → ErrHardFailure.
// Active: тот же файл → already_active; другой файл → очередь → queued.
func (m *Manager) RequestSync(ctx context.Context, scope, fileKey, fileName, resourceID string) (Result, error) {
	a := m.actor(scope)
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.active != nil {
		if a.active.FileKey == fileKey {
			return ResultAlreadyActive, nil
		}
		if err := m.enqueue(ctx, scope, fileKey, fileName, resourceID, time.Now().UTC()); err != nil {
			return "", err
		}
		return ResultQueued, nil
	}

	jobID, err := m.startWithRetry(ctx, resourceID)
	if err != nil {
		if cd := indexer.AsCooldown(err); cd != nil {
			if enqErr := m.enqueue(ctx, scope, fileKey, fileName, resourceID, time.Now().UTC()); enqErr != nil {
				return "", enqErr
			}
			m.armCooldownLocked(a, cd.RetryAfter)
			return ResultQueued, nil
		}
		hardFailuresTotal.Inc()
		return "", fmt.Errorf("%w: %w", ErrHardFailure, err)
	}

	if err := m.activateLocked(ctx, a, jobID, fileKey, fileName, resourceID); err != nil {
		return "", err
	}
	return ResultStarted, nil
}

// QueueStatus возвращает длину очереди и активное задание scope-а.
func (m *Manager) QueueStatus(ctx context.Context, scope string) (*QueueStatus, error) {
	count, err := m.queue.CountByScope(ctx, scope)
	if err != nil {
		return nil, err
	}

	st := &QueueStatus{QueuedCount: count}
	job, err := m.jobs.GetActiveByScope(ctx, scope)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	st.ActiveJob = job
	return st, nil
}

// ForceFail принудительно завершает зависшее задание (вызов sweep-а):
// статус failed, scope освобождается, очередь продвигается в том же вызове.
// Утёкшая строка (не совпадает с активным заданием актора) только
// фиксируется и уведомляется — занятый scope не трогается.
func (m *Manager) ForceFail(ctx context.Context, job *model.SyncJob) error {
	a := m.actor(job.Scope)
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := m.jobs.UpdateStatus(ctx, job.JobID, model.JobFailed); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("принудительное завершение задания %s: %w", job.JobID, err)
	}
	jobsFinishedTotal.WithLabelValues("forced").Inc()

	failed := *job
	failed.Status = model.JobFailed

	if a.active != nil && a.active.JobID == job.JobID {
		m.deactivateLocked(a)
	}
	m.notify(ctx, &failed, "задание принудительно завершено по превышению порога давности")

	// Продвигать очередь можно только на свободном scope-е: если
	// завершена утёкшая строка чужого задания, актор всё ещё занят
	// настоящим активным заданием — запуск головы очереди дал бы
	// два активных задания в scope-е.
	if a.active == nil {
		m.promoteLocked(ctx, a)
	}
	return nil
}

// Restore возобновляет опрос активных заданий после рестарта сервиса.
func (m *Manager) Restore(ctx context.Context) error {
	jobs, err := m.jobs.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("восстановление активных заданий: %w", err)
	}

	for _, job := range jobs {
		a := m.actor(job.Scope)
		a.mu.Lock()
		if a.active == nil {
			a.active = job
			m.startPollingLocked(a)
			activeJobsGauge.Inc()
			m.logger.Info("Опрос задания возобновлён после рестарта",
				slog.String("scope", job.Scope),
				slog.String("job_id", job.JobID),
			)
		}
		a.mu.Unlock()
	}
	return nil
}

// actor возвращает (создавая при необходимости) актор scope-а.
func (m *Manager) actor(scope string) *scopeActor {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.scopes[scope]
	if !ok {
		a = &scopeActor{scope: scope}
		m.scopes[scope] = a
	}
	return a
}

// startWithRetry запускает задание с экспоненциальным backoff при rate limit.
// Cooldown и прочие ошибки не ретраятся — возвращаются сразу.
func (m *Manager) startWithRetry(ctx context.Context, resourceID string) (string, error) {
	var jobID string
	backoff := retry.WithMaxRetries(m.retryMax, retry.NewExponential(m.retryBase))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		id, err := m.client.StartSync(ctx, resourceID)
		if err != nil {
			if errors.Is(err, indexer.ErrRateLimited) {
				startRetriesTotal.Inc()
				return retry.RetryableError(err)
			}
			return err
		}
		jobID = id
		return nil
	})
	if err != nil {
		return "", err
	}
	return jobID, nil
}

// activateLocked создаёт запись задания, переводит актор в Active
// и запускает цикл опроса. Вызывается под мьютексом актора.
func (m *Manager) activateLocked(ctx context.Context, a *scopeActor, jobID, fileKey, fileName, resourceID string) error {
	now := time.Now().UTC()
	job := &model.SyncJob{
		JobID:      jobID,
		Scope:      a.scope,
		FileKey:    fileKey,
		FileName:   fileName,
		ResourceID: resourceID,
		Status:     model.JobPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := m.jobs.Insert(ctx, job); err != nil {
		return fmt.Errorf("сохранение задания %s: %w", jobID, err)
	}

	a.active = job
	m.startPollingLocked(a)

	jobsStartedTotal.Inc()
	activeJobsGauge.Inc()
	m.logger.Info("Задание индексации запущено",
		slog.String("scope", a.scope),
		slog.String("job_id", jobID),
		slog.String("file_key", fileKey),
	)
	return nil
}

// deactivateLocked останавливает опрос и освобождает scope.
func (m *Manager) deactivateLocked(a *scopeActor) {
	if a.pollCancel != nil {
		a.pollCancel()
		a.pollCancel = nil
	}
	a.active = nil
	activeJobsGauge.Dec()
}

// startPollingLocked запускает цикл опроса активного задания.
func (m *Manager) startPollingLocked(a *scopeActor) {
	pollCtx, cancel := context.WithCancel(m.ctx)
	a.pollCancel = cancel

	jobID := a.active.JobID
	resourceID := a.active.ResourceID

	m.wg.Add(1)
	go m.pollLoop(pollCtx, a, jobID, resourceID)
}

// pollLoop опрашивает статус задания с фиксированным интервалом.
// Останавливается при терминальном статусе или отмене контекста;
// тикер живёт только пока scope в Active.
func (m *Manager) pollLoop(ctx context.Context, a *scopeActor, jobID, resourceID string) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.pollOnce(a, jobID, resourceID) {
				return
			}
		}
	}
}

// pollOnce выполняет один опрос. Возвращает true, когда опрос нужно
// прекратить (терминальный статус или задание сменилось).
func (m *Manager) pollOnce(a *scopeActor, jobID, resourceID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	// Гонка с ForceFail: задание уже завершено принудительно.
	if a.active == nil || a.active.JobID != jobID {
		return true
	}

	state, err := m.client.GetJobStatus(m.ctx, resourceID, jobID)
	if err != nil {
		if errors.Is(err, indexer.ErrJobNotFound) {
			// Сервис потерял задание — терминальная ошибка.
			m.finishLocked(a, model.JobFailed, "сервис индексации не знает задание")
			return true
		}
		// Транзиентный сбой опроса: updated_at не трогаем, давность
		// накапливается — зависание добьёт sweep.
		m.logger.Warn("Сбой опроса задания",
			slog.String("scope", a.scope),
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		return false
	}

	if !state.Status.IsTerminal() {
		if state.Status != a.active.Status {
			a.active.Status = state.Status
			a.active.UpdatedAt = time.Now().UTC()
			if err := m.jobs.Touch(m.ctx, jobID, state.Status); err != nil {
				m.logger.Error("Не удалось обновить статус задания",
					slog.String("job_id", jobID),
					slog.String("error", err.Error()),
				)
			}
		}
		return false
	}

	m.finishLocked(a, state.Status, state.Detail)
	return true
}

// finishLocked фиксирует терминальный статус задания, уведомляет
// обработчик и немедленно продвигает очередь (или уходит в Idle).
func (m *Manager) finishLocked(a *scopeActor, status model.JobStatus, detail string) {
	job := *a.active
	job.Status = status
	job.UpdatedAt = time.Now().UTC()

	if err := m.jobs.UpdateStatus(m.ctx, job.JobID, status); err != nil {
		m.logger.Error("Не удалось зафиксировать терминальный статус",
			slog.String("job_id", job.JobID),
			slog.String("error", err.Error()),
		)
	}
	jobsFinishedTotal.WithLabelValues(string(status)).Inc()

	m.deactivateLocked(a)
	m.logger.Info("Задание индексации завершено",
		slog.String("scope", a.scope),
		slog.String("job_id", job.JobID),
		slog.String("status", string(status)),
	)

	m.notify(m.ctx, &job, detail)
	m.promoteLocked(m.ctx, a)
}

// promoteLocked продвигает очередь scope-а: снимает голову и запускает
// её задание. Hard failure элемента не останавливает продвижение —
// обработчик уведомляется синтетическим failed-заданием (JobID пуст),
// берётся следующий элемент. Cooldown возвращает элемент в очередь
// (с исходной позицией) и взводит отложенный re-check.
func (m *Manager) promoteLocked(ctx context.Context, a *scopeActor) {
	for {
		item, err := m.queue.PopHead(ctx, a.scope)
		if err != nil {
			if !errors.Is(err, repository.ErrNotFound) {
				m.logger.Error("Не удалось снять голову очереди",
					slog.String("scope", a.scope),
					slog.String("error", err.Error()),
				)
			}
			return // очередь пуста — Idle
		}

		jobID, startErr := m.startWithRetry(ctx, item.ResourceID)
		if startErr == nil {
			if err := m.activateLocked(ctx, a, jobID, item.FileKey, item.FileName, item.ResourceID); err != nil {
				m.logger.Error("Не удалось активировать задание из очереди",
					slog.String("scope", a.scope),
					slog.String("error", err.Error()),
				)
			}
			return
		}

		if cd := indexer.AsCooldown(startErr); cd != nil {
			// Возврат с исходным enqueued_at сохраняет позицию FIFO.
			if err := m.enqueue(ctx, item.Scope, item.FileKey, item.FileName, item.ResourceID, item.EnqueuedAt); err != nil {
				m.logger.Error("Не удалось вернуть элемент в очередь",
					slog.String("scope", a.scope),
					slog.String("file_key", item.FileKey),
					slog.String("error", err.Error()),
				)
			}
			m.armCooldownLocked(a, cd.RetryAfter)
			return
		}

		hardFailuresTotal.Inc()
		m.logger.Error("Hard failure запуска задания из очереди",
			slog.String("scope", a.scope),
			slog.String("file_key", item.FileKey),
			slog.String("error", startErr.Error()),
		)
		now := time.Now().UTC()
		m.notify(ctx, &model.SyncJob{
			Scope:      item.Scope,
			FileKey:    item.FileKey,
			FileName:   item.FileName,
			ResourceID: item.ResourceID,
			Status:     model.JobFailed,
			CreatedAt:  now,
			UpdatedAt:  now,
		}, startErr.Error())
	}
}

// armCooldownLocked взводит один отложенный re-check после cooldown-окна.
// Повторное взведение при уже взведённом таймере — no-op.
func (m *Manager) armCooldownLocked(a *scopeActor, after time.Duration) {
	if a.cooldownArmed {
		return
	}
	a.cooldownArmed = true
	cooldownDeferralsTotal.Inc()
	m.logger.Info("Scope в cooldown-окне, re-check отложен",
		slog.String("scope", a.scope),
		slog.String("retry_after", after.String()),
	)

	time.AfterFunc(after, func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		a.cooldownArmed = false
		if m.ctx.Err() != nil || a.active != nil {
			return
		}
		// Если сервис всё ещё в cooldown, promoteLocked перевзведёт таймер.
		m.promoteLocked(m.ctx, a)
	})
}

// enqueue durable ставит файл в очередь scope-а (идемпотентно).
func (m *Manager) enqueue(ctx context.Context, scope, fileKey, fileName, resourceID string, enqueuedAt time.Time) error {
	err := m.queue.Enqueue(ctx, &model.SyncQueueItem{
		Scope:      scope,
		FileKey:    fileKey,
		FileName:   fileName,
		ResourceID: resourceID,
		EnqueuedAt: enqueuedAt,
	})
	if err != nil {
		return fmt.Errorf("постановка в очередь scope %s: %w", scope, err)
	}
	queueEnqueuedTotal.Inc()
	return nil
}

// notify вызывает обработчик терминальных завершений, если он задан.
func (m *Manager) notify(ctx context.Context, job *model.SyncJob, detail string) {
	if m.onTerminal == nil {
		return
	}
	m.onTerminal(ctx, job, detail)
}
