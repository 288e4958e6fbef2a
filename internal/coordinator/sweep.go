// sweep.go — сервис обнаружения зависших заданий индексации.
//
// Внешний сервис может молча «потерять» задание: статус навсегда
// останется pending/running, опрос никогда не увидит терминала.
// Sweep периодически выбирает задания, чей updated_at старше порога
// давности, принудительно завершает их (failed) и освобождает scope
// для следующего элемента очереди — в пределах одного цикла.
//
// Порог консервативно длинный, чтобы не добивать честно медленные
// задания: updated_at обновляется при смене статуса задания, а не при
// каждом успешном опросе.
package coordinator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/ingest-module/internal/repository"
)

// Prometheus-метрики sweep-а.
var (
	sweepRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "im_sweep_runs_total",
		Help: "Общее количество запусков sweep",
	})
	sweepForcedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "im_sweep_jobs_forced_total",
		Help: "Общее количество принудительно завершённых заданий",
	})
	sweepDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "im_sweep_duration_seconds",
		Help:    "Длительность выполнения sweep в секундах",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10},
	})
)

// SweepResult — результат одного запуска sweep.
type SweepResult struct {
	// ForcedCount — количество принудительно завершённых заданий
	ForcedCount int
	// Errors — количество ошибок при обработке
	Errors int
	// Duration — длительность выполнения
	Duration time.Duration
}

// SweepService — периодическое принудительное завершение зависших заданий.
type SweepService struct {
	jobs        repository.SyncJobRepository
	coordinator *Manager
	interval    time.Duration
	staleAfter  time.Duration
	logger      *slog.Logger

	mu     sync.Mutex // защита от параллельного запуска RunOnce
	cancel context.CancelFunc
}

// NewSweepService создаёт сервис sweep.
// staleAfter — порог давности updated_at, после которого pending/running
// задание считается зависшим.
func NewSweepService(
	jobs repository.SyncJobRepository,
	coordinator *Manager,
	interval, staleAfter time.Duration,
	logger *slog.Logger,
) *SweepService {
	return &SweepService{
		jobs:        jobs,
		coordinator: coordinator,
		interval:    interval,
		staleAfter:  staleAfter,
		logger:      logger.With(slog.String("component", "sweep")),
	}
}

// Start запускает фоновую горутину sweep с периодическим тикером.
// Вызывается один раз при старте приложения.
func (s *SweepService) Start(ctx context.Context) {
	sweepCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	go s.run(sweepCtx)

	s.logger.Info("Sweep запущен",
		slog.String("interval", s.interval.String()),
		slog.String("stale_after", s.staleAfter.String()),
	)
}

// Stop останавливает фоновый процесс sweep.
func (s *SweepService) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.logger.Info("Sweep остановлен")
}

// run — основной цикл фоновой горутины.
func (s *SweepService) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce выполняет один цикл sweep.
// Потокобезопасен: mutex защищает от параллельного запуска.
func (s *SweepService) RunOnce(ctx context.Context) *SweepResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	result := &SweepResult{}

	threshold := time.Now().UTC().Add(-s.staleAfter)
	stale, err := s.jobs.SelectStale(ctx, threshold)
	if err != nil {
		s.logger.Error("Sweep: ошибка выборки зависших заданий",
			slog.String("error", err.Error()),
		)
		result.Errors++
		return result
	}

	for _, job := range stale {
		if err := s.coordinator.ForceFail(ctx, job); err != nil {
			s.logger.Error("Sweep: ошибка принудительного завершения",
				slog.String("job_id", job.JobID),
				slog.String("scope", job.Scope),
				slog.String("error", err.Error()),
			)
			result.Errors++
			continue
		}
		s.logger.Warn("Sweep: задание принудительно завершено",
			slog.String("job_id", job.JobID),
			slog.String("scope", job.Scope),
			slog.String("file_key", job.FileKey),
			slog.String("updated_at", job.UpdatedAt.Format(time.RFC3339)),
		)
		result.ForcedCount++
	}

	result.Duration = time.Since(start)

	sweepRunsTotal.Inc()
	sweepForcedTotal.Add(float64(result.ForcedCount))
	sweepDurationSeconds.Observe(result.Duration.Seconds())

	if result.ForcedCount > 0 || result.Errors > 0 {
		s.logger.Info("Sweep завершён",
			slog.Int("forced", result.ForcedCount),
			slog.Int("errors", result.Errors),
			slog.Duration("duration", result.Duration),
		)
	}

	return result
}
