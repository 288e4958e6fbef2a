// sync.go — репозитории заданий индексации и FIFO-очереди.
//
// Запись и модификация строк выполняется только из координатора
// (актор-на-scope), поэтому межстрочная согласованность обеспечивается
// порядком операций внутри актора, а не транзакциями.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/goartstore/ingest-module/internal/domain/model"
)

// SyncJobRepository — доступ к таблице sync_jobs.
type SyncJobRepository interface {
	// Insert создаёт запись задания.
	Insert(ctx context.Context, job *model.SyncJob) error
	// UpdateStatus обновляет статус задания и updated_at.
	UpdateStatus(ctx context.Context, jobID string, status model.JobStatus) error
	// Touch обновляет updated_at задания (наблюдение нетерминального статуса).
	Touch(ctx context.Context, jobID string, status model.JobStatus) error
	// GetActiveByScope возвращает активное (pending/running) задание scope-а
	// или ErrNotFound.
	GetActiveByScope(ctx context.Context, scope string) (*model.SyncJob, error)
	// ListActive возвращает все pending/running задания (восстановление
	// опроса после рестарта сервиса).
	ListActive(ctx context.Context) ([]*model.SyncJob, error)
	// CountActiveByScope возвращает количество pending/running заданий scope-а.
	CountActiveByScope(ctx context.Context, scope string) (int, error)
	// SelectStale возвращает pending/running задания, чей updated_at
	// старше порога (кандидаты на принудительное завершение).
	SelectStale(ctx context.Context, olderThan time.Time) ([]*model.SyncJob, error)
}

// SyncQueueRepository — доступ к таблице sync_queue (FIFO per scope).
type SyncQueueRepository interface {
	// Enqueue ставит файл в очередь scope-а. Повторная постановка того же
	// file_key идемпотентна (запись не дублируется, позиция не меняется).
	Enqueue(ctx context.Context, item *model.SyncQueueItem) error
	// PopHead снимает и возвращает голову очереди scope-а (самый ранний
	// enqueued_at) или ErrNotFound для пустой очереди.
	PopHead(ctx context.Context, scope string) (*model.SyncQueueItem, error)
	// CountByScope возвращает длину очереди scope-а.
	CountByScope(ctx context.Context, scope string) (int, error)
	// Remove удаляет файл из очереди scope-а (отказ после терминальной ошибки).
	Remove(ctx context.Context, scope, fileKey string) error
}

// --- sync_jobs ---

// jobColumns — список столбцов таблицы sync_jobs для SELECT-запросов.
const jobColumns = `job_id, scope, file_key, file_name, resource_id, status, created_at, updated_at`

// syncJobRepo — реализация SyncJobRepository через pgx.
type syncJobRepo struct {
	db DBTX
}

// NewSyncJobRepository создаёт репозиторий заданий индексации.
func NewSyncJobRepository(db DBTX) SyncJobRepository {
	return &syncJobRepo{db: db}
}

// Insert создаёт запись задания.
func (r *syncJobRepo) Insert(ctx context.Context, job *model.SyncJob) error {
	query := `
		INSERT INTO sync_jobs (job_id, scope, file_key, file_name, resource_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := r.db.Exec(ctx, query,
		job.JobID, job.Scope, job.FileKey, job.FileName, job.ResourceID,
		string(job.Status), job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("создание задания %s: %w", job.JobID, err)
	}
	return nil
}

// UpdateStatus обновляет статус задания и updated_at.
func (r *syncJobRepo) UpdateStatus(ctx context.Context, jobID string, status model.JobStatus) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE sync_jobs SET status = $2, updated_at = $3 WHERE job_id = $1`,
		jobID, string(status), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("обновление статуса задания %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Touch обновляет updated_at (и статус: pending может стать running).
func (r *syncJobRepo) Touch(ctx context.Context, jobID string, status model.JobStatus) error {
	return r.UpdateStatus(ctx, jobID, status)
}

// GetActiveByScope возвращает активное задание scope-а или ErrNotFound.
func (r *syncJobRepo) GetActiveByScope(ctx context.Context, scope string) (*model.SyncJob, error) {
	query := `SELECT ` + jobColumns + `
		FROM sync_jobs
		WHERE scope = $1 AND status IN ('pending', 'running')
		ORDER BY created_at
		LIMIT 1`

	job, err := scanJob(r.db.QueryRow(ctx, query, scope))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("чтение активного задания scope %s: %w", scope, err)
	}
	return job, nil
}

// CountActiveByScope возвращает количество pending/running заданий scope-а.
// Используется в тестах и health-диагностике для проверки инварианта "≤ 1".
func (r *syncJobRepo) CountActiveByScope(ctx context.Context, scope string) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM sync_jobs WHERE scope = $1 AND status IN ('pending', 'running')`,
		scope,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("подсчёт активных заданий scope %s: %w", scope, err)
	}
	return count, nil
}

// ListActive возвращает все pending/running задания.
func (r *syncJobRepo) ListActive(ctx context.Context) ([]*model.SyncJob, error) {
	query := `SELECT ` + jobColumns + `
		FROM sync_jobs
		WHERE status IN ('pending', 'running')
		ORDER BY created_at`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("выборка активных заданий: %w", err)
	}
	defer rows.Close()

	var jobs []*model.SyncJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("чтение активного задания: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// SelectStale возвращает зависшие pending/running задания.
func (r *syncJobRepo) SelectStale(ctx context.Context, olderThan time.Time) ([]*model.SyncJob, error) {
	query := `SELECT ` + jobColumns + `
		FROM sync_jobs
		WHERE status IN ('pending', 'running') AND updated_at < $1
		ORDER BY updated_at`

	rows, err := r.db.Query(ctx, query, olderThan)
	if err != nil {
		return nil, fmt.Errorf("выборка зависших заданий: %w", err)
	}
	defer rows.Close()

	var jobs []*model.SyncJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("чтение зависшего задания: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// rowScanner — общий интерфейс pgx.Row и pgx.Rows для scanJob.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanJob читает одну строку sync_jobs.
func scanJob(row rowScanner) (*model.SyncJob, error) {
	var (
		job    model.SyncJob
		status string
	)
	err := row.Scan(&job.JobID, &job.Scope, &job.FileKey, &job.FileName,
		&job.ResourceID, &status, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}
	job.Status = model.JobStatus(status)
	return &job, nil
}

// --- sync_queue ---

// syncQueueRepo — реализация SyncQueueRepository через pgx.
type syncQueueRepo struct {
	db DBTX
}

// NewSyncQueueRepository создаёт репозиторий очереди на отправку.
func NewSyncQueueRepository(db DBTX) SyncQueueRepository {
	return &syncQueueRepo{db: db}
}

// Enqueue ставит файл в очередь scope-а (идемпотентно по (scope, file_key)).
func (r *syncQueueRepo) Enqueue(ctx context.Context, item *model.SyncQueueItem) error {
	query := `
		INSERT INTO sync_queue (scope, file_key, file_name, resource_id, enqueued_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (scope, file_key) DO NOTHING`

	_, err := r.db.Exec(ctx, query,
		item.Scope, item.FileKey, item.FileName, item.ResourceID, item.EnqueuedAt,
	)
	if err != nil {
		return fmt.Errorf("постановка %s в очередь scope %s: %w", item.FileKey, item.Scope, err)
	}
	return nil
}

// PopHead снимает голову очереди scope-а или возвращает ErrNotFound.
// DELETE ... RETURNING атомарен; вызывается только из актора scope-а.
func (r *syncQueueRepo) PopHead(ctx context.Context, scope string) (*model.SyncQueueItem, error) {
	query := `
		DELETE FROM sync_queue
		WHERE scope = $1 AND file_key = (
			SELECT file_key FROM sync_queue
			WHERE scope = $1
			ORDER BY enqueued_at
			LIMIT 1
		)
		RETURNING scope, file_key, file_name, resource_id, enqueued_at`

	var item model.SyncQueueItem
	err := r.db.QueryRow(ctx, query, scope).Scan(
		&item.Scope, &item.FileKey, &item.FileName, &item.ResourceID, &item.EnqueuedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("снятие головы очереди scope %s: %w", scope, err)
	}
	return &item, nil
}

// CountByScope возвращает длину очереди scope-а.
func (r *syncQueueRepo) CountByScope(ctx context.Context, scope string) (int, error) {
	var count int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM sync_queue WHERE scope = $1`, scope).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("подсчёт очереди scope %s: %w", scope, err)
	}
	return count, nil
}

// Remove удаляет файл из очереди scope-а.
func (r *syncQueueRepo) Remove(ctx context.Context, scope, fileKey string) error {
	_, err := r.db.Exec(ctx,
		`DELETE FROM sync_queue WHERE scope = $1 AND file_key = $2`, scope, fileKey)
	if err != nil {
		return fmt.Errorf("удаление %s из очереди scope %s: %w", fileKey, scope, err)
	}
	return nil
}
