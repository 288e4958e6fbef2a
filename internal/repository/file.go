// file.go — доступ к file_registry (owned by Admin Module).
// IM создаёт запись при финализации загрузки и далее обновляет только
// колонку status: переходы валидируются матрицей model.CanTransitFile
// на уровне оркестратора, здесь — условием WHERE status = $2
// (защита от гонки с ручными правками).
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/goartstore/ingest-module/internal/domain/model"
)

// FileRepository — доступ к file_registry в объёме Ingest Module.
type FileRepository interface {
	// Insert создаёт запись файла (финализация загрузки, статус uploaded).
	Insert(ctx context.Context, rec *model.FileRecord) error
	// GetByKey возвращает запись файла по ключу blob-хранилища или ErrNotFound.
	GetByKey(ctx context.Context, fileKey string) (*model.FileRecord, error)
	// UpdateStatus переводит файл из expected в next.
	// Возвращает ErrNotFound, если файла нет или его статус уже не expected.
	UpdateStatus(ctx context.Context, fileKey string, expected, next model.FileStatus) error
}

// fileRepo — реализация FileRepository через pgx.
type fileRepo struct {
	db DBTX
}

// NewFileRepository создаёт репозиторий file_registry.
func NewFileRepository(db DBTX) FileRepository {
	return &fileRepo{db: db}
}

// Insert создаёт запись файла в file_registry.
func (r *fileRepo) Insert(ctx context.Context, rec *model.FileRecord) error {
	query := `
		INSERT INTO file_registry (file_key, tenant, original_filename, size, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)`

	_, err := r.db.Exec(ctx, query,
		rec.FileKey, rec.Tenant, rec.OriginalFilename, rec.Size,
		string(rec.Status), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("создание записи file_registry %s: %w", rec.FileKey, err)
	}
	return nil
}

// GetByKey возвращает запись файла или ErrNotFound.
func (r *fileRepo) GetByKey(ctx context.Context, fileKey string) (*model.FileRecord, error) {
	query := `
		SELECT file_key, tenant, original_filename, size, status
		FROM file_registry
		WHERE file_key = $1`

	var (
		rec    model.FileRecord
		status string
	)
	err := r.db.QueryRow(ctx, query, fileKey).Scan(
		&rec.FileKey, &rec.Tenant, &rec.OriginalFilename, &rec.Size, &status,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("чтение file_registry %s: %w", fileKey, err)
	}
	rec.Status = model.FileStatus(status)
	return &rec, nil
}

// UpdateStatus переводит файл из expected в next (compare-and-set).
func (r *fileRepo) UpdateStatus(ctx context.Context, fileKey string, expected, next model.FileStatus) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE file_registry SET status = $3, updated_at = $4 WHERE file_key = $1 AND status = $2`,
		fileKey, string(expected), string(next), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("обновление статуса файла %s: %w", fileKey, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
