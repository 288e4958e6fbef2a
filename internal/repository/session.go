// session.go — репозиторий durable-сессий multipart-загрузки.
// Части хранятся одним JSONB-полем: сессию всегда читает и пишет
// единственный владелец (актор), построчная модификация не нужна.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/goartstore/ingest-module/internal/domain/model"
)

// SessionRepository — доступ к таблице ingest_sessions.
type SessionRepository interface {
	// Get возвращает сессию по идентификатору или ErrNotFound.
	Get(ctx context.Context, sessionID string) (*model.UploadSession, error)
	// Save сохраняет сессию целиком (insert или update).
	Save(ctx context.Context, s *model.UploadSession) error
	// Delete удаляет сессию.
	Delete(ctx context.Context, sessionID string) error
}

// sessionRepo — реализация SessionRepository через pgx.
type sessionRepo struct {
	db DBTX
}

// NewSessionRepository создаёт репозиторий сессий загрузки.
func NewSessionRepository(db DBTX) SessionRepository {
	return &sessionRepo{db: db}
}

// Get возвращает сессию по идентификатору или ErrNotFound.
func (r *sessionRepo) Get(ctx context.Context, sessionID string) (*model.UploadSession, error) {
	query := `
		SELECT session_id, tenant, blob_key, upload_id, original_filename,
			declared_size, total_parts, parts, status, created_at, updated_at
		FROM ingest_sessions
		WHERE session_id = $1`

	var (
		s         model.UploadSession
		partsJSON []byte
		status    string
	)
	err := r.db.QueryRow(ctx, query, sessionID).Scan(
		&s.ID, &s.Tenant, &s.BlobKey, &s.UploadID, &s.OriginalFilename,
		&s.DeclaredSize, &s.TotalParts, &partsJSON, &status, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("чтение сессии %s: %w", sessionID, err)
	}

	s.Status = model.SessionStatus(status)
	s.Parts = make(map[int32]model.PartInfo)
	if len(partsJSON) > 0 {
		if err := json.Unmarshal(partsJSON, &s.Parts); err != nil {
			return nil, fmt.Errorf("десериализация частей сессии %s: %w", sessionID, err)
		}
	}

	return &s, nil
}

// Save сохраняет сессию целиком (upsert по session_id).
func (r *sessionRepo) Save(ctx context.Context, s *model.UploadSession) error {
	partsJSON, err := json.Marshal(s.Parts)
	if err != nil {
		return fmt.Errorf("сериализация частей сессии %s: %w", s.ID, err)
	}

	query := `
		INSERT INTO ingest_sessions (session_id, tenant, blob_key, upload_id,
			original_filename, declared_size, total_parts, parts, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (session_id) DO UPDATE SET
			parts = EXCLUDED.parts,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at`

	_, err = r.db.Exec(ctx, query,
		s.ID, s.Tenant, s.BlobKey, s.UploadID, s.OriginalFilename,
		s.DeclaredSize, s.TotalParts, partsJSON, string(s.Status),
		s.CreatedAt, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("сохранение сессии %s: %w", s.ID, err)
	}
	return nil
}

// Delete удаляет сессию.
func (r *sessionRepo) Delete(ctx context.Context, sessionID string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM ingest_sessions WHERE session_id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("удаление сессии %s: %w", sessionID, err)
	}
	return nil
}
