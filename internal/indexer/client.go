// Пакет indexer — HTTP-клиент внешнего сервиса индексации.
//
// Сервис — чёрный ящик с двумя операциями: запустить синхронизацию ресурса
// (возвращает job id) и опросить статус задания. Push-уведомлений нет,
// завершение обнаруживается только опросом. Сервис может вернуть 429
// (rate limit), 503 + Retry-After (cooldown) или молча зависнуть —
// последнее обрабатывает sweep координатора, не клиент.
package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/bigkaa/goartstore/ingest-module/internal/domain/model"
)

// TokenProvider — функция, возвращающая SA-токен для авторизации запросов.
// Обычно это adminclient.Client.GetToken.
type TokenProvider func(ctx context.Context) (string, error)

// JobState — наблюдаемое состояние задания индексации.
type JobState struct {
	// Status — статус задания
	Status model.JobStatus `json:"status"`
	// Detail — человекочитаемые детали (причина ошибки и т.п.)
	Detail string `json:"detail,omitempty"`
}

// Client — операции внешнего сервиса индексации, используемые координатором.
type Client interface {
	// StartSync запускает синхронизацию ресурса. Возвращает job id.
	// Ошибки: ErrRateLimited, *CooldownError, прочие — как есть.
	StartSync(ctx context.Context, resourceID string) (string, error)
	// GetJobStatus возвращает состояние задания.
	GetJobStatus(ctx context.Context, resourceID, jobID string) (*JobState, error)
}

// HTTPClient — реализация Client поверх net/http.
type HTTPClient struct {
	baseURL       string
	httpClient    *http.Client
	limiter       *rate.Limiter
	tokenProvider TokenProvider
	logger        *slog.Logger
}

// New создаёт клиент сервиса индексации.
// baseURL — базовый URL сервиса (например, https://indexer:8443).
// rps — клиентское ограничение частоты исходящих запросов (защита от
// лавины опросов при множестве scope-ов; 0 — без ограничения).
// tokenProvider — источник Bearer-токена (nil — без авторизации).
func New(baseURL string, timeout time.Duration, rps float64, tokenProvider TokenProvider, logger *slog.Logger) *HTTPClient {
	var limiter *rate.Limiter
	if rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}

	return &HTTPClient{
		baseURL:       strings.TrimRight(baseURL, "/"),
		httpClient:    &http.Client{Timeout: timeout},
		limiter:       limiter,
		tokenProvider: tokenProvider,
		logger:        logger.With(slog.String("component", "indexer_client")),
	}
}

// startSyncResponse — тело ответа на запуск синхронизации.
type startSyncResponse struct {
	JobID string `json:"job_id"`
}

// StartSync запускает синхронизацию ресурса, возвращает job id.
func (c *HTTPClient) StartSync(ctx context.Context, resourceID string) (string, error) {
	reqURL := fmt.Sprintf("%s/api/v1/sync/%s/jobs", c.baseURL, resourceID)

	resp, err := c.do(ctx, http.MethodPost, reqURL)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted:
		var body startSyncResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return "", fmt.Errorf("декодирование ответа StartSync: %w", err)
		}
		if body.JobID == "" {
			return "", fmt.Errorf("StartSync: сервис вернул пустой job_id")
		}
		c.logger.Debug("Синхронизация запущена",
			slog.String("resource_id", resourceID),
			slog.String("job_id", body.JobID),
		)
		return body.JobID, nil

	case http.StatusTooManyRequests:
		return "", ErrRateLimited

	case http.StatusServiceUnavailable:
		return "", &CooldownError{RetryAfter: retryAfter(resp)}

	default:
		return "", fmt.Errorf("StartSync %s: неожиданный статус %d: %s",
			resourceID, resp.StatusCode, readBodyPrefix(resp.Body))
	}
}

// GetJobStatus возвращает состояние задания.
func (c *HTTPClient) GetJobStatus(ctx context.Context, resourceID, jobID string) (*JobState, error) {
	reqURL := fmt.Sprintf("%s/api/v1/sync/%s/jobs/%s", c.baseURL, resourceID, jobID)

	resp, err := c.do(ctx, http.MethodGet, reqURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var state JobState
		if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
			return nil, fmt.Errorf("декодирование ответа GetJobStatus: %w", err)
		}
		return &state, nil

	case http.StatusNotFound:
		return nil, ErrJobNotFound

	case http.StatusTooManyRequests:
		return nil, ErrRateLimited

	default:
		return nil, fmt.Errorf("GetJobStatus %s/%s: неожиданный статус %d: %s",
			resourceID, jobID, resp.StatusCode, readBodyPrefix(resp.Body))
	}
}

// do выполняет HTTP-запрос с учётом клиентского rate limit и авторизации.
func (c *HTTPClient) do(ctx context.Context, method, reqURL string) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("ожидание клиентского rate limit: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("создание запроса %s: %w", method, err)
	}
	req.Header.Set("Accept", "application/json")

	if c.tokenProvider != nil {
		token, tokenErr := c.tokenProvider(ctx)
		if tokenErr != nil {
			return nil, fmt.Errorf("получение токена для сервиса индексации: %w", tokenErr)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("запрос к сервису индексации: %w", err)
	}
	return resp, nil
}

// retryAfter извлекает длительность cooldown-окна из заголовка Retry-After.
// При отсутствии или некорректном значении — консервативная минута.
func retryAfter(resp *http.Response) time.Duration {
	const fallback = time.Minute

	v := resp.Header.Get("Retry-After")
	if v == "" {
		return fallback
	}
	seconds, err := strconv.Atoi(v)
	if err != nil || seconds <= 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}

// readBodyPrefix читает начало тела ответа для сообщения об ошибке.
func readBodyPrefix(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 256))
	return strings.TrimSpace(string(b))
}

// Проверка на этапе компиляции
var _ Client = (*HTTPClient)(nil)
