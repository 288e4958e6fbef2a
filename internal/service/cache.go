// Пакет service — вспомогательные сервисы Ingest Module.
// CacheService — LRU-кэш записей file_registry с TTL для чтения статусов.
// Обёртка над hashicorp/golang-lru/v2/expirable.
package service

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/ingest-module/internal/domain/model"
)

// Prometheus-метрики кэша.
var (
	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "im_cache_hits_total",
		Help: "Общее количество попаданий в LRU-кэш file_registry.",
	})
	cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "im_cache_misses_total",
		Help: "Общее количество промахов LRU-кэша file_registry.",
	})
	cacheInvalidationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "im_cache_invalidations_total",
		Help: "Общее количество инвалидаций записей кэша при смене статуса.",
	})
)

// CacheService — LRU-кэш записей file_registry с автоматическим TTL.
// Каждая смена статуса файла инвалидирует его запись, поэтому чтение
// статуса не отстаёт от переходов дольше, чем на один запрос.
type CacheService struct {
	cache *expirable.LRU[string, *model.FileRecord]
}

// NewCacheService создаёт LRU-кэш с указанным максимальным размером и TTL.
func NewCacheService(maxSize int, ttl time.Duration) *CacheService {
	cache := expirable.NewLRU[string, *model.FileRecord](maxSize, nil, ttl)
	return &CacheService{cache: cache}
}

// Get возвращает запись из кэша по ключу файла.
// Возвращает (запись, true) при hit или (nil, false) при miss.
func (c *CacheService) Get(fileKey string) (*model.FileRecord, bool) {
	val, ok := c.cache.Get(fileKey)
	if ok {
		cacheHitsTotal.Inc()
		return val, true
	}
	cacheMissesTotal.Inc()
	return nil, false
}

// Set добавляет или обновляет запись в кэше.
func (c *CacheService) Set(fileKey string, record *model.FileRecord) {
	c.cache.Add(fileKey, record)
}

// Invalidate удаляет запись из кэша (смена статуса файла).
func (c *CacheService) Invalidate(fileKey string) {
	if c.cache.Remove(fileKey) {
		cacheInvalidationsTotal.Inc()
	}
}
