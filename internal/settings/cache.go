package settings

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus-метрики кэша настроек.
var (
	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "si_settings_cache_hits_total",
		Help: "Общее количество попаданий в кэш настроек.",
	})
	cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "si_settings_cache_misses_total",
		Help: "Общее количество промахов кэша настроек.",
	})
)

// entry — закэшированное значение; found=false — ключ отсутствует в БД.
type entry struct {
	value string
	found bool
}

// cache — LRU-кэш значений настроек с TTL. Кэшируется и отсутствие ключа.
type cache struct {
	lru *expirable.LRU[string, entry]
}

func newCache(maxSize int, ttl time.Duration) *cache {
	return &cache{lru: expirable.NewLRU[string, entry](maxSize, nil, ttl)}
}

func cacheKey(scope, userID, key string) string {
	return scope + "\x00" + userID + "\x00" + key
}

func (c *cache) get(k string) (entry, bool) {
	e, ok := c.lru.Get(k)
	if ok {
		cacheHitsTotal.Inc()
		return e, true
	}
	cacheMissesTotal.Inc()
	return entry{}, false
}

func (c *cache) set(k string, e entry) {
	c.lru.Add(k, e)
}

func (c *cache) remove(k string) {
	c.lru.Remove(k)
}
