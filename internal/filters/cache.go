package filters

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// DefaultTTL 为过滤器缓存默认有效期。
const DefaultTTL = time.Hour

// Fetcher 抽象交易对过滤器的远端来源。
type Fetcher interface {
	FetchSymbolFilters(ctx context.Context, symbol string) (SymbolFilters, error)
}

type cacheEntry struct {
	filters   SymbolFilters
	fetchedAt time.Time
}

// Cache 缓存各交易对的过滤器，读多写少，过期后按需刷新。
// 同一交易对并发未命中时只发出一次远端请求。
type Cache struct {
	fetcher Fetcher
	ttl     time.Duration
	logger  *zap.Logger
	clock   func() time.Time

	mu      sync.RWMutex
	entries map[string]cacheEntry
	group   singleflight.Group
}

// NewCache 创建过滤器缓存。ttl<=0 时使用 DefaultTTL。
func NewCache(fetcher Fetcher, ttl time.Duration, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		fetcher: fetcher,
		ttl:     ttl,
		logger:  logger,
		clock:   time.Now,
		entries: make(map[string]cacheEntry),
	}
}

// Get 返回交易对过滤器，未命中或过期时触发一次合并的远端拉取。
func (c *Cache) Get(ctx context.Context, symbol string) (SymbolFilters, error) {
	if f, ok := c.lookup(symbol); ok {
		return f, nil
	}

	result, err, shared := c.group.Do(symbol, func() (interface{}, error) {
		// double check：等待期间可能已有协程完成刷新
		if f, ok := c.lookup(symbol); ok {
			return f, nil
		}

		f, err := c.fetcher.FetchSymbolFilters(ctx, symbol)
		if err != nil {
			return SymbolFilters{}, err
		}
		if err := f.Validate(); err != nil {
			return SymbolFilters{}, err
		}

		c.mu.Lock()
		c.entries[symbol] = cacheEntry{filters: f, fetchedAt: c.clock()}
		c.mu.Unlock()

		c.logger.Debug("交易对过滤器已刷新",
			zap.String("symbol", symbol),
			zap.String("tick_size", f.TickSize.String()),
			zap.String("step_size", f.StepSize.String()),
		)
		return f, nil
	})
	if err != nil {
		return SymbolFilters{}, err
	}
	if shared {
		c.logger.Debug("过滤器请求已合并", zap.String("symbol", symbol))
	}

	return result.(SymbolFilters), nil
}

// Invalidate 删除指定交易对的缓存条目。
func (c *Cache) Invalidate(symbol string) {
	c.mu.Lock()
	delete(c.entries, symbol)
	c.mu.Unlock()
}

func (c *Cache) lookup(symbol string) (SymbolFilters, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[symbol]
	if !ok {
		return SymbolFilters{}, false
	}
	if c.clock().Sub(entry.fetchedAt) >= c.ttl {
		return SymbolFilters{}, false
	}
	return entry.filters, true
}
