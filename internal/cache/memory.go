package cache

import (
	"context"
	"time"

	"github.com/allegro/bigcache/v3"
)

// MemoryTier 为播放列表与 key 等小型整体对象提供内存缓存。
// nil 值表示未启用，所有方法都可安全调用。
type MemoryTier struct {
	cache *bigcache.BigCache
}

// NewMemoryTier 创建上限为 maxBytes 的内存层；maxBytes <= 0 时返回 nil。
func NewMemoryTier(ctx context.Context, maxBytes int64, ttl time.Duration) (*MemoryTier, error) {
	if maxBytes <= 0 {
		return nil, nil
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	maxMB := int(maxBytes >> 20)
	if maxMB < 1 {
		maxMB = 1
	}

	cfg := bigcache.DefaultConfig(ttl)
	cfg.Shards = 16
	cfg.MaxEntriesInWindow = 4096
	cfg.MaxEntrySize = 16 * 1024
	cfg.HardMaxCacheSize = maxMB
	cfg.CleanWindow = ttl / 2
	cfg.Verbose = false

	c, err := bigcache.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &MemoryTier{cache: c}, nil
}

// Get 返回缓存的对象。
func (m *MemoryTier) Get(id string) ([]byte, bool) {
	if m == nil {
		return nil, false
	}
	data, err := m.cache.Get(id)
	if err != nil {
		return nil, false
	}
	return data, true
}

// Set 写入对象，超出单分片容量时返回错误，调用方可忽略。
func (m *MemoryTier) Set(id string, data []byte) error {
	if m == nil {
		return nil
	}
	return m.cache.Set(id, data)
}

// Delete 移除对象。
func (m *MemoryTier) Delete(id string) {
	if m == nil {
		return
	}
	_ = m.cache.Delete(id)
}

// Len 返回当前对象数量。
func (m *MemoryTier) Len() int {
	if m == nil {
		return 0
	}
	return m.cache.Len()
}

// Close 停止后台清理。
func (m *MemoryTier) Close() error {
	if m == nil {
		return nil
	}
	return m.cache.Close()
}
