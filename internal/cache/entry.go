package cache

import (
	"sync"
	"time"

	"github.com/any-hub/media-cache/internal/resource"
)

// Entry 记录某个 (Key, DataType) 在磁盘上已持有的字节区间。
// 区间集合只增不减，所有修改经由 Index 完成并持有条目自身的锁。
type Entry struct {
	Key  resource.Key
	Data resource.DataType

	// persistMu 串行化“快照 → Sync → 写 badger”，避免旧快照覆盖新快照
	persistMu sync.Mutex

	mu          sync.RWMutex
	asset       resource.Key
	totalLength int64
	ranges      RangeSet
	contentType string
	originURL   string
	dirty       bool
	removed     bool
	updatedAt   time.Time
}

// EntrySnapshot 是 Entry 某一时刻的只读视图。
type EntrySnapshot struct {
	Key         resource.Key      `json:"key"`
	Data        resource.DataType `json:"-"`
	DataType    string            `json:"data_type"`
	Asset       resource.Key      `json:"asset"`
	TotalLength int64             `json:"total_length"`
	Ranges      RangeSet          `json:"ranges"`
	CachedBytes int64             `json:"cached_bytes"`
	Complete    bool              `json:"complete"`
	ContentType string            `json:"content_type,omitempty"`
	OriginURL   string            `json:"origin_url"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

func newEntry(key resource.Key, dt resource.DataType) *Entry {
	return &Entry{
		Key:         key,
		Data:        dt,
		asset:       key,
		totalLength: -1,
		updatedAt:   time.Now().UTC(),
	}
}

// ID 返回形如 <datatype>/<key> 的唯一标识。
func (e *Entry) ID() string {
	return entryID(e.Key, e.Data)
}

// Locator 返回对应数据文件的定位信息。
func (e *Entry) Locator() Locator {
	return Locator{Key: e.Key, Data: e.Data}
}

// TotalLength 返回资源总长度，未知时为 -1。
func (e *Entry) TotalLength() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.totalLength
}

// Ranges 返回已缓存区间的副本。
func (e *Entry) Ranges() RangeSet {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ranges.Clone()
}

// CachedFrom 返回从 pos 起连续已缓存的结束位置，未缓存时返回 pos。
func (e *Entry) CachedFrom(pos int64) int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ranges.ContiguousFrom(pos)
}

// Complete 表示总长度已知且全部字节已缓存。
func (e *Entry) Complete() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.completeLocked()
}

func (e *Entry) completeLocked() bool {
	if e.totalLength < 0 {
		return false
	}
	if e.totalLength == 0 {
		return true
	}
	return e.ranges.Covers(Range{Start: 0, End: e.totalLength})
}

func (e *Entry) ContentType() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.contentType
}

func (e *Entry) OriginURL() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.originURL
}

func (e *Entry) Asset() resource.Key {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.asset
}

// Snapshot 在读锁下复制全部属性。
func (e *Entry) Snapshot() EntrySnapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return EntrySnapshot{
		Key:         e.Key,
		Data:        e.Data,
		DataType:    e.Data.String(),
		Asset:       e.asset,
		TotalLength: e.totalLength,
		Ranges:      e.ranges.Clone(),
		CachedBytes: e.ranges.Total(),
		Complete:    e.completeLocked(),
		ContentType: e.contentType,
		OriginURL:   e.originURL,
		UpdatedAt:   e.updatedAt,
	}
}

func (e *Entry) touchLocked() {
	e.dirty = true
	e.updatedAt = time.Now().UTC()
}

func entryID(key resource.Key, dt resource.DataType) string {
	return dt.String() + "/" + string(key)
}
