package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/media-cache/internal/resource"
)

const recordPrefix = "entry/"

// Index 在内存中维护所有 Entry，并把区间元数据持久化到 badger。
// mu 只保护条目映射表；区间修改持有各条目自己的锁。
type Index struct {
	db     *badger.DB
	store  Store
	logger *logrus.Logger

	mu      sync.Mutex
	entries map[string]*Entry
}

// IndexOption 自定义 Index 行为。
type IndexOption func(*Index)

// WithLogger 指定日志输出，badger 内部日志也会写入该 logger。
func WithLogger(logger *logrus.Logger) IndexOption {
	return func(idx *Index) {
		if logger != nil {
			idx.logger = logger
		}
	}
}

type record struct {
	Key         string     `json:"key"`
	DataType    string     `json:"data_type"`
	Asset       string     `json:"asset,omitempty"`
	TotalLength int64      `json:"total_length"`
	Ranges      [][2]int64 `json:"ranges"`
	File        string     `json:"file"`
	OriginURL   string     `json:"origin_url"`
	ContentType string     `json:"content_type,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// OpenIndex 打开 dir 下的 badger 数据库，store 用于核对数据文件。
func OpenIndex(dir string, store Store, opts ...IndexOption) (*Index, error) {
	if dir == "" {
		return nil, errors.New("index path required")
	}
	if store == nil {
		return nil, errors.New("store required")
	}
	idx := &Index{
		store:   store,
		entries: make(map[string]*Entry),
	}
	for _, opt := range opts {
		opt(idx)
	}
	if idx.logger == nil {
		idx.logger = logrus.New()
		idx.logger.SetOutput(io.Discard)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create index path: %w", err)
	}

	badgerOpts := badger.DefaultOptions(dir).
		WithLogger(idx.logger.WithField("component", "badger")).
		WithLoggingLevel(badger.WARNING)
	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	idx.db = db
	return idx, nil
}

// Lookup 返回已存在的条目，不存在时返回 ErrNotFound。
func (idx *Index) Lookup(key resource.Key, dt resource.DataType) (*Entry, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if entry := idx.entries[entryID(key, dt)]; entry != nil {
		return entry, nil
	}
	return nil, ErrNotFound
}

// Ensure 幂等地创建条目，并记录最近一次使用的源站 URL。
func (idx *Index) Ensure(id resource.Identity) (*Entry, error) {
	if !id.Key.Valid() || !id.Data.Valid() {
		return nil, fmt.Errorf("ensure %s/%s: %w", id.Data, id.Key, resource.ErrUnresolvableResource)
	}
	idx.mu.Lock()
	entry := idx.entries[entryID(id.Key, id.Data)]
	created := entry == nil
	if created {
		entry = newEntry(id.Key, id.Data)
		idx.entries[entry.ID()] = entry
	}
	idx.mu.Unlock()

	entry.mu.Lock()
	if entry.originURL != id.OriginURL {
		entry.originURL = id.OriginURL
		entry.touchLocked()
	}
	if created && id.Asset.Valid() {
		entry.asset = id.Asset
	}
	entry.mu.Unlock()

	if created {
		if err := idx.Persist(entry); err != nil {
			return nil, err
		}
	}
	return entry, nil
}

// RecordWritten 把已落盘的区间合并进条目。
func (idx *Index) RecordWritten(entry *Entry, r Range) {
	if r.IsOpen() || r.Empty() {
		return
	}
	entry.mu.Lock()
	entry.ranges.Add(r)
	entry.touchLocked()
	entry.mu.Unlock()
}

// SetTotalLength 只允许设置一次；与既有值不同则返回 ErrLengthConflict。
func (idx *Index) SetTotalLength(entry *Entry, n int64) error {
	if n < 0 {
		return nil
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	switch {
	case entry.totalLength < 0:
		entry.totalLength = n
		entry.touchLocked()
		return nil
	case entry.totalLength == n:
		return nil
	default:
		return fmt.Errorf("%s: recorded %d, origin reports %d: %w", entry.ID(), entry.totalLength, n, resource.ErrLengthConflict)
	}
}

// InvalidateLength 清除总长度但保留已缓存区间。
func (idx *Index) InvalidateLength(entry *Entry) {
	entry.mu.Lock()
	entry.totalLength = -1
	entry.touchLocked()
	entry.mu.Unlock()
}

// SetContentType 记录源站返回的 Content-Type。
func (idx *Index) SetContentType(entry *Entry, contentType string) {
	contentType = strings.TrimSpace(contentType)
	if contentType == "" {
		return
	}
	entry.mu.Lock()
	if entry.contentType != contentType {
		entry.contentType = contentType
		entry.touchLocked()
	}
	entry.mu.Unlock()
}

// Persist 在条目有改动时写入 badger。只用于不涉及未落盘数据的改动
// （新建条目、长度、Content-Type）；记录写入区间请使用 PersistSynced。
func (idx *Index) Persist(entry *Entry) error {
	return idx.PersistSynced(entry, nil)
}

// PersistSynced 先对条目做快照，再调用 sync 把数据文件刷盘，最后写入快照。
// 快照之后才记录的区间留给下一次持久化，因此写入 badger 的区间都已落盘。
func (idx *Index) PersistSynced(entry *Entry, sync func() error) error {
	entry.persistMu.Lock()
	defer entry.persistMu.Unlock()

	entry.mu.Lock()
	if !entry.dirty || entry.removed {
		entry.mu.Unlock()
		return nil
	}
	rec := idx.recordLocked(entry)
	entry.dirty = false
	entry.mu.Unlock()

	var err error
	if sync != nil {
		err = sync()
	}
	if err == nil {
		var data []byte
		if data, err = json.Marshal(rec); err == nil {
			err = idx.db.Update(func(txn *badger.Txn) error {
				return txn.Set(recordKey(entry.Key, entry.Data), data)
			})
		}
	}
	if err != nil {
		entry.mu.Lock()
		entry.dirty = true
		entry.mu.Unlock()
		return fmt.Errorf("persist %s: %w", entry.ID(), err)
	}
	return nil
}

// PersistAll 持久化所有有改动的条目。
func (idx *Index) PersistAll() error {
	var errs []error
	for _, entry := range idx.Entries() {
		if err := idx.Persist(entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Entries 返回按 ID 排序的全部条目。
func (idx *Index) Entries() []*Entry {
	idx.mu.Lock()
	out := make([]*Entry, 0, len(idx.entries))
	for _, entry := range idx.entries {
		out = append(out, entry)
	}
	idx.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// EntriesFor 返回 Key 或所属资产等于 key 的条目。
func (idx *Index) EntriesFor(key resource.Key) []*Entry {
	var out []*Entry
	for _, entry := range idx.Entries() {
		if entry.Key == key || entry.Asset() == key {
			out = append(out, entry)
		}
	}
	return out
}

// Remove 删除条目记录与数据文件。
func (idx *Index) Remove(ctx context.Context, key resource.Key, dt resource.DataType) error {
	id := entryID(key, dt)
	idx.mu.Lock()
	entry := idx.entries[id]
	delete(idx.entries, id)
	idx.mu.Unlock()
	if entry != nil {
		// 等待进行中的持久化写完，避免旧记录在删除之后落地
		entry.persistMu.Lock()
		defer entry.persistMu.Unlock()
		entry.mu.Lock()
		entry.removed = true
		entry.mu.Unlock()
	}

	err := idx.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(recordKey(key, dt))
	})
	if err != nil {
		return fmt.Errorf("remove %s: %w", id, err)
	}
	return idx.store.Remove(ctx, Locator{Key: key, Data: dt})
}

// Load 从 badger 与磁盘文件重建条目：
// 记录损坏或只有文件的条目以空区间恢复，记录对应的文件缺失则丢弃记录。
func (idx *Index) Load(ctx context.Context) error {
	var (
		loaded  []*Entry
		dropped [][]byte
	)
	err := idx.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(recordPrefix)})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			key := item.KeyCopy(nil)
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			entry, ok := idx.decodeRecord(key, value)
			if !ok {
				dropped = append(dropped, key)
				continue
			}
			loaded = append(loaded, entry)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("load index: %w", err)
	}

	idx.mu.Lock()
	for _, entry := range loaded {
		size, statErr := idx.store.Stat(entry.Locator())
		if statErr != nil {
			if !errors.Is(statErr, ErrNotFound) {
				idx.logger.WithError(statErr).WithField("entry", entry.ID()).Warn("stat cache file failed")
			}
			dropped = append(dropped, recordKey(entry.Key, entry.Data))
			continue
		}
		limit := size
		if entry.totalLength >= 0 && entry.totalLength < limit {
			limit = entry.totalLength
		}
		if clamped := entry.ranges.Clamp(limit); len(clamped) != len(entry.ranges) || clamped.Total() != entry.ranges.Total() {
			entry.ranges = clamped
			entry.dirty = true
		}
		idx.entries[entry.ID()] = entry
	}
	idx.mu.Unlock()

	orphans := 0
	err = idx.store.Walk(ctx, func(locator Locator, _ int64) error {
		idx.mu.Lock()
		defer idx.mu.Unlock()
		if _, ok := idx.entries[locator.String()]; ok {
			return nil
		}
		entry := newEntry(locator.Key, locator.Data)
		entry.dirty = true
		idx.entries[entry.ID()] = entry
		orphans++
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan storage: %w", err)
	}

	if len(dropped) > 0 {
		err = idx.db.Update(func(txn *badger.Txn) error {
			for _, key := range dropped {
				if err := txn.Delete(key); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("drop stale records: %w", err)
		}
	}

	idx.logger.WithFields(logrus.Fields{
		"action":  "index_load",
		"entries": len(idx.Entries()),
		"dropped": len(dropped),
		"orphans": orphans,
	}).Info("cache index loaded")
	return idx.PersistAll()
}

// Close 持久化剩余改动并关闭 badger。
func (idx *Index) Close() error {
	persistErr := idx.PersistAll()
	closeErr := idx.db.Close()
	return errors.Join(persistErr, closeErr)
}

func (idx *Index) recordLocked(entry *Entry) record {
	file, _ := idx.store.Path(entry.Locator())
	ranges := make([][2]int64, len(entry.ranges))
	for i, r := range entry.ranges {
		ranges[i] = [2]int64{r.Start, r.End}
	}
	return record{
		Key:         string(entry.Key),
		DataType:    entry.Data.String(),
		Asset:       string(entry.asset),
		TotalLength: entry.totalLength,
		Ranges:      ranges,
		File:        file,
		OriginURL:   entry.originURL,
		ContentType: entry.contentType,
		UpdatedAt:   entry.updatedAt,
	}
}

// decodeRecord 解析记录；内容损坏但键可识别时返回空区间条目。
func (idx *Index) decodeRecord(key, value []byte) (*Entry, bool) {
	rk, dt, ok := parseRecordKey(key)
	if !ok {
		return nil, false
	}
	entry := newEntry(rk, dt)

	var rec record
	if err := json.Unmarshal(value, &rec); err != nil || rec.Key != string(rk) || rec.DataType != dt.String() {
		idx.logger.WithField("entry", entry.ID()).Warn("corrupt index record, ranges reset")
		entry.dirty = true
		return entry, true
	}

	for _, pair := range rec.Ranges {
		if pair[0] < 0 || pair[1] <= pair[0] {
			continue
		}
		entry.ranges.Add(Range{Start: pair[0], End: pair[1]})
	}
	if rec.TotalLength >= 0 {
		entry.totalLength = rec.TotalLength
	}
	if asset := resource.Key(rec.Asset); asset.Valid() {
		entry.asset = asset
	}
	entry.originURL = rec.OriginURL
	entry.contentType = rec.ContentType
	if !rec.UpdatedAt.IsZero() {
		entry.updatedAt = rec.UpdatedAt
	}
	return entry, true
}

func recordKey(key resource.Key, dt resource.DataType) []byte {
	return []byte(recordPrefix + entryID(key, dt))
}

func parseRecordKey(raw []byte) (resource.Key, resource.DataType, bool) {
	rest, ok := strings.CutPrefix(string(raw), recordPrefix)
	if !ok {
		return "", resource.DataUnknown, false
	}
	name, key, ok := strings.Cut(rest, "/")
	if !ok {
		return "", resource.DataUnknown, false
	}
	dt, ok := resource.ParseDataType(name)
	if !ok || !resource.Key(key).Valid() {
		return "", resource.DataUnknown, false
	}
	return resource.Key(key), dt, true
}
