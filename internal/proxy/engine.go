package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/url"
	"path"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/media-cache/internal/cache"
	"github.com/any-hub/media-cache/internal/fetch"
	"github.com/any-hub/media-cache/internal/logging"
	"github.com/any-hub/media-cache/internal/metrics"
	"github.com/any-hub/media-cache/internal/proxy/hooks"
	"github.com/any-hub/media-cache/internal/resource"
)

// sniffSize 是内容类型嗅探读取的头部字节数。
const sniffSize = 3072

// EngineOptions 汇总 Engine 依赖的组件。
type EngineOptions struct {
	Resolver    *resource.Resolver
	Index       *cache.Index
	Store       cache.Store
	Memory      *cache.MemoryTier
	Coordinator *fetch.Coordinator
	Logger      *logrus.Logger
	Metrics     *metrics.Metrics

	// MaxRetries 是 Reader 遇到网络错误时的最大重试次数。
	MaxRetries int
	// InitialBackoff 是第一次重试前的等待时间，之后逐次翻倍。
	InitialBackoff time.Duration
}

// Engine 把请求解析、区间对账与回源协调串起来，为每个请求产出 Reader。
type Engine struct {
	resolver *resource.Resolver
	index    *cache.Index
	store    cache.Store
	memory   *cache.MemoryTier
	coord    *fetch.Coordinator
	logger   *logrus.Logger
	stats    *metrics.Metrics

	maxRetries     int
	initialBackoff time.Duration
}

// NewEngine 校验依赖并构建 Engine；Memory 可为 nil。
func NewEngine(opts EngineOptions) (*Engine, error) {
	switch {
	case opts.Resolver == nil:
		return nil, errors.New("resolver is required")
	case opts.Index == nil:
		return nil, errors.New("cache index is required")
	case opts.Store == nil:
		return nil, errors.New("cache store is required")
	case opts.Coordinator == nil:
		return nil, errors.New("fetch coordinator is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	stats := opts.Metrics
	if stats == nil {
		stats = metrics.New(nil)
	}
	backoff := opts.InitialBackoff
	if backoff <= 0 {
		backoff = 200 * time.Millisecond
	}
	retries := opts.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return &Engine{
		resolver:       opts.Resolver,
		index:          opts.Index,
		store:          opts.Store,
		memory:         opts.Memory,
		coord:          opts.Coordinator,
		logger:         logger,
		stats:          stats,
		maxRetries:     retries,
		initialBackoff: backoff,
	}, nil
}

// HandleRequest 解析请求并返回覆盖 r 的 Reader。缺失的字节在返回前已开始回源。
// ctx 约束同步阶段与 Reader 之后的全部等待。
func (e *Engine) HandleRequest(ctx context.Context, req resource.Request, r cache.Range) (*Reader, error) {
	started := time.Now()
	id, err := e.resolver.Resolve(req)
	if err != nil {
		return nil, err
	}
	entry, err := e.index.Ensure(id)
	if err != nil {
		return nil, err
	}

	var reader *Reader
	if id.Data.WholeObject() {
		reader, err = e.openWhole(ctx, entry, id, r)
	} else {
		reader, err = e.openRanged(ctx, entry, id, r)
	}
	if err != nil {
		e.stats.Requests.WithLabelValues(id.Data.String(), metrics.OutcomeError).Inc()
		return nil, err
	}
	e.stats.Requests.WithLabelValues(id.Data.String(), reader.outcome).Inc()
	e.stats.RequestDuration.WithLabelValues(id.Data.String()).Observe(time.Since(started).Seconds())
	e.logger.WithFields(logging.EntryFields(id.Key.String(), id.Data.String(), r.String())).
		WithField("outcome", reader.outcome).
		Debug("reader opened")
	return reader, nil
}

func (e *Engine) openRanged(ctx context.Context, entry *cache.Entry, id resource.Identity, r cache.Range) (*Reader, error) {
	segments, err := cache.Reconcile(entry, r)
	if err != nil {
		return nil, err
	}
	handle, err := e.store.Open(entry.Locator())
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", entry.ID(), err)
	}
	reader := newReader(ctx, e, entry, id, r)
	reader.handle = handle
	reader.outcome = outcomeFor(segments)

	if missing := cache.MissingRanges(segments); len(missing) > 0 {
		ticket, err := e.coord.EnsureAvailable(entry, id.OriginURL, missing)
		if err != nil {
			reader.Close()
			return nil, err
		}
		reader.ticket = ticket
	}
	return reader, nil
}

// openWhole 服务播放列表与 key：依次尝试内存层、磁盘完整副本、整体回源。
func (e *Engine) openWhole(ctx context.Context, entry *cache.Entry, id resource.Identity, r cache.Range) (*Reader, error) {
	if _, err := cache.Reconcile(entry, r); err != nil {
		return nil, err
	}
	data, outcome, err := e.wholeBytes(ctx, entry, id)
	if err != nil {
		return nil, err
	}

	total := int64(len(data))
	start, end := r.Start, r.End
	if start >= total && !(start == 0 && total == 0) {
		return nil, fmt.Errorf("%s beyond %d: %w", r, total, resource.ErrRangeOutOfBounds)
	}
	if end == cache.OpenEnd || end > total {
		end = total
	}
	if !entry.Data.AllowsPartial() && (start != 0 || end != total) {
		return nil, resource.ErrUnsupportedPartialFetch
	}

	reader := newReader(ctx, e, entry, id, cache.Range{Start: start, End: end})
	reader.data = data
	reader.outcome = outcome
	return reader, nil
}

func (e *Engine) wholeBytes(ctx context.Context, entry *cache.Entry, id resource.Identity) ([]byte, string, error) {
	if data, ok := e.memory.Get(entry.ID()); ok {
		return data, metrics.OutcomeHit, nil
	}
	if entry.Complete() {
		data, err := e.readComplete(entry)
		if err == nil {
			e.remember(entry, data)
			return data, metrics.OutcomeHit, nil
		}
		e.logger.WithFields(logging.EntryFields(id.Key.String(), id.Data.String(), "")).
			WithError(err).Warn("cached object unreadable, refetching")
	}
	data, err := e.coord.FetchWhole(ctx, entry, id.OriginURL, e.transformFor(id))
	if err != nil {
		return nil, "", err
	}
	e.remember(entry, data)
	return data, metrics.OutcomeMiss, nil
}

func (e *Engine) readComplete(entry *cache.Entry) ([]byte, error) {
	handle, err := e.store.Open(entry.Locator())
	if err != nil {
		return nil, err
	}
	defer handle.Close()
	data := make([]byte, entry.TotalLength())
	if _, err := handle.ReadAt(data, 0); err != nil {
		return nil, err
	}
	return data, nil
}

func (e *Engine) remember(entry *cache.Entry, data []byte) {
	if err := e.memory.Set(entry.ID(), data); err != nil {
		e.logger.WithFields(logging.EntryFields(entry.Key.String(), entry.Data.String(), "")).
			WithError(err).Debug("memory tier rejected object")
	}
}

func (e *Engine) transformFor(id resource.Identity) fetch.WholeTransform {
	def, ok := hooks.Fetch(id.Data.String())
	if !ok || def.RewriteBody == nil {
		return nil
	}
	hookCtx := &hooks.RequestContext{
		DataType:  id.Data.String(),
		OriginURL: id.OriginURL,
		Asset:     id.Asset.String(),
	}
	return func(body []byte) ([]byte, error) {
		return def.RewriteBody(hookCtx, body)
	}
}

// ContentType 依次取 hook、源站返回的具体类型、扩展名推断、头部嗅探，最后是数据类型默认值。
func (e *Engine) ContentType(entry *cache.Entry) string {
	if def, ok := hooks.Fetch(entry.Data.String()); ok && def.ContentType != nil {
		ctx := &hooks.RequestContext{
			DataType:  entry.Data.String(),
			OriginURL: entry.OriginURL(),
			Asset:     entry.Asset().String(),
		}
		if ct := def.ContentType(ctx); ct != "" {
			return ct
		}
	}
	if ct := entry.ContentType(); ct != "" && !isGenericContentType(ct) {
		return ct
	}
	if u, err := url.Parse(entry.OriginURL()); err == nil {
		if ct := mime.TypeByExtension(path.Ext(u.Path)); ct != "" {
			return ct
		}
	}
	if ct := e.sniff(entry); ct != "" {
		return ct
	}
	return entry.Data.DefaultContentType()
}

func (e *Engine) sniff(entry *cache.Entry) string {
	avail := entry.CachedFrom(0)
	if avail <= 0 {
		return ""
	}
	if avail > sniffSize {
		avail = sniffSize
	}
	handle, err := e.store.Open(entry.Locator())
	if err != nil {
		return ""
	}
	defer handle.Close()
	head := make([]byte, avail)
	n, _ := handle.ReadAt(head, 0)
	detected := mimetype.Detect(head[:n])
	if isGenericContentType(detected.String()) || detected.Is("text/plain") {
		return ""
	}
	return detected.String()
}

func isGenericContentType(ct string) bool {
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return true
	}
	return mediaType == "application/octet-stream" || mediaType == "binary/octet-stream"
}

// Entries 返回全部条目的快照，供诊断接口使用。
func (e *Engine) Entries() []cache.EntrySnapshot {
	entries := e.index.Entries()
	out := make([]cache.EntrySnapshot, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entry.Snapshot())
	}
	return out
}

// EntriesFor 返回 Key 或资产等于 key 的条目快照。
func (e *Engine) EntriesFor(key resource.Key) []cache.EntrySnapshot {
	entries := e.index.EntriesFor(key)
	out := make([]cache.EntrySnapshot, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entry.Snapshot())
	}
	return out
}

// Evict 删除 Key 或资产等于 key 的全部条目，返回删除数量。
// 正在进行的回源会继续写入已脱离索引的文件，不影响新请求。
func (e *Engine) Evict(ctx context.Context, key resource.Key) (int, error) {
	removed := 0
	for _, entry := range e.index.EntriesFor(key) {
		e.memory.Delete(entry.ID())
		if err := e.index.Remove(ctx, entry.Key, entry.Data); err != nil {
			return removed, err
		}
		removed++
		e.stats.Evictions.Inc()
		e.logger.WithFields(logging.EntryFields(entry.Key.String(), entry.Data.String(), "")).Info("entry evicted")
	}
	return removed, nil
}

func outcomeFor(segments []cache.Segment) string {
	var cached, missing bool
	for _, seg := range segments {
		switch seg.State {
		case cache.Cached:
			cached = true
		case cache.Missing:
			missing = true
		}
	}
	switch {
	case missing && cached:
		return metrics.OutcomePartial
	case missing:
		return metrics.OutcomeMiss
	default:
		return metrics.OutcomeHit
	}
}
