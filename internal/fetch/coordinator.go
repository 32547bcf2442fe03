package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/any-hub/media-cache/internal/cache"
	"github.com/any-hub/media-cache/internal/logging"
	"github.com/any-hub/media-cache/internal/metrics"
	"github.com/any-hub/media-cache/internal/resource"
)

// Options 控制拉取行为。
type Options struct {
	// ChunkSize 是单次写盘的最大字节数。
	ChunkSize int
	// FlushBytes 是两次 Sync + 持久化索引之间允许累积的字节数。
	FlushBytes int64
	// ReadTimeout 是源站响应体两次读取之间允许的最长停顿。
	ReadTimeout time.Duration
	// MaxWholeObjectSize 限制整体拉取对象（播放列表、key）的大小。
	MaxWholeObjectSize int64
	Logger             *logrus.Logger
	Metrics            *metrics.Metrics
}

// Coordinator 为每个条目维护活动会话表，保证同一字节区间只有一个源站请求。
// 锁顺序：c.mu → table.mu → session.mu。
type Coordinator struct {
	origin Origin
	index  *cache.Index
	store  cache.Store
	opts   Options
	logger *logrus.Logger
	stats  *metrics.Metrics

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.Mutex
	closed bool
	// 会话表按条目指针区分；条目被驱逐后重建的新条目不会挂接旧会话
	tables map[*cache.Entry]*sessionTable

	whole singleflight.Group
}

// sessionTable 保存某个条目按起点排序、互不相交的活动会话。
type sessionTable struct {
	entry    *cache.Entry
	refs     int
	mu       sync.Mutex
	sessions []*session
}

// WholeTransform 在整体对象写入缓存前改写内容（例如重写播放列表）。
type WholeTransform func(body []byte) ([]byte, error)

var errClosed = errors.New("fetch coordinator closed")

// NewCoordinator 构建协调器，Close 之前创建的会话都会在 Close 时取消。
func NewCoordinator(origin Origin, index *cache.Index, store cache.Store, opts Options) *Coordinator {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 64 * 1024
	}
	if opts.FlushBytes <= 0 {
		opts.FlushBytes = 4 * 1024 * 1024
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 30 * time.Second
	}
	if opts.MaxWholeObjectSize <= 0 {
		opts.MaxWholeObjectSize = 8 * 1024 * 1024
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
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		origin:  origin,
		index:   index,
		store:   store,
		opts:    opts,
		logger:  logger,
		stats:   stats,
		baseCtx: ctx,
		cancel:  cancel,
		tables:  make(map[*cache.Entry]*sessionTable),
	}
}

// EnsureAvailable 为缺失区间挂接已有会话或创建新会话，立即返回 Ticket。
// 调用方对账之后才写入索引的字节会被再次扣除，不会重复拉取。
func (c *Coordinator) EnsureAvailable(entry *cache.Entry, originURL string, missing []cache.Range) (*Ticket, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, errClosed
	}
	table := c.acquireTable(entry)
	ticket := &Ticket{c: c, entry: entry, table: table}

	var spawned []*session
	table.mu.Lock()
	present := entry.Ranges()
	for _, want := range missing {
		for _, gap := range present.Subtract(want) {
			spawned = append(spawned, table.cover(c, entry, originURL, gap, ticket)...)
		}
	}
	table.mu.Unlock()

	for _, s := range spawned {
		c.start(s)
	}
	if len(ticket.sessions) == 0 {
		ticket.Release()
	}
	return ticket, nil
}

// cover 用已有会话和新会话覆盖 gap，返回需要启动的新会话。调用方持有 t.mu。
func (t *sessionTable) cover(c *Coordinator, entry *cache.Entry, originURL string, gap cache.Range, ticket *Ticket) []*session {
	var spawned []*session
	spawn := func(r cache.Range) {
		s := c.newSession(t, entry, originURL, r)
		t.insert(s)
		s.refs++
		ticket.sessions = append(ticket.sessions, s)
		spawned = append(spawned, s)
	}

	pos := gap.Start
	for _, s := range t.sessions {
		if !s.r.IsOpen() && s.r.End <= pos {
			continue
		}
		if !gap.IsOpen() && s.r.Start >= gap.End {
			break
		}
		if s.r.Start > pos {
			spawn(cache.Range{Start: pos, End: s.r.Start})
		}
		s.refs++
		ticket.sessions = append(ticket.sessions, s)
		c.stats.DedupAttachments.Inc()
		if s.r.IsOpen() {
			return spawned
		}
		pos = s.r.End
		if !gap.IsOpen() && pos >= gap.End {
			return spawned
		}
	}
	spawn(cache.Range{Start: pos, End: gap.End})
	return spawned
}

func (t *sessionTable) insert(s *session) {
	i := sort.Search(len(t.sessions), func(i int) bool { return t.sessions[i].r.Start > s.r.Start })
	t.sessions = append(t.sessions, nil)
	copy(t.sessions[i+1:], t.sessions[i:])
	t.sessions[i] = s
}

// remove 从表中摘除会话，返回是否确实存在。调用方持有 t.mu。
func (t *sessionTable) remove(s *session) bool {
	for i, cur := range t.sessions {
		if cur == s {
			t.sessions = append(t.sessions[:i], t.sessions[i+1:]...)
			return true
		}
	}
	return false
}

func (c *Coordinator) acquireTable(entry *cache.Entry) *sessionTable {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.tables[entry]
	if t == nil {
		t = &sessionTable{entry: entry}
		c.tables[entry] = t
	}
	t.refs++
	return t
}

func (c *Coordinator) releaseTable(t *sessionTable) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t.refs--
	if t.refs == 0 && c.tables[t.entry] == t {
		delete(c.tables, t.entry)
	}
}

// ActiveSessions 返回某个条目当前的活动会话区间。
func (c *Coordinator) ActiveSessions(entry *cache.Entry) []cache.Range {
	c.mu.Lock()
	t := c.tables[entry]
	c.mu.Unlock()
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]cache.Range, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s.r)
	}
	return out
}

// FetchWhole 整体拉取对象，按条目合并并发请求。拉取不受单个调用方取消影响，
// 结果经 transform 改写后原子写入磁盘并记录完整区间。
func (c *Coordinator) FetchWhole(ctx context.Context, entry *cache.Entry, originURL string, transform WholeTransform) ([]byte, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errClosed
	}
	// 每个调用方在拿到结果前都持有一份计数，Close 因此会等待进行中的拉取
	c.wg.Add(1)
	c.mu.Unlock()

	// 按条目指针合并，驱逐后的新条目不会拿到写入旧条目的结果
	ch := c.whole.DoChan(fmt.Sprintf("%p", entry), func() (interface{}, error) {
		return c.fetchWhole(entry, originURL, transform)
	})
	select {
	case res := <-ch:
		c.wg.Done()
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	case <-ctx.Done():
		go func() {
			<-ch
			c.wg.Done()
		}()
		return nil, ctx.Err()
	}
}

func (c *Coordinator) fetchWhole(entry *cache.Entry, originURL string, transform WholeTransform) ([]byte, error) {
	ctx, cancel := context.WithCancel(c.baseCtx)
	defer cancel()
	fields := logging.EntryFields(string(entry.Key), entry.Data.String(), "")

	resp, err := c.origin.FetchRange(ctx, originURL, cache.Range{Start: 0, End: cache.OpenEnd})
	if err != nil {
		c.stats.OriginFetches.WithLabelValues(entry.Data.String(), "error").Inc()
		return nil, err
	}
	defer resp.Body.Close()

	body := newWatchdogReader(resp.Body, c.opts.ReadTimeout, cancel)
	defer body.stop()
	data, err := io.ReadAll(io.LimitReader(body, c.opts.MaxWholeObjectSize+1))
	if err != nil {
		c.stats.OriginFetches.WithLabelValues(entry.Data.String(), "error").Inc()
		return nil, body.wrap(originURL, err)
	}
	if int64(len(data)) > c.opts.MaxWholeObjectSize {
		c.stats.OriginFetches.WithLabelValues(entry.Data.String(), "error").Inc()
		return nil, fmt.Errorf("%s exceeds %d bytes", entry.ID(), c.opts.MaxWholeObjectSize)
	}
	if resp.TotalLength >= 0 && int64(len(data)) != resp.TotalLength {
		c.stats.OriginFetches.WithLabelValues(entry.Data.String(), "error").Inc()
		return nil, &resource.NetworkError{URL: originURL, Err: io.ErrUnexpectedEOF}
	}
	c.stats.BytesFetched.Add(float64(len(data)))

	if transform != nil {
		if data, err = transform(data); err != nil {
			return nil, err
		}
	}

	if _, err := c.store.Replace(ctx, entry.Locator(), bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("write %s: %w", entry.ID(), err)
	}
	c.index.InvalidateLength(entry)
	if err := c.index.SetTotalLength(entry, int64(len(data))); err != nil {
		return nil, err
	}
	c.index.RecordWritten(entry, cache.Range{Start: 0, End: int64(len(data))})
	c.index.SetContentType(entry, resp.ContentType)
	if err := c.index.Persist(entry); err != nil {
		c.logger.WithFields(fields).WithError(err).Warn("persist index failed")
	}
	c.stats.OriginFetches.WithLabelValues(entry.Data.String(), "ok").Inc()
	c.logger.WithFields(fields).WithField("bytes", len(data)).Debug("whole object cached")
	return data, nil
}

// Close 取消所有会话并等待它们退出。
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.cancel()
	c.mu.Unlock()
	c.wg.Wait()
}
