package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/media-cache/internal/cache"
	"github.com/any-hub/media-cache/internal/logging"
	"github.com/any-hub/media-cache/internal/resource"
)

// errReadTimeout 表示源站在 ReadTimeout 内没有返回任何数据。
var errReadTimeout = errors.New("origin read timeout")

// session 负责一个连续缺失区间的源站拉取，按偏移顺序写盘并推进进度。
type session struct {
	c         *Coordinator
	table     *sessionTable
	entry     *cache.Entry
	originURL string
	r         cache.Range

	ctx    context.Context
	cancel context.CancelFunc

	// refs 由 table.mu 保护
	refs int

	mu       sync.Mutex
	progress int64
	started  bool
	done     bool
	err      error
	notify   chan struct{}
}

func (c *Coordinator) newSession(t *sessionTable, entry *cache.Entry, originURL string, r cache.Range) *session {
	ctx, cancel := context.WithCancel(c.baseCtx)
	return &session{
		c:         c,
		table:     t,
		entry:     entry,
		originURL: originURL,
		r:         r,
		ctx:       ctx,
		cancel:    cancel,
		progress:  r.Start,
		notify:    make(chan struct{}),
	}
}

func (c *Coordinator) start(s *session) {
	c.mu.Lock()
	s.table.refs++
	closed := c.closed
	if !closed {
		c.wg.Add(1)
	}
	c.mu.Unlock()
	c.stats.ActiveSessions.Inc()
	if closed {
		s.finish(errClosed)
		return
	}
	go s.run()
}

func (s *session) run() {
	defer s.c.wg.Done()
	err := s.fetch()
	s.finish(err)
}

func (s *session) fields() logrus.Fields {
	return logging.EntryFields(string(s.entry.Key), s.entry.Data.String(), s.r.String())
}

func (s *session) fetch() error {
	c := s.c
	resp, err := c.origin.FetchRange(s.ctx, s.originURL, s.r)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.Start > s.r.Start {
		return &resource.NetworkError{URL: s.originURL, Err: fmt.Errorf("origin answered from %d, wanted %d", resp.Start, s.r.Start)}
	}

	end := s.r.End
	if resp.TotalLength >= 0 {
		if err := c.index.SetTotalLength(s.entry, resp.TotalLength); err != nil {
			if errors.Is(err, resource.ErrLengthConflict) {
				c.index.InvalidateLength(s.entry)
				c.logger.WithFields(s.fields()).WithError(err).Warn("origin length changed, length invalidated")
			}
			return err
		}
		if s.r.Start >= resp.TotalLength && resp.TotalLength > 0 {
			return fmt.Errorf("%s beyond %d: %w", s.r, resp.TotalLength, resource.ErrRangeOutOfBounds)
		}
		if end == cache.OpenEnd || end > resp.TotalLength {
			end = resp.TotalLength
		}
	}
	c.index.SetContentType(s.entry, resp.ContentType)
	s.markStarted()

	handle, err := c.store.Open(s.entry.Locator())
	if err != nil {
		return fmt.Errorf("open %s: %w", s.entry.ID(), err)
	}
	defer handle.Close()

	body := newWatchdogReader(resp.Body, c.opts.ReadTimeout, s.cancel)
	defer body.stop()

	if skip := s.r.Start - resp.Start; skip > 0 {
		if _, err := io.CopyN(io.Discard, body, skip); err != nil {
			return body.wrap(s.originURL, err)
		}
	}

	var (
		buf        = make([]byte, c.opts.ChunkSize)
		pos        = s.r.Start
		sinceFlush int64
		readErr    error
	)
	defer func() {
		if sinceFlush > 0 {
			s.flush(handle)
		}
	}()

	for end == cache.OpenEnd || pos < end {
		limit := int64(len(buf))
		if end != cache.OpenEnd && end-pos < limit {
			limit = end - pos
		}
		var n int
		n, readErr = body.Read(buf[:limit])
		if n > 0 {
			if _, err := handle.WriteAt(buf[:n], pos); err != nil {
				return fmt.Errorf("write %s: %w", s.entry.ID(), err)
			}
			written := cache.Range{Start: pos, End: pos + int64(n)}
			c.index.RecordWritten(s.entry, written)
			pos = written.End
			s.advance(pos)
			c.stats.BytesFetched.Add(float64(n))
			sinceFlush += int64(n)
			if sinceFlush >= c.opts.FlushBytes {
				s.flush(handle)
				sinceFlush = 0
			}
		}
		if readErr != nil {
			break
		}
	}

	if readErr != nil && !errors.Is(readErr, io.EOF) {
		return body.wrap(s.originURL, readErr)
	}
	if end != cache.OpenEnd && pos >= end {
		return nil
	}
	if resp.TotalLength >= 0 {
		return &resource.NetworkError{URL: s.originURL, Err: io.ErrUnexpectedEOF}
	}
	// 长度未知时读到 EOF，总长度随之确定
	if err := c.index.SetTotalLength(s.entry, pos); err != nil {
		c.index.InvalidateLength(s.entry)
		return err
	}
	return nil
}

// flush 先对区间做快照再 Sync 数据文件，最后持久化快照，保证记录的区间都已落盘。
func (s *session) flush(handle *cache.Handle) {
	if err := s.c.index.PersistSynced(s.entry, handle.Sync); err != nil {
		s.c.logger.WithFields(s.fields()).WithError(err).Warn("persist index failed")
	}
}

func (s *session) markStarted() {
	s.mu.Lock()
	if !s.started {
		s.started = true
		s.broadcastLocked()
	}
	s.mu.Unlock()
}

func (s *session) advance(pos int64) {
	s.mu.Lock()
	s.progress = pos
	s.broadcastLocked()
	s.mu.Unlock()
}

func (s *session) broadcastLocked() {
	close(s.notify)
	s.notify = make(chan struct{})
}

func (s *session) finish(err error) {
	c := s.c
	s.table.mu.Lock()
	s.table.remove(s)
	s.table.mu.Unlock()

	canceled := s.ctx.Err() != nil && errors.Is(err, context.Canceled)
	s.mu.Lock()
	s.done = true
	s.err = err
	s.broadcastLocked()
	s.mu.Unlock()
	s.cancel()

	c.releaseTable(s.table)
	c.stats.ActiveSessions.Dec()

	result := "ok"
	switch {
	case canceled:
		result = "canceled"
	case err != nil:
		result = "error"
	}
	c.stats.OriginFetches.WithLabelValues(s.entry.Data.String(), result).Inc()

	entry := c.logger.WithFields(s.fields()).WithField("result", result)
	if err != nil && !canceled {
		entry.WithError(err).Warn("origin fetch failed")
		return
	}
	entry.Debug("origin fetch finished")
}

// snapshot 返回当前进度、完成状态与通知通道。
func (s *session) snapshot() (progress int64, started, done bool, err error, notify <-chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress, s.started, s.done, s.err, s.notify
}

// watchdogReader 在每次 Read 前重置计时器，超时后取消会话上下文。
type watchdogReader struct {
	r        io.Reader
	d        time.Duration
	timer    *time.Timer
	timedOut atomic.Bool
}

func newWatchdogReader(r io.Reader, d time.Duration, cancel context.CancelFunc) *watchdogReader {
	w := &watchdogReader{r: r, d: d}
	w.timer = time.AfterFunc(d, func() {
		w.timedOut.Store(true)
		cancel()
	})
	w.timer.Stop()
	return w
}

func (w *watchdogReader) Read(p []byte) (int, error) {
	w.timer.Reset(w.d)
	n, err := w.r.Read(p)
	w.timer.Stop()
	return n, err
}

func (w *watchdogReader) stop() {
	w.timer.Stop()
}

// wrap 把读取错误转换为 NetworkError；超时取消优先于 context 错误。
func (w *watchdogReader) wrap(url string, err error) error {
	if w.timedOut.Load() {
		return &resource.NetworkError{URL: url, Err: errReadTimeout}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr *resource.NetworkError
	if errors.As(err, &netErr) {
		return err
	}
	if errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return &resource.NetworkError{URL: url, Err: err}
}
