package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/any-hub/media-cache/internal/cache"
	"github.com/any-hub/media-cache/internal/fetch"
	"github.com/any-hub/media-cache/internal/logging"
	"github.com/any-hub/media-cache/internal/resource"
)

// ErrReaderClosed 表示在 Close 之后继续读取。
var ErrReaderClosed = errors.New("reader closed")

// Reader 按偏移顺序交付 (条目, 区间) 的字节。已缓存部分直接读盘，
// 缺失部分等待回源会话写盘后再读。io.EOF 表示区间结束。
// Reader 不可并发使用。
type Reader struct {
	e         *Engine
	entry     *cache.Entry
	id        resource.Identity
	originURL string

	ctx    context.Context
	cancel context.CancelFunc

	pos int64
	end int64

	// data 非空时为整体对象，直接从内存交付
	data    []byte
	handle  *cache.Handle
	ticket  *fetch.Ticket
	outcome string

	retries int
	closed  bool
}

func newReader(ctx context.Context, e *Engine, entry *cache.Entry, id resource.Identity, r cache.Range) *Reader {
	ctx, cancel := context.WithCancel(ctx)
	return &Reader{
		e:         e,
		entry:     entry,
		id:        id,
		originURL: id.OriginURL,
		ctx:       ctx,
		cancel:    cancel,
		pos:       r.Start,
		end:       r.End,
	}
}

// Entry 返回 Reader 所服务的缓存条目。
func (rd *Reader) Entry() *cache.Entry {
	return rd.entry
}

// Outcome 返回打开时的命中情况（hit/partial/miss）。
func (rd *Reader) Outcome() string {
	return rd.outcome
}

// Offset 返回下一个待读字节的偏移。
func (rd *Reader) Offset() int64 {
	return rd.pos
}

// Length 返回资源总长度，未知时等待第一个回源会话处理完响应头。
// 源站未告知长度时返回 -1。
func (rd *Reader) Length(ctx context.Context) (int64, error) {
	if rd.data != nil {
		return int64(len(rd.data)), nil
	}
	if total := rd.entry.TotalLength(); total >= 0 {
		return total, nil
	}
	for attempt := 0; rd.ticket != nil && !rd.ticket.Empty(); attempt++ {
		err := rd.ticket.WaitStarted(ctx)
		if err == nil {
			break
		}
		if !resource.IsNetworkError(err) || attempt >= rd.e.maxRetries {
			return -1, err
		}
		if err := rd.backoff(ctx, attempt); err != nil {
			return -1, err
		}
		if err := rd.refetch(); err != nil {
			return -1, err
		}
	}
	return rd.entry.TotalLength(), nil
}

// Read 实现 io.Reader。
func (rd *Reader) Read(p []byte) (int, error) {
	if rd.closed {
		return 0, ErrReaderClosed
	}
	if len(p) == 0 {
		return 0, nil
	}
	if rd.end != cache.OpenEnd && rd.pos >= rd.end {
		return 0, io.EOF
	}

	if rd.data != nil {
		n := copy(p, rd.data[rd.pos:rd.end])
		rd.pos += int64(n)
		rd.e.stats.BytesServed.WithLabelValues(rd.id.Data.String()).Add(float64(n))
		return n, nil
	}

	avail, err := rd.available()
	if err != nil {
		return 0, err
	}
	limit := avail - rd.pos
	if rd.end != cache.OpenEnd && rd.end-rd.pos < limit {
		limit = rd.end - rd.pos
	}
	if int64(len(p)) > limit {
		p = p[:limit]
	}
	n, err := rd.handle.ReadAt(p, rd.pos)
	rd.pos += int64(n)
	rd.e.stats.BytesServed.WithLabelValues(rd.id.Data.String()).Add(float64(n))
	if n > 0 {
		rd.retries = 0
		if errors.Is(err, io.EOF) {
			err = nil
		}
	}
	if err != nil {
		return n, fmt.Errorf("read %s at %d: %w", rd.entry.ID(), rd.pos, err)
	}
	return n, nil
}

// available 返回从 pos 起连续可读的结束偏移，必要时等待或重新发起回源。
func (rd *Reader) available() (int64, error) {
	for {
		if err := rd.ctx.Err(); err != nil {
			return rd.pos, err
		}
		if end := rd.entry.CachedFrom(rd.pos); end > rd.pos {
			return end, nil
		}
		if total := rd.entry.TotalLength(); total >= 0 && rd.pos >= total {
			return rd.pos, io.EOF
		}
		if rd.ticket == nil || !rd.ticket.Covers(rd.pos) {
			if err := rd.refetch(); err != nil {
				return rd.pos, err
			}
			if rd.ticket == nil {
				continue
			}
		}

		end, err := rd.ticket.Available(rd.ctx, rd.pos)
		switch {
		case err == nil:
			return end, nil
		case errors.Is(err, io.EOF):
			return rd.pos, io.EOF
		case resource.IsNetworkError(err) && rd.retries < rd.e.maxRetries:
			rd.e.logger.WithFields(logging.EntryFields(rd.id.Key.String(), rd.id.Data.String(), rd.remaining().String())).
				WithError(err).
				WithField("attempt", rd.retries+1).
				Warn("origin fetch failed, retrying")
			if err := rd.backoff(rd.ctx, rd.retries); err != nil {
				return rd.pos, err
			}
			rd.retries++
			if err := rd.refetch(); err != nil {
				return rd.pos, err
			}
		default:
			return rd.pos, err
		}
	}
}

// refetch 从当前偏移重新对账，并为剩余缺失区间挂接或发起回源。
func (rd *Reader) refetch() error {
	if rd.ticket != nil {
		rd.ticket.Release()
		rd.ticket = nil
	}
	segments, err := cache.Reconcile(rd.entry, rd.remaining())
	if err != nil {
		if errors.Is(err, resource.ErrRangeOutOfBounds) {
			return io.EOF
		}
		return err
	}
	if len(segments) == 0 {
		return io.EOF
	}
	missing := cache.MissingRanges(segments)
	if len(missing) == 0 {
		return nil
	}
	ticket, err := rd.e.coord.EnsureAvailable(rd.entry, rd.originURL, missing)
	if err != nil {
		return err
	}
	if ticket.Empty() {
		return nil
	}
	rd.ticket = ticket
	return nil
}

func (rd *Reader) remaining() cache.Range {
	return cache.Range{Start: rd.pos, End: rd.end}
}

func (rd *Reader) backoff(ctx context.Context, attempt int) error {
	delay := rd.e.initialBackoff << attempt
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close 释放对回源会话的挂接与文件句柄，不影响其他 Reader。可重复调用。
func (rd *Reader) Close() error {
	if rd.closed {
		return nil
	}
	rd.closed = true
	rd.cancel()
	if rd.ticket != nil {
		rd.ticket.Release()
		rd.ticket = nil
	}
	if rd.handle != nil {
		err := rd.handle.Close()
		rd.handle = nil
		return err
	}
	return nil
}
