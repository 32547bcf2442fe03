package fetch

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/any-hub/media-cache/internal/cache"
)

// ErrNotCovered 表示请求的偏移不在 Ticket 覆盖的任何会话内。
var ErrNotCovered = errors.New("offset not covered by ticket")

// Ticket 代表一次 EnsureAvailable 的结果，持有所挂接会话的引用。
type Ticket struct {
	c     *Coordinator
	entry *cache.Entry
	table *sessionTable

	// sessions 在 EnsureAvailable 返回后不再变化
	sessions []*session
	once     sync.Once
}

// Empty 表示没有任何需要等待的会话。
func (t *Ticket) Empty() bool {
	return len(t.sessions) == 0
}

// Covers 判断 pos 是否落在某个挂接的会话区间内。
func (t *Ticket) Covers(pos int64) bool {
	return t.sessionFor(pos) != nil
}

func (t *Ticket) sessionFor(pos int64) *session {
	for _, s := range t.sessions {
		if s.r.Contains(pos) {
			return s
		}
	}
	return nil
}

// Available 阻塞直到 pos 处的字节已写盘并记入本条目，返回从 pos 起连续可读的结束位置。
// 可读范围只以条目的区间集合为准，会话进度只用于唤醒。
// 资源在 pos 之前结束时返回 io.EOF；会话失败时返回其错误。
func (t *Ticket) Available(ctx context.Context, pos int64) (int64, error) {
	if end := t.entry.CachedFrom(pos); end > pos {
		return end, nil
	}
	s := t.sessionFor(pos)
	if s == nil {
		return pos, ErrNotCovered
	}
	for {
		// 先取通知通道再查索引，避免漏掉两者之间的进度
		_, _, done, err, notify := s.snapshot()
		if end := t.entry.CachedFrom(pos); end > pos {
			return end, nil
		}
		if done {
			if err != nil {
				return pos, err
			}
			return pos, io.EOF
		}
		select {
		case <-notify:
		case <-ctx.Done():
			return pos, ctx.Err()
		}
	}
}

// WaitStarted 等待第一个会话处理完源站响应头（此时总长度可能已确定）。
func (t *Ticket) WaitStarted(ctx context.Context) error {
	if len(t.sessions) == 0 {
		return nil
	}
	first := t.sessions[0]
	for _, s := range t.sessions[1:] {
		if s.r.Start < first.r.Start {
			first = s
		}
	}
	for {
		_, started, done, err, notify := first.snapshot()
		if done {
			return err
		}
		if started {
			return nil
		}
		select {
		case <-notify:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Wait 等待所有会话结束，返回第一个失败会话的错误。
func (t *Ticket) Wait(ctx context.Context) error {
	var firstErr error
	for _, s := range t.sessions {
		for {
			_, _, done, err, notify := s.snapshot()
			if done {
				if err != nil && firstErr == nil {
					firstErr = err
				}
				break
			}
			select {
			case <-notify:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return firstErr
}

// Release 解除挂接，最后一个挂接者离开时取消对应会话。可重复调用。
func (t *Ticket) Release() {
	t.once.Do(func() {
		table := t.table
		table.mu.Lock()
		for _, s := range t.sessions {
			s.refs--
			if s.refs == 0 {
				table.remove(s)
				s.cancel()
			}
		}
		table.mu.Unlock()
		t.c.releaseTable(table)
	})
}
