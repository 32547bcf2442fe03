package cache

import "github.com/any-hub/media-cache/internal/resource"

// SegmentState 标记片段是否已缓存。
type SegmentState uint8

const (
	Cached SegmentState = iota + 1
	Missing
)

func (s SegmentState) String() string {
	switch s {
	case Cached:
		return "cached"
	case Missing:
		return "missing"
	default:
		return "unknown"
	}
}

// Segment 是请求区间中状态一致的一段。
type Segment struct {
	Range Range
	State SegmentState
}

// Reconcile 按偏移顺序把请求区间拆分为已缓存与缺失片段，相邻同状态片段会被合并。
// 总长度未知时，开放区间的最后一段是开放的 Missing。
func Reconcile(entry *Entry, req Range) ([]Segment, error) {
	if req.Start < 0 {
		return nil, resource.ErrRangeOutOfBounds
	}
	if req.Empty() {
		return nil, nil
	}

	entry.mu.RLock()
	total := entry.totalLength
	ranges := entry.ranges
	segments, err := reconcileLocked(entry.Data, total, ranges, req)
	entry.mu.RUnlock()
	return segments, err
}

func reconcileLocked(dt resource.DataType, total int64, ranges RangeSet, req Range) ([]Segment, error) {
	if !dt.AllowsPartial() && !wholeRequest(total, req) {
		return nil, resource.ErrUnsupportedPartialFetch
	}

	end := req.End
	if total >= 0 {
		if req.Start >= total {
			if total == 0 && req.Start == 0 {
				return nil, nil
			}
			return nil, resource.ErrRangeOutOfBounds
		}
		if req.IsOpen() || end > total {
			end = total
		}
	}

	var out []Segment
	pos := req.Start
	for _, c := range ranges {
		if c.End <= pos {
			continue
		}
		if end != OpenEnd && c.Start >= end {
			break
		}
		if c.Start > pos {
			out = appendSegment(out, Segment{Range: Range{Start: pos, End: c.Start}, State: Missing})
			pos = c.Start
		}
		cachedEnd := c.End
		if end != OpenEnd && cachedEnd > end {
			cachedEnd = end
		}
		out = appendSegment(out, Segment{Range: Range{Start: pos, End: cachedEnd}, State: Cached})
		pos = cachedEnd
		if end != OpenEnd && pos >= end {
			return out, nil
		}
	}
	if end == OpenEnd {
		return appendSegment(out, Segment{Range: Range{Start: pos, End: OpenEnd}, State: Missing}), nil
	}
	if pos < end {
		out = appendSegment(out, Segment{Range: Range{Start: pos, End: end}, State: Missing})
	}
	return out, nil
}

// wholeRequest 判断请求是否可能等价于整个对象。总长度未知时从 0 开始的请求
// 先放行，由整体拉取得到长度后再校验，结果不随缓存状态变化。
func wholeRequest(total int64, req Range) bool {
	if req.Start != 0 {
		return false
	}
	if req.IsOpen() || total < 0 {
		return true
	}
	return req.End >= total
}

func appendSegment(out []Segment, seg Segment) []Segment {
	if n := len(out); n > 0 && out[n-1].State == seg.State && out[n-1].Range.End == seg.Range.Start {
		out[n-1].Range.End = seg.Range.End
		return out
	}
	return append(out, seg)
}

// MissingRanges 提取片段中的缺失区间。
func MissingRanges(segments []Segment) []Range {
	var out []Range
	for _, seg := range segments {
		if seg.State == Missing {
			out = append(out, seg.Range)
		}
	}
	return out
}
