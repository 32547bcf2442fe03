package cache

import (
	"fmt"
	"sort"
)

// OpenEnd 表示区间没有上界（读到资源结尾）。
const OpenEnd int64 = -1

// Range 是半开区间 [Start, End)，End 为 OpenEnd 时表示开放区间。
type Range struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// IsOpen 表示区间无上界。
func (r Range) IsOpen() bool {
	return r.End == OpenEnd
}

// Len 返回区间长度，开放区间返回 -1。
func (r Range) Len() int64 {
	if r.IsOpen() {
		return -1
	}
	if r.End <= r.Start {
		return 0
	}
	return r.End - r.Start
}

// Empty 表示封闭且长度为 0 的区间。
func (r Range) Empty() bool {
	return !r.IsOpen() && r.End <= r.Start
}

// Contains 判断 pos 是否落在区间内。
func (r Range) Contains(pos int64) bool {
	return pos >= r.Start && (r.IsOpen() || pos < r.End)
}

func (r Range) String() string {
	if r.IsOpen() {
		return fmt.Sprintf("[%d,)", r.Start)
	}
	return fmt.Sprintf("[%d,%d)", r.Start, r.End)
}

// RangeSet 是有序、互不相交且互不相邻的封闭区间集合。
type RangeSet []Range

// Add 合并新区间，重叠或相邻的区间会被合并。
func (s *RangeSet) Add(r Range) {
	if r.IsOpen() || r.Empty() || r.Start < 0 {
		return
	}
	cur := *s
	// 第一个可能与 r 合并的位置
	i := sort.Search(len(cur), func(i int) bool { return cur[i].End >= r.Start })
	j := i
	for j < len(cur) && cur[j].Start <= r.End {
		if cur[j].Start < r.Start {
			r.Start = cur[j].Start
		}
		if cur[j].End > r.End {
			r.End = cur[j].End
		}
		j++
	}
	out := make(RangeSet, 0, len(cur)-(j-i)+1)
	out = append(out, cur[:i]...)
	out = append(out, r)
	out = append(out, cur[j:]...)
	*s = out
}

// Subtract 返回 r 中未被集合覆盖的部分，r 为开放区间时最后一段也是开放的。
func (s RangeSet) Subtract(r Range) []Range {
	if r.Empty() {
		return nil
	}
	var gaps []Range
	pos := r.Start
	for _, c := range s {
		if c.End <= pos {
			continue
		}
		if !r.IsOpen() && c.Start >= r.End {
			break
		}
		if c.Start > pos {
			gaps = append(gaps, Range{Start: pos, End: c.Start})
		}
		pos = c.End
		if !r.IsOpen() && pos >= r.End {
			return gaps
		}
	}
	if r.IsOpen() {
		return append(gaps, Range{Start: pos, End: OpenEnd})
	}
	if pos < r.End {
		gaps = append(gaps, Range{Start: pos, End: r.End})
	}
	return gaps
}

// Covers 判断封闭区间是否被完全覆盖。
func (s RangeSet) Covers(r Range) bool {
	if r.IsOpen() {
		return false
	}
	if r.Empty() {
		return true
	}
	return s.ContiguousFrom(r.Start) >= r.End
}

// ContiguousFrom 返回从 pos 起连续覆盖的结束位置；pos 未被覆盖时返回 pos。
func (s RangeSet) ContiguousFrom(pos int64) int64 {
	i := sort.Search(len(s), func(i int) bool { return s[i].End > pos })
	if i < len(s) && s[i].Start <= pos {
		return s[i].End
	}
	return pos
}

// Clamp 去掉 limit 之后的部分。
func (s RangeSet) Clamp(limit int64) RangeSet {
	out := make(RangeSet, 0, len(s))
	for _, r := range s {
		if r.Start >= limit {
			break
		}
		if r.End > limit {
			r.End = limit
		}
		out = append(out, r)
	}
	return out
}

// Total 返回已覆盖的字节数。
func (s RangeSet) Total() int64 {
	var n int64
	for _, r := range s {
		n += r.End - r.Start
	}
	return n
}

// Clone 返回独立副本。
func (s RangeSet) Clone() RangeSet {
	if s == nil {
		return nil
	}
	return append(RangeSet(nil), s...)
}
