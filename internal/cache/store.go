package cache

import (
	"context"
	"errors"
	"io"

	"github.com/any-hub/media-cache/internal/resource"
)

// Store 负责管理磁盘数据文件。磁盘布局遵循：
//
//	<StoragePath>/<vod|hls>/<key[0:2]>/<key>.<ext>
//
// 数据文件是稀疏的，哪些字节有效完全由 Index 记录的区间决定。
type Store interface {
	// Open 打开（必要时创建）数据文件，同一 Locator 的调用方共享一个 Handle。
	Open(locator Locator) (*Handle, error)

	// Replace 通过临时文件 + rename 原子地写入完整对象，返回写入字节数。
	Replace(ctx context.Context, locator Locator, body io.Reader) (int64, error)

	// Remove 删除数据文件；已打开的 Handle 仍可继续使用直至关闭。
	Remove(ctx context.Context, locator Locator) error

	// Stat 返回数据文件大小，不存在时返回 ErrNotFound。
	Stat(locator Locator) (int64, error)

	// Walk 遍历所有数据文件，忽略以 . 开头的目录与临时文件。
	Walk(ctx context.Context, fn func(locator Locator, size int64) error) error

	// Path 返回数据文件的绝对路径。
	Path(locator Locator) (string, error)
}

// Locator 唯一定位一个数据文件。
type Locator struct {
	Key  resource.Key
	Data resource.DataType
}

func (l Locator) String() string {
	return entryID(l.Key, l.Data)
}

// ErrNotFound 表示缓存不存在。
var ErrNotFound = errors.New("cache entry not found")
