package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/any-hub/media-cache/internal/resource"
)

// NewStore 以 basePath 为根目录构建磁盘缓存，整站复用一份实例。
func NewStore(basePath string) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStore{
		basePath: abs,
		locks:    make(map[string]*entryLock),
		handles:  make(map[string]*Handle),
	}, nil
}

// fileStore 通过 entryLock 避免同一 Locator 的整体替换与删除并发执行，
// 并为每个 Locator 维护一个引用计数的共享文件句柄。
type fileStore struct {
	basePath string

	mu      sync.Mutex
	locks   map[string]*entryLock
	handles map[string]*Handle
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

// Handle 是数据文件的共享句柄，ReadAt/WriteAt 可并发调用。
type Handle struct {
	store    *fileStore
	id       string
	file     *os.File
	refs     int
	detached bool
}

func (s *fileStore) Open(locator Locator) (*Handle, error) {
	filePath, err := s.Path(locator)
	if err != nil {
		return nil, err
	}
	id := locator.String()

	s.mu.Lock()
	defer s.mu.Unlock()
	if h := s.handles[id]; h != nil {
		h.refs++
		return h, nil
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filePath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	h := &Handle{store: s, id: id, file: f, refs: 1}
	s.handles[id] = h
	return h, nil
}

func (s *fileStore) Replace(ctx context.Context, locator Locator, body io.Reader) (int64, error) {
	unlock := s.lockEntry(locator)
	defer unlock()

	filePath, err := s.Path(locator)
	if err != nil {
		return 0, err
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return 0, err
	}

	tempFile, err := os.CreateTemp(filepath.Dir(filePath), ".cache-*")
	if err != nil {
		return 0, err
	}
	tempName := tempFile.Name()

	written, err := copyWithContext(ctx, tempFile, body)
	if err == nil {
		err = tempFile.Sync()
	}
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return 0, err
	}

	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return 0, err
	}
	s.detach(locator.String())
	return written, nil
}

func (s *fileStore) Remove(ctx context.Context, locator Locator) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := s.lockEntry(locator)
	defer unlock()

	filePath, err := s.Path(locator)
	if err != nil {
		return err
	}
	s.detach(locator.String())
	if err := os.Remove(filePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *fileStore) Stat(locator Locator) (int64, error) {
	filePath, err := s.Path(locator)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	if info.IsDir() {
		return 0, ErrNotFound
	}
	return info.Size(), nil
}

func (s *fileStore) Walk(ctx context.Context, fn func(locator Locator, size int64) error) error {
	return filepath.WalkDir(s.basePath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				if p == s.basePath {
					return nil
				}
				return filepath.SkipDir
			}
			if strings.HasPrefix(d.Name(), ".cache-") {
				// 中断写入残留的临时文件
				_ = os.Remove(p)
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		locator, ok := s.locatorFromPath(p)
		if !ok {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		return fn(locator, info.Size())
	})
}

func (s *fileStore) Path(locator Locator) (string, error) {
	if !locator.Key.Valid() {
		return "", errors.New("invalid cache key")
	}
	if !locator.Data.Valid() {
		return "", errors.New("invalid data type")
	}
	key := string(locator.Key)
	return filepath.Join(
		s.basePath,
		locator.Data.Resource().String(),
		key[:2],
		key+"."+locator.Data.Ext(),
	), nil
}

func (s *fileStore) locatorFromPath(p string) (Locator, bool) {
	rel, err := filepath.Rel(s.basePath, p)
	if err != nil {
		return Locator{}, false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 3 {
		return Locator{}, false
	}
	name := parts[2]
	dot := strings.LastIndexByte(name, '.')
	if dot <= 0 {
		return Locator{}, false
	}
	key := resource.Key(name[:dot])
	ext := name[dot+1:]
	for _, dt := range resource.DataTypes() {
		if dt.Ext() == ext && dt.Resource().String() == parts[0] {
			locator := Locator{Key: key, Data: dt}
			if !key.Valid() || parts[1] != string(key)[:2] {
				return Locator{}, false
			}
			return locator, true
		}
	}
	return Locator{}, false
}

// detach 使后续 Open 获得新的文件句柄，已有句柄在关闭时不再触碰映射表。
func (s *fileStore) detach(id string) {
	s.mu.Lock()
	if h := s.handles[id]; h != nil {
		h.detached = true
		delete(s.handles, id)
	}
	s.mu.Unlock()
}

func (s *fileStore) lockEntry(locator Locator) func() {
	key := locator.String()
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

// ReadAt 读取文件中 off 处的数据。
func (h *Handle) ReadAt(p []byte, off int64) (int, error) {
	return h.file.ReadAt(p, off)
}

// WriteAt 在 off 处写入数据，允许乱序写入产生空洞。
func (h *Handle) WriteAt(p []byte, off int64) (int, error) {
	return h.file.WriteAt(p, off)
}

// Sync 将已写入的数据刷到磁盘，持久化区间记录前必须调用。
func (h *Handle) Sync() error {
	return h.file.Sync()
}

// Truncate 调整文件大小。
func (h *Handle) Truncate(size int64) error {
	return h.file.Truncate(size)
}

// Close 释放一个引用，最后一个引用关闭底层文件。
func (h *Handle) Close() error {
	s := h.store
	s.mu.Lock()
	h.refs--
	if h.refs > 0 {
		s.mu.Unlock()
		return nil
	}
	if !h.detached {
		delete(s.handles, h.id)
	}
	s.mu.Unlock()
	return h.file.Close()
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}
