package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/any-hub/media-cache/internal/cache"
	"github.com/any-hub/media-cache/internal/metrics"
	"github.com/any-hub/media-cache/internal/resource"
)

var errInjected = errors.New("connection reset")

// fakeOrigin 是内存中的源站，可阻塞响应体、注入失败或忽略 Range。
type fakeOrigin struct {
	mu           sync.Mutex
	data         []byte
	calls        []cache.Range
	gate         chan struct{}
	failAfter    int64
	ignoreRange  bool
	totalUnknown bool
	stall        bool
}

func newFakeOrigin(size int) *fakeOrigin {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i % 251)
	}
	return &fakeOrigin{data: data, failAfter: -1}
}

func (o *fakeOrigin) FetchRange(ctx context.Context, _ string, r cache.Range) (*Response, error) {
	o.mu.Lock()
	o.calls = append(o.calls, r)
	gate := o.gate
	o.mu.Unlock()

	size := int64(len(o.data))
	start, end := r.Start, r.End
	if o.ignoreRange {
		start, end = 0, size
	}
	if end == cache.OpenEnd || end > size {
		end = size
	}
	if start > size {
		return nil, resource.ErrRangeOutOfBounds
	}
	total := size
	if o.totalUnknown {
		total = -1
	}
	body := &gatedBody{ctx: ctx, gate: gate, data: o.data[start:end], failAfter: o.failAfter, stall: o.stall}
	return &Response{Body: body, Start: start, TotalLength: total, ContentType: "video/mp4"}, nil
}

func (o *fakeOrigin) openGate() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.gate != nil {
		close(o.gate)
		o.gate = nil
	}
}

func (o *fakeOrigin) recorded() []cache.Range {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]cache.Range(nil), o.calls...)
}

type gatedBody struct {
	ctx       context.Context
	gate      chan struct{}
	data      []byte
	off       int64
	failAfter int64
	stall     bool
}

func (b *gatedBody) Read(p []byte) (int, error) {
	if b.stall {
		<-b.ctx.Done()
		return 0, b.ctx.Err()
	}
	if b.gate != nil {
		select {
		case <-b.gate:
			b.gate = nil
		case <-b.ctx.Done():
			return 0, b.ctx.Err()
		}
	}
	if err := b.ctx.Err(); err != nil {
		return 0, err
	}
	if b.failAfter >= 0 && b.off >= b.failAfter {
		return 0, errInjected
	}
	if b.off >= int64(len(b.data)) {
		return 0, io.EOF
	}
	chunk := b.data[b.off:]
	if b.failAfter >= 0 && int64(len(chunk)) > b.failAfter-b.off {
		chunk = chunk[:b.failAfter-b.off]
	}
	if len(chunk) > 100 {
		chunk = chunk[:100]
	}
	n := copy(p, chunk)
	b.off += int64(n)
	return n, nil
}

func (b *gatedBody) Close() error { return nil }

type fixture struct {
	coord *Coordinator
	index *cache.Index
	store cache.Store
	stats *metrics.Metrics
}

func newFixture(t *testing.T, origin Origin, opts Options) *fixture {
	t.Helper()
	base := t.TempDir()
	store, err := cache.NewStore(base)
	require.NoError(t, err)
	idx, err := cache.OpenIndex(filepath.Join(base, ".index"), store)
	require.NoError(t, err)
	require.NoError(t, idx.Load(context.Background()))

	opts.Metrics = metrics.New(nil)
	if opts.ChunkSize == 0 {
		opts.ChunkSize = 64
	}
	coord := NewCoordinator(origin, idx, store, opts)
	t.Cleanup(func() {
		coord.Close()
		idx.Close()
	})
	return &fixture{coord: coord, index: idx, store: store, stats: opts.Metrics}
}

func (f *fixture) entry(t *testing.T, name string, dt resource.DataType) *cache.Entry {
	t.Helper()
	sum := sha256.Sum256([]byte(name))
	key := resource.Key(hex.EncodeToString(sum[:]))
	e, err := f.index.Ensure(resource.Identity{Key: key, Resource: dt.Resource(), Data: dt, Asset: key, OriginURL: "https://origin.test/" + name})
	require.NoError(t, err)
	return e
}

func (f *fixture) read(t *testing.T, e *cache.Entry, r cache.Range) []byte {
	t.Helper()
	h, err := f.store.Open(e.Locator())
	require.NoError(t, err)
	defer h.Close()
	buf := make([]byte, r.End-r.Start)
	_, err = h.ReadAt(buf, r.Start)
	require.NoError(t, err)
	return buf
}

func waitCalls(t *testing.T, o *fakeOrigin, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(o.recorded()) >= n }, 2*time.Second, 5*time.Millisecond)
}
