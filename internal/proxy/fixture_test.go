package proxy

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/any-hub/media-cache/internal/cache"
	"github.com/any-hub/media-cache/internal/fetch"
	_ "github.com/any-hub/media-cache/internal/hls"
	"github.com/any-hub/media-cache/internal/metrics"
	"github.com/any-hub/media-cache/internal/resource"
)

// testOrigin 是记录请求、可注入失败与阻塞的源站。
type testOrigin struct {
	srv *httptest.Server

	mu       sync.Mutex
	files    map[string]testFile
	requests []string
	failures map[string]int
	gates    map[string]chan struct{}
	stalls   map[string]stallPoint
	unsized  map[string]*unsizedFile
}

// unsizedFile 以分块编码返回且忽略 Range；第一个请求写出一半后停住，
// 直到同一路径的下一个请求到达。
type unsizedFile struct {
	body []byte
	gate chan struct{}
	once sync.Once
	hits int
}

// stallPoint 让响应体在绝对偏移 at 处停住，直到 gate 关闭。
type stallPoint struct {
	at   int64
	gate chan struct{}
}

type testFile struct {
	body        []byte
	contentType string
}

func newTestOrigin(t *testing.T) *testOrigin {
	t.Helper()
	o := &testOrigin{
		files:    make(map[string]testFile),
		failures: make(map[string]int),
		gates:    make(map[string]chan struct{}),
		stalls:   make(map[string]stallPoint),
		unsized:  make(map[string]*unsizedFile),
	}
	o.srv = httptest.NewServer(http.HandlerFunc(o.serve))
	t.Cleanup(o.srv.Close)
	return o
}

func (o *testOrigin) serve(w http.ResponseWriter, r *http.Request) {
	o.mu.Lock()
	o.requests = append(o.requests, r.URL.Path+" "+r.Header.Get("Range"))
	file, ok := o.files[r.URL.Path]
	gate := o.gates[r.URL.Path]
	stall, stalled := o.stalls[r.URL.Path]
	unsized := o.unsized[r.URL.Path]
	hits := 0
	if unsized != nil {
		unsized.hits++
		hits = unsized.hits
	}
	fail := o.failures[r.URL.Path] > 0
	if fail {
		o.failures[r.URL.Path]--
	}
	o.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}
	if fail {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if unsized != nil {
		serveUnsized(w, r, unsized, hits)
		return
	}
	if !ok {
		http.NotFound(w, r)
		return
	}
	if file.contentType != "" {
		w.Header().Set("Content-Type", file.contentType)
	}
	var content io.ReadSeeker = bytes.NewReader(file.body)
	if stalled {
		content = &stallingReader{r: bytes.NewReader(file.body), stall: stall, done: r.Context().Done()}
		w = flushingWriter{w}
	}
	http.ServeContent(w, r, filepath.Base(r.URL.Path), time.Unix(0, 0), content)
}

func serveUnsized(w http.ResponseWriter, r *http.Request, file *unsizedFile, hits int) {
	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "video/mp4")
	w.WriteHeader(http.StatusOK)
	rest := file.body
	if hits == 1 {
		half := len(file.body) / 2
		w.Write(file.body[:half])
		flusher.Flush()
		select {
		case <-file.gate:
		case <-r.Context().Done():
			return
		}
		rest = file.body[half:]
	} else {
		file.once.Do(func() { close(file.gate) })
	}
	w.Write(rest)
	flusher.Flush()
}

// stallingReader 在 stall.at 之前正常返回数据，到达该偏移后阻塞。
type stallingReader struct {
	r     *bytes.Reader
	stall stallPoint
	done  <-chan struct{}
}

func (s *stallingReader) Read(p []byte) (int, error) {
	pos := s.r.Size() - int64(s.r.Len())
	if pos < s.stall.at {
		if limit := s.stall.at - pos; int64(len(p)) > limit {
			p = p[:limit]
		}
		return s.r.Read(p)
	}
	select {
	case <-s.stall.gate:
	case <-s.done:
		return 0, io.ErrUnexpectedEOF
	}
	return s.r.Read(p)
}

func (s *stallingReader) Seek(offset int64, whence int) (int64, error) {
	return s.r.Seek(offset, whence)
}

// flushingWriter 每次写入后立即发送，停住之前的字节能到达客户端。
type flushingWriter struct {
	http.ResponseWriter
}

func (w flushingWriter) Write(p []byte) (int, error) {
	n, err := w.ResponseWriter.Write(p)
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
	return n, err
}

func (o *testOrigin) put(path string, body []byte, contentType string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.files[path] = testFile{body: body, contentType: contentType}
	return o.srv.URL + path
}

func (o *testOrigin) failNext(path string, n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failures[path] = n
}

func (o *testOrigin) hold(path string) func() {
	gate := make(chan struct{})
	o.mu.Lock()
	o.gates[path] = gate
	o.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

// putUnsized 注册一个不报告长度的资源。
func (o *testOrigin) putUnsized(path string, body []byte) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.unsized[path] = &unsizedFile{body: body, gate: make(chan struct{})}
	return o.srv.URL + path
}

// stallAfter 让 path 的响应在偏移 at 处停住，返回放行函数。
func (o *testOrigin) stallAfter(path string, at int64) func() {
	gate := make(chan struct{})
	o.mu.Lock()
	o.stalls[path] = stallPoint{at: at, gate: gate}
	o.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

func (o *testOrigin) log() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.requests...)
}

type engineFixture struct {
	engine *Engine
	index  *cache.Index
	store  cache.Store
	origin *testOrigin
	http   *fetch.HTTPOrigin
	stats  *metrics.Metrics
}

type fixtureOptions struct {
	memoryBytes int64
	maxRetries  int
	routes      fetch.RouteSource
}

func newEngineFixture(t *testing.T, opts fixtureOptions) *engineFixture {
	t.Helper()
	origin := newTestOrigin(t)
	base := t.TempDir()
	store, err := cache.NewStore(base)
	require.NoError(t, err)
	idx, err := cache.OpenIndex(filepath.Join(base, ".index"), store)
	require.NoError(t, err)
	require.NoError(t, idx.Load(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	memory, err := cache.NewMemoryTier(ctx, opts.memoryBytes, time.Minute)
	require.NoError(t, err)

	stats := metrics.New(nil)
	httpOrigin := fetch.NewHTTPOrigin(origin.srv.Client(), opts.routes)
	coord := fetch.NewCoordinator(httpOrigin, idx, store, fetch.Options{
		ChunkSize:   256,
		ReadTimeout: 5 * time.Second,
		Metrics:     stats,
	})
	engine, err := NewEngine(EngineOptions{
		Resolver:       resource.NewResolver(resource.NewStripRules([]string{"token"})),
		Index:          idx,
		Store:          store,
		Memory:         memory,
		Coordinator:    coord,
		Metrics:        stats,
		MaxRetries:     opts.maxRetries,
		InitialBackoff: time.Millisecond,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		coord.Close()
		memory.Close()
		cancel()
		idx.Close()
	})
	return &engineFixture{engine: engine, index: idx, store: store, origin: origin, http: httpOrigin, stats: stats}
}

func request(t *testing.T, raw string) resource.Request {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return resource.Request{URL: u}
}

func payload(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i*7 + i/13)
	}
	return out
}

var full = cache.Range{Start: 0, End: cache.OpenEnd}
