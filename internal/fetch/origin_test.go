package fetch

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/any-hub/media-cache/internal/cache"
	"github.com/any-hub/media-cache/internal/config"
	"github.com/any-hub/media-cache/internal/resource"
	"github.com/any-hub/media-cache/internal/server"
)

type staticRoutes struct {
	route *server.OriginRoute
}

func (s staticRoutes) LookupUpstream(u *url.URL) (*server.OriginRoute, bool) {
	if s.route == nil || s.route.UpstreamURL.Host != u.Host {
		return nil, false
	}
	return s.route, true
}

// requestLog 记录测试服务器收到的最后一个请求。
type requestLog struct {
	mu   sync.Mutex
	last *http.Request
}

func (l *requestLog) Header() http.Header {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last.Header
}

func (l *requestLog) BasicAuth() (string, string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last.BasicAuth()
}

func newContentServer(t *testing.T, body []byte) (*httptest.Server, *requestLog) {
	t.Helper()
	last := &requestLog{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		last.mu.Lock()
		last.last = r.Clone(context.Background())
		last.mu.Unlock()
		switch r.URL.Path {
		case "/fail":
			w.WriteHeader(http.StatusBadGateway)
		case "/plain":
			w.Header().Set("Content-Type", "video/mp4")
			w.Write(body)
		default:
			http.ServeContent(w, r, "movie.mp4", time.Unix(0, 0), bytes.NewReader(body))
		}
	}))
	t.Cleanup(srv.Close)
	return srv, last
}

func TestHTTPOriginFetchRange(t *testing.T) {
	body := bytes.Repeat([]byte("0123456789"), 10)
	srv, last := newContentServer(t, body)
	origin := NewHTTPOrigin(srv.Client(), nil)

	resp, err := origin.FetchRange(context.Background(), srv.URL+"/movie.mp4", cache.Range{Start: 10, End: 20})
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, body[10:20], data)
	require.Equal(t, int64(10), resp.Start)
	require.Equal(t, int64(100), resp.TotalLength)
	require.Equal(t, "bytes=10-19", last.Header().Get("Range"))
	require.Equal(t, "identity", last.Header().Get("Accept-Encoding"))
	require.Equal(t, defaultUserAgent, last.Header().Get("User-Agent"))
}

func TestHTTPOriginWholeObjectWithoutRange(t *testing.T) {
	body := []byte("#EXTM3U\n")
	srv, last := newContentServer(t, body)
	origin := NewHTTPOrigin(srv.Client(), nil)

	resp, err := origin.FetchRange(context.Background(), srv.URL+"/plain", cache.Range{Start: 0, End: cache.OpenEnd})
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Empty(t, last.Header().Get("Range"))
	require.Equal(t, int64(0), resp.Start)
	require.Equal(t, int64(len(body)), resp.TotalLength)
	require.Equal(t, "video/mp4", resp.ContentType)
}

func TestHTTPOriginIgnoredRangeStartsAtZero(t *testing.T) {
	body := bytes.Repeat([]byte("x"), 64)
	srv, _ := newContentServer(t, body)
	origin := NewHTTPOrigin(srv.Client(), nil)

	resp, err := origin.FetchRange(context.Background(), srv.URL+"/plain", cache.Range{Start: 32, End: 40})
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, int64(0), resp.Start)
	require.Equal(t, int64(64), resp.TotalLength)
}

func TestHTTPOriginErrors(t *testing.T) {
	srv, _ := newContentServer(t, []byte("short"))
	origin := NewHTTPOrigin(srv.Client(), nil)

	_, err := origin.FetchRange(context.Background(), srv.URL+"/movie.mp4", cache.Range{Start: 50, End: 60})
	require.ErrorIs(t, err, resource.ErrRangeOutOfBounds)

	_, err = origin.FetchRange(context.Background(), srv.URL+"/fail", cache.Range{Start: 0, End: 10})
	var netErr *resource.NetworkError
	require.ErrorAs(t, err, &netErr)
	require.Equal(t, http.StatusBadGateway, netErr.StatusCode)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = origin.FetchRange(ctx, srv.URL+"/movie.mp4", cache.Range{Start: 0, End: 1})
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, resource.IsNetworkError(err))
}

func TestHTTPOriginAppliesRouteSettings(t *testing.T) {
	srv, last := newContentServer(t, []byte("secret-bytes"))
	upstream, err := url.Parse(srv.URL)
	require.NoError(t, err)
	route := &server.OriginRoute{
		Config: config.OriginConfig{
			Name:      "private",
			Upstream:  srv.URL,
			Username:  "alice",
			Password:  "s3cret",
			UserAgent: "player-test/1.0",
		},
		UpstreamURL: upstream,
	}
	origin := NewHTTPOrigin(srv.Client(), staticRoutes{route: route})

	resp, err := origin.FetchRange(context.Background(), srv.URL+"/movie.mp4", cache.Range{Start: 0, End: 6})
	require.NoError(t, err)
	resp.Body.Close()

	user, pass, ok := last.BasicAuth()
	require.True(t, ok)
	require.Equal(t, "alice", user)
	require.Equal(t, "s3cret", pass)
	require.Equal(t, "player-test/1.0", last.Header().Get("User-Agent"))
}

func TestDoDropsHopByHopHeaders(t *testing.T) {
	srv, last := newContentServer(t, []byte("abc"))
	origin := NewHTTPOrigin(srv.Client(), nil)

	header := http.Header{}
	header.Set("Connection", "keep-alive")
	header.Set("X-Trace", "1")
	header.Set("User-Agent", "vlc/3.0")
	resp, err := origin.Do(context.Background(), http.MethodGet, srv.URL+"/plain", header)
	require.NoError(t, err)
	resp.Body.Close()

	require.Equal(t, "1", last.Header().Get("X-Trace"))
	require.Equal(t, "vlc/3.0", last.Header().Get("User-Agent"))
}

func TestParseContentRange(t *testing.T) {
	cases := []struct {
		value string
		start int64
		total int64
		ok    bool
	}{
		{"bytes 0-99/1000", 0, 1000, true},
		{"bytes 500-999/1000", 500, 1000, true},
		{"bytes 10-19/*", 10, -1, true},
		{"bytes */1000", 0, 0, false},
		{"items 0-1/2", 0, 0, false},
		{"bytes 5-", 0, 0, false},
		{"", 0, 0, false},
	}
	for _, tc := range cases {
		start, total, ok := parseContentRange(tc.value)
		require.Equal(t, tc.ok, ok, tc.value)
		if tc.ok {
			require.Equal(t, tc.start, start, tc.value)
			require.Equal(t, tc.total, total, tc.value)
		}
	}
}

func TestFormatRange(t *testing.T) {
	require.Equal(t, "bytes=0-9", formatRange(cache.Range{Start: 0, End: 10}))
	require.Equal(t, "bytes=42-", formatRange(cache.Range{Start: 42, End: cache.OpenEnd}))
}
