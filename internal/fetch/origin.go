package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/any-hub/media-cache/internal/cache"
	"github.com/any-hub/media-cache/internal/resource"
	"github.com/any-hub/media-cache/internal/server"
)

// Response 是源站对一次区间请求的响应，Body 的第一个字节位于 Start。
type Response struct {
	Body        io.ReadCloser
	Start       int64
	TotalLength int64
	ContentType string
}

// Origin 抽象源站访问，测试中可替换为内存实现。
type Origin interface {
	FetchRange(ctx context.Context, originURL string, r cache.Range) (*Response, error)
}

// RouteSource 根据源站 URL 找到配置（凭证、代理、UA）。
type RouteSource interface {
	LookupUpstream(u *url.URL) (*server.OriginRoute, bool)
}

const defaultUserAgent = "media-cache"

// HTTPOrigin 通过 HTTP Range 请求访问源站。
type HTTPOrigin struct {
	client *http.Client
	routes RouteSource
}

// NewHTTPOrigin 使用共享 client；routes 可为 nil。
func NewHTTPOrigin(client *http.Client, routes RouteSource) *HTTPOrigin {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPOrigin{client: client, routes: routes}
}

// FetchRange 请求 [r.Start, r.End) 的字节；源站忽略 Range 时 Start 为 0。
func (o *HTTPOrigin) FetchRange(ctx context.Context, originURL string, r cache.Range) (*Response, error) {
	header := http.Header{}
	if r.Start > 0 || !r.IsOpen() {
		header.Set("Range", formatRange(r))
	}
	resp, err := o.Do(ctx, http.MethodGet, originURL, header)
	if err != nil {
		return nil, err
	}

	switch resp.StatusCode {
	case http.StatusPartialContent:
		start, total, ok := parseContentRange(resp.Header.Get("Content-Range"))
		if !ok {
			resp.Body.Close()
			return nil, &resource.NetworkError{URL: originURL, Err: fmt.Errorf("malformed Content-Range %q", resp.Header.Get("Content-Range"))}
		}
		return &Response{Body: resp.Body, Start: start, TotalLength: total, ContentType: resp.Header.Get("Content-Type")}, nil
	case http.StatusOK:
		total := int64(-1)
		if resp.ContentLength >= 0 && resp.Header.Get("Content-Encoding") == "" {
			total = resp.ContentLength
		}
		return &Response{Body: resp.Body, Start: 0, TotalLength: total, ContentType: resp.Header.Get("Content-Type")}, nil
	case http.StatusRequestedRangeNotSatisfiable:
		resp.Body.Close()
		return nil, fmt.Errorf("origin %s rejected %s: %w", originURL, r, resource.ErrRangeOutOfBounds)
	default:
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &resource.NetworkError{URL: originURL, StatusCode: resp.StatusCode}
	}
}

// Do 发送请求并附加源站配置，透传模式也复用该方法。
func (o *HTTPOrigin) Do(ctx context.Context, method, originURL string, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, originURL, nil)
	if err != nil {
		return nil, &resource.NetworkError{URL: originURL, Err: err}
	}
	for key, values := range header {
		if server.IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	// 缓存需要原始字节，禁止透明压缩
	req.Header.Set("Accept-Encoding", "identity")

	client := o.client
	userAgent := defaultUserAgent
	if o.routes != nil {
		if route, ok := o.routes.LookupUpstream(req.URL); ok {
			if route.Client != nil {
				client = route.Client
			}
			if route.Config.HasCredentials() {
				req.SetBasicAuth(route.Config.Username, route.Config.Password)
			}
			if route.Config.UserAgent != "" {
				userAgent = route.Config.UserAgent
			}
		}
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", userAgent)
	}

	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, &resource.NetworkError{URL: originURL, Err: err}
	}
	return resp, nil
}

func formatRange(r cache.Range) string {
	if r.IsOpen() {
		return fmt.Sprintf("bytes=%d-", r.Start)
	}
	return fmt.Sprintf("bytes=%d-%d", r.Start, r.End-1)
}

// parseContentRange 解析 "bytes a-b/total" 或 "bytes a-b/*"。
func parseContentRange(value string) (start, total int64, ok bool) {
	value = strings.TrimSpace(value)
	rest, found := strings.CutPrefix(value, "bytes ")
	if !found {
		return 0, 0, false
	}
	span, size, found := strings.Cut(rest, "/")
	if !found {
		return 0, 0, false
	}
	first, _, found := strings.Cut(span, "-")
	if !found {
		return 0, 0, false
	}
	start, err := strconv.ParseInt(strings.TrimSpace(first), 10, 64)
	if err != nil || start < 0 {
		return 0, 0, false
	}
	total = -1
	if size = strings.TrimSpace(size); size != "*" {
		total, err = strconv.ParseInt(size, 10, 64)
		if err != nil || total < 0 {
			return 0, 0, false
		}
	}
	return start, total, true
}
