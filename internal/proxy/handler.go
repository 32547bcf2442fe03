package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/media-cache/internal/cache"
	"github.com/any-hub/media-cache/internal/fetch"
	"github.com/any-hub/media-cache/internal/logging"
	"github.com/any-hub/media-cache/internal/metrics"
	"github.com/any-hub/media-cache/internal/resource"
	"github.com/any-hub/media-cache/internal/server"
)

// Handler 将播放器请求翻译为 Engine 调用并以 200/206 流式返回，
// 无法归类的请求直接透传给源站。
type Handler struct {
	engine *Engine
	origin *fetch.HTTPOrigin
	logger *logrus.Logger
	stats  *metrics.Metrics
}

// NewHandler constructs a proxy handler around the shared engine and origin client.
func NewHandler(engine *Engine, origin *fetch.HTTPOrigin, logger *logrus.Logger, stats *metrics.Metrics) *Handler {
	if stats == nil {
		stats = metrics.New(nil)
	}
	return &Handler{
		engine: engine,
		origin: origin,
		logger: logger,
		stats:  stats,
	}
}

// rangeSpec 是解析后的单个 Range 请求；suffix > 0 表示 "bytes=-n"。
type rangeSpec struct {
	start  int64
	end    int64
	suffix int64
}

// Handle 执行解析、对账与流式响应；route 为 nil 表示编码代理路径。
func (h *Handler) Handle(c fiber.Ctx, route *server.OriginRoute) error {
	started := time.Now()
	requestID := server.RequestID(c)
	method := c.Method()
	if method != fiber.MethodGet && method != fiber.MethodHead {
		return h.writeError(c, fiber.StatusMethodNotAllowed, "method_not_allowed")
	}

	req, err := buildRequest(c, route)
	if err != nil {
		h.logResult(c, route, "", requestID, fiber.StatusBadRequest, "", started, err)
		return h.writeError(c, fiber.StatusBadRequest, "invalid_proxy_path")
	}

	spec, ranged := parseRangeHeader(c.Get(fiber.HeaderRange))
	// Reader 由 fasthttp 在响应流写完或连接断开后关闭，生命周期不跟随 fiber.Ctx
	ctx := context.Background()
	reader, byteRange, ranged, err := h.open(ctx, req, spec, ranged)
	if err == nil && ranged && byteRange.End == cache.OpenEnd {
		reader, byteRange, ranged, err = h.fallbackToFull(ctx, req, reader, byteRange)
	}
	if err != nil {
		return h.handleOpenError(c, route, req, requestID, started, err)
	}
	return h.serve(c, route, reader, byteRange, ranged, requestID, started)
}

// fallbackToFull 处理总长度未知的开放区间：206 必须带 Content-Range，
// 因此忽略 Range，改为从 0 开始的完整 200 响应。
func (h *Handler) fallbackToFull(ctx context.Context, req resource.Request, reader *Reader, byteRange cache.Range) (*Reader, cache.Range, bool, error) {
	total, err := reader.Length(ctx)
	if err != nil {
		reader.Close()
		return nil, byteRange, true, err
	}
	if total >= 0 {
		return reader, byteRange, true, nil
	}
	whole := cache.Range{Start: 0, End: cache.OpenEnd}
	if byteRange.Start == 0 {
		return reader, whole, false, nil
	}
	// 先打开新的 Reader 再关闭旧的，进行中的拉取得以复用
	full, err := h.engine.HandleRequest(ctx, req, whole)
	reader.Close()
	if err != nil {
		return nil, whole, false, err
	}
	return full, whole, false, nil
}

// open 打开 Reader；后缀区间需要先得到总长度，长度未知时退化为整段响应。
func (h *Handler) open(ctx context.Context, req resource.Request, spec rangeSpec, ranged bool) (*Reader, cache.Range, bool, error) {
	byteRange := cache.Range{Start: 0, End: cache.OpenEnd}
	if ranged && spec.suffix > 0 {
		sizer, err := h.engine.HandleRequest(ctx, req, byteRange)
		if err != nil {
			return nil, byteRange, false, err
		}
		total, err := sizer.Length(ctx)
		sizer.Close()
		if err != nil {
			return nil, byteRange, false, err
		}
		if total < 0 {
			ranged = false
		} else {
			byteRange.Start = max(total-spec.suffix, 0)
		}
	} else if ranged {
		byteRange = cache.Range{Start: spec.start, End: spec.end}
	}

	reader, err := h.engine.HandleRequest(ctx, req, byteRange)
	if err != nil {
		return nil, byteRange, ranged, err
	}
	return reader, byteRange, ranged, nil
}

func (h *Handler) serve(
	c fiber.Ctx,
	route *server.OriginRoute,
	reader *Reader,
	byteRange cache.Range,
	ranged bool,
	requestID string,
	started time.Time,
) error {
	entry := reader.Entry()
	total, err := reader.Length(context.Background())
	if err != nil {
		reader.Close()
		return h.handleOpenError(c, route, resource.Request{}, requestID, started, err)
	}

	start, end := byteRange.Start, byteRange.End
	if total >= 0 && (end == cache.OpenEnd || end > total) {
		end = total
	}
	size := -1
	if end != cache.OpenEnd {
		size = int(end - start)
	}

	status := fiber.StatusOK
	if ranged && size != 0 && end != cache.OpenEnd {
		status = fiber.StatusPartialContent
		if total >= 0 {
			c.Set(fiber.HeaderContentRange, fmt.Sprintf("bytes %d-%d/%d", start, end-1, total))
		} else {
			c.Set(fiber.HeaderContentRange, fmt.Sprintf("bytes %d-%d/*", start, end-1))
		}
	}

	c.Set(fiber.HeaderAcceptRanges, "bytes")
	c.Set(fiber.HeaderContentType, h.engine.ContentType(entry))
	c.Set("X-Media-Cache-Key", entry.Key.String())
	c.Set("X-Media-Cache-Hit", reader.Outcome())
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(status)

	h.logResult(c, route, entry.Data.String(), requestID, status, reader.Outcome(), started, nil)

	if c.Method() == fiber.MethodHead {
		reader.Close()
		if size >= 0 {
			c.Response().Header.SetContentLength(size)
		}
		return nil
	}
	return c.SendStream(reader, size)
}

func (h *Handler) handleOpenError(
	c fiber.Ctx,
	route *server.OriginRoute,
	req resource.Request,
	requestID string,
	started time.Time,
	err error,
) error {
	dataType := req.Hint.String()
	switch {
	case errors.Is(err, resource.ErrUnresolvableResource):
		return h.passthrough(c, route, req, requestID, started)
	case errors.Is(err, resource.ErrRangeOutOfBounds), errors.Is(err, resource.ErrUnsupportedPartialFetch):
		h.logResult(c, route, dataType, requestID, fiber.StatusRequestedRangeNotSatisfiable, metrics.OutcomeError, started, err)
		return h.writeError(c, fiber.StatusRequestedRangeNotSatisfiable, "range_not_satisfiable")
	case resource.IsNetworkError(err):
		h.logResult(c, route, dataType, requestID, fiber.StatusBadGateway, metrics.OutcomeError, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	default:
		h.logResult(c, route, dataType, requestID, fiber.StatusInternalServerError, metrics.OutcomeError, started, err)
		return h.writeError(c, fiber.StatusInternalServerError, "cache_failed")
	}
}

// passthrough 原样转发无法归类的请求（包括 Range），不写缓存。
func (h *Handler) passthrough(c fiber.Ctx, route *server.OriginRoute, req resource.Request, requestID string, started time.Time) error {
	if req.URL == nil || h.origin == nil {
		return h.writeError(c, fiber.StatusBadRequest, "unresolvable_request")
	}
	resp, err := h.origin.Do(context.Background(), c.Method(), req.URL.String(), fiberHeadersAsHTTP(c))
	if err != nil {
		h.logResult(c, route, "", requestID, fiber.StatusBadGateway, metrics.OutcomePassthrough, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "upstream_failed")
	}
	h.stats.Requests.WithLabelValues(resource.DataUnknown.String(), metrics.OutcomePassthrough).Inc()

	copyResponseHeaders(c, resp.Header)
	c.Set("X-Media-Cache-Hit", metrics.OutcomePassthrough)
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(resp.StatusCode)
	h.logResult(c, route, "", requestID, resp.StatusCode, metrics.OutcomePassthrough, started, nil)

	if c.Method() == fiber.MethodHead {
		resp.Body.Close()
		return nil
	}
	return c.SendStream(resp.Body, int(resp.ContentLength))
}

// buildRequest 从编码代理路径或 Host 路由推导源站 URL 与资产归属。
func buildRequest(c fiber.Ctx, route *server.OriginRoute) (resource.Request, error) {
	path := string(c.Request().URI().Path())
	if route == nil {
		return resource.DecodeProxyPath(path, c.Query(resource.AssetParam))
	}

	query, err := url.ParseQuery(string(c.Request().URI().QueryString()))
	if err != nil {
		query = nil
	}
	rawQuery := string(c.Request().URI().QueryString())
	asset := ""
	if query.Has(resource.AssetParam) {
		asset = query.Get(resource.AssetParam)
		query.Del(resource.AssetParam)
		rawQuery = query.Encode()
	}
	return resource.Request{
		URL:   route.OriginURL(path, rawQuery),
		Asset: resource.Key(strings.ToLower(asset)),
	}, nil
}

// parseRangeHeader 只接受单个 bytes 区间；多区间或语法错误按无 Range 处理。
func parseRangeHeader(value string) (rangeSpec, bool) {
	value = strings.TrimSpace(value)
	spec, found := strings.CutPrefix(value, "bytes=")
	if !found || strings.Contains(spec, ",") {
		return rangeSpec{}, false
	}
	first, last, found := strings.Cut(strings.TrimSpace(spec), "-")
	if !found {
		return rangeSpec{}, false
	}
	first, last = strings.TrimSpace(first), strings.TrimSpace(last)

	if first == "" {
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil || n <= 0 {
			return rangeSpec{}, false
		}
		return rangeSpec{suffix: n}, true
	}
	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 {
		return rangeSpec{}, false
	}
	if last == "" {
		return rangeSpec{start: start, end: cache.OpenEnd}, true
	}
	stop, err := strconv.ParseInt(last, 10, 64)
	if err != nil || stop < start {
		return rangeSpec{}, false
	}
	return rangeSpec{start: start, end: stop + 1}, true
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	c fiber.Ctx,
	route *server.OriginRoute,
	dataType string,
	requestID string,
	status int,
	outcome string,
	started time.Time,
	err error,
) {
	originName, authMode := "", ""
	if route != nil {
		originName = route.Config.Name
		authMode = route.Config.AuthMode()
	}
	cacheHit := outcome == metrics.OutcomeHit
	fields := logging.RequestFields(originName, c.Hostname(), dataType, authMode, cacheHit)
	fields["action"] = "proxy"
	fields["method"] = c.Method()
	fields["path"] = c.Path()
	fields["status"] = status
	fields["outcome"] = outcome
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Warn("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	header.Del(fiber.HeaderHost)
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			c.Set(key, value)
		}
	}
}
