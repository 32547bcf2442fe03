// Package hls 把 HLS 播放列表中的所有 URI 改写为本地代理路径，
// 通过 hooks 注册到 hls 数据类型，缓存保存的是改写后的播放列表。
package hls

import (
	"bufio"
	"bytes"
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/any-hub/media-cache/internal/proxy/hooks"
	"github.com/any-hub/media-cache/internal/resource"
)

const header = "#EXTM3U"

// uriAttr 匹配标签属性列表中的 URI="..."。
var uriAttr = regexp.MustCompile(`URI="([^"]*)"`)

// tagTypes 给出带 URI 属性的标签所指向资源的数据类型。
var tagTypes = map[string]resource.DataType{
	"#EXT-X-KEY":                resource.DataHLSAESKey,
	"#EXT-X-SESSION-KEY":        resource.DataHLSAESKey,
	"#EXT-X-MAP":                resource.DataHLSTs,
	"#EXT-X-MEDIA":              resource.DataHLS,
	"#EXT-X-I-FRAME-STREAM-INF": resource.DataHLS,
}

func init() {
	hooks.MustRegister(resource.DataHLS.String(), hooks.Hooks{
		RewriteBody: rewriteHook,
		ContentType: playlistContentType,
	})
	hooks.MustRegister(resource.DataHLSTs.String(), hooks.Hooks{
		ContentType: segmentContentType,
	})
}

func rewriteHook(ctx *hooks.RequestContext, body []byte) ([]byte, error) {
	base, err := url.Parse(ctx.OriginURL)
	if err != nil {
		return nil, err
	}
	return Rewrite(body, base, resource.Key(ctx.Asset)), nil
}

// Rewrite 改写播放列表：变体与 rendition 指向 hls，分片与 EXT-X-MAP 指向 hls-ts，
// 密钥指向 hls-key。相对 URI 按 base 解析，子资源携带 asset。
// 非播放列表内容原样返回。
func Rewrite(body []byte, base *url.URL, asset resource.Key) []byte {
	if !IsPlaylist(body) {
		return body
	}

	var out bytes.Buffer
	out.Grow(len(body) + len(body)/2)
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	variantNext := false
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "":
			out.WriteString(line)
		case strings.HasPrefix(trimmed, "#"):
			name := tagName(trimmed)
			if name == "#EXT-X-STREAM-INF" {
				variantNext = true
			}
			if dt, ok := tagTypes[name]; ok && !keyDisabled(name, trimmed) {
				line = rewriteAttr(trimmed, base, dt, asset)
			}
			out.WriteString(line)
		default:
			dt := resource.DataHLSTs
			if variantNext || isPlaylistURI(trimmed) {
				dt = resource.DataHLS
			}
			variantNext = false
			out.WriteString(proxyURI(trimmed, base, dt, asset))
		}
		out.WriteByte('\n')
	}
	if scanner.Err() != nil {
		return body
	}
	return out.Bytes()
}

// IsPlaylist 判断内容是否以 #EXTM3U 开头（允许 BOM 与前导空白）。
func IsPlaylist(body []byte) bool {
	body = bytes.TrimPrefix(body, []byte("\xef\xbb\xbf"))
	return bytes.HasPrefix(bytes.TrimSpace(body), []byte(header))
}

func tagName(line string) string {
	if i := strings.IndexByte(line, ':'); i >= 0 {
		return line[:i]
	}
	return line
}

// keyDisabled 表示 METHOD=NONE 的密钥标签，没有可拉取的 URI。
func keyDisabled(name, line string) bool {
	if name != "#EXT-X-KEY" && name != "#EXT-X-SESSION-KEY" {
		return false
	}
	return strings.Contains(line, "METHOD=NONE")
}

func rewriteAttr(line string, base *url.URL, dt resource.DataType, asset resource.Key) string {
	return uriAttr.ReplaceAllStringFunc(line, func(match string) string {
		raw := uriAttr.FindStringSubmatch(match)[1]
		return `URI="` + proxyURI(raw, base, dt, asset) + `"`
	})
}

// proxyURI 返回 raw 对应的代理路径；非 http(s) 的 URI（例如 skd://）保持不变。
func proxyURI(raw string, base *url.URL, dt resource.DataType, asset resource.Key) string {
	ref, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	abs := ref
	if base != nil {
		abs = base.ResolveReference(ref)
	}
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return raw
	}
	return resource.EncodeProxyPath(dt, abs.String(), asset)
}

func isPlaylistURI(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	ext := strings.ToLower(path.Ext(u.Path))
	return ext == ".m3u8" || ext == ".m3u"
}
