package resource

import (
	"encoding/base64"
	"errors"
	"net/url"
	"path"
	"strings"
)

// ProxyPrefix 是编码代理路径的固定前缀。
const ProxyPrefix = "/mcs/"

// AssetParam 携带父级播放列表的 Key，用于把 HLS 子资源归到同一资产下。
const AssetParam = "asset"

var errMalformedProxyPath = errors.New("malformed proxy path")

// EncodeProxyPath 生成 /mcs/<datatype>/<base64url(origin)>/<basename>[?asset=<key>]。
func EncodeProxyPath(dt DataType, originURL string, asset Key) string {
	var b strings.Builder
	b.WriteString(ProxyPrefix)
	b.WriteString(dt.String())
	b.WriteByte('/')
	b.WriteString(base64.RawURLEncoding.EncodeToString([]byte(originURL)))
	b.WriteByte('/')
	b.WriteString(url.PathEscape(proxyBaseName(originURL, dt)))
	if asset.Valid() {
		b.WriteByte('?')
		b.WriteString(AssetParam)
		b.WriteByte('=')
		b.WriteString(asset.String())
	}
	return b.String()
}

// IsProxyPath 判断路径是否为编码代理路径。
func IsProxyPath(p string) bool {
	return strings.HasPrefix(p, ProxyPrefix)
}

// DecodeProxyPath 解析 EncodeProxyPath 生成的路径，asset 为查询参数中的原始值。
func DecodeProxyPath(p string, asset string) (Request, error) {
	if !IsProxyPath(p) {
		return Request{}, errMalformedProxyPath
	}
	parts := strings.SplitN(strings.TrimPrefix(p, ProxyPrefix), "/", 3)
	if len(parts) < 2 {
		return Request{}, errMalformedProxyPath
	}
	dt, ok := ParseDataType(parts[0])
	if !ok {
		return Request{}, errMalformedProxyPath
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(parts[1], "="))
	if err != nil {
		return Request{}, errMalformedProxyPath
	}
	origin, err := url.Parse(string(raw))
	if err != nil {
		return Request{}, errMalformedProxyPath
	}
	return Request{URL: origin, Hint: dt, Asset: Key(strings.ToLower(asset))}, nil
}

func proxyBaseName(originURL string, dt DataType) string {
	name := "index." + dt.Ext()
	if u, err := url.Parse(originURL); err == nil {
		if base := path.Base(u.Path); base != "" && base != "/" && base != "." {
			name = base
		}
	}
	return name
}
