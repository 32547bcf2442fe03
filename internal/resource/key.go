package resource

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/url"
	"path"
	"sort"
	"strings"

	"github.com/samber/lo"
)

// Key 是规范化源站 URL 的 SHA-256 十六进制摘要。
type Key string

func (k Key) String() string {
	return string(k)
}

// Valid 检查 Key 是否为 64 位小写十六进制。
func (k Key) Valid() bool {
	if len(k) != sha256.Size*2 {
		return false
	}
	for _, r := range k {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}

// StripRules 列出计算 Key 时需要剔除的查询参数（大小写不敏感）。
type StripRules struct {
	params map[string]struct{}
}

// NewStripRules 根据配置的参数名构建规则，空白项被忽略。
func NewStripRules(names []string) StripRules {
	cleaned := lo.Compact(lo.Map(names, func(name string, _ int) string {
		return strings.ToLower(strings.TrimSpace(name))
	}))
	return StripRules{
		params: lo.SliceToMap(cleaned, func(name string) (string, struct{}) {
			return name, struct{}{}
		}),
	}
}

func (s StripRules) strips(name string) bool {
	if len(s.params) == 0 {
		return false
	}
	_, ok := s.params[strings.ToLower(name)]
	return ok
}

// Normalize 输出用于计算 Key 的规范化 URL 字符串。
func (s StripRules) Normalize(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	if port := u.Port(); port != "" && !isDefaultPort(scheme, port) {
		host = net.JoinHostPort(host, port)
	} else if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}

	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	trailing := strings.HasSuffix(p, "/") && p != "/"
	p = path.Clean(p)
	if trailing {
		p += "/"
	}

	var b strings.Builder
	b.WriteString(scheme)
	b.WriteString("://")
	b.WriteString(host)
	b.WriteString(p)

	query := u.Query()
	names := make([]string, 0, len(query))
	for name := range query {
		if s.strips(name) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	if len(names) > 0 {
		b.WriteByte('?')
		for i, name := range names {
			values := append([]string(nil), query[name]...)
			sort.Strings(values)
			for j, value := range values {
				if i > 0 || j > 0 {
					b.WriteByte('&')
				}
				b.WriteString(url.QueryEscape(name))
				b.WriteByte('=')
				b.WriteString(url.QueryEscape(value))
			}
		}
	}
	return b.String()
}

// KeyFor 计算 URL 的稳定 Key，纯函数。
func (s StripRules) KeyFor(u *url.URL) Key {
	sum := sha256.Sum256([]byte(s.Normalize(u)))
	return Key(hex.EncodeToString(sum[:]))
}

func isDefaultPort(scheme, port string) bool {
	return (scheme == "http" && port == "80") || (scheme == "https" && port == "443")
}
