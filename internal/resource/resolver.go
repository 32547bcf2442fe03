package resource

import (
	"net/url"
	"path"
	"strings"
)

// Request 是解析器的输入：源站 URL 与入口层给出的类型提示。
type Request struct {
	URL   *url.URL
	Hint  DataType
	Asset Key
}

// Identity 是一次请求解析后的结果。
type Identity struct {
	Key       Key
	Resource  ResourceType
	Data      DataType
	Asset     Key
	OriginURL string
}

var extensionTypes = map[string]DataType{
	".m3u8": DataHLS,
	".m3u":  DataHLS,
	".key":  DataHLSAESKey,
	".ts":   DataHLSTs,
	".m4s":  DataHLSTs,
	".aac":  DataHLSTs,
	".fmp4": DataHLSTs,
	".cmfv": DataHLSTs,
	".cmfa": DataHLSTs,
	".mp4":  DataVOD,
	".m4v":  DataVOD,
	".mov":  DataVOD,
	".mkv":  DataVOD,
	".webm": DataVOD,
	".flv":  DataVOD,
	".mp3":  DataVOD,
	".m4a":  DataVOD,
	".avi":  DataVOD,
	".wmv":  DataVOD,
}

// Resolver 将请求映射为 Identity，只读且可并发使用。
type Resolver struct {
	strip StripRules
}

// NewResolver 使用配置提供的参数剔除规则构建解析器。
func NewResolver(strip StripRules) *Resolver {
	return &Resolver{strip: strip}
}

// Resolve 归类请求并计算 Key；无法归类时总是返回 ErrUnresolvableResource。
func (r *Resolver) Resolve(req Request) (Identity, error) {
	u := req.URL
	if u == nil || u.Host == "" {
		return Identity{}, ErrUnresolvableResource
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return Identity{}, ErrUnresolvableResource
	}

	dt := req.Hint
	if !dt.Valid() {
		dt = classifyPath(u.Path)
	}
	if !dt.Valid() {
		return Identity{}, ErrUnresolvableResource
	}

	key := r.strip.KeyFor(u)
	asset := req.Asset
	if !asset.Valid() {
		asset = key
	}
	return Identity{
		Key:       key,
		Resource:  dt.Resource(),
		Data:      dt,
		Asset:     asset,
		OriginURL: u.String(),
	}, nil
}

// StripRules 返回解析器使用的剔除规则。
func (r *Resolver) StripRules() StripRules {
	return r.strip
}

func classifyPath(p string) DataType {
	ext := strings.ToLower(path.Ext(p))
	if ext == "" {
		return DataUnknown
	}
	return extensionTypes[ext]
}
