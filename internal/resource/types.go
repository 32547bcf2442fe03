package resource

import "strings"

// ResourceType 描述媒体资源的顶层分类。
type ResourceType uint8

const (
	ResourceUnknown ResourceType = iota
	VOD
	HLS
)

func (r ResourceType) String() string {
	switch r {
	case VOD:
		return "vod"
	case HLS:
		return "hls"
	default:
		return "unknown"
	}
}

// DataType 是资源内部的具体数据种类，每个取值都能确定其所属的 ResourceType。
type DataType uint8

const (
	DataUnknown DataType = iota
	DataVOD
	DataHLS
	DataHLSAESKey
	DataHLSTs
)

type descriptor struct {
	name        string
	parent      ResourceType
	partial     bool
	whole       bool
	ext         string
	contentType string
}

var descriptors = map[DataType]descriptor{
	DataVOD: {
		name:        "vod",
		parent:      VOD,
		partial:     true,
		ext:         "vod",
		contentType: "application/octet-stream",
	},
	DataHLS: {
		name:        "hls",
		parent:      HLS,
		partial:     true,
		whole:       true,
		ext:         "m3u8",
		contentType: "application/vnd.apple.mpegurl",
	},
	DataHLSAESKey: {
		name:        "hls-key",
		parent:      HLS,
		whole:       true,
		ext:         "key",
		contentType: "application/octet-stream",
	},
	DataHLSTs: {
		name:        "hls-ts",
		parent:      HLS,
		partial:     true,
		ext:         "ts",
		contentType: "video/mp2t",
	},
}

// Valid 表示该 DataType 是否属于已知变体。
func (d DataType) Valid() bool {
	_, ok := descriptors[d]
	return ok
}

func (d DataType) String() string {
	if desc, ok := descriptors[d]; ok {
		return desc.name
	}
	return "unknown"
}

// Resource 返回 DataType 所属的资源类型。
func (d DataType) Resource() ResourceType {
	return descriptors[d].parent
}

// AllowsPartial 为 false 时只能整体读取（AES key）。
func (d DataType) AllowsPartial() bool {
	return descriptors[d].partial
}

// WholeObject 表示该类型总是整体拉取并缓存（播放列表、key）。
func (d DataType) WholeObject() bool {
	return descriptors[d].whole
}

// Ext 返回磁盘文件使用的扩展名。
func (d DataType) Ext() string {
	if desc, ok := descriptors[d]; ok {
		return desc.ext
	}
	return "bin"
}

// DefaultContentType 在源站未给出 Content-Type 时使用。
func (d DataType) DefaultContentType() string {
	return descriptors[d].contentType
}

// ParseDataType 将名称（如 hls-ts）解析为 DataType。
func ParseDataType(name string) (DataType, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for dt, desc := range descriptors {
		if desc.name == name {
			return dt, true
		}
	}
	return DataUnknown, false
}

// DataTypes 按固定顺序列出全部已知变体。
func DataTypes() []DataType {
	return []DataType{DataVOD, DataHLS, DataHLSAESKey, DataHLSTs}
}
