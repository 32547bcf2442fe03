package hls

import (
	"net/url"
	"path"
	"strings"

	"github.com/any-hub/media-cache/internal/proxy/hooks"
)

const playlistMIME = "application/vnd.apple.mpegurl"

// segmentTypes 按扩展名给出分片类型。系统 mime 表常把 .ts 映射成
// text/vnd.trolltech.linguist，CDN 也常返回 application/octet-stream。
var segmentTypes = map[string]string{
	".ts":   "video/mp2t",
	".m4s":  "video/iso.segment",
	".mp4":  "video/mp4",
	".fmp4": "video/mp4",
	".cmfv": "video/mp4",
	".cmfa": "audio/mp4",
	".aac":  "audio/aac",
}

// playlistContentType 固定返回 HLS 类型，缓存中的内容已被改写。
func playlistContentType(*hooks.RequestContext) string {
	return playlistMIME
}

func segmentContentType(ctx *hooks.RequestContext) string {
	u, err := url.Parse(ctx.OriginURL)
	if err != nil {
		return ""
	}
	return segmentTypes[strings.ToLower(path.Ext(u.Path))]
}
