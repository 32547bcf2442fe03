package hooks

// RequestContext 描述被改写资源的来源，不依赖 proxy 内部类型。
type RequestContext struct {
	DataType  string
	OriginURL string
	// Asset 是该资源所属资产的 Key，改写出的子资源应沿用它。
	Asset string
}

// Hooks 描述按数据类型注册的定制点。
type Hooks struct {
	// RewriteBody 在整体对象写入缓存前改写内容，缓存保存的是改写结果。
	RewriteBody func(ctx *RequestContext, body []byte) ([]byte, error)
	// ContentType 覆盖响应的 Content-Type，返回空串表示不覆盖。
	ContentType func(ctx *RequestContext) string
}
