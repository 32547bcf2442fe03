// Package resource classifies player requests into cacheable resources.
// A request URL is mapped to a ResourceType (VOD or HLS), a DataType inside
// that resource and a stable Key derived from the normalized origin URL.
// Everything here is pure: no I/O, no shared state beyond the immutable
// strip rules configured at startup.
package resource
