// Package cache holds the persistent side of the media cache: sparse data
// files laid out as StoragePath/<resource>/<key[:2]>/<key>.<ext>, the badger
// backed index of which byte ranges each file actually holds, the range
// reconciler that splits a request into cached and missing segments, and an
// optional in-memory tier for small whole objects (playlists and keys).
// Files may be written out of order; only ranges recorded in the index are
// ever served.
package cache
