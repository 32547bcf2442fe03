// Package fetch guarantees that missing byte ranges reach the cache while
// keeping at most one origin request in flight per distinct byte range.
// Concurrent readers attach to existing fetch sessions through Tickets and
// observe their progress; the last reader to detach cancels the fetch.
package fetch
