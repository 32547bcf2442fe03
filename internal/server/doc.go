// Package server hosts the Fiber HTTP service, the request middleware chain
// and the origin registry that maps player-facing Host headers onto remote
// media origins. Requests whose path carries an encoded origin URL (/mcs/...)
// bypass Host routing; everything under /-/ is reserved for diagnostics.
// The shared upstream http.Client and per-origin transports live here as well
// so the fetch layer never parses configuration on its own.
package server
