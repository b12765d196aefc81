// Package httputil provides shared HTTP response/request utilities for handlers.
//
// Successful responses are plain JSON. Errors are RFC 7807 problem documents
// so API clients get one machine-readable shape for every failure.
package httputil
