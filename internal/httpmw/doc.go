// Package httpmw holds the HTTP middleware shared by the proxy and admin servers.
//
// httpserver composes them outermost first: recover, request id, client ip, header order capture,
// otelhttp, metrics, request logger, access log, guard, then the chi routes. Each one stands alone
// and is tested on its own.
//
// Request headers, query strings and user agents stay out of the logs. A header-order key is only
// logged as a digest by the guard.
package httpmw
