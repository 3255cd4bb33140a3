// Package wireorder recovers the order in which a client sent its request headers.
//
// net/http parses headers into a map, so by the time a handler runs the order is gone. Listener wraps
// the server's net.Listener and every accepted Conn runs the bytes it reads through a small HTTP/1.x
// request-head scanner. Each completed head (method, target, header names in wire order) is queued on
// the connection. The Capture middleware pops the head that belongs to the current request and
// stores it as headerorder.Headers in the request context, where FromRequest finds it.
//
// Wiring:
//
//	ln = wireorder.NewListener(ln, wireorder.ListenerOptions{})
//	srv := &http.Server{Handler: wireorder.Capture(wireorder.CaptureOptions{})(h), ConnContext: wireorder.ConnContext}
//	srv.Serve(ln)
//
// Capture gives up on a connection rather than guess: CONNECT, protocol upgrades, HTTP/2 prior
// knowledge, TLS bytes, oversize lines and anything malformed stop the scanner for that connection.
// Heads of requests the server answers on its own (OPTIONS *) are skipped when the next request claims
// its head, and if no queued head matches the request at all the queue is discarded. Requests without
// a captured head fall back to the sorted names of r.Header, reported with captured=false.
package wireorder
