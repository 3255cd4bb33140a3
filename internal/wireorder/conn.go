package wireorder

import (
	"context"
	"net"
	"sync"
)

// DefaultMaxPending bounds how many scanned heads can wait on one connection for their handler.
// net/http reads ahead at most its 4KB buffer and the smallest head the scanner accepts is 14 bytes,
// so a well behaved pipelining client stays below it.
const DefaultMaxPending = 512

// ListenerOptions tunes the per-connection scanner. Zero values use the defaults.
type ListenerOptions struct {
	MaxLineBytes int
	MaxHeaders   int
	MaxPending   int
}

// Listener wraps a net.Listener so that every accepted connection records request header order
type Listener struct {
	net.Listener
	opts ListenerOptions
}

// NewListener wraps inner
func NewListener(inner net.Listener, opts ListenerOptions) *Listener {
	if opts.MaxPending <= 0 {
		opts.MaxPending = DefaultMaxPending
	}
	return &Listener{Listener: inner, opts: opts}
}

// Accept waits for the next connection and wraps it in a *Conn
func (l *Listener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return newConn(c, l.opts), nil
}

// Conn is a net.Conn that scans what it reads for request heads
type Conn struct {
	net.Conn

	mu         sync.Mutex
	sc         *scanner
	heads      []Head
	maxPending int
}

func newConn(c net.Conn, opts ListenerOptions) *Conn {
	wc := &Conn{Conn: c, maxPending: opts.MaxPending}
	if wc.maxPending <= 0 {
		wc.maxPending = DefaultMaxPending
	}
	wc.sc = newScanner(opts.MaxLineBytes, opts.MaxHeaders, wc.push)
	return wc
}

func (c *Conn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		c.mu.Lock()
		c.sc.feed(p[:n])
		c.mu.Unlock()
	}
	return n, err
}

// CloseWrite half-closes the connection when the underlying conn supports it, net/http uses it
// to flush a response before closing.
func (c *Conn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}

// push is called by the scanner with c.mu held
func (c *Conn) push(h Head) {
	if len(c.heads) >= c.maxPending {
		// heads already queued still line up with their requests, later ones would not
		c.sc.stop()
		return
	}
	c.heads = append(c.heads, h)
}

// Next pops the oldest scanned head
func (c *Conn) Next() (Head, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.heads) == 0 {
		return Head{}, false
	}
	h := c.heads[0]
	c.heads[0] = Head{}
	c.heads = c.heads[1:]
	return h, true
}

// claim pops the oldest head that matches method and target. Heads in front of it belong to requests
// net/http answered without calling a handler (OPTIONS *), they are dropped. With heads queued but
// none matching the scanner is out of step with the server and capture stops for the connection.
func (c *Conn) claim(method, target string) (Head, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.heads) == 0 {
		return Head{}, false
	}
	for i, h := range c.heads {
		if h.Method != method || h.Target != target {
			continue
		}
		clear(c.heads[:i+1])
		c.heads = c.heads[i+1:]
		return h, true
	}
	c.sc.stop()
	c.heads = nil
	return Head{}, false
}

// Pending is the number of scanned heads not yet claimed by a request
func (c *Conn) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.heads)
}

// Active reports whether the scanner is still following the stream
func (c *Conn) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.sc.stopped()
}

type connKey struct{}

// ConnContext is meant for http.Server.ConnContext, it makes the *Conn available to Capture
func ConnContext(ctx context.Context, c net.Conn) context.Context {
	if wc, ok := c.(*Conn); ok {
		return context.WithValue(ctx, connKey{}, wc)
	}
	return ctx
}

// ConnFromContext returns the *Conn stored by ConnContext, or nil
func ConnFromContext(ctx context.Context) *Conn {
	wc, _ := ctx.Value(connKey{}).(*Conn)
	return wc
}
