package wireorder

import (
	"bytes"
	"strconv"
	"strings"
)

const (
	DefaultMaxLineBytes = 16 << 10
	DefaultMaxHeaders   = 256
)

// Head is one request head as it appeared on the wire
type Head struct {
	Method string
	Target string
	// Names are the header field names in the order received, case preserved, duplicates kept
	Names []string
}

type scanState int

const (
	stateRequestLine scanState = iota
	stateHeader
	stateBody
	stateChunkSize
	stateChunkData
	stateChunkDataEnd
	stateTrailer
	stateStopped
)

// scanner is a push parser for a stream of HTTP/1.x requests. It only looks at request heads and
// skips bodies by length, it never validates more than it needs to stay in sync.
type scanner struct {
	state scanState
	line  []byte

	maxLine    int
	maxHeaders int

	cur       Head
	chunked   bool
	upgrade   bool
	remaining int64

	emit func(Head)
}

func newScanner(maxLine, maxHeaders int, emit func(Head)) *scanner {
	if maxLine <= 0 {
		maxLine = DefaultMaxLineBytes
	}
	if maxHeaders <= 0 {
		maxHeaders = DefaultMaxHeaders
	}
	return &scanner{maxLine: maxLine, maxHeaders: maxHeaders, emit: emit}
}

func (s *scanner) stopped() bool { return s.state == stateStopped }

func (s *scanner) stop() {
	s.state = stateStopped
	s.line = nil
	s.cur = Head{}
}

// feed consumes the next bytes read from the connection
func (s *scanner) feed(p []byte) {
	for len(p) > 0 && s.state != stateStopped {
		if s.state == stateBody || s.state == stateChunkData {
			n := int64(len(p))
			if n > s.remaining {
				n = s.remaining
			}
			s.remaining -= n
			p = p[n:]
			if s.remaining == 0 {
				if s.state == stateBody {
					s.state = stateRequestLine
				} else {
					s.state = stateChunkDataEnd
				}
			}
			continue
		}

		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			if len(s.line)+len(p) > s.maxLine {
				s.stop()
				return
			}
			s.line = append(s.line, p...)
			return
		}
		if len(s.line)+i > s.maxLine {
			s.stop()
			return
		}
		s.line = append(s.line, p[:i]...)
		p = p[i+1:]

		s.handleLine(bytes.TrimSuffix(s.line, []byte{'\r'}))
		if s.line != nil {
			s.line = s.line[:0]
		}
	}
}

func (s *scanner) handleLine(line []byte) {
	switch s.state {
	case stateRequestLine:
		s.requestLine(line)
	case stateHeader:
		s.headerLine(line)
	case stateChunkSize:
		s.chunkSize(line)
	case stateChunkDataEnd:
		if len(line) != 0 {
			s.stop()
			return
		}
		s.state = stateChunkSize
	case stateTrailer:
		if len(line) == 0 {
			s.state = stateRequestLine
		}
	}
}

func (s *scanner) requestLine(line []byte) {
	// servers tolerate empty lines between requests
	if len(line) == 0 {
		return
	}
	method, rest, ok := strings.Cut(string(line), " ")
	if !ok || method == "" {
		s.stop()
		return
	}
	target, proto, ok := strings.Cut(rest, " ")
	if !ok || target == "" || !strings.HasPrefix(proto, "HTTP/1.") {
		s.stop()
		return
	}
	s.cur = Head{Method: method, Target: target}
	s.chunked = false
	s.upgrade = false
	s.remaining = 0
	s.state = stateHeader
}

func (s *scanner) headerLine(line []byte) {
	if len(line) == 0 {
		s.endOfHead()
		return
	}
	// obs-fold continuation of the previous value
	if line[0] == ' ' || line[0] == '\t' {
		return
	}
	name, value, ok := bytes.Cut(line, []byte{':'})
	if !ok || len(name) == 0 || bytes.ContainsAny(name, " \t") {
		s.stop()
		return
	}
	if len(s.cur.Names) >= s.maxHeaders {
		s.stop()
		return
	}
	n := string(name)
	s.cur.Names = append(s.cur.Names, n)

	v := strings.TrimSpace(string(value))
	switch {
	case strings.EqualFold(n, "Content-Length"):
		cl, err := strconv.ParseInt(v, 10, 64)
		if err != nil || cl < 0 {
			s.stop()
			return
		}
		s.remaining = cl
	case strings.EqualFold(n, "Transfer-Encoding"):
		if strings.Contains(strings.ToLower(v), "chunked") {
			s.chunked = true
		}
	case strings.EqualFold(n, "Upgrade"):
		s.upgrade = true
	}
}

func (s *scanner) endOfHead() {
	head := s.cur
	s.cur = Head{}
	s.emit(head)
	// emit may have stopped us, the pending queue was full
	if s.stopped() {
		return
	}

	switch {
	case head.Method == "CONNECT" || s.upgrade:
		// whatever follows is not HTTP/1 anymore
		s.stop()
	case s.chunked:
		s.remaining = 0
		s.state = stateChunkSize
	case s.remaining > 0:
		s.state = stateBody
	default:
		s.state = stateRequestLine
	}
}

func (s *scanner) chunkSize(line []byte) {
	if i := bytes.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	size, err := strconv.ParseInt(strings.TrimSpace(string(line)), 16, 64)
	if err != nil || size < 0 {
		s.stop()
		return
	}
	if size == 0 {
		s.state = stateTrailer
		return
	}
	s.remaining = size
	s.state = stateChunkData
}
