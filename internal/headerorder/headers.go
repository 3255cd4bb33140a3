package headerorder

import (
	"strconv"
)

// Field is a single header line, name as it was received
type Field struct {
	Name  string
	Value string
}

// Headers is an ordered header list. Order is significant, it is the whole point.
type Headers []Field

// FromPairs builds Headers from alternating name, value arguments.
// A trailing name without a value gets an empty value.
func FromPairs(kv ...string) Headers {
	h := make(Headers, 0, (len(kv)+1)/2)
	for i := 0; i < len(kv); i += 2 {
		f := Field{Name: kv[i]}
		if i+1 < len(kv) {
			f.Value = kv[i+1]
		}
		h = append(h, f)
	}
	return h
}

// FromNames builds Headers with empty values, handy when only the ordering is known
func FromNames(names ...string) Headers {
	h := make(Headers, len(names))
	for i, n := range names {
		h[i].Name = n
	}
	return h
}

// Names returns the header names in order
func (h Headers) Names() []string {
	out := make([]string, len(h))
	for i, f := range h {
		out[i] = f.Name
	}
	return out
}

// Key returns the ordering key: a JSON-style array of the quoted names.
// Quoting is strconv's, so names with invalid UTF-8 or quotes can never collide with each other.
// An empty list yields "[]".
func (h Headers) Key() string {
	n := 2
	for _, f := range h {
		n += len(f.Name) + 3
	}
	b := make([]byte, 0, n)
	b = append(b, '[')
	for i, f := range h {
		if i > 0 {
			b = append(b, ',')
		}
		b = strconv.AppendQuote(b, f.Name)
	}
	b = append(b, ']')
	return string(b)
}
