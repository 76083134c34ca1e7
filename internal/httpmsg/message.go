// Package httpmsg parses and serializes the HTTP start-lines and headers
// embedded in an ICAP message's encapsulated sections.
package httpmsg

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ErrMalformed indicates the embedded HTTP start-line or headers could not
// be parsed.
var ErrMalformed = errors.New("malformed HTTP message")

// Header is an ordered list of (name, value) pairs, preserving both
// duplicate headers and original casing so re-serialization is faithful
// to the wire bytes the proxy sent.
type Header struct {
	pairs []headerPair
}

type headerPair struct {
	Name, Value string
}

// Set replaces all existing values for name (case-insensitively) with a
// single value, or appends if absent.
func (h *Header) Set(name, value string) {
	key := strings.ToLower(name)
	for i := range h.pairs {
		if strings.ToLower(h.pairs[i].Name) == key {
			h.pairs[i].Value = value
			h.removeRest(i, key)
			return
		}
	}
	h.pairs = append(h.pairs, headerPair{name, value})
}

func (h *Header) removeRest(from int, key string) {
	out := h.pairs[:from+1]
	for _, p := range h.pairs[from+1:] {
		if strings.ToLower(p.Name) != key {
			out = append(out, p)
		}
	}
	h.pairs = out
}

// Get returns the first value for name, case-insensitively.
func (h *Header) Get(name string) (string, bool) {
	key := strings.ToLower(name)
	for _, p := range h.pairs {
		if strings.ToLower(p.Name) == key {
			return p.Value, true
		}
	}
	return "", false
}

// Del removes all values for name, case-insensitively.
func (h *Header) Del(name string) {
	key := strings.ToLower(name)
	out := h.pairs[:0]
	for _, p := range h.pairs {
		if strings.ToLower(p.Name) != key {
			out = append(out, p)
		}
	}
	h.pairs = out
}

// Pairs returns the header list in wire order.
func (h *Header) Pairs() []headerPair { return h.pairs }

// Message is a parsed HTTP request or response start-line plus headers.
// Exactly one of Method or StatusCode is meaningful, selected by IsRequest.
type Message struct {
	IsRequest  bool
	Method     string
	URI        string
	StatusCode int
	Reason     string
	Version    string
	Header     Header
}

// ParseRequest parses an HTTP request start-line and header block.
func ParseRequest(raw []byte) (*Message, error) {
	reader := bufio.NewReader(bytes.NewReader(raw))
	line, err := readLine(reader)
	if err != nil {
		return nil, fmt.Errorf("%w: read request line: %v", ErrMalformed, err)
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 || !strings.HasPrefix(parts[2], "HTTP/") {
		return nil, fmt.Errorf("%w: bad request line %q", ErrMalformed, line)
	}
	header, err := readHeaderBlock(reader)
	if err != nil {
		return nil, fmt.Errorf("%w: read headers: %v", ErrMalformed, err)
	}
	return &Message{
		IsRequest: true,
		Method:    parts[0],
		URI:       parts[1],
		Version:   parts[2],
		Header:    header,
	}, nil
}

// ParseResponse parses an HTTP response status-line and header block.
func ParseResponse(raw []byte) (*Message, error) {
	reader := bufio.NewReader(bytes.NewReader(raw))
	line, err := readLine(reader)
	if err != nil {
		return nil, fmt.Errorf("%w: read status line: %v", ErrMalformed, err)
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return nil, fmt.Errorf("%w: bad status line %q", ErrMalformed, line)
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: bad status code %q", ErrMalformed, parts[1])
	}
	reason := ""
	if len(parts) == 3 {
		reason = parts[2]
	}
	header, err := readHeaderBlock(reader)
	if err != nil {
		return nil, fmt.Errorf("%w: read headers: %v", ErrMalformed, err)
	}
	return &Message{
		IsRequest:  false,
		StatusCode: code,
		Reason:     reason,
		Version:    parts[0],
		Header:     header,
	}, nil
}

// readLine reads one CRLF- or LF-terminated line, tolerating a final
// line with no trailing newline (the encapsulated header block, unlike
// the ICAP control lines, is a fixed-length slice with no guaranteed
// trailing newline after its blank-line terminator).
func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line != "" {
			return strings.TrimRight(line, "\r\n"), nil
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// readHeaderBlock reads header lines one at a time, preserving original
// casing, order, and duplicates, until a blank line or EOF, so
// Serialize can reproduce the wire bytes faithfully instead of the
// reordered, canonicalized shape net/textproto.ReadMIMEHeader would
// produce.
func readHeaderBlock(r *bufio.Reader) (Header, error) {
	var h Header
	for {
		line, err := readLine(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return h, err
		}
		if line == "" {
			break
		}
		idx := strings.Index(line, ":")
		if idx < 0 {
			return h, fmt.Errorf("bad header line %q", line)
		}
		name := line[:idx]
		value := strings.TrimSpace(line[idx+1:])
		h.pairs = append(h.pairs, headerPair{name, value})
	}
	return h, nil
}

// Serialize writes the start-line and headers in HTTP wire format,
// terminated by a blank line.
func (m *Message) Serialize() []byte {
	var buf bytes.Buffer
	if m.IsRequest {
		fmt.Fprintf(&buf, "%s %s %s\r\n", m.Method, m.URI, m.Version)
	} else {
		fmt.Fprintf(&buf, "%s %d %s\r\n", m.Version, m.StatusCode, m.Reason)
	}
	for _, p := range m.Header.pairs {
		fmt.Fprintf(&buf, "%s: %s\r\n", p.Name, p.Value)
	}
	buf.WriteString("\r\n")
	return buf.Bytes()
}

// ContentType returns the Content-Type header value, or "" if absent.
func (m *Message) ContentType() string {
	v, _ := m.Header.Get("Content-Type")
	return v
}

// Host returns the Host header value, or "" if absent.
func (m *Message) Host() string {
	v, _ := m.Header.Get("Host")
	return v
}
