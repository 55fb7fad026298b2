// Package wire implements the HTTP/1.1 text framing the proxy needs: parsing
// the client's request line and Host header, rewriting the request for the
// origin, and reading the status line and headers of a captured response.
//
// All functions operate on raw bytes. Nothing here validates Content-Length
// or understands chunked transfer coding.
package wire

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// DefaultPort is used when the Host header carries no port.
const DefaultPort = 80

var (
	// ErrMalformedRequest is returned when the request line does not consist
	// of exactly three whitespace separated tokens.
	ErrMalformedRequest = errors.New("invalid HTTP request: malformed request line")
	// ErrMissingHostHeader is returned when no Host header names a destination.
	ErrMissingHostHeader = errors.New("invalid HTTP request: missing or malformed 'Host:' header")
)

var (
	crlf          = []byte("\r\n")
	headerEnd     = []byte("\r\n\r\n")
	strippedNames = []string{"connection", "proxy-authorization"}
)

// Request is a parsed inbound client request.
type Request struct {
	Method  string
	URL     string
	Version string
	// Headers holds the raw header lines in wire order, without CRLF.
	Headers []string
	Body    []byte
	Host    string
	Port    int
	// Raw is the request exactly as received from the client.
	Raw []byte
}

// Parse parses the request line and the Host header of raw.
func Parse(raw []byte) (*Request, error) {
	method, url, version, err := ParseRequestLine(raw)
	if err != nil {
		return nil, err
	}

	host, port, err := ExtractHostPort(raw)
	if err != nil {
		return nil, err
	}

	head, body := splitHead(raw)
	lines := strings.Split(decode(head), "\r\n")

	return &Request{
		Method:  method,
		URL:     url,
		Version: version,
		Headers: lines[1:],
		Body:    body,
		Host:    host,
		Port:    port,
		Raw:     raw,
	}, nil
}

// Forwarding returns the request rewritten for transmission to the origin.
func (r *Request) Forwarding() []byte {
	return RewriteForForwarding(r.Raw, r.Host)
}

// Addr returns the origin address in host:port form.
func (r *Request) Addr() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// ParseRequestLine splits the first CRLF delimited line of raw into method,
// URL and protocol version. Invalid UTF-8 is replaced, never rejected.
func ParseRequestLine(raw []byte) (method, url, version string, err error) {
	line := raw
	if i := bytes.Index(raw, crlf); i >= 0 {
		line = raw[:i]
	}

	fields := strings.Fields(decode(line))
	if len(fields) != 3 {
		return "", "", "", fmt.Errorf("%w: %q", ErrMalformedRequest, truncate(decode(line), 64))
	}

	return fields[0], fields[1], fields[2], nil
}

// ExtractHostPort finds the first Host header and returns its host and port.
// The port defaults to DefaultPort when absent or not numeric.
func ExtractHostPort(raw []byte) (host string, port int, err error) {
	head, _ := splitHead(raw)
	lines := bytes.Split(head, crlf)

	for _, line := range lines[1:] {
		name, value, ok := splitHeader(line)
		if !ok || !strings.EqualFold(name, "host") {
			continue
		}

		host, port = splitHostPort(strings.TrimSpace(decode(value)))
		if host == "" {
			return "", 0, ErrMissingHostHeader
		}
		return host, port, nil
	}

	return "", 0, ErrMissingHostHeader
}

// RewriteForForwarding drops the Connection and Proxy-Authorization headers
// and sets exactly one "Host: <host>" line. The Host line takes the place of
// the first original Host header, or is appended to the header block if
// there was none. Everything else is copied byte for byte.
func RewriteForForwarding(raw []byte, host string) []byte {
	head, body := splitHead(raw)
	lines := bytes.Split(head, crlf)
	hostLine := []byte("Host: " + host)

	out := make([][]byte, 0, len(lines)+1)
	out = append(out, lines[0])
	hostWritten := false

	for _, line := range lines[1:] {
		name, _, ok := splitHeader(line)
		switch {
		case ok && strings.EqualFold(name, "host"):
			if !hostWritten {
				out = append(out, hostLine)
				hostWritten = true
			}
		case ok && isStripped(name):
			// not forwarded
		default:
			out = append(out, line)
		}
	}

	if !hostWritten {
		out = append(out, hostLine)
	}

	var buf bytes.Buffer
	buf.Grow(len(raw) + len(hostLine) + len(headerEnd))
	buf.Write(bytes.Join(out, crlf))
	buf.Write(headerEnd)
	buf.Write(body)
	return buf.Bytes()
}

// splitHead splits a message at the first blank line. The returned head
// carries no trailing CRLF; body is nil if there was no blank line.
func splitHead(msg []byte) (head, body []byte) {
	if i := bytes.Index(msg, headerEnd); i >= 0 {
		return msg[:i], msg[i+len(headerEnd):]
	}
	// the terminator of the last header line is not part of the head
	return bytes.TrimSuffix(msg, crlf), nil
}

// splitHeader splits "Name: value" at the first colon.
func splitHeader(line []byte) (name string, value []byte, ok bool) {
	i := bytes.IndexByte(line, ':')
	if i <= 0 {
		return "", nil, false
	}
	return string(line[:i]), line[i+1:], true
}

func isStripped(name string) bool {
	for _, s := range strippedNames {
		if strings.EqualFold(name, s) {
			return true
		}
	}
	return false
}

func splitHostPort(value string) (string, int) {
	if strings.HasPrefix(value, "[") {
		if h, p, err := net.SplitHostPort(value); err == nil {
			return h, parsePort(p)
		}
		return strings.Trim(value, "[]"), DefaultPort
	}

	host, portStr, found := strings.Cut(value, ":")
	if !found {
		return host, DefaultPort
	}
	return host, parsePort(portStr)
}

func parsePort(s string) int {
	port, err := strconv.Atoi(s)
	if err != nil || port <= 0 || port > 65535 {
		return DefaultPort
	}
	return port
}

// decode converts b to a string, replacing invalid UTF-8 sequences.
func decode(b []byte) string {
	return strings.ToValidUTF8(string(b), "\uFFFD")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
