package wire

import (
	"errors"
	"fmt"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
)

// UnknownContentType is reported when a response carries no usable
// Content-Type header or its head cannot be parsed.
const UnknownContentType = "unknown"

// ErrResponseParse is returned when a captured response does not begin with
// a valid HTTP status line.
var ErrResponseParse = errors.New("unparseable response head")

// ResponseHead is the status line and header block of a captured response.
type ResponseHead struct {
	Proto      string
	StatusCode int
	Reason     string
	Header     http.Header
	// Size is the length of the head including the terminating blank line,
	// or the whole message if no blank line was found.
	Size int
}

// ContentType returns the Content-Type header or UnknownContentType.
func (h *ResponseHead) ContentType() string {
	if h == nil {
		return UnknownContentType
	}
	if ct := h.Header.Get("Content-Type"); ct != "" {
		return ct
	}
	return UnknownContentType
}

// ParseResponseHead parses the status line and headers at the start of resp.
// Header lines without a colon are skipped.
func ParseResponseHead(resp []byte) (*ResponseHead, error) {
	head, body := splitHead(resp)
	size := len(resp) - len(body)

	lines := strings.Split(decode(head), "\r\n")
	proto, rest, ok := strings.Cut(lines[0], " ")
	if !ok || !strings.HasPrefix(proto, "HTTP/") {
		return nil, fmt.Errorf("%w: status line %q", ErrResponseParse, truncate(lines[0], 64))
	}

	codeStr, reason, _ := strings.Cut(strings.TrimLeft(rest, " "), " ")
	code, err := strconv.Atoi(codeStr)
	if err != nil || code < 100 || code > 999 {
		return nil, fmt.Errorf("%w: status code %q", ErrResponseParse, codeStr)
	}

	header := make(http.Header, len(lines)-1)
	for _, line := range lines[1:] {
		name, value, ok := strings.Cut(line, ":")
		if !ok || name == "" {
			continue
		}
		header.Add(textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(name)), strings.TrimSpace(value))
	}

	return &ResponseHead{
		Proto:      proto,
		StatusCode: code,
		Reason:     reason,
		Header:     header,
		Size:       size,
	}, nil
}

// ResponseInfo extracts the status code and content type for the response
// log. A parse failure is absorbed: status is nil and the content type is
// UnknownContentType.
func ResponseInfo(resp []byte) (status *int, contentType string) {
	head, err := ParseResponseHead(resp)
	if err != nil {
		return nil, UnknownContentType
	}
	code := head.StatusCode
	return &code, head.ContentType()
}
