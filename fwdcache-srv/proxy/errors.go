package proxy

import (
	"errors"
	"fmt"
	"strings"
)

// Error represents a proxy-specific error with a code and description
type Error struct {
	Code        string
	Description string
	Cause       error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Description, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Description)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewProxyError creates a new Error with the given code and description
func NewProxyError(code, description string, cause error) *Error {
	return &Error{
		Code:        code,
		Description: description,
		Cause:       cause,
	}
}

// newError creates an Error with the registered description of code.
func newError(code string, cause error) *Error {
	return NewProxyError(code, GetErrorDescription(code), cause)
}

// Proxy Error Codes
const (
	// Configuration and Startup Errors (E1000-E1999)
	ErrCodeListenerCreateFailed = "E1001"
	ErrCodeStoreInitFailed      = "E1002"
	ErrCodeUpstreamConfigFailed = "E1003"

	// Origin Network Errors (E2000-E2999)
	ErrCodeOriginConnectFailed = "E2001"
	ErrCodeConnectTimeout      = "E2002"
	ErrCodeOriginIOFailed      = "E2003"
	ErrCodeReadTimeout         = "E2004"

	// Client and HTTP Framing Errors (E4000-E4999)
	ErrCodeClientReadFailed    = "E4001"
	ErrCodeClientReadTimeout   = "E4002"
	ErrCodeClientWriteFailed   = "E4003"
	ErrCodeMalformedRequest    = "E4004"
	ErrCodeMissingHostHeader   = "E4005"
	ErrCodeResponseParseFailed = "E4006"

	// Access Control Errors (E7000-E7999)
	ErrCodeFilterRejected    = "E7001"
	ErrCodeFilterStoreFailed = "E7002"

	// Resource and Internal Errors (E9000-E9999)
	ErrCodeCacheStoreFailed = "E9001"
	ErrCodeLogStoreFailed   = "E9002"
	ErrCodePanicRecovered   = "E9903"
)

// ErrorDescriptions maps error codes to human-readable descriptions.
var ErrorDescriptions = map[string]string{
	ErrCodeListenerCreateFailed: "Failed to create network listener",
	ErrCodeStoreInitFailed:      "Failed to initialize backing store",
	ErrCodeUpstreamConfigFailed: "Invalid upstream dialer configuration",

	ErrCodeOriginConnectFailed: "Failed to connect to origin server",
	ErrCodeConnectTimeout:      "Connection to origin server timed out",
	ErrCodeOriginIOFailed:      "I/O error while talking to origin server",
	ErrCodeReadTimeout:         "Reading from origin server timed out",

	ErrCodeClientReadFailed:    "Failed to read client request",
	ErrCodeClientReadTimeout:   "Reading client request timed out",
	ErrCodeClientWriteFailed:   "Failed to write response to client",
	ErrCodeMalformedRequest:    "Malformed HTTP request line",
	ErrCodeMissingHostHeader:   "Missing or malformed Host header",
	ErrCodeResponseParseFailed: "Failed to parse origin response head",

	ErrCodeFilterRejected:    "Host rejected by access filter",
	ErrCodeFilterStoreFailed: "Access filter store query failed",

	ErrCodeCacheStoreFailed: "Response cache store failed",
	ErrCodeLogStoreFailed:   "Request log store failed",
	ErrCodePanicRecovered:   "Recovered from panic condition",
}

// GetErrorDescription returns the description registered for code.
func GetErrorDescription(code string) string {
	if desc, ok := ErrorDescriptions[code]; ok {
		return desc
	}
	return "Unknown error"
}

// HasCode reports whether any Error in err's chain carries code.
func HasCode(err error, code string) bool {
	for err != nil {
		var pe *Error
		if !errors.As(err, &pe) {
			return false
		}
		if pe.Code == code {
			return true
		}
		err = pe.Cause
	}
	return false
}

func hasCodePrefix(err error, prefix string) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return strings.HasPrefix(pe.Code, prefix)
	}
	return false
}

// IsOriginError checks if the error is an origin network error
func IsOriginError(err error) bool {
	return hasCodePrefix(err, "E2")
}

// IsClientError checks if the error concerns the client connection or its request
func IsClientError(err error) bool {
	return hasCodePrefix(err, "E4")
}

// IsAccessControlError checks if the error is an access control error
func IsAccessControlError(err error) bool {
	return hasCodePrefix(err, "E7")
}
