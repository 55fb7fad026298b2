// Package stats records every handled request and every response delivered to
// a client. Records are written synchronously so a response row can reference
// the id of its request row.
package stats

import (
	"context"
	"time"
)

// CacheStatus tells whether a response was served from the cache.
type CacheStatus string

const (
	CacheHit  CacheStatus = "HIT"
	CacheMiss CacheStatus = "MISS"
)

// Placeholder target values for requests that could not be parsed.
const (
	UnknownHost = "unknown"
	UnknownPort = 0
)

// RequestRecord is one row of the request log.
type RequestRecord struct {
	Timestamp  time.Time
	ClientIP   string
	ClientPort int
	TargetHost string
	TargetPort int
	Method     string
	URL        string
	Protocol   string
	// ErrorMessage is set when the request failed to parse.
	ErrorMessage *string
}

// ResponseRecord is one row of the response log.
type ResponseRecord struct {
	RequestID   int64
	Timestamp   time.Time
	CacheStatus CacheStatus
	// Status is nil when the response head could not be parsed.
	Status      *int
	ContentType string
	Size        int64
	Elapsed     time.Duration
}

// Summary aggregates the log for reporting.
type Summary struct {
	TotalRequests  int64
	FailedRequests int64 // requests with an error message
	Responses      int64
	CacheHits      int64
	CacheMisses    int64
	BytesServed    int64
}

// HitRatio returns hits / responses, 0 if there were none.
func (s *Summary) HitRatio() float64 {
	if s.Responses == 0 {
		return 0
	}
	return float64(s.CacheHits) / float64(s.Responses)
}

// Collector defines the interface for recording proxy traffic
type Collector interface {
	// LogRequest stores a request and returns its id.
	LogRequest(ctx context.Context, rec RequestRecord) (int64, error)
	// LogResponse stores a response that references a logged request.
	LogResponse(ctx context.Context, rec ResponseRecord) error

	// Reporting
	Summary(ctx context.Context) (*Summary, error)
	RecentRequests(ctx context.Context, limit int) ([]StoredRequest, error)

	// Health check
	HealthCheck(ctx context.Context) error

	// Close cleans up resources
	Close() error
}

// StoredRequest is a logged request joined with its response, if any.
type StoredRequest struct {
	ID int64
	RequestRecord
	Response *ResponseRecord
}
