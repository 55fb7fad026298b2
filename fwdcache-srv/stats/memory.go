package stats

import (
	"context"
	"sync"
	"time"
)

// MemoryCollector keeps records in process memory. It is meant for tests and
// for short-lived runs without a database.
type MemoryCollector struct {
	mu        sync.Mutex
	nextID    int64
	requests  []StoredRequest
	responses []ResponseRecord
}

// NewMemoryCollector creates an empty in-memory collector
func NewMemoryCollector() *MemoryCollector {
	return &MemoryCollector{}
}

// LogRequest stores rec and returns a sequential id starting at 1.
func (m *MemoryCollector) LogRequest(ctx context.Context, rec RequestRecord) (int64, error) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.requests = append(m.requests, StoredRequest{ID: m.nextID, RequestRecord: rec})
	return m.nextID, nil
}

// LogResponse stores rec and attaches it to its request.
func (m *MemoryCollector) LogResponse(ctx context.Context, rec ResponseRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, rec)
	for i := range m.requests {
		if m.requests[i].ID == rec.RequestID {
			resp := rec
			m.requests[i].Response = &resp
			break
		}
	}
	return nil
}

// Requests returns a copy of all logged requests in insertion order.
func (m *MemoryCollector) Requests() []StoredRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]StoredRequest(nil), m.requests...)
}

// Responses returns a copy of all logged responses in insertion order.
func (m *MemoryCollector) Responses() []ResponseRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ResponseRecord(nil), m.responses...)
}

// Summary aggregates the stored records.
func (m *MemoryCollector) Summary(ctx context.Context) (*Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sum := &Summary{TotalRequests: int64(len(m.requests)), Responses: int64(len(m.responses))}
	for _, req := range m.requests {
		if req.ErrorMessage != nil {
			sum.FailedRequests++
		}
	}
	for _, resp := range m.responses {
		switch resp.CacheStatus {
		case CacheHit:
			sum.CacheHits++
		case CacheMiss:
			sum.CacheMisses++
		}
		sum.BytesServed += resp.Size
	}
	return sum, nil
}

// RecentRequests returns up to limit requests, newest first.
func (m *MemoryCollector) RecentRequests(ctx context.Context, limit int) ([]StoredRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	out := make([]StoredRequest, 0, min(limit, len(m.requests)))
	for i := len(m.requests) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.requests[i])
	}
	return out, nil
}

// HealthCheck always succeeds
func (m *MemoryCollector) HealthCheck(ctx context.Context) error {
	return nil
}

// Close does nothing
func (m *MemoryCollector) Close() error {
	return nil
}
