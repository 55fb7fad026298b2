package stats

import "context"

// DummyCollector is a no-op implementation of Collector
// It does nothing and is used when statistics collection is disabled
type DummyCollector struct{}

// NewDummyCollector creates a new dummy collector
func NewDummyCollector() *DummyCollector {
	return &DummyCollector{}
}

// LogRequest records a request (no-op)
func (d *DummyCollector) LogRequest(ctx context.Context, rec RequestRecord) (int64, error) {
	return 0, nil
}

// LogResponse records a response (no-op)
func (d *DummyCollector) LogResponse(ctx context.Context, rec ResponseRecord) error {
	return nil
}

// Summary returns an empty summary
func (d *DummyCollector) Summary(ctx context.Context) (*Summary, error) {
	return &Summary{}, nil
}

// RecentRequests returns nothing
func (d *DummyCollector) RecentRequests(ctx context.Context, limit int) ([]StoredRequest, error) {
	return nil, nil
}

// HealthCheck always succeeds
func (d *DummyCollector) HealthCheck(ctx context.Context) error {
	return nil
}

// Close does nothing
func (d *DummyCollector) Close() error {
	return nil
}
