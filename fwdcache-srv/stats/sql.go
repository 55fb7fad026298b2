package stats

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/codefionn/fwdcache/fwdcache-srv/logger"
	"github.com/codefionn/fwdcache/fwdcache-srv/store"
)

// SQLCollector implements Collector on the requests and responses tables.
// It does not own the database; the caller closes it.
type SQLCollector struct {
	db *store.DB
}

// NewSQLCollector creates a collector writing to db.
func NewSQLCollector(db *store.DB) *SQLCollector {
	return &SQLCollector{db: db}
}

// LogRequest records a client request
func (s *SQLCollector) LogRequest(ctx context.Context, rec RequestRecord) (int64, error) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	id, err := s.db.InsertReturningID(ctx,
		`INSERT INTO requests (timestamp, client_ip, client_port, target_host, target_port, method, url, protocol, error_message)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Timestamp, rec.ClientIP, rec.ClientPort, rec.TargetHost, rec.TargetPort,
		rec.Method, rec.URL, rec.Protocol, nullString(rec.ErrorMessage))
	if err != nil {
		return 0, fmt.Errorf("failed to record request: %w", err)
	}

	logger.Debug("Request logged with ID %d", id)
	return id, nil
}

// LogResponse records a response delivered to the client
func (s *SQLCollector) LogResponse(ctx context.Context, rec ResponseRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	var status sql.NullInt64
	if rec.Status != nil {
		status = sql.NullInt64{Int64: int64(*rec.Status), Valid: true}
	}

	_, err := s.db.Exec(ctx,
		`INSERT INTO responses (request_id, timestamp, cache_status, response_status, response_content_type, response_size, response_time_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.RequestID, rec.Timestamp, string(rec.CacheStatus), status, rec.ContentType,
		rec.Size, rec.Elapsed.Milliseconds())
	if err != nil {
		return fmt.Errorf("failed to record response: %w", err)
	}
	return nil
}

// Summary counts requests, responses and cache outcomes.
func (s *SQLCollector) Summary(ctx context.Context) (*Summary, error) {
	sum := &Summary{}

	err := s.db.ScanRow(ctx,
		`SELECT COUNT(*), COUNT(error_message) FROM requests`, nil,
		&sum.TotalRequests, &sum.FailedRequests)
	if err != nil {
		return nil, fmt.Errorf("failed to count requests: %w", err)
	}

	err = s.db.ScanRow(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN cache_status = 'HIT' THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN cache_status = 'MISS' THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(response_size), 0)
		 FROM responses`, nil,
		&sum.Responses, &sum.CacheHits, &sum.CacheMisses, &sum.BytesServed)
	if err != nil {
		return nil, fmt.Errorf("failed to count responses: %w", err)
	}

	return sum, nil
}

// RecentRequests returns the newest requests first, joined with their response.
func (s *SQLCollector) RecentRequests(ctx context.Context, limit int) ([]StoredRequest, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(ctx,
		`SELECT q.id, q.timestamp, q.client_ip, q.client_port, q.target_host, q.target_port,
		        q.method, q.url, q.protocol, q.error_message,
		        r.timestamp, r.cache_status, r.response_status, r.response_content_type,
		        r.response_size, r.response_time_ms
		 FROM requests q
		 LEFT JOIN responses r ON r.request_id = q.id
		 ORDER BY q.id DESC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query requests: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			logger.Error("Error closing rows: %v", closeErr)
		}
	}()

	var out []StoredRequest
	for rows.Next() {
		var (
			req         StoredRequest
			errMsg      sql.NullString
			respTime    sql.NullTime
			cacheStatus sql.NullString
			status      sql.NullInt64
			contentType sql.NullString
			size        sql.NullInt64
			elapsedMS   sql.NullInt64
		)
		if err := rows.Scan(&req.ID, &req.Timestamp, &req.ClientIP, &req.ClientPort,
			&req.TargetHost, &req.TargetPort, &req.Method, &req.URL, &req.Protocol, &errMsg,
			&respTime, &cacheStatus, &status, &contentType, &size, &elapsedMS); err != nil {
			return nil, fmt.Errorf("failed to scan request: %w", err)
		}

		if errMsg.Valid {
			msg := errMsg.String
			req.ErrorMessage = &msg
		}
		if cacheStatus.Valid {
			resp := &ResponseRecord{
				RequestID:   req.ID,
				Timestamp:   respTime.Time,
				CacheStatus: CacheStatus(cacheStatus.String),
				ContentType: contentType.String,
				Size:        size.Int64,
				Elapsed:     time.Duration(elapsedMS.Int64) * time.Millisecond,
			}
			if status.Valid {
				code := int(status.Int64)
				resp.Status = &code
			}
			req.Response = resp
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read requests: %w", err)
	}
	return out, nil
}

// HealthCheck pings the database.
func (s *SQLCollector) HealthCheck(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close is a no-op; the database is shared with the filter store.
func (s *SQLCollector) Close() error {
	return nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
