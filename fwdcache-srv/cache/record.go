package cache

import (
	"bytes"
	"errors"
	"fmt"
	"time"
)

var errBadRecord = errors.New("malformed cache record")

// encodeRecord renders an entry as an ISO-8601 timestamp line followed by the
// raw response bytes.
func encodeRecord(entry Entry) []byte {
	ts := entry.Timestamp.UTC().Format(time.RFC3339Nano)
	buf := make([]byte, 0, len(ts)+1+len(entry.Response))
	buf = append(buf, ts...)
	buf = append(buf, '\n')
	return append(buf, entry.Response...)
}

func decodeRecord(data []byte) (*Entry, error) {
	line, rest, found := bytes.Cut(data, []byte{'\n'})
	if !found {
		return nil, fmt.Errorf("%w: no timestamp line", errBadRecord)
	}
	ts, err := time.Parse(time.RFC3339Nano, string(bytes.TrimSpace(line)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errBadRecord, err)
	}
	return &Entry{Timestamp: ts, Response: rest}, nil
}
