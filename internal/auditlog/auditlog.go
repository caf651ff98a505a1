// Package auditlog accumulates per-table migration logs and flushes them
// as durable blobs.
//
// Each (table, session) pair owns one append-only buffer. Lines carry a
// severity tag and an ISO-8601 timestamp; a structured end-of-run summary
// is appended before the final flush. Blobs land at
// prefix/YYYY/MM/DD/{table}_{sessionID}.log in the audit bucket.
package auditlog

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// driver
	_ "gocloud.dev/blob/gcsblob"  // gs:// driver
)

// Sink owns the audit bucket. Safe for concurrent sessions.
type Sink struct {
	bucket   *blob.Bucket
	prefix   string
	compress bool
	log      *slog.Logger
}

// NewSink opens the audit bucket by URL (gs://bucket, file:///dir).
func NewSink(ctx context.Context, bucketURL, prefix string, compress bool) (*Sink, error) {
	b, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open audit bucket %s: %w", bucketURL, err)
	}
	return NewSinkFromBucket(b, prefix, compress), nil
}

// NewSinkFromBucket wraps an already-open bucket.
func NewSinkFromBucket(b *blob.Bucket, prefix string, compress bool) *Sink {
	return &Sink{
		bucket:   b,
		prefix:   strings.TrimSuffix(prefix, "/"),
		compress: compress,
		log:      slog.With("component", "auditlog"),
	}
}

// Close releases the bucket.
func (s *Sink) Close() error {
	if s.bucket != nil {
		return s.bucket.Close()
	}
	return nil
}

// Session starts a new audit session for one table migration.
func (s *Sink) Session(table string) *Session {
	return &Session{
		sink:    s,
		table:   table,
		id:      uuid.NewString(),
		started: time.Now().UTC(),
		now:     time.Now,
	}
}

// Session is a session-scoped line accumulator. Safe for concurrent
// writers; per-call-site ordering is not guaranteed.
type Session struct {
	sink    *Sink
	table   string
	id      string
	started time.Time
	now     func() time.Time

	mu    sync.Mutex
	lines []string
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

func (s *Session) append(level, format string, args ...any) {
	line := fmt.Sprintf("%s %-5s %s",
		s.now().UTC().Format(time.RFC3339), level, fmt.Sprintf(format, args...))
	s.mu.Lock()
	s.lines = append(s.lines, line)
	s.mu.Unlock()
}

// Infof records an info-level line.
func (s *Session) Infof(format string, args ...any) { s.append("INFO", format, args...) }

// Warnf records a warning-level line.
func (s *Session) Warnf(format string, args ...any) { s.append("WARN", format, args...) }

// Errorf records an error-level line.
func (s *Session) Errorf(format string, args ...any) { s.append("ERROR", format, args...) }

// Summary is the structured end-of-run record appended before flush.
type Summary struct {
	Table           string
	Status          string
	Started         time.Time
	Finished        time.Time
	RowsTransferred int64
	Issues          []string
}

// AppendSummary writes the summary block into the buffer.
func (s *Session) AppendSummary(sum Summary) {
	dur := sum.Finished.Sub(sum.Started).Round(time.Second)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines,
		"---- migration summary ----",
		"table:            "+sum.Table,
		"status:           "+sum.Status,
		"started:          "+sum.Started.UTC().Format(time.RFC3339),
		"finished:         "+sum.Finished.UTC().Format(time.RFC3339),
		"duration:         "+dur.String(),
		fmt.Sprintf("rows_transferred: %d", sum.RowsTransferred),
		fmt.Sprintf("issues:           %d", len(sum.Issues)),
	)
	for _, issue := range sum.Issues {
		s.lines = append(s.lines, "  - "+issue)
	}
}

// Key returns the deterministic blob key for this session.
func (s *Session) Key() string {
	name := fmt.Sprintf("%s_%s.log", s.table, s.id)
	if s.sink.compress {
		name += ".gz"
	}
	key := fmt.Sprintf("%s/%s", s.started.Format("2006/01/02"), name)
	if s.sink.prefix != "" {
		key = s.sink.prefix + "/" + key
	}
	return key
}

// Flush writes the accumulated lines to durable storage. The buffer is
// kept, so a later flush rewrites the full session blob.
func (s *Session) Flush(ctx context.Context) error {
	s.mu.Lock()
	data := []byte(strings.Join(s.lines, "\n") + "\n")
	s.mu.Unlock()

	if s.sink.compress {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(data); err != nil {
			zw.Close()
			return fmt.Errorf("compress audit log: %w", err)
		}
		if err := zw.Close(); err != nil {
			return fmt.Errorf("compress audit log: %w", err)
		}
		data = buf.Bytes()
	}

	key := s.Key()
	if err := s.sink.bucket.WriteAll(ctx, key, data, nil); err != nil {
		s.sink.log.Error("audit log flush failed", "key", key, "error", err)
		return fmt.Errorf("flush audit log %s: %w", key, err)
	}

	s.sink.log.Debug("flushed audit log", "key", key, "bytes", len(data))
	return nil
}
