package history

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/wolfman30/triage-notifier/pkg/logging"
)

// S3API is the subset of the S3 client used by Exporter.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Exporter writes one JSONL object per calendar day of history to S3.
type Exporter struct {
	store    Store
	s3Client S3API
	bucket   string
	loc      *time.Location
	logger   *logging.Logger

	mu           sync.Mutex
	lastExported string
}

// NewExporter creates an Exporter. If bucket is empty, all operations are no-ops.
func NewExporter(store Store, s3Client S3API, bucket string, loc *time.Location, logger *logging.Logger) *Exporter {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Exporter{
		store:    store,
		s3Client: s3Client,
		bucket:   bucket,
		loc:      loc,
		logger:   logger.Component("history_export"),
	}
}

// Enabled returns true if export is configured.
func (x *Exporter) Enabled() bool {
	return x != nil && x.bucket != "" && x.s3Client != nil && x.store != nil
}

// ObjectKey returns the S3 key for the day containing t.
func ObjectKey(day time.Time) string {
	return fmt.Sprintf("history/v1/by-date/%d/%02d/%02d.jsonl", day.Year(), day.Month(), day.Day())
}

// ExportDay uploads every entry sent on the calendar day containing day.
// The object is rewritten in full, so repeated exports are harmless.
func (x *Exporter) ExportDay(ctx context.Context, day time.Time) (int, error) {
	if !x.Enabled() {
		return 0, nil
	}
	local := day.In(x.loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, x.loc)
	end := start.AddDate(0, 0, 1)

	entries, err := x.store.ListSince(ctx, start)
	if err != nil {
		return 0, fmt.Errorf("history: export list: %w", err)
	}

	var buf bytes.Buffer
	count := 0
	for _, e := range entries {
		if !e.SentAt.Before(end) {
			continue
		}
		line, err := json.Marshal(e)
		if err != nil {
			return 0, fmt.Errorf("history: marshal entry: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
		count++
	}

	key := ObjectKey(start)
	_, err = x.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(x.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return 0, fmt.Errorf("history: s3 put %s: %w", key, err)
	}
	x.logger.Info("exported history", "s3_key", key, "entries", count)
	return count, nil
}

// ExportPrevious exports the day before now once per process. It is meant to
// be called after every tick.
func (x *Exporter) ExportPrevious(ctx context.Context, now time.Time) error {
	if !x.Enabled() {
		return nil
	}
	prev := now.In(x.loc).AddDate(0, 0, -1)
	day := prev.Format("2006-01-02")

	x.mu.Lock()
	defer x.mu.Unlock()
	if x.lastExported == day {
		return nil
	}
	if _, err := x.ExportDay(ctx, prev); err != nil {
		return err
	}
	x.lastExported = day
	return nil
}
