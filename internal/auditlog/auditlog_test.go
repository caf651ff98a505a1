package auditlog

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"gocloud.dev/blob/memblob"
)

func TestSessionKey(t *testing.T) {
	b := memblob.OpenBucket(nil)
	defer b.Close()
	sink := NewSinkFromBucket(b, "logs/", false)

	sess := sink.Session("orders")
	sess.started = time.Date(2025, 3, 9, 14, 30, 0, 0, time.UTC)

	want := fmt.Sprintf("logs/2025/03/09/orders_%s.log", sess.ID())
	if got := sess.Key(); got != want {
		t.Errorf("key = %q, want %q", got, want)
	}
}

func TestSessionKey_NoPrefix(t *testing.T) {
	b := memblob.OpenBucket(nil)
	defer b.Close()
	sess := NewSinkFromBucket(b, "", false).Session("orders")

	if strings.HasPrefix(sess.Key(), "/") {
		t.Errorf("key %q must not start with a slash", sess.Key())
	}
}

func TestFlush_WritesLines(t *testing.T) {
	b := memblob.OpenBucket(nil)
	defer b.Close()
	sink := NewSinkFromBucket(b, "logs", false)

	sess := sink.Session("orders")
	sess.Infof("transfer started for %s", "orders")
	sess.Warnf("slow poll")
	sess.Errorf("load failed: %v", "quota")

	if err := sess.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}

	data, err := b.ReadAll(context.Background(), sess.Key())
	if err != nil {
		t.Fatal(err)
	}
	body := string(data)

	for _, want := range []string{
		"INFO  transfer started for orders",
		"WARN  slow poll",
		"ERROR load failed: quota",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("log missing %q:\n%s", want, body)
		}
	}
	if !strings.HasSuffix(body, "\n") {
		t.Error("log should end with a newline")
	}
}

func TestAppendSummary(t *testing.T) {
	b := memblob.OpenBucket(nil)
	defer b.Close()
	sess := NewSinkFromBucket(b, "logs", false).Session("orders")

	started := time.Date(2025, 3, 9, 14, 0, 0, 0, time.UTC)
	sess.AppendSummary(Summary{
		Table:           "orders",
		Status:          "FAILED",
		Started:         started,
		Finished:        started.Add(95 * time.Second),
		RowsTransferred: 500,
		Issues:          []string{"row count mismatch"},
	})

	if err := sess.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	data, err := b.ReadAll(context.Background(), sess.Key())
	if err != nil {
		t.Fatal(err)
	}
	body := string(data)

	for _, want := range []string{
		"---- migration summary ----",
		"table:            orders",
		"status:           FAILED",
		"duration:         1m35s",
		"rows_transferred: 500",
		"issues:           1",
		"  - row count mismatch",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("summary missing %q:\n%s", want, body)
		}
	}
}

func TestFlush_Compressed(t *testing.T) {
	b := memblob.OpenBucket(nil)
	defer b.Close()
	sink := NewSinkFromBucket(b, "logs", true)

	sess := sink.Session("orders")
	sess.Infof("compressed line")

	if err := sess.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}

	key := sess.Key()
	if !strings.HasSuffix(key, ".log.gz") {
		t.Errorf("compressed key = %q, want .log.gz suffix", key)
	}

	data, err := b.ReadAll(context.Background(), key)
	if err != nil {
		t.Fatal(err)
	}
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	defer zr.Close()

	var out bytes.Buffer
	if _, err := out.ReadFrom(zr); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "compressed line") {
		t.Errorf("decompressed body = %q", out.String())
	}
}

func TestFlush_Rewrite(t *testing.T) {
	b := memblob.OpenBucket(nil)
	defer b.Close()
	sess := NewSinkFromBucket(b, "logs", false).Session("orders")

	sess.Infof("first")
	if err := sess.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	sess.Infof("second")
	if err := sess.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}

	data, err := b.ReadAll(context.Background(), sess.Key())
	if err != nil {
		t.Fatal(err)
	}
	body := string(data)
	if !strings.Contains(body, "first") || !strings.Contains(body, "second") {
		t.Errorf("later flush should rewrite the full session:\n%s", body)
	}
}
