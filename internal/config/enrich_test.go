package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
)

func mappingBucket(t *testing.T, docs map[string]string) *blob.Bucket {
	t.Helper()
	dir := t.TempDir()
	for key, body := range docs {
		p := filepath.Join(dir, filepath.FromSlash(key))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	b, err := blob.OpenBucket(context.Background(), "file://"+dir)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func enrichJob(tables ...TableSpec) *Job {
	return &Job{MappingPrefix: "mappings", Tables: tables}
}

func TestEnrich_MergesMappingDocument(t *testing.T) {
	b := mappingBucket(t, map[string]string{
		"mappings/orders.json": `{
			"selectedColumns": ["order_id", "amt"],
			"columnMapping": [
				{"expr": "order_id", "as": "order_id"},
				{"expr": "amt", "as": "total_amount"}
			]
		}`,
	})
	job := enrichJob(TableSpec{Name: "orders"})

	warnings, err := Enrich(context.Background(), b, job)
	if err != nil {
		t.Fatal(err)
	}
	if len(warnings) != 0 {
		t.Errorf("unexpected warnings: %v", warnings)
	}

	m := job.Tables[0].Destination.ColumnMapping
	if len(m) != 2 {
		t.Fatalf("got %d mapping entries, want 2", len(m))
	}
	if m[1].Expr != "amt" || m[1].As != "total_amount" {
		t.Errorf("mapping[1] = %+v", m[1])
	}
}

func TestEnrich_MissingDocumentIsWarning(t *testing.T) {
	b := mappingBucket(t, nil)
	job := enrichJob(TableSpec{Name: "orders"})

	warnings, err := Enrich(context.Background(), b, job)
	if err != nil {
		t.Fatal(err)
	}
	if len(warnings) != 1 {
		t.Fatalf("got %d warnings, want 1: %v", len(warnings), warnings)
	}
	if !strings.Contains(warnings[0], "orders") {
		t.Errorf("warning should name the table: %q", warnings[0])
	}
	if len(job.Tables[0].Destination.ColumnMapping) != 0 {
		t.Error("missing document must leave mapping empty")
	}
}

func TestEnrich_MalformedDocumentIsFatal(t *testing.T) {
	b := mappingBucket(t, map[string]string{
		"mappings/orders.json": `{not json`,
	})
	job := enrichJob(TableSpec{Name: "orders"})

	_, err := Enrich(context.Background(), b, job)
	var cerr *Error
	if !errors.As(err, &cerr) {
		t.Fatalf("got %T, want *Error", err)
	}
}

func TestEnrich_ExplicitMappingWins(t *testing.T) {
	b := mappingBucket(t, map[string]string{
		"mappings/orders.json": `{"columnMapping": [{"expr": "a", "as": "b"}]}`,
	})
	explicit := []ColumnMapping{{Expr: "order_id", As: "order_id"}}
	job := enrichJob(TableSpec{
		Name:        "orders",
		Destination: DestinationSpec{ColumnMapping: explicit},
	})

	if _, err := Enrich(context.Background(), b, job); err != nil {
		t.Fatal(err)
	}
	if got := job.Tables[0].Destination.ColumnMapping; len(got) != 1 || got[0].Expr != "order_id" {
		t.Errorf("inline mapping should be kept, got %+v", got)
	}
}

func TestEnrich_DocumentWithDuplicateTargets(t *testing.T) {
	b := mappingBucket(t, map[string]string{
		"mappings/orders.json": `{"columnMapping": [
			{"expr": "a", "as": "x"},
			{"expr": "b", "as": "x"}
		]}`,
	})
	job := enrichJob(TableSpec{Name: "orders"})

	if _, err := Enrich(context.Background(), b, job); err == nil {
		t.Error("duplicate target columns in document should fail")
	}
}

func TestMappingKey(t *testing.T) {
	job := &Job{MappingPrefix: "mappings"}
	if got := job.MappingKey("orders"); got != "mappings/orders.json" {
		t.Errorf("key = %q", got)
	}
}
