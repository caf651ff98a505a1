package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"
)

// mappingDocument is the companion per-table column-mapping document.
type mappingDocument struct {
	SelectedColumns []string        `json:"selectedColumns"`
	ColumnMapping   []ColumnMapping `json:"columnMapping"`
}

// MappingKey returns the deterministic object key for a table's mapping
// document.
func (j *Job) MappingKey(table string) string {
	return path.Join(j.MappingPrefix, table+".json")
}

// Enrich resolves companion mapping documents for every table that has no
// column mapping yet. A missing document is a warning, not an error: the
// table proceeds with an empty mapping, meaning "project all columns".
// A document that exists but does not parse is fatal.
//
// Enrich mutates the job exactly once, before any table processing begins.
func Enrich(ctx context.Context, b *blob.Bucket, job *Job) ([]string, error) {
	log := slog.With("component", "config")

	var warnings []string
	for i := range job.Tables {
		t := &job.Tables[i]
		if len(t.Destination.ColumnMapping) > 0 {
			continue
		}

		key := job.MappingKey(t.Name)
		data, err := b.ReadAll(ctx, key)
		if err != nil {
			if gcerrors.Code(err) == gcerrors.NotFound {
				w := fmt.Sprintf("no mapping document for table %s at %s, selecting all columns", t.Name, key)
				log.Warn("mapping document missing", "table", t.Name, "key", key)
				warnings = append(warnings, w)
				continue
			}
			return warnings, &Error{Msg: fmt.Sprintf("read mapping document %s", key), Err: err}
		}

		var doc mappingDocument
		if err := json.Unmarshal(data, &doc); err != nil {
			return warnings, &Error{Msg: fmt.Sprintf("parse mapping document %s", key), Err: err}
		}

		if err := validateMapping(t.Name, doc.ColumnMapping); err != nil {
			return warnings, err
		}

		t.Destination.ColumnMapping = doc.ColumnMapping
		log.Info("merged mapping document",
			"table", t.Name,
			"columns", len(doc.ColumnMapping),
			"selected", len(doc.SelectedColumns),
		)
	}
	return warnings, nil
}
