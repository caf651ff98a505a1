// Package validate compares staged and loaded data after a migration and
// flags anomalies.
package validate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/datalift-io/biglake-migrator/internal/auditlog"
	"github.com/datalift-io/biglake-migrator/internal/warehouse"
)

// duplicateSampleCap bounds how many offending keys duplicate detection
// reports.
const duplicateSampleCap = 10

// Warehouse is the gateway subset the validator queries through.
type Warehouse interface {
	RowCount(ctx context.Context, dataset, table string) (int64, error)
	ColumnChecksum(ctx context.Context, dataset, table, column string) (string, error)
	ColumnNullCount(ctx context.Context, dataset, table, column string) (int64, error)
	DuplicateKeySample(ctx context.Context, dataset, table, column string, limit int) ([]warehouse.DuplicateKey, error)
}

// Ref names a table.
type Ref struct {
	Dataset string
	Table   string
}

func (r Ref) String() string { return r.Dataset + "." + r.Table }

// Params describe one validation run.
type Params struct {
	Source          Ref
	Target          Ref
	ChecksumColumns []string
	// KeyColumn drives duplicate detection; when empty the first checksum
	// column is presumed to be the key.
	KeyColumn string
}

// Result is the validation outcome. ChecksumsMatch is nil when no checksum
// columns were configured or counts had already failed.
type Result struct {
	Valid          bool
	SourceRows     int64
	TargetRows     int64
	CountsMatch    bool
	ChecksumsMatch *bool
	Issues         []string
}

// Validator runs post-load validation through the warehouse gateway.
type Validator struct {
	wh  Warehouse
	log *slog.Logger
}

// New creates a validator.
func New(wh Warehouse) *Validator {
	return &Validator{wh: wh, log: slog.With("component", "validate")}
}

// Run compares row counts and column checksums between the staged and
// loaded representations and samples the target for nulls and duplicate
// keys. The summary always lands in the session log: info when valid,
// error when not.
func (v *Validator) Run(ctx context.Context, p Params, sess *auditlog.Session) Result {
	var res Result

	srcRows, srcErr := v.wh.RowCount(ctx, p.Source.Dataset, p.Source.Table)
	dstRows, dstErr := v.wh.RowCount(ctx, p.Target.Dataset, p.Target.Table)
	if srcErr != nil || dstErr != nil {
		res.CountsMatch = false
		res.Issues = append(res.Issues, "failed to get row counts")
	} else {
		res.SourceRows = srcRows
		res.TargetRows = dstRows
		res.CountsMatch = srcRows == dstRows
		if !res.CountsMatch {
			diff := srcRows - dstRows
			if diff < 0 {
				diff = -diff
			}
			res.Issues = append(res.Issues, fmt.Sprintf(
				"row count mismatch: source has %d rows, target has %d rows (difference %d)",
				srcRows, dstRows, diff))
		}
	}

	if len(p.ChecksumColumns) > 0 && res.CountsMatch {
		match := v.compareChecksums(ctx, p, &res)
		res.ChecksumsMatch = &match

		v.sampleQuality(ctx, p, &res)
	}

	res.Valid = res.CountsMatch &&
		(res.ChecksumsMatch == nil || *res.ChecksumsMatch) &&
		len(res.Issues) == 0

	v.emitSummary(p, res, sess)
	return res
}

// compareChecksums digests each checksum column on both sides. A
// computation failure on either side is an issue and forces that column to
// no-match.
func (v *Validator) compareChecksums(ctx context.Context, p Params, res *Result) bool {
	allMatch := true
	for _, col := range p.ChecksumColumns {
		srcSum, srcErr := v.wh.ColumnChecksum(ctx, p.Source.Dataset, p.Source.Table, col)
		dstSum, dstErr := v.wh.ColumnChecksum(ctx, p.Target.Dataset, p.Target.Table, col)

		if srcErr != nil || dstErr != nil {
			allMatch = false
			res.Issues = append(res.Issues, fmt.Sprintf("failed to compute checksum for column %s", col))
			continue
		}
		if srcSum != dstSum {
			allMatch = false
			res.Issues = append(res.Issues, fmt.Sprintf(
				"checksum mismatch on column %s (source %s, target %s)", col, srcSum, dstSum))
		}
	}
	return allMatch
}

// sampleQuality runs null and duplicate checks against the target.
func (v *Validator) sampleQuality(ctx context.Context, p Params, res *Result) {
	for _, col := range p.ChecksumColumns {
		nulls, err := v.wh.ColumnNullCount(ctx, p.Target.Dataset, p.Target.Table, col)
		if err != nil {
			res.Issues = append(res.Issues, fmt.Sprintf("failed to count nulls in column %s", col))
			continue
		}
		if nulls > 0 {
			res.Issues = append(res.Issues, fmt.Sprintf("column %s has %d null values", col, nulls))
		}
	}

	key := p.KeyColumn
	if key == "" {
		key = p.ChecksumColumns[0]
	}
	dups, err := v.wh.DuplicateKeySample(ctx, p.Target.Dataset, p.Target.Table, key, duplicateSampleCap)
	if err != nil {
		res.Issues = append(res.Issues, fmt.Sprintf("failed to check duplicates on key column %s", key))
		return
	}
	if len(dups) > 0 {
		samples := make([]string, len(dups))
		for i, d := range dups {
			samples[i] = fmt.Sprintf("%s(x%d)", d.Value, d.Count)
		}
		res.Issues = append(res.Issues, fmt.Sprintf(
			"found %d duplicate values on key column %s: %s",
			len(dups), key, strings.Join(samples, ", ")))
	}
}

func (v *Validator) emitSummary(p Params, res Result, sess *auditlog.Session) {
	checksums := "n/a"
	if res.ChecksumsMatch != nil {
		checksums = fmt.Sprintf("%t", *res.ChecksumsMatch)
	}
	line := fmt.Sprintf(
		"validation %s -> %s: valid=%t counts_match=%t source_rows=%d target_rows=%d checksums_match=%s issues=%d",
		p.Source, p.Target, res.Valid, res.CountsMatch,
		res.SourceRows, res.TargetRows, checksums, len(res.Issues))

	if res.Valid {
		v.log.Info("validation passed", "source", p.Source.String(), "target", p.Target.String())
		if sess != nil {
			sess.Infof("%s", line)
		}
		return
	}

	v.log.Error("validation failed",
		"source", p.Source.String(), "target", p.Target.String(), "issues", res.Issues)
	if sess != nil {
		sess.Errorf("%s", line)
		for _, issue := range res.Issues {
			sess.Errorf("validation issue: %s", issue)
		}
	}
}
