// Package warehouse issues schema-definition and data-manipulation
// operations against the analytical warehouse.
package warehouse

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/cenkalti/backoff/v4"
	"google.golang.org/api/iterator"

	"github.com/datalift-io/biglake-migrator/internal/config"
	"github.com/datalift-io/biglake-migrator/internal/metrics"
)

// LoadParams describes one load into a managed table.
type LoadParams struct {
	SourceDataset string
	SourceTable   string
	TargetDataset string
	TargetTable   string
	SelectExpr    string
	Mode          config.LoadMode
	// Key and Columns are required for MERGE: the business key to match on
	// and the target column names to update/insert.
	Key     string
	Columns []string
}

// DuplicateKey is one offending key value found by duplicate detection.
type DuplicateKey struct {
	Value string
	Count int64
}

// Client is the warehouse surface the orchestrator and validator use.
// Every operation is independently idempotent.
type Client interface {
	TableExists(ctx context.Context, dataset, table string) bool
	CreateManagedTable(ctx context.Context, dataset, table, ddlColumns, bucket, storagePrefix string) error
	CreateManagedTableFromStaging(ctx context.Context, dataset, table, bucket, storagePrefix, srcDataset, srcTable, selectExpr string) error
	CreateOrRefreshExternalTable(ctx context.Context, dataset, table, bucket, prefix, format string) error
	LoadIntoManagedTable(ctx context.Context, p LoadParams) (int64, error)
	RowCount(ctx context.Context, dataset, table string) (int64, error)
	DeleteTableIfExists(ctx context.Context, dataset, table string) error
	ColumnChecksum(ctx context.Context, dataset, table, column string) (string, error)
	ColumnNullCount(ctx context.Context, dataset, table, column string) (int64, error)
	DuplicateKeySample(ctx context.Context, dataset, table, column string, limit int) ([]DuplicateKey, error)
}

// runner executes one SQL statement as a warehouse job and waits for it.
type runner interface {
	exec(ctx context.Context, sql string) (rowsAffected int64, err error)
	query(ctx context.Context, sql string) ([][]bigquery.Value, error)
}

// Gateway implements Client against BigQuery.
type Gateway struct {
	run          runner
	projectID    string
	region       string
	connectionID string
	log          *slog.Logger
}

// Options configure a Gateway.
type Options struct {
	ProjectID    string
	Region       string
	ConnectionID string
	QueryTimeout time.Duration
}

// NewGateway creates a gateway on an existing BigQuery client. The client's
// transport is safe for concurrent use, so one gateway may be shared across
// table workers.
func NewGateway(client *bigquery.Client, opts Options) *Gateway {
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = 30 * time.Minute
	}
	return &Gateway{
		run: &bqRunner{
			client:  client,
			timeout: opts.QueryTimeout,
		},
		projectID:    opts.ProjectID,
		region:       opts.Region,
		connectionID: opts.ConnectionID,
		log:          slog.With("component", "warehouse"),
	}
}

// TableExists probes for a table. Any lookup error is treated as "does not
// exist"; this operation never raises.
func (g *Gateway) TableExists(ctx context.Context, dataset, table string) bool {
	rows, err := g.query(ctx, dataset, table, tableExistsSQL(dataset, table))
	if err != nil {
		g.log.Debug("existence probe failed, assuming absent",
			"table", dataset+"."+table, "error", err)
		return false
	}
	n, err := scalarInt64(rows)
	if err != nil {
		return false
	}
	return n > 0
}

// CreateManagedTable issues CREATE TABLE IF NOT EXISTS bound to the storage
// connection. Safe to call when the table already exists.
func (g *Gateway) CreateManagedTable(ctx context.Context, dataset, table, ddlColumns, bucket, storagePrefix string) error {
	sql := createManagedTableSQL(g.projectID, g.region, g.connectionID, dataset, table, ddlColumns, bucket, storagePrefix)
	if _, err := g.exec(ctx, dataset, table, sql); err != nil {
		return g.fail("create managed table", dataset, table, err)
	}
	g.log.Info("ensured managed table", "table", dataset+"."+table)
	return nil
}

// CreateManagedTableFromStaging creates the managed table with the staged
// table's shape, for tables that have no explicit column mapping.
func (g *Gateway) CreateManagedTableFromStaging(ctx context.Context, dataset, table, bucket, storagePrefix, srcDataset, srcTable, selectExpr string) error {
	sql := createManagedFromStagingSQL(g.projectID, g.region, g.connectionID, dataset, table, bucket, storagePrefix, srcDataset, srcTable, selectExpr)
	if _, err := g.exec(ctx, dataset, table, sql); err != nil {
		return g.fail("create managed table from staging", dataset, table, err)
	}
	g.log.Info("ensured managed table from staging", "table", dataset+"."+table)
	return nil
}

// CreateOrRefreshExternalTable points the external table at the current
// objects under gs://bucket/prefix*. Always replaces, so repeated calls are
// the refresh mechanism after new objects land.
func (g *Gateway) CreateOrRefreshExternalTable(ctx context.Context, dataset, table, bucket, prefix, format string) error {
	sql := createExternalTableSQL(g.projectID, g.region, g.connectionID, dataset, table, bucket, prefix, format)
	if _, err := g.exec(ctx, dataset, table, sql); err != nil {
		return g.fail("refresh external table", dataset, table, err)
	}
	g.log.Info("refreshed external table",
		"table", dataset+"."+table, "uri", fmt.Sprintf("gs://%s/%s*", bucket, prefix))
	return nil
}

// LoadIntoManagedTable moves the projected rows with the chosen write mode
// and returns rows affected by the final statement.
func (g *Gateway) LoadIntoManagedTable(ctx context.Context, p LoadParams) (int64, error) {
	stmts, err := loadStatements(p)
	if err != nil {
		return 0, g.fail("load", p.TargetDataset, p.TargetTable, err)
	}

	var affected int64
	for _, sql := range stmts {
		affected, err = g.exec(ctx, p.TargetDataset, p.TargetTable, sql)
		if err != nil {
			return 0, g.fail("load", p.TargetDataset, p.TargetTable, err)
		}
	}

	g.log.Info("loaded managed table",
		"table", p.TargetDataset+"."+p.TargetTable,
		"mode", string(p.Mode),
		"rows_affected", affected,
	)
	return affected, nil
}

// RowCount returns the table's row count.
func (g *Gateway) RowCount(ctx context.Context, dataset, table string) (int64, error) {
	rows, err := g.query(ctx, dataset, table, rowCountSQL(dataset, table))
	if err != nil {
		return 0, g.fail("count rows", dataset, table, err)
	}
	n, err := scalarInt64(rows)
	if err != nil {
		return 0, g.fail("count rows", dataset, table, err)
	}
	return n, nil
}

// DeleteTableIfExists drops the table; no-op when absent.
func (g *Gateway) DeleteTableIfExists(ctx context.Context, dataset, table string) error {
	if _, err := g.exec(ctx, dataset, table, dropTableSQL(dataset, table)); err != nil {
		return g.fail("delete table", dataset, table, err)
	}
	return nil
}

// ColumnChecksum computes the order-independent digest of a column's
// non-null values. An empty table yields an empty digest.
func (g *Gateway) ColumnChecksum(ctx context.Context, dataset, table, column string) (string, error) {
	rows, err := g.query(ctx, dataset, table, columnChecksumSQL(dataset, table, column))
	if err != nil {
		return "", g.fail("checksum column "+column, dataset, table, err)
	}
	s, err := scalarString(rows)
	if err != nil {
		return "", g.fail("checksum column "+column, dataset, table, err)
	}
	return s, nil
}

// ColumnNullCount counts null values in a column.
func (g *Gateway) ColumnNullCount(ctx context.Context, dataset, table, column string) (int64, error) {
	rows, err := g.query(ctx, dataset, table, nullCountSQL(dataset, table, column))
	if err != nil {
		return 0, g.fail("null count "+column, dataset, table, err)
	}
	n, err := scalarInt64(rows)
	if err != nil {
		return 0, g.fail("null count "+column, dataset, table, err)
	}
	return n, nil
}

// DuplicateKeySample returns up to limit key values that occur more than
// once.
func (g *Gateway) DuplicateKeySample(ctx context.Context, dataset, table, column string, limit int) ([]DuplicateKey, error) {
	rows, err := g.query(ctx, dataset, table, duplicateKeySQL(dataset, table, column, limit))
	if err != nil {
		return nil, g.fail("duplicate check "+column, dataset, table, err)
	}

	var dups []DuplicateKey
	for _, row := range rows {
		if len(row) < 2 {
			continue
		}
		d := DuplicateKey{}
		if s, ok := row[0].(string); ok {
			d.Value = s
		}
		if n, ok := row[1].(int64); ok {
			d.Count = n
		}
		dups = append(dups, d)
	}
	return dups, nil
}

// fail logs and wraps an operation failure. No silent failures.
func (g *Gateway) fail(op, dataset, table string, err error) error {
	ref := dataset + "." + table
	if m := metrics.Get(); m != nil {
		m.IncWarehouseErrors(ref)
	}
	g.log.Error("warehouse operation failed", "op", op, "table", ref, "error", err)
	return &Error{Op: op, Ref: ref, Err: err}
}

// exec and query wrap the runner with per-table job counting.
func (g *Gateway) exec(ctx context.Context, dataset, table, sql string) (int64, error) {
	if m := metrics.Get(); m != nil {
		m.IncWarehouseQueries(dataset + "." + table)
	}
	return g.run.exec(ctx, sql)
}

func (g *Gateway) query(ctx context.Context, dataset, table, sql string) ([][]bigquery.Value, error) {
	if m := metrics.Get(); m != nil {
		m.IncWarehouseQueries(dataset + "." + table)
	}
	return g.run.query(ctx, sql)
}

func scalarInt64(rows [][]bigquery.Value) (int64, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return 0, fmt.Errorf("query returned no rows")
	}
	n, ok := rows[0][0].(int64)
	if !ok {
		return 0, fmt.Errorf("expected int64 scalar, got %T", rows[0][0])
	}
	return n, nil
}

func scalarString(rows [][]bigquery.Value) (string, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return "", fmt.Errorf("query returned no rows")
	}
	if rows[0][0] == nil {
		return "", nil
	}
	s, ok := rows[0][0].(string)
	if !ok {
		return "", fmt.Errorf("expected string scalar, got %T", rows[0][0])
	}
	return s, nil
}

// bqRunner runs statements as BigQuery query jobs with a client-side
// timeout and bounded retry on submission.
type bqRunner struct {
	client  *bigquery.Client
	timeout time.Duration
}

func (r *bqRunner) submit(ctx context.Context, sql string) (*bigquery.Job, error) {
	q := r.client.Query(sql)

	var job *bigquery.Job
	op := func() error {
		j, err := q.Run(ctx)
		if err != nil {
			return err
		}
		job = j
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, fmt.Errorf("submit query: %w", err)
	}
	return job, nil
}

func (r *bqRunner) wait(ctx context.Context, job *bigquery.Job) error {
	status, err := job.Wait(ctx)
	if err != nil {
		return fmt.Errorf("wait for job: %w", err)
	}
	if err := status.Err(); err != nil {
		return fmt.Errorf("job failed: %w", err)
	}
	return nil
}

func (r *bqRunner) exec(ctx context.Context, sql string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	job, err := r.submit(ctx, sql)
	if err != nil {
		return 0, err
	}
	if err := r.wait(ctx, job); err != nil {
		return 0, err
	}

	if stats := job.LastStatus().Statistics; stats != nil {
		if qs, ok := stats.Details.(*bigquery.QueryStatistics); ok {
			return qs.NumDMLAffectedRows, nil
		}
	}
	return 0, nil
}

func (r *bqRunner) query(ctx context.Context, sql string) ([][]bigquery.Value, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	job, err := r.submit(ctx, sql)
	if err != nil {
		return nil, err
	}
	if err := r.wait(ctx, job); err != nil {
		return nil, err
	}

	it, err := job.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("read results: %w", err)
	}

	var rows [][]bigquery.Value
	for {
		var row []bigquery.Value
		err := it.Next(&row)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterate results: %w", err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Gateway implements Client.
var _ Client = (*Gateway)(nil)
