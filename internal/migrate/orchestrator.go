// Package migrate sequences per-table migrations: schema resolution, table
// provisioning, bulk transfer, external refresh, load and validation.
package migrate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/datalift-io/biglake-migrator/internal/auditlog"
	"github.com/datalift-io/biglake-migrator/internal/config"
	"github.com/datalift-io/biglake-migrator/internal/logging"
	"github.com/datalift-io/biglake-migrator/internal/metrics"
	"github.com/datalift-io/biglake-migrator/internal/schema"
	"github.com/datalift-io/biglake-migrator/internal/transfer"
	"github.com/datalift-io/biglake-migrator/internal/validate"
	"github.com/datalift-io/biglake-migrator/internal/warehouse"
)

// TransferCoordinator abstracts the transfer stage.
type TransferCoordinator interface {
	Execute(ctx context.Context, req transfer.Request) (string, error)
}

// Orchestrator runs the migration state machine for each configured table.
type Orchestrator struct {
	job       *config.Job
	wh        warehouse.Client
	tc        TransferCoordinator
	validator *validate.Validator
	sink      *auditlog.Sink
	log       *slog.Logger
}

// New creates an orchestrator. The warehouse client is shared across table
// workers; its transport must be safe for concurrent use.
func New(job *config.Job, wh warehouse.Client, tc TransferCoordinator, sink *auditlog.Sink) *Orchestrator {
	return &Orchestrator{
		job:       job,
		wh:        wh,
		tc:        tc,
		validator: validate.New(wh),
		sink:      sink,
		log:       slog.With("component", "orchestrator"),
	}
}

// Run migrates every configured table, bounded by the worker limit. Tables
// run independently: by default one table's failure does not stop the rest
// (best-effort); with failFast remaining tables are cancelled after the
// first failure. Returns all outcomes plus a non-nil error if any table
// failed.
func (o *Orchestrator) Run(ctx context.Context) ([]Outcome, error) {
	outcomes := make([]Outcome, len(o.job.Tables))

	runCtx := ctx
	cancel := context.CancelFunc(func() {})
	if o.job.Run.FailFast {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	var g errgroup.Group
	g.SetLimit(o.job.Run.Workers)

	for i := range o.job.Tables {
		t := &o.job.Tables[i]
		g.Go(func() error {
			if err := runCtx.Err(); err != nil {
				now := time.Now().UTC()
				outcomes[i] = Outcome{
					Table: t.Name, Status: StatusFailed, Stage: StagePending,
					Started: now, Finished: now,
					Issues: []string{"cancelled before start: " + err.Error()},
					Err:    err,
				}
				return nil
			}

			if m := metrics.Get(); m != nil {
				m.TablesInFlight.Inc()
				defer m.TablesInFlight.Dec()
			}

			outcomes[i] = o.runTable(runCtx, t)
			if outcomes[i].Status == StatusFailed && o.job.Run.FailFast {
				cancel()
			}
			return nil
		})
	}
	g.Wait()

	failed := 0
	for _, out := range outcomes {
		if out.Status == StatusFailed {
			failed++
		}
	}
	o.log.Info("batch complete",
		"tables", len(outcomes), "failed", failed, "fail_fast", o.job.Run.FailFast)

	if failed > 0 {
		return outcomes, fmt.Errorf("%d of %d table migrations failed", failed, len(outcomes))
	}
	return outcomes, nil
}

// runTable drives one table through the state machine. Every terminal
// path, failed or not, emits a summary record and flushes the session log.
func (o *Orchestrator) runTable(ctx context.Context, t *config.TableSpec) Outcome {
	sess := o.sink.Session(t.Name)
	log := logging.TableLogger(t.Name, sess.ID())

	out := Outcome{
		Table:   t.Name,
		Stage:   StagePending,
		Started: time.Now().UTC(),
	}

	finish := func(status Status) Outcome {
		out.Status = status
		out.Finished = time.Now().UTC()

		if m := metrics.Get(); m != nil {
			m.ObserveTableDuration(t.Name, out.Duration().Seconds())
			switch status {
			case StatusSucceeded:
				m.IncTablesSucceeded(t.Name)
				m.AddRowsTransferred(t.Name, float64(out.RowsTransferred))
			case StatusFailed:
				m.IncTablesFailed(t.Name, string(out.Stage))
			}
		}

		sess.AppendSummary(auditlog.Summary{
			Table:           t.Name,
			Status:          string(status),
			Started:         out.Started,
			Finished:        out.Finished,
			RowsTransferred: out.RowsTransferred,
			Issues:          out.Issues,
		})
		if err := sess.Flush(ctx); err != nil {
			log.Warn("audit log flush failed", "error", err)
		}
		return out
	}

	fail := func(stage Stage, err error) Outcome {
		out.Stage = stage
		out.Err = err
		out.Issues = append(out.Issues, err.Error())
		log.Error("table migration failed", "stage", string(stage), "error", err)
		sess.Errorf("stage %s failed: %v", stage, err)
		return finish(StatusFailed)
	}

	log.Info("starting table migration",
		"source", fmt.Sprintf("%s/%s", t.Source.Bucket, t.Source.Prefix),
		"target", t.Destination.FinalTable.Dataset+"."+t.Destination.FinalTable.Table,
		"mode", string(t.LoadMode),
	)
	sess.Infof("migration started for table %s", t.Name)

	final := t.Destination.FinalTable
	staging := stagingRef(o.job, t)

	// SCHEMA_RESOLVED
	res := schema.Resolve(t.Destination.ColumnMapping)
	out.Stage = StageSchemaResolved
	sess.Infof("resolved schema: %d columns, projection %q", len(res.Columns), res.SelectExpr)

	// TABLE_ENSURED: create-if-absent. With no explicit columns the create
	// is deferred until the staged table exists and can supply the shape.
	err := o.stage(t.Name, StageTableEnsured, func() error {
		if o.wh.TableExists(ctx, final.Dataset, final.Table) {
			log.Info("managed table already exists", "table", final.Dataset+"."+final.Table)
			sess.Infof("managed table %s.%s already exists", final.Dataset, final.Table)
			return nil
		}
		if len(res.Columns) == 0 {
			sess.Infof("no column mapping: managed table creation deferred until staging is available")
			return nil
		}
		if err := o.wh.CreateManagedTable(ctx, final.Dataset, final.Table,
			res.DDLColumnList(), o.job.DestinationBucket, managedPrefix(t)); err != nil {
			return err
		}
		sess.Infof("created managed table %s.%s", final.Dataset, final.Table)
		return nil
	})
	if err != nil {
		return fail(StageTableEnsured, err)
	}
	out.Stage = StageTableEnsured

	// TRANSFERRED
	err = o.stage(t.Name, StageTransferred, func() error {
		jobID, err := o.tc.Execute(ctx, transfer.Request{
			SourceBucket: t.Source.Bucket,
			SourcePrefix: t.Source.Prefix,
			DestBucket:   o.job.DestinationBucket,
			DestPrefix:   t.Destination.StagingPrefix,
		})
		if err != nil {
			return err
		}
		out.TransferJobID = jobID
		sess.Infof("transfer job %s finished polling", jobID)
		return nil
	})
	if err != nil {
		return fail(StageTransferred, err)
	}
	out.Stage = StageTransferred

	// EXTERNAL_REFRESHED
	err = o.stage(t.Name, StageExternalRefreshed, func() error {
		if err := o.wh.CreateOrRefreshExternalTable(ctx, staging.Dataset, staging.Table,
			o.job.DestinationBucket, t.Destination.StagingPrefix, t.Source.Format); err != nil {
			return err
		}
		sess.Infof("refreshed external table %s", staging)

		if len(res.Columns) == 0 && !o.wh.TableExists(ctx, final.Dataset, final.Table) {
			if err := o.wh.CreateManagedTableFromStaging(ctx, final.Dataset, final.Table,
				o.job.DestinationBucket, managedPrefix(t),
				staging.Dataset, staging.Table, res.SelectExpr); err != nil {
				return err
			}
			sess.Infof("created managed table %s.%s from staging", final.Dataset, final.Table)
		}
		return nil
	})
	if err != nil {
		return fail(StageExternalRefreshed, err)
	}
	out.Stage = StageExternalRefreshed

	// LOADED
	err = o.stage(t.Name, StageLoaded, func() error {
		cols := make([]string, len(res.Columns))
		for i, c := range res.Columns {
			cols[i] = c.Name
		}
		affected, err := o.wh.LoadIntoManagedTable(ctx, warehouse.LoadParams{
			SourceDataset: staging.Dataset,
			SourceTable:   staging.Table,
			TargetDataset: final.Dataset,
			TargetTable:   final.Table,
			SelectExpr:    res.SelectExpr,
			Mode:          t.LoadMode,
			Key:           o.job.MergeKey(t),
			Columns:       cols,
		})
		if err != nil {
			return err
		}
		sess.Infof("loaded %d rows into %s.%s (%s)", affected, final.Dataset, final.Table, t.LoadMode)
		return nil
	})
	if err != nil {
		return fail(StageLoaded, err)
	}
	out.Stage = StageLoaded

	// VALIDATED
	var result validate.Result
	err = o.stage(t.Name, StageValidated, func() error {
		result = o.validator.Run(ctx, validate.Params{
			Source:          validate.Ref(staging),
			Target:          validate.Ref{Dataset: final.Dataset, Table: final.Table},
			ChecksumColumns: o.job.Validation.ChecksumColumns,
			KeyColumn:       t.PrimaryKey,
		}, sess)
		return nil
	})
	if err != nil {
		return fail(StageValidated, err)
	}
	out.Stage = StageValidated
	out.RowsTransferred = result.TargetRows

	if !result.Valid {
		if m := metrics.Get(); m != nil {
			m.IncValidationFailures(t.Name)
		}
		out.Issues = append(out.Issues, result.Issues...)
		return fail(StageValidated, &validate.Failure{Table: t.Name, Result: result})
	}

	log.Info("table migration succeeded", "rows", out.RowsTransferred)
	sess.Infof("migration succeeded: %d rows", out.RowsTransferred)
	return finish(StatusSucceeded)
}

// stage times one state-machine transition.
func (o *Orchestrator) stage(table string, stage Stage, fn func() error) error {
	start := time.Now()
	err := fn()
	if m := metrics.Get(); m != nil {
		m.ObserveStageDuration(table, string(stage), time.Since(start).Seconds())
	}
	return err
}

// tableName pairs used across stages.
type tableName struct {
	Dataset string
	Table   string
}

func (t tableName) String() string { return t.Dataset + "." + t.Table }

// stagingRef names the external table that reads the staged objects.
func stagingRef(job *config.Job, t *config.TableSpec) tableName {
	return tableName{Dataset: job.ExternalDatasetID, Table: t.Name + "_ext"}
}

// managedPrefix is where the managed table's own files live in the
// destination bucket, separate from the staged source objects.
func managedPrefix(t *config.TableSpec) string {
	return "managed/" + t.Name
}
