package migrate

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"gocloud.dev/blob/memblob"

	"github.com/datalift-io/biglake-migrator/internal/auditlog"
	"github.com/datalift-io/biglake-migrator/internal/config"
	"github.com/datalift-io/biglake-migrator/internal/transfer"
	"github.com/datalift-io/biglake-migrator/internal/validate"
	"github.com/datalift-io/biglake-migrator/internal/warehouse"
)

// fakeWarehouse implements warehouse.Client with per-ref row counts and
// injectable stage failures. Call names are recorded in order.
type fakeWarehouse struct {
	mu    sync.Mutex
	calls []string

	exists     map[string]bool
	counts     map[string]int64
	loadRows   int64
	createErr  error
	refreshErr error
	loadErr    error

	lastLoad warehouse.LoadParams
}

func (f *fakeWarehouse) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeWarehouse) called(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if c == name {
			return true
		}
	}
	return false
}

func (f *fakeWarehouse) TableExists(_ context.Context, dataset, table string) bool {
	f.record("TableExists")
	return f.exists[dataset+"."+table]
}

func (f *fakeWarehouse) CreateManagedTable(_ context.Context, dataset, table, _, _, _ string) error {
	f.record("CreateManagedTable")
	return f.createErr
}

func (f *fakeWarehouse) CreateManagedTableFromStaging(_ context.Context, dataset, table, _, _, _, _, _ string) error {
	f.record("CreateManagedTableFromStaging")
	return f.createErr
}

func (f *fakeWarehouse) CreateOrRefreshExternalTable(_ context.Context, _, _, _, _, _ string) error {
	f.record("CreateOrRefreshExternalTable")
	return f.refreshErr
}

func (f *fakeWarehouse) LoadIntoManagedTable(_ context.Context, p warehouse.LoadParams) (int64, error) {
	f.record("LoadIntoManagedTable")
	f.mu.Lock()
	f.lastLoad = p
	f.mu.Unlock()
	if f.loadErr != nil {
		return 0, f.loadErr
	}
	return f.loadRows, nil
}

func (f *fakeWarehouse) RowCount(_ context.Context, dataset, table string) (int64, error) {
	f.record("RowCount")
	return f.counts[dataset+"."+table], nil
}

func (f *fakeWarehouse) DeleteTableIfExists(_ context.Context, dataset, table string) error {
	f.record("DeleteTableIfExists")
	return nil
}

func (f *fakeWarehouse) ColumnChecksum(_ context.Context, _, _, column string) (string, error) {
	f.record("ColumnChecksum")
	return "digest-" + column, nil
}

func (f *fakeWarehouse) ColumnNullCount(_ context.Context, _, _, _ string) (int64, error) {
	return 0, nil
}

func (f *fakeWarehouse) DuplicateKeySample(_ context.Context, _, _, _ string, _ int) ([]warehouse.DuplicateKey, error) {
	return nil, nil
}

// fakeCoordinator returns a fixed transfer job ID or a scripted error.
type fakeCoordinator struct {
	mu   sync.Mutex
	reqs []transfer.Request
	err  error
}

func (f *fakeCoordinator) Execute(_ context.Context, req transfer.Request) (string, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	return "transferJobs/12345", nil
}

func testJob(tables ...config.TableSpec) *config.Job {
	return &config.Job{
		ProjectID:         "proj",
		ExternalDatasetID: "ext",
		FinalDatasetID:    "final",
		DestinationBucket: "lake-bucket",
		ConnectionID:      "conn",
		Region:            "us-central1",
		Tables:            tables,
		Run:               config.RunConfig{Workers: 1},
	}
}

func ordersTable() config.TableSpec {
	return config.TableSpec{
		Name: "orders",
		Source: config.SourceSpec{
			Bucket: "src-bucket",
			Prefix: "exports/orders/",
			Format: "PARQUET",
		},
		Destination: config.DestinationSpec{
			StagingPrefix: "staging/orders/",
			FinalTable:    config.FinalTable{Dataset: "final", Table: "orders"},
			ColumnMapping: []config.ColumnMapping{
				{Expr: "order_id", As: "order_id"},
				{Expr: "amt", As: "total_amount"},
			},
		},
		LoadMode: config.ModeTruncate,
	}
}

func testSink(t *testing.T) *auditlog.Sink {
	t.Helper()
	b := memblob.OpenBucket(nil)
	t.Cleanup(func() { b.Close() })
	return auditlog.NewSinkFromBucket(b, "logs", false)
}

func TestRun_SingleTableSucceeds(t *testing.T) {
	wh := &fakeWarehouse{
		counts:   map[string]int64{"ext.orders_ext": 500, "final.orders": 500},
		loadRows: 500,
	}
	tc := &fakeCoordinator{}
	job := testJob(ordersTable())

	outcomes, err := New(job, wh, tc, testSink(t)).Run(context.Background())
	if err != nil {
		t.Fatalf("batch error: %v", err)
	}
	out := outcomes[0]

	if out.Status != StatusSucceeded {
		t.Errorf("status = %s, issues %v", out.Status, out.Issues)
	}
	if out.Stage != StageValidated {
		t.Errorf("stage = %s, want VALIDATED", out.Stage)
	}
	if out.RowsTransferred != 500 {
		t.Errorf("rows = %d, want 500", out.RowsTransferred)
	}
	if out.TransferJobID != "transferJobs/12345" {
		t.Errorf("job id = %q", out.TransferJobID)
	}

	for _, call := range []string{
		"CreateManagedTable", "CreateOrRefreshExternalTable", "LoadIntoManagedTable",
	} {
		if !wh.called(call) {
			t.Errorf("expected %s to be called, got %v", call, wh.calls)
		}
	}

	if wh.lastLoad.Mode != config.ModeTruncate {
		t.Errorf("load mode = %s", wh.lastLoad.Mode)
	}
	if wh.lastLoad.SourceDataset != "ext" || wh.lastLoad.SourceTable != "orders_ext" {
		t.Errorf("load source = %s.%s", wh.lastLoad.SourceDataset, wh.lastLoad.SourceTable)
	}
}

func TestRun_TransferRequestShape(t *testing.T) {
	wh := &fakeWarehouse{counts: map[string]int64{"ext.orders_ext": 1, "final.orders": 1}}
	tc := &fakeCoordinator{}
	job := testJob(ordersTable())

	if _, err := New(job, wh, tc, testSink(t)).Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	req := tc.reqs[0]
	want := transfer.Request{
		SourceBucket: "src-bucket",
		SourcePrefix: "exports/orders/",
		DestBucket:   "lake-bucket",
		DestPrefix:   "staging/orders/",
	}
	if req != want {
		t.Errorf("request = %+v, want %+v", req, want)
	}
}

func TestRun_TransferFailureStopsLaterStages(t *testing.T) {
	wh := &fakeWarehouse{}
	tc := &fakeCoordinator{err: &transfer.TransferError{Msg: "operation failed"}}
	job := testJob(ordersTable())

	outcomes, err := New(job, wh, tc, testSink(t)).Run(context.Background())
	if err == nil {
		t.Fatal("batch with a failed table must return an error")
	}
	out := outcomes[0]

	if out.Status != StatusFailed {
		t.Errorf("status = %s", out.Status)
	}
	if out.Stage != StageTransferred {
		t.Errorf("stage = %s, want TRANSFERRED", out.Stage)
	}
	var terr *transfer.TransferError
	if !errors.As(out.Err, &terr) {
		t.Errorf("err = %T, want *transfer.TransferError", out.Err)
	}
	if wh.called("CreateOrRefreshExternalTable") || wh.called("LoadIntoManagedTable") {
		t.Errorf("stages after the failure must not run: %v", wh.calls)
	}
}

func TestRun_ValidationFailure(t *testing.T) {
	wh := &fakeWarehouse{
		counts:   map[string]int64{"ext.orders_ext": 100, "final.orders": 97},
		loadRows: 97,
	}
	job := testJob(ordersTable())

	outcomes, err := New(job, wh, &fakeCoordinator{}, testSink(t)).Run(context.Background())
	if err == nil {
		t.Fatal("validation failure must fail the batch")
	}
	out := outcomes[0]

	if out.Status != StatusFailed || out.Stage != StageValidated {
		t.Errorf("outcome = %s at %s", out.Status, out.Stage)
	}
	var vf *validate.Failure
	if !errors.As(out.Err, &vf) {
		t.Fatalf("err = %T, want *validate.Failure", out.Err)
	}
	found := false
	for _, issue := range out.Issues {
		if strings.Contains(issue, "row count mismatch") {
			found = true
		}
	}
	if !found {
		t.Errorf("issues should carry the mismatch: %v", out.Issues)
	}
}

func TestRun_BestEffortContinuesPastFailure(t *testing.T) {
	second := ordersTable()
	second.Name = "customers"
	second.Source.Prefix = "exports/customers/"
	second.Destination.FinalTable.Table = "customers"
	second.Destination.StagingPrefix = "staging/customers/"

	wh := &fakeWarehouse{
		counts: map[string]int64{
			"ext.orders_ext": 10, "final.orders": 10,
			"ext.customers_ext": 10, "final.customers": 10,
		},
		loadRows: 10,
	}
	// First table's transfer fails; the second must still run.
	tc := &scriptedCoordinator{errs: map[string]error{
		"exports/orders/": errors.New("source unreachable"),
	}}
	job := testJob(ordersTable(), second)

	outcomes, err := New(job, wh, tc, testSink(t)).Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "1 of 2") {
		t.Fatalf("batch error = %v, want 1 of 2 failure", err)
	}
	if outcomes[0].Status != StatusFailed {
		t.Errorf("orders should fail, got %s", outcomes[0].Status)
	}
	if outcomes[1].Status != StatusSucceeded {
		t.Errorf("customers should still succeed, got %s: %v",
			outcomes[1].Status, outcomes[1].Issues)
	}
}

func TestRun_FailFastCancelsRemaining(t *testing.T) {
	second := ordersTable()
	second.Name = "customers"

	tc := &scriptedCoordinator{errs: map[string]error{
		"exports/orders/": errors.New("source unreachable"),
	}}
	job := testJob(ordersTable(), second)
	job.Run.FailFast = true

	outcomes, err := New(job, &fakeWarehouse{}, tc, testSink(t)).Run(context.Background())
	if err == nil {
		t.Fatal("fail-fast batch with failures must return an error")
	}
	if outcomes[0].Status != StatusFailed {
		t.Errorf("first outcome = %s", outcomes[0].Status)
	}
	if outcomes[1].Status != StatusFailed || outcomes[1].Stage != StagePending {
		t.Errorf("second table should be cancelled before starting, got %s at %s",
			outcomes[1].Status, outcomes[1].Stage)
	}
}

func TestRun_EmptyMappingDefersManagedCreate(t *testing.T) {
	tbl := ordersTable()
	tbl.Destination.ColumnMapping = nil

	wh := &fakeWarehouse{
		counts:   map[string]int64{"ext.orders_ext": 5, "final.orders": 5},
		loadRows: 5,
	}
	job := testJob(tbl)

	outcomes, err := New(job, wh, &fakeCoordinator{}, testSink(t)).Run(context.Background())
	if err != nil {
		t.Fatalf("batch error: %v", err)
	}
	if outcomes[0].Status != StatusSucceeded {
		t.Fatalf("status = %s, issues %v", outcomes[0].Status, outcomes[0].Issues)
	}

	if wh.called("CreateManagedTable") {
		t.Error("explicit DDL create must not run without a column mapping")
	}
	if !wh.called("CreateManagedTableFromStaging") {
		t.Errorf("managed table should be created from staging: %v", wh.calls)
	}
	if wh.lastLoad.SelectExpr != "*" {
		t.Errorf("projection = %q, want *", wh.lastLoad.SelectExpr)
	}
}

func TestRun_ExistingTableSkipsCreate(t *testing.T) {
	wh := &fakeWarehouse{
		exists:   map[string]bool{"final.orders": true},
		counts:   map[string]int64{"ext.orders_ext": 5, "final.orders": 5},
		loadRows: 5,
	}
	job := testJob(ordersTable())

	if _, err := New(job, wh, &fakeCoordinator{}, testSink(t)).Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if wh.called("CreateManagedTable") || wh.called("CreateManagedTableFromStaging") {
		t.Errorf("existing table must not be recreated: %v", wh.calls)
	}
}

// scriptedCoordinator fails transfers whose source prefix has a scripted
// error.
type scriptedCoordinator struct {
	mu   sync.Mutex
	errs map[string]error
}

func (f *scriptedCoordinator) Execute(_ context.Context, req transfer.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[req.SourcePrefix]; err != nil {
		return "", err
	}
	return "transferJobs/ok", nil
}
