package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	bq "cloud.google.com/go/bigquery"
	"gocloud.dev/blob"

	"github.com/datalift-io/biglake-migrator/internal/auditlog"
	"github.com/datalift-io/biglake-migrator/internal/config"
	"github.com/datalift-io/biglake-migrator/internal/logging"
	"github.com/datalift-io/biglake-migrator/internal/metrics"
	"github.com/datalift-io/biglake-migrator/internal/migrate"
	"github.com/datalift-io/biglake-migrator/internal/secrets"
	"github.com/datalift-io/biglake-migrator/internal/transfer"
	"github.com/datalift-io/biglake-migrator/internal/warehouse"
)

// Version information (set via ldflags)
var (
	Version = "v0.1.0"
	GitSHA  = "unknown"
)

func main() {
	configPath := flag.String("config", "migration.yaml", "job document path or bucket URI (gs://bucket/key)")
	tableFilter := flag.String("table", "", "migrate only the named table")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown handler
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		sig := <-ch
		slog.Info("received signal, cancelling", "signal", sig.String())
		cancel()
	}()

	if err := run(ctx, *configPath, *tableFilter); err != nil {
		slog.Error("migration run failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath, tableFilter string) error {
	job, err := config.Load(ctx, configPath)
	if err != nil {
		return err
	}

	logging.Setup(logging.Config{Format: job.Logging.Format, Level: job.Logging.Level})
	log := logging.Component("main")
	log.Info("biglake-migrator starting",
		"version", Version, "git_sha", GitSHA,
		"project", job.ProjectID, "tables", len(job.Tables))

	if tableFilter != "" {
		if err := filterTables(job, tableFilter); err != nil {
			return err
		}
	}

	if job.Metrics.Enabled {
		metrics.Init("")
		go func() {
			if err := metrics.StartServer(job.Metrics.Address); err != nil {
				log.Error("metrics server stopped", "error", err)
			}
		}()
	}

	// Column-mapping documents live next to the job document.
	cfgBucket, err := openConfigBucket(ctx, configPath)
	if err != nil {
		return fmt.Errorf("open config bucket: %w", err)
	}
	warnings, err := config.Enrich(ctx, cfgBucket, job)
	cfgBucket.Close()
	if err != nil {
		return err
	}
	for _, w := range warnings {
		log.Warn(w)
	}

	bqClient, err := bq.NewClient(ctx, job.ProjectID)
	if err != nil {
		return fmt.Errorf("create warehouse client: %w", err)
	}
	defer bqClient.Close()

	gateway := warehouse.NewGateway(bqClient, warehouse.Options{
		ProjectID:    job.ProjectID,
		Region:       job.Region,
		ConnectionID: job.ConnectionID,
		QueryTimeout: job.Warehouse.QueryTimeout.Std(),
	})

	secretStore, err := secrets.NewGoogleStore(ctx, job.ProjectID)
	if err != nil {
		return fmt.Errorf("create secret store: %w", err)
	}
	defer secretStore.Close()

	transferAPI, err := transfer.NewGoogleAPI(ctx)
	if err != nil {
		return fmt.Errorf("create transfer client: %w", err)
	}
	coordinator := transfer.NewCoordinator(transferAPI, secretStore, transfer.Config{
		ProjectID:       job.ProjectID,
		AccessKeySecret: job.Transfer.AccessKeySecret,
		SecretKeySecret: job.Transfer.SecretKeySecret,
		PollInterval:    job.Transfer.PollInterval.Std(),
		MaxPollAttempts: job.Transfer.MaxPollAttempts,
	})

	sink, err := auditlog.NewSink(ctx, auditBucketURL(job), job.AuditLog.Prefix, job.AuditLog.Compress)
	if err != nil {
		return fmt.Errorf("open audit log sink: %w", err)
	}
	defer sink.Close()

	orch := migrate.New(job, gateway, coordinator, sink)
	outcomes, err := orch.Run(ctx)
	for _, out := range outcomes {
		log.Info("table outcome",
			"table", out.Table,
			"status", string(out.Status),
			"stage", string(out.Stage),
			"rows", out.RowsTransferred,
			"duration", out.Duration().String(),
			"issues", len(out.Issues),
		)
	}
	return err
}

// filterTables narrows the job to one named table.
func filterTables(job *config.Job, name string) error {
	for _, t := range job.Tables {
		if t.Name == name {
			job.Tables = []config.TableSpec{t}
			return nil
		}
	}
	return fmt.Errorf("table %q not found in configuration", name)
}

// openConfigBucket opens the bucket the job document was read from, so
// companion mapping documents resolve against the same root. Local config
// paths map to a file bucket rooted at the document's directory.
func openConfigBucket(ctx context.Context, configPath string) (*blob.Bucket, error) {
	if scheme, rest, ok := strings.Cut(configPath, "://"); ok {
		bucketName, _, _ := strings.Cut(rest, "/")
		return blob.OpenBucket(ctx, scheme+"://"+bucketName)
	}

	dir, err := filepath.Abs(filepath.Dir(configPath))
	if err != nil {
		return nil, err
	}
	return blob.OpenBucket(ctx, "file://"+dir)
}

// auditBucketURL resolves the audit-log bucket, defaulting to the
// migration's destination bucket.
func auditBucketURL(job *config.Job) string {
	b := job.AuditLog.Bucket
	if b == "" {
		b = job.DestinationBucket
	}
	if strings.Contains(b, "://") {
		return b
	}
	return "gs://" + b
}
