// Package config loads and validates migration job configuration.
//
// A job document is YAML, read from a local path or an object-store URI.
// Unknown keys are ignored so older binaries keep working against newer
// documents.
package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // file:// driver
	_ "gocloud.dev/blob/gcsblob"  // gs:// driver
	"gopkg.in/yaml.v3"
)

// LoadMode selects how data is written into the managed table.
type LoadMode string

const (
	ModeAppend   LoadMode = "APPEND"
	ModeTruncate LoadMode = "TRUNCATE"
	ModeMerge    LoadMode = "MERGE"
)

// Job is the validated in-memory representation of one migration run.
// Immutable after Load + Enrich.
type Job struct {
	ProjectID         string `yaml:"projectId"`
	ExternalDatasetID string `yaml:"externalDatasetId"`
	FinalDatasetID    string `yaml:"finalDatasetId"`
	DestinationBucket string `yaml:"destinationBucket"`
	ConnectionID      string `yaml:"connectionId"`
	Region            string `yaml:"region"`

	Tables     []TableSpec      `yaml:"tables"`
	Validation ValidationPolicy `yaml:"validation"`

	// MappingPrefix is where per-table column-mapping documents live,
	// relative to the configuration bucket root.
	MappingPrefix string `yaml:"mappingPrefix"`

	Transfer  TransferConfig  `yaml:"transfer"`
	Warehouse WarehouseConfig `yaml:"warehouse"`
	AuditLog  AuditLogConfig  `yaml:"auditLog"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Run       RunConfig       `yaml:"run"`
}

// TableSpec describes one table's migration.
type TableSpec struct {
	Name        string          `yaml:"name"`
	Source      SourceSpec      `yaml:"source"`
	Destination DestinationSpec `yaml:"destination"`
	LoadMode    LoadMode        `yaml:"loadMode"`

	// PrimaryKey is the business identifier used for MERGE loads and
	// duplicate detection. When empty the first checksum column is assumed.
	PrimaryKey string `yaml:"primaryKey"`
}

// SourceSpec locates the table's objects in the external store.
type SourceSpec struct {
	Bucket       string `yaml:"bucket"`
	Prefix       string `yaml:"prefix"`
	Format       string `yaml:"format"`
	SchemaSource string `yaml:"schemaSource"`
}

// DestinationSpec locates the staged and final representations.
type DestinationSpec struct {
	StagingPrefix  string            `yaml:"stagingPrefix"`
	BigLakeOptions map[string]string `yaml:"biglakeOptions"`
	FinalTable     FinalTable        `yaml:"finalTable"`
	ColumnMapping  []ColumnMapping   `yaml:"columnMapping"`
}

// FinalTable names the managed table.
type FinalTable struct {
	Dataset string `yaml:"dataset"`
	Table   string `yaml:"table"`
}

// ColumnMapping maps a source expression to a target column name.
type ColumnMapping struct {
	Expr string `yaml:"expr" json:"expr"`
	As   string `yaml:"as" json:"as"`
}

// ValidationPolicy controls post-load validation.
type ValidationPolicy struct {
	ComparisonTarget string   `yaml:"comparisonTarget"`
	ChecksumColumns  []string `yaml:"checksumColumns"`
	SampleRatio      float64  `yaml:"sampleRatio"`
}

// TransferConfig holds transfer-service settings.
type TransferConfig struct {
	// Secret Manager names holding the source store credentials.
	AccessKeySecret string `yaml:"accessKeySecret"`
	SecretKeySecret string `yaml:"secretKeySecret"`

	PollInterval    Duration `yaml:"pollInterval"`
	MaxPollAttempts int      `yaml:"maxPollAttempts"`
}

// WarehouseConfig holds warehouse client settings.
type WarehouseConfig struct {
	QueryTimeout Duration `yaml:"queryTimeout"`
}

// AuditLogConfig locates the durable audit-log sink.
type AuditLogConfig struct {
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	Compress bool   `yaml:"compress"`
}

// LoggingConfig controls process logging.
type LoggingConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// RunConfig controls batch execution.
type RunConfig struct {
	// FailFast aborts remaining tables after the first failure instead of
	// the default best-effort behavior.
	FailFast bool `yaml:"failFast"`
	Workers  int  `yaml:"workers"`
}

// Duration is a time.Duration that unmarshals from strings like "60s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Load reads, parses, defaults and validates a job document. The path may
// be a local file or a bucket URI such as gs://bucket/path/job.yaml.
func Load(ctx context.Context, path string) (*Job, error) {
	data, err := readDocument(ctx, path)
	if err != nil {
		return nil, &Error{Msg: fmt.Sprintf("read config %s", path), Err: err}
	}

	var job Job
	if err := yaml.Unmarshal(data, &job); err != nil {
		return nil, &Error{Msg: fmt.Sprintf("parse config %s", path), Err: err}
	}

	job.applyDefaults()

	if err := job.Validate(); err != nil {
		return nil, err
	}
	return &job, nil
}

// readDocument fetches bytes from a local path or a bucket URI.
func readDocument(ctx context.Context, path string) ([]byte, error) {
	scheme, rest, ok := strings.Cut(path, "://")
	if !ok {
		return os.ReadFile(path)
	}

	bucketName, key, ok := strings.Cut(rest, "/")
	if !ok || key == "" {
		return nil, fmt.Errorf("bucket URI %s has no object key", path)
	}

	b, err := blob.OpenBucket(ctx, scheme+"://"+bucketName)
	if err != nil {
		return nil, fmt.Errorf("open bucket %s: %w", bucketName, err)
	}
	defer b.Close()

	return b.ReadAll(ctx, key)
}

func (j *Job) applyDefaults() {
	if j.MappingPrefix == "" {
		j.MappingPrefix = "mappings"
	}
	if j.Transfer.AccessKeySecret == "" {
		j.Transfer.AccessKeySecret = "transfer-access-key-id"
	}
	if j.Transfer.SecretKeySecret == "" {
		j.Transfer.SecretKeySecret = "transfer-secret-key"
	}
	if j.Transfer.PollInterval == 0 {
		j.Transfer.PollInterval = Duration(60 * time.Second)
	}
	if j.Transfer.MaxPollAttempts == 0 {
		j.Transfer.MaxPollAttempts = 360
	}
	if j.Warehouse.QueryTimeout == 0 {
		j.Warehouse.QueryTimeout = Duration(30 * time.Minute)
	}
	if j.AuditLog.Prefix == "" {
		j.AuditLog.Prefix = "logs"
	}
	if j.Logging.Level == "" {
		j.Logging.Level = "info"
	}
	if j.Metrics.Address == "" {
		j.Metrics.Address = ":9090"
	}
	if j.Run.Workers < 1 {
		j.Run.Workers = 2
	}

	for i := range j.Tables {
		t := &j.Tables[i]
		if t.Source.Format == "" {
			t.Source.Format = "PARQUET"
		}
		if t.LoadMode == "" {
			t.LoadMode = ModeAppend
		}
		if t.Destination.FinalTable.Dataset == "" {
			t.Destination.FinalTable.Dataset = j.FinalDatasetID
		}
		if t.Destination.FinalTable.Table == "" {
			t.Destination.FinalTable.Table = t.Name
		}
		if t.Destination.StagingPrefix == "" {
			t.Destination.StagingPrefix = "staging/" + t.Name + "/"
		}
	}
}

// Validate checks required fields and cross-field invariants.
func (j *Job) Validate() error {
	switch {
	case j.ProjectID == "":
		return errf("projectId is required")
	case j.ExternalDatasetID == "":
		return errf("externalDatasetId is required")
	case j.FinalDatasetID == "":
		return errf("finalDatasetId is required")
	case j.DestinationBucket == "":
		return errf("destinationBucket is required")
	case j.ConnectionID == "":
		return errf("connectionId is required")
	case j.Region == "":
		return errf("region is required")
	case len(j.Tables) == 0:
		return errf("at least one table is required")
	}

	if r := j.Validation.SampleRatio; r < 0 || r > 1 {
		return errf("validation.sampleRatio %v outside [0, 1]", r)
	}

	seen := make(map[string]bool, len(j.Tables))
	for i := range j.Tables {
		t := &j.Tables[i]
		if t.Name == "" {
			return errf("tables[%d].name is required", i)
		}
		if seen[t.Name] {
			return errf("duplicate table name %q", t.Name)
		}
		seen[t.Name] = true

		if t.Source.Bucket == "" {
			return errf("table %s: source.bucket is required", t.Name)
		}
		if t.Source.Prefix == "" {
			return errf("table %s: source.prefix is required", t.Name)
		}

		switch t.LoadMode {
		case ModeAppend, ModeTruncate, ModeMerge:
		default:
			return errf("table %s: unknown loadMode %q", t.Name, t.LoadMode)
		}

		if t.LoadMode == ModeMerge && j.MergeKey(t) == "" {
			return errf("table %s: MERGE requires primaryKey or a checksum column", t.Name)
		}

		if err := validateMapping(t.Name, t.Destination.ColumnMapping); err != nil {
			return err
		}
	}
	return nil
}

// MergeKey returns the column used as the table's business key: the
// explicit primaryKey, or the first checksum column.
func (j *Job) MergeKey(t *TableSpec) string {
	if t.PrimaryKey != "" {
		return t.PrimaryKey
	}
	if len(j.Validation.ChecksumColumns) > 0 {
		return j.Validation.ChecksumColumns[0]
	}
	return ""
}

func validateMapping(table string, mapping []ColumnMapping) error {
	targets := make(map[string]bool, len(mapping))
	for _, m := range mapping {
		if m.Expr == "" || m.As == "" {
			return errf("table %s: column mapping entries need both expr and as", table)
		}
		if targets[m.As] {
			return errf("table %s: duplicate target column %q", table, m.As)
		}
		targets[m.As] = true
	}
	return nil
}
