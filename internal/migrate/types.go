package migrate

import "time"

// Stage is a step of the per-table migration state machine. Stages fire
// strictly in the declared order; a failure at any stage skips the rest.
type Stage string

const (
	StagePending           Stage = "PENDING"
	StageSchemaResolved    Stage = "SCHEMA_RESOLVED"
	StageTableEnsured      Stage = "TABLE_ENSURED"
	StageTransferred       Stage = "TRANSFERRED"
	StageExternalRefreshed Stage = "EXTERNAL_REFRESHED"
	StageLoaded            Stage = "LOADED"
	StageValidated         Stage = "VALIDATED"
)

// Status is a terminal migration state.
type Status string

const (
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
)

// Outcome is the per-table result record.
type Outcome struct {
	Table    string
	Status   Status
	Stage    Stage // last stage reached
	Started  time.Time
	Finished time.Time

	// RowsTransferred is the target row count after a successful load.
	RowsTransferred int64
	TransferJobID   string
	Issues          []string
	Err             error
}

// Duration is the table's wall-clock migration time.
func (o Outcome) Duration() time.Duration {
	return o.Finished.Sub(o.Started)
}
