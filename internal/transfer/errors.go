package transfer

import "fmt"

// CredentialError reports a failed secret lookup. It is fatal to the
// table's transfer stage.
type CredentialError struct {
	Name string
	Err  error
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("transfer: resolve credential %s: %v", e.Name, e.Err)
}

func (e *CredentialError) Unwrap() error { return e.Err }

// TransferError reports a failed submission or an error terminal state
// from the transfer service. A monitoring timeout is a warning, not this
// error.
type TransferError struct {
	JobID string
	Msg   string
	Err   error
}

func (e *TransferError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transfer: %s: %v", e.Msg, e.Err)
	}
	return "transfer: " + e.Msg
}

func (e *TransferError) Unwrap() error { return e.Err }
