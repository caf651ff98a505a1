package warehouse

import "fmt"

// Error reports a DDL/DML job that finished with a non-nil error, or a
// client failure while running one. Fatal to the table being migrated.
type Error struct {
	Op  string // e.g. "load", "create managed table"
	Ref string // dataset.table
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("warehouse: %s %s: %v", e.Op, e.Ref, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
