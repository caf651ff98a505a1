package config

import "fmt"

// Error reports malformed or missing configuration. It is fatal: nothing
// proceeds on a job that failed to load or validate.
type Error struct {
	Msg string
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config: %s: %v", e.Msg, e.Err)
	}
	return "config: " + e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func errf(format string, args ...any) *Error {
	return &Error{Msg: fmt.Sprintf(format, args...)}
}
