package validate

import "fmt"

// Failure is the error raised when validation produced an invalid result.
// Distinguished from a warehouse error: the warehouse calls themselves
// succeeded.
type Failure struct {
	Table  string
	Result Result
}

func (f *Failure) Error() string {
	return fmt.Sprintf("validation failed for table %s: %d issue(s)", f.Table, len(f.Result.Issues))
}
