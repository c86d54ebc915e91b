package msgstore

import (
	"fmt"
	"strings"
)

// InconsistencyError reports batch info cache invariants violated at the time
// of a sanity check. It is advisory: the authoritative store is never
// consulted, and the usual response is an explicit rebuild rather than
// failing the caller.
type InconsistencyError struct {
	BatchID  string
	Problems []string
}

func (e *InconsistencyError) Error() string {
	return fmt.Sprintf("batch info for %s is inconsistent: %s",
		e.BatchID, strings.Join(e.Problems, "; "))
}
