package aggregate

import (
	"fmt"

	"github.com/sensei777/Ethplorer/fault"
	"github.com/sensei777/Ethplorer/ledger"
)

// ErrSubjectTooLarge is returned when a subject without a persisted state has
// more operations than a first build may replay.
var ErrSubjectTooLarge = fault.ErrTooManyOperations

func errUnknownType(e ledger.Event) error {
	return fmt.Errorf("event %s: unknown type %q", e.TxHash, e.Type)
}
