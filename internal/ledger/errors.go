package ledger

import "fmt"

// NotAllowedError rejects an operation on business limits: transfer caps,
// locking periods, insufficient balance. It carries a user-facing reason and
// guarantees no state was mutated.
type NotAllowedError struct {
	Reason string
}

func (e *NotAllowedError) Error() string {
	return e.Reason
}

func notAllowed(format string, args ...any) error {
	return &NotAllowedError{Reason: fmt.Sprintf(format, args...)}
}
