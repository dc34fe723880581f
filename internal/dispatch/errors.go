package dispatch

import "fmt"

// FetchError means the queue source could not be read. Nothing was mutated.
type FetchError struct {
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("dispatch: fetch waiting patients: %v", e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// PersistenceError means the reservation ledger failed. The tick is aborted
// and any reservation it left behind is released by a later sweep.
type PersistenceError struct {
	Op  string
	Tag string
	Err error
}

func (e *PersistenceError) Error() string {
	if e.Tag != "" {
		return fmt.Sprintf("dispatch: ledger %s %s: %v", e.Op, e.Tag, e.Err)
	}
	return fmt.Sprintf("dispatch: ledger %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
