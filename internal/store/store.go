// Package store holds the persistence contract shared by every repository
// implementation.
//
// Each domain package declares the repository it needs. Implementations
// (store/postgres, store/bolt) must make every state change a conditional
// update keyed by entity id and current state: the update either affects
// exactly one row and commits, or affects none and reports ErrConflict.
// No implementation may rely on in-process locks for correctness across
// replicas.
package store

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("concurrent update conflict")
)

// ConflictError reports a lost compare-and-swap: the row existed but no
// longer matched the expected state when the update ran.
type ConflictError struct {
	Entity string
	ID     string
	Detail string
}

func (e *ConflictError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s %s: %v", e.Entity, e.ID, ErrConflict)
	}
	return fmt.Sprintf("%s %s: %v: %s", e.Entity, e.ID, ErrConflict, e.Detail)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

func Conflict(entity, id, detail string) error {
	return &ConflictError{Entity: entity, ID: id, Detail: detail}
}
