/*
errors.go - Centralized error types for the ledger engine

ERROR CATEGORIES:
  1. Not found    - Month or entry does not exist
  2. Client input - Entry payload rejected by validation
  3. Persistence  - Store failures, wrapped with %w and propagated

USAGE:
  if ledger.IsNotFound(err) {
      // 404
  }

NOT AN ERROR:
  A failed push of the closing balance to the product aggregate is
  logged and counted, never returned (see sink.go).
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrLedgerNotFound is returned when no MonthlyLedger exists for a key.
	ErrLedgerNotFound = errors.New("monthly ledger not found")

	// ErrEntryNotFound is returned when an entry id is not in the month.
	ErrEntryNotFound = errors.New("ledger entry not found")

	// ErrInvalidEntry is returned when an entry payload fails validation.
	ErrInvalidEntry = errors.New("invalid ledger entry")

	// ErrInvalidMonth is returned for a malformed month selector.
	ErrInvalidMonth = errors.New("invalid month")

	// ErrResetUnsupported is returned when the repository cannot be cleared.
	ErrResetUnsupported = errors.New("repository cannot be reset")

	// ErrProductNotFound is returned when no stock was ever pushed for a product.
	ErrProductNotFound = errors.New("product stock not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InvalidEntryError names the offending field.
type InvalidEntryError struct {
	Field  string
	Reason string
}

func (e *InvalidEntryError) Error() string {
	return fmt.Sprintf("invalid entry: %s %s", e.Field, e.Reason)
}

func (e *InvalidEntryError) Unwrap() error { return ErrInvalidEntry }

// EntryNotFoundError carries the month and id that were looked up.
type EntryNotFoundError struct {
	Key     MonthKey
	EntryID EntryID
}

func (e *EntryNotFoundError) Error() string {
	return fmt.Sprintf("entry %s not found in %s", e.EntryID, e.Key)
}

func (e *EntryNotFoundError) Unwrap() error { return ErrEntryNotFound }

// =============================================================================
// ERROR HELPERS
// =============================================================================

func IsNotFound(err error) bool {
	return errors.Is(err, ErrLedgerNotFound) ||
		errors.Is(err, ErrEntryNotFound) ||
		errors.Is(err, ErrProductNotFound)
}

func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidEntry) || errors.Is(err, ErrInvalidMonth)
}
