package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/powa-team/querypool/internal/pool"
)

// ConstraintKind names the integrity constraint a statement violated.
type ConstraintKind string

// Constraint kinds.
const (
	ConstraintUnique     ConstraintKind = "unique"
	ConstraintNotNull    ConstraintKind = "not_null"
	ConstraintForeignKey ConstraintKind = "foreign_key"
	ConstraintCheck      ConstraintKind = "check"
)

// ConstraintError is a non-retryable integrity violation.
type ConstraintError struct {
	Kind ConstraintKind
	Err  error
}

func (e *ConstraintError) Error() string {
	return fmt.Sprintf("%s constraint violation: %v", e.Kind, e.Err)
}

func (e *ConstraintError) Unwrap() error { return e.Err }

// RetryExhaustedError is returned when every attempt failed with a
// retryable error. Err is the last failure.
type RetryExhaustedError struct {
	Attempts int
	Err      error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("giving up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Err }

// TransactionError reports a transaction that was rolled back. Statement is
// the index of the failing statement, or -1 when the commit failed.
type TransactionError struct {
	Statement int
	Query     string
	Err       error
}

func (e *TransactionError) Error() string {
	if e.Statement < 0 {
		return fmt.Sprintf("transaction rolled back: commit: %v", e.Err)
	}
	return fmt.Sprintf("transaction rolled back: statement %d: %v", e.Statement, e.Err)
}

func (e *TransactionError) Unwrap() error { return e.Err }

// RollbackError means the rollback itself failed after Err, so the
// database state may be inconsistent.
type RollbackError struct {
	Err         error
	RollbackErr error
}

func (e *RollbackError) Error() string {
	return fmt.Sprintf("rollback failed, state may be inconsistent: %v (after: %v)", e.RollbackErr, e.Err)
}

func (e *RollbackError) Unwrap() []error { return []error{e.Err, e.RollbackErr} }

// BatchError reports the chunk a batch stopped at. Completed is the number
// of statements whose results were returned before the failure.
type BatchError struct {
	Chunk     int
	Completed int
	Err       error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch chunk %d failed after %d statements: %v", e.Chunk, e.Completed, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// classify wraps driver constraint violations in a *ConstraintError and
// returns every other error unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var ce *ConstraintError
	if errors.As(err, &ce) {
		return err
	}
	if kind, ok := constraintKind(err); ok {
		return &ConstraintError{Kind: kind, Err: err}
	}
	return err
}

func constraintKind(err error) (ConstraintKind, bool) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505":
			return ConstraintUnique, true
		case "23502":
			return ConstraintNotNull, true
		case "23503":
			return ConstraintForeignKey, true
		case "23514":
			return ConstraintCheck, true
		}
		return "", false
	}

	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return ConstraintUnique, true
		case sqlite3.SQLITE_CONSTRAINT_NOTNULL:
			return ConstraintNotNull, true
		case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
			return ConstraintForeignKey, true
		case sqlite3.SQLITE_CONSTRAINT_CHECK:
			return ConstraintCheck, true
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unique constraint"), strings.Contains(msg, "duplicate key"),
		strings.Contains(msg, "primary key constraint"):
		return ConstraintUnique, true
	case strings.Contains(msg, "not null constraint"), strings.Contains(msg, "not-null constraint"):
		return ConstraintNotNull, true
	case strings.Contains(msg, "foreign key constraint"):
		return ConstraintForeignKey, true
	case strings.Contains(msg, "check constraint"):
		return ConstraintCheck, true
	}
	return "", false
}

// IsRetryable reports whether err may succeed on another attempt. Constraint
// violations, a closed pool and the caller's own cancellation are final.
func IsRetryable(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}
	if ctx.Err() != nil {
		return false
	}
	if errors.Is(err, pool.ErrPoolClosed) {
		return false
	}
	var ce *ConstraintError
	if errors.As(err, &ce) {
		return false
	}
	_, isConstraint := constraintKind(err)
	return !isConstraint
}
