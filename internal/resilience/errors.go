// Package resilience classifies transient storage failures and retries
// them with exponential backoff. Domain errors (validation, not-found,
// merged, cycle) are never transient and never retried.
package resilience

import (
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/sells-group/entity-ledger/internal/model"
)

// TransientError wraps a storage error that is safe to retry (busy
// database, dropped connection, failover in progress).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError marks an error as transient.
func NewTransientError(err error) *TransientError {
	return &TransientError{Err: err}
}

// IsTransient reports whether the error (or any error in its chain) is
// retryable. Domain error kinds are always non-retryable regardless of
// message content.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if model.IsValidation(err) || model.IsNotFound(err) || model.IsMerged(err) || model.IsCycle(err) {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	// String heuristics for wrapped driver errors.
	msg := strings.ToLower(err.Error())
	transientPatterns := []string{
		"database is locked",          // sqlite busy
		"database table is locked",    // sqlite busy
		"connection reset by peer",
		"broken pipe",
		"i/o timeout",
		"conn closed",                 // pgx pool
		"connection refused",
		"the database system is starting up",
		"the database system is shutting down",
		"cannot connect now",
		"too many clients already",
		"deadlock detected",
		"could not serialize access",
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	return false
}
