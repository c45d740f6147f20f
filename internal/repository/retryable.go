package repository

import (
	"context"
	"errors"
	"net"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/jnst/tender-ledger/internal/model"
)

// ErrTransient marks a storage failure worth retrying. Repositories without a
// richer error vocabulary wrap it.
var ErrTransient = errors.New("transient storage failure")

// IsRetryable reports whether a repository error is transient.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, model.ErrNotFound), errors.Is(err, model.ErrInvalidSheet):
		return false
	case errors.Is(err, ErrTransient):
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return retryableSQLState(pgErr.Code)
	}

	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return true
	}

	var netErr net.Error

	return errors.As(err, &netErr)
}

func retryableSQLState(code string) bool {
	switch code {
	case "40001", // serialization_failure
		"40P01", // deadlock_detected
		"53300", // too_many_connections
		"55P03", // lock_not_available
		"57P01": // admin_shutdown
		return true
	}

	// Class 08: connection exception.
	return len(code) == 5 && code[:2] == "08"
}
