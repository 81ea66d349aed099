package errors

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// FromPG classifies a pgx error. Connection-level failures become
// CodeUnavailable so callers know a retry with backoff may help; everything
// else passes through unchanged.
func FromPG(err error) error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return err
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || pgconn.Timeout(err) {
		return New(CodeUnavailable,
			WithMessagef("backing store unavailable"),
			WithCause(err))
	}

	return err
}
