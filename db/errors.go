package db

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	poflow "poflow.merchantry.io/common"
)

// ErrNotFound is returned by store lookups when no row matches. Callers
// branch on it with errors.Is.
var ErrNotFound = errors.New("not found")

// SQLSTATE codes the gateway recognizes.
const (
	codeUniqueViolation     = "23505"
	codeInFailedTransaction = "25P02"
)

// transientCodes are engine conditions worth a fresh attempt: connection
// loss (class 08), server shutdown/startup (57P01-57P03), pool pressure
// (53300), and retryable concurrency failures (40001, 40P01).
var transientCodes = map[string]bool{
	"08000": true,
	"08001": true,
	"08003": true,
	"08004": true,
	"08006": true,
	"57P01": true,
	"57P02": true,
	"57P03": true,
	"53300": true,
	"40001": true,
	"40P01": true,
}

// classify tags err with an error kind so the retry wrapper and the
// orchestrator can decide without string matching. Already-classified
// errors and not-found results pass through untouched.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if poflow.KindOf(err) != poflow.KindUnknown {
		return err
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, pgx.ErrNoRows) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == codeUniqueViolation:
			return poflow.Conflict("db", err)
		case pgErr.Code == codeInFailedTransaction:
			// Resolution code touched an aborted transaction; the caller
			// must roll back before issuing anything else.
			return poflow.Conflict("db.failedtx", err)
		case transientCodes[pgErr.Code]:
			return poflow.Transient("db", err)
		default:
			return err
		}
	}

	if pgconn.SafeToRetry(err) {
		return poflow.Transient("db", err)
	}

	var netErr net.Error
	switch {
	case errors.As(err, &netErr),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, context.DeadlineExceeded):
		return poflow.Transient("db", err)
	}

	return err
}

// IsUniqueViolation reports whether err is a unique-constraint violation,
// before or after classification.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation
}

// IsInFailedTransaction reports whether err means a command was issued on
// an already-aborted transaction.
func IsInFailedTransaction(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == codeInFailedTransaction
}

// ConstraintName extracts the violated constraint from a unique violation,
// or "" when err is no constraint error.
func ConstraintName(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.ConstraintName
	}
	return ""
}
