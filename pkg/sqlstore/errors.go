package sqlstore

import (
	"context"
	"errors"
	"strings"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrorKind is the user-facing classification of a pipeline failure.
type ErrorKind string

const (
	KindPermission ErrorKind = "permission_error"
	KindNotFound   ErrorKind = "data_not_found"
	KindTimeout    ErrorKind = "timeout"
	KindExecution  ErrorKind = "execution_error"
	KindGeneration ErrorKind = "generation_error"
	KindValidation ErrorKind = "validation_error"
	KindRateLimit  ErrorKind = "rate_limit"
)

// Correctable reports whether an LLM rewrite is worth attempting for kind.
func (k ErrorKind) Correctable() bool {
	return k == KindExecution || k == KindValidation
}

// ClickHouse server error codes.
const (
	chUnknownTable    = 60
	chUnknownDatabase = 81
	chTimeoutExceeded = 159
	chNotEnoughRights = 497
	chAccessDenied    = 291
)

// Classify maps a store error to an ErrorKind. Errors it cannot place are
// execution errors.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "57014":
			return KindTimeout
		case pgErr.Code == "42501", strings.HasPrefix(pgErr.Code, "28"):
			return KindPermission
		case pgErr.Code == "42P01", pgErr.Code == "3F000", pgErr.Code == "3D000":
			return KindNotFound
		}
		return KindExecution
	}

	var chErr *clickhouse.Exception
	if errors.As(err, &chErr) {
		switch chErr.Code {
		case chTimeoutExceeded:
			return KindTimeout
		case chNotEnoughRights, chAccessDenied:
			return KindPermission
		case chUnknownTable, chUnknownDatabase:
			return KindNotFound
		}
		return KindExecution
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "timed out"):
		return KindTimeout
	case strings.Contains(msg, "permission denied"), strings.Contains(msg, "access denied"):
		return KindPermission
	case strings.Contains(msg, "not found"), strings.Contains(msg, "does not exist"):
		return KindNotFound
	}
	return KindExecution
}

// Error carries a classified failure through the pipeline.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of the first *Error in err's chain, falling back
// to Classify.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Classify(err)
}
