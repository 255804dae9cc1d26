package postgres

import (
	"errors"

	"github.com/lib/pq"
)

const (
	pqUniqueViolation   = "23505"
	pqInvalidTextFormat = "22P02"
)

// IsUniqueViolation checks if an error is a PostgreSQL unique constraint violation.
// An empty constraint matches any unique violation.
func IsUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}

	if string(pqErr.Code) != pqUniqueViolation {
		return false
	}

	return constraint == "" || pqErr.Constraint == constraint
}

// isInvalidText reports a value the column type could not parse, such as a
// malformed uuid.
func isInvalidText(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == pqInvalidTextFormat
}
