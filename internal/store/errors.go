package store

import (
	"errors"
	"fmt"
)

// ErrQueryFailed marks read queries that failed rather than found nothing.
var ErrQueryFailed = errors.New("query failed")

// NotFoundError is returned when an external identifier was never seeded.
type NotFoundError struct {
	Kind       string // "station" or "parameter"
	ExternalID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ExternalID)
}

// IsNotFound reports whether err wraps a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
