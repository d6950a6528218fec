package repository

import (
	stderrors "errors"
	"fmt"
)

// ErrNotFound is returned when an item does not exist.
type ErrNotFound struct {
	Table string
	PK    string
	SK    string
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("item %s/%s not found in %s", e.PK, e.SK, e.Table)
}

// IsNotFound checks if an error is a repository not found error.
func IsNotFound(err error) bool {
	var nf ErrNotFound
	return stderrors.As(err, &nf)
}

// ErrInvalidQuery represents an invalid query error in the repository layer.
type ErrInvalidQuery struct {
	Field  string // The field that caused the invalid query
	Reason string // The reason why the query is invalid
}

func (e ErrInvalidQuery) Error() string {
	return fmt.Sprintf("invalid query for field '%s': %s", e.Field, e.Reason)
}

// IsInvalidQuery checks if an error is a repository invalid query error.
func IsInvalidQuery(err error) bool {
	var iq ErrInvalidQuery
	return stderrors.As(err, &iq)
}

// NewInvalidQuery creates a new ErrInvalidQuery.
func NewInvalidQuery(field, reason string) ErrInvalidQuery {
	return ErrInvalidQuery{Field: field, Reason: reason}
}
