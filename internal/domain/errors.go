package domain

import "errors"

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrLeaseLost means another worker holds (or finished) the record.
	ErrLeaseLost = errors.New("lease lost")

	// ErrPermanent marks a delivery failure that retrying cannot fix
	// (invalid payload, content rejected by the provider).
	ErrPermanent = errors.New("permanent delivery failure")

	// ErrInvalidFlow is returned for flow definitions rejected by the catalog.
	ErrInvalidFlow = errors.New("invalid flow definition")
)
