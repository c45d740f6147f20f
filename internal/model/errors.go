package model

import "errors"

var (
	// ErrNotFound is returned when an aggregate does not exist in storage.
	ErrNotFound = errors.New("not found")
	// ErrInvalidSheet is returned when a pricing sheet fails validation.
	ErrInvalidSheet = errors.New("invalid pricing sheet")
)
