package cluegraph

import "errors"

var (
	// ErrEmptyQuery is returned when a search is issued with an empty query.
	ErrEmptyQuery = errors.New("cluegraph: empty query")

	// ErrNoSourceScopes is returned when a search names no source config ids.
	ErrNoSourceScopes = errors.New("cluegraph: no source config ids")

	// ErrInvalidConfig is returned for invalid configuration values.
	ErrInvalidConfig = errors.New("cluegraph: invalid configuration")
)
