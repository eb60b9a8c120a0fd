// Package csync holds types and sentinel errors shared across every
// cloudsync component, so that internal/pkcodec, internal/merge,
// internal/changeview, and friends can speak a common vocabulary without
// importing each other.
package csync

import "errors"

// Sentinel errors for the misuse/constraint/schema/fatal/transport taxonomy.
// Callers use errors.Is against these, never string matching.
var (
	// ErrMisuse covers wrong arity/types at a function boundary and
	// unsupported table shapes rejected by init without mutating state.
	ErrMisuse = errors.New("cloudsync: misuse")

	// ErrConstraint covers a host constraint violation surfaced during merge.
	ErrConstraint = errors.New("cloudsync: constraint violation")

	// ErrSchemaMismatch covers a payload whose schema hash is unknown or
	// incompatible with the local registry.
	ErrSchemaMismatch = errors.New("cloudsync: schema hash mismatch")

	// ErrFatal covers an internal invariant violation.
	ErrFatal = errors.New("cloudsync: internal invariant violated")

	// ErrTransport covers an HTTP-layer failure in internal/transport.
	ErrTransport = errors.New("cloudsync: transport error")
)
