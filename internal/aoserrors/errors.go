// Package aoserrors defines the error taxonomy shared by the node agent
// components. Collaborator failures are wrapped with fmt.Errorf("%w") so
// callers can match them with errors.Is.
package aoserrors

import "errors"

var (
	// ErrNotFound is returned on lookups of instances or services that
	// do not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned on duplicate registration where upsert
	// semantics are not allowed.
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidArgument is returned on shape mismatches, e.g. differing
	// disk partition counts.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNoMemory is returned when a fixed-capacity container is exhausted.
	ErrNoMemory = errors.New("not enough capacity")

	// ErrNotSupported is returned for unimplemented capabilities.
	ErrNotSupported = errors.New("not supported")

	// ErrWrongState is returned when an operation is rejected because the
	// component is in a state that does not allow it, e.g. a reconciliation
	// requested while another one is still in flight.
	ErrWrongState = errors.New("wrong state")
)
