package deployment

import "errors"

// ErrNotFound is returned when no record exists for a deployment id.
var ErrNotFound = errors.New("deployment not found")

// ErrAlreadyExists is returned when creating a record whose id is taken.
var ErrAlreadyExists = errors.New("deployment already exists")

// ErrStateChanged is returned when a guarded write observes a state other
// than the one the caller loaded. The caller no longer owns the record and
// must stop writing.
var ErrStateChanged = errors.New("deployment state changed")

// ErrTerminal is returned when a write targets a record already in a
// terminal state.
var ErrTerminal = errors.New("deployment is terminal")
