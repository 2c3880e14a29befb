package store

import "errors"

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrPreKeyConsumed is returned when a compare-and-swap consumption races
// with a prior consumer or targets an already-consumed prekey.
var ErrPreKeyConsumed = errors.New("prekey already consumed")
