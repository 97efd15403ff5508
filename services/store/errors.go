// Copyright (C) 2025 OpenWorld Energy (oss@openworld.energy)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"errors"
	"fmt"
)

// ErrInvalidRecord is returned when a record violates a store invariant at
// write time. The record is rejected and reported to the caller, never
// retried or silently dropped.
var ErrInvalidRecord = errors.New("invalid record")

// ErrIO is returned when the durable log cannot be read or written. The
// store's observable state is unchanged: log and index either both advance
// or neither does, so the caller may retry the append.
var ErrIO = errors.New("store I/O failure")

// ErrClosed is returned for operations on a closed store.
var ErrClosed = errors.New("store is closed")

func errInvalid(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidRecord, msg)
}

func errInvalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRecord, fmt.Sprintf(format, args...))
}

func errIO(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrIO, err)
}
