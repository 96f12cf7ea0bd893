// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of timeless.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package schema

import "errors"

// The error taxonomy of the storage core. Callers match with
// errors.Is; packages wrap these with context via fmt.Errorf and %w.
var (
	// Malformed metric name, NaN value or non-positive timestamp.
	ErrInvalidInput = errors.New("invalid input")

	// The bounded write buffer is full; the caller may retry.
	ErrBackpressure = errors.New("write buffer full")

	// A tier chunk failed its consistency checks on read.
	ErrCorruptChunk = errors.New("corrupt tier chunk")

	// A segment file failed its consistency checks on read.
	ErrCorruptSegment = errors.New("corrupt segment")

	// A WAL record failed its CRC during recovery.
	ErrCorruptWAL = errors.New("corrupt WAL record")

	// A query exceeded its deadline; partial results are discarded.
	ErrTimeout = errors.New("query deadline exceeded")

	// Incompatible configuration for an existing store.
	ErrConfig = errors.New("invalid configuration")
)
