// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package remap

import (
	"errors"
)

// Error kinds shared by the remap packages.  Failures wrap one of
// these (match with errors.Is) together with the operation context.
var (
	// ErrAlreadyOpen means a subsystem was initialized twice
	// without a shutdown in between; a caller bug.
	ErrAlreadyOpen = errors.New("already open")
	// ErrNotOpen means an operation was attempted before
	// initialization; a caller bug.
	ErrNotOpen = errors.New("not open")
	// ErrOverflow means a length or address calculation exceeds
	// the representable range.
	ErrOverflow = errors.New("arithmetic overflow")
	// ErrMisalignment means an extent endpoint is not divisible
	// by the effective block size.
	ErrMisalignment = errors.New("misaligned extent")
	// ErrUnexpectedFixedMapping means the OS ignored a
	// fixed-address mmap request.
	ErrUnexpectedFixedMapping = errors.New("mmap violated fixed-address request")
	// ErrInsufficientStorage means the planner cannot make
	// progress with the given storage allowance.
	ErrInsufficientStorage = errors.New("insufficient storage to relocate all extents")
	// ErrUnsupportedFileType means the tree mover encountered a
	// file type it cannot re-create.
	ErrUnsupportedFileType = errors.New("unsupported file type")
)
