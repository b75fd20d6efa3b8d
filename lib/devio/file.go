// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package devio implements positional I/O over devices and files,
// generic over the address type, plus the raw memory-mapping
// primitives that the storage window is built from.
package devio

import (
	"io"
	"os"
)

type File[A ~int64] interface {
	Name() string
	Size() A
	Close() error
	ReadAt(p []byte, off A) (n int, err error)
	WriteAt(p []byte, off A) (n int, err error)
}

// Syncer is implemented by Files whose writes can be flushed to
// stable storage.
type Syncer interface {
	Sync() error
}

type assertAddr int64

var (
	_ io.WriterAt = File[int64](nil)
	_ io.ReaderAt = File[int64](nil)
)

// OSFile makes an *os.File usable as a File[A].
type OSFile[A ~int64] struct {
	*os.File
}

var (
	_ File[assertAddr] = (*OSFile[assertAddr])(nil)
	_ Syncer           = (*OSFile[assertAddr])(nil)
)

func (f *OSFile[A]) Size() A {
	fi, err := f.Stat()
	if err != nil {
		return 0
	}
	return A(fi.Size())
}

func (f *OSFile[A]) ReadAt(dat []byte, off A) (int, error) {
	return f.File.ReadAt(dat, int64(off))
}

func (f *OSFile[A]) WriteAt(dat []byte, off A) (int, error) {
	return f.File.WriteAt(dat, int64(off))
}
