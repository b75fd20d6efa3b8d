// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

package devio

import (
	"git.lukeshu.com/fsremap-ng/lib/containers"
)

type bufferedBlock struct {
	Dat []byte
	Err error
}

// BufferedFile caches aligned blocks of the inner file on the read
// path.  Writes go straight through to the inner file and invalidate
// any cached copy, so the cache never holds dirty data and eviction
// is always safe.
type BufferedFile[A ~int64] struct {
	inner      File[A]
	blockSize  A
	blockCache *containers.LRUCache[A, bufferedBlock]
}

var (
	_ File[assertAddr] = (*BufferedFile[assertAddr])(nil)
	_ Syncer           = (*BufferedFile[assertAddr])(nil)
)

func NewBufferedFile[A ~int64](file File[A], blockSize A, cacheSize int) *BufferedFile[A] {
	return &BufferedFile[A]{
		inner:      file,
		blockSize:  blockSize,
		blockCache: containers.NewLRUCache[A, bufferedBlock](cacheSize),
	}
}

func (bf *BufferedFile[A]) Name() string { return bf.inner.Name() }
func (bf *BufferedFile[A]) Size() A      { return bf.inner.Size() }
func (bf *BufferedFile[A]) Close() error { return bf.inner.Close() }

func (bf *BufferedFile[A]) Sync() error {
	if syncer, ok := bf.inner.(Syncer); ok {
		return syncer.Sync()
	}
	return nil
}

func (bf *BufferedFile[A]) ReadAt(dat []byte, off A) (int, error) {
	done := 0
	for done < len(dat) {
		n, err := bf.maybeShortReadAt(dat[done:], off+A(done))
		done += n
		if err != nil {
			return done, err
		}
	}
	return done, nil
}

func (bf *BufferedFile[A]) maybeShortReadAt(dat []byte, off A) (int, error) {
	offsetWithinBlock := off % bf.blockSize
	blockOffset := off - offsetWithinBlock

	block, ok := bf.blockCache.Get(blockOffset)
	if !ok {
		// The last block of the file may be shorter than blockSize.
		size := bf.blockSize
		if rest := bf.inner.Size() - blockOffset; rest > 0 && rest < size {
			size = rest
		}
		block.Dat = make([]byte, size)
		var n int
		n, block.Err = bf.inner.ReadAt(block.Dat, blockOffset)
		block.Dat = block.Dat[:n]
		bf.blockCache.Add(blockOffset, block)
	}

	n := copy(dat, block.Dat[min(int64(offsetWithinBlock), int64(len(block.Dat))):])
	if n < len(dat) {
		return n, block.Err
	}
	return n, nil
}

func (bf *BufferedFile[A]) WriteAt(dat []byte, off A) (int, error) {
	n, err := bf.inner.WriteAt(dat, off)

	// Invalidate every cached block the write touched.
	for blockOffset := off - off%bf.blockSize; blockOffset < off+A(n); blockOffset += bf.blockSize {
		bf.blockCache.Remove(blockOffset)
	}

	return n, err
}

func min(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
