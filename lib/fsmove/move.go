// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package fsmove recursively moves a filesystem tree: regular files,
// directories, symlinks, devices, sockets, and FIFOs, preserving
// ownership, permissions, timestamps, and sparseness.  Metadata
// failures are warnings; content failures are errors.
package fsmove

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/datawire/dlib/dlog"
	"golang.org/x/sys/unix"

	"git.lukeshu.com/fsremap-ng/lib/linux"
	"git.lukeshu.com/fsremap-ng/lib/remap"
	"git.lukeshu.com/fsremap-ng/lib/textui"
)

// Move moves the tree at sourceRoot to targetRoot.  A plain rename is
// tried first; when source and target are on different filesystems
// (the usual case) it falls back to a recursive copy-and-delete.
func Move(ctx context.Context, sourceRoot, targetRoot string) error {
	if err := os.Rename(sourceRoot, targetRoot); err == nil {
		return nil
	}
	// Permissions are restored explicitly on every entry; don't
	// let the umask fight that.
	unix.Umask(0)
	return move(ctx, sourceRoot, targetRoot)
}

func move(ctx context.Context, source, target string) error {
	dlog.Debugf(ctx, "move %q -> %q", source, target)
	var st unix.Stat_t
	if err := unix.Lstat(source, &st); err != nil {
		return fmt.Errorf("lstat %q: %w", source, err)
	}
	mode := linux.StatMode(st.Mode)
	switch mode.Fmt() {
	case linux.ModeFmtRegular:
		return moveFile(ctx, source, &st, target)
	case linux.ModeFmtDir:
		return moveDir(ctx, source, &st, target)
	case linux.ModeFmtSymlink:
		return moveSymlink(ctx, source, &st, target)
	case linux.ModeFmtCharDevice, linux.ModeFmtBlockDevice, linux.ModeFmtNamedPipe, linux.ModeFmtSocket:
		return moveSpecial(ctx, source, &st, target)
	default:
		dlog.Warnf(ctx, "skipping %q (%v): %v", source, mode, remap.ErrUnsupportedFileType)
		return nil
	}
}

func moveDir(ctx context.Context, source string, st *unix.Stat_t, target string) error {
	if err := os.Mkdir(target, fs.FileMode(linux.StatMode(st.Mode)&linux.ModePerm)); err != nil && !os.IsExist(err) {
		return fmt.Errorf("mkdir %q: %w", target, err)
	}
	entries, err := os.ReadDir(source)
	if err != nil {
		return fmt.Errorf("readdir %q: %w", source, err)
	}
	for _, entry := range entries {
		if err := move(ctx, filepath.Join(source, entry.Name()), filepath.Join(target, entry.Name())); err != nil {
			return err
		}
	}
	restoreMeta(ctx, target, st)
	if err := os.Remove(source); err != nil {
		return fmt.Errorf("rmdir %q: %w", source, err)
	}
	return nil
}

func moveFile(ctx context.Context, source string, st *unix.Stat_t, target string) error {
	src, err := os.Open(source)
	if err != nil {
		return err
	}
	defer func() {
		_ = src.Close()
	}()
	dst, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC,
		fs.FileMode(linux.StatMode(st.Mode)&linux.ModePerm))
	if err != nil {
		return err
	}
	defer func() {
		_ = dst.Close()
	}()

	if err := copySparse(src, dst, st.Size); err != nil {
		return fmt.Errorf("copy %q -> %q: %w", source, target, err)
	}
	if err := dst.Sync(); err != nil {
		return fmt.Errorf("sync %q: %w", target, err)
	}

	restoreMeta(ctx, target, st)
	if err := os.Remove(source); err != nil {
		return fmt.Errorf("unlink %q: %w", source, err)
	}
	return nil
}

// copySparse copies data runs (probed with SEEK_DATA/SEEK_HOLE) and
// re-creates the holes between them by omission, then sets the final
// size with ftruncate.  Filesystems without hole probing get a plain
// full copy.
func copySparse(src, dst *os.File, size int64) error {
	dataOff, err := unix.Seek(int(src.Fd()), 0, unix.SEEK_DATA)
	if err != nil {
		if errors.Is(err, unix.ENXIO) {
			// wholly sparse
			return dst.Truncate(size)
		}
		if errors.Is(err, unix.EINVAL) || errors.Is(err, unix.ENOTSUP) {
			_, err := io.Copy(dst, src)
			return err
		}
		return err
	}
	buf := make([]byte, textui.Tunable(64*1024))
	for {
		holeOff, err := unix.Seek(int(src.Fd()), dataOff, unix.SEEK_HOLE)
		if err != nil {
			return err
		}
		for pos := dataOff; pos < holeOff; {
			chunk := int64(len(buf))
			if holeOff-pos < chunk {
				chunk = holeOff - pos
			}
			n, err := src.ReadAt(buf[:chunk], pos)
			if err != nil && err != io.EOF {
				return err
			}
			if n == 0 {
				break
			}
			if _, err := dst.WriteAt(buf[:n], pos); err != nil {
				return err
			}
			pos += int64(n)
		}
		dataOff, err = unix.Seek(int(src.Fd()), holeOff, unix.SEEK_DATA)
		if err != nil {
			if errors.Is(err, unix.ENXIO) {
				break
			}
			return err
		}
	}
	return dst.Truncate(size)
}

func moveSymlink(ctx context.Context, source string, st *unix.Stat_t, target string) error {
	linkTarget, err := os.Readlink(source)
	if err != nil {
		return fmt.Errorf("readlink %q: %w", source, err)
	}
	// os.Symlink(oldname, newname): oldname is what the new link
	// points at.
	if err := os.Symlink(linkTarget, target); err != nil {
		return fmt.Errorf("symlink %q: %w", target, err)
	}
	if err := unix.Lchown(target, int(st.Uid), int(st.Gid)); err != nil {
		dlog.Warnf(ctx, "lchown %q: %v", target, err)
	}
	restoreTimes(ctx, target, st)
	if err := os.Remove(source); err != nil {
		return fmt.Errorf("unlink %q: %w", source, err)
	}
	return nil
}

func moveSpecial(ctx context.Context, source string, st *unix.Stat_t, target string) error {
	var err error
	if linux.StatMode(st.Mode).Fmt() == linux.ModeFmtNamedPipe {
		err = unix.Mkfifo(target, st.Mode&uint32(linux.ModePerm))
	} else {
		err = unix.Mknod(target, st.Mode, int(st.Rdev))
	}
	if err != nil {
		return fmt.Errorf("mknod %q: %w", target, err)
	}
	restoreMeta(ctx, target, st)
	if err := os.Remove(source); err != nil {
		return fmt.Errorf("unlink %q: %w", source, err)
	}
	return nil
}

// restoreMeta re-applies ownership, permissions, and timestamps.
// None of these failing is worth abandoning the move over.
func restoreMeta(ctx context.Context, path string, st *unix.Stat_t) {
	if err := unix.Chown(path, int(st.Uid), int(st.Gid)); err != nil {
		dlog.Warnf(ctx, "chown %q: %v", path, err)
	}
	if err := unix.Chmod(path, st.Mode&uint32(linux.ModePerm)); err != nil {
		dlog.Warnf(ctx, "chmod %q: %v", path, err)
	}
	restoreTimes(ctx, path, st)
}

func restoreTimes(ctx context.Context, path string, st *unix.Stat_t) {
	times := []unix.Timespec{
		{Sec: st.Atim.Sec, Nsec: st.Atim.Nsec},
		{Sec: st.Mtim.Sec, Nsec: st.Mtim.Nsec},
	}
	if err := unix.UtimesNanoAt(unix.AT_FDCWD, path, times, unix.AT_SYMLINK_NOFOLLOW); err != nil {
		dlog.Warnf(ctx, "utimes %q: %v", path, err)
	}
}
