// Copyright (C) 2023  Luke Shumaker <lukeshu@lukeshu.com>
//
// SPDX-License-Identifier: GPL-2.0-or-later

// Package remapjob owns the lifecycle of a remap job: the job
// directory and its lock, the persisted artifacts, and the dispatch
// sequence that wires extent acquisition, planning, storage
// construction, and execution together.
package remapjob

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/datawire/dlib/dlog"
	"golang.org/x/sys/unix"

	"git.lukeshu.com/fsremap-ng/lib/remap/remapsave"
)

// DefaultRoot is where job directories are allocated unless the user
// says otherwise.
const DefaultRoot = ".fstransform"

// Meta is the job metadata persisted as job.json, so that `fsremap
// resume JOB_DIR` needs no further arguments.
type Meta struct {
	DevicePath   string
	LoopFilePath string
	ZeroFilePath string

	// RequestedStorage bounds the staging area in bytes; the
	// planner uses at most min(this, what the conflicting moves
	// demand), so 0 forbids staging entirely.
	RequestedStorage int64
	// StorageSizeExact is set once a plan exists: from then on
	// the storage geometry must be honored exactly on resume.
	StorageSizeExact bool
}

// Job is a locked job directory.
type Job struct {
	Dir  string
	Meta Meta

	lock *os.File
}

// Create allocates <root>/job.<N> for the first N whose mkdir
// succeeds, locks it, and persists meta.
func Create(ctx context.Context, root string, meta Meta) (*Job, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("job: mkdir %q: %w", root, err)
	}
	for id := uint(1); ; id++ {
		dir := filepath.Join(root, fmt.Sprintf("job.%d", id))
		switch err := os.Mkdir(dir, 0o700); {
		case err == nil:
			job := &Job{Dir: dir, Meta: meta}
			if err := job.init(); err != nil {
				return nil, err
			}
			if err := remapsave.WriteJSONFile(job.Path(remapsave.JobFile), job.Meta); err != nil {
				_ = job.Close()
				return nil, err
			}
			dlog.Infof(ctx, "started job %d (%q)", id, dir)
			return job, nil
		case os.IsExist(err):
			continue
		default:
			return nil, fmt.Errorf("job: mkdir %q: %w", dir, err)
		}
	}
}

// Open locks an existing job directory and loads its metadata, for
// resume.
func Open(ctx context.Context, dir string) (*Job, error) {
	meta, err := remapsave.ReadJSONFile[Meta](filepath.Join(dir, remapsave.JobFile))
	if err != nil {
		return nil, fmt.Errorf("job: %q does not look like a job directory: %w", dir, err)
	}
	job := &Job{Dir: dir, Meta: meta}
	if err := job.init(); err != nil {
		return nil, err
	}
	dlog.Infof(ctx, "resuming job %q", dir)
	return job, nil
}

// init takes the exclusive flock that keeps two jobs off the same
// directory (and, transitively, the same device) at once.  The lock
// is held until Close.
func (job *Job) init() error {
	fh, err := os.OpenFile(job.Path(remapsave.LockFile), os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return fmt.Errorf("job: lock %q: %w", job.Dir, err)
	}
	if err := unix.Flock(int(fh.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = fh.Close()
		return fmt.Errorf("job: %q is in use by another process: %w", job.Dir, err)
	}
	job.lock = fh
	return nil
}

// Path returns the path of a named artifact within the job dir.
func (job *Job) Path(name string) string {
	return filepath.Join(job.Dir, name)
}

// HasArtifact reports whether a named artifact exists.
func (job *Job) HasArtifact(name string) bool {
	_, err := os.Stat(job.Path(name))
	return err == nil
}

// SaveMeta rewrites job.json.
func (job *Job) SaveMeta() error {
	return remapsave.WriteJSONFile(job.Path(remapsave.JobFile), job.Meta)
}

func (job *Job) Close() error {
	if job.lock == nil {
		return nil
	}
	err := job.lock.Close()
	job.lock = nil
	return err
}
