// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package lockfile implements the run-scoped advisory lock that guards
// exclusive access to a run's State Store. At most one process may hold
// a run's lock at a time; a second process attempting acquisition fails
// immediately rather than waiting.
package lockfile

import (
	"fmt"
	"os"
	"strconv"
	"syscall"

	"github.com/google/uuid"

	matterrors "github.com/matterstack/matterstack/pkg/errors"
)

// Lock represents a held advisory lock on a run's lock file.
type Lock struct {
	file *os.File
	path string
}

// Acquire attempts to take an exclusive, non-blocking lock on the file at
// path, creating it if it does not already exist. If another process
// already holds the lock, Acquire returns a *matterrors.LockHeldError
// immediately; it never waits.
//
// runID is recorded in the error for diagnostics only and has no effect
// on locking behavior.
func Acquire(path, runID string) (*Lock, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("lockfile: open %s: %w", path, err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		holder := readHolder(file)
		file.Close()
		return nil, &matterrors.LockHeldError{RunID: runID, Holder: holder}
	}

	if err := writeHolder(file); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("lockfile: write holder: %w", err)
	}

	return &Lock{file: file, path: path}, nil
}

// Release drops the lock and closes the underlying file. Release is
// idempotent; calling it more than once is a no-op after the first call.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	f := l.file
	l.file = nil

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN); err != nil {
		f.Close()
		return fmt.Errorf("lockfile: unlock %s: %w", l.path, err)
	}
	return f.Close()
}

// Path returns the path of the lock file backing l.
func (l *Lock) Path() string {
	return l.path
}

// writeHolder truncates the lock file and writes this process's pid plus
// a random instance id, for the benefit of a future contender that wants
// a human-readable holder. The pid alone is not a reliable disambiguator
// across container restarts, where pid 1 is reused immediately; the
// instance id has no ordering requirement, just global uniqueness.
func writeHolder(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	holder := "pid:" + strconv.Itoa(os.Getpid()) + ":" + uuid.NewString()
	_, err := f.WriteString(holder + "\n")
	return err
}

// readHolder best-effort reads a holder identifier left by whichever
// process currently holds the lock. Returns "" if unavailable.
func readHolder(f *os.File) string {
	buf := make([]byte, 64)
	n, err := f.ReadAt(buf, 0)
	if err != nil && n == 0 {
		return ""
	}
	s := string(buf[:n])
	for i, c := range s {
		if c == '\n' {
			return s[:i]
		}
	}
	return s
}
