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

// Package filewatch gives the human and experiment operators an
// event-driven way to notice a response file landing, in place of a
// hand-rolled stat-in-a-loop poll. A run's operators are rebuilt fresh
// every tick (state.Open/Close brackets each step_run call), so a
// watcher is never kept alive across ticks — Await's watcher lives and
// dies within a single Check call, bounded by WaitTimeout, falling
// back to the next tick's own cadence when nothing arrives in time.
package filewatch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WaitTimeout bounds how long Await blocks listening for a filesystem
// event before giving up and letting the next tick try again.
var WaitTimeout = 50 * time.Millisecond

// Await reports whether filename already exists in dir. If it does
// not, it watches dir for a create or write event naming filename,
// for up to WaitTimeout, then re-checks once more before giving up.
func Await(ctx context.Context, dir, filename string) (bool, error) {
	path := filepath.Join(dir, filename)
	if _, err := os.Stat(path); err == nil {
		return true, nil
	} else if !os.IsNotExist(err) {
		return false, fmt.Errorf("filewatch: stat %s: %w", path, err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return false, fmt.Errorf("filewatch: create watcher: %w", err)
	}
	defer fsw.Close()
	if err := fsw.Add(dir); err != nil {
		return false, fmt.Errorf("filewatch: watch %s: %w", dir, err)
	}

	deadline := time.NewTimer(WaitTimeout)
	defer deadline.Stop()
	for {
		select {
		case event, ok := <-fsw.Events:
			if !ok {
				return statNow(path)
			}
			if filepath.Base(event.Name) == filename && event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				return true, nil
			}
		case werr, ok := <-fsw.Errors:
			if !ok {
				return statNow(path)
			}
			return false, fmt.Errorf("filewatch: watch %s: %w", dir, werr)
		case <-deadline.C:
			return statNow(path)
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

// statNow re-checks path directly, covering the race where the file
// landed between the initial stat and the watcher's Add call.
func statNow(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return true, nil
	} else if !os.IsNotExist(err) {
		return false, fmt.Errorf("filewatch: stat %s: %w", path, err)
	}
	return false, nil
}
