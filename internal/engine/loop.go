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

package engine

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	matterlog "github.com/matterstack/matterstack/internal/log"
	"github.com/matterstack/matterstack/internal/state"
	matterrors "github.com/matterstack/matterstack/pkg/errors"
)

// RunUntilCompletion ticks a single run at tickInterval until its
// status becomes terminal. A PAUSED run keeps ticking — POLL and
// ANALYZE still make progress, EXECUTE is simply a no-op for the
// duration — so the loop only needs to watch for Terminal().
func RunUntilCompletion(ctx context.Context, h *RunHandle, deps Deps, tickInterval time.Duration) error {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		if err := StepRun(ctx, h, deps); err != nil {
			return err
		}
		status, err := peekRunStatus(ctx, h)
		if err != nil {
			return err
		}
		if status.Terminal() {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func peekRunStatus(ctx context.Context, h *RunHandle) (state.RunStatus, error) {
	store, err := state.Open(ctx, h.RunRoot, h.RunID)
	if err != nil {
		return "", err
	}
	defer store.Close()
	return store.GetRunStatus(ctx, h.RunID)
}

// RunDaemon drives every active run under runsRoot in randomized
// round-robin, one StepRun tick each, forever (until ctx is
// cancelled). A run already locked by another process (another daemon,
// a concurrent manual "step" invocation) is skipped for this pass
// rather than blocking the whole round.
func RunDaemon(ctx context.Context, runsRoot string, deps Deps, tickInterval time.Duration) error {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	logger := deps.logger()

	for {
		if err := stepAllActiveRuns(ctx, runsRoot, deps, logger); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func stepAllActiveRuns(ctx context.Context, runsRoot string, deps Deps, logger *slog.Logger) error {
	runIDs, err := listRunDirs(runsRoot)
	if err != nil {
		return err
	}
	rand.Shuffle(len(runIDs), func(i, j int) { runIDs[i], runIDs[j] = runIDs[j], runIDs[i] })

	for _, runID := range runIDs {
		h := &RunHandle{RunID: runID, RunRoot: filepath.Join(runsRoot, runID)}
		if terminal, err := runIsTerminal(ctx, h); err != nil {
			var lockErr *matterrors.LockHeldError
			if errors.As(err, &lockErr) {
				matterlog.WithRun(logger, runID).Debug("skipping run held by another process")
				continue
			}
			return err
		} else if terminal {
			continue
		}

		if err := StepRun(ctx, h, deps); err != nil {
			var lockErr *matterrors.LockHeldError
			if errors.As(err, &lockErr) {
				matterlog.WithRun(logger, runID).Debug("skipping run held by another process")
				continue
			}
			return err
		}
	}
	return nil
}

// runIsTerminal peeks a run's status under its own lock, just long
// enough to decide whether stepAllActiveRuns should bother with it this
// pass. Every run under runsRoot owns an independent state.db, so there
// is no shared table to query across runs.
func runIsTerminal(ctx context.Context, h *RunHandle) (bool, error) {
	store, err := state.Open(ctx, h.RunRoot, h.RunID)
	if err != nil {
		return false, err
	}
	defer store.Close()
	status, err := store.GetRunStatus(ctx, h.RunID)
	if err != nil {
		return false, err
	}
	return status.Terminal(), nil
}

// listRunDirs enumerates the run_id directories directly under
// runsRoot, each one a distinct run created by InitializeRun.
func listRunDirs(runsRoot string) ([]string, error) {
	entries, err := os.ReadDir(runsRoot)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}
