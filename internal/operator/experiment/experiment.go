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

// Package experiment implements the Operator contract for external
// laboratory instruments: a request/response file-exchange protocol
// identical to the human package's, but distinguished by filename and
// kind for UX.
package experiment

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/matterstack/matterstack/internal/operator"
	"github.com/matterstack/matterstack/internal/operator/filewatch"
	"github.com/matterstack/matterstack/internal/wiring"
	matterrors "github.com/matterstack/matterstack/pkg/errors"
)

func init() {
	operator.RegisterFactory(wiring.KindExperiment, func(entry wiring.Entry) (operator.Operator, error) {
		return New(), nil
	})
}

type request struct {
	Procedure  string         `json:"procedure"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

type result struct {
	Status string         `json:"status"`
	Data   map[string]any `json:"data,omitempty"`
	Reason string         `json:"reason,omitempty"`
}

// Operator drives the experiment-instrument file-exchange protocol.
type Operator struct{}

// New returns a ready-to-use experiment Operator.
func New() *Operator { return &Operator{} }

// Prepare writes experiment_request.json describing the procedure to run.
func (o *Operator) Prepare(ctx context.Context, h *operator.Handle) error {
	dir := h.AttemptDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("experiment: create attempt dir: %w", err)
	}
	req := request{Procedure: h.Command, Parameters: h.OperatorData}
	data, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return fmt.Errorf("experiment: marshal request: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, "experiment_request.json"), data, 0o644)
}

// Submit marks the attempt as dispatched to the instrument. Idempotent.
func (o *Operator) Submit(ctx context.Context, h *operator.Handle) error {
	if h.ExternalID != "" {
		return nil
	}
	h.ExternalID = "awaiting-result:" + h.AttemptID
	return nil
}

// Check looks for experiment_result.json.
func (o *Operator) Check(ctx context.Context, h *operator.Handle) (operator.ExternalStatus, error) {
	dir := h.AttemptDir()
	path := filepath.Join(dir, "experiment_result.json")

	ready, err := filewatch.Await(ctx, dir, "experiment_result.json")
	if err != nil {
		return "", fmt.Errorf("experiment: %w", err)
	}
	if !ready {
		return operator.ExternalRunning, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return operator.ExternalRunning, nil
	}
	if err != nil {
		return "", fmt.Errorf("experiment: read experiment_result.json: %w", err)
	}

	var res result
	if err := json.Unmarshal(data, &res); err != nil {
		return "", &matterrors.ManifestValidationError{Path: path, Reason: "experiment_result.json is not valid JSON"}
	}
	switch res.Status {
	case "success":
		return operator.ExternalCompletedOK, nil
	case "failed":
		return operator.ExternalFailed, nil
	default:
		return "", &matterrors.ManifestValidationError{Path: path, Reason: fmt.Sprintf("unrecognized status %q", res.Status)}
	}
}

// Collect copies experiment_result.json into outputs/.
func (o *Operator) Collect(ctx context.Context, h *operator.Handle) error {
	dir := h.AttemptDir()
	data, err := os.ReadFile(filepath.Join(dir, "experiment_result.json"))
	if err != nil {
		return fmt.Errorf("experiment: read result for collect: %w", err)
	}
	outputsDir := filepath.Join(dir, "outputs")
	if err := os.MkdirAll(outputsDir, 0o755); err != nil {
		return fmt.Errorf("experiment: create outputs dir: %w", err)
	}
	return os.WriteFile(filepath.Join(outputsDir, "experiment_result.json"), data, 0o644)
}
