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

// Package human implements the Operator contract by writing
// instructions.md and schema.json into the attempt directory and
// waiting on a human-authored response.json.
package human

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
	operator.RegisterFactory(wiring.KindHuman, func(entry wiring.Entry) (operator.Operator, error) {
		return New(), nil
	})
}

// responseEnvelope is the response.json schema shared with experiment.
type responseEnvelope struct {
	Status string         `json:"status"`
	Data   map[string]any `json:"data,omitempty"`
	Reason string         `json:"reason,omitempty"`
}

// Operator drives the human-review file-exchange protocol.
type Operator struct{}

// New returns a ready-to-use human Operator.
func New() *Operator { return &Operator{} }

// Prepare writes instructions.md and schema.json describing what a
// reviewer needs to produce.
func (o *Operator) Prepare(ctx context.Context, h *operator.Handle) error {
	dir := h.AttemptDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("human: create attempt dir: %w", err)
	}
	instructions := fmt.Sprintf("# Review required for task %s\n\n%s\n\nWrite your answer to response.json in this directory.\n", h.TaskID, h.Command)
	if err := os.WriteFile(filepath.Join(dir, "instructions.md"), []byte(instructions), 0o644); err != nil {
		return fmt.Errorf("human: write instructions.md: %w", err)
	}
	schema := `{"type":"object","required":["status"],"properties":{"status":{"enum":["success","failed"]},"data":{"type":"object"},"reason":{"type":"string"}}}`
	if err := os.WriteFile(filepath.Join(dir, "schema.json"), []byte(schema), 0o644); err != nil {
		return fmt.Errorf("human: write schema.json: %w", err)
	}
	return nil
}

// Submit marks the attempt as awaiting a human response. Idempotent.
func (o *Operator) Submit(ctx context.Context, h *operator.Handle) error {
	if h.ExternalID != "" {
		return nil
	}
	h.ExternalID = "awaiting-response:" + h.AttemptID
	return nil
}

// Check looks for response.json. Its absence is in-progress, not an
// error; a malformed response is a definite manifest validation failure.
func (o *Operator) Check(ctx context.Context, h *operator.Handle) (operator.ExternalStatus, error) {
	dir := h.AttemptDir()
	path := filepath.Join(dir, "response.json")

	ready, err := filewatch.Await(ctx, dir, "response.json")
	if err != nil {
		return "", fmt.Errorf("human: %w", err)
	}
	if !ready {
		return operator.ExternalRunning, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return operator.ExternalRunning, nil
	}
	if err != nil {
		return "", fmt.Errorf("human: read response.json: %w", err)
	}

	var resp responseEnvelope
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", &matterrors.ManifestValidationError{Path: path, Reason: "response.json is not valid JSON"}
	}
	switch resp.Status {
	case "success":
		return operator.ExternalCompletedOK, nil
	case "failed":
		return operator.ExternalFailed, nil
	default:
		return "", &matterrors.ManifestValidationError{Path: path, Reason: fmt.Sprintf("unrecognized status %q", resp.Status)}
	}
}

// Collect copies response.json, unchanged, into outputs/response.json.
func (o *Operator) Collect(ctx context.Context, h *operator.Handle) error {
	dir := h.AttemptDir()
	data, err := os.ReadFile(filepath.Join(dir, "response.json"))
	if err != nil {
		return fmt.Errorf("human: read response.json for collect: %w", err)
	}
	outputsDir := filepath.Join(dir, "outputs")
	if err := os.MkdirAll(outputsDir, 0o755); err != nil {
		return fmt.Errorf("human: create outputs dir: %w", err)
	}
	return os.WriteFile(filepath.Join(outputsDir, "response.json"), data, 0o644)
}
