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

package campaign

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// stateFileName is the canonical name under which a run's opaque
// campaign state blob is persisted, one level below the run root.
const stateFileName = "campaign_state.json"

// LoadState reads the run's persisted campaign state. A missing file
// is not an error: it means no plan() call has returned state yet, so
// the zero value (JSON null) is handed to the campaign's first Plan.
func LoadState(runRoot string) (json.RawMessage, error) {
	data, err := os.ReadFile(filepath.Join(runRoot, stateFileName))
	if os.IsNotExist(err) {
		return json.RawMessage("null"), nil
	}
	if err != nil {
		return nil, fmt.Errorf("campaign: read state: %w", err)
	}
	return json.RawMessage(data), nil
}

// SaveState persists state as the run's campaign state blob. Writes
// are whole-file replacements; the engine only ever calls this while
// holding the run lock.
func SaveState(runRoot string, state json.RawMessage) error {
	if len(state) == 0 {
		state = json.RawMessage("null")
	}
	tmp := filepath.Join(runRoot, stateFileName+".tmp")
	if err := os.WriteFile(tmp, state, 0o644); err != nil {
		return fmt.Errorf("campaign: write state: %w", err)
	}
	return os.Rename(tmp, filepath.Join(runRoot, stateFileName))
}
