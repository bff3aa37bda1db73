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

package operator

import (
	"fmt"

	"github.com/matterstack/matterstack/internal/wiring"
	matterrors "github.com/matterstack/matterstack/pkg/errors"
)

// Factory constructs an Operator from a wiring entry's kind-specific
// fields. New operator kinds register a factory here; no engine code
// changes.
type Factory func(entry wiring.Entry) (Operator, error)

var factories = map[wiring.Kind]Factory{}

// RegisterFactory installs the constructor for kind. Called from each
// kind subpackage's init().
func RegisterFactory(kind wiring.Kind, factory Factory) {
	factories[kind] = factory
}

// legacyAliases maps historical uppercase single-backend names to the
// canonical operator key they now resolve to.
var legacyAliases = map[string]string{
	"HPC":        "hpc.default",
	"LOCAL":      "local.default",
	"HUMAN":      "human.default",
	"EXPERIMENT": "experiment.default",
}

// Registry is immutable for the duration of a tick: built once from a
// resolved wiring snapshot, then consulted read-only by POLL/EXECUTE.
type Registry struct {
	operators map[string]Operator
}

// NewRegistry parses cfg, instantiates one Operator per entry via the
// kind's registered factory, and returns the resulting immutable
// Registry.
func NewRegistry(cfg *wiring.Config) (*Registry, error) {
	r := &Registry{operators: make(map[string]Operator, len(cfg.Operators))}
	for key, entry := range cfg.Operators {
		factory, ok := factories[entry.Kind]
		if !ok {
			return nil, fmt.Errorf("operator %q: no factory registered for kind %q", key, entry.Kind)
		}
		op, err := factory(entry)
		if err != nil {
			return nil, fmt.Errorf("operator %q: %w", key, err)
		}
		r.operators[key] = op
	}
	return r, nil
}

// Lookup resolves key to an Operator, first by canonical key, then by
// legacy alias. An unresolvable key is deterministic failure material
// for the caller (UnknownOperatorKeyError), never a silent skip.
func (r *Registry) Lookup(key string) (Operator, error) {
	if op, ok := r.operators[key]; ok {
		return op, nil
	}
	if canonical, ok := legacyAliases[key]; ok {
		if op, ok := r.operators[canonical]; ok {
			return op, nil
		}
	}
	return nil, &matterrors.UnknownOperatorKeyError{OperatorKey: key}
}

// Keys returns every canonical operator key the registry holds, for
// concurrency accounting.
func (r *Registry) Keys() []string {
	keys := make([]string, 0, len(r.operators))
	for k := range r.operators {
		keys = append(keys, k)
	}
	return keys
}
