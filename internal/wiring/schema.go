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

// Package wiring implements the Operator Wiring Resolver: precedence-
// based discovery of operator configuration, and its hashed,
// run-local snapshotting so resumes never silently pick up different
// operator wiring than the run was started with.
package wiring

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	matterrors "github.com/matterstack/matterstack/pkg/errors"
)

// Kind enumerates the supported operator kinds.
type Kind string

const (
	KindHPC        Kind = "hpc"
	KindLocal      Kind = "local"
	KindHuman      Kind = "human"
	KindExperiment Kind = "experiment"
)

var supportedKinds = map[Kind]bool{
	KindHPC: true, KindLocal: true, KindHuman: true, KindExperiment: true,
}

// BackendType enumerates the discriminated compute backend types.
type BackendType string

const (
	BackendLocal   BackendType = "local"
	BackendSlurm   BackendType = "slurm"
	BackendProfile BackendType = "profile"
	BackendLegacy  BackendType = "legacy"
)

var supportedBackends = map[BackendType]bool{
	BackendLocal: true, BackendSlurm: true, BackendProfile: true, BackendLegacy: true,
}

// allowedBackendFields enumerates, per backend type, the extra keys a
// Backend entry may carry alongside "type". BackendLocal needs
// nothing beyond its type; the SSH-backed types share the same
// connection fields, consumed by internal/operator/hpc's Transport.
var allowedBackendFields = map[BackendType]map[string]bool{
	BackendLocal:   {},
	BackendSlurm:   {"host": true, "user": true, "port": true, "identity_file": true},
	BackendProfile: {"host": true, "user": true, "port": true, "identity_file": true},
	BackendLegacy:  {"host": true, "user": true, "port": true, "identity_file": true},
}

var (
	kindPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)
	namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]*$`)
)

// Backend is the discriminated-union backend configuration for hpc and
// local operator entries.
type Backend struct {
	Type BackendType    `yaml:"type"`
	Rest map[string]any `yaml:",inline"`
}

// Entry is one operator configuration entry, keyed by its canonical
// "<kind>.<name>" string in Config.Operators.
type Entry struct {
	Kind    Kind           `yaml:"kind"`
	Backend *Backend       `yaml:"backend,omitempty"`
	Rest    map[string]any `yaml:",inline"`
}

// Config is the canonical operator wiring configuration: a mapping
// from "<kind>.<name>" to an Entry.
type Config struct {
	Operators map[string]Entry `yaml:"operators"`
}

// Parse validates and decodes raw canonical-format YAML bytes into a
// Config. Unknown kinds, unknown backend types, malformed keys,
// kind/key mismatches, and unknown fields anywhere in an entry or its
// backend all fail fast with a precise error rather than being
// silently accepted.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, &matterrors.ManifestValidationError{Reason: fmt.Sprintf("invalid YAML: %v", err)}
	}

	for key, entry := range cfg.Operators {
		kind, name, err := SplitKey(key)
		if err != nil {
			return nil, err
		}
		if !supportedKinds[Kind(kind)] {
			return nil, &matterrors.ManifestValidationError{Reason: fmt.Sprintf("operator %q: unknown kind %q", key, kind)}
		}
		if string(entry.Kind) != kind {
			return nil, &matterrors.ManifestValidationError{Reason: fmt.Sprintf("operator %q: kind field %q does not match key kind %q", key, entry.Kind, kind)}
		}
		_ = name

		if err := rejectUnknownFields(key, "", entry.Rest, nil); err != nil {
			return nil, err
		}

		needsBackend := entry.Kind == KindHPC || entry.Kind == KindLocal
		if needsBackend {
			if entry.Backend == nil {
				return nil, &matterrors.ManifestValidationError{Reason: fmt.Sprintf("operator %q: compute kind requires a backend", key)}
			}
			if !supportedBackends[entry.Backend.Type] {
				return nil, &matterrors.ManifestValidationError{Reason: fmt.Sprintf("operator %q: unknown backend type %q", key, entry.Backend.Type)}
			}
			if err := rejectUnknownFields(key, "backend", entry.Backend.Rest, allowedBackendFields[entry.Backend.Type]); err != nil {
				return nil, err
			}
		}
	}
	return &cfg, nil
}

// rejectUnknownFields returns a precise ManifestValidationError naming
// every key in rest not present in allowed (nil allowed means none are
// permitted). section is an empty string for the entry itself, or a
// sub-section name such as "backend" for its nested error message.
func rejectUnknownFields(key, section string, rest map[string]any, allowed map[string]bool) error {
	var extra []string
	for k := range rest {
		if !allowed[k] {
			extra = append(extra, k)
		}
	}
	if len(extra) == 0 {
		return nil
	}
	sort.Strings(extra)
	if section == "" {
		return &matterrors.ManifestValidationError{Reason: fmt.Sprintf("operator %q: unknown field(s): %s", key, strings.Join(extra, ", "))}
	}
	return &matterrors.ManifestValidationError{Reason: fmt.Sprintf("operator %q: unknown %s field(s): %s", key, section, strings.Join(extra, ", "))}
}

// SplitKey validates and splits a canonical "<kind>.<name>" operator
// key on its first dot.
func SplitKey(key string) (kind, name string, err error) {
	if strings.ContainsAny(key, " \t\n") {
		return "", "", &matterrors.ManifestValidationError{Reason: fmt.Sprintf("operator key %q contains whitespace", key)}
	}
	if strings.Contains(key, "..") {
		return "", "", &matterrors.ManifestValidationError{Reason: fmt.Sprintf("operator key %q contains a double dot", key)}
	}
	idx := strings.IndexByte(key, '.')
	if idx < 0 {
		return "", "", &matterrors.ManifestValidationError{Reason: fmt.Sprintf("operator key %q must be of the form kind.name", key)}
	}
	kind, name = key[:idx], key[idx+1:]
	if !kindPattern.MatchString(kind) {
		return "", "", &matterrors.ManifestValidationError{Reason: fmt.Sprintf("operator key %q: kind %q is not lowercase alphanumeric", key, kind)}
	}
	if !namePattern.MatchString(name) {
		return "", "", &matterrors.ManifestValidationError{Reason: fmt.Sprintf("operator key %q: name %q is invalid", key, name)}
	}
	return kind, name, nil
}
