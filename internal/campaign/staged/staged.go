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

// Package staged is a declarative Campaign implementation: a workspace
// lists an ordered sequence of stages in YAML, each contributing a flat
// set of tasks and an optional predicate gating whether that stage runs
// at all. A campaign built from this package never needs Go code of its
// own — it is the reference implementation workspaces without bespoke
// planning logic register under the "staged" campaign name.
package staged

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/matterstack/matterstack/internal/campaign"
)

func init() {
	campaign.Register("staged", func(config []byte) (campaign.Campaign, error) {
		return New(config)
	})
}

// Stage is one entry in a staged campaign's ordered plan.
type Stage struct {
	Name  string              `yaml:"name"`
	Tasks []campaign.TaskSpec `yaml:"tasks"`
	// When, if set, is an expr-lang predicate evaluated against the
	// accumulated results of every prior stage (campaign.Context). A
	// stage whose predicate evaluates false is skipped entirely: its
	// tasks never enter the run, and it contributes nothing to history.
	When string `yaml:"when,omitempty"`
}

// Config is a staged campaign's full workspace-authored definition.
type Config struct {
	Stages []Stage `yaml:"stages"`
}

// Campaign plans one stage's tasks at a time, advancing to the next
// runnable stage each time the current one's results are analyzed.
type Campaign struct {
	cfg       *Config
	evaluator *campaign.Evaluator
}

// New parses configData as a staged Config and returns a ready Campaign.
func New(configData []byte) (*Campaign, error) {
	var cfg Config
	if err := yaml.Unmarshal(configData, &cfg); err != nil {
		return nil, fmt.Errorf("staged: parse campaign config: %w", err)
	}
	return &Campaign{cfg: &cfg, evaluator: campaign.NewEvaluator()}, nil
}

// state is the JSON blob persisted between ticks via campaign.SaveState.
type state struct {
	StageIndex int                            `json:"stage_index"`
	History    map[string]campaign.TaskResult `json:"history"`
}

func (c *Campaign) loadState(raw json.RawMessage) (*state, error) {
	st := &state{History: map[string]campaign.TaskResult{}}
	if len(raw) == 0 || string(raw) == "null" {
		return st, nil
	}
	if err := json.Unmarshal(raw, st); err != nil {
		return nil, fmt.Errorf("staged: unmarshal campaign state: %w", err)
	}
	if st.History == nil {
		st.History = map[string]campaign.TaskResult{}
	}
	return st, nil
}

// skipUnready advances st.StageIndex past any leading run of stages
// whose When predicate evaluates false, given the history accumulated
// so far. It stops at the first runnable stage, or at len(Stages) once
// every remaining stage has been skipped.
func (c *Campaign) skipUnready(st *state) error {
	for st.StageIndex < len(c.cfg.Stages) {
		stage := c.cfg.Stages[st.StageIndex]
		ok, err := c.evaluator.Eval(stage.When, campaign.Context(st.History))
		if err != nil {
			return fmt.Errorf("staged: evaluate stage %q predicate: %w", stage.Name, err)
		}
		if ok {
			return nil
		}
		st.StageIndex++
	}
	return nil
}

// Plan returns the next runnable stage's tasks, or nil once every stage
// has either run or been skipped.
func (c *Campaign) Plan(rawState json.RawMessage) (*campaign.Workflow, error) {
	st, err := c.loadState(rawState)
	if err != nil {
		return nil, err
	}
	if err := c.skipUnready(st); err != nil {
		return nil, err
	}
	if st.StageIndex >= len(c.cfg.Stages) {
		return nil, nil
	}
	return &campaign.Workflow{Tasks: c.cfg.Stages[st.StageIndex].Tasks}, nil
}

// Analyze folds the completed stage's results into history, advances
// past it, and skips forward over any now-unready stage so the next
// Plan call sees a state pointing straight at runnable work.
func (c *Campaign) Analyze(rawState json.RawMessage, results map[string]campaign.TaskResult) (json.RawMessage, error) {
	st, err := c.loadState(rawState)
	if err != nil {
		return nil, err
	}
	for id, r := range results {
		st.History[id] = r
	}
	st.StageIndex++
	if err := c.skipUnready(st); err != nil {
		return nil, err
	}
	return json.Marshal(st)
}
