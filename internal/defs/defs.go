// Copyright 2025 The Spine Authors
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

// Package defs loads workflow definitions from YAML files and keeps a
// running library in step with the directory via filesystem watching.
package defs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	spineerrors "github.com/spinehq/spine/pkg/errors"
	"github.com/spinehq/spine/pkg/workflow"
)

// stepDoc is the YAML shape of a step. Durations are human strings ("30s"),
// converted on load.
type stepDoc struct {
	Name           string         `yaml:"name"`
	Type           string         `yaml:"type"`
	DependsOn      []string       `yaml:"depends_on"`
	Operation      string         `yaml:"operation"`
	Config         map[string]any `yaml:"config"`
	OnError        string         `yaml:"on_error"`
	Timeout        string         `yaml:"timeout"`
	Predicate      string         `yaml:"predicate"`
	ThenStep       string         `yaml:"then_step"`
	ElseStep       string         `yaml:"else_step"`
	WaitSeconds    int            `yaml:"wait_seconds"`
	Items          string         `yaml:"items"`
	MapOperation   string         `yaml:"map_operation"`
	MaxConcurrency int            `yaml:"max_concurrency"`
}

// workflowDoc is the YAML shape of a workflow file.
type workflowDoc struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Domain      string         `yaml:"domain"`
	Version     string         `yaml:"version"`
	Tags        []string       `yaml:"tags"`
	Steps       []stepDoc      `yaml:"steps"`
	Defaults    map[string]any `yaml:"defaults"`
	Policy      struct {
		Mode           string `yaml:"mode"`
		MaxConcurrency int    `yaml:"max_concurrency"`
	} `yaml:"execution_policy"`
}

// Parse decodes one YAML document into a validated workflow.
func Parse(data []byte) (*workflow.Workflow, error) {
	var doc workflowDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &spineerrors.ValidationError{Field: "yaml", Message: fmt.Sprintf("invalid workflow document: %v", err)}
	}

	wf := &workflow.Workflow{
		Name:        doc.Name,
		Description: doc.Description,
		Domain:      doc.Domain,
		Version:     doc.Version,
		Tags:        doc.Tags,
		Defaults:    doc.Defaults,
		Policy: workflow.ExecutionPolicy{
			Mode:           workflow.ExecutionMode(doc.Policy.Mode),
			MaxConcurrency: doc.Policy.MaxConcurrency,
		},
	}

	for _, sd := range doc.Steps {
		step := workflow.Step{
			Name:           sd.Name,
			Type:           workflow.StepType(sd.Type),
			DependsOn:      sd.DependsOn,
			Operation:      sd.Operation,
			Config:         sd.Config,
			OnError:        workflow.ErrorPolicy(sd.OnError),
			Predicate:      sd.Predicate,
			ThenStep:       sd.ThenStep,
			ElseStep:       sd.ElseStep,
			WaitSeconds:    sd.WaitSeconds,
			ItemsExpr:      sd.Items,
			MapOperation:   sd.MapOperation,
			MaxConcurrency: sd.MaxConcurrency,
		}
		if sd.Timeout != "" {
			d, err := time.ParseDuration(sd.Timeout)
			if err != nil {
				return nil, &spineerrors.ValidationError{Field: "timeout", Message: fmt.Sprintf("step %q: invalid timeout %q", sd.Name, sd.Timeout)}
			}
			step.Timeout = d
		}
		wf.Steps = append(wf.Steps, step)
	}

	if err := wf.Validate(); err != nil {
		return nil, err
	}
	return wf, nil
}

// LoadFile loads one workflow definition file.
func LoadFile(path string) (*workflow.Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file %s: %w", path, err)
	}
	wf, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return wf, nil
}

// LoadDir loads every .yaml/.yml file in a directory. A file that fails to
// parse fails the whole load.
func LoadDir(dir string) ([]*workflow.Workflow, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow directory %s: %w", dir, err)
	}

	var workflows []*workflow.Workflow
	for _, entry := range entries {
		if entry.IsDir() || !isYAML(entry.Name()) {
			continue
		}
		wf, err := LoadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	return workflows, nil
}

func isYAML(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
