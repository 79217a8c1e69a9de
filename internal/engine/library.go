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

package engine

import (
	"context"
	"sync"

	"github.com/spinehq/spine/internal/executor"
	"github.com/spinehq/spine/internal/registry"
	spineerrors "github.com/spinehq/spine/pkg/errors"
	"github.com/spinehq/spine/pkg/work"
	"github.com/spinehq/spine/pkg/workflow"
)

// Library holds the registered workflow definitions. It is the source the
// workflow meta-handler resolves names against.
type Library struct {
	mu        sync.RWMutex
	workflows map[string]*workflow.Workflow
}

// NewLibrary creates an empty Library.
func NewLibrary() *Library {
	return &Library{workflows: map[string]*workflow.Workflow{}}
}

// Add validates and stores a workflow. Re-adding a name replaces the
// definition; hot reload depends on that.
func (l *Library) Add(wf *workflow.Workflow) error {
	if err := wf.Validate(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.workflows[wf.Name] = wf
	return nil
}

// Get resolves a workflow by name.
func (l *Library) Get(name string) (*workflow.Workflow, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	wf, ok := l.workflows[name]
	if !ok {
		return nil, &spineerrors.NotFoundError{Resource: "workflow", ID: name}
	}
	return wf, nil
}

// Remove drops a workflow definition.
func (l *Library) Remove(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.workflows, name)
}

// Names lists the registered workflow names.
func (l *Library) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.workflows))
	for name := range l.workflows {
		names = append(names, name)
	}
	return names
}

// Bind registers one meta-handler per workflow in the library: the handler
// resolves the definition at call time, so a reloaded definition takes
// effect on the next run.
func (l *Library) Bind(reg *registry.Registry, e *Engine) error {
	for _, name := range l.Names() {
		name := name
		if reg.Has(work.KindWorkflow, name) {
			continue
		}
		err := reg.Register(work.KindWorkflow, name, func(ctx context.Context, params map[string]any) (map[string]any, error) {
			return l.run(ctx, e, name, params)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// run executes a workflow by name on behalf of the meta-handler.
func (l *Library) run(ctx context.Context, e *Engine, name string, params map[string]any) (map[string]any, error) {
	wf, err := l.Get(name)
	if err != nil {
		return nil, err
	}

	merged := make(map[string]any, len(wf.Defaults)+len(params))
	for k, v := range wf.Defaults {
		merged[k] = v
	}
	for k, v := range params {
		merged[k] = v
	}

	runID := executor.RunIDFrom(ctx)
	wctx := workflow.NewContext(runID, wf.Name, merged)
	wctx.ExecutionID = runID

	result, err := e.Execute(ctx, wf, wctx)
	if err != nil {
		return nil, err
	}
	out := map[string]any{
		"status":      string(result.Status),
		"duration_ms": result.Duration.Milliseconds(),
		"steps":       stepSummaries(result),
	}
	if result.Failed() {
		return out, spineerrors.New(spineerrors.CategoryOrchestration,
			"workflow "+wf.Name+" failed at step "+result.ErrorStep+": "+result.Error)
	}
	return out, nil
}

func stepSummaries(result *workflow.Result) map[string]any {
	steps := make(map[string]any, len(result.Steps))
	for name, rec := range result.Steps {
		steps[name] = map[string]any{
			"status":      string(rec.Status),
			"duration_ms": rec.Duration.Milliseconds(),
		}
	}
	return steps
}
