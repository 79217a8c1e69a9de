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
	"log/slog"

	"github.com/spinehq/spine/internal/ledger"
	"github.com/spinehq/spine/internal/log"
	"github.com/spinehq/spine/pkg/workflow"
)

// Manifest stage markers. Per-step stages are "STEP_" + the step name.
const (
	stageStarted   = "STARTED"
	stageCompleted = "COMPLETED"
	stageStepPfx   = "STEP_"
)

// TrackedOptions configure one tracked run.
type TrackedOptions struct {
	// Domain namespaces the manifest rows.
	Domain string
	// Partition identifies the idempotency unit.
	Partition map[string]any
	// SkipIfCompleted short-circuits a partition whose COMPLETED stage is
	// already recorded.
	SkipIfCompleted bool
}

// TrackedRunner makes workflow execution idempotent per partition: every
// stage is recorded in the manifest, and stages recorded by a previous run
// are skipped, so a crashed run resumes where it stopped.
type TrackedRunner struct {
	engine   *Engine
	manifest *ledger.ManifestRepository
	logger   *slog.Logger
}

// NewTrackedRunner creates a TrackedRunner.
func NewTrackedRunner(e *Engine, manifest *ledger.ManifestRepository) *TrackedRunner {
	return &TrackedRunner{
		engine:   e,
		manifest: manifest,
		logger:   log.WithComponent(slog.Default(), "tracked-runner"),
	}
}

// Run executes the workflow under manifest tracking.
func (t *TrackedRunner) Run(ctx context.Context, wf *workflow.Workflow, wctx workflow.Context, opts TrackedOptions) (*workflow.Result, error) {
	domain := opts.Domain
	if domain == "" {
		domain = wf.Domain
	}
	if domain == "" {
		domain = wf.Name
	}
	wctx.Partition = opts.Partition

	logger := t.logger.With(
		slog.String(log.WorkflowKey, wf.Name),
		slog.String("partition", ledger.PartitionKey(opts.Partition)))

	if opts.SkipIfCompleted {
		done, err := t.manifest.HasStage(ctx, domain, opts.Partition, stageCompleted)
		if err != nil {
			return nil, err
		}
		if done {
			logger.Info("partition already complete, skipping")
			return &workflow.Result{
				WorkflowName: wf.Name,
				RunID:        wctx.RunID,
				Status:       workflow.RunSkipped,
				Steps:        map[string]workflow.StepRecord{},
				Context:      wctx,
			}, nil
		}
	}

	if err := t.manifest.RecordStage(ctx, domain, opts.Partition, stageStarted); err != nil {
		return nil, err
	}

	hook := &manifestHook{manifest: t.manifest, domain: domain, partition: opts.Partition}
	result, err := t.engine.ExecuteWithHook(ctx, wf, wctx, hook)
	if err != nil {
		return nil, err
	}

	if result.Status == workflow.RunCompleted {
		if err := t.manifest.RecordStage(ctx, domain, opts.Partition, stageCompleted); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// manifestHook records a stage before each step and skips steps whose
// stage a previous run already recorded.
type manifestHook struct {
	manifest  *ledger.ManifestRepository
	domain    string
	partition map[string]any
}

func (h *manifestHook) BeforeStep(ctx context.Context, step workflow.Step) (bool, error) {
	stage := stageStepPfx + step.Name
	done, err := h.manifest.HasStage(ctx, h.domain, h.partition, stage)
	if err != nil {
		return false, err
	}
	if done {
		return true, nil
	}
	if err := h.manifest.RecordStage(ctx, h.domain, h.partition, stage); err != nil {
		return false, err
	}
	return false, nil
}
