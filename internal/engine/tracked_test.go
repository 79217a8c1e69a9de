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
	"errors"
	"testing"

	"github.com/spinehq/spine/internal/ledger"
	"github.com/spinehq/spine/pkg/workflow"
)

func TestTrackedRunRecordsStages(t *testing.T) {
	e, reg, db := newEngine(t)
	ctx := context.Background()
	manifest := ledger.NewManifestRepository(db)
	runner := NewTrackedRunner(e, manifest)

	register(t, reg, "ingest", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return map[string]any{"rows": 5}, nil
	})

	wf := &workflow.Workflow{
		Name:  "nightly",
		Steps: []workflow.Step{{Name: "ingest"}},
	}
	partition := map[string]any{"date": "2026-08-24"}

	result, err := runner.Run(ctx, wf, workflow.NewContext("run-t1", "nightly", nil),
		TrackedOptions{Partition: partition})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Status != workflow.RunCompleted {
		t.Fatalf("expected completed, got %s", result.Status)
	}

	stages, err := manifest.Stages(ctx, "nightly", partition)
	if err != nil {
		t.Fatalf("Stages failed: %v", err)
	}
	names := map[string]bool{}
	for _, s := range stages {
		names[s] = true
	}
	for _, want := range []string{"STARTED", "STEP_ingest", "COMPLETED"} {
		if !names[want] {
			t.Errorf("missing stage %s, got %v", want, stages)
		}
	}
}

func TestTrackedRunSkipsCompletedPartition(t *testing.T) {
	e, reg, db := newEngine(t)
	ctx := context.Background()
	manifest := ledger.NewManifestRepository(db)
	runner := NewTrackedRunner(e, manifest)

	calls := 0
	register(t, reg, "ingest", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		calls++
		return nil, nil
	})

	wf := &workflow.Workflow{
		Name:  "nightly",
		Steps: []workflow.Step{{Name: "ingest"}},
	}
	partition := map[string]any{"date": "2026-08-24"}
	opts := TrackedOptions{Partition: partition, SkipIfCompleted: true}

	if _, err := runner.Run(ctx, wf, workflow.NewContext("run-t2", "nightly", nil), opts); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	result, err := runner.Run(ctx, wf, workflow.NewContext("run-t3", "nightly", nil), opts)
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if result.Status != workflow.RunSkipped {
		t.Fatalf("expected skipped, got %s", result.Status)
	}
	if calls != 1 {
		t.Errorf("handler should run once, ran %d times", calls)
	}
}

func TestTrackedRunResumesAfterFailure(t *testing.T) {
	e, reg, db := newEngine(t)
	ctx := context.Background()
	manifest := ledger.NewManifestRepository(db)
	runner := NewTrackedRunner(e, manifest)

	extractCalls := 0
	register(t, reg, "extract", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		extractCalls++
		return nil, nil
	})
	loadShouldFail := true
	register(t, reg, "load", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		if loadShouldFail {
			return nil, errors.New("warehouse unavailable")
		}
		return map[string]any{"ok": true}, nil
	})

	wf := &workflow.Workflow{
		Name: "etl",
		Steps: []workflow.Step{
			{Name: "extract"},
			{Name: "load", DependsOn: []string{"extract"}},
		},
	}
	partition := map[string]any{"date": "2026-08-24"}
	opts := TrackedOptions{Partition: partition}

	result, err := runner.Run(ctx, wf, workflow.NewContext("run-t4", "etl", nil), opts)
	if err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	if result.Status != workflow.RunFailed {
		t.Fatalf("expected failed, got %s", result.Status)
	}

	// The failed step's stage was recorded before it ran; clear it so the
	// retry re-executes it, as an operator replaying the partition would.
	if _, err := manifest.ClearPartition(ctx, "etl", partition); err != nil {
		t.Fatalf("ClearPartition failed: %v", err)
	}
	if err := manifest.RecordStage(ctx, "etl", partition, "STARTED"); err != nil {
		t.Fatalf("RecordStage failed: %v", err)
	}
	if err := manifest.RecordStage(ctx, "etl", partition, "STEP_extract"); err != nil {
		t.Fatalf("RecordStage failed: %v", err)
	}

	loadShouldFail = false
	result, err = runner.Run(ctx, wf, workflow.NewContext("run-t5", "etl", nil), opts)
	if err != nil {
		t.Fatalf("resume run failed: %v", err)
	}
	if result.Status != workflow.RunCompleted {
		t.Fatalf("expected completed on resume, got %s (%s)", result.Status, result.Error)
	}
	if extractCalls != 1 {
		t.Errorf("extract should not re-run on resume, ran %d times", extractCalls)
	}
	out, _ := result.Context.Output("extract")
	if out["resumed"] != true {
		t.Errorf("resumed step should carry resume marker, got %v", out)
	}
	done, err := manifest.HasStage(ctx, "etl", partition, "COMPLETED")
	if err != nil || !done {
		t.Errorf("COMPLETED stage not recorded after resume (err=%v)", err)
	}
}

func TestTrackedDomainFallsBackToWorkflowName(t *testing.T) {
	e, reg, db := newEngine(t)
	ctx := context.Background()
	manifest := ledger.NewManifestRepository(db)
	runner := NewTrackedRunner(e, manifest)

	register(t, reg, "noop", func(ctx context.Context, params map[string]any) (map[string]any, error) {
		return nil, nil
	})

	wf := &workflow.Workflow{
		Name:   "billing-rollup",
		Domain: "billing",
		Steps:  []workflow.Step{{Name: "noop"}},
	}

	if _, err := runner.Run(ctx, wf, workflow.NewContext("run-t6", wf.Name, nil), TrackedOptions{}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	done, err := manifest.HasStage(ctx, "billing", nil, "COMPLETED")
	if err != nil {
		t.Fatalf("HasStage failed: %v", err)
	}
	if !done {
		t.Error("stages should be recorded under the workflow domain")
	}
}
