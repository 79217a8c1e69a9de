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

package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/spinehq/spine/pkg/work"
)

func TestObserveEventTracksRunLifecycle(t *testing.T) {
	m := New()

	if err := m.ObserveEvent(work.Event{Type: work.EventStarted}); err != nil {
		t.Fatalf("ObserveEvent failed: %v", err)
	}
	if got := testutil.ToFloat64(m.ActiveRuns); got != 1 {
		t.Errorf("active runs = %v, want 1", got)
	}

	if err := m.ObserveEvent(work.Event{Type: work.EventCompleted}); err != nil {
		t.Fatalf("ObserveEvent failed: %v", err)
	}
	if got := testutil.ToFloat64(m.ActiveRuns); got != 0 {
		t.Errorf("active runs = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.RunsFinished.WithLabelValues("completed")); got != 1 {
		t.Errorf("completed counter = %v, want 1", got)
	}

	m.ObserveEvent(work.Event{Type: work.EventStarted})
	m.ObserveEvent(work.Event{Type: work.EventFailed})
	if got := testutil.ToFloat64(m.RunsFinished.WithLabelValues("failed")); got != 1 {
		t.Errorf("failed counter = %v, want 1", got)
	}

	// Step events do not touch run counters.
	m.ObserveEvent(work.Event{Type: work.EventStepCompleted})
	if got := testutil.ToFloat64(m.ActiveRuns); got != 0 {
		t.Errorf("step event moved active runs to %v", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.RunsSubmitted.WithLabelValues("task", "api").Inc()
	m.SchedulerTicks.Inc()

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	body := string(raw)
	for _, want := range []string{"spine_runs_submitted_total", "spine_scheduler_ticks_total"} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %s", want)
		}
	}
}
