package work

import (
	"testing"
	"time"
)

func TestStatusTerminal(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	live := []Status{StatusPending, StatusQueued, StatusRunning}
	for _, s := range live {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusQueued, true},
		{StatusPending, StatusRunning, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusCancelled, true},
		{StatusQueued, StatusRunning, true},
		{StatusQueued, StatusFailed, true},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusTimedOut, true},
		{StatusRunning, StatusCancelled, true},

		{StatusPending, StatusCompleted, false},
		{StatusQueued, StatusCompleted, false},
		{StatusQueued, StatusTimedOut, false},
		{StatusCompleted, StatusRunning, false},
		{StatusFailed, StatusRunning, false},
		{StatusCancelled, StatusQueued, false},
		{StatusTimedOut, StatusFailed, false},
		{StatusRunning, StatusPending, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestSourceStatuses(t *testing.T) {
	asSet := func(statuses []Status) map[Status]bool {
		set := map[Status]bool{}
		for _, s := range statuses {
			set[s] = true
		}
		return set
	}

	running := asSet(SourceStatuses(StatusRunning))
	if len(running) != 2 || !running[StatusPending] || !running[StatusQueued] {
		t.Errorf("sources of running = %v", running)
	}

	failed := asSet(SourceStatuses(StatusFailed))
	if len(failed) != 3 || !failed[StatusPending] || !failed[StatusQueued] || !failed[StatusRunning] {
		t.Errorf("sources of failed = %v", failed)
	}

	completed := asSet(SourceStatuses(StatusCompleted))
	if len(completed) != 1 || !completed[StatusRunning] {
		t.Errorf("sources of completed = %v", completed)
	}

	if got := SourceStatuses(StatusPending); len(got) != 0 {
		t.Errorf("pending should have no sources, got %v", got)
	}
}

func validRecord() Record {
	now := time.Now().UTC()
	started := now.Add(-time.Minute)
	return Record{
		RunID:     "run-1",
		Spec:      Spec{Kind: KindTask, Name: "ingest"},
		Status:    StatusRunning,
		CreatedAt: now.Add(-2 * time.Minute),
		StartedAt: &started,
		Attempt:   1,
	}
}

func TestRecordValidate(t *testing.T) {
	now := time.Now().UTC()

	t.Run("valid running", func(t *testing.T) {
		r := validRecord()
		if err := r.Validate(); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("pending must not have started_at", func(t *testing.T) {
		r := validRecord()
		r.Status = StatusPending
		if err := r.Validate(); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("running must have started_at", func(t *testing.T) {
		r := validRecord()
		r.StartedAt = nil
		if err := r.Validate(); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("terminal must have completed_at", func(t *testing.T) {
		r := validRecord()
		r.Status = StatusCompleted
		if err := r.Validate(); err == nil {
			t.Error("expected error")
		}
		r.CompletedAt = &now
		if err := r.Validate(); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("non-terminal must not have completed_at", func(t *testing.T) {
		r := validRecord()
		r.CompletedAt = &now
		if err := r.Validate(); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("attempt must be positive", func(t *testing.T) {
		r := validRecord()
		r.Attempt = 0
		if err := r.Validate(); err == nil {
			t.Error("expected error")
		}
	})
}

func TestRecordDurationSeconds(t *testing.T) {
	r := validRecord()
	if r.DurationSeconds() != 0 {
		t.Error("duration should be 0 without completed_at")
	}
	done := r.StartedAt.Add(90 * time.Second)
	r.CompletedAt = &done
	if got := r.DurationSeconds(); got != 90 {
		t.Errorf("duration = %v, want 90", got)
	}
}

func TestSpecValidate(t *testing.T) {
	tests := []struct {
		name    string
		spec    Spec
		wantErr bool
	}{
		{"valid task", Spec{Kind: KindTask, Name: "finra.otc.ingest"}, false},
		{"valid workflow", Spec{Kind: KindWorkflow, Name: "nightly-etl"}, false},
		{"unknown kind", Spec{Kind: "cron", Name: "x"}, true},
		{"empty name", Spec{Kind: KindTask, Name: ""}, true},
		{"blank name", Spec{Kind: KindTask, Name: "   "}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSpecWithParent(t *testing.T) {
	s := Spec{Kind: KindStep, Name: "extract"}
	child := s.WithParent("run-parent")
	if child.ParentRunID != "run-parent" {
		t.Errorf("parent not set: %+v", child)
	}
	if s.ParentRunID != "" {
		t.Error("receiver mutated")
	}
}

func TestEventTopic(t *testing.T) {
	e := Event{Type: EventCompleted}
	if got := e.Topic(); got != "run.COMPLETED" {
		t.Errorf("Topic() = %q", got)
	}
}
