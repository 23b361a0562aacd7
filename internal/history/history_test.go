package history

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "shinycannon.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRunLifecycle(t *testing.T) {
	store := openTestStore(t)

	run := &Run{
		Argv:          "shinycannon rec.log http://localhost:3838",
		TargetURL:     "http://localhost:3838",
		RecordingPath: "rec.log",
		Workers:       5,
		StartedAt:     time.Now(),
		Status:        "running",
	}
	if err := store.CreateRun(run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	if run.ID == 0 {
		t.Fatal("CreateRun must assign an ID")
	}

	now := time.Now()
	run.CompletedAt = &now
	run.Status = "completed"
	run.SessionsDone = 9
	run.SessionsFail = 1
	run.AvgDurationMs = 123.5
	run.MinDurationMs = 50
	run.MaxDurationMs = 400
	run.P50DurationMs = 100
	run.P95DurationMs = 350
	run.P99DurationMs = 390
	if err := store.FinishRun(run); err != nil {
		t.Fatalf("FinishRun failed: %v", err)
	}

	loaded, err := store.GetRun(run.ID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if loaded.Status != "completed" || loaded.SessionsDone != 9 || loaded.SessionsFail != 1 {
		t.Errorf("Unexpected run: %+v", loaded)
	}
	if loaded.P95DurationMs != 350 {
		t.Errorf("Expected P95 350, got %d", loaded.P95DurationMs)
	}
	if loaded.CompletedAt == nil {
		t.Error("CompletedAt should be set")
	}
}

func TestRecordSession(t *testing.T) {
	store := openTestStore(t)

	run := &Run{Argv: "x", TargetURL: "http://x", RecordingPath: "r", Workers: 1, StartedAt: time.Now(), Status: "running"}
	if err := store.CreateRun(run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	records := []*SessionRecord{
		{RunID: run.ID, SessionID: 0, WorkerID: 0, Iteration: 0, Outcome: "done", DurationMs: 900, StartedAt: time.Now()},
		{RunID: run.ID, SessionID: 1, WorkerID: 0, Iteration: 1, Outcome: "failed", DurationMs: 120, Failure: "status 500, expected 200", StartedAt: time.Now()},
	}
	for _, rec := range records {
		if err := store.RecordSession(rec); err != nil {
			t.Fatalf("RecordSession failed: %v", err)
		}
	}

	loaded, err := store.ListSessions(run.ID)
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("Expected 2 sessions, got %d", len(loaded))
	}
	if loaded[0].Outcome != "done" || loaded[1].Outcome != "failed" {
		t.Errorf("Unexpected outcomes: %+v", loaded)
	}
	if loaded[1].Failure == "" {
		t.Error("Failure message should round-trip")
	}
}
