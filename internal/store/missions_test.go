package store

import (
	"context"
	"testing"
	"time"
)

func TestDequeueMissionOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := &Mission{Title: "first in"}
	if err := s.CreateMission(ctx, first); err != nil {
		t.Fatal(err)
	}
	// Stagger created_at so ordering is deterministic.
	if _, err := s.db.ExecContext(ctx,
		`UPDATE missions SET created_at = ? WHERE id = ?`,
		time.Now().UTC().Add(-time.Minute), first.ID); err != nil {
		t.Fatal(err)
	}
	second := &Mission{Title: "second in"}
	if err := s.CreateMission(ctx, second); err != nil {
		t.Fatal(err)
	}

	got, err := s.DequeueMission(ctx, 1, "exec-1")
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if got == nil || got.ID != first.ID {
		t.Fatalf("expected oldest mission first, got %+v", got)
	}
	if got.Status != TaskStatusRunning {
		t.Errorf("expected running, got %s", got.Status)
	}
	if got.ExecutionID == nil || *got.ExecutionID != "exec-1" {
		t.Error("expected execution id recorded")
	}

	got2, err := s.DequeueMission(ctx, 1, "exec-2")
	if err != nil {
		t.Fatal(err)
	}
	if got2 == nil || got2.ID != second.ID {
		t.Fatalf("expected second mission, got %+v", got2)
	}

	// Queue drained.
	got3, err := s.DequeueMission(ctx, 1, "exec-3")
	if err != nil {
		t.Fatal(err)
	}
	if got3 != nil {
		t.Errorf("expected empty queue, got %+v", got3)
	}
}

func TestCompleteMissionGuarded(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := &Mission{Title: "guarded"}
	if err := s.CreateMission(ctx, m); err != nil {
		t.Fatal(err)
	}
	got, err := s.DequeueMission(ctx, 1, "exec-1")
	if err != nil || got == nil {
		t.Fatalf("dequeue: %v", err)
	}

	if err := s.CompleteMission(ctx, m.ID, "wrong-exec", "nope"); err == nil {
		t.Error("expected completion with wrong execution id to be refused")
	}
	if err := s.CompleteMission(ctx, m.ID, "exec-1", "all done"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	final, _ := s.GetMission(ctx, m.ID)
	if final.Status != TaskStatusCompleted {
		t.Errorf("expected completed, got %s", final.Status)
	}
	if final.Result != "all done" {
		t.Errorf("expected result recorded, got %q", final.Result)
	}
}

func TestFailMission(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := &Mission{Title: "doomed"}
	if err := s.CreateMission(ctx, m); err != nil {
		t.Fatal(err)
	}
	if _, err := s.DequeueMission(ctx, 1, "exec-1"); err != nil {
		t.Fatal(err)
	}
	if err := s.FailMission(ctx, m.ID, "exec-1", "agent crashed"); err != nil {
		t.Fatal(err)
	}

	final, _ := s.GetMission(ctx, m.ID)
	if final.Status != TaskStatusFailed {
		t.Errorf("expected failed, got %s", final.Status)
	}
	if final.LastError != "agent crashed" {
		t.Errorf("expected last_error recorded, got %q", final.LastError)
	}
}

func TestCancelMission(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := &Mission{Title: "called off"}
	if err := s.CreateMission(ctx, m); err != nil {
		t.Fatal(err)
	}
	if err := s.CancelMission(ctx, m.ID); err != nil {
		t.Fatal(err)
	}
	if err := s.CancelMission(ctx, m.ID); err == nil {
		t.Error("expected error cancelling a cancelled mission")
	}
	if err := s.CancelMission(ctx, "missing"); err == nil {
		t.Error("expected error for unknown mission")
	}
}

func TestStuckRunningMissions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := &Mission{Title: "wedged"}
	if err := s.CreateMission(ctx, m); err != nil {
		t.Fatal(err)
	}
	if _, err := s.DequeueMission(ctx, 1, "exec-1"); err != nil {
		t.Fatal(err)
	}

	stuck, err := s.StuckRunningMissions(ctx, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(stuck) != 0 {
		t.Errorf("expected nothing stuck yet, got %d", len(stuck))
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE missions SET started_at = ? WHERE id = ?`,
		time.Now().UTC().Add(-2*time.Minute), m.ID); err != nil {
		t.Fatal(err)
	}
	stuck, err = s.StuckRunningMissions(ctx, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(stuck) != 1 {
		t.Fatalf("expected 1 stuck mission, got %d", len(stuck))
	}
}
