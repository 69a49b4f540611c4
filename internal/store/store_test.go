package store

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "fabric.db")

	s, err := Open(context.Background(), dbPath, 0, nil)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() {
		s.Close()
	})
	return s
}

func TestOpenStore(t *testing.T) {
	s := newTestStore(t)
	if s.db == nil || s.ro == nil {
		t.Fatal("expected both database handles to be initialized")
	}
}

func TestOpenStoreReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "fabric.db")
	ctx := context.Background()

	s1, err := Open(ctx, dbPath, 0, nil)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := s1.CreateLearning(ctx, &Learning{Category: "testing", Title: "survives reopen"}); err != nil {
		t.Fatalf("create learning: %v", err)
	}
	s1.Close()

	// Second open re-runs schema init and migrations against the existing
	// file; both must be no-ops that preserve data.
	s2, err := Open(ctx, dbPath, 0, nil)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer s2.Close()

	learnings, err := s2.ListLearnings(ctx, LearningFilter{})
	if err != nil {
		t.Fatalf("list learnings: %v", err)
	}
	if len(learnings) != 1 {
		t.Fatalf("expected 1 learning after reopen, got %d", len(learnings))
	}
}

func TestStageForValidations(t *testing.T) {
	tests := []struct {
		validated int64
		want      string
	}{
		{0, StageObservation},
		{1, StageLearning},
		{2, StageLearning},
		{3, StagePattern},
		{4, StagePattern},
		{5, StagePrinciple},
		{9, StagePrinciple},
		{10, StageWisdom},
		{25, StageWisdom},
	}
	for _, tt := range tests {
		if got := StageForValidations(tt.validated); got != tt.want {
			t.Errorf("StageForValidations(%d) = %s, want %s", tt.validated, got, tt.want)
		}
	}
}

func TestConfidenceForValidations(t *testing.T) {
	tests := []struct {
		validated int64
		want      string
	}{
		{0, ConfidenceLow},
		{1, ConfidenceMedium},
		{2, ConfidenceMedium},
		{3, ConfidenceHigh},
		{9, ConfidenceHigh},
		{10, ConfidenceProven},
	}
	for _, tt := range tests {
		if got := ConfidenceForValidations(tt.validated); got != tt.want {
			t.Errorf("ConfidenceForValidations(%d) = %s, want %s", tt.validated, got, tt.want)
		}
	}
}

func TestMarshalJSONList(t *testing.T) {
	if got := marshalJSONList(nil); got != "[]" {
		t.Errorf("marshalJSONList(nil) = %q, want []", got)
	}
	if got := marshalJSONList([]string{"a", "b"}); got != `["a","b"]` {
		t.Errorf("marshalJSONList = %q", got)
	}
	round := unmarshalJSONList(marshalJSONList([]string{"x"}))
	if len(round) != 1 || round[0] != "x" {
		t.Errorf("round trip = %v", round)
	}
	if got := unmarshalJSONList("not json"); got != nil {
		t.Errorf("unmarshalJSONList(invalid) = %v, want nil", got)
	}
}
