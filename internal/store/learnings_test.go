package store

import (
	"context"
	"testing"
)

func TestCreateLearningDefaults(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	l := &Learning{
		Category:    "gotcha",
		Title:       "WAL checkpoint starvation",
		Description: "Long-lived readers can starve checkpoints",
		// Callers cannot pre-seed maturity.
		Confidence:     ConfidenceProven,
		MaturityStage:  StageWisdom,
		TimesValidated: 40,
	}
	if err := s.CreateLearning(ctx, l); err != nil {
		t.Fatalf("create learning: %v", err)
	}
	if l.ID == 0 {
		t.Error("expected learning ID to be set")
	}
	if l.Confidence != ConfidenceLow {
		t.Errorf("expected confidence %s, got %s", ConfidenceLow, l.Confidence)
	}
	if l.MaturityStage != StageObservation {
		t.Errorf("expected stage %s, got %s", StageObservation, l.MaturityStage)
	}
	if l.TimesValidated != 0 {
		t.Errorf("expected times_validated 0, got %d", l.TimesValidated)
	}
}

func TestValidateLearningProgression(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	l := &Learning{Category: "pattern", Title: "retry with jitter"}
	if err := s.CreateLearning(ctx, l); err != nil {
		t.Fatalf("create learning: %v", err)
	}

	steps := []struct {
		wantValidated  int64
		wantStage      string
		wantConfidence string
	}{
		{1, StageLearning, ConfidenceMedium},
		{2, StageLearning, ConfidenceMedium},
		{3, StagePattern, ConfidenceHigh},
		{4, StagePattern, ConfidenceHigh},
		{5, StagePrinciple, ConfidenceHigh},
		{6, StagePrinciple, ConfidenceHigh},
		{7, StagePrinciple, ConfidenceHigh},
		{8, StagePrinciple, ConfidenceHigh},
		{9, StagePrinciple, ConfidenceHigh},
		{10, StageWisdom, ConfidenceProven},
		{11, StageWisdom, ConfidenceProven},
	}
	for _, step := range steps {
		got, err := s.ValidateLearning(ctx, l.ID)
		if err != nil {
			t.Fatalf("validate at step %d: %v", step.wantValidated, err)
		}
		if got.TimesValidated != step.wantValidated {
			t.Errorf("times_validated = %d, want %d", got.TimesValidated, step.wantValidated)
		}
		if got.MaturityStage != step.wantStage {
			t.Errorf("after %d validations stage = %s, want %s", step.wantValidated, got.MaturityStage, step.wantStage)
		}
		if got.Confidence != step.wantConfidence {
			t.Errorf("after %d validations confidence = %s, want %s", step.wantValidated, got.Confidence, step.wantConfidence)
		}
		if got.LastValidatedAt == nil {
			t.Error("expected last_validated_at to be set")
		}
	}
}

func TestValidateLearningNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.ValidateLearning(context.Background(), 9999); err == nil {
		t.Error("expected error for unknown learning")
	}
}

func TestListLearningsFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seed := []*Learning{
		{Category: "gotcha", Title: "one", ProjectPath: "/p/a"},
		{Category: "gotcha", Title: "two", ProjectPath: "/p/b"},
		{Category: "pattern", Title: "three", ProjectPath: "/p/a"},
	}
	for _, l := range seed {
		if err := s.CreateLearning(ctx, l); err != nil {
			t.Fatalf("create learning: %v", err)
		}
	}

	byCategory, err := s.ListLearnings(ctx, LearningFilter{Category: "gotcha"})
	if err != nil {
		t.Fatalf("list by category: %v", err)
	}
	if len(byCategory) != 2 {
		t.Errorf("expected 2 gotchas, got %d", len(byCategory))
	}

	byProject, err := s.ListLearnings(ctx, LearningFilter{ProjectPath: "/p/a"})
	if err != nil {
		t.Fatalf("list by project: %v", err)
	}
	if len(byProject) != 2 {
		t.Errorf("expected 2 learnings for /p/a, got %d", len(byProject))
	}

	limited, err := s.ListLearnings(ctx, LearningFilter{Limit: 1})
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("expected 1 learning with limit, got %d", len(limited))
	}
}

func TestListLearningsOrdersByMaturity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	fresh := &Learning{Category: "pattern", Title: "fresh"}
	mature := &Learning{Category: "pattern", Title: "mature"}
	if err := s.CreateLearning(ctx, fresh); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateLearning(ctx, mature); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if _, err := s.ValidateLearning(ctx, mature.ID); err != nil {
			t.Fatal(err)
		}
	}

	learnings, err := s.ListLearnings(ctx, LearningFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(learnings) != 2 {
		t.Fatalf("expected 2 learnings, got %d", len(learnings))
	}
	if learnings[0].Title != "mature" {
		t.Errorf("expected most validated learning first, got %s", learnings[0].Title)
	}
}

func TestKeywordSearchLearnings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seed := []*Learning{
		{Category: "gotcha", Title: "deadlock in connection pool", Description: "pool exhaustion under load", Lesson: "size the pool for peak concurrency"},
		{Category: "pattern", Title: "graceful shutdown ordering", Description: "stop intake before draining", Lesson: "close listeners first"},
		{Category: "gotcha", Title: "timezone drift", Description: "naive timestamps diverge", Lesson: "store UTC everywhere"},
	}
	for _, l := range seed {
		if err := s.CreateLearning(ctx, l); err != nil {
			t.Fatalf("create learning: %v", err)
		}
	}

	hits, err := s.KeywordSearchLearnings(ctx, "deadlock", 10)
	if err != nil {
		t.Fatalf("keyword search: %v", err)
	}
	if len(hits) == 0 {
		t.Fatal("expected at least one hit for deadlock")
	}
	if hits[0].Title != "deadlock in connection pool" {
		t.Errorf("expected deadlock learning first, got %s", hits[0].Title)
	}

	none, err := s.KeywordSearchLearnings(ctx, "zzzzunmatchable", 10)
	if err != nil {
		t.Fatalf("keyword search: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("expected no hits, got %d", len(none))
	}
}

func TestFTSQueryQuoting(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"deadlock", `"deadlock"*`},
		{"pool OR exhaustion", `"pool"* OR "OR"* OR "exhaustion"*`},
		{`"quoted" NEAR(x)`, `"quoted"* OR "NEAR"* OR "x"*`},
		{"   ", ""},
		{"a-b c_d", `"a-b"* OR "c_d"*`},
	}
	for _, tt := range tests {
		if got := ftsQuery(tt.in); got != tt.want {
			t.Errorf("ftsQuery(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
