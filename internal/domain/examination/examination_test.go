package examination

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
)

func TestEyeData_Equal(t *testing.T) {
	tests := []struct {
		name string
		a, b EyeData
		want bool
	}{
		{"both empty", nil, EyeData{}, true},
		{"same content different order", EyeData{"a": 1, "b": "x"}, EyeData{"b": "x", "a": 1}, true},
		{"different value", EyeData{"a": 1}, EyeData{"a": 2}, false},
		{"one empty", EyeData{"a": 1}, nil, false},
		{"nested", EyeData{"grade": map[string]any{"zone": 2}}, EyeData{"grade": map[string]any{"zone": 2}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Equal(tt.b); got != tt.want {
				t.Errorf("Equal = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEyeData_CloneIsDeep(t *testing.T) {
	orig := EyeData{"grade": map[string]any{"zone": 2}}
	cp := orig.Clone()
	cp["grade"].(map[string]any)["zone"] = 3
	if orig["grade"].(map[string]any)["zone"] != 2 {
		t.Error("clone shares nested maps with the original")
	}
	if EyeData(nil).Clone() != nil {
		t.Error("expected nil clone of nil data")
	}
}

func TestBothEyes_Sides(t *testing.T) {
	b := BothEyes{Right: &Record{Data: EyeData{"va": "20/20"}}, Left: &Record{}}
	s := b.Sides()
	if !s.Right || s.Left {
		t.Errorf("expected only right covered, got %+v", s)
	}
	if !s.Any() || s.Both() {
		t.Errorf("unexpected Any/Both for %+v", s)
	}
	if b.Side(Right) != b.Right || b.Side(Left) != b.Left {
		t.Error("Side returned the wrong record")
	}
}

func TestNewRegistry_Validation(t *testing.T) {
	store := NewMemoryStore(VAS)
	if _, err := NewRegistry(Definition{ID: VAS, Store: store}, Definition{ID: VAS, Store: store}); err == nil {
		t.Error("expected duplicate registration to fail")
	}
	if _, err := NewRegistry(Definition{ID: VAS}); err == nil {
		t.Error("expected missing store to fail")
	}
	if _, err := NewRegistry(Definition{Store: store}); err == nil {
		t.Error("expected missing id to fail")
	}
}

func TestRegistry_LookupAndPredicate(t *testing.T) {
	reg, err := NewMemoryRegistry(DefaultCatalogue())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(reg.Definitions()) != 8 {
		t.Fatalf("expected 8 examinations, got %d", len(reg.Definitions()))
	}
	if reg.Definitions()[0].ID != BasicInfo {
		t.Errorf("expected registration order preserved, got %s first", reg.Definitions()[0].ID)
	}
	if !reg.IsSingleEye(BasicInfo) || reg.IsSingleEye(SlitLamp) || reg.IsSingleEye("nope") {
		t.Error("unexpected single-eye predicate results")
	}
	if _, err := reg.Lookup("tonometry"); !errors.Is(err, ErrUnknownExamination) {
		t.Errorf("expected ErrUnknownExamination, got %v", err)
	}
	if !reg.Known(VAS) || reg.Known("tonometry") {
		t.Error("unexpected Known results")
	}
}

func TestRegistry_Coverage(t *testing.T) {
	ctx := context.Background()
	reg, _ := NewMemoryRegistry(DefaultCatalogue())
	visitID := uuid.New()

	vas, _ := reg.Lookup(VAS)
	_, _ = vas.Store.SaveBothEyes(ctx, visitID, EyeData{"score": 80}, EyeData{"score": 75})
	slit, _ := reg.Lookup(SlitLamp)
	_, _ = slit.Store.SaveBothEyes(ctx, visitID, EyeData{"grade": 1}, nil)

	cov, err := reg.Coverage(ctx, visitID, []ExamID{VAS, SlitLamp, LensFitting})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cov[VAS].Both() {
		t.Errorf("expected both eyes for vas, got %+v", cov[VAS])
	}
	if s := cov[SlitLamp]; !s.Right || s.Left {
		t.Errorf("expected right only for slit lamp, got %+v", s)
	}
	if _, ok := cov[LensFitting]; ok {
		t.Error("expected no entry for an examination without data")
	}

	if _, err := reg.Coverage(ctx, visitID, []ExamID{"tonometry"}); !errors.Is(err, ErrUnknownExamination) {
		t.Errorf("expected ErrUnknownExamination, got %v", err)
	}
}

func TestMemoryStore_UpsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(VisualAcuity)
	visitID := uuid.New()

	first, err := s.SaveBothEyes(ctx, visitID, EyeData{"va": "20/25"}, EyeData{"va": "20/20"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, _ := s.SaveBothEyes(ctx, visitID, EyeData{"va": "20/25"}, nil)
	if second.Right.ID != first.Right.ID {
		t.Error("expected upsert to keep the record id keyed by (visit, eye)")
	}
	if second.Left != nil {
		t.Error("expected untouched side to be absent from the write result")
	}

	got, _ := s.GetBothEyes(ctx, visitID)
	if got.Left == nil || got.Left.Data["va"] != "20/20" {
		t.Errorf("expected left eye preserved, got %+v", got.Left)
	}
}

func TestMemoryStore_DoesNotAliasCallerData(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(VAS)
	visitID := uuid.New()
	in := EyeData{"score": 10}
	_, _ = s.SaveBothEyes(ctx, visitID, in, nil)
	in["score"] = 99

	got, _ := s.GetBothEyes(ctx, visitID)
	got.Right.Data["score"] = 50
	again, _ := s.GetBothEyes(ctx, visitID)
	if again.Right.Data["score"] != float64(10) {
		t.Errorf("expected stored score 10, got %v", again.Right.Data["score"])
	}
}

func TestMemoryStore_CompareAcrossVisits(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(CornealStaining)
	v1, v2, v3 := uuid.New(), uuid.New(), uuid.New()
	_, _ = s.SaveBothEyes(ctx, v1, EyeData{"grade": 0}, EyeData{"grade": 1})
	_, _ = s.SaveBothEyes(ctx, v3, EyeData{"grade": 2}, nil)

	out, err := s.CompareAcrossVisits(ctx, []uuid.UUID{v3, v2, v1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 3 || out[0].VisitID != v3 || out[1].VisitID != v2 || out[2].VisitID != v1 {
		t.Fatalf("expected results in requested order, got %+v", out)
	}
	if out[1].Sides().Any() {
		t.Error("expected empty entry for visit without data")
	}
	if _, err := s.CompareAcrossVisits(ctx, nil); err == nil {
		t.Error("expected error for empty visit list")
	}
}

func TestTableName(t *testing.T) {
	if n, err := TableName(SlitLamp); err != nil || n != "exam_slit_lamp" {
		t.Errorf("unexpected table name %q (%v)", n, err)
	}
	for _, bad := range []ExamID{"", "Slit", "a;drop", "1abc"} {
		if _, err := TableName(bad); err == nil {
			t.Errorf("expected %q to be rejected", bad)
		}
	}
}

func TestNewPGRegistry_RejectsBadIDs(t *testing.T) {
	if _, err := NewPGRegistry(nil, []Spec{{ID: "bad-id"}}); err == nil {
		t.Error("expected invalid examination id to fail")
	}
	reg, err := NewPGRegistry(nil, DefaultCatalogue())
	if err != nil || len(reg.Definitions()) != 8 {
		t.Errorf("expected catalogue registry, got %v", err)
	}
}
