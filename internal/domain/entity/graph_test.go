package entity

import (
	"slices"
	"testing"
	"time"
)

func TestLoadOrder_Canonical(t *testing.T) {
	order, err := LoadOrder(Dependencies)
	if err != nil {
		t.Fatalf("LoadOrder() error: %v", err)
	}
	want := []Type{TypePatient, TypeEncounter, TypeDiagnosis, TypeMedication, TypeProcedure, TypeObservation}
	if !slices.Equal(order, want) {
		t.Errorf("expected %v, got %v", want, order)
	}
}

func TestLoadOrder_Stable(t *testing.T) {
	first, err := LoadOrder(Dependencies)
	if err != nil {
		t.Fatalf("LoadOrder() error: %v", err)
	}
	for i := 0; i < 20; i++ {
		again, _ := LoadOrder(Dependencies)
		if !slices.Equal(first, again) {
			t.Fatalf("run %d: order changed from %v to %v", i, first, again)
		}
	}
}

func TestLoadOrder_ParentsFirst(t *testing.T) {
	order, err := LoadOrder(Dependencies)
	if err != nil {
		t.Fatalf("LoadOrder() error: %v", err)
	}
	pos := map[Type]int{}
	for i, typ := range order {
		pos[typ] = i
	}
	for child, parents := range Dependencies {
		for _, p := range parents {
			if pos[p] >= pos[child] {
				t.Errorf("%s must load before %s", p, child)
			}
		}
	}
}

func TestLoadOrder_Cycle(t *testing.T) {
	g := Graph{
		TypePatient:   {TypeEncounter},
		TypeEncounter: {TypePatient},
	}
	if _, err := LoadOrder(g); err == nil {
		t.Fatal("expected error for cyclic graph")
	}
}

func TestLoadOrder_UnknownDependency(t *testing.T) {
	g := Graph{TypeEncounter: {TypePatient}}
	if _, err := LoadOrder(g); err == nil {
		t.Fatal("expected error for unknown dependency")
	}
}

func TestGraph_Dependents(t *testing.T) {
	deps := Dependencies.Dependents(TypePatient)
	want := []Type{TypeEncounter, TypeDiagnosis, TypeMedication, TypeProcedure, TypeObservation}
	if !slices.Equal(deps, want) {
		t.Errorf("expected %v, got %v", want, deps)
	}
	if got := Dependencies.Dependents(TypeObservation); len(got) != 0 {
		t.Errorf("expected no dependents of observation, got %v", got)
	}
}

func TestParseType(t *testing.T) {
	typ, err := ParseType("medication")
	if err != nil {
		t.Fatalf("ParseType() error: %v", err)
	}
	if typ.Table() != "medications" {
		t.Errorf("expected table medications, got %s", typ.Table())
	}
	if _, err := ParseType("allergy"); err == nil {
		t.Error("expected error for unknown type")
	}
}

func TestMedication_ActiveAt(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	past := now.Add(-24 * time.Hour)
	future := now.Add(24 * time.Hour)

	tests := []struct {
		name string
		end  *time.Time
		want bool
	}{
		{"no end", nil, true},
		{"ended", &past, false},
		{"ends later", &future, true},
		{"ends now", &now, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &Medication{StartAt: past.Add(-time.Hour), EndAt: tt.end}
			if got := m.ActiveAt(now); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}
