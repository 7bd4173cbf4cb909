package diff

import (
	"reflect"
	"testing"
)

func TestChangesDetectsNestedFieldChange(t *testing.T) {
	base := []byte(`{"level":1,"ability_scores":{"strength":14,"dexterity":12}}`)
	current := []byte(`{"level":2,"ability_scores":{"strength":14,"dexterity":13}}`)

	deltas := Changes(base, current)
	if len(deltas) != 2 {
		t.Fatalf("deltas len = %d, want 2: %+v", len(deltas), deltas)
	}
	if deltas[0].Path != "ability_scores.dexterity" {
		t.Fatalf("deltas[0].path = %q", deltas[0].Path)
	}
	if deltas[0].Old != float64(12) || deltas[0].New != float64(13) {
		t.Fatalf("deltas[0] = %+v", deltas[0])
	}
	if deltas[1].Path != "level" {
		t.Fatalf("deltas[1].path = %q", deltas[1].Path)
	}
}

func TestChangesEmptyForIdenticalStates(t *testing.T) {
	state := []byte(`{"level":3,"conditions":["poisoned"]}`)
	if deltas := Changes(state, state); len(deltas) != 0 {
		t.Fatalf("expected no deltas, got %+v", deltas)
	}
}

func TestChangesReportsAddedAndRemovedFields(t *testing.T) {
	base := []byte(`{"name":"Bram"}`)
	current := []byte(`{"name":"Bram","class":"rogue"}`)

	deltas := Changes(base, current)
	if len(deltas) != 1 {
		t.Fatalf("deltas len = %d, want 1", len(deltas))
	}
	if deltas[0].Path != "class" || deltas[0].Old != nil || deltas[0].New != "rogue" {
		t.Fatalf("delta = %+v", deltas[0])
	}

	reversed := Changes(current, base)
	if len(reversed) != 1 || reversed[0].Old != "rogue" || reversed[0].New != nil {
		t.Fatalf("reversed = %+v", reversed)
	}
}

func TestChangesSymmetry(t *testing.T) {
	a := []byte(`{"level":1,"hp":{"current":10,"max":10},"conditions":[]}`)
	b := []byte(`{"level":2,"hp":{"current":7,"max":12},"conditions":["stunned"]}`)

	forward := Changes(a, b)
	backward := Changes(b, a)
	if len(forward) != len(backward) {
		t.Fatalf("asymmetric lengths: %d vs %d", len(forward), len(backward))
	}
	for i := range forward {
		if !reflect.DeepEqual(forward[i], backward[i].Negated()) {
			t.Fatalf("delta %d not mirrored: %+v vs %+v", i, forward[i], backward[i])
		}
	}
}

func TestChangesTreatsListsAsWholeValues(t *testing.T) {
	base := []byte(`{"conditions":["poisoned"]}`)
	current := []byte(`{"conditions":["poisoned","prone"]}`)

	deltas := Changes(base, current)
	if len(deltas) != 1 || deltas[0].Path != "conditions" {
		t.Fatalf("deltas = %+v", deltas)
	}
	newList, ok := deltas[0].New.([]any)
	if !ok || len(newList) != 2 {
		t.Fatalf("new value = %#v", deltas[0].New)
	}
}

func TestValue(t *testing.T) {
	state := []byte(`{"spell_slots":{"1":4,"2":2},"inventory":[{"id":"rope","quantity":1}]}`)

	value, ok := Value(state, "spell_slots.2")
	if !ok || value != float64(2) {
		t.Fatalf("spell_slots.2 = %v, %v", value, ok)
	}
	value, ok = Value(state, "inventory.0.id")
	if !ok || value != "rope" {
		t.Fatalf("inventory.0.id = %v, %v", value, ok)
	}
	if _, ok := Value(state, "missing.path"); ok {
		t.Fatal("expected missing path")
	}
}

func TestApplySetsAndDeletes(t *testing.T) {
	state := []byte(`{"level":1,"notes":"hi"}`)

	updated, err := Apply(state, "level", 2)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if value, _ := Value(updated, "level"); value != float64(2) {
		t.Fatalf("level = %v", value)
	}

	updated, err = Apply(updated, "notes", nil)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := Value(updated, "notes"); ok {
		t.Fatal("expected notes removed")
	}
}

func TestApplyAll(t *testing.T) {
	state := []byte(`{"hp":{"current":10}}`)
	updated, err := ApplyAll(state, map[string]any{
		"hp.current": 6,
		"hp.temp":    4,
	})
	if err != nil {
		t.Fatalf("apply all: %v", err)
	}
	if value, _ := Value(updated, "hp.current"); value != float64(6) {
		t.Fatalf("hp.current = %v", value)
	}
	if value, _ := Value(updated, "hp.temp"); value != float64(4) {
		t.Fatalf("hp.temp = %v", value)
	}
}
