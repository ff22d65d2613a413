package models

import "testing"

func TestStateValidity(t *testing.T) {
	for _, s := range []State{StateIdle, StateSearching, StateProvidersFound,
		StateProviderSelected, StateConfirmed, StateInProgress, StateCompleted, StateCancelled} {
		if !s.IsValid() {
			t.Fatalf("%s should be valid", s)
		}
	}
	if State("matched").IsValid() {
		t.Fatal("unknown state accepted")
	}
	if !StateCompleted.IsTerminal() || !StateCancelled.IsTerminal() {
		t.Fatal("completed and cancelled are terminal")
	}
	if StateSearching.IsTerminal() {
		t.Fatal("searching is not terminal")
	}
}

func TestCategoryValidity(t *testing.T) {
	if !CategoryCleaning.IsValid() {
		t.Fatal("limpeza should be valid")
	}
	if ServiceCategory("massagem").IsValid() {
		t.Fatal("unknown category accepted")
	}
}

func TestCoordValidate(t *testing.T) {
	if err := (Coord{Lat: -23.55, Lon: -46.63}).Validate(); err != nil {
		t.Fatalf("valid coord rejected: %v", err)
	}
	if err := (Coord{Lat: 91, Lon: 0}).Validate(); err == nil {
		t.Fatal("latitude out of range accepted")
	}
	if err := (Coord{Lat: 0, Lon: -181}).Validate(); err == nil {
		t.Fatal("longitude out of range accepted")
	}
}
