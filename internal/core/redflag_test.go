package core

import (
	"testing"

	types "triage-chatbot/pkg"
)

func testRedFlags() []types.RedFlagRule {
	infantMax := 0.25
	return []types.RedFlagRule{
		{ID: 1, Name: "abdomen", Primary: []string{"đau bụng dữ dội"}, Secondary: []string{"bụng cứng", "nôn ra máu"}, ESILevel: 2, Active: true},
		{ID: 2, Name: "chest", Primary: []string{"đau ngực"}, Secondary: []string{"khó thở"}, ESILevel: 1, Active: true},
		{ID: 3, Name: "pregnancy bleeding", Primary: []string{"ra máu nhiều"}, Secondary: []string{"đau bụng dưới dữ dội", "chóng mặt"},
			Context: types.ContextPregnant, AgeConstraint: &types.AgeConstraint{FemaleOnly: true}, ESILevel: 2, Active: true},
		{ID: 4, Name: "infant fever", Primary: []string{"sốt"}, Secondary: []string{"sơ sinh"},
			AgeConstraint: &types.AgeConstraint{MaxAgeYears: &infantMax}, ESILevel: 2, Active: true},
		{ID: 5, Name: "inactive stroke", Primary: []string{"méo miệng"}, ESILevel: 1, Active: false},
	}
}

func TestMatchRedFlag_ESI1PrimaryAlone(t *testing.T) {
	snap := SnapshotFromTurn("s", nil)
	rule, errs := MatchRedFlag(testRedFlags(), Normalize("Tôi bị đau ngực"), snap)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if rule == nil || rule.Name != "chest" {
		t.Fatalf("expected chest rule, got %+v", rule)
	}
}

func TestMatchRedFlag_ESI2NeedsSecondary(t *testing.T) {
	snap := SnapshotFromTurn("s", nil)
	snap.IsSevere = true
	if rule, _ := MatchRedFlag(testRedFlags(), Normalize("đau bụng dữ dội"), snap); rule != nil {
		t.Fatalf("ESI-2 rule must not fire on primary alone, got %q", rule.Name)
	}
	rule, _ := MatchRedFlag(testRedFlags(), Normalize("đau bụng dữ dội, bụng cứng"), snap)
	if rule == nil || rule.Name != "abdomen" {
		t.Fatalf("expected abdomen rule, got %+v", rule)
	}
}

func TestMatchRedFlag_SecondaryFromAccumulatedSymptoms(t *testing.T) {
	snap := SnapshotFromTurn("s", nil)
	snap.Symptoms = []string{"nôn ra máu"}
	rule, _ := MatchRedFlag(testRedFlags(), Normalize("giờ thì đau bụng dữ dội"), snap)
	if rule == nil || rule.Name != "abdomen" {
		t.Fatalf("expected abdomen rule, got %+v", rule)
	}
}

func TestMatchRedFlag_LowerESIWins(t *testing.T) {
	snap := SnapshotFromTurn("s", nil)
	rule, _ := MatchRedFlag(testRedFlags(), Normalize("đau bụng dữ dội, bụng cứng và đau ngực"), snap)
	if rule == nil || rule.Name != "chest" {
		t.Fatalf("expected ESI-1 chest rule first, got %+v", rule)
	}
}

func TestMatchRedFlag_ContextAndConstraints(t *testing.T) {
	msg := Normalize("ra máu nhiều và chóng mặt")
	snap := SnapshotFromTurn("s", nil)
	if rule, _ := MatchRedFlag(testRedFlags(), msg, snap); rule != nil {
		t.Fatalf("pregnancy rule fired without pregnancy: %q", rule.Name)
	}
	snap.IsPregnant = true
	if rule, _ := MatchRedFlag(testRedFlags(), msg, snap); rule == nil || rule.Name != "pregnancy bleeding" {
		t.Fatalf("expected pregnancy bleeding rule, got %+v", rule)
	}
	male := types.GenderMale
	snap.Gender = &male
	if rule, _ := MatchRedFlag(testRedFlags(), msg, snap); rule != nil {
		t.Fatalf("female-only rule fired for male: %q", rule.Name)
	}

	fever := Normalize("trẻ sơ sinh bị sốt")
	snap = SnapshotFromTurn("s", nil)
	if rule, _ := MatchRedFlag(testRedFlags(), fever, snap); rule == nil || rule.Name != "infant fever" {
		t.Fatalf("expected infant fever with unknown age, got %+v", rule)
	}
	age := 5
	snap.Age = &age
	if rule, _ := MatchRedFlag(testRedFlags(), fever, snap); rule != nil {
		t.Fatalf("infant rule fired for a 5 year old: %q", rule.Name)
	}
}

func TestMatchRedFlag_InactiveAndInvalidRulesSkipped(t *testing.T) {
	rules := append(testRedFlags(),
		types.RedFlagRule{ID: 9, Name: "broken", Primary: []string{"méo miệng"}, ESILevel: 0, Active: true},
		types.RedFlagRule{ID: 10, Name: "stroke", Primary: []string{"méo miệng"}, Secondary: []string{"nói khó"}, ESILevel: 2, Active: true},
	)
	snap := SnapshotFromTurn("s", nil)
	rule, errs := MatchRedFlag(rules, Normalize("bị méo miệng, nói khó"), snap)
	if len(errs) != 1 {
		t.Fatalf("expected one rule error, got %v", errs)
	}
	if rule == nil || rule.Name != "stroke" {
		t.Fatalf("expected evaluation to continue to stroke rule, got %+v", rule)
	}
}

func TestAlertLevelFor(t *testing.T) {
	if alertLevelFor(1) != types.AlertDanger || alertLevelFor(2) != types.AlertWarning {
		t.Fatalf("unexpected alert mapping")
	}
}
