package core

import (
	"fmt"
	"sort"
	"strings"

	types "triage-chatbot/pkg"
)

// MatchRedFlag evaluates active red-flag rules against the current message
// and the accumulated symptom set.  Rules are tried in ascending ESI order
// (table order within a level) and the first rule whose trigger condition
// holds is returned.  ESI-1 rules need one primary keyword; ESI-2 rules also
// need a secondary keyword somewhere in the combined text.
//
// A rule that fails to evaluate is reported in the returned error slice and
// skipped; evaluation continues with the next rule.
func MatchRedFlag(rules []types.RedFlagRule, norm string, snap ConversationSnapshot) (*types.RedFlagRule, []error) {
	ordered := make([]types.RedFlagRule, 0, len(rules))
	for _, r := range rules {
		if r.Active {
			ordered = append(ordered, r)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].ESILevel < ordered[j].ESILevel })

	combined := combinedText(norm, snap.Symptoms)
	var errs []error
	for i := range ordered {
		matched, err := evaluateRedFlag(&ordered[i], combined, snap)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if matched {
			rule := ordered[i]
			return &rule, errs
		}
	}
	return nil, errs
}

func evaluateRedFlag(rule *types.RedFlagRule, combined string, snap ConversationSnapshot) (matched bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("red flag %d (%s): %v", rule.ID, rule.Name, r)
		}
	}()
	if !contextSatisfied(rule.Context, snap) || !ageConstraintAllows(rule.AgeConstraint, snap) {
		return false, nil
	}
	if !anyKeyword(combined, rule.Primary) {
		return false, nil
	}
	switch rule.ESILevel {
	case 1:
		return true, nil
	case 2:
		return anyKeyword(combined, rule.Secondary), nil
	default:
		return false, fmt.Errorf("red flag %d (%s): invalid esi level %d", rule.ID, rule.Name, rule.ESILevel)
	}
}

func contextSatisfied(c types.RedFlagContext, snap ConversationSnapshot) bool {
	switch c {
	case types.ContextPregnant:
		return snap.IsPregnant
	case types.ContextPediatric:
		return snap.IsPediatric
	default:
		return true
	}
}

func ageConstraintAllows(c *types.AgeConstraint, snap ConversationSnapshot) bool {
	if c == nil {
		return true
	}
	if c.FemaleOnly && snap.Gender != nil && *snap.Gender != types.GenderFemale {
		return false
	}
	if c.MaxAgeYears != nil && snap.Age != nil && float64(*snap.Age) > *c.MaxAgeYears {
		return false
	}
	return true
}

func anyKeyword(text string, keywords []string) bool {
	for _, k := range keywords {
		if containsTerm(text, Normalize(k)) {
			return true
		}
	}
	return false
}

// combinedText joins the message with the symptom set using a separator that
// keeps keywords from matching across the join.
func combinedText(norm string, symptoms []string) string {
	parts := make([]string, 0, len(symptoms)+1)
	parts = append(parts, norm)
	for _, s := range symptoms {
		parts = append(parts, Normalize(s))
	}
	return strings.Join(parts, " | ")
}

// alertLevelFor maps an ESI level to the UI alert level.
func alertLevelFor(esi int) types.AlertLevel {
	if esi <= 1 {
		return types.AlertDanger
	}
	return types.AlertWarning
}
