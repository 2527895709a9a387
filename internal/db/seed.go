package db

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"

	types "triage-chatbot/pkg"
)

//go:embed seed/reference.yaml
var referenceYAML []byte

// Reference is the complete set of reference tables.  Symptom rules carry
// their department by name only; stores resolve ids when seeding.
type Reference struct {
	Departments  []types.Department
	SymptomRules []types.SymptomRule
	RedFlags     []types.RedFlagRule
	QuickReplies []types.QuickReplyRule
}

type seedFile struct {
	Departments []struct {
		NameVI       string `yaml:"name_vi"`
		NameEN       string `yaml:"name_en"`
		Room         string `yaml:"room"`
		Floor        string `yaml:"floor"`
		Building     string `yaml:"building"`
		Doctor       string `yaml:"doctor"`
		Description  string `yaml:"description"`
		WorkingHours string `yaml:"working_hours"`
	} `yaml:"departments"`
	SymptomRules []struct {
		Name       string   `yaml:"name"`
		Department string   `yaml:"department"`
		Keywords   []string `yaml:"keywords"`
		Priority   int      `yaml:"priority"`
		MinMatch   int      `yaml:"min_match"`
		DefaultESI int      `yaml:"default_esi"`
		FollowUps  []string `yaml:"follow_up_questions"`
	} `yaml:"symptom_rules"`
	RedFlags []struct {
		Name                  string               `yaml:"name"`
		Primary               []string             `yaml:"primary"`
		Secondary             []string             `yaml:"secondary"`
		Context               string               `yaml:"context"`
		AgeConstraint         *types.AgeConstraint `yaml:"age_constraint"`
		ESILevel              int                  `yaml:"esi_level"`
		WarningMessage        string               `yaml:"warning_message"`
		RecommendedDepartment string               `yaml:"recommended_department"`
	} `yaml:"red_flags"`
	QuickReplies []struct {
		TriggerType  string `yaml:"trigger_type"`
		TriggerValue string `yaml:"trigger_value"`
		Priority     int    `yaml:"priority"`
		Replies      []struct {
			ID    string `yaml:"id"`
			Label string `yaml:"label"`
			Value string `yaml:"value"`
		} `yaml:"replies"`
	} `yaml:"quick_replies"`
}

// LoadReferenceSeed parses the embedded reference data.
func LoadReferenceSeed() (*Reference, error) {
	return ParseReference(referenceYAML)
}

// ParseReference decodes and validates a reference YAML document.
func ParseReference(data []byte) (*Reference, error) {
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse reference yaml: %w", err)
	}

	ref := &Reference{}
	known := make(map[string]types.Department, len(f.Departments))
	for _, d := range f.Departments {
		if d.NameVI == "" {
			return nil, fmt.Errorf("department without name_vi")
		}
		dept := types.Department{
			NameVI: d.NameVI, NameEN: d.NameEN, Room: d.Room, Floor: d.Floor,
			Building: d.Building, Doctor: d.Doctor, Description: d.Description,
			WorkingHours: d.WorkingHours, Active: true,
		}
		known[d.NameVI] = dept
		ref.Departments = append(ref.Departments, dept)
	}

	for _, r := range f.SymptomRules {
		dept, ok := known[r.Department]
		if !ok {
			return nil, fmt.Errorf("symptom rule %q: unknown department %q", r.Name, r.Department)
		}
		if len(r.Keywords) == 0 {
			return nil, fmt.Errorf("symptom rule %q: no keywords", r.Name)
		}
		ref.SymptomRules = append(ref.SymptomRules, types.SymptomRule{
			Name: r.Name, Department: dept, Keywords: r.Keywords, Priority: r.Priority,
			MinMatch: max(r.MinMatch, 1), DefaultESI: r.DefaultESI,
			FollowUpQuestions: r.FollowUps, Active: true,
		})
	}

	for _, rf := range f.RedFlags {
		if rf.ESILevel != 1 && rf.ESILevel != 2 {
			return nil, fmt.Errorf("red flag %q: esi level must be 1 or 2, got %d", rf.Name, rf.ESILevel)
		}
		if len(rf.Primary) == 0 {
			return nil, fmt.Errorf("red flag %q: no primary keywords", rf.Name)
		}
		ref.RedFlags = append(ref.RedFlags, types.RedFlagRule{
			Name: rf.Name, Primary: rf.Primary, Secondary: rf.Secondary,
			Context: types.RedFlagContext(rf.Context), AgeConstraint: rf.AgeConstraint,
			ESILevel: rf.ESILevel, WarningMessage: rf.WarningMessage,
			RecommendedDepartment: rf.RecommendedDepartment, Active: true,
		})
	}

	for _, q := range f.QuickReplies {
		rule := types.QuickReplyRule{
			TriggerType: q.TriggerType, TriggerValue: q.TriggerValue,
			Priority: q.Priority, Active: true,
		}
		for _, r := range q.Replies {
			rule.Replies = append(rule.Replies, types.QuickReply{ID: r.ID, Label: r.Label, Value: r.Value})
		}
		ref.QuickReplies = append(ref.QuickReplies, rule)
	}
	return ref, nil
}
