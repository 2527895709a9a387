package core

import (
	types "triage-chatbot/pkg"
)

// ConversationSnapshot is the full working context of a session as of its
// latest turn.  It is produced only by SnapshotFromTurn and consumed only by
// Turn, so reconstruction never depends on in-process session state.
type ConversationSnapshot struct {
	SessionID        string
	TurnNumber       int
	Symptoms         []string
	Age              *int
	Gender           *types.Gender
	Duration         *string
	Location         *string
	Severity         *types.SeverityLevel
	SeverityScore    *int
	IsPregnant       bool
	IsPediatric      bool
	IsElderly        bool
	IsSevere         bool
	Score            float64
	RedFlag          *string
	DepartmentID     *int64
	Status           types.Status
	LastQuestionType *types.QuestionType
}

// SnapshotFromTurn projects the latest stored turn into a working context.  A
// nil turn yields the zero context of a brand-new session.
func SnapshotFromTurn(sessionID string, t *types.Turn) ConversationSnapshot {
	if t == nil {
		return ConversationSnapshot{SessionID: sessionID, Symptoms: []string{}, Status: types.StatusInProgress}
	}
	return ConversationSnapshot{
		SessionID:        sessionID,
		TurnNumber:       t.TurnNumber,
		Symptoms:         append([]string{}, t.Symptoms...),
		Age:              t.Age,
		Gender:           t.Gender,
		Duration:         t.Duration,
		Location:         t.Location,
		Severity:         t.Severity,
		SeverityScore:    t.SeverityScore,
		IsPregnant:       t.IsPregnant,
		IsPediatric:      t.IsPediatric,
		IsElderly:        t.IsElderly,
		IsSevere:         t.IsSevere,
		Score:            t.Score,
		RedFlag:          t.RedFlag,
		DepartmentID:     t.DepartmentID,
		Status:           t.Status,
		LastQuestionType: t.LastQuestionType,
	}
}

// Turn materialises the snapshot as the next immutable turn.
func (s ConversationSnapshot) Turn(userMessage, botResponse string) *types.Turn {
	return &types.Turn{
		SessionID:        s.SessionID,
		TurnNumber:       s.TurnNumber,
		UserMessage:      userMessage,
		BotResponse:      botResponse,
		Symptoms:         append([]string{}, s.Symptoms...),
		Age:              s.Age,
		Gender:           s.Gender,
		Duration:         s.Duration,
		Location:         s.Location,
		Severity:         s.Severity,
		SeverityScore:    s.SeverityScore,
		IsPregnant:       s.IsPregnant,
		IsPediatric:      s.IsPediatric,
		IsElderly:        s.IsElderly,
		IsSevere:         s.IsSevere,
		Score:            s.Score,
		RedFlag:          s.RedFlag,
		DepartmentID:     s.DepartmentID,
		Status:           s.Status,
		LastQuestionType: s.LastQuestionType,
	}
}

// mergeEntities fills previously-null fields from the current message and
// raises flags.  Populated fields and raised flags are never cleared.
func (s *ConversationSnapshot) mergeEntities(norm string) {
	age := ExtractAge(norm)
	if s.Age == nil && age.Age != nil {
		s.Age = age.Age
	}
	s.IsPediatric = s.IsPediatric || age.Pediatric
	s.IsElderly = s.IsElderly || age.Elderly

	if s.Gender == nil {
		s.Gender = ExtractGender(norm)
	}
	if s.Duration == nil {
		s.Duration = ExtractDuration(norm)
	}
	if s.Location == nil {
		s.Location = ExtractLocation(norm)
	}
	sev := ExtractSeverity(norm)
	if s.Severity == nil && sev.Level != nil {
		s.Severity = sev.Level
		s.SeverityScore = sev.Score
	}
	if sev.Level != nil && *sev.Level == types.SeverityHigh {
		s.IsSevere = true
	}
	if DetectPregnancy(norm) {
		s.IsPregnant = true
		if s.Gender == nil {
			g := types.GenderFemale
			s.Gender = &g
		}
	}
}

func (s ConversationSnapshot) hasSymptoms() bool { return len(s.Symptoms) > 0 }
