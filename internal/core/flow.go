package core

import (
	"strings"

	types "triage-chatbot/pkg"
)

const (
	// MaxTurns is the turn at which a decision is forced.
	MaxTurns = 5
	// RecommendThreshold is the aggregate score at which the top department
	// is recommended without finishing the question ladder.
	RecommendThreshold = 7.0
)

// DecisionKind is the outcome class of one controller step.
type DecisionKind int

const (
	DecisionAsk DecisionKind = iota
	DecisionRecommend
	DecisionEscalate
)

// Decision is what the controller wants the engine to answer this turn.
type Decision struct {
	Kind       DecisionKind
	Question   types.QuestionType
	Department *types.Department
	Candidate  *Candidate
	// Emergency is set on the obstetrics shortcut when warning signs were
	// reported.
	Emergency bool
	Reason    string
}

type ladderStep struct {
	question types.QuestionType
	answered func(ConversationSnapshot) bool
}

// ladder is the generic question order for non-pregnant sessions.  The step
// at index i belongs to turn i+1.
var ladder = []ladderStep{
	{types.QuestionAgeGender, func(s ConversationSnapshot) bool { return s.Age != nil && s.Gender != nil }},
	{types.QuestionLocation, func(s ConversationSnapshot) bool { return s.Location != nil }},
	{types.QuestionDuration, func(s ConversationSnapshot) bool { return s.Duration != nil }},
	{types.QuestionSeverity, func(s ConversationSnapshot) bool { return s.Severity != nil }},
}

// ladderIndex is the position of q in the ladder.  A follow-up asked after
// the ladder ran out sits past its end, so the ladder is not started over.
func ladderIndex(q *types.QuestionType) int {
	if q == nil {
		return -1
	}
	if *q == types.QuestionMoreSymptoms {
		return len(ladder)
	}
	for i, st := range ladder {
		if st.question == *q {
			return i
		}
	}
	return -1
}

// nextLadderQuestion returns the first unanswered ladder question at or after
// the slot for the current turn.  It never goes back past the last ladder
// question asked, so no ladder question is asked twice.
func nextLadderQuestion(s ConversationSnapshot) (types.QuestionType, bool) {
	start := max(s.TurnNumber-1, ladderIndex(s.LastQuestionType)+1)
	for i := start; i < len(ladder); i++ {
		if !ladder[i].answered(s) {
			return ladder[i].question, true
		}
	}
	return "", false
}

// Decide chooses between asking a question, recommending a department and
// escalating to staff.  s must already hold the current turn number, merged
// entities, symptom union and aggregate score; s.LastQuestionType is still the
// question asked on the previous turn.
func Decide(s ConversationSnapshot, candidates []Candidate, departments []types.Department) Decision {
	if !s.hasSymptoms() {
		if s.TurnNumber >= MaxTurns {
			return Decision{Kind: DecisionEscalate, Reason: "no_symptoms"}
		}
		return Decision{Kind: DecisionAsk, Question: types.QuestionSymptoms}
	}

	if s.IsPregnant {
		if s.LastQuestionType != nil && *s.LastQuestionType == types.QuestionPregnancySeverity {
			dept := findDepartment(departments, isObstetrics)
			if dept == nil {
				return Decision{Kind: DecisionEscalate, Reason: "no_obstetrics_department"}
			}
			return Decision{Kind: DecisionRecommend, Department: dept, Emergency: s.IsSevere, Reason: "pregnancy"}
		}
		return Decision{Kind: DecisionAsk, Question: types.QuestionPregnancySeverity}
	}

	if s.Score >= RecommendThreshold && len(candidates) > 0 {
		return recommendTop(candidates, "threshold")
	}

	if s.TurnNumber < MaxTurns {
		if q, ok := nextLadderQuestion(s); ok {
			return Decision{Kind: DecisionAsk, Question: q}
		}
		if len(candidates) == 0 {
			return Decision{Kind: DecisionAsk, Question: types.QuestionMoreSymptoms, Reason: "more_symptoms"}
		}
	}

	if len(candidates) > 0 {
		return recommendTop(candidates, "ceiling")
	}
	return Decision{Kind: DecisionEscalate, Reason: "no_candidate"}
}

func recommendTop(candidates []Candidate, reason string) Decision {
	top := candidates[0]
	dept := top.Rule.Department
	return Decision{Kind: DecisionRecommend, Department: &dept, Candidate: &top, Reason: reason}
}

func findDepartment(departments []types.Department, pred func(types.Department) bool) *types.Department {
	for i := range departments {
		if departments[i].Active && pred(departments[i]) {
			d := departments[i]
			return &d
		}
	}
	return nil
}

var pregnancyWarningTerms = []string{
	"ra mau", "chay mau", "ra huyet", "dau bung du doi", "dau du doi", "dau nhieu",
	"ra nuoc oi", "vo oi", "hoa mat", "ngat", "thai may giam", "thai it may", "co giat", "nang",
}

// pregnancyAnswerSevere reads the answer to the pregnancy warning-sign
// question.  A plain "có" (yes), a listed warning sign or a high severity
// counts as severe.  Folded, "co" is also "cô", "cổ" and "cơ", so without
// diacritics a yes is only taken from the first word.
func pregnancyAnswerSevere(msg string) bool {
	folded := Normalize(msg)
	if containsAnyTerm(folded, pregnancyWarningTerms...) != "" {
		return true
	}
	if sev := ExtractSeverity(folded); sev.Level != nil && *sev.Level == types.SeverityHigh {
		return true
	}
	if containsAnyTerm(folded, "khong", "ko", "khong co", "binh thuong") != "" {
		return false
	}
	if accentedInput(msg) {
		return containsAnyTerm(lowerAccented(msg), "có", "đúng", "vâng", "rồi") != ""
	}
	words := strings.FieldsFunc(folded, func(r rune) bool { return !isWordRune(r) })
	if len(words) == 0 {
		return false
	}
	switch words[0] {
	case "co", "dung", "vang", "roi":
		return true
	}
	return false
}
