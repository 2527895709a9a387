package pkg

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state recorded on every turn of a session.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

// AlertLevel is surfaced to the patient UI.  An empty level means no alert and
// is written to JSON as null.
type AlertLevel string

const (
	AlertNone    AlertLevel = ""
	AlertWarning AlertLevel = "warning"
	AlertDanger  AlertLevel = "danger"
)

func (a AlertLevel) MarshalJSON() ([]byte, error) {
	if a == AlertNone {
		return []byte("null"), nil
	}
	return json.Marshal(string(a))
}

func (a *AlertLevel) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*a = AlertNone
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*a = AlertLevel(s)
	return nil
}

// Gender is the patient's gender as extracted from free text.
type Gender string

const (
	GenderMale   Gender = "male"
	GenderFemale Gender = "female"
)

// SeverityLevel is the bucketed pain/complaint severity.
type SeverityLevel string

const (
	SeverityLow      SeverityLevel = "low"
	SeverityModerate SeverityLevel = "moderate"
	SeverityHigh     SeverityLevel = "high"
)

// QuestionType identifies the follow-up question asked on a turn.  The value
// stored on the latest turn drives the next reconstruction step.
type QuestionType string

const (
	QuestionSymptoms          QuestionType = "symptoms"
	QuestionAgeGender         QuestionType = "age_gender"
	QuestionLocation          QuestionType = "location"
	QuestionDuration          QuestionType = "duration"
	QuestionSeverity          QuestionType = "severity"
	QuestionPregnancySeverity QuestionType = "pregnancy_severity"
	// QuestionMoreSymptoms follows an exhausted question ladder.
	QuestionMoreSymptoms      QuestionType = "more_symptoms"
)

// Turn is one immutable message/response exchange.  It always carries the
// complete conversation context at that point, not a delta.
type Turn struct {
	ID               int64          `json:"id"`
	SessionID        string         `json:"session_id"`
	TurnNumber       int            `json:"turn_number"`
	UserMessage      string         `json:"user_message"`
	BotResponse      string         `json:"bot_response"`
	Symptoms         []string       `json:"symptoms"`
	Age              *int           `json:"age,omitempty"`
	Gender           *Gender        `json:"gender,omitempty"`
	Duration         *string        `json:"duration,omitempty"`
	Location         *string        `json:"location,omitempty"`
	Severity         *SeverityLevel `json:"severity,omitempty"`
	SeverityScore    *int           `json:"severity_score,omitempty"`
	IsPregnant       bool           `json:"is_pregnant"`
	IsPediatric      bool           `json:"is_pediatric"`
	IsElderly        bool           `json:"is_elderly"`
	IsSevere         bool           `json:"is_severe"`
	Score            float64        `json:"score"`
	RedFlag          *string        `json:"red_flag,omitempty"`
	DepartmentID     *int64         `json:"department_id,omitempty"`
	Status           Status         `json:"status"`
	LastQuestionType *QuestionType  `json:"last_question_type,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// Department is an entry of the hospital directory.
type Department struct {
	ID           int64  `json:"id"`
	NameVI       string `json:"name_vi"`
	NameEN       string `json:"name_en,omitempty"`
	Room         string `json:"room"`
	Floor        string `json:"floor,omitempty"`
	Building     string `json:"building,omitempty"`
	Doctor       string `json:"doctor,omitempty"`
	Description  string `json:"description,omitempty"`
	WorkingHours string `json:"working_hours,omitempty"`
	Active       bool   `json:"active"`
}

// SymptomRule maps a keyword set to its owning department.  Rules returned by
// the reference store are already joined to an active department.
type SymptomRule struct {
	ID                int64      `json:"id"`
	Name              string     `json:"name"`
	DepartmentID      int64      `json:"department_id"`
	Department        Department `json:"department"`
	Keywords          []string   `json:"keywords"`
	Priority          int        `json:"priority"`
	MinMatch          int        `json:"min_match"`
	DefaultESI        int        `json:"default_esi"`
	FollowUpQuestions []string   `json:"follow_up_questions,omitempty"`
	Active            bool       `json:"active"`
}

// RedFlagContext restricts a red flag to a patient context.
type RedFlagContext string

const (
	ContextNone      RedFlagContext = ""
	ContextPregnant  RedFlagContext = "pregnant"
	ContextPediatric RedFlagContext = "pediatric"
)

// AgeConstraint narrows a red flag to a patient population.  A constraint only
// excludes a rule when the known patient data contradicts it.
type AgeConstraint struct {
	MaxAgeYears *float64 `json:"max_age_years,omitempty" yaml:"max_age_years,omitempty"`
	FemaleOnly  bool     `json:"female_only,omitempty" yaml:"female_only,omitempty"`
}

// RedFlagRule is an emergency pattern.  ESILevel is 1 or 2.
type RedFlagRule struct {
	ID                    int64          `json:"id"`
	Name                  string         `json:"name"`
	Primary               []string       `json:"primary"`
	Secondary             []string       `json:"secondary,omitempty"`
	Context               RedFlagContext `json:"context,omitempty"`
	AgeConstraint         *AgeConstraint `json:"age_constraint,omitempty"`
	ESILevel              int            `json:"esi_level"`
	WarningMessage        string         `json:"warning_message"`
	RecommendedDepartment string         `json:"recommended_department,omitempty"`
	Active                bool           `json:"active"`
}

// QuickReply is a suggested answer rendered as a button.
type QuickReply struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Value string `json:"value"`
}

// QuickReplyRule attaches an ordered reply list to a trigger.
type QuickReplyRule struct {
	ID           int64        `json:"id"`
	TriggerType  string       `json:"trigger_type"`
	TriggerValue string       `json:"trigger_value"`
	Replies      []QuickReply `json:"replies"`
	Priority     int          `json:"priority"`
	Active       bool         `json:"active"`
}

// DepartmentRecommendation is the card shown with a final recommendation.
type DepartmentRecommendation struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	Room         string `json:"room"`
	Floor        string `json:"floor,omitempty"`
	Building     string `json:"building,omitempty"`
	Doctor       string `json:"doctor,omitempty"`
	Description  string `json:"description,omitempty"`
	WorkingHours string `json:"workingHours,omitempty"`
}

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"sessionId"`
}

// ChatResponse is the result of processing one patient message.
type ChatResponse struct {
	SessionID                string                    `json:"sessionId"`
	TurnNumber               int                       `json:"turnNumber"`
	ResponseText             string                    `json:"responseText"`
	AlertLevel               AlertLevel                `json:"alertLevel"`
	SuggestedDepartmentName  string                    `json:"suggestedDepartmentName,omitempty"`
	Confidence               float64                   `json:"confidence"`
	QuickReplies             []QuickReply              `json:"quickReplies,omitempty"`
	DepartmentRecommendation *DepartmentRecommendation `json:"departmentRecommendation,omitempty"`
	Status                   Status                    `json:"status"`
}

// ResetRequest is the body of POST /api/chat/reset.
type ResetRequest struct {
	SessionID string `json:"sessionId"`
}

// TriageAlert is published to staff when a session reaches a terminal turn.
type TriageAlert struct {
	SessionID  string     `json:"session_id"`
	TurnNumber int        `json:"turn_number"`
	AlertLevel AlertLevel `json:"alert_level,omitempty"`
	RedFlag    string     `json:"red_flag,omitempty"`
	Department string     `json:"department,omitempty"`
	Escalated  bool       `json:"escalated"`
	CreatedAt  time.Time  `json:"created_at"`
}

// HandoffSummary is the staff-facing note written when a session completes.
type HandoffSummary struct {
	SessionID string    `json:"session_id"`
	KeyPoints []string  `json:"key_points"`
	FreeText  string    `json:"free_text"`
	UpdatedAt time.Time `json:"updated_at"`
}
