package core

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"triage-chatbot/internal/logger"
	types "triage-chatbot/pkg"
)

// MaxMessageLength is the longest accepted patient message, in runes.
const MaxMessageLength = 1000

const maxAppendAttempts = 3

var (
	ErrEmptyMessage   = errors.New("message is empty")
	ErrMissingSession = errors.New("session id is required")
	ErrMessageTooLong = fmt.Errorf("message exceeds %d characters", MaxMessageLength)
	// ErrInternal wraps unexpected failures inside a triage step.
	ErrInternal = errors.New("internal triage error")
)

// ReferenceStore serves the active reference tables.  Implementations skip
// rows they cannot decode instead of failing the whole read.
type ReferenceStore interface {
	ActiveDepartments(ctx context.Context) ([]types.Department, error)
	ActiveSymptomRules(ctx context.Context) ([]types.SymptomRule, error)
	ActiveRedFlags(ctx context.Context) ([]types.RedFlagRule, error)
	QuickReplies(ctx context.Context, triggerType, triggerValue string) ([]types.QuickReply, error)
}

// TurnLog is the append-only per-session turn history.  LatestTurn returns
// (nil, nil) for a session without turns.  AppendTurn returns
// types.ErrTurnConflict when the turn number is already taken.
type TurnLog interface {
	LatestTurn(ctx context.Context, sessionID string) (*types.Turn, error)
	AppendTurn(ctx context.Context, t *types.Turn) (int64, error)
	DeleteAllTurns(ctx context.Context, sessionID string) (int64, error)
	ListTurns(ctx context.Context, sessionID string) ([]types.Turn, error)
}

// Locker serializes work per key.  The returned func releases the lock.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// AlertPublisher delivers terminal-turn alerts to staff.
type AlertPublisher interface {
	Publish(ctx context.Context, alert types.TriageAlert) error
}

// SummaryStore keeps one handoff summary per session.
type SummaryStore interface {
	UpsertSummary(ctx context.Context, s *types.HandoffSummary) error
}

// Engine runs one triage step per patient message.  Every step rebuilds the
// session context from the latest stored turn, so any number of engines can
// share a store.
type Engine struct {
	Reference ReferenceStore
	Turns     TurnLog
	Log       *logger.Logger

	// Optional collaborators.  A nil value disables the feature.
	Locker     Locker
	Alerts     AlertPublisher
	Summarizer *Summarizer
	Summaries  SummaryStore

	// summaryDone is called when a background summary finishes.  Only tests
	// set it.
	summaryDone func(sessionID string)
}

// NewEngine constructs an engine over a reference store and a turn log.
func NewEngine(ref ReferenceStore, turns TurnLog, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.NewNop()
	}
	return &Engine{Reference: ref, Turns: turns, Log: log}
}

type referenceData struct {
	departments []types.Department
	rules       []types.SymptomRule
	redFlags    []types.RedFlagRule
}

func (e *Engine) loadReference(ctx context.Context) (*referenceData, error) {
	var ref referenceData
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		ref.departments, err = e.Reference.ActiveDepartments(gctx)
		return err
	})
	g.Go(func() (err error) {
		ref.rules, err = e.Reference.ActiveSymptomRules(gctx)
		return err
	})
	g.Go(func() (err error) {
		ref.redFlags, err = e.Reference.ActiveRedFlags(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("load reference data: %w", err)
	}
	return &ref, nil
}

// outcome is a fully computed, not yet persisted, triage step.
type outcome struct {
	turn         *types.Turn
	response     *types.ChatResponse
	triggerType  string
	triggerValue string
	alert        *types.TriageAlert
	closed       bool
}

// ProcessMessage validates the message, runs one triage step for the session
// and persists the resulting turn.  Validation errors are returned as the
// Err* sentinels of this package.
func (e *Engine) ProcessMessage(ctx context.Context, rawMessage, sessionID string) (*types.ChatResponse, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, ErrMissingSession
	}
	msg := cleanText(rawMessage)
	if msg == "" {
		return nil, ErrEmptyMessage
	}
	if utf8.RuneCountInString(msg) > MaxMessageLength {
		return nil, ErrMessageTooLong
	}

	if e.Locker != nil {
		unlock, err := e.Locker.Lock(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("lock session: %w", err)
		}
		defer unlock()
	}

	ref, err := e.loadReference(ctx)
	if err != nil {
		return nil, err
	}

	var out *outcome
	for attempt := 1; ; attempt++ {
		latest, err := e.Turns.LatestTurn(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("load latest turn: %w", err)
		}
		out, err = e.step(sessionID, msg, latest, ref)
		if err != nil {
			return nil, err
		}
		out.response.QuickReplies = e.quickReplies(ctx, out.triggerType, out.triggerValue)

		id, err := e.Turns.AppendTurn(ctx, out.turn)
		if err == nil {
			out.turn.ID = id
			break
		}
		if !errors.Is(err, types.ErrTurnConflict) || attempt >= maxAppendAttempts {
			return nil, fmt.Errorf("append turn: %w", err)
		}
		e.Log.Warn("turn number taken, recomputing", "session_id", sessionID, "attempt", attempt)
	}

	if out.turn.Status == types.StatusCompleted && !out.closed {
		e.afterCompletion(ctx, sessionID, out)
	}
	return out.response, nil
}

func (e *Engine) quickReplies(ctx context.Context, triggerType, triggerValue string) []types.QuickReply {
	if triggerType == "" {
		return nil
	}
	replies, err := e.Reference.QuickReplies(ctx, triggerType, triggerValue)
	if err != nil {
		e.Log.Warn("quick replies unavailable", "trigger_type", triggerType, "trigger_value", triggerValue, "error", err)
		return nil
	}
	return replies
}

// step computes the next turn from the latest stored one.  It touches no
// storage.
func (e *Engine) step(sessionID, msg string, latest *types.Turn, ref *referenceData) (out *outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.Log.Error("triage step panicked", "session_id", sessionID, "panic", r)
			out, err = nil, fmt.Errorf("%w: %v", ErrInternal, r)
		}
	}()

	snap := SnapshotFromTurn(sessionID, latest)
	if latest != nil && snap.Status == types.StatusCompleted {
		return closedOutcome(snap, msg), nil
	}

	prevQuestion := snap.LastQuestionType
	snap.TurnNumber++
	norm := Normalize(msg)
	snap.mergeEntities(norm)
	if prevQuestion != nil && *prevQuestion == types.QuestionPregnancySeverity && pregnancyAnswerSevere(msg) {
		snap.IsSevere = true
	}
	snap.Symptoms = ExtractSymptoms(msg, ref.rules, snap.Symptoms)

	rule, errs := MatchRedFlag(ref.redFlags, norm, snap)
	for _, rerr := range errs {
		e.Log.Warn("red flag rule skipped", "session_id", sessionID, "error", rerr)
	}
	if rule != nil {
		e.Log.Info("red flag matched", "session_id", sessionID, "rule", rule.Name, "esi", rule.ESILevel)
		return redFlagOutcome(snap, *rule, msg), nil
	}

	candidates := ScoreDepartments(snap.Symptoms, ref.rules, snap)
	snap.Score = AggregateScore(snap)
	d := Decide(snap, candidates, ref.departments)
	e.Log.Debug("triage decision", "session_id", sessionID, "turn", snap.TurnNumber,
		"kind", d.Kind, "reason", d.Reason, "score", snap.Score, "candidates", len(candidates))

	switch d.Kind {
	case DecisionAsk:
		return askOutcome(snap, d, msg), nil
	case DecisionRecommend:
		return recommendOutcome(snap, d, msg), nil
	default:
		return escalateOutcome(snap, msg), nil
	}
}

func askOutcome(snap ConversationSnapshot, d Decision, msg string) *outcome {
	q := d.Question
	snap.LastQuestionType = &q
	snap.Status = types.StatusInProgress
	text := questionPrompt(q, snap.TurnNumber)
	return &outcome{
		turn:         snap.Turn(msg, text),
		response:     response(snap, text, types.AlertNone),
		triggerType:  "question",
		triggerValue: string(q),
	}
}

func recommendOutcome(snap ConversationSnapshot, d Decision, msg string) *outcome {
	dept := *d.Department
	snap.LastQuestionType = nil
	snap.Status = types.StatusCompleted
	snap.DepartmentID = &dept.ID

	var text, name string
	alert := types.AlertNone
	if d.Reason == "pregnancy" {
		text = obstetricsText(dept, d.Emergency)
		name = dept.NameVI
		if d.Emergency {
			name = obstetricsEmergencyName
			alert = types.AlertWarning
		}
	} else {
		var followUps []string
		if d.Candidate != nil {
			followUps = d.Candidate.Rule.FollowUpQuestions
		}
		text = recommendationText(dept, snap.Symptoms, followUps)
		name = dept.NameVI
	}

	resp := response(snap, text, alert)
	resp.SuggestedDepartmentName = name
	resp.DepartmentRecommendation = recommendationCard(dept)
	return &outcome{
		turn:         snap.Turn(msg, text),
		response:     resp,
		triggerType:  "status",
		triggerValue: string(types.StatusCompleted),
		alert: &types.TriageAlert{
			SessionID:  snap.SessionID,
			TurnNumber: snap.TurnNumber,
			AlertLevel: alert,
			Department: name,
		},
	}
}

func escalateOutcome(snap ConversationSnapshot, msg string) *outcome {
	snap.LastQuestionType = nil
	snap.Status = types.StatusCompleted
	snap.Score = 0
	return &outcome{
		turn:         snap.Turn(msg, EscalateMessage),
		response:     response(snap, EscalateMessage, types.AlertNone),
		triggerType:  "status",
		triggerValue: string(types.StatusCompleted),
		alert: &types.TriageAlert{
			SessionID:  snap.SessionID,
			TurnNumber: snap.TurnNumber,
			Escalated:  true,
		},
	}
}

func redFlagOutcome(snap ConversationSnapshot, rule types.RedFlagRule, msg string) *outcome {
	name := rule.Name
	snap.RedFlag = &name
	snap.LastQuestionType = nil
	snap.Status = types.StatusCompleted
	snap.Score = 10
	level := alertLevelFor(rule.ESILevel)
	text := redFlagText(rule)

	resp := response(snap, text, level)
	resp.SuggestedDepartmentName = rule.RecommendedDepartment
	return &outcome{
		turn:         snap.Turn(msg, text),
		response:     resp,
		triggerType:  "alert",
		triggerValue: strconv.Itoa(rule.ESILevel),
		alert: &types.TriageAlert{
			SessionID:  snap.SessionID,
			TurnNumber: snap.TurnNumber,
			AlertLevel: level,
			RedFlag:    rule.Name,
			Department: rule.RecommendedDepartment,
		},
	}
}

// closedOutcome answers a message sent after completion.  The previous
// snapshot is carried over unchanged apart from the turn number.
func closedOutcome(snap ConversationSnapshot, msg string) *outcome {
	snap.TurnNumber++
	return &outcome{
		turn:         snap.Turn(msg, ClosedMessage),
		response:     response(snap, ClosedMessage, types.AlertNone),
		triggerType:  "status",
		triggerValue: string(types.StatusCompleted),
		closed:       true,
	}
}

func response(snap ConversationSnapshot, text string, alert types.AlertLevel) *types.ChatResponse {
	return &types.ChatResponse{
		SessionID:    snap.SessionID,
		TurnNumber:   snap.TurnNumber,
		ResponseText: text,
		AlertLevel:   alert,
		Confidence:   Confidence(snap.Score),
		Status:       snap.Status,
	}
}

func recommendationCard(d types.Department) *types.DepartmentRecommendation {
	return &types.DepartmentRecommendation{
		ID:           d.ID,
		Name:         d.NameVI,
		Room:         d.Room,
		Floor:        d.Floor,
		Building:     d.Building,
		Doctor:       d.Doctor,
		Description:  d.Description,
		WorkingHours: d.WorkingHours,
	}
}

// afterCompletion publishes the staff alert and, when configured, starts the
// handoff summary in the background.  Failures are logged only.
func (e *Engine) afterCompletion(ctx context.Context, sessionID string, out *outcome) {
	if e.Alerts != nil && out.alert != nil {
		a := *out.alert
		a.CreatedAt = time.Now().UTC()
		if err := e.Alerts.Publish(ctx, a); err != nil {
			e.Log.Warn("publish triage alert failed", "session_id", sessionID, "error", err)
		}
	}
	if e.Summarizer == nil || e.Summaries == nil {
		return
	}
	go func() {
		defer func() {
			if e.summaryDone != nil {
				e.summaryDone(sessionID)
			}
		}()
		bg, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		turns, err := e.Turns.ListTurns(bg, sessionID)
		if err != nil {
			e.Log.Warn("summary: list turns failed", "session_id", sessionID, "error", err)
			return
		}
		sum, err := e.Summarizer.Summarize(bg, sessionID, turns)
		if err != nil {
			e.Log.Warn("summary: llm failed, storing fallback", "session_id", sessionID, "error", err)
		}
		if sum == nil {
			return
		}
		if err := e.Summaries.UpsertSummary(bg, sum); err != nil {
			e.Log.Warn("summary: store failed", "session_id", sessionID, "error", err)
		}
	}()
}

// ResetSession deletes every turn of the session so the next message starts
// from turn 1.
func (e *Engine) ResetSession(ctx context.Context, sessionID string) (int64, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return 0, ErrMissingSession
	}
	if e.Locker != nil {
		unlock, err := e.Locker.Lock(ctx, sessionID)
		if err != nil {
			return 0, fmt.Errorf("lock session: %w", err)
		}
		defer unlock()
	}
	n, err := e.Turns.DeleteAllTurns(ctx, sessionID)
	if err != nil {
		return 0, fmt.Errorf("delete turns: %w", err)
	}
	e.Log.Info("session reset", "session_id", sessionID, "deleted", n)
	return n, nil
}

// History returns the session's turns in turn order.
func (e *Engine) History(ctx context.Context, sessionID string) ([]types.Turn, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, ErrMissingSession
	}
	turns, err := e.Turns.ListTurns(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	return turns, nil
}

// IsValidationError reports whether err was caused by bad caller input.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrEmptyMessage) || errors.Is(err, ErrMissingSession) || errors.Is(err, ErrMessageTooLong)
}
