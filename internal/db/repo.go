package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"triage-chatbot/internal/logger"
	types "triage-chatbot/pkg"
)

// uniqueViolation is the postgres SQLSTATE for a unique constraint failure.
const uniqueViolation = "23505"

// Repository is the postgres store.  Reference rows whose JSON columns do
// not decode are skipped and logged; the rest of the table is still served.
// JSONB parameters are passed as text because pq sends []byte as bytea.
type Repository struct {
	DB  *sql.DB
	Log *logger.Logger
}

// NewRepository constructs a new Repository from an existing sql.DB.
// The caller is responsible for managing the DB connection lifecycle.
func NewRepository(db *sql.DB, log *logger.Logger) *Repository {
	if log == nil {
		log = logger.NewNop()
	}
	return &Repository{DB: db, Log: log}
}

func (r *Repository) Close() error { return r.DB.Close() }

const departmentColumns = `id, name_vi, name_en, room, floor, building, doctor, description, working_hours, is_active`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDepartment(row rowScanner, d *types.Department) error {
	return row.Scan(&d.ID, &d.NameVI, &d.NameEN, &d.Room, &d.Floor, &d.Building,
		&d.Doctor, &d.Description, &d.WorkingHours, &d.Active)
}

// ActiveDepartments returns active departments in id order.
func (r *Repository) ActiveDepartments(ctx context.Context) ([]types.Department, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+departmentColumns+` FROM departments WHERE is_active ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.Department
	for rows.Next() {
		var d types.Department
		if err := scanDepartment(rows, &d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Department returns one department, active or not.
func (r *Repository) Department(ctx context.Context, id int64) (*types.Department, error) {
	var d types.Department
	err := scanDepartment(r.DB.QueryRowContext(ctx,
		`SELECT `+departmentColumns+` FROM departments WHERE id = $1`, id), &d)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ActiveSymptomRules returns active rules joined to their active department,
// in rule id order.
func (r *Repository) ActiveSymptomRules(ctx context.Context) ([]types.SymptomRule, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT s.id, s.name, s.keywords, s.priority, s.min_match, s.default_esi, s.follow_up_questions,
                d.id, d.name_vi, d.name_en, d.room, d.floor, d.building, d.doctor, d.description, d.working_hours, d.is_active
         FROM symptom_rules s
         JOIN departments d ON d.id = s.department_id
         WHERE s.is_active AND d.is_active
         ORDER BY s.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.SymptomRule
	for rows.Next() {
		var (
			s                  types.SymptomRule
			keywords, followUp []byte
		)
		d := &s.Department
		if err := rows.Scan(&s.ID, &s.Name, &keywords, &s.Priority, &s.MinMatch, &s.DefaultESI, &followUp,
			&d.ID, &d.NameVI, &d.NameEN, &d.Room, &d.Floor, &d.Building, &d.Doctor, &d.Description, &d.WorkingHours, &d.Active); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(keywords, &s.Keywords); err != nil || len(s.Keywords) == 0 {
			r.Log.Warn("skipping symptom rule with unreadable keywords", "rule_id", s.ID, "error", err)
			continue
		}
		if err := json.Unmarshal(followUp, &s.FollowUpQuestions); err != nil {
			s.FollowUpQuestions = nil
		}
		s.DepartmentID = d.ID
		s.Active = true
		out = append(out, s)
	}
	return out, rows.Err()
}

// ActiveRedFlags returns active red flags ordered by ESI level then id.
func (r *Repository) ActiveRedFlags(ctx context.Context) ([]types.RedFlagRule, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id, name, primary_keywords, secondary_keywords, context, age_constraint,
                esi_level, warning_message, recommended_department
         FROM red_flags WHERE is_active ORDER BY esi_level, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.RedFlagRule
	for rows.Next() {
		var (
			f                  types.RedFlagRule
			primary, secondary []byte
			ageConstraint      []byte
			flagContext        string
		)
		if err := rows.Scan(&f.ID, &f.Name, &primary, &secondary, &flagContext, &ageConstraint,
			&f.ESILevel, &f.WarningMessage, &f.RecommendedDepartment); err != nil {
			return nil, err
		}
		if err := decodeRedFlag(&f, primary, secondary, ageConstraint); err != nil {
			r.Log.Warn("skipping unreadable red flag", "red_flag_id", f.ID, "error", err)
			continue
		}
		f.Context = types.RedFlagContext(flagContext)
		f.Active = true
		out = append(out, f)
	}
	return out, rows.Err()
}

func decodeRedFlag(f *types.RedFlagRule, primary, secondary, ageConstraint []byte) error {
	if err := json.Unmarshal(primary, &f.Primary); err != nil {
		return fmt.Errorf("primary keywords: %w", err)
	}
	if len(f.Primary) == 0 {
		return errors.New("no primary keywords")
	}
	if len(secondary) > 0 {
		if err := json.Unmarshal(secondary, &f.Secondary); err != nil {
			return fmt.Errorf("secondary keywords: %w", err)
		}
	}
	if len(ageConstraint) > 0 && string(ageConstraint) != "null" {
		var c types.AgeConstraint
		if err := json.Unmarshal(ageConstraint, &c); err != nil {
			return fmt.Errorf("age constraint: %w", err)
		}
		f.AgeConstraint = &c
	}
	return nil
}

// QuickReplies returns the replies of the highest priority matching rule.
func (r *Repository) QuickReplies(ctx context.Context, triggerType, triggerValue string) ([]types.QuickReply, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id, replies FROM quick_replies
         WHERE is_active AND trigger_type = $1 AND trigger_value = $2
         ORDER BY priority DESC, id`, triggerType, triggerValue)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id  int64
			raw []byte
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		var replies []types.QuickReply
		if err := json.Unmarshal(raw, &replies); err != nil {
			r.Log.Warn("skipping unreadable quick reply rule", "quick_reply_id", id, "error", err)
			continue
		}
		return replies, nil
	}
	return nil, rows.Err()
}

const turnColumns = `id, session_id, turn_number, user_message, bot_response, symptoms, age, gender,
    duration, location, severity, severity_score, is_pregnant, is_pediatric, is_elderly, is_severe,
    score, red_flag, department_id, status, last_question_type, created_at`

func scanTurn(row rowScanner) (*types.Turn, error) {
	var (
		t                                    types.Turn
		symptoms                             []byte
		age, severityScore                   sql.NullInt64
		gender, duration, location, severity sql.NullString
		redFlag, lastQuestion                sql.NullString
		departmentID                         sql.NullInt64
	)
	if err := row.Scan(&t.ID, &t.SessionID, &t.TurnNumber, &t.UserMessage, &t.BotResponse, &symptoms,
		&age, &gender, &duration, &location, &severity, &severityScore,
		&t.IsPregnant, &t.IsPediatric, &t.IsElderly, &t.IsSevere,
		&t.Score, &redFlag, &departmentID, &t.Status, &lastQuestion, &t.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(symptoms, &t.Symptoms); err != nil {
		return nil, fmt.Errorf("turn %d symptoms: %w", t.ID, err)
	}
	if t.Symptoms == nil {
		t.Symptoms = []string{}
	}
	if age.Valid {
		v := int(age.Int64)
		t.Age = &v
	}
	if severityScore.Valid {
		v := int(severityScore.Int64)
		t.SeverityScore = &v
	}
	if gender.Valid {
		g := types.Gender(gender.String)
		t.Gender = &g
	}
	if severity.Valid {
		s := types.SeverityLevel(severity.String)
		t.Severity = &s
	}
	if lastQuestion.Valid {
		q := types.QuestionType(lastQuestion.String)
		t.LastQuestionType = &q
	}
	if departmentID.Valid {
		t.DepartmentID = &departmentID.Int64
	}
	t.Duration = nullString(duration)
	t.Location = nullString(location)
	t.RedFlag = nullString(redFlag)
	return &t, nil
}

func nullString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

// LatestTurn returns the highest numbered turn or (nil, nil).
func (r *Repository) LatestTurn(ctx context.Context, sessionID string) (*types.Turn, error) {
	t, err := scanTurn(r.DB.QueryRowContext(ctx,
		`SELECT `+turnColumns+` FROM conversation_turns
         WHERE session_id = $1 ORDER BY turn_number DESC LIMIT 1`, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

// AppendTurn inserts a turn.  A duplicate (session_id, turn_number) yields
// types.ErrTurnConflict.
func (r *Repository) AppendTurn(ctx context.Context, t *types.Turn) (int64, error) {
	symptoms, err := json.Marshal(nonNil(t.Symptoms))
	if err != nil {
		return 0, err
	}
	var id int64
	err = r.DB.QueryRowContext(ctx,
		`INSERT INTO conversation_turns (session_id, turn_number, user_message, bot_response, symptoms,
             age, gender, duration, location, severity, severity_score,
             is_pregnant, is_pediatric, is_elderly, is_severe, score, red_flag, department_id,
             status, last_question_type)
         VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
         RETURNING id`,
		t.SessionID, t.TurnNumber, t.UserMessage, t.BotResponse, string(symptoms),
		t.Age, t.Gender, t.Duration, t.Location, t.Severity, t.SeverityScore,
		t.IsPregnant, t.IsPediatric, t.IsElderly, t.IsSevere, t.Score, t.RedFlag, t.DepartmentID,
		t.Status, t.LastQuestionType,
	).Scan(&id)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return 0, types.ErrTurnConflict
	}
	return id, err
}

// DeleteAllTurns removes the session's turns and its handoff summary.
func (r *Repository) DeleteAllTurns(ctx context.Context, sessionID string) (int64, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `DELETE FROM conversation_turns WHERE session_id = $1`, sessionID)
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM handoff_summaries WHERE session_id = $1`, sessionID); err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

// ListTurns returns every turn of the session in turn order.
func (r *Repository) ListTurns(ctx context.Context, sessionID string) ([]types.Turn, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+turnColumns+` FROM conversation_turns WHERE session_id = $1 ORDER BY turn_number`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []types.Turn{}
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// UpsertSummary stores the handoff summary, replacing any previous one.
func (r *Repository) UpsertSummary(ctx context.Context, s *types.HandoffSummary) error {
	keyPoints, err := json.Marshal(nonNil(s.KeyPoints))
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx,
		`INSERT INTO handoff_summaries (session_id, key_points, free_text, updated_at)
         VALUES ($1, $2, $3, $4)
         ON CONFLICT (session_id)
         DO UPDATE SET key_points = EXCLUDED.key_points, free_text = EXCLUDED.free_text, updated_at = EXCLUDED.updated_at`,
		s.SessionID, string(keyPoints), s.FreeText, s.UpdatedAt)
	return err
}

// GetSummary returns the stored summary or types.ErrNotFound.
func (r *Repository) GetSummary(ctx context.Context, sessionID string) (*types.HandoffSummary, error) {
	var (
		s   types.HandoffSummary
		raw []byte
	)
	err := r.DB.QueryRowContext(ctx,
		`SELECT session_id, key_points, free_text, updated_at FROM handoff_summaries WHERE session_id = $1`,
		sessionID).Scan(&s.SessionID, &raw, &s.FreeText, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &s.KeyPoints); err != nil {
		return nil, fmt.Errorf("summary key points: %w", err)
	}
	return &s, nil
}

// SeedReference inserts ref in one transaction unless departments exist.
func (r *Repository) SeedReference(ctx context.Context, ref *Reference) error {
	if ref == nil {
		return nil
	}
	var n int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM departments`).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	ids := make(map[string]int64, len(ref.Departments))
	for _, d := range ref.Departments {
		var id int64
		if err := tx.QueryRowContext(ctx,
			`INSERT INTO departments (name_vi, name_en, room, floor, building, doctor, description, working_hours, is_active)
             VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9) RETURNING id`,
			d.NameVI, d.NameEN, d.Room, d.Floor, d.Building, d.Doctor, d.Description, d.WorkingHours, d.Active,
		).Scan(&id); err != nil {
			return fmt.Errorf("seed department %q: %w", d.NameVI, err)
		}
		ids[d.NameVI] = id
	}
	for _, s := range ref.SymptomRules {
		keywords, _ := json.Marshal(s.Keywords)
		followUps, _ := json.Marshal(nonNil(s.FollowUpQuestions))
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO symptom_rules (name, department_id, keywords, priority, min_match, default_esi, follow_up_questions, is_active)
             VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			s.Name, ids[s.Department.NameVI], string(keywords), s.Priority, s.MinMatch, s.DefaultESI, string(followUps), s.Active,
		); err != nil {
			return fmt.Errorf("seed symptom rule %q: %w", s.Name, err)
		}
	}
	for _, f := range ref.RedFlags {
		primary, _ := json.Marshal(f.Primary)
		secondary, _ := json.Marshal(nonNil(f.Secondary))
		var ageConstraint *string
		if f.AgeConstraint != nil {
			b, _ := json.Marshal(f.AgeConstraint)
			v := string(b)
			ageConstraint = &v
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO red_flags (name, primary_keywords, secondary_keywords, context, age_constraint,
                 esi_level, warning_message, recommended_department, is_active)
             VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
			f.Name, string(primary), string(secondary), string(f.Context), ageConstraint,
			f.ESILevel, f.WarningMessage, f.RecommendedDepartment, f.Active,
		); err != nil {
			return fmt.Errorf("seed red flag %q: %w", f.Name, err)
		}
	}
	for _, q := range ref.QuickReplies {
		replies, _ := json.Marshal(q.Replies)
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO quick_replies (trigger_type, trigger_value, replies, priority, is_active)
             VALUES ($1,$2,$3,$4,$5)`,
			q.TriggerType, q.TriggerValue, string(replies), q.Priority, q.Active,
		); err != nil {
			return fmt.Errorf("seed quick replies %s/%s: %w", q.TriggerType, q.TriggerValue, err)
		}
	}
	r.Log.Info("reference data seeded", "departments", len(ref.Departments),
		"symptom_rules", len(ref.SymptomRules), "red_flags", len(ref.RedFlags))
	return tx.Commit()
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
