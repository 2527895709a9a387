package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"triage-chatbot/internal/logger"
	types "triage-chatbot/pkg"
)

type departmentRow struct {
	ID           int64  `gorm:"primaryKey"`
	NameVI       string `gorm:"uniqueIndex;not null"`
	NameEN       string
	Room         string
	Floor        string
	Building     string
	Doctor       string
	Description  string
	WorkingHours string
	IsActive     bool `gorm:"not null;default:true"`
}

func (departmentRow) TableName() string { return "departments" }

func (d departmentRow) toType() types.Department {
	return types.Department{
		ID: d.ID, NameVI: d.NameVI, NameEN: d.NameEN, Room: d.Room, Floor: d.Floor,
		Building: d.Building, Doctor: d.Doctor, Description: d.Description,
		WorkingHours: d.WorkingHours, Active: d.IsActive,
	}
}

type symptomRuleRow struct {
	ID                int64 `gorm:"primaryKey"`
	Name              string
	DepartmentID      int64 `gorm:"index;not null"`
	Department        departmentRow
	Keywords          datatypes.JSON
	Priority          int
	MinMatch          int
	DefaultESI        int
	FollowUpQuestions datatypes.JSON
	IsActive          bool `gorm:"not null;default:true"`
}

func (symptomRuleRow) TableName() string { return "symptom_rules" }

type redFlagRow struct {
	ID                    int64 `gorm:"primaryKey"`
	Name                  string
	PrimaryKeywords       datatypes.JSON
	SecondaryKeywords     datatypes.JSON
	Context               string
	AgeConstraint         datatypes.JSON
	ESILevel              int `gorm:"column:esi_level"`
	WarningMessage        string
	RecommendedDepartment string
	IsActive              bool `gorm:"not null;default:true"`
}

func (redFlagRow) TableName() string { return "red_flags" }

type quickReplyRow struct {
	ID           int64  `gorm:"primaryKey"`
	TriggerType  string `gorm:"index:idx_quick_trigger"`
	TriggerValue string `gorm:"index:idx_quick_trigger"`
	Replies      datatypes.JSON
	Priority     int
	IsActive     bool `gorm:"not null;default:true"`
}

func (quickReplyRow) TableName() string { return "quick_replies" }

type turnRow struct {
	ID               int64  `gorm:"primaryKey"`
	SessionID        string `gorm:"not null;uniqueIndex:idx_session_turn,priority:1"`
	TurnNumber       int    `gorm:"not null;uniqueIndex:idx_session_turn,priority:2"`
	UserMessage      string
	BotResponse      string
	Symptoms         datatypes.JSON
	Age              *int
	Gender           *string
	Duration         *string
	Location         *string
	Severity         *string
	SeverityScore    *int
	IsPregnant       bool
	IsPediatric      bool
	IsElderly        bool
	IsSevere         bool
	Score            float64
	RedFlag          *string
	DepartmentID     *int64
	Status           string
	LastQuestionType *string
	CreatedAt        time.Time
}

func (turnRow) TableName() string { return "conversation_turns" }

type summaryRow struct {
	SessionID string `gorm:"primaryKey"`
	KeyPoints datatypes.JSON
	FreeText  string
	UpdatedAt time.Time
}

func (summaryRow) TableName() string { return "handoff_summaries" }

// SQLiteStore is the gorm-backed store for local development and tests.
type SQLiteStore struct {
	DB  *gorm.DB
	Log *logger.Logger
}

// OpenSQLite opens (or creates) the database at path and migrates it.  Use
// "file::memory:?cache=shared" for a throwaway database.
func OpenSQLite(path string, log *logger.Logger) (*SQLiteStore, error) {
	if log == nil {
		log = logger.NewNop()
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Exec("PRAGMA foreign_keys = ON;").Error; err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&departmentRow{}, &symptomRuleRow{}, &redFlagRow{}, &quickReplyRow{}, &turnRow{}, &summaryRow{}); err != nil {
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return &SQLiteStore{DB: db, Log: log}, nil
}

func (s *SQLiteStore) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *SQLiteStore) ActiveDepartments(ctx context.Context) ([]types.Department, error) {
	var rows []departmentRow
	if err := s.DB.WithContext(ctx).Where("is_active = ?", true).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]types.Department, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toType())
	}
	return out, nil
}

func (s *SQLiteStore) Department(ctx context.Context, id int64) (*types.Department, error) {
	var row departmentRow
	err := s.DB.WithContext(ctx).First(&row, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	d := row.toType()
	return &d, nil
}

func (s *SQLiteStore) ActiveSymptomRules(ctx context.Context) ([]types.SymptomRule, error) {
	var rows []symptomRuleRow
	err := s.DB.WithContext(ctx).
		Joins("Department").
		Where("symptom_rules.is_active = ? AND Department.is_active = ?", true, true).
		Order("symptom_rules.id").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]types.SymptomRule, 0, len(rows))
	for _, r := range rows {
		rule := types.SymptomRule{
			ID: r.ID, Name: r.Name, DepartmentID: r.DepartmentID, Department: r.Department.toType(),
			Priority: r.Priority, MinMatch: r.MinMatch, DefaultESI: r.DefaultESI, Active: true,
		}
		if err := json.Unmarshal(r.Keywords, &rule.Keywords); err != nil || len(rule.Keywords) == 0 {
			s.Log.Warn("skipping symptom rule with unreadable keywords", "rule_id", r.ID, "error", err)
			continue
		}
		_ = json.Unmarshal(r.FollowUpQuestions, &rule.FollowUpQuestions)
		out = append(out, rule)
	}
	return out, nil
}

func (s *SQLiteStore) ActiveRedFlags(ctx context.Context) ([]types.RedFlagRule, error) {
	var rows []redFlagRow
	if err := s.DB.WithContext(ctx).Where("is_active = ?", true).Order("esi_level, id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]types.RedFlagRule, 0, len(rows))
	for _, r := range rows {
		f := types.RedFlagRule{
			ID: r.ID, Name: r.Name, Context: types.RedFlagContext(r.Context), ESILevel: r.ESILevel,
			WarningMessage: r.WarningMessage, RecommendedDepartment: r.RecommendedDepartment, Active: true,
		}
		if err := decodeRedFlag(&f, r.PrimaryKeywords, r.SecondaryKeywords, r.AgeConstraint); err != nil {
			s.Log.Warn("skipping unreadable red flag", "red_flag_id", r.ID, "error", err)
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

func (s *SQLiteStore) QuickReplies(ctx context.Context, triggerType, triggerValue string) ([]types.QuickReply, error) {
	var rows []quickReplyRow
	err := s.DB.WithContext(ctx).
		Where("is_active = ? AND trigger_type = ? AND trigger_value = ?", true, triggerType, triggerValue).
		Order("priority DESC, id").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		var replies []types.QuickReply
		if err := json.Unmarshal(r.Replies, &replies); err != nil {
			s.Log.Warn("skipping unreadable quick reply rule", "quick_reply_id", r.ID, "error", err)
			continue
		}
		return replies, nil
	}
	return nil, nil
}

func (s *SQLiteStore) LatestTurn(ctx context.Context, sessionID string) (*types.Turn, error) {
	var row turnRow
	err := s.DB.WithContext(ctx).Where("session_id = ?", sessionID).Order("turn_number DESC").Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toType()
}

func (s *SQLiteStore) AppendTurn(ctx context.Context, t *types.Turn) (int64, error) {
	row, err := turnRowFrom(t)
	if err != nil {
		return 0, err
	}
	err = s.DB.WithContext(ctx).Create(row).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) || (err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")) {
		return 0, types.ErrTurnConflict
	}
	if err != nil {
		return 0, err
	}
	return row.ID, nil
}

func (s *SQLiteStore) DeleteAllTurns(ctx context.Context, sessionID string) (int64, error) {
	var n int64
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("session_id = ?", sessionID).Delete(&turnRow{})
		if res.Error != nil {
			return res.Error
		}
		n = res.RowsAffected
		return tx.Where("session_id = ?", sessionID).Delete(&summaryRow{}).Error
	})
	return n, err
}

func (s *SQLiteStore) ListTurns(ctx context.Context, sessionID string) ([]types.Turn, error) {
	var rows []turnRow
	if err := s.DB.WithContext(ctx).Where("session_id = ?", sessionID).Order("turn_number").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]types.Turn, 0, len(rows))
	for _, r := range rows {
		t, err := r.toType()
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, nil
}

func (s *SQLiteStore) UpsertSummary(ctx context.Context, sum *types.HandoffSummary) error {
	kp, err := json.Marshal(nonNil(sum.KeyPoints))
	if err != nil {
		return err
	}
	return s.DB.WithContext(ctx).Save(&summaryRow{
		SessionID: sum.SessionID, KeyPoints: datatypes.JSON(kp), FreeText: sum.FreeText, UpdatedAt: sum.UpdatedAt,
	}).Error
}

func (s *SQLiteStore) GetSummary(ctx context.Context, sessionID string) (*types.HandoffSummary, error) {
	var row summaryRow
	err := s.DB.WithContext(ctx).Where("session_id = ?", sessionID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sum := &types.HandoffSummary{SessionID: row.SessionID, FreeText: row.FreeText, UpdatedAt: row.UpdatedAt}
	if err := json.Unmarshal(row.KeyPoints, &sum.KeyPoints); err != nil {
		return nil, fmt.Errorf("summary key points: %w", err)
	}
	return sum, nil
}

func (s *SQLiteStore) SeedReference(ctx context.Context, ref *Reference) error {
	if ref == nil {
		return nil
	}
	var n int64
	if err := s.DB.WithContext(ctx).Model(&departmentRow{}).Count(&n).Error; err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ids := make(map[string]int64, len(ref.Departments))
		for _, d := range ref.Departments {
			row := departmentRow{
				NameVI: d.NameVI, NameEN: d.NameEN, Room: d.Room, Floor: d.Floor, Building: d.Building,
				Doctor: d.Doctor, Description: d.Description, WorkingHours: d.WorkingHours, IsActive: d.Active,
			}
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("seed department %q: %w", d.NameVI, err)
			}
			ids[d.NameVI] = row.ID
		}
		for _, r := range ref.SymptomRules {
			kw, _ := json.Marshal(r.Keywords)
			fu, _ := json.Marshal(nonNil(r.FollowUpQuestions))
			row := symptomRuleRow{
				Name: r.Name, DepartmentID: ids[r.Department.NameVI], Keywords: kw, Priority: r.Priority,
				MinMatch: r.MinMatch, DefaultESI: r.DefaultESI, FollowUpQuestions: fu, IsActive: r.Active,
			}
			if err := tx.Omit("Department").Create(&row).Error; err != nil {
				return fmt.Errorf("seed symptom rule %q: %w", r.Name, err)
			}
		}
		for _, f := range ref.RedFlags {
			primary, _ := json.Marshal(f.Primary)
			secondary, _ := json.Marshal(nonNil(f.Secondary))
			var age datatypes.JSON
			if f.AgeConstraint != nil {
				age, _ = json.Marshal(f.AgeConstraint)
			}
			row := redFlagRow{
				Name: f.Name, PrimaryKeywords: primary, SecondaryKeywords: secondary, Context: string(f.Context),
				AgeConstraint: age, ESILevel: f.ESILevel, WarningMessage: f.WarningMessage,
				RecommendedDepartment: f.RecommendedDepartment, IsActive: f.Active,
			}
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("seed red flag %q: %w", f.Name, err)
			}
		}
		for _, q := range ref.QuickReplies {
			replies, _ := json.Marshal(q.Replies)
			row := quickReplyRow{
				TriggerType: q.TriggerType, TriggerValue: q.TriggerValue, Replies: replies,
				Priority: q.Priority, IsActive: q.Active,
			}
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("seed quick replies %s/%s: %w", q.TriggerType, q.TriggerValue, err)
			}
		}
		return nil
	})
}

func turnRowFrom(t *types.Turn) (*turnRow, error) {
	symptoms, err := json.Marshal(nonNil(t.Symptoms))
	if err != nil {
		return nil, err
	}
	row := &turnRow{
		SessionID: t.SessionID, TurnNumber: t.TurnNumber, UserMessage: t.UserMessage, BotResponse: t.BotResponse,
		Symptoms: symptoms, Age: t.Age, Duration: t.Duration, Location: t.Location, SeverityScore: t.SeverityScore,
		IsPregnant: t.IsPregnant, IsPediatric: t.IsPediatric, IsElderly: t.IsElderly, IsSevere: t.IsSevere,
		Score: t.Score, RedFlag: t.RedFlag, DepartmentID: t.DepartmentID, Status: string(t.Status),
		CreatedAt: t.CreatedAt,
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	if t.Gender != nil {
		g := string(*t.Gender)
		row.Gender = &g
	}
	if t.Severity != nil {
		sv := string(*t.Severity)
		row.Severity = &sv
	}
	if t.LastQuestionType != nil {
		q := string(*t.LastQuestionType)
		row.LastQuestionType = &q
	}
	return row, nil
}

func (r turnRow) toType() (*types.Turn, error) {
	t := &types.Turn{
		ID: r.ID, SessionID: r.SessionID, TurnNumber: r.TurnNumber, UserMessage: r.UserMessage,
		BotResponse: r.BotResponse, Age: r.Age, Duration: r.Duration, Location: r.Location,
		SeverityScore: r.SeverityScore, IsPregnant: r.IsPregnant, IsPediatric: r.IsPediatric,
		IsElderly: r.IsElderly, IsSevere: r.IsSevere, Score: r.Score, RedFlag: r.RedFlag,
		DepartmentID: r.DepartmentID, Status: types.Status(r.Status), CreatedAt: r.CreatedAt,
	}
	if err := json.Unmarshal(r.Symptoms, &t.Symptoms); err != nil {
		return nil, fmt.Errorf("turn %d symptoms: %w", r.ID, err)
	}
	if t.Symptoms == nil {
		t.Symptoms = []string{}
	}
	if r.Gender != nil {
		g := types.Gender(*r.Gender)
		t.Gender = &g
	}
	if r.Severity != nil {
		s := types.SeverityLevel(*r.Severity)
		t.Severity = &s
	}
	if r.LastQuestionType != nil {
		q := types.QuestionType(*r.LastQuestionType)
		t.LastQuestionType = &q
	}
	return t, nil
}
