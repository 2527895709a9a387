package db

import (
	"context"
	"sync"
	"time"

	types "triage-chatbot/pkg"
)

// MemoryStore keeps everything in process memory.  It is used by tests and
// by STORE_DRIVER=memory; turn-number uniqueness is enforced the same way the
// SQL stores enforce it.
type MemoryStore struct {
	mu          sync.RWMutex
	departments []types.Department
	rules       []types.SymptomRule
	redFlags    []types.RedFlagRule
	quick       []types.QuickReplyRule
	turns       map[string][]types.Turn
	summaries   map[string]types.HandoffSummary
	nextID      int64
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		turns:     make(map[string][]types.Turn),
		summaries: make(map[string]types.HandoffSummary),
	}
}

func (m *MemoryStore) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *MemoryStore) SeedReference(_ context.Context, ref *Reference) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.departments) > 0 || ref == nil {
		return nil
	}
	byName := make(map[string]types.Department, len(ref.Departments))
	for _, d := range ref.Departments {
		d.ID = m.id()
		byName[d.NameVI] = d
		m.departments = append(m.departments, d)
	}
	for _, r := range ref.SymptomRules {
		r.ID = m.id()
		r.Department = byName[r.Department.NameVI]
		r.DepartmentID = r.Department.ID
		m.rules = append(m.rules, r)
	}
	for _, rf := range ref.RedFlags {
		rf.ID = m.id()
		m.redFlags = append(m.redFlags, rf)
	}
	for _, q := range ref.QuickReplies {
		q.ID = m.id()
		m.quick = append(m.quick, q)
	}
	return nil
}

func (m *MemoryStore) ActiveDepartments(_ context.Context) ([]types.Department, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.Department
	for _, d := range m.departments {
		if d.Active {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *MemoryStore) Department(_ context.Context, id int64) (*types.Department, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, d := range m.departments {
		if d.ID == id {
			d := d
			return &d, nil
		}
	}
	return nil, types.ErrNotFound
}

func (m *MemoryStore) ActiveSymptomRules(_ context.Context) ([]types.SymptomRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.SymptomRule
	for _, r := range m.rules {
		if r.Active && r.Department.Active {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *MemoryStore) ActiveRedFlags(_ context.Context) ([]types.RedFlagRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []types.RedFlagRule
	for _, r := range m.redFlags {
		if r.Active {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *MemoryStore) QuickReplies(_ context.Context, triggerType, triggerValue string) ([]types.QuickReply, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return quickRepliesFor(m.quick, triggerType, triggerValue), nil
}

func (m *MemoryStore) LatestTurn(_ context.Context, sessionID string) (*types.Turn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ts := m.turns[sessionID]
	if len(ts) == 0 {
		return nil, nil
	}
	t := cloneTurn(ts[len(ts)-1])
	return &t, nil
}

func (m *MemoryStore) AppendTurn(_ context.Context, t *types.Turn) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.turns[t.SessionID] {
		if existing.TurnNumber == t.TurnNumber {
			return 0, types.ErrTurnConflict
		}
	}
	stored := cloneTurn(*t)
	stored.ID = m.id()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}
	// Turns are kept sorted by turn number.
	ts := append(m.turns[t.SessionID], stored)
	for i := len(ts) - 1; i > 0 && ts[i].TurnNumber < ts[i-1].TurnNumber; i-- {
		ts[i], ts[i-1] = ts[i-1], ts[i]
	}
	m.turns[t.SessionID] = ts
	return stored.ID, nil
}

func (m *MemoryStore) DeleteAllTurns(_ context.Context, sessionID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := int64(len(m.turns[sessionID]))
	delete(m.turns, sessionID)
	delete(m.summaries, sessionID)
	return n, nil
}

func (m *MemoryStore) ListTurns(_ context.Context, sessionID string) ([]types.Turn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.Turn, 0, len(m.turns[sessionID]))
	for _, t := range m.turns[sessionID] {
		out = append(out, cloneTurn(t))
	}
	return out, nil
}

func (m *MemoryStore) UpsertSummary(_ context.Context, s *types.HandoffSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	cp.KeyPoints = append([]string(nil), s.KeyPoints...)
	m.summaries[s.SessionID] = cp
	return nil
}

func (m *MemoryStore) GetSummary(_ context.Context, sessionID string) (*types.HandoffSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.summaries[sessionID]
	if !ok {
		return nil, types.ErrNotFound
	}
	return &s, nil
}

func (m *MemoryStore) Close() error { return nil }

func cloneTurn(t types.Turn) types.Turn {
	t.Symptoms = append([]string{}, t.Symptoms...)
	return t
}
