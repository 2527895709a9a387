package db

import (
	"context"

	types "triage-chatbot/pkg"
)

// Store is the full persistence surface used by the server.  Repository
// (postgres), SQLiteStore and MemoryStore all implement it.
type Store interface {
	ActiveDepartments(ctx context.Context) ([]types.Department, error)
	Department(ctx context.Context, id int64) (*types.Department, error)
	ActiveSymptomRules(ctx context.Context) ([]types.SymptomRule, error)
	ActiveRedFlags(ctx context.Context) ([]types.RedFlagRule, error)
	QuickReplies(ctx context.Context, triggerType, triggerValue string) ([]types.QuickReply, error)

	LatestTurn(ctx context.Context, sessionID string) (*types.Turn, error)
	AppendTurn(ctx context.Context, t *types.Turn) (int64, error)
	DeleteAllTurns(ctx context.Context, sessionID string) (int64, error)
	ListTurns(ctx context.Context, sessionID string) ([]types.Turn, error)

	UpsertSummary(ctx context.Context, s *types.HandoffSummary) error
	GetSummary(ctx context.Context, sessionID string) (*types.HandoffSummary, error)

	// SeedReference loads ref when the store has no departments yet.
	SeedReference(ctx context.Context, ref *Reference) error
	Close() error
}

// quickRepliesFor picks the highest priority active rule for a trigger.
// Earlier rules win ties.
func quickRepliesFor(rules []types.QuickReplyRule, triggerType, triggerValue string) []types.QuickReply {
	var best *types.QuickReplyRule
	for i := range rules {
		r := &rules[i]
		if !r.Active || r.TriggerType != triggerType || r.TriggerValue != triggerValue {
			continue
		}
		if best == nil || r.Priority > best.Priority {
			best = r
		}
	}
	if best == nil {
		return nil
	}
	return append([]types.QuickReply(nil), best.Replies...)
}
