package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"triage-chatbot/internal/llm"
	types "triage-chatbot/pkg"
)

// Summarizer writes the staff handoff note for a completed session.  It uses
// the LLM for the free-text part and always falls back to a note built from
// the stored context, so staff get something even when the model is down.
type Summarizer struct {
	LLM llm.Client
}

// NewSummarizer constructs a summariser.
func NewSummarizer(client llm.Client) *Summarizer {
	return &Summarizer{LLM: client}
}

// Summarize builds a handoff summary from the session's turns.  On LLM
// failure the fallback summary is returned together with the error.
func (s *Summarizer) Summarize(ctx context.Context, sessionID string, turns []types.Turn) (*types.HandoffSummary, error) {
	fallback := fallbackSummary(sessionID, turns)
	if len(turns) == 0 || s.LLM == nil {
		return fallback, nil
	}

	prompt := SummarizationInstruction + "\n\n" + transcript(turns)
	resp, err := s.LLM.Summarize(ctx, prompt)
	if err != nil {
		return fallback, err
	}
	resp = strings.TrimSpace(resp)
	if resp == "" {
		return fallback, nil
	}

	head, body, _ := strings.Cut(resp, "\n")
	points := splitKeyPoints(head)
	if len(points) == 0 {
		points = fallback.KeyPoints
	}
	free := strings.TrimSpace(body)
	if free == "" {
		free = resp
	}
	return &types.HandoffSummary{
		SessionID: sessionID,
		KeyPoints: points,
		FreeText:  free,
		UpdatedAt: time.Now().UTC(),
	}, nil
}

func transcript(turns []types.Turn) string {
	var b strings.Builder
	for _, t := range turns {
		fmt.Fprintf(&b, "Bệnh nhân: %s\nTrợ lý: %s\n", t.UserMessage, t.BotResponse)
	}
	return b.String()
}

func splitKeyPoints(line string) []string {
	var out []string
	for _, p := range strings.Split(line, ";") {
		p = strings.TrimSpace(strings.TrimLeft(p, "-•* "))
		if p != "" {
			out = append(out, p)
		}
		if len(out) == 5 {
			break
		}
	}
	return out
}

// fallbackSummary is derived only from the latest turn's context.
func fallbackSummary(sessionID string, turns []types.Turn) *types.HandoffSummary {
	sum := &types.HandoffSummary{SessionID: sessionID, UpdatedAt: time.Now().UTC()}
	if len(turns) == 0 {
		sum.KeyPoints = []string{"Chưa có hội thoại"}
		sum.FreeText = "Phiên chưa có lượt trao đổi nào."
		return sum
	}
	last := turns[len(turns)-1]
	if len(last.Symptoms) > 0 {
		sum.KeyPoints = append(sum.KeyPoints, "Triệu chứng: "+strings.Join(last.Symptoms, ", "))
	}
	if last.Age != nil {
		sum.KeyPoints = append(sum.KeyPoints, fmt.Sprintf("Tuổi: %d", *last.Age))
	}
	if last.IsPregnant {
		sum.KeyPoints = append(sum.KeyPoints, "Đang mang thai")
	}
	if last.RedFlag != nil {
		sum.KeyPoints = append(sum.KeyPoints, "Dấu hiệu nguy hiểm: "+*last.RedFlag)
	}
	if len(sum.KeyPoints) == 0 {
		sum.KeyPoints = []string{"Không xác định được triệu chứng"}
	}
	sum.FreeText = fmt.Sprintf("Phiên gồm %d lượt. Phản hồi cuối: %s", len(turns), last.BotResponse)
	return sum
}
