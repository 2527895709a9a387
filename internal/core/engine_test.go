package core

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"triage-chatbot/internal/db"
	"triage-chatbot/internal/lock"
	types "triage-chatbot/pkg"
)

const testSession = "3f1c2a9e-6a4b-4c8e-9d0f-1b2c3d4e5f60"

func seededStore(t *testing.T) *db.MemoryStore {
	t.Helper()
	ref, err := db.LoadReferenceSeed()
	if err != nil {
		t.Fatalf("load seed: %v", err)
	}
	store := db.NewMemoryStore()
	if err := store.SeedReference(context.Background(), ref); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return store
}

func newTestEngine(t *testing.T) (*Engine, *db.MemoryStore) {
	t.Helper()
	store := seededStore(t)
	return NewEngine(store, store, nil), store
}

func send(t *testing.T, e *Engine, session string, msgs ...string) []*types.ChatResponse {
	t.Helper()
	out := make([]*types.ChatResponse, 0, len(msgs))
	for _, m := range msgs {
		resp, err := e.ProcessMessage(context.Background(), m, session)
		if err != nil {
			t.Fatalf("ProcessMessage(%q): %v", m, err)
		}
		out = append(out, resp)
	}
	return out
}

type alertRecorder struct {
	mu     sync.Mutex
	alerts []types.TriageAlert
}

func (r *alertRecorder) Publish(_ context.Context, a types.TriageAlert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return nil
}

func (r *alertRecorder) all() []types.TriageAlert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.TriageAlert(nil), r.alerts...)
}

func TestProcessMessage_ChestPainRedFlag(t *testing.T) {
	e, store := newTestEngine(t)
	rec := &alertRecorder{}
	e.Alerts = rec

	resp := send(t, e, testSession, "Tôi đau ngực dữ dội, khó thở, đổ mồ hôi lạnh")[0]
	if resp.Status != types.StatusCompleted || resp.AlertLevel != types.AlertDanger {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp.Confidence != 1 {
		t.Fatalf("confidence = %v, want 1", resp.Confidence)
	}
	if resp.SuggestedDepartmentName != "Cấp Cứu - Tim Mạch" {
		t.Fatalf("suggested department = %q", resp.SuggestedDepartmentName)
	}
	if !strings.Contains(resp.ResponseText, "115") {
		t.Fatalf("response should carry the warning message: %q", resp.ResponseText)
	}
	if len(resp.QuickReplies) != 1 || resp.QuickReplies[0].Value != "tel:115" {
		t.Fatalf("unexpected quick replies %+v", resp.QuickReplies)
	}

	latest, _ := store.LatestTurn(context.Background(), testSession)
	if latest == nil || latest.RedFlag == nil || latest.Score != 10 {
		t.Fatalf("red flag not persisted: %+v", latest)
	}

	alerts := rec.all()
	if len(alerts) != 1 || alerts[0].AlertLevel != types.AlertDanger || alerts[0].RedFlag == "" {
		t.Fatalf("unexpected alerts %+v", alerts)
	}
}

func TestProcessMessage_RedFlagWithoutDiacritics(t *testing.T) {
	e, _ := newTestEngine(t)
	r := send(t, e, testSession, "Toi dau nguc du doi, kho tho, do mo hoi lanh")[0]
	if r.Status != types.StatusCompleted || r.AlertLevel != types.AlertDanger {
		t.Fatalf("unexpected response %+v", r)
	}
}

func TestProcessMessage_VagueMessagesEscalate(t *testing.T) {
	e, store := newTestEngine(t)
	rec := &alertRecorder{}
	e.Alerts = rec

	resps := send(t, e, testSession, "xin chào", "tôi không biết", "ừ", "không rõ nữa", "vậy thôi")
	if len(resps[0].QuickReplies) != 4 {
		t.Fatalf("turn 1 quick replies = %d, want 4", len(resps[0].QuickReplies))
	}
	for i, r := range resps[:4] {
		if r.Status != types.StatusInProgress || r.TurnNumber != i+1 {
			t.Fatalf("turn %d: unexpected %+v", i+1, r)
		}
	}
	if resps[0].ResponseText == resps[1].ResponseText {
		t.Fatalf("consecutive symptom prompts should differ")
	}

	last := resps[4]
	if last.Status != types.StatusCompleted || last.Confidence != 0 || last.DepartmentRecommendation != nil || last.SuggestedDepartmentName != "" {
		t.Fatalf("unexpected final response %+v", last)
	}
	if last.ResponseText != EscalateMessage {
		t.Fatalf("final text = %q", last.ResponseText)
	}

	turns, _ := store.ListTurns(context.Background(), testSession)
	if len(turns) != 5 || turns[4].Score != 0 {
		t.Fatalf("unexpected turns %+v", turns)
	}
	if alerts := rec.all(); len(alerts) != 1 || !alerts[0].Escalated {
		t.Fatalf("unexpected alerts %+v", alerts)
	}
}

func TestProcessMessage_PregnancyRoutine(t *testing.T) {
	e, store := newTestEngine(t)
	resps := send(t, e, testSession, "Tôi đang mang thai, hay bị mệt", "Không có dấu hiệu nào")

	turns, _ := store.ListTurns(context.Background(), testSession)
	if q := turns[0].LastQuestionType; q == nil || *q != types.QuestionPregnancySeverity {
		t.Fatalf("turn 1 should ask about warning signs, asked %v", q)
	}

	if resps[0].Status != types.StatusInProgress || len(resps[0].QuickReplies) != 2 {
		t.Fatalf("turn 1: unexpected %+v", resps[0])
	}
	r := resps[1]
	if r.Status != types.StatusCompleted || r.SuggestedDepartmentName != "Phụ Sản" || r.AlertLevel != types.AlertNone {
		t.Fatalf("turn 2: unexpected %+v", r)
	}
	if r.DepartmentRecommendation == nil || r.DepartmentRecommendation.Room != "305" {
		t.Fatalf("missing obstetrics card: %+v", r.DepartmentRecommendation)
	}
}

func TestProcessMessage_PregnancyWarningSigns(t *testing.T) {
	e, store := newTestEngine(t)
	resps := send(t, e, testSession, "Tôi đang mang thai, hay bị mệt", "Có, tôi bị ra máu")

	r := resps[1]
	if r.SuggestedDepartmentName != "Phụ Sản - Cấp Cứu" || r.AlertLevel != types.AlertWarning {
		t.Fatalf("unexpected %+v", r)
	}
	latest, _ := store.LatestTurn(context.Background(), testSession)
	if !latest.IsSevere || !latest.IsPregnant {
		t.Fatalf("flags not persisted: %+v", latest)
	}
}

func TestProcessMessage_QuestionLadder(t *testing.T) {
	e, store := newTestEngine(t)
	resps := send(t, e, testSession,
		"Tôi bị ngứa da",
		"Tôi 30 tuổi, nữ",
		"Ở cánh tay",
		"Khoảng 3 ngày",
		"Hơi ngứa, mức 3",
	)
	wantQuestions := []types.QuestionType{
		types.QuestionAgeGender, types.QuestionLocation, types.QuestionDuration, types.QuestionSeverity,
	}

	turns, err := store.ListTurns(context.Background(), testSession)
	if err != nil || len(turns) != 5 {
		t.Fatalf("turns = %d, err = %v", len(turns), err)
	}
	for i, q := range wantQuestions {
		if turns[i].LastQuestionType == nil || *turns[i].LastQuestionType != q {
			t.Fatalf("turn %d asked %v, want %q", i+1, turns[i].LastQuestionType, q)
		}
	}
	for i := range turns {
		if turns[i].TurnNumber != i+1 {
			t.Fatalf("turn numbers not sequential: %d at %d", turns[i].TurnNumber, i)
		}
		if i > 0 && len(turns[i].Symptoms) < len(turns[i-1].Symptoms) {
			t.Fatalf("symptom set shrank at turn %d", i+1)
		}
	}

	last := resps[4]
	if last.Status != types.StatusCompleted || last.SuggestedDepartmentName != "Da Liễu" {
		t.Fatalf("unexpected final response %+v", last)
	}
	if last.DepartmentRecommendation == nil || last.DepartmentRecommendation.Room != "205" {
		t.Fatalf("unexpected card %+v", last.DepartmentRecommendation)
	}
	final := turns[4]
	if final.Age == nil || *final.Age != 30 || final.Location == nil || final.Duration == nil || final.Severity == nil {
		t.Fatalf("entities not accumulated: %+v", final)
	}
}

func TestProcessMessage_MoreSymptomsDoesNotRestartLadder(t *testing.T) {
	e, store := newTestEngine(t)
	send(t, e, testSession,
		"Tôi bị chóng mặt, nữ 40 tuổi, đau lưng",
		"8/10",
		"không có gì thêm",
		"vẫn vậy",
	)
	turns, err := store.ListTurns(context.Background(), testSession)
	if err != nil || len(turns) != 4 {
		t.Fatalf("turns = %d, err = %v", len(turns), err)
	}
	want := []types.QuestionType{
		types.QuestionDuration, types.QuestionMoreSymptoms, types.QuestionMoreSymptoms, types.QuestionMoreSymptoms,
	}
	asked := map[types.QuestionType]int{}
	for i, q := range want {
		got := turns[i].LastQuestionType
		if got == nil || *got != q {
			t.Fatalf("turn %d asked %v, want %q", i+1, got, q)
		}
		asked[*got]++
	}
	for q, n := range asked {
		if q != types.QuestionMoreSymptoms && n > 1 {
			t.Fatalf("%q asked %d times", q, n)
		}
	}
}

func TestProcessMessage_GenderAnswerAddsNoSymptom(t *testing.T) {
	cases := [][]string{
		{"Tôi bị ho", "Tôi là nam"},
		{"toi bi ho", "toi la nam"},
		{"Tôi bị ho", "Nam giới, 40 tuổi"},
	}
	for _, msgs := range cases {
		e, store := newTestEngine(t)
		send(t, e, testSession, msgs...)
		latest, err := store.LatestTurn(context.Background(), testSession)
		if err != nil {
			t.Fatalf("latest turn: %v", err)
		}
		if len(latest.Symptoms) != 1 || latest.Symptoms[0] != "ho" {
			t.Fatalf("%q: symptoms = %v", msgs, latest.Symptoms)
		}
	}
}

func TestProcessMessage_MaleAnswerDoesNotPickDermatology(t *testing.T) {
	e, _ := newTestEngine(t)
	r := send(t, e, testSession, "Tôi bị chóng mặt, nam 40 tuổi, đau lưng", "8/10")[1]
	if r.Status != types.StatusInProgress || r.SuggestedDepartmentName != "" {
		t.Fatalf("unexpected recommendation %+v", r)
	}
}

func TestProcessMessage_PronounIsNotCough(t *testing.T) {
	e, store := newTestEngine(t)
	send(t, e, testSession, "Họ bảo tôi bị nổi mẩn")
	latest, err := store.LatestTurn(context.Background(), testSession)
	if err != nil {
		t.Fatalf("latest turn: %v", err)
	}
	if len(latest.Symptoms) != 1 || latest.Symptoms[0] != "nổi mẩn" {
		t.Fatalf("symptoms = %v", latest.Symptoms)
	}
}

func TestProcessMessage_ThresholdRecommendation(t *testing.T) {
	e, _ := newTestEngine(t)
	r := send(t, e, testSession, "Bé trai nhà tôi 3 tuổi bị sốt, ho, tiêu chảy, nôn, đau bụng 2 ngày nay")[0]
	if r.TurnNumber != 1 || r.Status != types.StatusCompleted {
		t.Fatalf("expected a first-turn recommendation, got %+v", r)
	}
	if r.SuggestedDepartmentName != "Nhi Khoa" {
		t.Fatalf("suggested = %q", r.SuggestedDepartmentName)
	}
	if r.Confidence < 0.7 {
		t.Fatalf("confidence = %v", r.Confidence)
	}
	if len(r.QuickReplies) != 1 || r.QuickReplies[0].Value != "__reset__" {
		t.Fatalf("unexpected quick replies %+v", r.QuickReplies)
	}
}

func TestProcessMessage_ClosedSession(t *testing.T) {
	e, store := newTestEngine(t)
	rec := &alertRecorder{}
	e.Alerts = rec
	resps := send(t, e, testSession, "Tôi đau ngực dữ dội", "cảm ơn bác sĩ")

	closed := resps[1]
	if closed.ResponseText != ClosedMessage || closed.TurnNumber != 2 || closed.Status != types.StatusCompleted {
		t.Fatalf("unexpected closed response %+v", closed)
	}
	turns, _ := store.ListTurns(context.Background(), testSession)
	if len(turns) != 2 || turns[1].RedFlag == nil {
		t.Fatalf("closed notice must carry the previous context: %+v", turns)
	}
	if n := len(rec.all()); n != 1 {
		t.Fatalf("alerts = %d, want 1", n)
	}
}

func TestResetSession(t *testing.T) {
	e, store := newTestEngine(t)
	send(t, e, testSession, "Tôi đau ngực dữ dội")

	n, err := e.ResetSession(context.Background(), testSession)
	if err != nil || n != 1 {
		t.Fatalf("ResetSession = %d, %v", n, err)
	}
	r := send(t, e, testSession, "xin chào")[0]
	if r.TurnNumber != 1 || r.Status != types.StatusInProgress {
		t.Fatalf("session did not restart: %+v", r)
	}
	turns, _ := store.ListTurns(context.Background(), testSession)
	if len(turns) != 1 || turns[0].RedFlag != nil {
		t.Fatalf("old context leaked into new session: %+v", turns)
	}

	if _, err := e.ResetSession(context.Background(), " "); !errors.Is(err, ErrMissingSession) {
		t.Fatalf("expected ErrMissingSession, got %v", err)
	}
}

func TestProcessMessage_Validation(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()

	cases := []struct {
		name    string
		msg     string
		session string
		want    error
	}{
		{"missing session", "xin chào", "  ", ErrMissingSession},
		{"empty message", " \n\t ", testSession, ErrEmptyMessage},
		{"too long", strings.Repeat("á", MaxMessageLength+1), testSession, ErrMessageTooLong},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.ProcessMessage(ctx, tc.msg, tc.session)
			if !errors.Is(err, tc.want) || !IsValidationError(err) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
		})
	}
	if turns, _ := store.ListTurns(ctx, testSession); len(turns) != 0 {
		t.Fatalf("rejected messages must not be stored")
	}

	if _, err := e.ProcessMessage(ctx, strings.Repeat("á", MaxMessageLength), testSession); err != nil {
		t.Fatalf("message at the limit rejected: %v", err)
	}
}

// racingLog simulates another writer taking the turn number just before each
// append.
type racingLog struct {
	*db.MemoryStore
	races int
	calls int
}

func (r *racingLog) AppendTurn(ctx context.Context, t *types.Turn) (int64, error) {
	r.calls++
	if r.races < 0 || r.calls <= r.races {
		q := types.QuestionSymptoms
		competitor := &types.Turn{
			SessionID:        t.SessionID,
			TurnNumber:       t.TurnNumber,
			UserMessage:      "tin nhắn song song",
			BotResponse:      symptomPrompt(t.TurnNumber),
			Symptoms:         []string{},
			Status:           types.StatusInProgress,
			LastQuestionType: &q,
		}
		if _, err := r.MemoryStore.AppendTurn(ctx, competitor); err != nil {
			return 0, err
		}
	}
	return r.MemoryStore.AppendTurn(ctx, t)
}

func TestProcessMessage_RetriesOnTurnConflict(t *testing.T) {
	store := seededStore(t)
	log := &racingLog{MemoryStore: store, races: 1}
	e := NewEngine(store, log, nil)

	r := send(t, e, testSession, "xin chào")[0]
	if r.TurnNumber != 2 {
		t.Fatalf("turn = %d, want 2 after one conflict", r.TurnNumber)
	}
	if log.calls != 2 {
		t.Fatalf("append calls = %d, want 2", log.calls)
	}
}

func TestProcessMessage_GivesUpAfterRepeatedConflicts(t *testing.T) {
	store := seededStore(t)
	log := &racingLog{MemoryStore: store, races: -1}
	e := NewEngine(store, log, nil)

	_, err := e.ProcessMessage(context.Background(), "xin chào", testSession)
	if !errors.Is(err, types.ErrTurnConflict) {
		t.Fatalf("expected ErrTurnConflict, got %v", err)
	}
	if log.calls != maxAppendAttempts {
		t.Fatalf("append calls = %d, want %d", log.calls, maxAppendAttempts)
	}
}

func TestProcessMessage_ConcurrentMessagesGetDistinctTurns(t *testing.T) {
	e, store := newTestEngine(t)
	e.Locker = lock.NewLocal()

	const n = 10
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.ProcessMessage(context.Background(), "xin chào", testSession); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent message failed: %v", err)
	}

	turns, _ := store.ListTurns(context.Background(), testSession)
	if len(turns) != n {
		t.Fatalf("turns = %d, want %d", len(turns), n)
	}
	for i, tr := range turns {
		if tr.TurnNumber != i+1 {
			t.Fatalf("turn at %d has number %d", i, tr.TurnNumber)
		}
	}
}

type failingReference struct {
	ReferenceStore
}

func (failingReference) ActiveRedFlags(context.Context) ([]types.RedFlagRule, error) {
	return nil, errors.New("relation red_flags does not exist")
}

func TestProcessMessage_ReferenceFailureStoresNothing(t *testing.T) {
	store := seededStore(t)
	e := NewEngine(failingReference{store}, store, nil)

	_, err := e.ProcessMessage(context.Background(), "xin chào", testSession)
	if err == nil || IsValidationError(err) {
		t.Fatalf("expected an internal error, got %v", err)
	}
	if turns, _ := store.ListTurns(context.Background(), testSession); len(turns) != 0 {
		t.Fatalf("nothing should be stored, got %d turns", len(turns))
	}
}

type fakeLLM struct {
	reply string
	err   error
}

func (f fakeLLM) Summarize(context.Context, string) (string, error) { return f.reply, f.err }

func TestProcessMessage_WritesHandoffSummary(t *testing.T) {
	e, store := newTestEngine(t)
	e.Summarizer = NewSummarizer(fakeLLM{reply: "Đau ngực; khó thở\nBệnh nhân đau ngực dữ dội kèm khó thở."})
	e.Summaries = store
	done := make(chan string, 1)
	e.summaryDone = func(id string) { done <- id }

	send(t, e, testSession, "Tôi đau ngực dữ dội, khó thở")
	select {
	case id := <-done:
		if id != testSession {
			t.Fatalf("summary for %q", id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("summary was not written")
	}

	sum, err := store.GetSummary(context.Background(), testSession)
	if err != nil {
		t.Fatalf("GetSummary: %v", err)
	}
	if len(sum.KeyPoints) != 2 || sum.KeyPoints[0] != "Đau ngực" {
		t.Fatalf("unexpected key points %v", sum.KeyPoints)
	}
	if !strings.Contains(sum.FreeText, "khó thở") {
		t.Fatalf("unexpected free text %q", sum.FreeText)
	}
}

func TestHistory(t *testing.T) {
	e, _ := newTestEngine(t)
	send(t, e, testSession, "xin chào", "tôi bị ho")

	turns, err := e.History(context.Background(), testSession)
	if err != nil || len(turns) != 2 {
		t.Fatalf("History = %d turns, %v", len(turns), err)
	}
	if turns[1].UserMessage != "tôi bị ho" {
		t.Fatalf("unexpected order: %+v", turns)
	}
	if _, err := e.History(context.Background(), ""); !errors.Is(err, ErrMissingSession) {
		t.Fatalf("expected ErrMissingSession, got %v", err)
	}
}
