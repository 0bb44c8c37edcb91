package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pavelanni/quizforge/internal/evaluate"
	"github.com/pavelanni/quizforge/internal/model"
)

// fakeSource is a scriptable Source. Generate and Analyze fall back to
// well-formed answers when no override is set.
type fakeSource struct {
	mu           sync.Mutex
	genCalls     []model.GenerateRequest
	analyzeCalls [][]model.Question
	seq          int

	generate func(call int, req model.GenerateRequest) ([]model.Question, error)
	analyze  func(history []model.Question) (model.PerformanceReport, error)
	// gate, when set, holds Generate until it is closed or ctx ends.
	gate chan struct{}
}

func (f *fakeSource) Generate(ctx context.Context, req model.GenerateRequest) ([]model.Question, error) {
	f.mu.Lock()
	f.genCalls = append(f.genCalls, req)
	call := len(f.genCalls)
	gate := f.gate
	gen := f.generate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if gen != nil {
		return gen(call, req)
	}
	return f.batch(req.Count, req.Difficulties[0]), nil
}

func (f *fakeSource) Analyze(_ context.Context, history []model.Question) (model.PerformanceReport, error) {
	f.mu.Lock()
	f.analyzeCalls = append(f.analyzeCalls, history)
	an := f.analyze
	f.mu.Unlock()
	if an != nil {
		return an(history)
	}
	return model.PerformanceReport{
		OverallPerformance: fmt.Sprintf("answered %d", len(history)),
		Strengths:          []string{"recall"},
		Weaknesses:         []string{"synthesis"},
		Recommendations:    []string{"review chapter 2"},
	}, nil
}

// batch builds n mcq questions whose correct answer is option 1.
func (f *fakeSource) batch(n int, d model.Difficulty) []model.Question {
	f.mu.Lock()
	defer f.mu.Unlock()
	qs := make([]model.Question, n)
	for i := range qs {
		f.seq++
		qs[i] = model.Question{
			ID:         fmt.Sprintf("q%d", f.seq),
			Prompt:     fmt.Sprintf("question %d", f.seq),
			Difficulty: d,
			Body: model.MultipleChoice{
				Options:        [model.OptionCount]string{"a", "b", "c", "d"},
				CorrectIndices: []int{1},
			},
		}
	}
	return qs
}

func (f *fakeSource) generateCalls() []model.GenerateRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.GenerateRequest(nil), f.genCalls...)
}

func (f *fakeSource) analyzeHistory() [][]model.Question {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]model.Question(nil), f.analyzeCalls...)
}

type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string][]byte)}
}

func (m *memStore) SaveSnapshot(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = append([]byte(nil), data...)
	return nil
}

func (m *memStore) LoadSnapshot(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[key], nil
}

func (m *memStore) DeleteSnapshot(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memStore) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[key]
	return ok
}

func newTestOrchestrator(t *testing.T, src *fakeSource, opts Options) *Orchestrator {
	t.Helper()
	if opts.TickInterval == 0 {
		opts.TickInterval = time.Hour
	}
	o := New(src, opts)
	t.Cleanup(o.Close)
	return o
}

func waitFor(t *testing.T, o *Orchestrator, what string, cond func(model.Snapshot) bool) model.Snapshot {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		snap := o.Snapshot()
		if cond(snap) {
			return snap
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s; last snapshot: stage=%s generating=%v notice=%+v",
				what, snap.Stage, snap.Generating, snap.Notice)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitStage(t *testing.T, o *Orchestrator, stage model.Stage) model.Snapshot {
	t.Helper()
	return waitFor(t, o, "stage "+string(stage), func(s model.Snapshot) bool {
		return s.Stage == stage && !s.Generating
	})
}

func pdf(name string) model.SourceDocument {
	return model.SourceDocument{Name: name, Kind: model.DocumentPDF, Data: []byte("%PDF-1.7 study notes")}
}

func examConfig(count int) model.SessionConfig {
	return model.SessionConfig{
		QuestionCount:    count,
		Difficulties:     []model.Difficulty{model.DifficultyMedium},
		QuestionType:     model.TypeMCQ,
		TimeLimitMinutes: 1,
	}
}

func mustOK(t *testing.T, what string, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %v", what, err)
	}
}

// startSession drives a session through mode selection, upload and start.
func startSession(t *testing.T, o *Orchestrator, mode model.Mode, cfg model.SessionConfig) model.Snapshot {
	t.Helper()
	mustOK(t, "SelectMode", o.SelectMode(mode))
	mustOK(t, "Upload", o.Upload([]model.SourceDocument{pdf("notes.pdf")}))
	mustOK(t, "Start", o.Start(cfg))
	return waitStage(t, o, model.StageQuiz)
}

func TestExamRunsToReport(t *testing.T) {
	src := &fakeSource{}
	o := newTestOrchestrator(t, src, Options{})

	snap := startSession(t, o, model.ModeExam, examConfig(2))
	if len(snap.Questions) != 2 || snap.CurrentIndex != 0 {
		t.Fatalf("expected 2 questions at index 0, got %d at %d", len(snap.Questions), snap.CurrentIndex)
	}
	if snap.SecondsRemaining != 60 {
		t.Errorf("expected 60 seconds on the clock, got %d", snap.SecondsRemaining)
	}

	mustOK(t, "Submit", o.Submit(model.Selection{1}))
	mustOK(t, "Advance", o.Advance())
	mustOK(t, "Submit", o.Submit(model.Selection{0}))
	mustOK(t, "Advance", o.Advance())

	snap = waitStage(t, o, model.StageReport)
	if snap.Score != (model.Score{Correct: 1, Total: 2}) {
		t.Errorf("score = %+v, want {1 2}", snap.Score)
	}
	if snap.Report == nil || snap.Report.OverallPerformance != "answered 2" {
		t.Errorf("unexpected report %+v", snap.Report)
	}
	if calls := src.analyzeHistory(); len(calls) != 1 || len(calls[0]) != 2 {
		t.Errorf("expected one analyze call with 2 questions, got %v", calls)
	}
}

func TestExamTimerExpiryEndsSession(t *testing.T) {
	src := &fakeSource{}
	o := newTestOrchestrator(t, src, Options{TickInterval: 5 * time.Millisecond})

	startSession(t, o, model.ModeExam, examConfig(2))
	mustOK(t, "Submit", o.Submit(model.Selection{1}))
	mustOK(t, "Advance", o.Advance())

	snap := waitStage(t, o, model.StageReport)
	if len(snap.History) != 1 {
		t.Errorf("history length = %d, want 1", len(snap.History))
	}
	if snap.Score != (model.Score{Correct: 1, Total: 1}) {
		t.Errorf("score = %+v, want {1 1}", snap.Score)
	}
	if snap.SecondsRemaining != 0 {
		t.Errorf("expected clock at 0, got %d", snap.SecondsRemaining)
	}
	calls := src.analyzeHistory()
	if len(calls) != 1 || len(calls[0]) != 1 {
		t.Fatalf("expected analyze with a 1-item history, got %v", calls)
	}
	if calls[0][0].Answer == nil {
		t.Errorf("analyzed question carries no answer")
	}
}

func TestExamTimerExpiryWithUnansweredQuestions(t *testing.T) {
	src := &fakeSource{}
	o := newTestOrchestrator(t, src, Options{TickInterval: 5 * time.Millisecond})

	startSession(t, o, model.ModeExam, examConfig(10))
	for i := 0; i < 3; i++ {
		mustOK(t, "Submit", o.Submit(model.Selection{1}))
		mustOK(t, "Advance", o.Advance())
	}

	snap := waitStage(t, o, model.StageReport)
	if len(snap.History) != 3 || snap.Score.Total != 3 {
		t.Errorf("expected 3 answered, got history=%d total=%d", len(snap.History), snap.Score.Total)
	}
	if len(snap.Questions) != 10 {
		t.Errorf("question list should be kept, got %d", len(snap.Questions))
	}
	if err := o.Submit(model.Selection{1}); !errors.Is(err, ErrWrongStage) {
		t.Errorf("Submit after expiry: expected ErrWrongStage, got %v", err)
	}
}

func TestStartFailureReturnsToConfiguring(t *testing.T) {
	src := &fakeSource{generate: func(int, model.GenerateRequest) ([]model.Question, error) {
		return nil, errors.New("service unavailable")
	}}
	o := newTestOrchestrator(t, src, Options{})

	mustOK(t, "SelectMode", o.SelectMode(model.ModeExam))
	mustOK(t, "Upload", o.Upload([]model.SourceDocument{pdf("a.pdf")}))
	mustOK(t, "Start", o.Start(examConfig(3)))

	snap := waitFor(t, o, "failure notice", func(s model.Snapshot) bool { return s.Notice != nil })
	if snap.Stage != model.StageConfiguring {
		t.Errorf("stage = %s, want configuring", snap.Stage)
	}
	if len(snap.Questions) != 0 {
		t.Errorf("expected no questions, got %d", len(snap.Questions))
	}
	if snap.Generating {
		t.Errorf("generating flag left set")
	}
	if snap.Notice.ID != model.NoticeGenerationFailed {
		t.Errorf("notice = %q, want %q", snap.Notice.ID, model.NoticeGenerationFailed)
	}
	if n := len(src.generateCalls()); n != 1 {
		t.Errorf("expected exactly one generate call, got %d", n)
	}
}

func TestStartTreatsShortBatchAsFailure(t *testing.T) {
	src := &fakeSource{}
	src.generate = func(_ int, req model.GenerateRequest) ([]model.Question, error) {
		return src.batch(req.Count-1, model.DifficultyMedium), nil
	}
	o := newTestOrchestrator(t, src, Options{})

	mustOK(t, "SelectMode", o.SelectMode(model.ModeExam))
	mustOK(t, "Upload", o.Upload([]model.SourceDocument{pdf("a.pdf")}))
	mustOK(t, "Start", o.Start(examConfig(4)))

	snap := waitFor(t, o, "failure notice", func(s model.Snapshot) bool { return s.Notice != nil })
	if snap.Stage != model.StageConfiguring || len(snap.Questions) != 0 {
		t.Errorf("expected configuring with no questions, got %s with %d", snap.Stage, len(snap.Questions))
	}
}

func TestStartRejectsInvalidConfig(t *testing.T) {
	src := &fakeSource{}
	o := newTestOrchestrator(t, src, Options{})
	mustOK(t, "SelectMode", o.SelectMode(model.ModeExam))
	mustOK(t, "Upload", o.Upload([]model.SourceDocument{pdf("a.pdf")}))

	bad := []model.SessionConfig{
		{QuestionCount: 0, Difficulties: []model.Difficulty{model.DifficultyLow}, QuestionType: model.TypeMCQ, TimeLimitMinutes: 5},
		{QuestionCount: 5, QuestionType: model.TypeMCQ, TimeLimitMinutes: 5},
		{QuestionCount: 5, Difficulties: []model.Difficulty{model.DifficultyLow}, QuestionType: model.TypeMCQ, TimeLimitMinutes: -1},
	}
	for i, cfg := range bad {
		if err := o.Start(cfg); !errors.Is(err, model.ErrInvalidConfig) {
			t.Errorf("config %d: expected ErrInvalidConfig, got %v", i, err)
		}
	}
	if n := len(src.generateCalls()); n != 0 {
		t.Errorf("expected no generate calls, got %d", n)
	}
	if snap := o.Snapshot(); snap.Stage != model.StageConfiguring {
		t.Errorf("stage = %s, want configuring", snap.Stage)
	}
}

func TestUploadLimits(t *testing.T) {
	big := model.SourceDocument{Name: "big.pdf", Kind: model.DocumentPDF, Data: make([]byte, model.MaxTotalDocumentBytes+1)}

	tests := []struct {
		name string
		mode model.Mode
		docs []model.SourceDocument
		want error
	}{
		{"none", model.ModeExam, nil, ErrNoDocuments},
		{"quiz takes one", model.ModeQuiz, []model.SourceDocument{pdf("a"), pdf("b")}, ErrTooManyDocuments},
		{"exam takes five", model.ModeExam, []model.SourceDocument{pdf("a"), pdf("b"), pdf("c"), pdf("d"), pdf("e"), pdf("f")}, ErrTooManyDocuments},
		{"oversize", model.ModeExam, []model.SourceDocument{big}, ErrPayloadTooLarge},
		{"empty payload", model.ModeExam, []model.SourceDocument{{Name: "x.pdf", Kind: model.DocumentPDF}}, ErrNoDocuments},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := newTestOrchestrator(t, &fakeSource{}, Options{})
			mustOK(t, "SelectMode", o.SelectMode(tt.mode))
			if err := o.Upload(tt.docs); !errors.Is(err, tt.want) {
				t.Errorf("Upload: expected %v, got %v", tt.want, err)
			}
			if snap := o.Snapshot(); snap.Stage != model.StageUploading {
				t.Errorf("stage = %s, want uploading", snap.Stage)
			}
		})
	}
}

func TestUploadRequiresUploadingStage(t *testing.T) {
	o := newTestOrchestrator(t, &fakeSource{}, Options{})
	if err := o.Upload([]model.SourceDocument{pdf("a.pdf")}); !errors.Is(err, ErrWrongStage) {
		t.Errorf("expected ErrWrongStage before mode selection, got %v", err)
	}
	if err := o.SelectMode("speedrun"); !errors.Is(err, ErrInvalidMode) {
		t.Errorf("expected ErrInvalidMode, got %v", err)
	}
}

func TestSubmitIsAcceptedOnce(t *testing.T) {
	o := newTestOrchestrator(t, &fakeSource{}, Options{})
	startSession(t, o, model.ModeExam, examConfig(3))

	mustOK(t, "Submit", o.Submit(model.Selection{1}))
	if err := o.Submit(model.Selection{0}); !errors.Is(err, ErrAlreadyAnswered) {
		t.Errorf("expected ErrAlreadyAnswered, got %v", err)
	}
	snap := o.Snapshot()
	if snap.Score != (model.Score{Correct: 1, Total: 1}) {
		t.Errorf("score = %+v, want {1 1}", snap.Score)
	}
	q, _ := snap.Current()
	if q.Correct == nil || !*q.Correct {
		t.Errorf("first verdict should stand")
	}
	if err := o.Submit(model.TextResponse("free text")); err == nil {
		t.Errorf("expected error for mismatched answer kind")
	}
}

func TestScoreTotalTracksHistory(t *testing.T) {
	o := newTestOrchestrator(t, &fakeSource{}, Options{})
	startSession(t, o, model.ModeExam, examConfig(6))

	answers := []model.Selection{{1}, {0}, {1, 2}, {1}, {}, {1}}
	for i, a := range answers {
		mustOK(t, "Submit", o.Submit(a))
		snap := o.Snapshot()
		if snap.Score.Total != len(snap.History) {
			t.Fatalf("after answer %d: total %d != history %d", i, snap.Score.Total, len(snap.History))
		}
		if i < len(answers)-1 {
			mustOK(t, "Advance", o.Advance())
		}
	}
	if snap := o.Snapshot(); snap.Score.Correct != 3 {
		t.Errorf("correct = %d, want 3", snap.Score.Correct)
	}
}

func TestExamSkippingLeavesScoreAlone(t *testing.T) {
	o := newTestOrchestrator(t, &fakeSource{}, Options{})
	startSession(t, o, model.ModeExam, examConfig(2))
	mustOK(t, "Advance", o.Advance())
	mustOK(t, "Advance", o.Advance())

	snap := waitStage(t, o, model.StageSummary)
	if snap.Score.Total != 0 || len(snap.History) != 0 {
		t.Errorf("expected empty score, got %+v", snap.Score)
	}
	if snap.Notice == nil || snap.Notice.ID != model.NoticeNothingToAnalyze {
		t.Errorf("expected NothingToAnalyze notice, got %+v", snap.Notice)
	}
}

func TestReportFailureStaysInSummary(t *testing.T) {
	src := &fakeSource{analyze: func([]model.Question) (model.PerformanceReport, error) {
		return model.PerformanceReport{}, errors.New("quota exceeded")
	}}
	o := newTestOrchestrator(t, src, Options{})
	startSession(t, o, model.ModeExam, examConfig(1))
	mustOK(t, "Submit", o.Submit(model.Selection{1}))
	mustOK(t, "Advance", o.Advance())

	snap := waitFor(t, o, "report failure", func(s model.Snapshot) bool {
		return s.Notice != nil && s.Notice.ID == model.NoticeReportFailed
	})
	if snap.Stage != model.StageSummary || snap.Report != nil {
		t.Errorf("expected summary without report, got %s %+v", snap.Stage, snap.Report)
	}
	if snap.Score.Total != 1 {
		t.Errorf("score lost on report failure: %+v", snap.Score)
	}
}

func quizConfig() model.SessionConfig {
	return model.SessionConfig{Difficulties: []model.Difficulty{model.DifficultyMedium}, QuestionType: model.TypeMCQ}
}

func TestQuickQuizFetchesNextBatch(t *testing.T) {
	src := &fakeSource{}
	o := newTestOrchestrator(t, src, Options{BatchSize: 3})

	snap := startSession(t, o, model.ModeQuiz, quizConfig())
	if len(snap.Questions) != 3 {
		t.Fatalf("expected batch of 3, got %d", len(snap.Questions))
	}
	first := snap.Questions[0].ID
	for i := 0; i < 3; i++ {
		mustOK(t, "Submit", o.Submit(model.Selection{1}))
		mustOK(t, "Advance", o.Advance())
	}

	snap = waitFor(t, o, "second batch", func(s model.Snapshot) bool {
		return !s.Generating && len(s.Questions) == 3 && s.Questions[0].ID != first
	})
	if snap.Stage != model.StageQuiz || snap.CurrentIndex != 0 {
		t.Errorf("expected quiz at index 0, got %s at %d", snap.Stage, snap.CurrentIndex)
	}
	if len(snap.History) != 3 {
		t.Errorf("history length = %d, want 3", len(snap.History))
	}
	calls := src.generateCalls()
	if len(calls) != 2 || calls[1].Count != 3 {
		t.Fatalf("expected 2 generate calls of 3, got %+v", calls)
	}
	if len(calls[1].Avoid) != 3 {
		t.Errorf("expected the 3 answered prompts in the avoid list, got %v", calls[1].Avoid)
	}
}

func TestQuickQuizNextBatchFailureEndsSession(t *testing.T) {
	src := &fakeSource{}
	src.generate = func(call int, req model.GenerateRequest) ([]model.Question, error) {
		if call > 1 {
			return nil, errors.New("network down")
		}
		return src.batch(req.Count, model.DifficultyMedium), nil
	}
	o := newTestOrchestrator(t, src, Options{BatchSize: 5})

	startSession(t, o, model.ModeQuiz, quizConfig())
	for i := 0; i < 5; i++ {
		mustOK(t, "Submit", o.Submit(model.Selection{1}))
		mustOK(t, "Advance", o.Advance())
	}

	snap := waitStage(t, o, model.StageSummary)
	if len(snap.History) != 5 {
		t.Errorf("history length = %d, want 5", len(snap.History))
	}
	if snap.Notice == nil || snap.Notice.ID != model.NoticeNextBatchFailed {
		t.Errorf("expected NextBatchFailed notice, got %+v", snap.Notice)
	}
	time.Sleep(20 * time.Millisecond)
	if n := len(src.generateCalls()); n != 2 {
		t.Errorf("expected 2 generate calls (no retry), got %d", n)
	}
	if n := len(src.analyzeHistory()); n != 0 {
		t.Errorf("quick quiz should not request a report, got %d calls", n)
	}
}

func TestQuickQuizDifficultyChange(t *testing.T) {
	src := &fakeSource{}
	o := newTestOrchestrator(t, src, Options{BatchSize: 2})
	snap := startSession(t, o, model.ModeQuiz, quizConfig())
	first := snap.Questions[0].ID

	mustOK(t, "Advance", o.Advance())
	mustOK(t, "ChangeDifficulty", o.ChangeDifficulty(model.DifficultyHigh))

	snap = waitFor(t, o, "new batch", func(s model.Snapshot) bool {
		return !s.Generating && s.Questions[0].ID != first
	})
	if snap.CurrentIndex != 0 {
		t.Errorf("index = %d, want 0", snap.CurrentIndex)
	}
	if got := snap.Config.Difficulties; len(got) != 1 || got[0] != model.DifficultyHigh {
		t.Errorf("difficulties = %v, want [high]", got)
	}
	calls := src.generateCalls()
	if last := calls[len(calls)-1]; len(last.Difficulties) != 1 || last.Difficulties[0] != model.DifficultyHigh {
		t.Errorf("request difficulties = %v, want [high]", last.Difficulties)
	}
}

func TestQuickQuizDifficultyChangeFailureKeepsQuestion(t *testing.T) {
	src := &fakeSource{}
	src.generate = func(call int, req model.GenerateRequest) ([]model.Question, error) {
		if call > 1 {
			return nil, errors.New("timeout")
		}
		return src.batch(req.Count, model.DifficultyMedium), nil
	}
	o := newTestOrchestrator(t, src, Options{BatchSize: 3})
	startSession(t, o, model.ModeQuiz, quizConfig())
	mustOK(t, "Submit", o.Submit(model.Selection{0}))
	before := o.Snapshot()

	mustOK(t, "ChangeDifficulty", o.ChangeDifficulty(model.DifficultyLow))
	after := waitFor(t, o, "difficulty failure", func(s model.Snapshot) bool {
		return s.Notice != nil && !s.Generating
	})

	if after.Notice.ID != model.NoticeDifficultyFailed {
		t.Errorf("notice = %q, want %q", after.Notice.ID, model.NoticeDifficultyFailed)
	}
	if after.Stage != model.StageQuiz || after.CurrentIndex != before.CurrentIndex {
		t.Errorf("session interrupted: %s at %d", after.Stage, after.CurrentIndex)
	}
	bq, _ := before.Current()
	aq, _ := after.Current()
	if aq.ID != bq.ID || aq.Answer == nil || aq.Correct == nil || *aq.Correct {
		t.Errorf("current question changed: before %+v after %+v", bq, aq)
	}
	if got := after.Config.Difficulties; len(got) != 1 || got[0] != model.DifficultyMedium {
		t.Errorf("config replaced on failure: %v", got)
	}
}

func TestDifficultyChangeRejectedForExam(t *testing.T) {
	o := newTestOrchestrator(t, &fakeSource{}, Options{})
	startSession(t, o, model.ModeExam, examConfig(2))
	if err := o.ChangeDifficulty(model.DifficultyHigh); !errors.Is(err, ErrWrongMode) {
		t.Errorf("expected ErrWrongMode, got %v", err)
	}
}

func TestOneRequestInFlight(t *testing.T) {
	src := &fakeSource{}
	o := newTestOrchestrator(t, src, Options{BatchSize: 1})
	startSession(t, o, model.ModeQuiz, quizConfig())

	src.mu.Lock()
	src.gate = make(chan struct{})
	src.mu.Unlock()

	mustOK(t, "Advance", o.Advance())
	waitFor(t, o, "generating", func(s model.Snapshot) bool { return s.Generating })

	if err := o.ChangeDifficulty(model.DifficultyHigh); !errors.Is(err, ErrBusy) {
		t.Errorf("ChangeDifficulty while busy: expected ErrBusy, got %v", err)
	}
	if err := o.Advance(); !errors.Is(err, ErrBusy) {
		t.Errorf("Advance while busy: expected ErrBusy, got %v", err)
	}

	src.mu.Lock()
	close(src.gate)
	src.gate = nil
	src.mu.Unlock()
	waitFor(t, o, "batch installed", func(s model.Snapshot) bool { return !s.Generating })

	if n := len(src.generateCalls()); n != 2 {
		t.Errorf("expected 2 generate calls, got %d", n)
	}
}

func TestResetDropsLateResult(t *testing.T) {
	src := &fakeSource{gate: make(chan struct{})}
	o := newTestOrchestrator(t, src, Options{})

	mustOK(t, "SelectMode", o.SelectMode(model.ModeExam))
	mustOK(t, "Upload", o.Upload([]model.SourceDocument{pdf("a.pdf")}))
	mustOK(t, "Start", o.Start(examConfig(2)))
	waitFor(t, o, "generating", func(s model.Snapshot) bool { return s.Generating })

	mustOK(t, "Reset", o.Reset())
	close(src.gate)
	time.Sleep(20 * time.Millisecond)

	snap := o.Snapshot()
	if snap.Stage != model.StageChoosingMode {
		t.Errorf("stage = %s, want choosing_mode", snap.Stage)
	}
	if len(snap.Questions) != 0 || snap.Generating || len(snap.Documents) != 0 {
		t.Errorf("late result leaked into reset session: %+v", snap)
	}
}

func TestResetStopsTimer(t *testing.T) {
	o := newTestOrchestrator(t, &fakeSource{}, Options{TickInterval: 2 * time.Millisecond})
	startSession(t, o, model.ModeExam, examConfig(2))
	mustOK(t, "Reset", o.Reset())
	mustOK(t, "SelectMode", o.SelectMode(model.ModeExam))

	time.Sleep(200 * time.Millisecond)
	snap := o.Snapshot()
	if snap.Stage != model.StageUploading || snap.SecondsRemaining != 0 {
		t.Errorf("cancelled timer fired: stage=%s remaining=%d", snap.Stage, snap.SecondsRemaining)
	}
}

func TestEndQuickQuiz(t *testing.T) {
	src := &fakeSource{}
	o := newTestOrchestrator(t, src, Options{})
	startSession(t, o, model.ModeQuiz, quizConfig())
	mustOK(t, "Submit", o.Submit(model.Selection{1}))
	mustOK(t, "End", o.End())

	snap := o.Snapshot()
	if snap.Stage != model.StageSummary {
		t.Errorf("stage = %s, want summary", snap.Stage)
	}
	if len(src.analyzeHistory()) != 0 {
		t.Errorf("quick quiz should not be analyzed")
	}
	if err := o.End(); !errors.Is(err, ErrWrongStage) {
		t.Errorf("second End: expected ErrWrongStage, got %v", err)
	}
}

func TestRestoreWithoutPayloadReturnsToUpload(t *testing.T) {
	store := newMemStore()
	src := &fakeSource{}
	opts := Options{Key: "session:test", Store: store}

	o := New(src, opts)
	mustOK(t, "SelectMode", o.SelectMode(model.ModeExam))
	mustOK(t, "Upload", o.Upload([]model.SourceDocument{pdf("notes.pdf")}))
	o.Close()

	restored := newTestOrchestrator(t, src, opts)
	snap := restored.Snapshot()
	if snap.Stage != model.StageConfiguring || len(snap.Documents) != 1 || snap.Documents[0] != "notes.pdf" {
		t.Fatalf("unexpected restored snapshot: %+v", snap)
	}

	err := restored.Start(examConfig(2))
	if !errors.Is(err, ErrDocumentsUnavailable) {
		t.Fatalf("expected ErrDocumentsUnavailable, got %v", err)
	}
	snap = restored.Snapshot()
	if snap.Stage != model.StageUploading {
		t.Errorf("stage = %s, want uploading", snap.Stage)
	}
	if snap.Notice == nil || snap.Notice.ID != model.NoticeDocumentsUnavailable {
		t.Errorf("expected DocumentsUnavailable notice, got %+v", snap.Notice)
	}
	if n := len(src.generateCalls()); n != 0 {
		t.Errorf("no request should be issued without payload, got %d", n)
	}
}

func TestRestoreKeepsAnsweredQuestions(t *testing.T) {
	store := newMemStore()
	opts := Options{Key: "session:exam", Store: store, TickInterval: time.Hour}

	o := New(&fakeSource{}, opts)
	startSession(t, o, model.ModeExam, examConfig(3))
	mustOK(t, "Submit", o.Submit(model.Selection{1}))
	o.Close()

	restored := newTestOrchestrator(t, &fakeSource{}, opts)
	snap := restored.Snapshot()
	if snap.Stage != model.StageQuiz || len(snap.Questions) != 3 {
		t.Fatalf("unexpected restored snapshot: stage=%s questions=%d", snap.Stage, len(snap.Questions))
	}
	if snap.Score != (model.Score{Correct: 1, Total: 1}) || len(snap.History) != 1 {
		t.Errorf("score/history not restored: %+v / %d", snap.Score, len(snap.History))
	}
	if err := restored.Submit(model.Selection{1}); !errors.Is(err, ErrAlreadyAnswered) {
		t.Errorf("restored answer should block resubmission, got %v", err)
	}
}

func TestEmptySelectionIsNotAnAnswer(t *testing.T) {
	store := newMemStore()
	opts := Options{Key: "session:empty", Store: store, TickInterval: time.Hour}

	o := New(&fakeSource{}, opts)
	startSession(t, o, model.ModeExam, examConfig(2))
	if err := o.Submit(model.Selection{}); !errors.Is(err, evaluate.ErrEmptySelection) {
		t.Fatalf("expected ErrEmptySelection, got %v", err)
	}
	snap := o.Snapshot()
	if snap.Score.Total != 0 || len(snap.History) != 0 || snap.Questions[0].Answered() {
		t.Fatalf("empty selection must not be recorded: score=%+v history=%d", snap.Score, len(snap.History))
	}
	mustOK(t, "Submit", o.Submit(model.Selection{1}))
	o.Close()

	restored := newTestOrchestrator(t, &fakeSource{}, opts)
	if err := restored.Submit(model.Selection{1}); !errors.Is(err, ErrAlreadyAnswered) {
		t.Errorf("restored answer should block resubmission, got %v", err)
	}
	snap = restored.Snapshot()
	if snap.Score != (model.Score{Correct: 1, Total: 1}) || len(snap.History) != 1 {
		t.Errorf("score/history changed after restore: %+v / %d", snap.Score, len(snap.History))
	}
}

func TestRestoreResumesInterruptedReport(t *testing.T) {
	store := newMemStore()
	opts := Options{Key: "session:report", Store: store, TickInterval: time.Hour}

	release := make(chan struct{})
	defer close(release)
	src := &fakeSource{analyze: func([]model.Question) (model.PerformanceReport, error) {
		<-release
		return model.PerformanceReport{}, errors.New("released")
	}}
	o := New(src, opts)
	startSession(t, o, model.ModeExam, examConfig(1))
	mustOK(t, "Submit", o.Submit(model.Selection{1}))
	mustOK(t, "Advance", o.Advance())
	waitFor(t, o, "report in flight", func(s model.Snapshot) bool {
		return s.Stage == model.StageSummary && s.Generating
	})
	o.Close()

	restoredSrc := &fakeSource{}
	restored := newTestOrchestrator(t, restoredSrc, opts)
	snap := waitStage(t, restored, model.StageReport)
	if snap.Report == nil || snap.Report.OverallPerformance != "answered 1" {
		t.Errorf("unexpected report %+v", snap.Report)
	}
	if n := len(restoredSrc.analyzeHistory()); n != 1 {
		t.Errorf("expected one report request after restore, got %d", n)
	}
}

func TestRestoreKeepsFailedReportNotice(t *testing.T) {
	store := newMemStore()
	opts := Options{Key: "session:failed", Store: store, TickInterval: time.Hour}

	src := &fakeSource{analyze: func([]model.Question) (model.PerformanceReport, error) {
		return model.PerformanceReport{}, errors.New("model overloaded")
	}}
	o := New(src, opts)
	startSession(t, o, model.ModeExam, examConfig(1))
	mustOK(t, "Submit", o.Submit(model.Selection{1}))
	mustOK(t, "Advance", o.Advance())
	waitFor(t, o, "report failure", func(s model.Snapshot) bool { return s.Notice != nil })
	o.Close()

	restoredSrc := &fakeSource{}
	restored := newTestOrchestrator(t, restoredSrc, opts)
	snap := restored.Snapshot()
	if snap.Stage != model.StageSummary || snap.Notice == nil || snap.Notice.ID != model.NoticeReportFailed {
		t.Errorf("unexpected restored snapshot: stage=%s notice=%+v", snap.Stage, snap.Notice)
	}
	if n := len(restoredSrc.analyzeHistory()); n != 0 {
		t.Errorf("a failed report must not be retried on restore, got %d requests", n)
	}
}

func TestResetDeletesSnapshot(t *testing.T) {
	store := newMemStore()
	o := newTestOrchestrator(t, &fakeSource{}, Options{Key: "k", Store: store})
	mustOK(t, "SelectMode", o.SelectMode(model.ModeQuiz))
	o.Snapshot()
	if !store.has("k") {
		t.Fatal("expected snapshot after mode selection")
	}
	mustOK(t, "Reset", o.Reset())
	o.Snapshot()
	if store.has("k") {
		t.Error("expected snapshot removed after reset")
	}
}

func TestSubscribeReceivesChanges(t *testing.T) {
	o := newTestOrchestrator(t, &fakeSource{}, Options{})
	ch, cancel := o.Subscribe()
	defer cancel()

	mustOK(t, "SelectMode", o.SelectMode(model.ModeExam))
	select {
	case snap := <-ch:
		if snap.Stage != model.StageUploading {
			t.Errorf("stage = %s, want uploading", snap.Stage)
		}
	case <-time.After(time.Second):
		t.Fatal("no snapshot published")
	}

	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Error("expected closed channel after cancel")
	}
}

func TestClosedOrchestratorRejectsIntents(t *testing.T) {
	o := New(&fakeSource{}, Options{})
	o.Close()
	if err := o.SelectMode(model.ModeExam); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	o.Close()
}
