// Package session drives a study session from mode selection to the final
// report. All state lives in a single goroutine; intents, generation results
// and timer ticks reach it as events on one channel.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/pavelanni/quizforge/internal/countdown"
	"github.com/pavelanni/quizforge/internal/evaluate"
	"github.com/pavelanni/quizforge/internal/model"
)

// Options configures an Orchestrator.
type Options struct {
	// Key identifies the session in the Store.
	Key string
	// Store persists state between restarts. Nil disables persistence.
	Store Store
	// BatchSize is the number of questions fetched per quick-quiz batch.
	BatchSize int
	// TickInterval is the countdown step; one step is one second of budget.
	TickInterval time.Duration
	// RequestTimeout bounds each call to the Source.
	RequestTimeout time.Duration
	// AvoidWindow is how many recent prompts are sent as "do not repeat".
	AvoidWindow int
}

const (
	DefaultBatchSize      = 5
	DefaultRequestTimeout = 2 * time.Minute
	DefaultAvoidWindow    = 5
	persistTimeout        = 5 * time.Second
	persistTickEvery      = 10
)

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.TickInterval <= 0 {
		o.TickInterval = time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.AvoidWindow <= 0 {
		o.AvoidWindow = DefaultAvoidWindow
	}
	return o
}

// state is the session aggregate. Document payloads are never serialized.
type state struct {
	Stage            model.Stage              `json:"stage"`
	Mode             model.Mode               `json:"mode,omitempty"`
	Documents        []model.SourceDocument   `json:"documents,omitempty"`
	Config           *model.SessionConfig     `json:"config,omitempty"`
	Questions        []model.Question         `json:"questions,omitempty"`
	Index            int                      `json:"index"`
	History          []model.Question         `json:"history,omitempty"`
	Score            model.Score              `json:"score"`
	Generating       bool                     `json:"-"`
	SecondsRemaining int                      `json:"seconds_remaining"`
	Report           *model.PerformanceReport `json:"report,omitempty"`
	Notice           *model.Notice            `json:"notice,omitempty"`
}

// Orchestrator owns one session. Its exported methods are the only way to
// change the session and are safe for concurrent use.
type Orchestrator struct {
	source Source
	opts   Options
	log    *slog.Logger

	events    chan func()
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	baseCtx   context.Context
	cancelAll context.CancelFunc

	subMu   sync.Mutex
	subs    map[int]chan model.Snapshot
	nextSub int

	// Everything below is touched only by the run goroutine.
	st        state
	epoch     uint64
	reqSeq    uint64
	pending   uint64
	cancelReq context.CancelFunc
	timer     *countdown.Timer
	timerID   uint64
	dirty     bool
	readOnly  bool
}

// New creates an Orchestrator, restores any persisted state for opts.Key and
// starts its event loop. Call Close to stop it.
func New(source Source, opts Options) *Orchestrator {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		source:    source,
		opts:      opts,
		log:       slog.With("session", opts.Key),
		events:    make(chan func()),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		baseCtx:   ctx,
		cancelAll: cancel,
		subs:      make(map[int]chan model.Snapshot),
		st:        state{Stage: model.StageChoosingMode},
	}
	o.restore()
	go o.run()
	return o
}

func (o *Orchestrator) run() {
	defer close(o.done)
	for {
		select {
		case fn := <-o.events:
			fn()
			if o.readOnly {
				o.readOnly = false
				continue
			}
			o.persist()
			o.publish()
		case <-o.quit:
			o.stopTimer()
			o.cancelPending()
			o.cancelAll()
			return
		}
	}
}

// Close stops the event loop, the timer and any in-flight request. Persisted
// state is kept.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() {
		close(o.quit)
		<-o.done
		o.subMu.Lock()
		for id, ch := range o.subs {
			close(ch)
			delete(o.subs, id)
		}
		o.subMu.Unlock()
	})
}

// do runs fn on the event loop and waits for its result.
func (o *Orchestrator) do(fn func() error) error {
	reply := make(chan error, 1)
	select {
	case o.events <- func() { reply <- fn() }:
	case <-o.quit:
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-o.done:
		return ErrClosed
	}
}

// post queues fn on the event loop without waiting. Used by request and
// timer goroutines.
func (o *Orchestrator) post(fn func()) {
	select {
	case o.events <- fn:
	case <-o.quit:
	}
}

// intent runs a user action: the previous notice is cleared first.
func (o *Orchestrator) intent(fn func() error) error {
	return o.do(func() error {
		o.st.Notice = nil
		o.dirty = true
		return fn()
	})
}

// Snapshot returns a copy of the current state.
func (o *Orchestrator) Snapshot() model.Snapshot {
	var snap model.Snapshot
	err := o.do(func() error {
		o.readOnly = true
		snap = o.snapshot()
		return nil
	})
	if err != nil {
		return model.Snapshot{Stage: model.StageChoosingMode}
	}
	return snap
}

// Subscribe returns a channel receiving a snapshot after every state change.
// Slow readers only see the latest snapshot. Call cancel to unsubscribe.
func (o *Orchestrator) Subscribe() (<-chan model.Snapshot, func()) {
	ch := make(chan model.Snapshot, 1)
	o.subMu.Lock()
	id := o.nextSub
	o.nextSub++
	o.subs[id] = ch
	o.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.subMu.Lock()
			defer o.subMu.Unlock()
			if _, ok := o.subs[id]; ok {
				delete(o.subs, id)
				close(ch)
			}
		})
	}
}

// watched reports whether anyone is subscribed.
func (o *Orchestrator) watched() bool {
	o.subMu.Lock()
	defer o.subMu.Unlock()
	return len(o.subs) > 0
}

func (o *Orchestrator) publish() {
	o.subMu.Lock()
	defer o.subMu.Unlock()
	if len(o.subs) == 0 {
		return
	}
	snap := o.snapshot()
	for _, ch := range o.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

func (o *Orchestrator) snapshot() model.Snapshot {
	s := o.st
	snap := model.Snapshot{
		Stage:            s.Stage,
		Mode:             s.Mode,
		Documents:        make([]string, 0, len(s.Documents)),
		Questions:        slices.Clone(s.Questions),
		CurrentIndex:     s.Index,
		History:          slices.Clone(s.History),
		Score:            s.Score,
		Generating:       s.Generating,
		SecondsRemaining: s.SecondsRemaining,
	}
	for _, d := range s.Documents {
		snap.Documents = append(snap.Documents, d.Name)
	}
	if s.Config != nil {
		cfg := *s.Config
		cfg.Difficulties = slices.Clone(cfg.Difficulties)
		snap.Config = &cfg
	}
	if s.Report != nil {
		r := *s.Report
		snap.Report = &r
	}
	if s.Notice != nil {
		n := *s.Notice
		snap.Notice = &n
	}
	return snap
}

// SelectMode starts a fresh session in mode m.
func (o *Orchestrator) SelectMode(m model.Mode) error {
	return o.intent(func() error {
		if !m.Valid() {
			return fmt.Errorf("%w: %q", ErrInvalidMode, m)
		}
		o.clear()
		o.st.Mode = m
		o.st.Stage = model.StageUploading
		o.log.Info("mode selected", "mode", m)
		return nil
	})
}

// Upload installs the session documents.
func (o *Orchestrator) Upload(docs []model.SourceDocument) error {
	return o.intent(func() error {
		if o.st.Stage != model.StageUploading {
			return fmt.Errorf("upload: %w (%s)", ErrWrongStage, o.st.Stage)
		}
		if err := checkDocuments(o.st.Mode, docs); err != nil {
			return err
		}
		o.st.Documents = slices.Clone(docs)
		o.st.Stage = model.StageConfiguring
		o.log.Info("documents uploaded", "count", len(docs))
		return nil
	})
}

func checkDocuments(mode model.Mode, docs []model.SourceDocument) error {
	if len(docs) == 0 {
		return ErrNoDocuments
	}
	if limit := mode.MaxDocuments(); len(docs) > limit {
		return fmt.Errorf("%w: %d given, at most %d allowed", ErrTooManyDocuments, len(docs), limit)
	}
	total := 0
	for _, d := range docs {
		if !d.HasPayload() {
			return fmt.Errorf("%w: %q is empty", ErrNoDocuments, d.Name)
		}
		total += d.Size()
	}
	if total > model.MaxTotalDocumentBytes {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, total)
	}
	return nil
}

// Start validates cfg and requests the first batch. In quick-quiz mode the
// question count is replaced by the batch size.
func (o *Orchestrator) Start(cfg model.SessionConfig) error {
	return o.intent(func() error {
		if o.st.Stage != model.StageConfiguring {
			return fmt.Errorf("start: %w (%s)", ErrWrongStage, o.st.Stage)
		}
		if o.pending != 0 {
			return ErrBusy
		}
		if o.st.Mode == model.ModeQuiz {
			cfg.QuestionCount = o.opts.BatchSize
			if cfg.TimeLimitMinutes < 1 {
				cfg.TimeLimitMinutes = 1
			}
			if cfg.QuestionType == "" {
				cfg.QuestionType = model.TypeMCQ
			}
		}
		cfg, err := cfg.Validate()
		if err != nil {
			return err
		}
		if err := o.requireDocuments(); err != nil {
			return err
		}
		o.st.Config = &cfg
		o.st.Questions = nil
		o.st.Index = 0

		o.generate(cfg, cfg.QuestionCount, func(qs []model.Question, err error) {
			if err != nil {
				o.log.Warn("initial generation failed", "error", err)
				o.st.Questions = nil
				o.st.Notice = &model.Notice{ID: model.NoticeGenerationFailed, Detail: err.Error()}
				return
			}
			o.st.Questions = qs
			o.st.Index = 0
			o.st.History = nil
			o.st.Score = model.Score{}
			o.st.Report = nil
			o.st.Stage = model.StageQuiz
			if o.st.Mode == model.ModeExam {
				o.startTimer(cfg.TimeLimitMinutes * 60)
			}
			o.log.Info("session started", "mode", o.st.Mode, "questions", len(qs))
		})
		return nil
	})
}

// Submit records an answer for the current question.
func (o *Orchestrator) Submit(answer model.Answer) error {
	return o.intent(func() error {
		if o.st.Stage != model.StageQuiz || o.st.Index >= len(o.st.Questions) {
			return fmt.Errorf("submit: %w (%s)", ErrWrongStage, o.st.Stage)
		}
		q := o.st.Questions[o.st.Index]
		if q.Answered() {
			return ErrAlreadyAnswered
		}
		if sel, ok := answer.(model.Selection); ok {
			answer = slices.Clone(sel)
		}
		correct, err := evaluate.Evaluate(q, answer)
		if err != nil {
			return fmt.Errorf("evaluate answer: %w", err)
		}
		q.Answer = answer
		q.Correct = &correct
		o.st.Questions[o.st.Index] = q
		o.st.History = append(o.st.History, q)
		o.st.Score.Total++
		if correct {
			o.st.Score.Correct++
		}
		return nil
	})
}

// Advance moves to the next question. At the end of an exam the session
// ends; at the end of a quick-quiz batch the next batch is requested.
func (o *Orchestrator) Advance() error {
	return o.intent(func() error {
		if o.st.Stage != model.StageQuiz {
			return fmt.Errorf("advance: %w (%s)", ErrWrongStage, o.st.Stage)
		}
		if o.pending != 0 {
			return ErrBusy
		}
		if o.st.Index+1 < len(o.st.Questions) {
			o.st.Index++
			return nil
		}
		if o.st.Mode == model.ModeExam {
			o.finish()
			return nil
		}
		if err := o.requireDocuments(); err != nil {
			return err
		}
		cfg := *o.st.Config
		o.generate(cfg, o.opts.BatchSize, func(qs []model.Question, err error) {
			if err != nil {
				o.log.Warn("next batch failed, ending session", "error", err)
				o.st.Notice = &model.Notice{ID: model.NoticeNextBatchFailed, Detail: err.Error()}
				o.finish()
				return
			}
			o.st.Questions = qs
			o.st.Index = 0
		})
		return nil
	})
}

// ChangeDifficulty refetches the quick-quiz batch at difficulty d. On failure
// the current questions are kept.
func (o *Orchestrator) ChangeDifficulty(d model.Difficulty) error {
	return o.intent(func() error {
		if o.st.Mode != model.ModeQuiz {
			return fmt.Errorf("change difficulty: %w (%s)", ErrWrongMode, o.st.Mode)
		}
		if o.st.Stage != model.StageQuiz {
			return fmt.Errorf("change difficulty: %w (%s)", ErrWrongStage, o.st.Stage)
		}
		if !d.Valid() {
			return fmt.Errorf("%w: unknown difficulty %q", model.ErrInvalidConfig, d)
		}
		if o.pending != 0 {
			return ErrBusy
		}
		if err := o.requireDocuments(); err != nil {
			return err
		}
		cfg := *o.st.Config
		cfg.Difficulties = []model.Difficulty{d}
		o.generate(cfg, o.opts.BatchSize, func(qs []model.Question, err error) {
			if err != nil {
				o.log.Warn("difficulty change failed", "difficulty", d, "error", err)
				o.st.Notice = &model.Notice{ID: model.NoticeDifficultyFailed, Detail: err.Error()}
				return
			}
			o.st.Config = &cfg
			o.st.Questions = qs
			o.st.Index = 0
			o.log.Info("difficulty changed", "difficulty", d)
		})
		return nil
	})
}

// End finishes the running session as if its questions were exhausted.
func (o *Orchestrator) End() error {
	return o.intent(func() error {
		if o.st.Stage != model.StageQuiz {
			return fmt.Errorf("end: %w (%s)", ErrWrongStage, o.st.Stage)
		}
		o.finish()
		return nil
	})
}

// Reset discards the session and returns to mode selection. Results of
// requests still in flight are dropped.
func (o *Orchestrator) Reset() error {
	return o.intent(func() error {
		o.clear()
		o.log.Info("session reset")
		return nil
	})
}

// clear drops all session data and invalidates outstanding work.
func (o *Orchestrator) clear() {
	o.epoch++
	o.cancelPending()
	o.stopTimer()
	o.st = state{Stage: model.StageChoosingMode}
}

// requireDocuments sends the session back to upload when payloads are gone.
func (o *Orchestrator) requireDocuments() error {
	ok := len(o.st.Documents) > 0
	for _, d := range o.st.Documents {
		if !d.HasPayload() {
			ok = false
		}
	}
	if ok {
		return nil
	}
	o.log.Warn("document payload unavailable, returning to upload")
	o.stopTimer()
	o.st.Documents = nil
	o.st.Questions = nil
	o.st.Index = 0
	o.st.Stage = model.StageUploading
	o.st.Notice = &model.Notice{ID: model.NoticeDocumentsUnavailable}
	return ErrDocumentsUnavailable
}

// finish takes the end-of-session path: stop the clock, show the summary and
// request the report for exams.
func (o *Orchestrator) finish() {
	o.stopTimer()
	o.cancelPending()
	o.st.Stage = model.StageSummary
	if o.st.Mode != model.ModeExam {
		return
	}
	if len(o.st.History) == 0 {
		if o.st.Notice == nil {
			o.st.Notice = &model.Notice{ID: model.NoticeNothingToAnalyze}
		}
		return
	}
	history := slices.Clone(o.st.History)
	launch(o, func(ctx context.Context) (model.PerformanceReport, error) {
		return o.source.Analyze(ctx, history)
	}, func(report model.PerformanceReport, err error) {
		if err == nil && !report.Complete() {
			err = fmt.Errorf("%w: incomplete report", ErrBadBatch)
		}
		if err != nil {
			o.log.Warn("report generation failed", "error", err)
			o.st.Notice = &model.Notice{ID: model.NoticeReportFailed, Detail: err.Error()}
			return
		}
		o.st.Report = &report
		o.st.Stage = model.StageReport
		o.log.Info("report ready", "answered", len(history))
	})
}

// generate requests count questions for cfg and validates the batch before
// handing it to apply.
func (o *Orchestrator) generate(cfg model.SessionConfig, count int, apply func([]model.Question, error)) {
	req := model.GenerateRequest{
		Documents:    slices.Clone(o.st.Documents),
		Count:        count,
		Difficulties: slices.Clone(cfg.Difficulties),
		Type:         cfg.QuestionType,
		Avoid:        o.recentPrompts(),
	}
	launch(o, func(ctx context.Context) ([]model.Question, error) {
		return o.source.Generate(ctx, req)
	}, func(qs []model.Question, err error) {
		if err == nil {
			qs, err = checkBatch(qs, req)
		}
		apply(qs, err)
	})
}

func checkBatch(qs []model.Question, req model.GenerateRequest) ([]model.Question, error) {
	if len(qs) != req.Count {
		return nil, fmt.Errorf("%w: got %d questions, want %d", ErrBadBatch, len(qs), req.Count)
	}
	out := make([]model.Question, len(qs))
	for i, q := range qs {
		if err := q.Validate(); err != nil {
			return nil, fmt.Errorf("%w: question %d: %v", ErrBadBatch, i, err)
		}
		if !req.Type.Allows(q.Kind()) {
			return nil, fmt.Errorf("%w: question %d is %s, type is %s", ErrBadBatch, i, q.Kind(), req.Type)
		}
		q.Answer = nil
		q.Correct = nil
		out[i] = q
	}
	return out, nil
}

func (o *Orchestrator) recentPrompts() []string {
	var prompts []string
	for _, q := range o.st.History {
		prompts = append(prompts, q.Prompt)
	}
	for _, q := range o.st.Questions {
		if !q.Answered() {
			prompts = append(prompts, q.Prompt)
		}
	}
	if len(prompts) > o.opts.AvoidWindow {
		prompts = prompts[len(prompts)-o.opts.AvoidWindow:]
	}
	return prompts
}

// launch runs call in its own goroutine and applies the result on the event
// loop, unless the session was reset or the request superseded meanwhile.
func launch[T any](o *Orchestrator, call func(context.Context) (T, error), apply func(T, error)) {
	o.reqSeq++
	id, epoch := o.reqSeq, o.epoch
	ctx, cancel := context.WithTimeout(o.baseCtx, o.opts.RequestTimeout)
	o.pending = id
	o.cancelReq = cancel
	o.st.Generating = true

	go func() {
		defer cancel()
		res, err := call(ctx)
		o.post(func() {
			if epoch != o.epoch || id != o.pending {
				o.log.Debug("dropping stale result", "request", id)
				return
			}
			o.pending = 0
			o.cancelReq = nil
			o.st.Generating = false
			o.dirty = true
			apply(res, err)
		})
	}()
}

func (o *Orchestrator) cancelPending() {
	if o.cancelReq != nil {
		o.cancelReq()
		o.cancelReq = nil
	}
	o.pending = 0
	o.st.Generating = false
}

func (o *Orchestrator) startTimer(seconds int) {
	o.stopTimer()
	o.timerID++
	id := o.timerID
	o.st.SecondsRemaining = seconds
	o.timer = countdown.Start(seconds, o.opts.TickInterval, func(remaining int) {
		o.post(func() {
			if id != o.timerID {
				return
			}
			o.st.SecondsRemaining = remaining
			if remaining%persistTickEvery == 0 {
				o.dirty = true
			}
		})
	}, func() {
		o.post(func() {
			if id != o.timerID || o.st.Stage != model.StageQuiz {
				return
			}
			o.timer = nil
			o.log.Info("time expired", "answered", len(o.st.History), "questions", len(o.st.Questions))
			o.st.Notice = &model.Notice{ID: model.NoticeTimeExpired}
			o.dirty = true
			o.finish()
		})
	})
}

func (o *Orchestrator) stopTimer() {
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
	o.timerID++
}

func (o *Orchestrator) persist() {
	if o.opts.Store == nil || !o.dirty {
		return
	}
	o.dirty = false
	ctx, cancel := context.WithTimeout(o.baseCtx, persistTimeout)
	defer cancel()

	if o.st.Stage == model.StageChoosingMode {
		if err := o.opts.Store.DeleteSnapshot(ctx, o.opts.Key); err != nil {
			o.log.Warn("failed to delete session snapshot", "error", err)
		}
		return
	}
	data, err := json.Marshal(o.st)
	if err != nil {
		o.log.Error("failed to encode session", "error", err)
		return
	}
	if err := o.opts.Store.SaveSnapshot(ctx, o.opts.Key, data); err != nil {
		o.log.Warn("failed to save session snapshot", "error", err)
	}
}

// restore loads persisted state. Documents come back without payloads.
func (o *Orchestrator) restore() {
	if o.opts.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(o.baseCtx, persistTimeout)
	defer cancel()
	data, err := o.opts.Store.LoadSnapshot(ctx, o.opts.Key)
	if err != nil {
		o.log.Warn("failed to load session snapshot", "error", err)
		return
	}
	if data == nil {
		return
	}
	var st state
	if err := json.Unmarshal(data, &st); err != nil {
		o.log.Warn("discarding unreadable session snapshot", "error", err)
		return
	}
	st.Generating = false
	o.st = st
	o.log.Info("session restored", "stage", st.Stage, "mode", st.Mode, "answered", len(st.History))

	if st.Mode != model.ModeExam {
		return
	}
	switch {
	case st.Stage == model.StageQuiz && st.SecondsRemaining > 0:
		o.startTimer(st.SecondsRemaining)
	case st.Stage == model.StageQuiz:
		o.finish()
	case st.Stage == model.StageSummary && reportInterrupted(st):
		o.log.Info("requesting report interrupted by restart")
		o.finish()
	}
}

// reportInterrupted reports whether an exam summary was saved while its
// report was still being written.
func reportInterrupted(st state) bool {
	if st.Report != nil || len(st.History) == 0 {
		return false
	}
	return st.Notice == nil || st.Notice.ID == model.NoticeTimeExpired
}
