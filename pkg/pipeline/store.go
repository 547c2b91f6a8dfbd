// Package pipeline folds the record stream of a multi-stage backend pipeline into a table of
// stage states, a terminal result and a bounded history of completed sessions.
//
// A Store owns the state of one domain pipeline. Sessions run on goroutines owned by the
// store, so a session keeps making progress and lands in the history after the caller that
// started it has gone away. Readers observe the store through Snapshot and Subscribe; only
// the store's reducer mutates it.
//
// Stage transitions are inferred from the fixed stage order: a record naming stage N
// completes it and moves stage N+1 to in progress. The backend is expected to emit stages
// sequentially without skipping any.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/panic80/G7GovAI-sub001/pkg/controller"
	"github.com/panic80/G7GovAI-sub001/pkg/history"
	"github.com/panic80/G7GovAI-sub001/pkg/id"
	"github.com/panic80/G7GovAI-sub001/pkg/logger"
	"github.com/panic80/G7GovAI-sub001/pkg/persist"
	"github.com/panic80/G7GovAI-sub001/pkg/stream"
)

const persistTimeout = 5 * time.Second

var (
	// ErrNoPendingFollowUp is returned by SubmitFollowUp when the store is not paused.
	ErrNoPendingFollowUp = errors.New("no follow-up is pending")

	ErrClosed = errors.New("pipeline store is closed")
)

// HistoryItem is a completed session.
type HistoryItem[In, Out any] struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Input     In        `json:"input"`
	Result    Out       `json:"result"`
}

// FollowUpState holds a session suspended until the user answers Questions.
type FollowUpState struct {
	// LastRequest is the request body that led to the pause, without answers.
	LastRequest json.RawMessage   `json:"last_request"`
	Answers     map[string]string `json:"answers"`
	Questions   []Question        `json:"questions"`
	PausedAt    string            `json:"paused_at"`
	PausedTime  time.Time         `json:"paused_time"`
}

func (f *FollowUpState) clone() *FollowUpState {
	if f == nil {
		return nil
	}
	c := *f
	c.LastRequest = slices.Clone(f.LastRequest)
	c.Answers = maps.Clone(f.Answers)
	c.Questions = slices.Clone(f.Questions)
	return &c
}

// Snapshot is a copy of a store's state. Payloads and results are shared with the store and
// must be treated as read only.
type Snapshot[In, Out any] struct {
	Pipeline  string
	RunID     string
	Stages    []StageEntry
	Result    *Out
	Error     string
	Loading   bool
	Paused    bool
	FollowUp  *FollowUpState
	Input     *In
	History   []HistoryItem[In, Out]
	ActiveTab string
}

// Stage returns the entry of the named stage.
func (s Snapshot[In, Out]) Stage(name string) (StageEntry, bool) {
	for _, e := range s.Stages {
		if e.Name == name {
			return e, true
		}
	}
	return StageEntry{}, false
}

// persistedState is the part of a store that outlives the process.
type persistedState[In, Out any] struct {
	Input     *In                    `json:"input,omitempty"`
	Result    *Out                   `json:"result,omitempty"`
	History   []HistoryItem[In, Out] `json:"history"`
	ActiveTab string                 `json:"active_tab,omitempty"`
}

type options struct {
	logger          logger.Logger
	storage         persist.Storage
	scope           string
	historyCapacity int
}

type Option func(*options)

func WithLogger(l logger.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithStorage persists the store's input, result, history and active tab under scope.
func WithStorage(s persist.Storage, scope string) Option {
	return func(o *options) {
		o.storage = s
		o.scope = scope
	}
}

// WithHistoryCapacity overrides the history capacity of the definition.
func WithHistoryCapacity(n int) Option {
	return func(o *options) {
		o.historyCapacity = n
	}
}

// Store is the session state of one pipeline. In is the request body type, Out the terminal
// result type.
type Store[In, Out any] struct {
	def     Definition[Out]
	index   map[string]int
	ctrl    *controller.Controller[stream.Record]
	logger  logger.Logger
	storage persist.Storage
	scope   string

	// serializes saves so the last write carries the latest state
	persistMu sync.Mutex

	mu         sync.Mutex
	handle     *controller.Handle
	stages     []StageEntry
	result     *Out
	err        string
	loading    bool
	paused     bool
	finalized  bool
	followUp   *FollowUpState
	input      *In
	request    json.RawMessage
	acceptFrom int
	activeTab  string
	history    *history.Ring[HistoryItem[In, Out]]

	subs    map[int]chan Snapshot[In, Out]
	nextSub int
	closed  bool
}

// NewStore returns an idle store for def whose sessions are opened through opener.
func NewStore[In, Out any](def Definition[Out], opener stream.Opener[stream.Record], opts ...Option) (*Store[In, Out], error) {
	o := options{
		logger:          logger.NewNoopLogger(),
		historyCapacity: def.HistoryCapacity,
	}
	for _, opt := range opts {
		opt(&o)
	}
	def.HistoryCapacity = o.historyCapacity

	if err := def.Validate(); err != nil {
		return nil, err
	}

	ring, err := history.New[HistoryItem[In, Out]](def.HistoryCapacity)
	if err != nil {
		return nil, err
	}

	s := &Store[In, Out]{
		def:     def,
		index:   def.index(),
		logger:  o.logger.With(zap.String("pipeline", def.Name)),
		storage: o.storage,
		scope:   o.scope,
		history: ring,
		subs:    make(map[int]chan Snapshot[In, Out]),
	}
	s.resetStagesLocked(len(def.Stages))

	s.ctrl, err = controller.New(opener,
		controller.WithName[stream.Record](def.Name),
		controller.WithLogger[stream.Record](o.logger),
		controller.WithOnEvent(s.apply),
		controller.WithOnComplete(s.onComplete),
		controller.WithOnError[stream.Record](s.onError),
		controller.WithOnCancel[stream.Record](s.onCancel),
	)
	if err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Store[In, Out]) Name() string {
	return s.def.Name
}

// Restore loads the persisted input, result, history and active tab. A store that was never
// saved is left untouched.
func (s *Store[In, Out]) Restore(ctx context.Context) error {
	if s.storage == nil {
		return nil
	}

	data, err := s.storage.Load(ctx, s.scope, s.def.Name)
	if err != nil {
		if errors.Is(err, persist.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load %s state: %w", s.def.Name, err)
	}

	var state persistedState[In, Out]
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("decode %s state: %w", s.def.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.input = state.Input
	s.result = state.Result
	s.activeTab = state.ActiveTab
	s.history.Replace(state.History)
	s.publishLocked()

	s.logger.Debug("restored persisted state", zap.Int("history", len(state.History)))
	return nil
}

// Start cancels the current session, if any, and starts a new one for input. The returned
// handle reports when the session has ended; the session itself is owned by the store and
// is not affected by the caller returning.
func (s *Store[In, Out]) Start(ctx context.Context, input In) (*controller.Handle, error) {
	body, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", s.def.Name, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}

	s.resetStagesLocked(0)
	s.result = nil
	s.err = ""
	s.followUp = nil
	s.paused = false
	s.finalized = false
	s.loading = true
	s.input = &input
	s.request = body
	s.acceptFrom = 0

	h := s.ctrl.Execute(ctx, s.def.Endpoint, json.RawMessage(body))
	s.handle = h
	sessionsStartedCounter.WithLabelValues(s.def.Name).Inc()
	s.logger.Info("session started", zap.String("run_id", h.ID()))
	s.publishLocked()
	s.mu.Unlock()

	s.persist()
	return h, nil
}

// SubmitFollowUp answers the questions of a paused session and resumes it from the stage
// that paused. Stages completed before the pause keep their payloads. Answers are merged
// with those given earlier in the same session.
func (s *Store[In, Out]) SubmitFollowUp(ctx context.Context, answers map[string]string) (*controller.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if !s.paused || s.followUp == nil {
		return nil, ErrNoPendingFollowUp
	}

	followUp := s.followUp.clone()
	if followUp.Answers == nil {
		followUp.Answers = make(map[string]string, len(answers))
	}
	maps.Copy(followUp.Answers, answers)

	body, err := resumeRequest(followUp.LastRequest, followUp.Answers)
	if err != nil {
		return nil, err
	}

	from := s.index[followUp.PausedAt]
	s.followUp = followUp
	s.resetStagesLocked(from)
	s.acceptFrom = from
	s.paused = false
	s.finalized = false
	s.loading = true
	s.err = ""

	h := s.ctrl.Execute(ctx, s.def.Endpoint, body)
	s.handle = h
	sessionsStartedCounter.WithLabelValues(s.def.Name).Inc()
	s.logger.Info("session resumed",
		zap.String("run_id", h.ID()),
		zap.String("stage", followUp.PausedAt),
		zap.Int("answers", len(followUp.Answers)),
	)
	s.publishLocked()

	return h, nil
}

// resumeRequest returns the original request object with the answers field set.
func resumeRequest(last json.RawMessage, answers map[string]string) (json.RawMessage, error) {
	fields := map[string]json.RawMessage{}
	if len(last) > 0 {
		if err := json.Unmarshal(last, &fields); err != nil {
			return nil, fmt.Errorf("paused request is not a JSON object: %w", err)
		}
		if fields == nil {
			fields = map[string]json.RawMessage{}
		}
	}

	encoded, err := json.Marshal(answers)
	if err != nil {
		return nil, err
	}
	fields["answers"] = encoded

	body, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encode follow-up request: %w", err)
	}
	return body, nil
}

// Cancel stops the current session. Loading is cleared; no error is recorded and nothing is
// added to the history.
func (s *Store[In, Out]) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
}

func (s *Store[In, Out]) cancelLocked() {
	h := s.handle
	wasLoading := s.loading
	s.handle = nil
	s.loading = false

	if h != nil {
		s.ctrl.Abort()
		s.logger.Info("session cancelled", zap.String("run_id", h.ID()))
	}
	if h != nil || wasLoading {
		sessionOutcomeCounter.WithLabelValues(s.def.Name, outcomeCancelled).Inc()
		s.publishLocked()
	}
}

// SetActiveTab records which view of the store the user last looked at.
func (s *Store[In, Out]) SetActiveTab(tab string) {
	s.mu.Lock()
	s.activeTab = tab
	s.publishLocked()
	s.mu.Unlock()

	s.persist()
}

// HistoryCapacity is the most completed sessions the store keeps.
func (s *Store[In, Out]) HistoryCapacity() int {
	return s.history.Cap()
}

// RecentHistory returns up to n completed sessions, newest first.
func (s *Store[In, Out]) RecentHistory(n int) []HistoryItem[In, Out] {
	return s.history.Recent(n)
}

// ClearHistory removes every completed session from the history.
func (s *Store[In, Out]) ClearHistory() {
	s.mu.Lock()
	s.history.Clear()
	s.publishLocked()
	s.mu.Unlock()

	s.persist()
}

func (s *Store[In, Out]) Snapshot() Snapshot[In, Out] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Subscribe returns a channel that receives the current state and then a snapshot after
// every change. A subscriber that falls behind only sees the latest snapshot. The returned
// function unsubscribes and closes the channel.
func (s *Store[In, Out]) Subscribe() (<-chan Snapshot[In, Out], func()) {
	ch := make(chan Snapshot[In, Out], 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	subID := s.nextSub
	s.nextSub++
	s.subs[subID] = ch
	ch <- s.snapshotLocked()
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if c, ok := s.subs[subID]; ok {
				delete(s.subs, subID)
				close(c)
			}
		})
	}
}

// Close cancels the current session, waits for every session goroutine to return and closes
// all subscriptions.
func (s *Store[In, Out]) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.cancelLocked()
	s.closed = true
	for subID, ch := range s.subs {
		delete(s.subs, subID)
		close(ch)
	}
	s.mu.Unlock()

	s.ctrl.Wait()
}

// apply is the reducer. It runs for every record of the current session in arrival order
// and reports whether the session should keep consuming.
func (s *Store[In, Out]) apply(h *controller.Handle, rec stream.Record) bool {
	s.mu.Lock()
	if h != s.handle {
		s.mu.Unlock()
		return false
	}

	cont, changed, save := s.reduceLocked(h, rec)
	if changed {
		s.publishLocked()
	}
	s.mu.Unlock()

	if save {
		s.persist()
	}
	return cont
}

func (s *Store[In, Out]) reduceLocked(h *controller.Handle, rec stream.Record) (cont, changed, save bool) {
	log := s.logger.With(zap.String("run_id", h.ID()), zap.String("stage", rec.Node))

	i, ok := s.index[rec.Node]
	switch {
	case !ok:
		if rec.Node != CompleteSentinel {
			ignoredRecordsCounter.WithLabelValues(s.def.Name).Inc()
			log.Debug("ignoring record for unknown stage")
		}
		return true, false, false
	case i < s.acceptFrom:
		ignoredRecordsCounter.WithLabelValues(s.def.Name).Inc()
		log.Debug("ignoring record for a stage before the resume point")
		return true, false, false
	case s.finalized:
		log.Debug("ignoring record after the session finalized")
		return true, false, false
	}

	payload, err := s.def.Extract(rec.Node, rec.State)
	if err != nil {
		extractionFailuresCounter.WithLabelValues(s.def.Name, rec.Node).Inc()
		log.Warn("failed to extract stage payload, using an empty payload", zap.Error(err))
	}

	s.stages[i].Status = StageCompleted
	s.stages[i].Payload = payload

	if s.def.Pause != nil {
		if questions := s.def.Pause(rec.Node, payload); len(questions) > 0 {
			s.pauseLocked(rec.Node, questions)
			log.Info("session paused for follow-up", zap.Int("questions", len(questions)))
			return false, true, true
		}
	}

	if i < len(s.stages)-1 {
		if next := &s.stages[i+1]; next.Status == StagePending {
			next.Status = StageInProgress
		}
		return true, true, false
	}

	s.finalizeLocked(log)
	return true, true, true
}

func (s *Store[In, Out]) pauseLocked(stage string, questions []Question) {
	answers := map[string]string{}
	if s.followUp != nil {
		answers = maps.Clone(s.followUp.Answers)
	}

	s.followUp = &FollowUpState{
		LastRequest: s.request,
		Answers:     answers,
		Questions:   questions,
		PausedAt:    stage,
		PausedTime:  time.Now().UTC(),
	}
	s.paused = true
	s.loading = false
	s.handle = nil
	sessionOutcomeCounter.WithLabelValues(s.def.Name, outcomePaused).Inc()
}

func (s *Store[In, Out]) finalizeLocked(log logger.Logger) {
	s.finalized = true
	s.loading = false
	s.paused = false
	s.followUp = nil

	out, err := s.def.Terminal(slices.Clone(s.stages))
	if err != nil {
		s.result = nil
		log.Warn("failed to build the session result", zap.Error(err))
		sessionOutcomeCounter.WithLabelValues(s.def.Name, outcomeCompleted).Inc()
		return
	}
	s.result = &out

	now := time.Now().UTC()
	item := HistoryItem[In, Out]{
		ID:        id.Must(now),
		Timestamp: now,
		Result:    out,
	}
	if s.input != nil {
		item.Input = *s.input
	}
	if evicted, ok := s.history.Append(item); ok {
		log.Debug("history full, evicted oldest session", zap.String("evicted", evicted.ID))
	}

	sessionOutcomeCounter.WithLabelValues(s.def.Name, outcomeCompleted).Inc()
	log.Info("session completed", zap.String("history_id", item.ID))
}

func (s *Store[In, Out]) onComplete(h *controller.Handle, _ []stream.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if h != s.handle {
		return
	}
	s.handle = nil

	if !s.finalized {
		s.loading = false
		sessionOutcomeCounter.WithLabelValues(s.def.Name, outcomeAbandoned).Inc()
		s.logger.Info("stream ended before the last stage", zap.String("run_id", h.ID()))
		s.publishLocked()
	}
}

func (s *Store[In, Out]) onError(h *controller.Handle, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if h != s.handle {
		return
	}
	s.handle = nil

	if s.finalized {
		s.logger.Debug("stream failed after the session finalized", zap.String("run_id", h.ID()), zap.Error(err))
		return
	}

	s.err = err.Error()
	s.loading = false
	for i := range s.stages {
		if s.stages[i].Status == StageInProgress {
			s.stages[i].Status = StageError
			break
		}
	}

	sessionOutcomeCounter.WithLabelValues(s.def.Name, outcomeError).Inc()
	s.logger.Warn("session failed", zap.String("run_id", h.ID()), zap.Error(err))
	s.publishLocked()
}

func (s *Store[In, Out]) onCancel(h *controller.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if h != s.handle {
		return
	}
	s.handle = nil
	s.loading = false

	sessionOutcomeCounter.WithLabelValues(s.def.Name, outcomeCancelled).Inc()
	s.logger.Info("session cancelled by its context", zap.String("run_id", h.ID()))
	s.publishLocked()
}

// resetStagesLocked keeps stages before from, moves stage from to in progress and every
// later stage back to pending. from == len(stages) resets every stage to pending.
func (s *Store[In, Out]) resetStagesLocked(from int) {
	if s.stages == nil {
		s.stages = make([]StageEntry, len(s.def.Stages))
		for i, name := range s.def.Stages {
			s.stages[i] = StageEntry{Name: name, Status: StagePending}
		}
	}

	for i := from; i < len(s.stages); i++ {
		s.stages[i].Payload = nil
		if i == from {
			s.stages[i].Status = StageInProgress
		} else {
			s.stages[i].Status = StagePending
		}
	}
}

func (s *Store[In, Out]) snapshotLocked() Snapshot[In, Out] {
	snap := Snapshot[In, Out]{
		Pipeline:  s.def.Name,
		Stages:    slices.Clone(s.stages),
		Result:    s.result,
		Error:     s.err,
		Loading:   s.loading,
		Paused:    s.paused,
		FollowUp:  s.followUp.clone(),
		Input:     s.input,
		History:   s.history.Items(),
		ActiveTab: s.activeTab,
	}
	if s.handle != nil {
		snap.RunID = s.handle.ID()
	}
	return snap
}

func (s *Store[In, Out]) publishLocked() {
	if len(s.subs) == 0 {
		return
	}

	snap := s.snapshotLocked()
	for _, ch := range s.subs {
		select {
		case ch <- snap:
		default:
			// drop the stale snapshot so the subscriber catches up on the latest one
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
}

func (s *Store[In, Out]) persist() {
	if s.storage == nil {
		return
	}

	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.Lock()
	state := persistedState[In, Out]{
		Input:     s.input,
		Result:    s.result,
		History:   s.history.Items(),
		ActiveTab: s.activeTab,
	}
	s.mu.Unlock()

	data, err := json.Marshal(state)
	if err != nil {
		s.logger.Error("failed to encode session state", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.storage.Save(ctx, s.scope, s.def.Name, data); err != nil {
		s.logger.Warn("failed to persist session state", zap.Error(err))
	}
}
