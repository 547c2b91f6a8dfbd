package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/goleak"
	"go.uber.org/mock/gomock"

	"github.com/panic80/G7GovAI-sub001/internal/mocks"
	"github.com/panic80/G7GovAI-sub001/pkg/controller"
	"github.com/panic80/G7GovAI-sub001/pkg/logger"
	"github.com/panic80/G7GovAI-sub001/pkg/persist/memory"
	"github.com/panic80/G7GovAI-sub001/pkg/stream"
)

const testEndpoint = "/api/test/stream"

type testInput struct {
	Query string `json:"query"`
}

type testResult struct {
	Summary string `json:"summary"`
}

type notePayload struct {
	Note    string     `json:"note,omitempty"`
	Missing []Question `json:"missing,omitempty"`
}

func testDefinition() Definition[testResult] {
	return Definition[testResult]{
		Name:     "test",
		Endpoint: testEndpoint,
		Stages:   []string{"a", "b", "c"},
		Extract: func(_ string, state json.RawMessage) (any, error) {
			if gjson.GetBytes(state, "fail").Bool() {
				return notePayload{}, errors.New("payload rejected")
			}
			var p notePayload
			if _, err := DecodeField(state, "note", &p.Note); err != nil {
				return notePayload{}, err
			}
			if _, err := DecodeField(state, "missing", &p.Missing); err != nil {
				return notePayload{}, err
			}
			return p, nil
		},
		Terminal: func(stages []StageEntry) (testResult, error) {
			p, ok := PayloadOf[notePayload](stages, "c")
			if !ok {
				return testResult{}, errors.New("no payload for c")
			}
			return testResult{Summary: p.Note}, nil
		},
		Pause: func(stage string, payload any) []Question {
			if p, ok := payload.(notePayload); ok && stage == "b" {
				return p.Missing
			}
			return nil
		},
		HistoryCapacity: 3,
	}
}

func rec(node, state string) stream.Record {
	r := stream.Record{Node: node}
	if state != "" {
		r.State = json.RawMessage(state)
	}
	return r
}

func statuses(stages []StageEntry) map[string]StageStatus {
	out := make(map[string]StageStatus, len(stages))
	for _, s := range stages {
		out[s.Name] = s.Status
	}
	return out
}

func waitHandle(t *testing.T, h *controller.Handle) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.Wait(ctx))
}

// staticOpener answers every Open with the next batch of records.
func staticOpener(t *testing.T, batches ...[]stream.Record) *mocks.MockOpener[stream.Record] {
	t.Helper()
	opener := mocks.NewMockOpener[stream.Record](gomock.NewController(t))
	for _, batch := range batches {
		opener.EXPECT().Open(gomock.Any(), testEndpoint, gomock.Any()).DoAndReturn(
			func(ctx context.Context, _ string, _ any) (stream.Source[stream.Record], error) {
				return mocks.NewStaticSource(ctx, nil, batch...), nil
			})
	}
	return opener
}

func newTestStore(t *testing.T, opener stream.Opener[stream.Record], opts ...Option) *Store[testInput, testResult] {
	t.Helper()
	s, err := NewStore[testInput](testDefinition(), opener, opts...)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestDefinitionValidate(t *testing.T) {
	require.NoError(t, testDefinition().Validate())

	def := testDefinition()
	def.Name = ""
	def.Stages = []string{"a", "a", CompleteSentinel}
	def.Extract = nil
	def.HistoryCapacity = 0

	err := def.Validate()
	require.ErrorContains(t, err, "name is required")
	require.ErrorContains(t, err, `duplicate stage "a"`)
	require.ErrorContains(t, err, `stage name "complete" is reserved`)
	require.ErrorContains(t, err, "extract function is required")
	require.ErrorContains(t, err, "history capacity")

	_, err = NewStore[testInput](def, mocks.NewMockOpener[stream.Record](gomock.NewController(t)))
	require.Error(t, err)
}

func TestStagesCompleteInOrder(t *testing.T) {
	t.Cleanup(func() {
		goleak.VerifyNone(t)
	})

	sources := make(chan *mocks.FakeSource[stream.Record], 1)
	opener := mocks.NewMockOpener[stream.Record](gomock.NewController(t))
	opener.EXPECT().Open(gomock.Any(), testEndpoint, json.RawMessage(`{"query":"ordering"}`)).DoAndReturn(
		func(ctx context.Context, _ string, _ any) (stream.Source[stream.Record], error) {
			src := mocks.NewFakeSource[stream.Record](ctx, 0)
			sources <- src
			return src, nil
		})

	s := newTestStore(t, opener)

	updates, unsubscribe := s.Subscribe()
	seen := make(chan []Snapshot[testInput, testResult], 1)
	go func() {
		var all []Snapshot[testInput, testResult]
		for snap := range updates {
			all = append(all, snap)
		}
		seen <- all
	}()

	require.Equal(t, map[string]StageStatus{"a": StagePending, "b": StagePending, "c": StagePending}, statuses(s.Snapshot().Stages))

	h, err := s.Start(context.Background(), testInput{Query: "ordering"})
	require.NoError(t, err)
	src := <-sources

	snap := s.Snapshot()
	require.True(t, snap.Loading)
	require.Equal(t, h.ID(), snap.RunID)
	require.Equal(t, map[string]StageStatus{"a": StageInProgress, "b": StagePending, "c": StagePending}, statuses(snap.Stages))

	steps := []struct {
		record   stream.Record
		expected map[string]StageStatus
	}{
		{rec("a", `{"note":"first"}`), map[string]StageStatus{"a": StageCompleted, "b": StageInProgress, "c": StagePending}},
		{rec("b", `{"note":"second"}`), map[string]StageStatus{"a": StageCompleted, "b": StageCompleted, "c": StageInProgress}},
		{rec("c", `{"note":"done"}`), map[string]StageStatus{"a": StageCompleted, "b": StageCompleted, "c": StageCompleted}},
	}
	for _, step := range steps {
		require.True(t, src.Send(step.record))
		require.Eventually(t, func() bool {
			return cmp.Equal(step.expected, statuses(s.Snapshot().Stages))
		}, time.Second, time.Millisecond, "after %s", step.record.Node)
	}
	require.True(t, src.Send(rec(CompleteSentinel, "")))
	src.Finish(nil)
	waitHandle(t, h)

	snap = s.Snapshot()
	require.False(t, snap.Loading)
	require.Empty(t, snap.Error)
	require.Equal(t, &testResult{Summary: "done"}, snap.Result)
	require.Len(t, snap.History, 1)
	require.Equal(t, testInput{Query: "ordering"}, snap.History[0].Input)
	require.NotEmpty(t, snap.History[0].ID)
	a, ok := snap.Stage("a")
	require.True(t, ok)
	require.Equal(t, notePayload{Note: "first"}, a.Payload)

	unsubscribe()
	all := <-seen
	require.NotEmpty(t, all)
	for _, snap := range all {
		st := statuses(snap.Stages)
		if st["c"] == StageInProgress {
			require.Equal(t, StageCompleted, st["b"], "c started before b completed")
		}
	}
}

func TestUnknownStageLeavesTableUnchanged(t *testing.T) {
	t.Cleanup(func() {
		goleak.VerifyNone(t)
	})

	s := newTestStore(t, staticOpener(t,
		[]stream.Record{rec("a", `{"note":"x"}`)},
		[]stream.Record{rec("a", `{"note":"x"}`), rec("summarize", `{"note":"new server stage"}`)},
	))

	h, err := s.Start(context.Background(), testInput{})
	require.NoError(t, err)
	waitHandle(t, h)
	before := s.Snapshot().Stages

	h, err = s.Start(context.Background(), testInput{})
	require.NoError(t, err)
	waitHandle(t, h)
	after := s.Snapshot()

	if diff := cmp.Diff(before, after.Stages); diff != "" {
		t.Fatalf("unexpected stage table (-want +got):\n%s", diff)
	}
	require.Empty(t, after.Error)
	require.False(t, after.Loading)
	require.Empty(t, after.History)
}

func TestCancelWhileLoading(t *testing.T) {
	t.Cleanup(func() {
		goleak.VerifyNone(t)
	})

	sources := make(chan *mocks.FakeSource[stream.Record], 1)
	opener := mocks.NewMockOpener[stream.Record](gomock.NewController(t))
	opener.EXPECT().Open(gomock.Any(), testEndpoint, gomock.Any()).DoAndReturn(
		func(ctx context.Context, _ string, _ any) (stream.Source[stream.Record], error) {
			src := mocks.NewFakeSource[stream.Record](ctx, 0)
			sources <- src
			return src, nil
		})

	s := newTestStore(t, opener)
	h, err := s.Start(context.Background(), testInput{Query: "cancel me"})
	require.NoError(t, err)
	src := <-sources

	require.True(t, src.Send(rec("a", `{"note":"first"}`)))
	require.Eventually(t, func() bool {
		return statuses(s.Snapshot().Stages)["a"] == StageCompleted
	}, time.Second, time.Millisecond)

	s.Cancel()
	waitHandle(t, h)
	require.False(t, src.Send(rec("b", `{}`)))

	snap := s.Snapshot()
	require.False(t, snap.Loading)
	require.Empty(t, snap.Error)
	require.Empty(t, snap.History)
	require.Nil(t, snap.Result)
	require.Equal(t, StageInProgress, statuses(snap.Stages)["b"])
	require.True(t, src.Closed())
}

func TestContextCancellationClearsLoading(t *testing.T) {
	t.Cleanup(func() {
		goleak.VerifyNone(t)
	})

	opener := mocks.NewMockOpener[stream.Record](gomock.NewController(t))
	opener.EXPECT().Open(gomock.Any(), testEndpoint, gomock.Any()).DoAndReturn(
		func(ctx context.Context, _ string, _ any) (stream.Source[stream.Record], error) {
			return mocks.NewFakeSource[stream.Record](ctx, 0), nil
		})

	s := newTestStore(t, opener)
	ctx, cancel := context.WithCancel(context.Background())
	h, err := s.Start(ctx, testInput{})
	require.NoError(t, err)

	cancel()
	waitHandle(t, h)

	snap := s.Snapshot()
	require.False(t, snap.Loading)
	require.Empty(t, snap.Error)
	require.Empty(t, snap.History)
}

func TestStartReplacesRunningSession(t *testing.T) {
	t.Cleanup(func() {
		goleak.VerifyNone(t)
	})

	sources := make(chan *mocks.FakeSource[stream.Record], 2)
	opener := mocks.NewMockOpener[stream.Record](gomock.NewController(t))
	opener.EXPECT().Open(gomock.Any(), testEndpoint, gomock.Any()).Times(2).DoAndReturn(
		func(ctx context.Context, _ string, _ any) (stream.Source[stream.Record], error) {
			src := mocks.NewFakeSource[stream.Record](ctx, 0)
			sources <- src
			return src, nil
		})

	s := newTestStore(t, opener)
	first, err := s.Start(context.Background(), testInput{Query: "first"})
	require.NoError(t, err)
	firstSrc := <-sources

	second, err := s.Start(context.Background(), testInput{Query: "second"})
	require.NoError(t, err)
	waitHandle(t, first)
	require.False(t, firstSrc.Send(rec("a", `{"note":"stale"}`)))

	secondSrc := <-sources
	for _, r := range []stream.Record{rec("a", `{"note":"1"}`), rec("b", `{}`), rec("c", `{"note":"fresh"}`)} {
		require.True(t, secondSrc.Send(r))
	}
	secondSrc.Finish(nil)
	waitHandle(t, second)

	snap := s.Snapshot()
	require.Equal(t, &testResult{Summary: "fresh"}, snap.Result)
	require.Len(t, snap.History, 1)
	require.Equal(t, "second", snap.History[0].Input.Query)
	require.Equal(t, "second", snap.Input.Query)
}

func TestHistoryNeverExceedsCapacity(t *testing.T) {
	t.Cleanup(func() {
		goleak.VerifyNone(t)
	})

	const runs = 5
	batches := make([][]stream.Record, 0, runs)
	for i := 0; i < runs; i++ {
		batches = append(batches, []stream.Record{
			rec("a", `{}`), rec("b", `{}`), rec("c", fmt.Sprintf(`{"note":"run %d"}`, i)),
		})
	}

	s := newTestStore(t, staticOpener(t, batches...), WithHistoryCapacity(2))
	for i := 0; i < runs; i++ {
		h, err := s.Start(context.Background(), testInput{Query: fmt.Sprint(i)})
		require.NoError(t, err)
		waitHandle(t, h)
		require.LessOrEqual(t, len(s.Snapshot().History), 2)
	}

	history := s.Snapshot().History
	require.Len(t, history, 2)
	require.Equal(t, "3", history[0].Input.Query)
	require.Equal(t, "4", history[1].Input.Query)
	require.Equal(t, "run 4", history[1].Result.Summary)

	require.Equal(t, 2, s.HistoryCapacity())
	recent := s.RecentHistory(10)
	require.Len(t, recent, 2)
	require.Equal(t, "4", recent[0].Input.Query)
	require.Equal(t, "3", recent[1].Input.Query)
	require.Len(t, s.RecentHistory(1), 1)
}

func TestTransportFailureMarksInProgressStage(t *testing.T) {
	t.Cleanup(func() {
		goleak.VerifyNone(t)
	})

	readErr := &stream.TransportError{Op: "read", Endpoint: testEndpoint, Err: errors.New("connection reset by peer")}
	opener := mocks.NewMockOpener[stream.Record](gomock.NewController(t))
	opener.EXPECT().Open(gomock.Any(), testEndpoint, gomock.Any()).DoAndReturn(
		func(ctx context.Context, _ string, _ any) (stream.Source[stream.Record], error) {
			return mocks.NewStaticSource(ctx, readErr, rec("a", `{"note":"kept"}`)), nil
		})

	s := newTestStore(t, opener)
	h, err := s.Start(context.Background(), testInput{})
	require.NoError(t, err)
	waitHandle(t, h)

	snap := s.Snapshot()
	require.Equal(t, map[string]StageStatus{"a": StageCompleted, "b": StageError, "c": StagePending}, statuses(snap.Stages))
	require.Equal(t, readErr.Error(), snap.Error)
	require.False(t, snap.Loading)
	require.Empty(t, snap.History)
	a, _ := snap.Stage("a")
	require.Equal(t, notePayload{Note: "kept"}, a.Payload)
}

func TestHTTPFailureBeforeAnyRecord(t *testing.T) {
	t.Cleanup(func() {
		goleak.VerifyNone(t)
	})

	opener := mocks.NewMockOpener[stream.Record](gomock.NewController(t))
	opener.EXPECT().Open(gomock.Any(), testEndpoint, gomock.Any()).
		Return(nil, &stream.HTTPError{StatusCode: 503, Status: "503 Service Unavailable", Detail: "model is loading"})

	s := newTestStore(t, opener)
	h, err := s.Start(context.Background(), testInput{})
	require.NoError(t, err)
	waitHandle(t, h)

	snap := s.Snapshot()
	require.Equal(t, map[string]StageStatus{"a": StageError, "b": StagePending, "c": StagePending}, statuses(snap.Stages))
	require.Contains(t, snap.Error, "model is loading")
	require.False(t, snap.Loading)
}

func TestExtractionFailureFallsBackToEmptyPayload(t *testing.T) {
	t.Cleanup(func() {
		goleak.VerifyNone(t)
	})

	l, logs := logger.NewObserverLogger("debug")
	s := newTestStore(t, staticOpener(t, []stream.Record{
		rec("a", `{"note":"ok"}`),
		rec("b", `{"fail":true}`),
		rec("c", `{"note":"done"}`),
	}), WithLogger(l))

	h, err := s.Start(context.Background(), testInput{})
	require.NoError(t, err)
	waitHandle(t, h)

	snap := s.Snapshot()
	b, _ := snap.Stage("b")
	require.Equal(t, StageCompleted, b.Status)
	require.Equal(t, notePayload{}, b.Payload)
	require.Equal(t, &testResult{Summary: "done"}, snap.Result)
	require.Empty(t, snap.Error)
	require.Equal(t, 1, logs.FilterMessage("failed to extract stage payload, using an empty payload").Len())
}

func TestStreamEndingEarly(t *testing.T) {
	t.Cleanup(func() {
		goleak.VerifyNone(t)
	})

	s := newTestStore(t, staticOpener(t, []stream.Record{rec("a", `{}`)}))
	h, err := s.Start(context.Background(), testInput{})
	require.NoError(t, err)
	waitHandle(t, h)

	snap := s.Snapshot()
	require.False(t, snap.Loading)
	require.Empty(t, snap.Error)
	require.Nil(t, snap.Result)
	require.Empty(t, snap.History)
	require.Equal(t, StageInProgress, statuses(snap.Stages)["b"])
}

func TestFollowUpResume(t *testing.T) {
	t.Cleanup(func() {
		goleak.VerifyNone(t)
	})

	var bodies []json.RawMessage
	batches := [][]stream.Record{
		{
			rec("a", `{"note":"profile"}`),
			rec("b", `{"missing":[{"key":"income","question":"What is your annual income?"}]}`),
			rec("c", `{"note":"must not be applied"}`),
		},
		{
			rec("a", `{"note":"replayed"}`),
			rec("b", `{"note":"no gaps"}`),
			rec("c", `{"note":"plan"}`),
			rec(CompleteSentinel, ""),
		},
	}
	opener := mocks.NewMockOpener[stream.Record](gomock.NewController(t))
	for _, batch := range batches {
		opener.EXPECT().Open(gomock.Any(), testEndpoint, gomock.Any()).DoAndReturn(
			func(ctx context.Context, _ string, body any) (stream.Source[stream.Record], error) {
				bodies = append(bodies, body.(json.RawMessage))
				return mocks.NewStaticSource(ctx, nil, batch...), nil
			})
	}

	s := newTestStore(t, opener)

	_, err := s.SubmitFollowUp(context.Background(), map[string]string{"income": "42000"})
	require.ErrorIs(t, err, ErrNoPendingFollowUp)

	h, err := s.Start(context.Background(), testInput{Query: "I lost my job"})
	require.NoError(t, err)
	waitHandle(t, h)

	paused := s.Snapshot()
	require.True(t, paused.Paused)
	require.False(t, paused.Loading)
	require.Nil(t, paused.Result)
	require.Empty(t, paused.History)
	require.Equal(t, map[string]StageStatus{"a": StageCompleted, "b": StageCompleted, "c": StagePending}, statuses(paused.Stages))
	require.NotNil(t, paused.FollowUp)
	require.Equal(t, "b", paused.FollowUp.PausedAt)
	require.Equal(t, []Question{{Key: "income", Prompt: "What is your annual income?"}}, paused.FollowUp.Questions)
	require.JSONEq(t, `{"query":"I lost my job"}`, string(paused.FollowUp.LastRequest))

	h, err = s.SubmitFollowUp(context.Background(), map[string]string{"income": "42000"})
	require.NoError(t, err)

	resumed := s.Snapshot()
	require.False(t, resumed.Paused)
	require.Equal(t, map[string]StageStatus{"a": StageCompleted, "b": StageInProgress, "c": StagePending}, statuses(resumed.Stages))

	waitHandle(t, h)

	done := s.Snapshot()
	require.Len(t, bodies, 2)
	require.JSONEq(t, `{"query":"I lost my job","answers":{"income":"42000"}}`, string(bodies[1]))

	a, _ := done.Stage("a")
	require.Equal(t, notePayload{Note: "profile"}, a.Payload)
	require.Equal(t, map[string]StageStatus{"a": StageCompleted, "b": StageCompleted, "c": StageCompleted}, statuses(done.Stages))
	require.Equal(t, &testResult{Summary: "plan"}, done.Result)
	require.Nil(t, done.FollowUp)
	require.False(t, done.Paused)
	require.Len(t, done.History, 1)

	_, err = s.SubmitFollowUp(context.Background(), nil)
	require.ErrorIs(t, err, ErrNoPendingFollowUp)
}

func TestRepeatedPauseMergesAnswers(t *testing.T) {
	t.Cleanup(func() {
		goleak.VerifyNone(t)
	})

	var last json.RawMessage
	batches := [][]stream.Record{
		{rec("a", `{}`), rec("b", `{"missing":[{"key":"income","question":"Income?"}]}`)},
		{rec("b", `{"missing":[{"key":"province","question":"Province?"}]}`)},
		{rec("b", `{}`)},
	}
	opener := mocks.NewMockOpener[stream.Record](gomock.NewController(t))
	for _, batch := range batches {
		opener.EXPECT().Open(gomock.Any(), testEndpoint, gomock.Any()).DoAndReturn(
			func(ctx context.Context, _ string, body any) (stream.Source[stream.Record], error) {
				last = body.(json.RawMessage)
				return mocks.NewStaticSource(ctx, nil, batch...), nil
			})
	}

	s := newTestStore(t, opener)
	h, err := s.Start(context.Background(), testInput{Query: "q"})
	require.NoError(t, err)
	waitHandle(t, h)

	h, err = s.SubmitFollowUp(context.Background(), map[string]string{"income": "1"})
	require.NoError(t, err)
	waitHandle(t, h)
	require.True(t, s.Snapshot().Paused)
	require.Equal(t, map[string]string{"income": "1"}, s.Snapshot().FollowUp.Answers)

	h, err = s.SubmitFollowUp(context.Background(), map[string]string{"province": "ON"})
	require.NoError(t, err)
	waitHandle(t, h)

	require.JSONEq(t, `{"query":"q","answers":{"income":"1","province":"ON"}}`, string(last))
	snap := s.Snapshot()
	require.False(t, snap.Paused)
	require.Equal(t, StageInProgress, statuses(snap.Stages)["c"])
}

func TestPersistAndRestore(t *testing.T) {
	t.Cleanup(func() {
		goleak.VerifyNone(t)
	})

	storage := memory.New()
	first := newTestStore(t, staticOpener(t, []stream.Record{
		rec("a", `{}`), rec("b", `{}`), rec("c", `{"note":"persisted"}`),
	}), WithStorage(storage, "tab-1"))

	h, err := first.Start(context.Background(), testInput{Query: "remember me"})
	require.NoError(t, err)
	waitHandle(t, h)
	first.SetActiveTab("history")
	first.Close()

	restored := newTestStore(t, mocks.NewMockOpener[stream.Record](gomock.NewController(t)), WithStorage(storage, "tab-1"))
	require.NoError(t, restored.Restore(context.Background()))

	snap := restored.Snapshot()
	require.Equal(t, &testInput{Query: "remember me"}, snap.Input)
	require.Equal(t, &testResult{Summary: "persisted"}, snap.Result)
	require.Equal(t, "history", snap.ActiveTab)
	require.Len(t, snap.History, 1)
	require.Equal(t, "persisted", snap.History[0].Result.Summary)

	// volatile state starts fresh
	require.False(t, snap.Loading)
	require.Equal(t, map[string]StageStatus{"a": StagePending, "b": StagePending, "c": StagePending}, statuses(snap.Stages))

	other := newTestStore(t, mocks.NewMockOpener[stream.Record](gomock.NewController(t)), WithStorage(storage, "tab-2"))
	require.NoError(t, other.Restore(context.Background()))
	require.Empty(t, other.Snapshot().History)

	restored.ClearHistory()
	data, err := storage.Load(context.Background(), "tab-1", "test")
	require.NoError(t, err)
	require.Equal(t, int64(0), gjson.GetBytes(data, "history.#").Int())
}

func TestSubscribe(t *testing.T) {
	t.Cleanup(func() {
		goleak.VerifyNone(t)
	})

	s, err := NewStore[testInput](testDefinition(), mocks.NewMockOpener[stream.Record](gomock.NewController(t)))
	require.NoError(t, err)

	first, unsubscribeFirst := s.Subscribe()
	second, _ := s.Subscribe()

	initial := <-first
	require.Equal(t, "test", initial.Pipeline)
	<-second

	s.SetActiveTab("graph")
	s.SetActiveTab("rules")

	// a slow subscriber only sees the latest state
	require.Equal(t, "rules", (<-first).ActiveTab)

	unsubscribeFirst()
	unsubscribeFirst()
	_, open := <-first
	require.False(t, open)

	s.Close()
	for range second {
	}

	closed, _ := s.Subscribe()
	_, open = <-closed
	require.False(t, open)

	_, err = s.Start(context.Background(), testInput{})
	require.ErrorIs(t, err, ErrClosed)
}

type eligibilityResult struct {
	Decision struct {
		Eligible bool `json:"eligible"`
	} `json:"decision"`
}

func TestEligibilityScenarioOverHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"node":"retrieve","state":{"documents":[{"id":"ei-act-7","title":"Employment Insurance Act s.7"}]}}`)
		fmt.Fprintln(w, `{not json`)
		fmt.Fprintln(w, `{"node":"evaluate","state":{"final_answer":"{\"decision\":{\"eligible\":true}}"}}`)
		fmt.Fprintln(w, `{"node":"complete"}`)
	}))
	defer srv.Close()

	transport := &http.Transport{}
	defer transport.CloseIdleConnections()
	client := stream.NewClient(srv.URL, stream.WithHTTPClient(&http.Client{Transport: transport}))

	def := Definition[eligibilityResult]{
		Name:     "eligibility",
		Endpoint: "/api/rules/evaluate/stream",
		Stages:   []string{"retrieve", "evaluate"},
		Extract: func(stage string, state json.RawMessage) (any, error) {
			if stage == "retrieve" {
				return ExtractRetrieve(state)
			}
			var r eligibilityResult
			_, err := DecodeField(state, "final_answer", &r)
			return r, err
		},
		Terminal: func(stages []StageEntry) (eligibilityResult, error) {
			r, _ := PayloadOf[eligibilityResult](stages, "evaluate")
			return r, nil
		},
		HistoryCapacity: 5,
	}

	s, err := NewStore[map[string]string](def, client.RecordOpener())
	require.NoError(t, err)
	defer s.Close()

	h, err := s.Start(context.Background(), map[string]string{"query": "Am I eligible for EI?"})
	require.NoError(t, err)
	waitHandle(t, h)

	snap := s.Snapshot()
	require.Equal(t, map[string]StageStatus{"retrieve": StageCompleted, "evaluate": StageCompleted}, statuses(snap.Stages))
	require.NotNil(t, snap.Result)
	require.True(t, snap.Result.Decision.Eligible)
	require.Len(t, snap.History, 1)
	require.Empty(t, snap.Error)

	retrieve, _ := snap.Stage("retrieve")
	require.Equal(t, RetrievePayload{Documents: []Document{{ID: "ei-act-7", Title: "Employment Insurance Act s.7"}}}, retrieve.Payload)
}
