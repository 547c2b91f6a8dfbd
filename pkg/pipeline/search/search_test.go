package search

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/mock/gomock"

	"github.com/panic80/G7GovAI-sub001/internal/mocks"
	"github.com/panic80/G7GovAI-sub001/pkg/pipeline"
	"github.com/panic80/G7GovAI-sub001/pkg/stream"
)

func TestDefinition(t *testing.T) {
	def := Definition()
	require.NoError(t, def.Validate())
	require.Equal(t, []string{"retrieve", "grade", "generate"}, def.Stages)
	require.Equal(t, 10, def.HistoryCapacity)
	require.Nil(t, def.Pause)
}

func TestExtract(t *testing.T) {
	t.Run("grade_counts_confidence", func(t *testing.T) {
		payload, err := Extract(StageGrade, json.RawMessage(`{"graded_documents":[
			{"id":"a","confidence":"high"},{"id":"b","confidence":"High"},
			{"id":"c","confidence":"low"},{"id":"d"}]}`))
		require.NoError(t, err)

		grade := payload.(GradePayload)
		require.Len(t, grade.Documents, 4)
		require.Equal(t, pipeline.ConfidenceCounts{High: 2, Low: 1}, grade.Counts)
	})

	t.Run("grade_falls_back_to_documents", func(t *testing.T) {
		payload, err := Extract(StageGrade, json.RawMessage(`{"documents":"[{\"id\":\"a\",\"confidence\":\"medium\"}]"}`))
		require.NoError(t, err)
		require.Equal(t, pipeline.ConfidenceCounts{Medium: 1}, payload.(GradePayload).Counts)
	})

	t.Run("grade_malformed", func(t *testing.T) {
		payload, err := Extract(StageGrade, json.RawMessage(`{"graded_documents":"[{oops"}`))
		require.Error(t, err)
		require.Equal(t, GradePayload{Documents: []pipeline.Document{}}, payload)
	})

	t.Run("generate_json_answer", func(t *testing.T) {
		payload, err := Extract(StageGenerate, json.RawMessage(`{"final_answer":"{\"answer\":\"Apply within 4 weeks.\",\"citations\":[{\"doc_id\":\"ei-1\",\"locator\":\"s.10(4)\"}],\"confidence\":\"high\"}"}`))
		require.NoError(t, err)
		require.Equal(t, &Answer{
			Answer:     "Apply within 4 weeks.",
			Citations:  []Citation{{DocID: "ei-1", Locator: "s.10(4)"}},
			Confidence: "high",
		}, payload)
	})

	t.Run("generate_plain_text_answer", func(t *testing.T) {
		payload, err := Extract(StageGenerate, json.RawMessage(`{"final_answer":"Apply within four weeks of your last day of work."}`))
		require.NoError(t, err)
		require.Equal(t, "Apply within four weeks of your last day of work.", payload.(*Answer).Answer)
	})

	t.Run("generate_missing_answer", func(t *testing.T) {
		payload, err := Extract(StageGenerate, json.RawMessage(`{}`))
		require.Error(t, err)
		require.Nil(t, payload)

		_, err = Terminal([]pipeline.StageEntry{{Name: StageGenerate, Payload: payload}})
		require.Error(t, err)
	})

	t.Run("unknown_stage", func(t *testing.T) {
		_, err := Extract("rerank", nil)
		require.Error(t, err)
	})
}

func TestStore(t *testing.T) {
	t.Cleanup(func() {
		goleak.VerifyNone(t)
	})

	opener := mocks.NewMockOpener[stream.Record](gomock.NewController(t))
	opener.EXPECT().Open(gomock.Any(), Endpoint, json.RawMessage(`{"query":"parental leave","language":"fr"}`)).DoAndReturn(
		func(ctx context.Context, _ string, _ any) (stream.Source[stream.Record], error) {
			return mocks.NewStaticSource(ctx, nil,
				stream.Record{Node: StageRetrieve, State: json.RawMessage(`{"documents":[{"id":"el-1"}]}`)},
				stream.Record{Node: StageGrade, State: json.RawMessage(`{"graded_documents":[{"id":"el-1","confidence":"high"}]}`)},
				stream.Record{Node: StageGenerate, State: json.RawMessage(`{"final_answer":"{\"answer\":\"Up to 61 weeks.\"}"}`)},
				stream.Record{Node: pipeline.CompleteSentinel},
			), nil
		})

	s, err := NewStore(opener)
	require.NoError(t, err)
	defer s.Close()

	h, err := s.Start(context.Background(), Request{Query: "parental leave", Language: "fr"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.Wait(ctx))

	snap := s.Snapshot()
	require.Equal(t, &Answer{Answer: "Up to 61 weeks.", Citations: []Citation{}}, snap.Result)
	require.Len(t, snap.History, 1)
	require.Equal(t, "parental leave", snap.History[0].Input.Query)
}
