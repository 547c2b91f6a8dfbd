package rules

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

const embeddedRules = `{"rules":"[{\"id\":\"R1\",\"description\":\"Worked enough insurable hours\",\"conditions\":[{\"field\":\"insurable_hours\",\"operator\":\">=\",\"value\":420}],\"confidence\":\"high\"},{\"id\":\"R2\",\"description\":\"Lost job through no fault\",\"conditions\":[{\"field\":\"separation_reason\",\"operator\":\"in\",\"value\":\"shortage_of_work\"},{\"field\":\"insurable_hours\",\"operator\":\">=\",\"value\":420}],\"confidence\":\"medium\"}]"}`

func TestDefinition(t *testing.T) {
	def := Definition()
	require.NoError(t, def.Validate())
	require.Equal(t, []string{
		"retrieve", "extract_rules", "resolve_thresholds", "map_legislation", "extract_facts", "evaluate",
	}, def.Stages)
	require.Equal(t, 5, def.HistoryCapacity)
}

func TestExtractRules(t *testing.T) {
	payload, err := Extract(StageExtractRules, json.RawMessage(embeddedRules))
	require.NoError(t, err)

	p := payload.(RulesPayload)
	require.Len(t, p.Rules, 2)
	require.Equal(t, "R2", p.Rules[1].ID)
	require.Equal(t, pipeline.ConfidenceCounts{High: 1, Medium: 1}, p.Counts)

	require.Equal(t, []Node{
		{ID: "rule:R1", Label: "Worked enough insurable hours", Kind: NodeRule},
		{ID: "condition:insurable_hours >= 420", Label: "insurable_hours >= 420", Kind: NodeCondition},
		{ID: "rule:R2", Label: "Lost job through no fault", Kind: NodeRule},
		{ID: "condition:separation_reason in shortage_of_work", Label: "separation_reason in shortage_of_work", Kind: NodeCondition},
	}, p.Graph.Nodes)
	require.Equal(t, []Edge{
		{From: "rule:R1", To: "condition:insurable_hours >= 420"},
		{From: "rule:R2", To: "condition:separation_reason in shortage_of_work"},
		{From: "rule:R2", To: "condition:insurable_hours >= 420"},
	}, p.Graph.Edges)
}

func TestExtractRulesMalformed(t *testing.T) {
	payload, err := Extract(StageExtractRules, json.RawMessage(`{"rules":"[{\"id\":"}`))
	require.Error(t, err)

	p := payload.(RulesPayload)
	require.Empty(t, p.Rules)
	require.Empty(t, p.Graph.Nodes)
	require.Zero(t, p.Counts.Total())
}

func TestBuildGraphDeduplicates(t *testing.T) {
	rule := Rule{Conditions: []Condition{{Field: "age", Operator: ">=", Value: 18}, {Field: "age", Operator: ">=", Value: 18}}}
	g := BuildGraph([]Rule{rule, rule})

	// rules without an id are numbered by position
	require.Len(t, g.Nodes, 3)
	require.Equal(t, "rule:1", g.Nodes[0].ID)
	require.Equal(t, "1", g.Nodes[0].Label)
	require.Equal(t, "rule:2", g.Nodes[2].ID)
	require.Len(t, g.Edges, 2)

	empty := BuildGraph(nil)
	require.NotNil(t, empty.Nodes)
	require.NotNil(t, empty.Edges)
}

func TestExtractThresholds(t *testing.T) {
	for _, tc := range []struct {
		name     string
		state    string
		expected []Threshold
	}{
		{
			name:  "object",
			state: `{"thresholds":{"max_weekly_benefit":{"value":695,"unit":"CAD"},"min_hours":420}}`,
			expected: []Threshold{
				{Name: "max_weekly_benefit", Value: float64(695), Unit: "CAD"},
				{Name: "min_hours", Value: float64(420)},
			},
		},
		{
			name:     "encoded_list",
			state:    `{"thresholds":"[{\"name\":\"min_hours\",\"value\":420}]"}`,
			expected: []Threshold{{Name: "min_hours", Value: float64(420)}},
		},
		{
			name:     "missing",
			state:    `{}`,
			expected: []Threshold{},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			payload, err := Extract(StageResolveThresholds, json.RawMessage(tc.state))
			require.NoError(t, err)
			require.Equal(t, tc.expected, payload.(ThresholdsPayload).Thresholds)
		})
	}

	_, err := Extract(StageResolveThresholds, json.RawMessage(`{"thresholds":42}`))
	require.Error(t, err)
}

func TestExtractOtherStages(t *testing.T) {
	payload, err := Extract(StageMapLegislation, json.RawMessage(`{"legislation_map":[{"act":"Employment Insurance Act","section":"7(2)"}]}`))
	require.NoError(t, err)
	require.Equal(t, []LegislationRef{{Act: "Employment Insurance Act", Section: "7(2)"}}, payload.(LegislationPayload).References)

	payload, err = Extract(StageExtractFacts, json.RawMessage(`{"facts":"{\"insurable_hours\":600}"}`))
	require.NoError(t, err)
	require.Equal(t, map[string]any{"insurable_hours": float64(600)}, payload.(FactsPayload).Facts)

	payload, err = Extract(StageEvaluate, json.RawMessage(`{"final_answer":"not json"}`))
	require.Error(t, err)
	require.Nil(t, payload)

	_, err = Extract("summarize", nil)
	require.Error(t, err)
}

func TestEligibilityScenario(t *testing.T) {
	t.Cleanup(func() {
		goleak.VerifyNone(t)
	})

	opener := mocks.NewMockOpener[stream.Record](gomock.NewController(t))
	opener.EXPECT().Open(gomock.Any(), Endpoint, gomock.Any()).DoAndReturn(
		func(ctx context.Context, _ string, _ any) (stream.Source[stream.Record], error) {
			return mocks.NewStaticSource(ctx, nil,
				stream.Record{Node: StageRetrieve, State: json.RawMessage(`{"documents":[{"id":"ei-act"}]}`)},
				stream.Record{Node: StageExtractRules, State: json.RawMessage(embeddedRules)},
				stream.Record{Node: StageResolveThresholds, State: json.RawMessage(`{"thresholds":{"min_hours":420}}`)},
				stream.Record{Node: StageMapLegislation, State: json.RawMessage(`{"legislation":[{"act":"Employment Insurance Act"}]}`)},
				stream.Record{Node: StageExtractFacts, State: json.RawMessage(`{"facts":{"insurable_hours":600}}`)},
				stream.Record{Node: StageEvaluate, State: json.RawMessage(`{"final_answer":"{\"decision\":{\"eligible\":true,\"reasoning\":\"600 >= 420\"}}"}`)},
				stream.Record{Node: pipeline.CompleteSentinel},
			), nil
		})

	s, err := NewStore(opener)
	require.NoError(t, err)
	defer s.Close()

	h, err := s.Start(context.Background(), Request{Query: "Am I eligible for EI?", EffectiveDate: "2024-01-01"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.Wait(ctx))

	snap := s.Snapshot()
	for _, stage := range snap.Stages {
		require.Equal(t, pipeline.StageCompleted, stage.Status, stage.Name)
	}
	require.NotNil(t, snap.Result)
	require.True(t, snap.Result.Decision.Eligible)
	require.Equal(t, "600 >= 420", snap.Result.Decision.Reasoning)
	require.Len(t, snap.History, 1)

	extracted, ok := snap.Stage(StageExtractRules)
	require.True(t, ok)
	require.Len(t, extracted.Payload.(RulesPayload).Graph.Nodes, 4)
}
