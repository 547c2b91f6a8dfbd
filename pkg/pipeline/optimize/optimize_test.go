package optimize

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
	require.Equal(t, []string{"load_resources", "forecast_demand", "optimize", "explain"}, def.Stages)
	require.Equal(t, 5, def.HistoryCapacity)
}

func TestExtract(t *testing.T) {
	t.Run("resources", func(t *testing.T) {
		payload, err := Extract(StageLoadResources, json.RawMessage(`{"resources":[{"id":"amb-1","type":"ambulance","capacity":4,"unit_cost":1200}]}`))
		require.NoError(t, err)
		require.Equal(t, []Resource{{ID: "amb-1", Type: "ambulance", Capacity: 4, UnitCost: 1200}}, payload.(ResourcesPayload).Resources)
	})

	t.Run("forecast_totals", func(t *testing.T) {
		payload, err := Extract(StageForecastDemand, json.RawMessage(`{"demand_forecast":"[{\"region\":\"north\",\"demand\":12.5},{\"region\":\"south\",\"demand\":7.5}]"}`))
		require.NoError(t, err)
		p := payload.(ForecastPayload)
		require.Len(t, p.Forecasts, 2)
		require.InDelta(t, 20.0, p.TotalDemand, 1e-9)
	})

	t.Run("allocation_nested", func(t *testing.T) {
		payload, err := Extract(StageOptimize, json.RawMessage(`{"optimization_result":"{\"allocations\":[{\"resource_id\":\"amb-1\",\"region\":\"north\",\"quantity\":3}],\"total_cost\":3600,\"unmet_demand\":1.5,\"status\":\"optimal\"}"}`))
		require.NoError(t, err)
		require.Equal(t, AllocationPayload{
			Allocations: []Allocation{{ResourceID: "amb-1", Region: "north", Quantity: 3}},
			TotalCost:   3600,
			UnmetDemand: 1.5,
			Status:      "optimal",
		}, payload)
	})

	t.Run("allocation_flat", func(t *testing.T) {
		payload, err := Extract(StageOptimize, json.RawMessage(`{"allocations":[],"total_cost":0,"unmet_demand":20,"status":"infeasible"}`))
		require.NoError(t, err)
		require.Equal(t, AllocationPayload{Allocations: []Allocation{}, UnmetDemand: 20, Status: "infeasible"}, payload)
	})

	t.Run("allocation_malformed", func(t *testing.T) {
		payload, err := Extract(StageOptimize, json.RawMessage(`{"optimization_result":"{broken"}`))
		require.Error(t, err)
		require.Equal(t, AllocationPayload{Allocations: []Allocation{}}, payload)
	})

	t.Run("plain_text_explanation", func(t *testing.T) {
		payload, err := Extract(StageExplain, json.RawMessage(`{"final_answer":"Shift two units north for the long weekend."}`))
		require.NoError(t, err)
		require.Equal(t, &Plan{Explanation: "Shift two units north for the long weekend."}, payload)
	})
}

func TestTerminalFillsAllocationsFromSolver(t *testing.T) {
	solver := AllocationPayload{
		Allocations: []Allocation{{ResourceID: "amb-1", Region: "north", Quantity: 3}},
		TotalCost:   3600,
		UnmetDemand: 1.5,
	}

	plan, err := Terminal([]pipeline.StageEntry{
		{Name: StageOptimize, Payload: solver},
		{Name: StageExplain, Payload: &Plan{Explanation: "three units north"}},
	})
	require.NoError(t, err)
	require.Equal(t, Plan{
		Allocations: solver.Allocations,
		TotalCost:   3600,
		UnmetDemand: 1.5,
		Explanation: "three units north",
	}, plan)

	_, err = Terminal([]pipeline.StageEntry{{Name: StageExplain, Payload: (*Plan)(nil)}})
	require.Error(t, err)
}

func TestStore(t *testing.T) {
	t.Cleanup(func() {
		goleak.VerifyNone(t)
	})

	opener := mocks.NewMockOpener[stream.Record](gomock.NewController(t))
	opener.EXPECT().Open(gomock.Any(), Endpoint, json.RawMessage(`{"region":"north","horizon_days":7,"budget":10000}`)).DoAndReturn(
		func(ctx context.Context, _ string, _ any) (stream.Source[stream.Record], error) {
			return mocks.NewStaticSource(ctx, nil,
				stream.Record{Node: StageLoadResources, State: json.RawMessage(`{"resources":[{"id":"amb-1"}]}`)},
				stream.Record{Node: StageForecastDemand, State: json.RawMessage(`{"forecast":[{"region":"north","demand":4}]}`)},
				stream.Record{Node: StageOptimize, State: json.RawMessage(`{"allocations":[{"resource_id":"amb-1","region":"north","quantity":4}],"total_cost":4800}`)},
				stream.Record{Node: StageExplain, State: json.RawMessage(`{"final_answer":"{\"explanation\":\"All demand covered.\"}"}`)},
			), nil
		})

	s, err := NewStore(opener)
	require.NoError(t, err)
	defer s.Close()

	h, err := s.Start(context.Background(), Request{Region: "north", HorizonDays: 7, Budget: 10000})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.Wait(ctx))

	snap := s.Snapshot()
	require.NotNil(t, snap.Result)
	require.Equal(t, "All demand covered.", snap.Result.Explanation)
	require.InDelta(t, 4800, snap.Result.TotalCost, 1e-9)
	require.Len(t, snap.Result.Allocations, 1)
	require.Len(t, snap.History, 1)
}
