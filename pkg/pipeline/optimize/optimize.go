// Package optimize defines the resource optimization pipeline: load the available
// resources, forecast demand, compute an allocation and explain it.
package optimize

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/panic80/G7GovAI-sub001/pkg/pipeline"
	"github.com/panic80/G7GovAI-sub001/pkg/stream"
)

const (
	Name            = "optimize"
	Endpoint        = "/api/optimize/stream"
	HistoryCapacity = 5

	StageLoadResources  = "load_resources"
	StageForecastDemand = "forecast_demand"
	StageOptimize       = "optimize"
	StageExplain        = "explain"
)

// Stages is the fixed stage order of the pipeline.
var Stages = []string{StageLoadResources, StageForecastDemand, StageOptimize, StageExplain}

type Request struct {
	Region      string         `json:"region,omitempty"`
	HorizonDays int            `json:"horizon_days,omitempty"`
	Budget      float64        `json:"budget,omitempty"`
	Scenario    string         `json:"scenario,omitempty"`
	Language    string         `json:"language,omitempty"`
	Constraints map[string]any `json:"constraints,omitempty"`
}

type Resource struct {
	ID       string  `json:"id"`
	Name     string  `json:"name,omitempty"`
	Type     string  `json:"type,omitempty"`
	Location string  `json:"location,omitempty"`
	Capacity float64 `json:"capacity,omitempty"`
	UnitCost float64 `json:"unit_cost,omitempty"`
}

type ResourcesPayload struct {
	Resources []Resource `json:"resources"`
}

type Forecast struct {
	Region string  `json:"region"`
	Period string  `json:"period,omitempty"`
	Demand float64 `json:"demand"`
	Lower  float64 `json:"lower,omitempty"`
	Upper  float64 `json:"upper,omitempty"`
}

type ForecastPayload struct {
	Forecasts   []Forecast `json:"forecasts"`
	TotalDemand float64    `json:"total_demand"`
}

type Allocation struct {
	ResourceID string  `json:"resource_id"`
	Region     string  `json:"region"`
	Quantity   float64 `json:"quantity"`
	Cost       float64 `json:"cost,omitempty"`
}

// AllocationPayload is the payload of the optimize stage.
type AllocationPayload struct {
	Allocations []Allocation `json:"allocations"`
	TotalCost   float64      `json:"total_cost"`
	UnmetDemand float64      `json:"unmet_demand"`
	Status      string       `json:"status,omitempty"`
}

// Plan is the result of an optimization session.
type Plan struct {
	Allocations     []Allocation `json:"allocations"`
	TotalCost       float64      `json:"total_cost"`
	UnmetDemand     float64      `json:"unmet_demand"`
	Explanation     string       `json:"explanation"`
	Recommendations []string     `json:"recommendations,omitempty"`
}

type Store = pipeline.Store[Request, Plan]

func NewStore(opener stream.Opener[stream.Record], opts ...pipeline.Option) (*Store, error) {
	return pipeline.NewStore[Request](Definition(), opener, opts...)
}

func Definition() pipeline.Definition[Plan] {
	return pipeline.Definition[Plan]{
		Name:            Name,
		Endpoint:        Endpoint,
		Stages:          Stages,
		Extract:         Extract,
		Terminal:        Terminal,
		HistoryCapacity: HistoryCapacity,
	}
}

// Extract builds the payload of an optimization stage.
func Extract(stage string, state json.RawMessage) (any, error) {
	switch stage {
	case StageLoadResources:
		p := ResourcesPayload{Resources: []Resource{}}
		if _, err := pipeline.DecodeField(state, "resources", &p.Resources); err != nil {
			return ResourcesPayload{Resources: []Resource{}}, err
		}
		return p, nil
	case StageForecastDemand:
		return extractForecast(state)
	case StageOptimize:
		return extractAllocation(state)
	case StageExplain:
		return extractPlan(state)
	default:
		return nil, fmt.Errorf("unknown optimize stage %q", stage)
	}
}

func extractForecast(state json.RawMessage) (ForecastPayload, error) {
	p := ForecastPayload{Forecasts: []Forecast{}}

	found, err := pipeline.DecodeField(state, "forecast", &p.Forecasts)
	if err == nil && !found {
		_, err = pipeline.DecodeField(state, "demand_forecast", &p.Forecasts)
	}
	if err != nil {
		return ForecastPayload{Forecasts: []Forecast{}}, err
	}

	for _, f := range p.Forecasts {
		p.TotalDemand += f.Demand
	}
	return p, nil
}

// extractAllocation reads the solver output, either nested under optimization_result or as
// top level fields of the stage state.
func extractAllocation(state json.RawMessage) (AllocationPayload, error) {
	empty := AllocationPayload{Allocations: []Allocation{}}

	var p AllocationPayload
	found, err := pipeline.DecodeField(state, "optimization_result", &p)
	if err != nil {
		return empty, err
	}
	if !found {
		if _, err := pipeline.DecodeField(state, "allocations", &p.Allocations); err != nil {
			return empty, err
		}
		p.TotalCost = gjson.GetBytes(state, "total_cost").Float()
		p.UnmetDemand = gjson.GetBytes(state, "unmet_demand").Float()
		p.Status = gjson.GetBytes(state, "status").String()
	}
	if p.Allocations == nil {
		p.Allocations = []Allocation{}
	}
	return p, nil
}

func extractPlan(state json.RawMessage) (*Plan, error) {
	var p Plan
	found, err := pipeline.DecodeField(state, "final_answer", &p)
	if err != nil {
		// the explanation may be plain prose
		if text := gjson.GetBytes(state, "final_answer"); text.Type == gjson.String && !gjson.Valid(text.Str) {
			return &Plan{Explanation: text.Str}, nil
		}
		return nil, err
	}
	if !found {
		return nil, errors.New("explain stage carries no final_answer")
	}
	return &p, nil
}

// Terminal returns the plan of the explain stage, completed with the solver output when the
// explanation does not repeat it.
func Terminal(stages []pipeline.StageEntry) (Plan, error) {
	p, ok := pipeline.PayloadOf[*Plan](stages, StageExplain)
	if !ok || p == nil {
		return Plan{}, errors.New("optimization produced no plan")
	}

	plan := *p
	if alloc, ok := pipeline.PayloadOf[AllocationPayload](stages, StageOptimize); ok && len(plan.Allocations) == 0 {
		plan.Allocations = alloc.Allocations
		if plan.TotalCost == 0 {
			plan.TotalCost = alloc.TotalCost
		}
		if plan.UnmetDemand == 0 {
			plan.UnmetDemand = alloc.UnmetDemand
		}
	}
	if plan.Allocations == nil {
		plan.Allocations = []Allocation{}
	}
	return plan, nil
}
