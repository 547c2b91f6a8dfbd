// Package rules defines the eligibility evaluation pipeline. Rules are extracted from the
// retrieved legislation, thresholds and legislative references are resolved, facts are
// extracted from the applicant's situation and a decision is evaluated.
package rules

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/panic80/G7GovAI-sub001/pkg/pipeline"
	"github.com/panic80/G7GovAI-sub001/pkg/stream"
)

const (
	Name            = "rules"
	Endpoint        = "/api/rules/evaluate/stream"
	HistoryCapacity = 5

	StageRetrieve          = "retrieve"
	StageExtractRules      = "extract_rules"
	StageResolveThresholds = "resolve_thresholds"
	StageMapLegislation    = "map_legislation"
	StageExtractFacts      = "extract_facts"
	StageEvaluate          = "evaluate"
)

// Stages is the fixed stage order of the pipeline.
var Stages = []string{
	StageRetrieve,
	StageExtractRules,
	StageResolveThresholds,
	StageMapLegislation,
	StageExtractFacts,
	StageEvaluate,
}

type Request struct {
	Query         string         `json:"query"`
	Language      string         `json:"language,omitempty"`
	EffectiveDate string         `json:"effective_date,omitempty"`
	Profile       map[string]any `json:"profile,omitempty"`
}

type Condition struct {
	Field       string `json:"field"`
	Operator    string `json:"operator,omitempty"`
	Value       any    `json:"value,omitempty"`
	Description string `json:"description,omitempty"`
}

type Rule struct {
	ID          string      `json:"id,omitempty"`
	Description string      `json:"description"`
	Conditions  []Condition `json:"conditions,omitempty"`
	Outcome     string      `json:"outcome,omitempty"`
	Source      string      `json:"source,omitempty"`
	Confidence  string      `json:"confidence,omitempty"`
}

// RulesPayload is the payload of the extract_rules stage.
type RulesPayload struct {
	Rules  []Rule                    `json:"rules"`
	Graph  Graph                     `json:"graph"`
	Counts pipeline.ConfidenceCounts `json:"counts"`
}

type Threshold struct {
	Name          string `json:"name"`
	Value         any    `json:"value"`
	Unit          string `json:"unit,omitempty"`
	Source        string `json:"source,omitempty"`
	EffectiveDate string `json:"effective_date,omitempty"`
}

type ThresholdsPayload struct {
	Thresholds []Threshold `json:"thresholds"`
}

type LegislationRef struct {
	Act     string `json:"act"`
	Section string `json:"section,omitempty"`
	Title   string `json:"title,omitempty"`
	URL     string `json:"url,omitempty"`
	RuleID  string `json:"rule_id,omitempty"`
}

type LegislationPayload struct {
	References []LegislationRef `json:"references"`
}

type FactsPayload struct {
	Facts map[string]any `json:"facts"`
}

type ConditionResult struct {
	Condition   string `json:"condition"`
	Met         bool   `json:"met"`
	Explanation string `json:"explanation,omitempty"`
}

type Decision struct {
	Eligible   bool              `json:"eligible"`
	Reasoning  string            `json:"reasoning,omitempty"`
	Conditions []ConditionResult `json:"conditions,omitempty"`
}

// Result is the result of an evaluation session.
type Result struct {
	Decision   Decision `json:"decision"`
	Citations  []string `json:"citations,omitempty"`
	Confidence string   `json:"confidence,omitempty"`
}

type Store = pipeline.Store[Request, Result]

func NewStore(opener stream.Opener[stream.Record], opts ...pipeline.Option) (*Store, error) {
	return pipeline.NewStore[Request](Definition(), opener, opts...)
}

func Definition() pipeline.Definition[Result] {
	return pipeline.Definition[Result]{
		Name:            Name,
		Endpoint:        Endpoint,
		Stages:          Stages,
		Extract:         Extract,
		Terminal:        Terminal,
		HistoryCapacity: HistoryCapacity,
	}
}

// Extract builds the payload of an evaluation stage.
func Extract(stage string, state json.RawMessage) (any, error) {
	switch stage {
	case StageRetrieve:
		return pipeline.ExtractRetrieve(state)
	case StageExtractRules:
		return extractRules(state)
	case StageResolveThresholds:
		return extractThresholds(state)
	case StageMapLegislation:
		return extractLegislation(state)
	case StageExtractFacts:
		return extractFacts(state)
	case StageEvaluate:
		return extractResult(state)
	default:
		return nil, fmt.Errorf("unknown rules stage %q", stage)
	}
}

// extractRules decodes the rules field, a JSON encoded list, and derives the rule graph and
// confidence counts from it.
func extractRules(state json.RawMessage) (RulesPayload, error) {
	empty := RulesPayload{Rules: []Rule{}, Graph: BuildGraph(nil)}

	var rules []Rule
	if _, err := pipeline.DecodeField(state, "rules", &rules); err != nil {
		return empty, err
	}
	if rules == nil {
		rules = []Rule{}
	}

	p := RulesPayload{Rules: rules, Graph: BuildGraph(rules)}
	for _, r := range rules {
		p.Counts.Add(r.Confidence)
	}
	return p, nil
}

// extractThresholds accepts either a list of thresholds or an object mapping names to
// values.
func extractThresholds(state json.RawMessage) (ThresholdsPayload, error) {
	p := ThresholdsPayload{Thresholds: []Threshold{}}

	res := gjson.GetBytes(state, "thresholds")
	if res.Type == gjson.String {
		res = gjson.Parse(res.Str)
	}

	switch {
	case !res.Exists() || res.Type == gjson.Null:
	case res.IsObject():
		res.ForEach(func(key, value gjson.Result) bool {
			t := Threshold{Name: key.String(), Value: value.Value()}
			if value.IsObject() {
				if err := json.Unmarshal([]byte(value.Raw), &t); err == nil && t.Name == "" {
					t.Name = key.String()
				}
			}
			p.Thresholds = append(p.Thresholds, t)
			return true
		})
	case res.IsArray():
		if err := json.Unmarshal([]byte(res.Raw), &p.Thresholds); err != nil {
			return ThresholdsPayload{Thresholds: []Threshold{}}, fmt.Errorf("decode thresholds: %w", err)
		}
	default:
		return p, fmt.Errorf("unexpected thresholds value %s", res.Raw)
	}
	return p, nil
}

func extractLegislation(state json.RawMessage) (LegislationPayload, error) {
	p := LegislationPayload{References: []LegislationRef{}}

	found, err := pipeline.DecodeField(state, "legislation", &p.References)
	if err == nil && !found {
		_, err = pipeline.DecodeField(state, "legislation_map", &p.References)
	}
	if err != nil {
		return LegislationPayload{References: []LegislationRef{}}, err
	}
	return p, nil
}

func extractFacts(state json.RawMessage) (FactsPayload, error) {
	p := FactsPayload{Facts: map[string]any{}}
	if _, err := pipeline.DecodeField(state, "facts", &p.Facts); err != nil {
		return FactsPayload{Facts: map[string]any{}}, err
	}
	return p, nil
}

func extractResult(state json.RawMessage) (*Result, error) {
	var r Result
	found, err := pipeline.DecodeField(state, "final_answer", &r)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errors.New("evaluate stage carries no final_answer")
	}
	return &r, nil
}

// Terminal returns the decision produced by the evaluate stage.
func Terminal(stages []pipeline.StageEntry) (Result, error) {
	r, ok := pipeline.PayloadOf[*Result](stages, StageEvaluate)
	if !ok || r == nil {
		return Result{}, errors.New("evaluation produced no decision")
	}
	return *r, nil
}
