// Package intake defines the guided intake pipeline. It parses a free-form description of
// a person's situation, asks for the information it is missing, matches benefit programs and
// builds an application plan.
//
// The pipeline pauses after identify_gaps whenever information is missing; answers are sent
// back with [pipeline.Store.SubmitFollowUp].
package intake

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/panic80/G7GovAI-sub001/pkg/pipeline"
	"github.com/panic80/G7GovAI-sub001/pkg/stream"
)

const (
	Name            = "intake"
	Endpoint        = "/api/intake/stream"
	HistoryCapacity = 5

	StageParseInput    = "parse_input"
	StageIdentifyGaps  = "identify_gaps"
	StageMatchPrograms = "match_programs"
	StageBuildPlan     = "build_plan"
)

// Stages is the fixed stage order of the pipeline.
var Stages = []string{StageParseInput, StageIdentifyGaps, StageMatchPrograms, StageBuildPlan}

// InputMode is how the user described their situation.
type InputMode string

const (
	InputText  InputMode = "text"
	InputVoice InputMode = "voice"
)

type Request struct {
	Text      string    `json:"text"`
	Language  string    `json:"language,omitempty"`
	InputMode InputMode `json:"input_mode,omitempty"`
}

// ProfilePayload is the situation parsed from the user's description.
type ProfilePayload struct {
	Profile map[string]any `json:"profile"`
}

// GapsPayload lists the information needed before programs can be matched.
type GapsPayload struct {
	MissingInfo []pipeline.Question `json:"missing_info"`
}

type Program struct {
	ID          string  `json:"id,omitempty"`
	Name        string  `json:"name"`
	Agency      string  `json:"agency,omitempty"`
	Description string  `json:"description,omitempty"`
	URL         string  `json:"url,omitempty"`
	Score       float64 `json:"score,omitempty"`
}

type ProgramsPayload struct {
	Programs []Program `json:"programs"`
}

type Step struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Documents   []string `json:"documents,omitempty"`
	Deadline    string   `json:"deadline,omitempty"`
}

// Plan is the result of an intake session.
type Plan struct {
	Programs []Program `json:"programs"`
	Steps    []Step    `json:"steps"`
	Summary  string    `json:"summary,omitempty"`
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
		Pause:           Pause,
		HistoryCapacity: HistoryCapacity,
	}
}

// Extract builds the payload of an intake stage.
func Extract(stage string, state json.RawMessage) (any, error) {
	switch stage {
	case StageParseInput:
		p := ProfilePayload{Profile: map[string]any{}}
		found, err := pipeline.DecodeField(state, "profile", &p.Profile)
		if err == nil && !found {
			_, err = pipeline.DecodeField(state, "parsed_input", &p.Profile)
		}
		if err != nil {
			return ProfilePayload{Profile: map[string]any{}}, err
		}
		return p, nil
	case StageIdentifyGaps:
		return extractGaps(state)
	case StageMatchPrograms:
		p := ProgramsPayload{Programs: []Program{}}
		found, err := pipeline.DecodeField(state, "programs", &p.Programs)
		if err == nil && !found {
			_, err = pipeline.DecodeField(state, "matched_programs", &p.Programs)
		}
		if err != nil {
			return ProgramsPayload{Programs: []Program{}}, err
		}
		return p, nil
	case StageBuildPlan:
		return extractPlan(state)
	default:
		return nil, fmt.Errorf("unknown intake stage %q", stage)
	}
}

// extractGaps reads missing_info. Items are either plain questions or objects naming the
// field they fill.
func extractGaps(state json.RawMessage) (GapsPayload, error) {
	p := GapsPayload{MissingInfo: []pipeline.Question{}}

	res := gjson.GetBytes(state, "missing_info")
	if res.Type == gjson.String {
		if !gjson.Valid(res.Str) {
			// plain prose is a single question
			if text := strings.TrimSpace(res.Str); text != "" {
				p.MissingInfo = append(p.MissingInfo, pipeline.Question{Key: text, Prompt: text})
			}
			return p, nil
		}
		res = gjson.Parse(res.Str)
	}
	if !res.Exists() || res.Type == gjson.Null {
		return p, nil
	}
	if !res.IsArray() {
		return GapsPayload{MissingInfo: []pipeline.Question{}}, errors.New("missing_info is not a list")
	}

	for _, item := range res.Array() {
		var q pipeline.Question
		switch {
		case item.Type == gjson.String:
			q = pipeline.Question{Key: item.Str, Prompt: item.Str}
		case item.IsObject():
			q.Key = firstString(item, "field", "key", "id")
			q.Prompt = firstString(item, "question", "prompt", "description")
			if q.Key == "" {
				q.Key = q.Prompt
			}
			if q.Prompt == "" {
				q.Prompt = q.Key
			}
		}
		if strings.TrimSpace(q.Key) == "" {
			continue
		}
		p.MissingInfo = append(p.MissingInfo, q)
	}
	return p, nil
}

func firstString(obj gjson.Result, keys ...string) string {
	for _, k := range keys {
		if v := obj.Get(k); v.Type == gjson.String && v.Str != "" {
			return v.Str
		}
	}
	return ""
}

func extractPlan(state json.RawMessage) (*Plan, error) {
	var p Plan
	found, err := pipeline.DecodeField(state, "final_answer", &p)
	if err == nil && !found {
		found, err = pipeline.DecodeField(state, "plan", &p)
	}
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errors.New("build_plan stage carries no plan")
	}
	return &p, nil
}

// Pause stops the session after identify_gaps while information is missing.
func Pause(stage string, payload any) []pipeline.Question {
	if stage != StageIdentifyGaps {
		return nil
	}
	if p, ok := payload.(GapsPayload); ok && len(p.MissingInfo) > 0 {
		return p.MissingInfo
	}
	return nil
}

// Terminal returns the plan of the build_plan stage. Programs the plan does not list are
// taken from match_programs.
func Terminal(stages []pipeline.StageEntry) (Plan, error) {
	p, ok := pipeline.PayloadOf[*Plan](stages, StageBuildPlan)
	if !ok || p == nil {
		return Plan{}, errors.New("intake produced no plan")
	}

	plan := *p
	if len(plan.Programs) == 0 {
		if matched, ok := pipeline.PayloadOf[ProgramsPayload](stages, StageMatchPrograms); ok {
			plan.Programs = matched.Programs
		}
	}
	if plan.Programs == nil {
		plan.Programs = []Program{}
	}
	if plan.Steps == nil {
		plan.Steps = []Step{}
	}
	return plan, nil
}
