// Package search defines the document search pipeline: retrieve, grade and generate an
// answer with citations.
package search

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/panic80/G7GovAI-sub001/pkg/pipeline"
	"github.com/panic80/G7GovAI-sub001/pkg/stream"
)

const (
	Name            = "search"
	Endpoint        = "/api/search/stream"
	HistoryCapacity = 10

	StageRetrieve = "retrieve"
	StageGrade    = "grade"
	StageGenerate = "generate"
)

// Stages is the fixed stage order of the pipeline.
var Stages = []string{StageRetrieve, StageGrade, StageGenerate}

type Request struct {
	Query    string `json:"query"`
	Language string `json:"language,omitempty"`
	Category string `json:"category,omitempty"`
	TopK     int    `json:"top_k,omitempty"`
}

// GradePayload is the outcome of grading the retrieved documents for relevance.
type GradePayload struct {
	Documents []pipeline.Document       `json:"documents"`
	Counts    pipeline.ConfidenceCounts `json:"counts"`
}

type Citation struct {
	DocID   string `json:"doc_id,omitempty"`
	Title   string `json:"title,omitempty"`
	Locator string `json:"locator,omitempty"`
	URL     string `json:"url,omitempty"`
}

// Answer is the result of a search session.
type Answer struct {
	Answer     string     `json:"answer"`
	Citations  []Citation `json:"citations"`
	Confidence string     `json:"confidence,omitempty"`
}

type Store = pipeline.Store[Request, Answer]

func NewStore(opener stream.Opener[stream.Record], opts ...pipeline.Option) (*Store, error) {
	return pipeline.NewStore[Request](Definition(), opener, opts...)
}

func Definition() pipeline.Definition[Answer] {
	return pipeline.Definition[Answer]{
		Name:            Name,
		Endpoint:        Endpoint,
		Stages:          Stages,
		Extract:         Extract,
		Terminal:        Terminal,
		HistoryCapacity: HistoryCapacity,
	}
}

// Extract builds the payload of a search stage.
func Extract(stage string, state json.RawMessage) (any, error) {
	switch stage {
	case StageRetrieve:
		return pipeline.ExtractRetrieve(state)
	case StageGrade:
		return extractGrade(state)
	case StageGenerate:
		return extractAnswer(state)
	default:
		return nil, fmt.Errorf("unknown search stage %q", stage)
	}
}

func extractGrade(state json.RawMessage) (GradePayload, error) {
	p := GradePayload{Documents: []pipeline.Document{}}

	found, err := pipeline.DecodeField(state, "graded_documents", &p.Documents)
	if err == nil && !found {
		_, err = pipeline.DecodeField(state, "documents", &p.Documents)
	}
	if err != nil {
		return GradePayload{Documents: []pipeline.Document{}}, err
	}

	for _, d := range p.Documents {
		p.Counts.Add(d.Confidence)
	}
	return p, nil
}

// extractAnswer reads final_answer, which is either a JSON encoded answer or plain text.
func extractAnswer(state json.RawMessage) (*Answer, error) {
	var a Answer
	found, err := pipeline.DecodeField(state, "final_answer", &a)
	if err != nil {
		if text := gjson.GetBytes(state, "final_answer"); text.Type == gjson.String && !gjson.Valid(text.Str) {
			return &Answer{Answer: text.Str, Citations: []Citation{}}, nil
		}
		return nil, err
	}
	if !found {
		return nil, errors.New("generate stage carries no final_answer")
	}
	if a.Citations == nil {
		a.Citations = []Citation{}
	}
	return &a, nil
}

// Terminal returns the answer produced by the generate stage.
func Terminal(stages []pipeline.StageEntry) (Answer, error) {
	a, ok := pipeline.PayloadOf[*Answer](stages, StageGenerate)
	if !ok || a == nil {
		return Answer{}, errors.New("search session produced no answer")
	}
	return *a, nil
}
