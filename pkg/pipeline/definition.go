package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
)

// CompleteSentinel is the reserved node name the backend sends after the last stage.
const CompleteSentinel = "complete"

type StageStatus string

const (
	StagePending    StageStatus = "pending"
	StageInProgress StageStatus = "in_progress"
	StageCompleted  StageStatus = "completed"
	StageError      StageStatus = "error"
)

// StageEntry is the state of one stage of the current session.
type StageEntry struct {
	Name    string      `json:"name"`
	Status  StageStatus `json:"status"`
	Payload any         `json:"payload,omitempty"`
}

// Question is a piece of missing information a paused pipeline asks the user for.
type Question struct {
	Key    string `json:"key"`
	Prompt string `json:"question"`
}

// Definition describes one domain pipeline: where it is served, the fixed order of its
// stages and how stage states turn into payloads and a terminal result.
type Definition[Out any] struct {
	Name     string
	Endpoint string
	Stages   []string

	// Extract turns the state reported by a stage into its payload. On failure it returns
	// the empty payload for the stage together with the error; the store keeps that payload
	// and logs the error.
	Extract func(stage string, state json.RawMessage) (any, error)

	// Terminal builds the session result once the last stage completed. It sees every
	// stage, in order.
	Terminal func(stages []StageEntry) (Out, error)

	// Pause reports the questions that must be answered before the pipeline can continue
	// past stage. Nil for pipelines that never pause.
	Pause func(stage string, payload any) []Question

	HistoryCapacity int
}

func (d Definition[Out]) Validate() error {
	var errs []error
	if d.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if d.Endpoint == "" {
		errs = append(errs, errors.New("endpoint is required"))
	}
	if len(d.Stages) == 0 {
		errs = append(errs, errors.New("at least one stage is required"))
	}
	seen := make(map[string]struct{}, len(d.Stages))
	for _, s := range d.Stages {
		if s == CompleteSentinel {
			errs = append(errs, fmt.Errorf("stage name %q is reserved", s))
		}
		if _, ok := seen[s]; ok {
			errs = append(errs, fmt.Errorf("duplicate stage %q", s))
		}
		seen[s] = struct{}{}
	}
	if d.Extract == nil {
		errs = append(errs, errors.New("extract function is required"))
	}
	if d.Terminal == nil {
		errs = append(errs, errors.New("terminal function is required"))
	}
	if d.HistoryCapacity < 1 {
		errs = append(errs, fmt.Errorf("history capacity must be at least 1, got %d", d.HistoryCapacity))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid %q pipeline definition: %w", d.Name, err)
	}
	return nil
}

func (d Definition[Out]) index() map[string]int {
	idx := make(map[string]int, len(d.Stages))
	for i, s := range d.Stages {
		idx[s] = i
	}
	return idx
}
