package workflow

import (
	"encoding/json"
	"fmt"
)

// workflowJSON mirrors the wire shape from spec §6.
type workflowJSON struct {
	ID           int64             `json:"id,omitempty"`
	Name         string            `json:"name"`
	Description  string            `json:"description"`
	ScreenWidth  int               `json:"screen_width"`
	ScreenHeight int               `json:"screen_height"`
	IsMaster     bool              `json:"is_master"`
	ModeName     string            `json:"mode_name,omitempty"`
	MonthYear    string            `json:"month_year,omitempty"`
	Steps        []json.RawMessage `json:"steps"`
}

// MarshalJSON renders the workflow with its tagged-union steps inline.
func (w *Workflow) MarshalJSON() ([]byte, error) {
	raws := make([]json.RawMessage, len(w.Steps))
	for i, s := range w.Steps {
		b, err := json.Marshal(s)
		if err != nil {
			return nil, fmt.Errorf("marshal step %d: %w", i, err)
		}
		raws[i] = b
	}
	return json.Marshal(workflowJSON{
		ID:           w.ID,
		Name:         w.Name,
		Description:  w.Description,
		ScreenWidth:  w.ScreenWidth,
		ScreenHeight: w.ScreenHeight,
		IsMaster:     w.IsMaster,
		ModeName:     w.ModeName,
		MonthYear:    w.MonthYear,
		Steps:        raws,
	})
}

// UnmarshalJSON decodes a workflow, dispatching each step by its step_type tag.
func (w *Workflow) UnmarshalJSON(data []byte) error {
	var raw workflowJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	w.ID = raw.ID
	w.Name = raw.Name
	w.Description = raw.Description
	w.ScreenWidth = raw.ScreenWidth
	w.ScreenHeight = raw.ScreenHeight
	w.IsMaster = raw.IsMaster
	w.ModeName = raw.ModeName
	w.MonthYear = raw.MonthYear

	steps := make([]Step, len(raw.Steps))
	for i, rawStep := range raw.Steps {
		step, err := DecodeStep(rawStep)
		if err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
		steps[i] = step
	}
	w.Steps = steps
	return nil
}

// DecodeStep dispatches a single JSON step object to its concrete Go type
// based on its step_type field, the Go equivalent of the teacher's
// per-variant flow.Step struct set.
func DecodeStep(data []byte) (Step, error) {
	var probe struct {
		StepType StepType `json:"step_type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, err
	}

	var step Step
	switch probe.StepType {
	case StepClick:
		step = &ClickStep{}
	case StepSwipe:
		step = &SwipeStep{}
	case StepWait:
		step = &WaitStep{}
	case StepWaitForColor:
		step = &WaitForColorStep{}
	case StepImageMatch:
		step = &ImageMatchStep{}
	case StepFindAllClick:
		step = &FindAllClickStep{}
	case StepLoopClick:
		step = &LoopClickStep{}
	case StepRepeatGroup:
		step = &RepeatGroupStep{}
	case StepPressBack:
		step = &PressBackStep{}
	case StepStartGame:
		step = &StartGameStep{}
	case StepRestartGame:
		step = &RestartGameStep{}
	default:
		return nil, fmt.Errorf("unknown step_type %q", probe.StepType)
	}

	if err := json.Unmarshal(data, step); err != nil {
		return nil, fmt.Errorf("decode %s step: %w", probe.StepType, err)
	}
	return step, nil
}
