// Package workflow defines the workflow/step data model and persistence.
package workflow

// Workflow is an ordered step program targeting one screen resolution.
type Workflow struct {
	ID          int64  `json:"id,omitempty" db:"id"`
	Name        string `json:"name" db:"name"`
	Description string `json:"description" db:"description"`
	ScreenWidth  int    `json:"screen_width" db:"screen_width"`
	ScreenHeight int    `json:"screen_height" db:"screen_height"`
	IsMaster    bool    `json:"is_master" db:"is_master"`
	ModeName    string  `json:"mode_name,omitempty" db:"mode_name"`
	MonthYear   string  `json:"month_year,omitempty" db:"month_year"` // "YYYY-MM"
	Steps       []Step  `json:"steps" db:"-"`
}

// StepType tags the variant of a WorkflowStep.
type StepType string

const (
	StepClick        StepType = "click"
	StepSwipe        StepType = "swipe"
	StepWait         StepType = "wait"
	StepWaitForColor StepType = "wait_for_color"
	StepImageMatch   StepType = "image_match"
	StepFindAllClick StepType = "find_all_click"
	StepLoopClick    StepType = "loop_click"
	StepRepeatGroup  StepType = "repeat_group"
	StepPressBack    StepType = "press_back"
	StepStartGame    StepType = "start_game"
	StepRestartGame  StepType = "restart_game"
)

// Step is implemented by every concrete step type. Type assertions in the
// interpreter switch over the concrete type, mirroring the teacher's
// driver.Execute dispatch over flow.Step implementations.
type Step interface {
	Base() *BaseStep
	Type() StepType
}

// BaseStep carries the fields common to every step.
type BaseStep struct {
	OrderIndex  int      `json:"order_index"`
	StepType    StepType `json:"step_type"`
	Description string   `json:"description,omitempty"`
	GroupName   string   `json:"group_name,omitempty"`
}

func (b *BaseStep) Base() *BaseStep { return b }
func (b *BaseStep) Type() StepType  { return b.StepType }

// Color is [B, G, R] per spec §3/§6.
type Color [3]uint8

type ClickStep struct {
	BaseStep
	X int `json:"x"`
	Y int `json:"y"`
}

func (s *ClickStep) Type() StepType { return StepClick }

type SwipeStep struct {
	BaseStep
	X               int `json:"x"`
	Y               int `json:"y"`
	EndX            int `json:"end_x"`
	EndY            int `json:"end_y"`
	SwipeDurationMs int `json:"swipe_duration_ms"`
}

func (s *SwipeStep) Type() StepType { return StepSwipe }

type WaitStep struct {
	BaseStep
	WaitDurationMs int `json:"wait_duration_ms"`
}

func (s *WaitStep) Type() StepType { return StepWait }

type WaitForColorStep struct {
	BaseStep
	X              int     `json:"x"`
	Y              int     `json:"y"`
	ExpectedColor  Color   `json:"expected_color"`
	Tolerance      int     `json:"tolerance"`
	MaxWaitSeconds int     `json:"max_wait_seconds"`
	CheckInterval  float64 `json:"check_interval"`
}

func (s *WaitForColorStep) Type() StepType { return StepWaitForColor }

// OnMatchAction enumerates what image_match does after a hit.
type OnMatchAction string

const (
	OnMatchTapCenter OnMatchAction = "tap_center"
	OnMatchNone      OnMatchAction = "none"
)

type ImageMatchStep struct {
	BaseStep
	TemplateRef     string        `json:"template_ref"`
	Threshold       float64       `json:"threshold"`
	MaxWaitSeconds  int           `json:"max_wait_seconds"`
	MaxRetries      int           `json:"max_retries,omitempty"`
	RetryInterval   float64       `json:"retry_interval"`
	SkipIfNotFound  bool          `json:"skip_if_not_found"`
	OnMatchAction   OnMatchAction `json:"on_match_action"`
}

func (s *ImageMatchStep) Type() StepType { return StepImageMatch }

type FindAllClickStep struct {
	BaseStep
	TemplateRef string  `json:"template_ref"`
	Threshold   float64 `json:"threshold"`
	MatchAll    bool    `json:"match_all"`
}

func (s *FindAllClickStep) Type() StepType { return StepFindAllClick }

type LoopClickStep struct {
	BaseStep
	TemplateRef      string  `json:"template_ref"`
	Threshold        float64 `json:"threshold"`
	MaxIterations    int     `json:"max_iterations"`
	NotFoundThreshold int    `json:"not_found_threshold"`
	ClickDelay       float64 `json:"click_delay"`
	RetryDelay       float64 `json:"retry_delay"`
}

func (s *LoopClickStep) Type() StepType { return StepLoopClick }

type RepeatGroupStep struct {
	BaseStep
	LoopGroupName     string  `json:"loop_group_name"`
	StopTemplateRef   string  `json:"stop_template_ref,omitempty"`
	StopOnNotFound    bool    `json:"stop_on_not_found"`
	LoopMaxIterations int     `json:"loop_max_iterations"`
	Threshold         float64 `json:"threshold"`
}

func (s *RepeatGroupStep) Type() StepType { return StepRepeatGroup }

type PressBackStep struct{ BaseStep }

func (s *PressBackStep) Type() StepType { return StepPressBack }

type StartGameStep struct{ BaseStep }

func (s *StartGameStep) Type() StepType { return StepStartGame }

type RestartGameStep struct{ BaseStep }

func (s *RestartGameStep) Type() StepType { return StepRestartGame }
