// Package interpreter runs a workflow against one device. It is the Go
// equivalent of the teacher's uiautomator2.Driver.Execute type-switch
// dispatch, generalized from "find element, act on it" to "observe
// pixel/color, act on coordinate" semantics, and driven by a
// context.Context the way executor.ParallelRunner.Run threads one through
// its worker goroutines.
package interpreter

import (
	"context"
	"image"

	"github.com/devicelab-dev/fleetrunner/pkg/workflow"
	"github.com/rs/zerolog"
)

// State is the interpreter's run state, per spec §4.6's state machine:
// idle -> running -> {interrupted, failed, done} -> idle.
type State string

const (
	StateIdle        State = "idle"
	StateRunning     State = "running"
	StateInterrupted State = "interrupted"
	StateFailed      State = "failed"
	StateDone        State = "done"
)

// DeviceChannel is the subset of bridge.Channel the interpreter drives.
// Declared as an interface here so tests can substitute a fake device
// without a real adb binary.
type DeviceChannel interface {
	Screenshot(ctx context.Context) (image.Image, error)
	Tap(ctx context.Context, x, y int) error
	Swipe(ctx context.Context, x, y, endX, endY, durationMs int) error
	Key(ctx context.Context, keycode int) error
	LaunchApp(ctx context.Context, pkg, activity string) error
	ForceStop(ctx context.Context, pkg string) error
}

// TemplateLoader is the subset of template.Store the interpreter needs.
type TemplateLoader interface {
	Load(name string) (image.Image, error)
}

// KeycodeBack is the Android back button keycode, per spec §6.
const KeycodeBack = 4

// GameConfig names the target app and its cold-start wait, used by
// start_game/restart_game.
type GameConfig struct {
	Package         string
	Activity        string
	ColdStartWaitMs int
}

// Interpreter executes one workflow against one DeviceChannel.
type Interpreter struct {
	device    DeviceChannel
	templates TemplateLoader
	game      GameConfig
	log       zerolog.Logger

	state State
}

// New creates an Interpreter bound to one device and template store.
func New(device DeviceChannel, templates TemplateLoader, game GameConfig, log zerolog.Logger) *Interpreter {
	return &Interpreter{device: device, templates: templates, game: game, log: log, state: StateIdle}
}

// State returns the interpreter's current run state.
func (ip *Interpreter) State() State { return ip.state }

// Run executes wf's steps strictly by ascending order_index, per spec
// §4.6. wf must already have passed workflow.Workflow.Validate; Run does
// not re-validate. Returns a *StepFailedError on step failure, ctx.Err()
// on cancellation, or nil on completion.
func (ip *Interpreter) Run(ctx context.Context, wf *workflow.Workflow) error {
	ip.state = StateRunning

	err := ip.runSteps(ctx, wf, wf.Steps)

	switch {
	case err == nil:
		ip.state = StateDone
	case ctx.Err() != nil:
		ip.state = StateInterrupted
	default:
		ip.state = StateFailed
	}

	ip.state = StateIdle
	return err
}

// runSteps executes an ordered slice of steps (the full workflow, or one
// repeat_group's member steps) sequentially, checking the cancellation
// checkpoint before each one.
func (ip *Interpreter) runSteps(ctx context.Context, wf *workflow.Workflow, steps []workflow.Step) error {
	for _, step := range steps {
		if cancelled(ctx) {
			return ctx.Err()
		}
		if err := ip.runStep(ctx, wf, step); err != nil {
			return err
		}
	}
	return nil
}

func (ip *Interpreter) runStep(ctx context.Context, wf *workflow.Workflow, step workflow.Step) error {
	base := step.Base()
	ip.log.Debug().Int("order_index", base.OrderIndex).Str("step_type", string(base.StepType)).Msg("executing step")

	switch s := step.(type) {
	case *workflow.ClickStep:
		return ip.device.Tap(ctx, s.X, s.Y)

	case *workflow.SwipeStep:
		return ip.device.Swipe(ctx, s.X, s.Y, s.EndX, s.EndY, s.SwipeDurationMs)

	case *workflow.WaitStep:
		return interruptibleSleep(ctx, msDuration(s.WaitDurationMs))

	case *workflow.PressBackStep:
		return ip.device.Key(ctx, KeycodeBack)

	case *workflow.StartGameStep:
		return ip.device.LaunchApp(ctx, ip.game.Package, ip.game.Activity)

	case *workflow.RestartGameStep:
		return ip.runRestartGame(ctx)

	case *workflow.WaitForColorStep:
		return ip.runWaitForColor(ctx, base, s)

	case *workflow.ImageMatchStep:
		return ip.runImageMatch(ctx, wf, base, s)

	case *workflow.FindAllClickStep:
		return ip.runFindAllClick(ctx, wf, base, s)

	case *workflow.LoopClickStep:
		return ip.runLoopClick(ctx, wf, base, s)

	case *workflow.RepeatGroupStep:
		return ip.runRepeatGroup(ctx, wf, base, s)

	default:
		return stepFailed(base, "unrecognized step type")
	}
}

func (ip *Interpreter) runRestartGame(ctx context.Context) error {
	if err := ip.device.ForceStop(ctx, ip.game.Package); err != nil {
		return err
	}
	if err := ip.device.LaunchApp(ctx, ip.game.Package, ip.game.Activity); err != nil {
		return err
	}
	return interruptibleSleep(ctx, msDuration(ip.game.ColdStartWaitMs))
}
