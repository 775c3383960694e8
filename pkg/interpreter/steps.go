package interpreter

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/devicelab-dev/fleetrunner/pkg/match"
	"github.com/devicelab-dev/fleetrunner/pkg/workflow"
)

func msDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func secDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func stepFailed(base *workflow.BaseStep, reason string) error {
	return &StepFailedError{OrderIndex: base.OrderIndex, StepType: string(base.StepType), Reason: reason}
}

// colorAt samples (x,y) as [B,G,R], matching the byte order workflow
// steps author expected_color in (per spec §3/§6).
func colorAt(img image.Image, x, y int) workflow.Color {
	r, g, b, _ := img.At(x, y).RGBA()
	return workflow.Color{byte(b >> 8), byte(g >> 8), byte(r >> 8)}
}

func withinTolerance(got, expected workflow.Color, tolerance int) bool {
	for i := 0; i < 3; i++ {
		d := int(got[i]) - int(expected[i])
		if d < 0 {
			d = -d
		}
		if d > tolerance {
			return false
		}
	}
	return true
}

// screenshotScaled captures the device's current frame and rescales it to
// the workflow's authored resolution, per spec §4.4's "rescale haystack"
// chosen resolution-mismatch strategy.
func (ip *Interpreter) screenshotScaled(ctx context.Context, wf *workflow.Workflow) (image.Image, error) {
	shot, err := ip.device.Screenshot(ctx)
	if err != nil {
		return nil, err
	}
	return match.ResizeToScreen(shot, wf.ScreenWidth, wf.ScreenHeight), nil
}

func (ip *Interpreter) runWaitForColor(ctx context.Context, base *workflow.BaseStep, s *workflow.WaitForColorStep) error {
	deadline := time.Now().Add(time.Duration(s.MaxWaitSeconds) * time.Second)

	for {
		if cancelled(ctx) {
			return ctx.Err()
		}

		shot, err := ip.device.Screenshot(ctx)
		if err != nil {
			return err
		}
		got := colorAt(shot, s.X, s.Y)
		if withinTolerance(got, s.ExpectedColor, s.Tolerance) {
			return nil
		}

		if time.Now().After(deadline) {
			return stepFailed(base, fmt.Sprintf("color at (%d,%d) never matched within %ds", s.X, s.Y, s.MaxWaitSeconds))
		}

		if err := interruptibleSleep(ctx, secDuration(s.CheckInterval)); err != nil {
			return err
		}
	}
}

func (ip *Interpreter) runImageMatch(ctx context.Context, wf *workflow.Workflow, base *workflow.BaseStep, s *workflow.ImageMatchStep) error {
	needle, err := ip.templates.Load(s.TemplateRef)
	if err != nil {
		return stepFailed(base, fmt.Sprintf("load template %q: %v", s.TemplateRef, err))
	}

	deadline := time.Now().Add(time.Duration(s.MaxWaitSeconds) * time.Second)

	attempts := 0
	for {
		if cancelled(ctx) {
			return ctx.Err()
		}

		haystack, err := ip.screenshotScaled(ctx, wf)
		if err != nil {
			return err
		}

		if m, ok := match.BestMatch(haystack, needle, s.Threshold); ok {
			if s.OnMatchAction == workflow.OnMatchTapCenter {
				cx, cy := match.Center(m, needle)
				if err := ip.device.Tap(ctx, cx, cy); err != nil {
					return err
				}
			}
			return nil
		}

		attempts++
		timeUp := time.Now().After(deadline)
		retriesUp := s.MaxRetries > 0 && attempts >= s.MaxRetries
		if timeUp || retriesUp {
			if s.SkipIfNotFound {
				return nil
			}
			return stepFailed(base, fmt.Sprintf("template %q not found within budget", s.TemplateRef))
		}

		if err := interruptibleSleep(ctx, secDuration(s.RetryInterval)); err != nil {
			return err
		}
	}
}

func (ip *Interpreter) runFindAllClick(ctx context.Context, wf *workflow.Workflow, base *workflow.BaseStep, s *workflow.FindAllClickStep) error {
	needle, err := ip.templates.Load(s.TemplateRef)
	if err != nil {
		return stepFailed(base, fmt.Sprintf("load template %q: %v", s.TemplateRef, err))
	}

	haystack, err := ip.screenshotScaled(ctx, wf)
	if err != nil {
		return err
	}

	if s.MatchAll {
		matches := match.MatchAll(haystack, needle, s.Threshold)
		for _, m := range matches {
			if cancelled(ctx) {
				return ctx.Err()
			}
			cx, cy := match.Center(m, needle)
			if err := ip.device.Tap(ctx, cx, cy); err != nil {
				return err
			}
		}
		return nil
	}

	if m, ok := match.BestMatch(haystack, needle, s.Threshold); ok {
		cx, cy := match.Center(m, needle)
		return ip.device.Tap(ctx, cx, cy)
	}
	// Not-found is non-fatal per spec §4.6.
	return nil
}

func (ip *Interpreter) runLoopClick(ctx context.Context, wf *workflow.Workflow, base *workflow.BaseStep, s *workflow.LoopClickStep) error {
	needle, err := ip.templates.Load(s.TemplateRef)
	if err != nil {
		return stepFailed(base, fmt.Sprintf("load template %q: %v", s.TemplateRef, err))
	}

	notFoundCount := 0
	for i := 0; i < s.MaxIterations; i++ {
		if cancelled(ctx) {
			return ctx.Err()
		}

		haystack, err := ip.screenshotScaled(ctx, wf)
		if err != nil {
			return err
		}

		m, ok := match.BestMatch(haystack, needle, s.Threshold)
		if ok {
			notFoundCount = 0
			cx, cy := match.Center(m, needle)
			if err := ip.device.Tap(ctx, cx, cy); err != nil {
				return err
			}
			if err := interruptibleSleep(ctx, secDuration(s.ClickDelay)); err != nil {
				return err
			}
			continue
		}

		notFoundCount++
		if notFoundCount >= s.NotFoundThreshold {
			return nil
		}
		if err := interruptibleSleep(ctx, secDuration(s.RetryDelay)); err != nil {
			return err
		}
	}
	return nil
}

func (ip *Interpreter) runRepeatGroup(ctx context.Context, wf *workflow.Workflow, base *workflow.BaseStep, s *workflow.RepeatGroupStep) error {
	members := workflow.StepsInGroup(wf.Steps, s.LoopGroupName)

	var needle image.Image
	if s.StopTemplateRef != "" {
		loaded, err := ip.templates.Load(s.StopTemplateRef)
		if err != nil {
			return stepFailed(base, fmt.Sprintf("load stop template %q: %v", s.StopTemplateRef, err))
		}
		needle = loaded
	}

	for i := 0; i < s.LoopMaxIterations; i++ {
		if cancelled(ctx) {
			return ctx.Err()
		}

		if needle != nil {
			haystack, err := ip.screenshotScaled(ctx, wf)
			if err != nil {
				return err
			}
			_, present := match.BestMatch(haystack, needle, s.Threshold)

			if s.StopOnNotFound && !present {
				return nil
			}
			if !s.StopOnNotFound && present {
				return nil
			}
		}

		if err := ip.runSteps(ctx, wf, members); err != nil {
			return err
		}
	}
	return nil
}
