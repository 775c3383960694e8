package job

import (
	"context"
	"errors"
	"image"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/devicelab-dev/fleetrunner/pkg/interpreter"
	"github.com/devicelab-dev/fleetrunner/pkg/queue"
	"github.com/devicelab-dev/fleetrunner/pkg/statusbus"
	"github.com/devicelab-dev/fleetrunner/pkg/workflow"
	"github.com/rs/zerolog"
)

type fakeChannel struct {
	pushed [][]byte
}

func (f *fakeChannel) Screenshot(ctx context.Context) (image.Image, error) {
	return image.NewRGBA(image.Rect(0, 0, 4, 4)), nil
}
func (f *fakeChannel) Tap(ctx context.Context, x, y int) error                    { return nil }
func (f *fakeChannel) Swipe(ctx context.Context, x, y, ex, ey, ms int) error       { return nil }
func (f *fakeChannel) Key(ctx context.Context, keycode int) error                 { return nil }
func (f *fakeChannel) LaunchApp(ctx context.Context, pkg, activity string) error   { return nil }
func (f *fakeChannel) ForceStop(ctx context.Context, pkg string) error             { return nil }
func (f *fakeChannel) Push(ctx context.Context, data []byte, remote string) error {
	f.pushed = append(f.pushed, data)
	return nil
}

type fakeTemplates struct{}

func (fakeTemplates) Load(name string) (image.Image, error) {
	return image.NewRGBA(image.Rect(0, 0, 2, 2)), nil
}

func testWorkflow() *workflow.Workflow {
	return &workflow.Workflow{
		Name:         "test",
		ScreenWidth:  4,
		ScreenHeight: 4,
		Steps: []workflow.Step{
			&workflow.ClickStep{BaseStep: workflow.BaseStep{StepType: workflow.StepClick, OrderIndex: 0}, X: 1, Y: 1},
		},
	}
}

func writeAccountFiles(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, n := range names {
		if err := os.WriteFile(filepath.Join(dir, n), []byte("acct"), 0o644); err != nil {
			t.Fatalf("write %s: %v", n, err)
		}
	}
}

func newTestCoordinator(t *testing.T, q *queue.Queue, channels map[string]*fakeChannel) *Coordinator {
	t.Helper()
	factory := func(serial string) (interpreter.DeviceChannel, error) {
		if channels[serial] == nil {
			channels[serial] = &fakeChannel{}
		}
		return channels[serial], nil
	}
	cfg := Config{AccountRemotePath: "/sdcard/accounts/%s"}
	bus := statusbus.New(zerolog.Nop())
	return New(q, fakeTemplates{}, bus, factory, cfg, interpreter.GameConfig{Package: "com.example.game"}, zerolog.Nop())
}

func TestStartDrainsQueueAcrossDevices(t *testing.T) {
	dir := t.TempDir()
	writeAccountFiles(t, dir, "a.xml", "b.xml", "c.xml", "d.xml")

	q := queue.New()
	if _, err := q.Load(dir, ""); err != nil {
		t.Fatalf("load: %v", err)
	}

	channels := make(map[string]*fakeChannel)
	c := newTestCoordinator(t, q, channels)

	if err := c.Start([]string{"dev-1", "dev-2"}, testWorkflow()); err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for c.State() == StateRunning && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if got := c.State(); got != StateCompleted {
		t.Fatalf("expected completed, got %s", got)
	}
	if progress := q.Progress(); progress.Remaining != 0 || progress.Succeeded != 4 {
		t.Fatalf("unexpected progress: %+v", progress)
	}
}

func TestStartWithEmptyQueueCompletesImmediately(t *testing.T) {
	q := queue.New()
	channels := make(map[string]*fakeChannel)
	c := newTestCoordinator(t, q, channels)

	if err := c.Start([]string{"dev-1"}, testWorkflow()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := c.State(); got != StateCompleted {
		t.Fatalf("expected immediate completion on empty queue, got %s", got)
	}
}

// missingTemplates fails to resolve any template reference, simulating a
// workflow whose template_ref never got captured.
type missingTemplates struct{}

func (missingTemplates) Load(name string) (image.Image, error) {
	return nil, errors.New("no such template: " + name)
}

func TestStartRejectsUnresolvedTemplateRef(t *testing.T) {
	q := queue.New()
	bus := statusbus.New(zerolog.Nop())
	factory := func(serial string) (interpreter.DeviceChannel, error) {
		return &fakeChannel{}, nil
	}
	c := New(q, missingTemplates{}, bus, factory, Config{AccountRemotePath: "/sdcard/accounts/%s"}, interpreter.GameConfig{}, zerolog.Nop())

	wf := &workflow.Workflow{
		Name:         "test",
		ScreenWidth:  4,
		ScreenHeight: 4,
		Steps: []workflow.Step{
			&workflow.ImageMatchStep{BaseStep: workflow.BaseStep{StepType: workflow.StepImageMatch, OrderIndex: 0}, TemplateRef: "missing_button"},
		},
	}

	if err := c.Start([]string{"dev-1"}, wf); err == nil {
		t.Fatalf("expected error starting a workflow with an unresolved template reference")
	}
}

func TestStartRejectsNoDevices(t *testing.T) {
	q := queue.New()
	c := newTestCoordinator(t, q, map[string]*fakeChannel{})
	if err := c.Start(nil, testWorkflow()); err == nil {
		t.Fatalf("expected error starting with no devices")
	}
}

func TestStartRejectsOfflineDevices(t *testing.T) {
	q := queue.New()
	c := newTestCoordinator(t, q, map[string]*fakeChannel{})
	c.WithOnlineChecker(func() map[string]bool {
		return map[string]bool{"dev-1": true}
	})

	if err := c.Start([]string{"dev-1", "dev-2"}, testWorkflow()); err == nil {
		t.Fatalf("expected error starting with an offline device")
	}
	if got := c.State(); got != StateIdle {
		t.Fatalf("expected idle after rejected start, got %s", got)
	}
}

func TestStartRejectsWhenAllDevicesOffline(t *testing.T) {
	q := queue.New()
	c := newTestCoordinator(t, q, map[string]*fakeChannel{})
	c.WithOnlineChecker(func() map[string]bool { return map[string]bool{} })

	if err := c.Start([]string{"dev-1"}, testWorkflow()); err == nil {
		t.Fatalf("expected validation error when all devices are offline")
	}
}

// slowChannel blocks on Tap until its context is cancelled, giving Stop a
// window to interrupt a worker mid-step.
type slowChannel struct {
	fakeChannel
}

func (s *slowChannel) Tap(ctx context.Context, x, y int) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestStopCancelsRunningWorkers(t *testing.T) {
	dir := t.TempDir()
	writeAccountFiles(t, dir, "a.xml", "b.xml", "c.xml")

	q := queue.New()
	if _, err := q.Load(dir, ""); err != nil {
		t.Fatalf("load: %v", err)
	}

	factory := func(serial string) (interpreter.DeviceChannel, error) {
		return &slowChannel{}, nil
	}
	bus := statusbus.New(zerolog.Nop())
	c := New(q, fakeTemplates{}, bus, factory, Config{AccountRemotePath: "/sdcard/accounts/%s"}, interpreter.GameConfig{}, zerolog.Nop())

	if err := c.Start([]string{"dev-1"}, testWorkflow()); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(20 * time.Millisecond) // let the worker claim and block on Tap
	c.Stop()

	if got := c.State(); got != StateIdle {
		t.Fatalf("expected idle after stop, got %s", got)
	}
	if progress := q.Progress(); progress.Remaining == 0 {
		t.Fatalf("expected some tasks left unclaimed after early stop")
	}
}

func TestResumeClearsStaleClaims(t *testing.T) {
	dir := t.TempDir()
	writeAccountFiles(t, dir, "a.xml", "b.xml")

	q := queue.New()
	if _, err := q.Load(dir, ""); err != nil {
		t.Fatalf("load: %v", err)
	}
	q.Claim("dev-1") // simulate a crash mid-claim

	channels := make(map[string]*fakeChannel)
	c := newTestCoordinator(t, q, channels)
	c.mu.Lock()
	c.workflow = testWorkflow()
	c.mu.Unlock()

	if err := c.Resume([]string{"dev-1"}); err != nil {
		t.Fatalf("resume: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for c.State() == StateRunning && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if progress := q.Progress(); progress.Succeeded != 2 {
		t.Fatalf("expected both tasks to complete after resume, got %+v", progress)
	}
}
