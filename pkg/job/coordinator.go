// Package job implements JobCoordinator: the multi-device run coordinator
// from spec §4.8. It generalizes the teacher's executor.ParallelRunner —
// a work-queue of flow.Flow consumed by DeviceWorker goroutines — to a
// work-queue of queue.Task consumed by one goroutine per fleet device,
// using golang.org/x/sync/errgroup in place of the teacher's raw
// sync.WaitGroup to join the workers. Every worker returns nil: its
// failures are logged and recorded per task in the queue, and a panic in
// a worker is not recovered.
package job

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/devicelab-dev/fleetrunner/pkg/interpreter"
	"github.com/devicelab-dev/fleetrunner/pkg/queue"
	"github.com/devicelab-dev/fleetrunner/pkg/statusbus"
	"github.com/devicelab-dev/fleetrunner/pkg/workflow"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// State is the Job's process-wide lifecycle state, per spec §3/§9.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateCompleted State = "completed"
)

// DeviceRuntime is the mutable per-device block the spec's Job.workers
// map tracks.
type DeviceRuntime struct {
	Serial         string
	IsRunning      bool
	CurrentAccount string
	SuccessCount   int
	ErrorCount     int
}

// ChannelFactory builds (or looks up) the DeviceChannel for one serial.
// Supplied by the caller so this package never imports pkg/bridge
// directly, keeping worker construction testable with a fake channel.
type ChannelFactory func(serial string) (interpreter.DeviceChannel, error)

// OnlineChecker reports the serials currently considered online, per
// device.Registry.Online. Supplied by the caller so this package never
// imports pkg/device directly, keeping Start testable without a real
// Registry.
type OnlineChecker func() map[string]bool

// Config holds the run-scoped settings a Coordinator needs beyond the
// queue and workflow themselves.
type Config struct {
	DoneFolder     string
	MoveOnComplete bool
	// AccountRemotePath is a printf-style template with one %s for the
	// account filename, e.g. "/sdcard/Android/data/com.example.game/files/%s".
	// Per spec §9 open question (c), this is a configured constant, not a
	// hardcoded literal, since the target path is app-specific.
	AccountRemotePath string
	// ReportDir, if set, receives a report.json snapshot after every task
	// completion, so a restarted process can recover queue state via
	// Recover.
	ReportDir string
}

// Coordinator owns the single process-wide Job state plus its
// AccountQueue, per the "init-on-first-start / reset-on-stop-or-complete"
// design note in spec §9 — not a scattered global.
type Coordinator struct {
	mu    sync.Mutex
	state State

	queue     *queue.Queue
	workflow  *workflow.Workflow
	templates interpreter.TemplateLoader
	bus       *statusbus.Bus
	log       zerolog.Logger
	cfg       Config
	game      interpreter.GameConfig
	channels  ChannelFactory
	online    OnlineChecker

	devices map[string]*DeviceRuntime

	cancel context.CancelFunc
	group  *errgroup.Group
}

// New creates an idle Coordinator bound to an already-loaded queue.
func New(q *queue.Queue, templates interpreter.TemplateLoader, bus *statusbus.Bus, channels ChannelFactory, cfg Config, game interpreter.GameConfig, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		state:     StateIdle,
		queue:     q,
		templates: templates,
		bus:       bus,
		channels:  channels,
		cfg:       cfg,
		game:      game,
		log:       log,
		devices:   make(map[string]*DeviceRuntime),
	}
}

// WithOnlineChecker attaches the online-device check Start validates
// against, per spec §4.8 step 1 and §8's "all devices offline at start"
// boundary behavior. Optional: a Coordinator with no checker configured
// skips the online check (used by tests that fake out the channel layer
// entirely).
func (c *Coordinator) WithOnlineChecker(online OnlineChecker) *Coordinator {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.online = online
	return c
}

// State returns the coordinator's current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Snapshot returns a deep copy of every worker's runtime state.
func (c *Coordinator) Snapshot() []DeviceRuntime {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]DeviceRuntime, 0, len(c.devices))
	for _, d := range c.devices {
		out = append(out, *d)
	}
	return out
}

// Start validates input and spawns one worker per device, per spec
// §4.8 steps 1-4. It returns immediately; workers run in the background.
func (c *Coordinator) Start(devices []string, wf *workflow.Workflow) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateRunning {
		return fmt.Errorf("job already running")
	}
	if len(devices) == 0 {
		return fmt.Errorf("start: no devices specified")
	}
	if wf == nil {
		return fmt.Errorf("start: no workflow resolved")
	}
	if err := wf.Validate(); err != nil {
		return err
	}
	for _, ref := range workflow.TemplateRefs(wf.Steps) {
		if _, err := c.templates.Load(ref); err != nil {
			return fmt.Errorf("workflow load error: template reference %q does not resolve: %w", ref, err)
		}
	}
	if c.online != nil {
		online := c.online()
		var offline []string
		for _, serial := range devices {
			if !online[serial] {
				offline = append(offline, serial)
			}
		}
		if len(offline) > 0 {
			return fmt.Errorf("start: device(s) not online: %s", strings.Join(offline, ", "))
		}
	}

	c.workflow = wf
	c.devices = make(map[string]*DeviceRuntime, len(devices))
	for _, serial := range devices {
		c.devices[serial] = &DeviceRuntime{Serial: serial}
	}

	// Empty queue at start: transition idle -> completed immediately, per
	// spec §8 boundary behavior.
	if c.queue.Len() == 0 {
		c.state = StateCompleted
		c.publishFinal()
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	group, groupCtx := errgroup.WithContext(ctx)
	c.group = group
	c.state = StateRunning

	for _, serial := range devices {
		serial := serial
		group.Go(func() error {
			c.runWorker(groupCtx, serial)
			return nil
		})
	}

	go c.awaitCompletion()

	return nil
}

// Resume is Start with the existing queue and device list; only
// unprocessed tasks remain claimable. Per spec §4.8 it is equivalent to
// Start, after clearing any stale in-flight claims from a crash.
func (c *Coordinator) Resume(devices []string) error {
	c.queue.ResetRunning()
	c.mu.Lock()
	wf := c.workflow
	c.mu.Unlock()
	return c.Start(devices, wf)
}

// Stop signals cancellation and blocks until every worker has exited at
// its next checkpoint, per spec §8 invariant 6.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	group := c.group
	// Set idle before the workers are released, so awaitCompletion (which
	// only promotes a running job) cannot mark a stopped job completed.
	if cancel != nil && c.state == StateRunning {
		c.state = StateIdle
	}
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	if group != nil {
		group.Wait()
	}
}

func (c *Coordinator) awaitCompletion() {
	c.group.Wait()

	c.mu.Lock()
	if c.state == StateRunning {
		c.state = StateCompleted
	}
	c.mu.Unlock()

	c.publishFinal()
}

func (c *Coordinator) publishFinal() {
	progress := c.queue.Progress()
	c.bus.Publish(statusbus.EventJobProgress, statusbus.JobProgressPayload{
		Processed: progress.Succeeded + progress.Failed,
		Succeeded: progress.Succeeded,
		Failed:    progress.Failed,
		Remaining: progress.Remaining,
	})
}

// jobLeaseOwner is the owner name a Coordinator uses to hold a device's
// short-lived lease for the duration of a job run, per spec §5's
// "job-owned channel" fast-fail design.
const jobLeaseOwner = "job"

// leaser is the subset of bridge.Channel's lease API a DeviceChannel may
// optionally implement. Asserted locally so this package keeps its
// ChannelFactory abstraction over interpreter.DeviceChannel rather than
// importing pkg/bridge directly.
type leaser interface {
	TryLease(owner string) bool
	Release(owner string)
}

// runWorker is the per-device loop from spec §4.8: claim, push, run,
// complete, post-process, repeat until the queue drains or cancellation
// fires.
func (c *Coordinator) runWorker(ctx context.Context, serial string) {
	channel, err := c.channels(serial)
	if err != nil {
		c.log.Error().Err(err).Str("serial", serial).Msg("acquire device channel failed")
		return
	}

	if l, ok := channel.(leaser); ok {
		if !l.TryLease(jobLeaseOwner) {
			c.log.Warn().Str("serial", serial).Msg("device channel busy, skipping worker")
			return
		}
		defer l.Release(jobLeaseOwner)
	}

	ip := interpreter.New(channel, c.templates, c.game, c.log)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task := c.queue.Claim(serial)
		if task == nil {
			return // queue drained
		}

		c.setCurrentAccount(serial, task.Filename)

		success, errMsg := c.runOne(ctx, channel, ip, serial, task)

		if err := c.queue.Complete(task.Filename, success, errMsg); err != nil {
			c.log.Error().Err(err).Str("file", task.Filename).Msg("complete failed")
		}
		c.postProcess(task, success)
		c.recordOutcome(serial, success)
		c.publishFinal()
		c.saveReport()

		if ctx.Err() != nil {
			return
		}
	}
}

func (c *Coordinator) saveReport() {
	if c.cfg.ReportDir == "" {
		return
	}
	if err := SaveReport(c.cfg.ReportDir, c.queue); err != nil {
		c.log.Error().Err(err).Msg("save report failed")
	}
}

func (c *Coordinator) runOne(ctx context.Context, channel interpreter.DeviceChannel, ip *interpreter.Interpreter, serial string, task *queue.Task) (success bool, errMsg string) {
	data, err := os.ReadFile(task.Filepath)
	if err != nil {
		return false, fmt.Sprintf("read account file: %v", err)
	}

	remote := fmt.Sprintf(c.cfg.AccountRemotePath, task.Filename)
	if pusher, ok := channel.(interface {
		Push(ctx context.Context, data []byte, remote string) error
	}); ok {
		if err := pusher.Push(ctx, data, remote); err != nil {
			return false, fmt.Sprintf("push account file: %v", err)
		}
	}

	c.mu.Lock()
	wf := c.workflow
	c.mu.Unlock()

	if err := ip.Run(ctx, wf); err != nil {
		if ctx.Err() != nil {
			return false, "cancelled"
		}
		return false, err.Error()
	}
	return true, ""
}

func (c *Coordinator) postProcess(task *queue.Task, success bool) {
	if !success || !c.cfg.MoveOnComplete {
		return
	}

	doneFolder := c.cfg.DoneFolder
	if doneFolder == "" {
		doneFolder = filepath.Join(filepath.Dir(task.Filepath), "done")
	}
	if err := os.MkdirAll(doneFolder, 0o755); err != nil {
		c.log.Error().Err(err).Str("folder", doneFolder).Msg("create done folder failed")
		return
	}

	dest := filepath.Join(doneFolder, task.Filename)
	if err := os.Rename(task.Filepath, dest); err != nil {
		c.log.Error().Err(err).Str("file", task.Filename).Msg("move to done folder failed")
	}
}

func (c *Coordinator) setCurrentAccount(serial, filename string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.devices[serial]; ok {
		d.IsRunning = true
		d.CurrentAccount = filename
	}
}

func (c *Coordinator) recordOutcome(serial string, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.devices[serial]
	if !ok {
		return
	}
	d.IsRunning = false
	d.CurrentAccount = ""
	if success {
		d.SuccessCount++
	} else {
		d.ErrorCount++
	}
}
