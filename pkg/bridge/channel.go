package bridge

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"os"
	"os/exec"
	"sync/atomic"
	"time"
)

// maxCommandAttempts bounds the transient-error retry spec §7 requires at
// the DeviceChannel call site: a single adb hiccup shouldn't flip a
// healthy device offline.
const maxCommandAttempts = 3

// retryBackoff is the pause between retry attempts.
const retryBackoff = 50 * time.Millisecond

// OfflineNotifier is told when a device's bridge commands start failing,
// mirroring the teacher's workerConfig.OnFlowStart/OnFlowEnd
// inversion-of-control callback fields.
type OfflineNotifier interface {
	DeviceOffline(serial string, err error)
}

// command is one unit of work submitted to a Channel's run loop.
type command struct {
	fn   func() (interface{}, error)
	done chan result
}

type result struct {
	val interface{}
	err error
}

// Channel serializes every debug-bridge command issued against one
// device serial through a single goroutine, since adb has no server-side
// session lock the way an HTTP-backed UI automation server does.
type Channel struct {
	serial   string
	adbPath  string
	notifier OfflineNotifier

	queue chan command
	done  chan struct{}

	// lease is the short-lived owner lock from spec §5's "device busy"
	// fast-fail: a job run holds it for the duration of its claim on this
	// device, so an ad-hoc UI request (e.g. a preview screenshot) can
	// TryLease and fail fast instead of queuing behind the job.
	lease atomic.Value // string; "" means free
}

// NewChannel starts a Channel's command loop for serial. Call Close to
// stop it.
func NewChannel(serial string, notifier OfflineNotifier) (*Channel, error) {
	adbPath, err := findADB()
	if err != nil {
		return nil, err
	}

	c := &Channel{
		serial:   serial,
		adbPath:  adbPath,
		notifier: notifier,
		queue:    make(chan command, 32),
		done:     make(chan struct{}),
	}
	c.lease.Store("")
	go c.run()
	return c, nil
}

// TryLease attempts to acquire this channel for owner without blocking,
// failing immediately if another owner already holds it.
func (c *Channel) TryLease(owner string) bool {
	return c.lease.CompareAndSwap("", owner)
}

// Release gives up a lease previously acquired by owner. A mismatched
// owner (e.g. a late release after a TryLease timeout) is a no-op.
func (c *Channel) Release(owner string) {
	c.lease.CompareAndSwap(owner, "")
}

// Owner reports the current lease holder, or "" if the channel is free.
func (c *Channel) Owner() string {
	return c.lease.Load().(string)
}

func (c *Channel) run() {
	for {
		select {
		case cmd := <-c.queue:
			val, err := c.execWithRetry(cmd.fn)
			if err != nil && c.notifier != nil {
				c.notifier.DeviceOffline(c.serial, err)
			}
			cmd.done <- result{val: val, err: err}
		case <-c.done:
			for {
				select {
				case cmd := <-c.queue:
					val, err := c.execWithRetry(cmd.fn)
					cmd.done <- result{val: val, err: err}
				default:
					return
				}
			}
		}
	}
}

// execWithRetry runs fn up to maxCommandAttempts times, treating every
// failure as transient until the bound is exceeded, per spec §7: "Transient
// bridge error — retried at the DeviceChannel call site up to a small bound
// (e.g., 3); exceeded retries surface as StepFailed."
func (c *Channel) execWithRetry(fn func() (interface{}, error)) (interface{}, error) {
	var val interface{}
	var err error
	for attempt := 1; attempt <= maxCommandAttempts; attempt++ {
		val, err = fn()
		if err == nil {
			return val, nil
		}
		if attempt < maxCommandAttempts {
			time.Sleep(retryBackoff)
		}
	}
	return val, err
}

// Close stops the command loop. Pending commands already queued still run.
func (c *Channel) Close() {
	close(c.done)
}

func (c *Channel) submit(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	cmd := command{fn: fn, done: make(chan result, 1)}
	select {
	case c.queue <- cmd:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-cmd.done:
		return r.val, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Channel) adb(args ...string) *exec.Cmd {
	full := append([]string{"-s", c.serial}, args...)
	return exec.Command(c.adbPath, full...)
}

// Screenshot captures the device's current frame via `screencap -p`,
// decoded as a PNG.
func (c *Channel) Screenshot(ctx context.Context) (image.Image, error) {
	v, err := c.submit(ctx, func() (interface{}, error) {
		cmd := c.adb("exec-out", "screencap", "-p")
		var stdout bytes.Buffer
		cmd.Stdout = &stdout
		if err := cmd.Run(); err != nil {
			return nil, fmt.Errorf("screencap: %w", err)
		}
		img, err := png.Decode(&stdout)
		if err != nil {
			return nil, fmt.Errorf("decode screenshot: %w", err)
		}
		return img, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(image.Image), nil
}

// Tap injects a tap at (x, y) via `input tap`.
func (c *Channel) Tap(ctx context.Context, x, y int) error {
	_, err := c.submit(ctx, func() (interface{}, error) {
		return nil, c.runCmd(c.adb("shell", "input", "tap", itoa(x), itoa(y)))
	})
	return err
}

// Swipe injects a swipe gesture from (x,y) to (endX,endY) over durationMs.
func (c *Channel) Swipe(ctx context.Context, x, y, endX, endY, durationMs int) error {
	_, err := c.submit(ctx, func() (interface{}, error) {
		return nil, c.runCmd(c.adb("shell", "input", "swipe",
			itoa(x), itoa(y), itoa(endX), itoa(endY), itoa(durationMs)))
	})
	return err
}

// Key injects a keyevent by Android keycode (e.g. 4 for BACK).
func (c *Channel) Key(ctx context.Context, keycode int) error {
	_, err := c.submit(ctx, func() (interface{}, error) {
		return nil, c.runCmd(c.adb("shell", "input", "keyevent", itoa(keycode)))
	})
	return err
}

// LaunchApp starts an activity via `am start -n pkg/activity`.
func (c *Channel) LaunchApp(ctx context.Context, pkg, activity string) error {
	_, err := c.submit(ctx, func() (interface{}, error) {
		return nil, c.runCmd(c.adb("shell", "am", "start", "-n", pkg+"/"+activity))
	})
	return err
}

// ForceStop kills an app via `am force-stop`.
func (c *Channel) ForceStop(ctx context.Context, pkg string) error {
	_, err := c.submit(ctx, func() (interface{}, error) {
		return nil, c.runCmd(c.adb("shell", "am", "force-stop", pkg))
	})
	return err
}

// Pull copies a remote file off the device into memory.
func (c *Channel) Pull(ctx context.Context, remote string) ([]byte, error) {
	v, err := c.submit(ctx, func() (interface{}, error) {
		tmp, err := os.CreateTemp("", "fleetrunner-pull-*")
		if err != nil {
			return nil, err
		}
		tmpPath := tmp.Name()
		tmp.Close()
		defer os.Remove(tmpPath)

		if err := c.runCmd(c.adb("pull", remote, tmpPath)); err != nil {
			return nil, fmt.Errorf("pull %s: %w", remote, err)
		}
		return os.ReadFile(tmpPath)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Push writes data to a remote path on the device.
func (c *Channel) Push(ctx context.Context, data []byte, remote string) error {
	_, err := c.submit(ctx, func() (interface{}, error) {
		tmp, err := os.CreateTemp("", "fleetrunner-push-*")
		if err != nil {
			return nil, err
		}
		tmpPath := tmp.Name()
		defer os.Remove(tmpPath)
		if _, err := tmp.Write(data); err != nil {
			tmp.Close()
			return nil, err
		}
		tmp.Close()

		if err := c.runCmd(c.adb("push", tmpPath, remote)); err != nil {
			return nil, fmt.Errorf("push %s: %w", remote, err)
		}
		return nil, nil
	})
	return err
}

// Shell runs an arbitrary `adb shell` command and returns its stdout.
func (c *Channel) Shell(ctx context.Context, args ...string) (string, error) {
	v, err := c.submit(ctx, func() (interface{}, error) {
		cmd := c.adb(append([]string{"shell"}, args...)...)
		var stdout bytes.Buffer
		cmd.Stdout = &stdout
		if err := cmd.Run(); err != nil {
			return "", fmt.Errorf("shell %v: %w", args, err)
		}
		return stdout.String(), nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Channel) runCmd(cmd *exec.Cmd) error {
	return cmd.Run()
}

func itoa(n int) string {
	return fmt.Sprintf("%d", n)
}
