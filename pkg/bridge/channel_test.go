package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeNotifier struct {
	mu      sync.Mutex
	offline []string
}

func (f *fakeNotifier) DeviceOffline(serial string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = append(f.offline, serial)
}

// newTestChannel builds a Channel without going through findADB, so tests
// don't depend on a real adb binary being present.
func newTestChannel(notifier OfflineNotifier) *Channel {
	c := &Channel{
		serial:   "emulator-5554",
		adbPath:  "adb",
		notifier: notifier,
		queue:    make(chan command, 32),
		done:     make(chan struct{}),
	}
	c.lease.Store("")
	go c.run()
	return c
}

func TestChannelSerializesCommands(t *testing.T) {
	c := newTestChannel(nil)
	defer c.Close()

	var order []int
	var mu sync.Mutex

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.submit(context.Background(), func() (interface{}, error) {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil, nil
			})
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 10 {
		t.Fatalf("expected 10 commands executed, got %d", len(order))
	}
}

func TestChannelNotifiesOnError(t *testing.T) {
	notifier := &fakeNotifier{}
	c := newTestChannel(notifier)
	defer c.Close()

	_, err := c.submit(context.Background(), func() (interface{}, error) {
		return nil, errors.New("bridge exploded")
	})
	if err == nil {
		t.Fatalf("expected error to propagate")
	}

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.offline) != 1 || notifier.offline[0] != "emulator-5554" {
		t.Fatalf("expected offline notification for emulator-5554, got %+v", notifier.offline)
	}
}

func TestChannelSubmitRespectsContextCancellation(t *testing.T) {
	c := newTestChannel(nil)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	// Fill the queue's buffer plus block the worker so the next submit has
	// to wait on ctx.Done() in the queue-send select.
	block := make(chan struct{})
	started := make(chan struct{})
	go c.submit(context.Background(), func() (interface{}, error) {
		close(started)
		<-block
		return nil, nil
	})
	<-started
	defer close(block)

	for i := 0; i < 32; i++ {
		go c.submit(context.Background(), func() (interface{}, error) { <-block; return nil, nil })
	}

	_, err := c.submit(ctx, func() (interface{}, error) { return nil, nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context.DeadlineExceeded, got %v", err)
	}
}

func TestLeaseFastFailsWhenHeld(t *testing.T) {
	c := newTestChannel(nil)
	defer c.Close()

	if !c.TryLease("job") {
		t.Fatalf("expected first lease to succeed")
	}
	if c.TryLease("ui-preview") {
		t.Fatalf("expected second lease to fail while job-owned")
	}
	if owner := c.Owner(); owner != "job" {
		t.Fatalf("expected owner %q, got %q", "job", owner)
	}

	c.Release("job")
	if owner := c.Owner(); owner != "" {
		t.Fatalf("expected no owner after release, got %q", owner)
	}
	if !c.TryLease("ui-preview") {
		t.Fatalf("expected lease to succeed once free")
	}
}

func TestReleaseIgnoresMismatchedOwner(t *testing.T) {
	c := newTestChannel(nil)
	defer c.Close()

	c.TryLease("job")
	c.Release("someone-else")
	if owner := c.Owner(); owner != "job" {
		t.Fatalf("expected release by a non-owner to be a no-op, got owner %q", owner)
	}
}

func TestItoa(t *testing.T) {
	if itoa(42) != "42" {
		t.Fatalf("itoa(42) = %q", itoa(42))
	}
	if itoa(-5) != "-5" {
		t.Fatalf("itoa(-5) = %q", itoa(-5))
	}
}
