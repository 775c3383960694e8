package device

import (
	"context"
	"sync"
	"time"

	"github.com/devicelab-dev/fleetrunner/pkg/statusbus"
	"github.com/rs/zerolog"
)

// DeviceState is a snapshot of one fleet device's last-known status.
type DeviceState struct {
	Serial       string
	Type         string
	Online       bool
	ScreenWidth  int
	ScreenHeight int
}

// Registry polls adb devices on an interval and tracks each device's
// online/offline transitions, publishing them to a Bus. Snapshot reads
// return a deep copy, mirroring the teacher's Consumer.Poll/ReadIndex
// copy-out discipline in pkg/report/consumer.go.
type Registry struct {
	log          zerolog.Logger
	bus          *statusbus.Bus
	pollInterval time.Duration

	mu      sync.RWMutex
	devices map[string]DeviceState
}

// NewRegistry creates a Registry. Call Run in its own goroutine to start
// polling.
func NewRegistry(bus *statusbus.Bus, pollInterval time.Duration, log zerolog.Logger) *Registry {
	return &Registry{
		log:          log,
		bus:          bus,
		pollInterval: pollInterval,
		devices:      make(map[string]DeviceState),
	}
}

// Run polls until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	r.poll()

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.poll()
		}
	}
}

func (r *Registry) poll() {
	connected, err := ListDevices()
	if err != nil {
		r.log.Error().Err(err).Msg("list devices failed")
		return
	}

	seen := make(map[string]bool, len(connected))
	for _, c := range connected {
		seen[c.Serial] = true
		online := c.State == "device"
		r.reconcile(c.Serial, c.Type, online)
	}

	r.mu.Lock()
	for serial, state := range r.devices {
		if !seen[serial] && state.Online {
			state.Online = false
			r.devices[serial] = state
			r.mu.Unlock()
			r.log.Warn().Str("serial", serial).Msg("device disappeared from adb devices")
			r.bus.Publish(statusbus.EventDeviceOffline, statusbus.DeviceEventPayload{Serial: serial, Reason: "disconnected"})
			r.mu.Lock()
		}
	}
	r.mu.Unlock()
}

func (r *Registry) reconcile(serial, typ string, online bool) {
	r.mu.Lock()
	prev, existed := r.devices[serial]
	changed := !existed || prev.Online != online

	state := prev
	state.Serial = serial
	state.Type = typ
	state.Online = online

	if online && (!existed || state.ScreenWidth == 0) {
		r.mu.Unlock()
		w, h, err := ScreenSize(serial)
		r.mu.Lock()
		if err != nil {
			r.log.Warn().Err(err).Str("serial", serial).Msg("query screen size failed")
		} else {
			state.ScreenWidth = w
			state.ScreenHeight = h
		}
	}

	r.devices[serial] = state
	r.mu.Unlock()

	if changed {
		if online {
			r.bus.Publish(statusbus.EventDeviceOnline, statusbus.DeviceEventPayload{Serial: serial})
		} else {
			r.bus.Publish(statusbus.EventDeviceOffline, statusbus.DeviceEventPayload{Serial: serial})
		}
	}
}

// DeviceOffline implements bridge.OfflineNotifier: a DeviceChannel calls
// this when a bridge command fails, so a dead device is reflected before
// the next poll tick instead of waiting out the full poll interval.
func (r *Registry) DeviceOffline(serial string, reason error) {
	r.mu.Lock()
	state, ok := r.devices[serial]
	if !ok || !state.Online {
		r.mu.Unlock()
		return
	}
	state.Online = false
	r.devices[serial] = state
	r.mu.Unlock()

	msg := ""
	if reason != nil {
		msg = reason.Error()
	}
	r.log.Warn().Str("serial", serial).Err(reason).Msg("device flagged offline by bridge error")
	r.bus.Publish(statusbus.EventDeviceOffline, statusbus.DeviceEventPayload{Serial: serial, Reason: msg})
}

// Snapshot returns a deep copy of every known device's state.
func (r *Registry) Snapshot() []DeviceState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]DeviceState, 0, len(r.devices))
	for _, state := range r.devices {
		out = append(out, state)
	}
	return out
}

// Online returns only devices currently considered online.
func (r *Registry) Online() []DeviceState {
	all := r.Snapshot()
	out := all[:0]
	for _, s := range all {
		if s.Online {
			out = append(out, s)
		}
	}
	return out
}
