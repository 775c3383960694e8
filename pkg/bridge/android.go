// Package bridge drives one already-connected Android device over the
// platform debug bridge (adb). Binary discovery and boot-state polling are
// adapted from the teacher's pkg/emulator helpers; fleet devices here are
// externally provisioned (already booted) rather than launched by this
// process, so no AVD/console-port management is carried over.
package bridge

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// IsEmulator reports whether serial names an emulator instance
// ("emulator-NNNN"), as opposed to a physical or networked device.
func IsEmulator(serial string) bool {
	return strings.HasPrefix(serial, "emulator-") && len(serial) > len("emulator-")
}

// getAndroidHome resolves the Android SDK root, checking ANDROID_HOME
// first, then ANDROID_SDK_ROOT, then ANDROID_SDK_HOME.
func getAndroidHome() string {
	for _, key := range []string{"ANDROID_HOME", "ANDROID_SDK_ROOT", "ANDROID_SDK_HOME"} {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return ""
}

// FindADB locates the adb binary: SDK-relative path first (platform-tools
// under the resolved Android home), falling back to PATH.
func FindADB() (string, error) {
	return findADB()
}

// findADB is the unexported implementation shared with NewChannel.
func findADB() (string, error) {
	if home := getAndroidHome(); home != "" {
		candidate := filepath.Join(home, "platform-tools", "adb")
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}

	if path, err := exec.LookPath("adb"); err == nil {
		return path, nil
	}

	return "", fmt.Errorf("adb binary not found: set ANDROID_HOME or add adb to PATH")
}

// BootStatus is the set of boot-completion signals `adb shell getprop`
// reports; a device is only usable once every signal is set.
type BootStatus struct {
	StateReady     bool // `adb get-state` == "device"
	BootCompleted  bool // sys.boot_completed == "1"
	SettingsReady  bool // dev.bootcomplete == "1"
	PackageManager bool // `pm list packages` succeeds without error
}

// IsFullyReady reports whether every boot signal has landed.
func (b BootStatus) IsFullyReady() bool {
	return b.StateReady && b.BootCompleted && b.SettingsReady && b.PackageManager
}
