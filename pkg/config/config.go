// Package config defines RunConfig, the process-wide settings loaded
// from YAML and overridden by CLI flags/environment variables, per
// SPEC_FULL.md's ambient configuration layer.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// RunConfig holds every setting the fleet runner needs at startup.
// CLI flags take precedence over a loaded file, and each flag falls
// back to an environment variable before its own default — the same
// three-tier precedence the teacher's GlobalFlags use via EnvVars.
type RunConfig struct {
	// DatabasePath is the sqlite file backing WorkflowRepo/TemplateStore.
	DatabasePath string `yaml:"database_path"`
	// TemplateDir holds captured template PNGs.
	TemplateDir string `yaml:"template_dir"`
	// AccountFolder is the default source folder AccountQueue.Load scans.
	AccountFolder string `yaml:"account_folder"`
	// AccountExt is the account file extension Load matches (default .xml).
	AccountExt string `yaml:"account_ext"`
	// MoveOnComplete and DoneFolder are the post-processing settings handed
	// to the job coordinator at startup; no HTTP endpoint changes them.
	MoveOnComplete bool   `yaml:"move_on_complete"`
	DoneFolder     string `yaml:"done_folder"`
	// AccountRemotePath is the printf template (one %s) for where account
	// files land on-device; app-specific, per spec §9 open question (c).
	AccountRemotePath string `yaml:"account_remote_path"`

	// GamePackage/GameActivity/ColdStartWaitMs configure start_game/
	// restart_game steps.
	GamePackage     string `yaml:"game_package"`
	GameActivity    string `yaml:"game_activity"`
	ColdStartWaitMs int    `yaml:"cold_start_wait_ms"`

	// DevicePollInterval is how often device.Registry re-lists adb devices.
	DevicePollInterval time.Duration `yaml:"-"`

	// ListenAddr is the HTTP/WS server's bind address.
	ListenAddr string `yaml:"listen_addr"`

	// Verbose turns on debug-level logging.
	Verbose bool `yaml:"verbose"`
}

// configAlias is RunConfig's field set without its method set, so
// decoding through it doesn't recurse back into UnmarshalYAML.
type configAlias RunConfig

// rawConfig adds the duration-as-string field yaml.v3 can decode
// directly, since it has no built-in time.Duration support.
type rawConfig struct {
	configAlias        `yaml:",inline"`
	DevicePollInterval string `yaml:"device_poll_interval"`
}

// UnmarshalYAML parses device_poll_interval with time.ParseDuration
// ("3s", "500ms").
func (c *RunConfig) UnmarshalYAML(value *yaml.Node) error {
	raw := rawConfig{configAlias: configAlias(*c)}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	*c = RunConfig(raw.configAlias)
	if raw.DevicePollInterval != "" {
		d, err := time.ParseDuration(raw.DevicePollInterval)
		if err != nil {
			return fmt.Errorf("device_poll_interval: %w", err)
		}
		c.DevicePollInterval = d
	}
	return nil
}

// Default returns a RunConfig with sensible defaults for a local,
// single-machine run.
func Default() RunConfig {
	return RunConfig{
		DatabasePath:       "fleetrunner.db",
		TemplateDir:        "templates",
		AccountFolder:      "accounts",
		AccountExt:         ".xml",
		MoveOnComplete:     true,
		DoneFolder:         "",
		AccountRemotePath:  "/sdcard/Android/data/%s/files/account.xml",
		ColdStartWaitMs:    8000,
		DevicePollInterval: 3 * time.Second,
		ListenAddr:         "127.0.0.1:8090",
	}
}

// Load reads a RunConfig from a YAML file, starting from Default() so
// any field the file omits keeps its default value.
func Load(path string) (RunConfig, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
