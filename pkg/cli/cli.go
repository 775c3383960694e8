// Package cli provides the command-line interface for fleetrunner.
package cli

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

// Version is set at build time.
var Version = "dev"

// GlobalFlags are available to all commands.
var GlobalFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to config.yaml",
		EnvVars: []string{"FLEETRUNNER_CONFIG"},
	},
	&cli.BoolFlag{
		Name:    "verbose",
		Usage:   "Enable verbose logging",
		EnvVars: []string{"FLEETRUNNER_VERBOSE"},
	},
	&cli.StringFlag{
		Name:    "listen",
		Usage:   "HTTP/WS listen address",
		EnvVars: []string{"FLEETRUNNER_LISTEN"},
	},
	&cli.StringFlag{
		Name:    "database",
		Usage:   "Path to the sqlite database file",
		EnvVars: []string{"FLEETRUNNER_DATABASE"},
	},
}

// Execute runs the CLI.
func Execute() {
	app := &cli.App{
		Name:    "fleetrunner",
		Usage:   "Android emulator fleet automation engine",
		Version: Version,
		Description: `fleetrunner drives a fleet of Android devices through adb, running one
workflow per account across every connected device.

Examples:
  # Start the HTTP/WS control server
  fleetrunner serve --config config.yaml

  # List connected devices
  fleetrunner devices

  # Run a workflow once across a set of devices, then exit
  fleetrunner run --workflow 1 --devices emulator-5554,emulator-5556

  # Find and remove account files in folder B that duplicate folder A
  fleetrunner dedupe --dry-run ./accounts/master ./accounts/incoming

  # Export processed account files plus the run report as a zip
  fleetrunner export --dest ./export.zip`,
		Flags: GlobalFlags,
		Commands: []*cli.Command{
			serveCommand,
			runCommand,
			devicesCommand,
			templatesCommand,
			dedupeCommand,
			exportCommand,
		},
		Before: func(c *cli.Context) error {
			startUpdateCheck()
			return nil
		},
		After: func(c *cli.Context) error {
			printUpdateNotice()
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps an error to the process exit code spec §6 defines
// for a one-shot execution tool: 0 all succeeded, 1 at least one
// failure, 2 invalid input, 3 unrecoverable bridge failure.
func exitCodeFor(err error) int {
	switch err.(type) {
	case *invalidInputError:
		return 2
	case *bridgeFailureError:
		return 3
	default:
		return 1
	}
}

type invalidInputError struct{ msg string }

func (e *invalidInputError) Error() string { return e.msg }

type bridgeFailureError struct{ msg string }

func (e *bridgeFailureError) Error() string { return e.msg }
