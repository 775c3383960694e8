package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/devicelab-dev/fleetrunner/pkg/api"
	"github.com/devicelab-dev/fleetrunner/pkg/batch"
	"github.com/devicelab-dev/fleetrunner/pkg/bridge"
	"github.com/devicelab-dev/fleetrunner/pkg/config"
	"github.com/devicelab-dev/fleetrunner/pkg/device"
	"github.com/devicelab-dev/fleetrunner/pkg/interpreter"
	"github.com/devicelab-dev/fleetrunner/pkg/job"
	"github.com/devicelab-dev/fleetrunner/pkg/queue"
	"github.com/devicelab-dev/fleetrunner/pkg/statusbus"
	"github.com/devicelab-dev/fleetrunner/pkg/store"
	"github.com/devicelab-dev/fleetrunner/pkg/template"
	"github.com/devicelab-dev/fleetrunner/pkg/workflow"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
)

// loadConfig resolves config.yaml (if --config is set) over Default(),
// then applies the global flag overrides, per GlobalFlags' precedence.
func loadConfig(c *cli.Context) (config.RunConfig, error) {
	cfg := config.Default()
	if path := c.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return cfg, &invalidInputError{msg: err.Error()}
		}
		cfg = loaded
	}
	if addr := c.String("listen"); addr != "" {
		cfg.ListenAddr = addr
	}
	if db := c.String("database"); db != "" {
		cfg.DatabasePath = db
	}
	if c.Bool("verbose") {
		cfg.Verbose = true
	}
	return cfg, nil
}

func newLogger(cfg config.RunConfig) zerolog.Logger {
	level := zerolog.InfoLevel
	if cfg.Verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
}

// components bundles every long-lived object a command needs, built
// once from a RunConfig.
type components struct {
	cfg       config.RunConfig
	log       zerolog.Logger
	bus       *statusbus.Bus
	registry  *device.Registry
	workflows *workflow.Repo
	templates *template.Store
	queue     *queue.Queue
	channels  *bridge.Pool
}

func buildComponents(cfg config.RunConfig, log zerolog.Logger) (*components, error) {
	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	tplStore, err := template.NewStore(db, cfg.TemplateDir)
	if err != nil {
		return nil, fmt.Errorf("open template store: %w", err)
	}

	bus := statusbus.New(log)
	registry := device.NewRegistry(bus, cfg.DevicePollInterval, log)

	return &components{
		cfg:       cfg,
		log:       log,
		bus:       bus,
		registry:  registry,
		workflows: workflow.NewRepo(db),
		templates: tplStore,
		queue:     queue.New(),
		channels:  bridge.NewPool(registry),
	}, nil
}

// channelFactory wraps the shared channel pool so a job worker and an
// ad-hoc API request against the same serial see the same Channel
// instance, and therefore the same lease owner.
func (cs *components) channelFactory() job.ChannelFactory {
	return func(serial string) (interpreter.DeviceChannel, error) {
		return cs.channels.Get(serial)
	}
}

var serveCommand = &cli.Command{
	Name:  "serve",
	Usage: "Start the HTTP/WS control server and device poller",
	Action: func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}
		log := newLogger(cfg)
		cs, err := buildComponents(cfg, log)
		if err != nil {
			return err
		}

		coordinator := job.New(cs.queue, cs.templates, cs.bus, cs.channelFactory(), job.Config{
			MoveOnComplete:    cfg.MoveOnComplete,
			DoneFolder:        cfg.DoneFolder,
			AccountRemotePath: cfg.AccountRemotePath,
		}, interpreter.GameConfig{
			Package:         cfg.GamePackage,
			Activity:        cfg.GameActivity,
			ColdStartWaitMs: cfg.ColdStartWaitMs,
		}, log)

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		go cs.registry.Run(ctx)
		go cs.bus.Run(ctx)

		srv := api.NewServer(cfg.ListenAddr, log, cs.registry, coordinator, cs.queue, cs.workflows, cs.templates, cs.bus, cs.channelFactory(), "")
		return srv.Run(ctx)
	},
}

var runCommand = &cli.Command{
	Name:  "run",
	Usage: "Run a workflow once across a set of devices, then exit",
	Flags: []cli.Flag{
		&cli.Int64Flag{Name: "workflow", Usage: "Workflow ID to run (default: the master workflow)"},
		&cli.StringFlag{Name: "devices", Usage: "Comma-separated device serials (default: all online devices)"},
		&cli.StringFlag{Name: "accounts", Usage: "Folder of account files to process"},
	},
	Action: func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}
		log := newLogger(cfg)
		cs, err := buildComponents(cfg, log)
		if err != nil {
			return err
		}

		var wf *workflow.Workflow
		if id := c.Int64("workflow"); id != 0 {
			wf, err = cs.workflows.Get(id)
		} else {
			wf, err = cs.workflows.Master()
		}
		if err != nil {
			return &invalidInputError{msg: fmt.Sprintf("resolve workflow: %v", err)}
		}

		accountsDir := c.String("accounts")
		if accountsDir == "" {
			accountsDir = cfg.AccountFolder
		}
		if _, err := cs.queue.Load(accountsDir, cfg.AccountExt); err != nil {
			return &invalidInputError{msg: fmt.Sprintf("load accounts: %v", err)}
		}

		devices, err := resolveDevices(c.String("devices"))
		if err != nil {
			return err
		}

		coordinator := job.New(cs.queue, cs.templates, cs.bus, cs.channelFactory(), job.Config{
			MoveOnComplete:    cfg.MoveOnComplete,
			DoneFolder:        cfg.DoneFolder,
			AccountRemotePath: cfg.AccountRemotePath,
		}, interpreter.GameConfig{
			Package:         cfg.GamePackage,
			Activity:        cfg.GameActivity,
			ColdStartWaitMs: cfg.ColdStartWaitMs,
		}, log)
		coordinator.WithOnlineChecker(onlineChecker)

		if err := coordinator.Start(devices, wf); err != nil {
			return &invalidInputError{msg: err.Error()}
		}
		for coordinator.State() == job.StateRunning {
			time.Sleep(200 * time.Millisecond)
		}

		progress := cs.queue.Progress()
		fmt.Printf("succeeded=%d failed=%d remaining=%d\n", progress.Succeeded, progress.Failed, progress.Remaining)
		if progress.Failed > 0 {
			return fmt.Errorf("%d account(s) failed", progress.Failed)
		}
		return nil
	},
}

// resolveDevices lists currently connected devices directly via adb,
// without standing up a Registry poller, since a one-shot run only
// needs a single snapshot.
func resolveDevices(flag string) ([]string, error) {
	if flag != "" {
		return strings.Split(flag, ","), nil
	}

	connected, err := device.ListDevices()
	if err != nil {
		return nil, &bridgeFailureError{msg: err.Error()}
	}
	var serials []string
	for _, d := range connected {
		if d.State == "device" {
			serials = append(serials, d.Serial)
		}
	}
	if len(serials) == 0 {
		return nil, &invalidInputError{msg: "no online devices found"}
	}
	return serials, nil
}

// onlineChecker queries adb directly for the currently online serials,
// for job.Coordinator.WithOnlineChecker in the one-shot run command,
// which has no long-lived device.Registry poller to consult.
func onlineChecker() map[string]bool {
	online := make(map[string]bool)
	connected, err := device.ListDevices()
	if err != nil {
		return online
	}
	for _, d := range connected {
		if d.State == "device" {
			online[d.Serial] = true
		}
	}
	return online
}

var devicesCommand = &cli.Command{
	Name:  "devices",
	Usage: "List connected devices",
	Action: func(c *cli.Context) error {
		connected, err := device.ListDevices()
		if err != nil {
			return &bridgeFailureError{msg: err.Error()}
		}
		for _, d := range connected {
			fmt.Printf("%s\t%s\t%s\n", d.Serial, d.State, d.Type)
		}
		return nil
	},
}

var templatesCommand = &cli.Command{
	Name:  "templates",
	Usage: "List captured templates",
	Action: func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}
		log := newLogger(cfg)
		cs, err := buildComponents(cfg, log)
		if err != nil {
			return err
		}
		tpls, err := cs.templates.List()
		if err != nil {
			return err
		}
		for _, t := range tpls {
			fmt.Printf("%s\t%dx%d\n", t.Name, t.Width, t.Height)
		}
		return nil
	},
}

var dedupeCommand = &cli.Command{
	Name:      "dedupe",
	Usage:     "Remove account files in folder B that duplicate folder A",
	ArgsUsage: "<folder-a> <folder-b>",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "dry-run", Usage: "Report duplicates without deleting them"},
	},
	Action: func(c *cli.Context) error {
		if c.NArg() != 2 {
			return &invalidInputError{msg: "dedupe requires exactly two folder arguments"}
		}
		res, err := batch.Find(c.Args().Get(0), c.Args().Get(1), c.Bool("dry-run"))
		if err != nil {
			return &bridgeFailureError{msg: err.Error()}
		}
		for _, d := range res.Duplicates {
			fmt.Printf("%s duplicates %s\n", d.FileBName, d.MatchesWithName)
		}
		fmt.Printf("removed=%d\n", res.RemovedCount)
		return nil
	},
}

var exportCommand = &cli.Command{
	Name:  "export",
	Usage: "Export processed account files plus the run report as a zip",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "dest", Usage: "Output zip path", Required: true},
		&cli.StringFlag{Name: "accounts", Usage: "Account folder to export from"},
		&cli.StringFlag{Name: "report-dir", Usage: "Directory holding report.json"},
	},
	Action: func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}

		accountsDir := c.String("accounts")
		if accountsDir == "" {
			accountsDir = cfg.AccountFolder
		}
		q := queue.New()
		if _, err := q.Load(accountsDir, cfg.AccountExt); err != nil {
			return &invalidInputError{msg: err.Error()}
		}

		if err := batch.Export(q, c.String("report-dir"), c.String("dest")); err != nil {
			return err
		}
		fmt.Printf("exported to %s\n", c.String("dest"))
		return nil
	},
}
