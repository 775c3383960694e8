// Package api exposes the fleet runner's operations over HTTP/WS: a
// thin adapter layer, same shape as sumit7577-Figma-Forge's serveAPI —
// each handler decodes a request, calls exactly one core operation, and
// serializes {success, message, ...payload} per spec §6. No business
// logic lives here.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/devicelab-dev/fleetrunner/pkg/device"
	"github.com/devicelab-dev/fleetrunner/pkg/job"
	"github.com/devicelab-dev/fleetrunner/pkg/queue"
	"github.com/devicelab-dev/fleetrunner/pkg/statusbus"
	"github.com/devicelab-dev/fleetrunner/pkg/template"
	"github.com/devicelab-dev/fleetrunner/pkg/workflow"
	"github.com/rs/zerolog"
)

// Server wires every core component to its HTTP surface.
type Server struct {
	addr string
	log  zerolog.Logger

	registry     *device.Registry
	coordinator  *job.Coordinator
	accountQueue *queue.Queue
	workflows    *workflow.Repo
	templates    *template.Store
	bus          *statusbus.Bus
	channels     job.ChannelFactory

	reportDir string
}

// NewServer assembles a Server from already-constructed components.
// channels is the same ChannelFactory bound to coordinator, so an ad-hoc
// request (e.g. a preview screenshot) resolves to the same pooled
// DeviceChannel a running job would hold a lease on.
func NewServer(addr string, log zerolog.Logger, registry *device.Registry, coordinator *job.Coordinator, accountQueue *queue.Queue, workflows *workflow.Repo, templates *template.Store, bus *statusbus.Bus, channels job.ChannelFactory, reportDir string) *Server {
	coordinator.WithOnlineChecker(func() map[string]bool {
		online := make(map[string]bool)
		for _, d := range registry.Online() {
			online[d.Serial] = true
		}
		return online
	})

	return &Server{
		addr:         addr,
		log:          log,
		registry:     registry,
		coordinator:  coordinator,
		accountQueue: accountQueue,
		workflows:    workflows,
		templates:    templates,
		bus:          bus,
		channels:     channels,
		reportDir:    reportDir,
	}
}

// Run starts the HTTP server and blocks until ctx is cancelled, then
// shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /devices", s.handleListDevices)
	mux.HandleFunc("GET /devices/{serial}/screenshot", s.handleDeviceScreenshot)

	mux.HandleFunc("POST /jobs/start", s.handleJobStart)
	mux.HandleFunc("POST /jobs/resume", s.handleJobResume)
	mux.HandleFunc("POST /jobs/stop", s.handleJobStop)
	mux.HandleFunc("GET /jobs/status", s.handleJobStatus)

	mux.HandleFunc("POST /accounts/{filename}/mark-bugged", s.handleMarkBugged)

	mux.HandleFunc("GET /workflows", s.handleListWorkflows)
	mux.HandleFunc("POST /workflows", s.handleCreateWorkflow)
	mux.HandleFunc("GET /workflows/{id}", s.handleGetWorkflow)
	mux.HandleFunc("PUT /workflows/{id}", s.handleUpdateWorkflow)
	mux.HandleFunc("DELETE /workflows/{id}", s.handleDeleteWorkflow)
	mux.HandleFunc("POST /workflows/{id}/set-master", s.handleSetMasterWorkflow)
	mux.HandleFunc("POST /workflows/{id}/execute", s.handleExecuteWorkflow)

	mux.HandleFunc("GET /templates", s.handleListTemplates)
	mux.HandleFunc("POST /templates", s.handleCaptureTemplate)

	mux.HandleFunc("POST /batch/duplicates", s.handleFindDuplicates)
	mux.HandleFunc("POST /batch/export", s.handleExportAccounts)

	mux.HandleFunc("/ws", s.bus.ServeWS)

	srv := &http.Server{
		Addr:         s.addr,
		Handler:      cors(mux),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	s.log.Info().Str("addr", s.addr).Msg("http server starting")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
