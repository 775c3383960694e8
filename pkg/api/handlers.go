package api

import (
	"encoding/json"
	"fmt"
	"image/png"
	"net/http"
	"strconv"

	"github.com/devicelab-dev/fleetrunner/pkg/batch"
	"github.com/devicelab-dev/fleetrunner/pkg/workflow"
)

// response is the {success, message, ...payload} envelope spec §6
// requires from every HTTP endpoint.
type response struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Payload interface{} `json:"payload,omitempty"`
}

func writeOK(w http.ResponseWriter, payload interface{}) {
	writeJSON(w, http.StatusOK, response{Success: true, Payload: payload})
}

func writeErr(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, response{Success: false, Message: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	writeOK(w, s.registry.Snapshot())
}

// uiPreviewOwner is the lease owner name ad-hoc UI requests use, distinct
// from the job coordinator's jobLeaseOwner so a busy response always
// means "a job is running on this device right now".
const uiPreviewOwner = "ui-preview"

// leaser is the subset of bridge.Channel's lease API a DeviceChannel may
// optionally implement.
type leaser interface {
	TryLease(owner string) bool
	Release(owner string)
}

func (s *Server) handleDeviceScreenshot(w http.ResponseWriter, r *http.Request) {
	serial := r.PathValue("serial")
	channel, err := s.channels(serial)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}

	if l, ok := channel.(leaser); ok {
		if !l.TryLease(uiPreviewOwner) {
			writeErr(w, http.StatusConflict, fmt.Errorf("device busy: a job is running on %s", serial))
			return
		}
		defer l.Release(uiPreviewOwner)
	}

	img, err := channel.Screenshot(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	if err := png.Encode(w, img); err != nil {
		s.log.Error().Err(err).Str("serial", serial).Msg("encode preview screenshot failed")
	}
}

type startJobRequest struct {
	Devices    []string `json:"devices"`
	WorkflowID int64    `json:"workflow_id"`
}

func (s *Server) handleJobStart(w http.ResponseWriter, r *http.Request) {
	var req startJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	if len(req.Devices) == 0 {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("devices required"))
		return
	}

	wf, err := s.resolveWorkflow(req.WorkflowID)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}

	if err := s.coordinator.Start(req.Devices, wf); err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeOK(w, map[string]interface{}{"devices": req.Devices})
}

func (s *Server) resolveWorkflow(id int64) (*workflow.Workflow, error) {
	if id != 0 {
		return s.workflows.Get(id)
	}
	return s.workflows.Master()
}

type resumeJobRequest struct {
	Devices []string `json:"devices"`
}

func (s *Server) handleJobResume(w http.ResponseWriter, r *http.Request) {
	var req resumeJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	if err := s.coordinator.Resume(req.Devices); err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleJobStop(w http.ResponseWriter, r *http.Request) {
	s.coordinator.Stop()
	writeOK(w, nil)
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	writeOK(w, map[string]interface{}{
		"state":    s.coordinator.State(),
		"devices":  s.coordinator.Snapshot(),
		"progress": s.accountQueue.Progress(),
	})
}

func (s *Server) handleMarkBugged(w http.ResponseWriter, r *http.Request) {
	filename := r.PathValue("filename")
	if err := s.accountQueue.MarkBugged(filename); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	wfs, err := s.workflows.List()
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeOK(w, wfs)
}

func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var wf workflow.Workflow
	if err := json.NewDecoder(r.Body).Decode(&wf); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	id, err := s.workflows.Create(&wf)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	writeOK(w, map[string]int64{"id": id})
}

func (s *Server) pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(r.PathValue("id"), 10, 64)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	id, err := s.pathID(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	wf, err := s.workflows.Get(id)
	if err != nil {
		writeErr(w, http.StatusNotFound, err)
		return
	}
	writeOK(w, wf)
}

func (s *Server) handleUpdateWorkflow(w http.ResponseWriter, r *http.Request) {
	id, err := s.pathID(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	var wf workflow.Workflow
	if err := json.NewDecoder(r.Body).Decode(&wf); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	wf.ID = id
	if err := s.workflows.Update(&wf); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	id, err := s.pathID(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	if err := s.workflows.Delete(id); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleSetMasterWorkflow(w http.ResponseWriter, r *http.Request) {
	id, err := s.pathID(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	if err := s.workflows.SetMaster(id); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleExecuteWorkflow(w http.ResponseWriter, r *http.Request) {
	id, err := s.pathID(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	wf, err := s.workflows.Get(id)
	if err != nil {
		writeErr(w, http.StatusNotFound, err)
		return
	}

	var req startJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	if len(req.Devices) == 0 {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("devices required"))
		return
	}

	if err := s.coordinator.Start(req.Devices, wf); err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	tpls, err := s.templates.List()
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeOK(w, tpls)
}

func (s *Server) handleCaptureTemplate(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("name required"))
		return
	}
	img, err := png.Decode(r.Body)
	if err != nil {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("decode template image: %w", err))
		return
	}
	tpl, err := s.templates.Capture(name, img, img.Bounds())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeOK(w, tpl)
}

type duplicatesRequest struct {
	FolderA string `json:"folder_a"`
	FolderB string `json:"folder_b"`
	DryRun  bool   `json:"dry_run"`
}

func (s *Server) handleFindDuplicates(w http.ResponseWriter, r *http.Request) {
	var req duplicatesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, err)
		return
	}
	res, err := batch.Find(req.FolderA, req.FolderB, req.DryRun)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeOK(w, res)
}

func (s *Server) handleExportAccounts(w http.ResponseWriter, r *http.Request) {
	destPath := r.URL.Query().Get("dest")
	if destPath == "" {
		writeErr(w, http.StatusBadRequest, fmt.Errorf("dest required"))
		return
	}
	if err := batch.Export(s.accountQueue, s.reportDir, destPath); err != nil {
		writeErr(w, http.StatusInternalServerError, err)
		return
	}
	writeOK(w, map[string]string{"archive": destPath})
}
