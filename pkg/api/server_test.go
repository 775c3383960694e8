package api

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/devicelab-dev/fleetrunner/pkg/device"
	"github.com/devicelab-dev/fleetrunner/pkg/interpreter"
	"github.com/devicelab-dev/fleetrunner/pkg/job"
	"github.com/devicelab-dev/fleetrunner/pkg/queue"
	"github.com/devicelab-dev/fleetrunner/pkg/statusbus"
	"github.com/devicelab-dev/fleetrunner/pkg/store"
	"github.com/devicelab-dev/fleetrunner/pkg/template"
	"github.com/devicelab-dev/fleetrunner/pkg/workflow"
	"github.com/rs/zerolog"
)

func newTestServer(t *testing.T) (*Server, http.Handler) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	repo := workflow.NewRepo(db)
	tplStore, err := template.NewStore(db, t.TempDir())
	if err != nil {
		t.Fatalf("new template store: %v", err)
	}

	bus := statusbus.New(zerolog.Nop())
	q := queue.New()
	registry := device.NewRegistry(bus, 0, zerolog.Nop())

	factory := func(serial string) (interpreter.DeviceChannel, error) {
		return nil, nil
	}
	coordinator := job.New(q, tplStore, bus, factory, job.Config{AccountRemotePath: "/sdcard/accounts/%s"}, interpreter.GameConfig{}, zerolog.Nop())

	srv := NewServer(":0", zerolog.Nop(), registry, coordinator, q, repo, tplStore, bus, factory, t.TempDir())

	mux := http.NewServeMux()
	mux.HandleFunc("GET /devices", srv.handleListDevices)
	mux.HandleFunc("POST /jobs/start", srv.handleJobStart)
	mux.HandleFunc("GET /jobs/status", srv.handleJobStatus)
	mux.HandleFunc("GET /workflows", srv.handleListWorkflows)
	mux.HandleFunc("POST /workflows", srv.handleCreateWorkflow)
	mux.HandleFunc("GET /workflows/{id}", srv.handleGetWorkflow)
	mux.HandleFunc("POST /workflows/{id}/set-master", srv.handleSetMasterWorkflow)
	mux.HandleFunc("GET /templates", srv.handleListTemplates)
	mux.HandleFunc("POST /templates", srv.handleCaptureTemplate)
	mux.HandleFunc("POST /batch/duplicates", srv.handleFindDuplicates)

	return srv, mux
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) response {
	t.Helper()
	var resp response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v (body=%s)", err, rec.Body.String())
	}
	return resp
}

func TestHandleListDevicesEmpty(t *testing.T) {
	_, mux := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/devices", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	resp := decodeResponse(t, rec)
	if !resp.Success {
		t.Fatalf("expected success, got %+v", resp)
	}
}

func TestHandleCreateAndGetWorkflow(t *testing.T) {
	_, mux := newTestServer(t)

	body, _ := json.Marshal(workflow.Workflow{
		Name:         "main",
		ScreenWidth:  1080,
		ScreenHeight: 1920,
		Steps: []workflow.Step{
			&workflow.ClickStep{BaseStep: workflow.BaseStep{StepType: workflow.StepClick, OrderIndex: 0}, X: 5, Y: 5},
		},
	})
	req := httptest.NewRequest(http.MethodPost, "/workflows", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 creating workflow, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeResponse(t, rec)
	if !resp.Success {
		t.Fatalf("expected success, got %+v", resp)
	}

	payload, _ := json.Marshal(resp.Payload)
	var created struct {
		ID int64 `json:"id"`
	}
	json.Unmarshal(payload, &created)
	if created.ID == 0 {
		t.Fatalf("expected a non-zero workflow id")
	}

	getReq := httptest.NewRequest(http.MethodGet, "/workflows/1", nil)
	getRec := httptest.NewRecorder()
	mux.ServeHTTP(getRec, getReq)
	if getRec.Code != http.StatusOK {
		t.Fatalf("expected 200 fetching workflow, got %d: %s", getRec.Code, getRec.Body.String())
	}
}

func TestHandleJobStartRequiresDevices(t *testing.T) {
	_, mux := newTestServer(t)

	body, _ := json.Marshal(startJobRequest{Devices: nil})
	req := httptest.NewRequest(http.MethodPost, "/jobs/start", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 with no devices, got %d", rec.Code)
	}
}

func TestHandleCaptureAndListTemplates(t *testing.T) {
	_, mux := newTestServer(t)

	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, color.RGBA{R: 10, G: 20, B: 30, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/templates?name=button", &buf)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 capturing template, got %d: %s", rec.Code, rec.Body.String())
	}

	listReq := httptest.NewRequest(http.MethodGet, "/templates", nil)
	listRec := httptest.NewRecorder()
	mux.ServeHTTP(listRec, listReq)
	resp := decodeResponse(t, listRec)
	if !resp.Success {
		t.Fatalf("expected success listing templates, got %+v", resp)
	}
}

// leasableChannel is a minimal fake DeviceChannel that also implements
// the TryLease/Release lease API, for exercising handleDeviceScreenshot's
// busy/free paths without a real adb binary.
type leasableChannel struct {
	owner string
}

func (c *leasableChannel) Screenshot(ctx context.Context) (image.Image, error) {
	return image.NewRGBA(image.Rect(0, 0, 2, 2)), nil
}
func (c *leasableChannel) Tap(ctx context.Context, x, y int) error                  { return nil }
func (c *leasableChannel) Swipe(ctx context.Context, x, y, ex, ey, ms int) error     { return nil }
func (c *leasableChannel) Key(ctx context.Context, keycode int) error                { return nil }
func (c *leasableChannel) LaunchApp(ctx context.Context, pkg, activity string) error {
	return nil
}
func (c *leasableChannel) ForceStop(ctx context.Context, pkg string) error           { return nil }

func (c *leasableChannel) TryLease(owner string) bool {
	if c.owner != "" {
		return false
	}
	c.owner = owner
	return true
}

func (c *leasableChannel) Release(owner string) {
	if c.owner == owner {
		c.owner = ""
	}
}

func newScreenshotTestServer(t *testing.T, channel *leasableChannel) http.Handler {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	tplStore, err := template.NewStore(db, t.TempDir())
	if err != nil {
		t.Fatalf("new template store: %v", err)
	}

	bus := statusbus.New(zerolog.Nop())
	q := queue.New()
	registry := device.NewRegistry(bus, 0, zerolog.Nop())
	factory := func(serial string) (interpreter.DeviceChannel, error) {
		return channel, nil
	}
	coordinator := job.New(q, tplStore, bus, factory, job.Config{AccountRemotePath: "/sdcard/accounts/%s"}, interpreter.GameConfig{}, zerolog.Nop())
	srv := NewServer(":0", zerolog.Nop(), registry, coordinator, q, workflow.NewRepo(db), tplStore, bus, factory, t.TempDir())

	mux := http.NewServeMux()
	mux.HandleFunc("GET /devices/{serial}/screenshot", srv.handleDeviceScreenshot)
	return mux
}

func TestHandleDeviceScreenshotReturnsPNG(t *testing.T) {
	mux := newScreenshotTestServer(t, &leasableChannel{})

	req := httptest.NewRequest(http.MethodGet, "/devices/emulator-5554/screenshot", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Fatalf("expected image/png content type, got %q", ct)
	}
}

func TestHandleDeviceScreenshotBusyWhenJobOwned(t *testing.T) {
	channel := &leasableChannel{owner: "job"}
	mux := newScreenshotTestServer(t, channel)

	req := httptest.NewRequest(http.MethodGet, "/devices/emulator-5554/screenshot", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 while job-owned, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleFindDuplicates(t *testing.T) {
	_, mux := newTestServer(t)

	a := t.TempDir()
	b := t.TempDir()
	os.WriteFile(filepath.Join(a, "x.xml"), []byte("same"), 0o644)
	os.WriteFile(filepath.Join(b, "x.xml"), []byte("same"), 0o644)

	body, _ := json.Marshal(duplicatesRequest{FolderA: a, FolderB: b, DryRun: true})
	req := httptest.NewRequest(http.MethodPost, "/batch/duplicates", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeResponse(t, rec)
	if !resp.Success {
		t.Fatalf("expected success, got %+v", resp)
	}
}
