package job

import (
	"testing"

	"github.com/devicelab-dev/fleetrunner/pkg/queue"
)

func TestSaveAndLoadReport(t *testing.T) {
	dir := t.TempDir()
	accDir := t.TempDir()
	writeAccountFiles(t, accDir, "a.xml", "b.xml", "c.xml")

	q := queue.New()
	if _, err := q.Load(accDir, ""); err != nil {
		t.Fatalf("load: %v", err)
	}
	q.Claim("dev-1")
	q.Complete("a.xml", true, "")
	q.Claim("dev-1")
	q.Complete("b.xml", false, "step failed")

	if err := SaveReport(dir, q); err != nil {
		t.Fatalf("save report: %v", err)
	}

	rep, err := LoadReport(dir)
	if err != nil {
		t.Fatalf("load report: %v", err)
	}
	if rep == nil {
		t.Fatalf("expected a report, got nil")
	}
	if rep.Succeeded != 1 || rep.Failed != 1 || rep.Remaining != 1 {
		t.Fatalf("unexpected counts: %+v", rep)
	}
}

func TestLoadReportMissingReturnsNil(t *testing.T) {
	dir := t.TempDir()
	rep, err := LoadReport(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rep != nil {
		t.Fatalf("expected nil report for empty dir, got %+v", rep)
	}
}

func TestRecoverFoldsRunningEntriesBackToPending(t *testing.T) {
	dir := t.TempDir()
	accDir := t.TempDir()
	writeAccountFiles(t, accDir, "a.xml", "b.xml")

	q := queue.New()
	if _, err := q.Load(accDir, ""); err != nil {
		t.Fatalf("load: %v", err)
	}
	q.Claim("dev-1") // a.xml left "running" forever, simulating a crash

	if err := SaveReport(dir, q); err != nil {
		t.Fatalf("save report: %v", err)
	}

	rep, err := Recover(dir)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if rep == nil {
		t.Fatalf("expected a recovered report")
	}

	var found bool
	for _, e := range rep.Entries {
		if e.Filename == "a.xml" {
			found = true
			if e.Status != EntryPending {
				t.Fatalf("expected a.xml folded back to pending, got %s", e.Status)
			}
			if e.DeviceSerial != "" {
				t.Fatalf("expected device claim cleared, got %q", e.DeviceSerial)
			}
		}
	}
	if !found {
		t.Fatalf("expected a.xml entry in recovered report")
	}

	persisted, err := LoadReport(dir)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if persisted.Remaining == 0 {
		t.Fatalf("expected persisted report reflects the recovery")
	}
}

func TestRecoverNoReportReturnsNil(t *testing.T) {
	dir := t.TempDir()
	rep, err := Recover(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rep != nil {
		t.Fatalf("expected nil, got %+v", rep)
	}
}
