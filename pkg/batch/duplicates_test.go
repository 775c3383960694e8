package batch

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestFindDryRunLeavesFilesIntact(t *testing.T) {
	a := t.TempDir()
	b := t.TempDir()
	writeFile(t, a, "x.xml", "same-bytes")
	writeFile(t, a, "y.xml", "other-bytes")
	writeFile(t, b, "x.xml", "same-bytes")
	writeFile(t, b, "z.xml", "unique-bytes")

	res, err := Find(a, b, true)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(res.Duplicates) != 1 {
		t.Fatalf("expected 1 duplicate, got %+v", res.Duplicates)
	}
	if res.Duplicates[0].FileBName != "x.xml" || res.Duplicates[0].MatchesWithName != "x.xml" {
		t.Fatalf("unexpected duplicate entry: %+v", res.Duplicates[0])
	}
	if res.RemovedCount != 0 {
		t.Fatalf("dry run should not remove anything, got %d", res.RemovedCount)
	}

	if _, err := os.Stat(filepath.Join(b, "x.xml")); err != nil {
		t.Fatalf("expected x.xml to remain after dry run: %v", err)
	}
}

func TestFindRealRunDeletesDuplicates(t *testing.T) {
	a := t.TempDir()
	b := t.TempDir()
	writeFile(t, a, "x.xml", "same-bytes")
	writeFile(t, b, "x.xml", "same-bytes")
	writeFile(t, b, "z.xml", "unique-bytes")

	res, err := Find(a, b, false)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if res.RemovedCount != 1 {
		t.Fatalf("expected 1 removal, got %d", res.RemovedCount)
	}

	if _, err := os.Stat(filepath.Join(b, "x.xml")); !os.IsNotExist(err) {
		t.Fatalf("expected x.xml deleted")
	}
	if _, err := os.Stat(filepath.Join(b, "z.xml")); err != nil {
		t.Fatalf("expected z.xml to remain: %v", err)
	}
}

func TestFindNoDuplicates(t *testing.T) {
	a := t.TempDir()
	b := t.TempDir()
	writeFile(t, a, "x.xml", "alpha")
	writeFile(t, b, "y.xml", "beta")

	res, err := Find(a, b, false)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(res.Duplicates) != 0 {
		t.Fatalf("expected no duplicates, got %+v", res.Duplicates)
	}
}
