package batch

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/devicelab-dev/fleetrunner/pkg/job"
	"github.com/devicelab-dev/fleetrunner/pkg/queue"
)

// Export packages every successfully processed account file from q,
// plus the run's report.json if reportDir holds one, into a single zip
// at destPath. This is the "account export" surface named in spec §6's
// HTTP contract and §2's component table, present in the original batch
// tooling but left out of the distilled component list.
func Export(q *queue.Queue, reportDir, destPath string) error {
	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("create export archive: %w", err)
	}
	defer out.Close()

	zw := zip.NewWriter(out)

	for _, t := range q.Snapshot() {
		if !t.Processed || !t.Success {
			continue
		}
		if err := addFileToZip(zw, t.Filepath, t.Filename); err != nil {
			zw.Close()
			return fmt.Errorf("add %s to archive: %w", t.Filename, err)
		}
	}

	if rep, err := job.LoadReport(reportDir); err == nil && rep != nil {
		if err := addReportToZip(zw, reportDir); err != nil {
			zw.Close()
			return fmt.Errorf("add report to archive: %w", err)
		}
	}

	return zw.Close()
}

func addFileToZip(zw *zip.Writer, path, name string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := zw.Create(name)
	if err != nil {
		return err
	}
	_, err = io.Copy(dst, src)
	return err
}

func addReportToZip(zw *zip.Writer, reportDir string) error {
	return addFileToZip(zw, filepath.Join(reportDir, "report.json"), "report.json")
}
