// Package template implements TemplateStore: capture, list and load of the
// named reference-image crops that image_match/find_all_click/loop_click
// steps match against. File layout and atomic writes are adapted from the
// teacher's pkg/report/atomic.go; row metadata lives in pkg/store's sqlite
// database alongside workflows.
package template

import (
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
)

// Template is one named reference image, cropped from a device screenshot.
type Template struct {
	ID     int64  `json:"id" db:"id"`
	Name   string `json:"name" db:"name"`
	Path   string `json:"-" db:"file_path"`
	Width  int    `json:"width" db:"width"`
	Height int    `json:"height" db:"height"`
}

// Store manages template image files on disk plus their sqlite row
// metadata, with an in-memory decode cache so repeated match calls don't
// re-read and re-decode PNGs from disk.
type Store struct {
	db  *sqlx.DB
	dir string

	mu    sync.RWMutex
	cache map[string]image.Image
}

// NewStore opens a template store rooted at dir, using db for metadata.
// db must already have the schema applied (see pkg/store.Open).
func NewStore(db *sqlx.DB, dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create template dir: %w", err)
	}
	return &Store{db: db, dir: dir, cache: make(map[string]image.Image)}, nil
}

// Capture crops img to rect and writes it to a new, timestamp-suffixed
// file, then points name's metadata row at it. A template is immutable
// once captured: replacing an existing name writes a new file and updates
// the row to reference it, but the old file is retained on disk rather
// than overwritten.
func (s *Store) Capture(name string, img image.Image, rect image.Rectangle) (*Template, error) {
	cropped := cropImage(img, rect)
	path := s.newPath(name)

	if err := atomicWritePNG(path, cropped); err != nil {
		return nil, fmt.Errorf("write template %s: %w", name, err)
	}

	bounds := cropped.Bounds()
	tmpl := &Template{Name: name, Path: path, Width: bounds.Dx(), Height: bounds.Dy()}

	res, err := s.db.NamedExec(
		`INSERT INTO templates (name, file_path, width, height) VALUES (:name, :file_path, :width, :height)
		 ON CONFLICT(name) DO UPDATE SET file_path = excluded.file_path, width = excluded.width, height = excluded.height`,
		tmpl,
	)
	if err != nil {
		return nil, fmt.Errorf("save template metadata: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil && id != 0 {
		tmpl.ID = id
	} else {
		if err := s.db.Get(&tmpl.ID, `SELECT id FROM templates WHERE name = ?`, name); err != nil {
			return nil, fmt.Errorf("read back template id: %w", err)
		}
	}

	s.mu.Lock()
	s.cache[name] = cropped
	s.mu.Unlock()

	return tmpl, nil
}

// List returns every template's metadata, ordered by name.
func (s *Store) List() ([]Template, error) {
	var rows []Template
	if err := s.db.Select(&rows, `SELECT id, name, file_path, width, height FROM templates ORDER BY name ASC`); err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	return rows, nil
}

// Load decodes a named template's pixels, serving from the in-memory cache
// when possible.
func (s *Store) Load(name string) (image.Image, error) {
	s.mu.RLock()
	img, ok := s.cache[name]
	s.mu.RUnlock()
	if ok {
		return img, nil
	}

	var row Template
	if err := s.db.Get(&row, `SELECT id, name, file_path, width, height FROM templates WHERE name = ?`, name); err != nil {
		return nil, fmt.Errorf("unknown template %q: %w", name, err)
	}

	f, err := os.Open(row.Path)
	if err != nil {
		return nil, fmt.Errorf("open template %q: %w", name, err)
	}
	defer f.Close()

	decoded, err := png.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode template %q: %w", name, err)
	}

	s.mu.Lock()
	s.cache[name] = decoded
	s.mu.Unlock()

	return decoded, nil
}

// Delete removes a template's current file and metadata row. Earlier
// superseded files from prior Capture calls under the same name are left
// on disk, per Capture's retention invariant.
func (s *Store) Delete(name string) error {
	var row Template
	if err := s.db.Get(&row, `SELECT id, name, file_path, width, height FROM templates WHERE name = ?`, name); err != nil {
		return fmt.Errorf("unknown template %q: %w", name, err)
	}
	if _, err := s.db.Exec(`DELETE FROM templates WHERE name = ?`, name); err != nil {
		return fmt.Errorf("delete template metadata %q: %w", name, err)
	}
	s.mu.Lock()
	delete(s.cache, name)
	s.mu.Unlock()
	return os.Remove(row.Path)
}

// captureSeq disambiguates Capture calls for the same name that land
// within the same clock tick, so newPath never collides.
var captureSeq uint64

// newPath returns a fresh, never-reused path for name, so replacing a
// template never touches the bytes of a previous capture.
func (s *Store) newPath(name string) string {
	seq := atomic.AddUint64(&captureSeq, 1)
	return filepath.Join(s.dir, fmt.Sprintf("%s-%d-%d.png", name, time.Now().UnixNano(), seq))
}

func cropImage(img image.Image, rect image.Rectangle) image.Image {
	type subImager interface {
		SubImage(r image.Rectangle) image.Image
	}
	if si, ok := img.(subImager); ok {
		sub := si.SubImage(rect)
		out := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
		for y := 0; y < rect.Dy(); y++ {
			for x := 0; x < rect.Dx(); x++ {
				out.Set(x, y, sub.At(rect.Min.X+x, rect.Min.Y+y))
			}
		}
		return out
	}
	out := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	for y := 0; y < rect.Dy(); y++ {
		for x := 0; x < rect.Dx(); x++ {
			out.Set(x, y, img.At(rect.Min.X+x, rect.Min.Y+y))
		}
	}
	return out
}

// atomicWritePNG writes an image to path via write-to-temp-then-rename, the
// same pattern the teacher uses for report files.
func atomicWritePNG(path string, img image.Image) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	tmpPath := path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	if runtime.GOOS == "windows" {
		os.Remove(path)
	}
	return os.Rename(tmpPath, path)
}
