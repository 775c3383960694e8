package workflow

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Repo is the WorkflowRepo from spec §4.5: CRUD plus an atomic set_master
// and a (mode_name, month_year) lookup.
type Repo struct {
	db *sqlx.DB
}

// NewRepo wraps an already-open, already-migrated database handle (see
// pkg/store.Open).
func NewRepo(db *sqlx.DB) *Repo {
	return &Repo{db: db}
}

type workflowRow struct {
	ID           int64          `db:"id"`
	Name         string         `db:"name"`
	Description  string         `db:"description"`
	ScreenWidth  int            `db:"screen_width"`
	ScreenHeight int            `db:"screen_height"`
	IsMaster     bool           `db:"is_master"`
	ModeName     sql.NullString `db:"mode_name"`
	MonthYear    sql.NullString `db:"month_year"`
}

// Create inserts a new workflow and its steps, and returns its assigned ID.
// If w.IsMaster is set, any prior master is atomically demoted.
func (r *Repo) Create(w *Workflow) (int64, error) {
	if err := w.Validate(); err != nil {
		return 0, err
	}

	tx, err := r.db.Beginx()
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if w.IsMaster {
		if _, err := tx.Exec(`UPDATE workflows SET is_master = 0 WHERE is_master = 1`); err != nil {
			return 0, fmt.Errorf("clear prior master: %w", err)
		}
	}

	res, err := tx.Exec(
		`INSERT INTO workflows (name, description, screen_width, screen_height, is_master, mode_name, month_year)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		w.Name, w.Description, w.ScreenWidth, w.ScreenHeight, w.IsMaster, nullable(w.ModeName), nullable(w.MonthYear),
	)
	if err != nil {
		return 0, fmt.Errorf("insert workflow: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}

	if err := insertSteps(tx, id, w.Steps); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}

	w.ID = id
	return id, nil
}

func insertSteps(tx *sqlx.Tx, workflowID int64, steps []Step) error {
	for _, s := range steps {
		b, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("marshal step: %w", err)
		}
		if _, err := tx.Exec(
			`INSERT INTO workflow_steps (workflow_id, order_index, step_json) VALUES (?, ?, ?)`,
			workflowID, s.Base().OrderIndex, string(b),
		); err != nil {
			return fmt.Errorf("insert step: %w", err)
		}
	}
	return nil
}

// Update replaces a workflow's fields and its full step list.
func (r *Repo) Update(w *Workflow) error {
	if err := w.Validate(); err != nil {
		return err
	}

	tx, err := r.db.Beginx()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if w.IsMaster {
		if _, err := tx.Exec(`UPDATE workflows SET is_master = 0 WHERE is_master = 1 AND id != ?`, w.ID); err != nil {
			return fmt.Errorf("clear prior master: %w", err)
		}
	}

	if _, err := tx.Exec(
		`UPDATE workflows SET name = ?, description = ?, screen_width = ?, screen_height = ?,
		 is_master = ?, mode_name = ?, month_year = ? WHERE id = ?`,
		w.Name, w.Description, w.ScreenWidth, w.ScreenHeight, w.IsMaster, nullable(w.ModeName), nullable(w.MonthYear), w.ID,
	); err != nil {
		return fmt.Errorf("update workflow: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM workflow_steps WHERE workflow_id = ?`, w.ID); err != nil {
		return fmt.Errorf("clear steps: %w", err)
	}
	if err := insertSteps(tx, w.ID, w.Steps); err != nil {
		return err
	}

	return tx.Commit()
}

// Delete removes a workflow and its steps (ON DELETE CASCADE).
func (r *Repo) Delete(id int64) error {
	_, err := r.db.Exec(`DELETE FROM workflows WHERE id = ?`, id)
	return err
}

// Get loads a workflow by ID with its steps in order_index order.
func (r *Repo) Get(id int64) (*Workflow, error) {
	var row workflowRow
	if err := r.db.Get(&row, `SELECT id, name, description, screen_width, screen_height, is_master, mode_name, month_year FROM workflows WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("get workflow %d: %w", id, err)
	}

	steps, err := r.loadSteps(id)
	if err != nil {
		return nil, err
	}

	return rowToWorkflow(row, steps), nil
}

func (r *Repo) loadSteps(workflowID int64) ([]Step, error) {
	var rawSteps []string
	if err := r.db.Select(&rawSteps, `SELECT step_json FROM workflow_steps WHERE workflow_id = ? ORDER BY order_index ASC`, workflowID); err != nil {
		return nil, fmt.Errorf("load steps: %w", err)
	}

	steps := make([]Step, len(rawSteps))
	for i, raw := range rawSteps {
		step, err := DecodeStep([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("decode step %d: %w", i, err)
		}
		steps[i] = step
	}
	return steps, nil
}

// List returns every workflow's metadata, without steps.
func (r *Repo) List() ([]Workflow, error) {
	var rows []workflowRow
	if err := r.db.Select(&rows, `SELECT id, name, description, screen_width, screen_height, is_master, mode_name, month_year FROM workflows ORDER BY id ASC`); err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}

	out := make([]Workflow, len(rows))
	for i, row := range rows {
		out[i] = *rowToWorkflow(row, nil)
	}
	return out, nil
}

// SetMaster atomically clears is_master on any current master and sets it
// on id, per spec §3/§4.5/§8 invariant 3.
func (r *Repo) SetMaster(id int64) error {
	tx, err := r.db.Beginx()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE workflows SET is_master = 0 WHERE is_master = 1`); err != nil {
		return fmt.Errorf("clear prior master: %w", err)
	}

	res, err := tx.Exec(`UPDATE workflows SET is_master = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("set master: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("set master: workflow %d not found", id)
	}

	return tx.Commit()
}

// FindCurrent returns the most recently created workflow for a
// (mode_name, month_year) pair, per spec §4.5. "Current" month_year
// resolution is the caller's responsibility (it passes the device-local
// calendar month as the lookup key).
func (r *Repo) FindCurrent(modeName, monthYear string) (*Workflow, error) {
	var row workflowRow
	err := r.db.Get(&row,
		`SELECT id, name, description, screen_width, screen_height, is_master, mode_name, month_year
		 FROM workflows WHERE mode_name = ? AND month_year = ? ORDER BY created_at DESC, id DESC LIMIT 1`,
		modeName, monthYear,
	)
	if err != nil {
		return nil, fmt.Errorf("find workflow for %s/%s: %w", modeName, monthYear, err)
	}

	steps, err := r.loadSteps(row.ID)
	if err != nil {
		return nil, err
	}
	return rowToWorkflow(row, steps), nil
}

// Master returns the single master workflow, if one is set.
func (r *Repo) Master() (*Workflow, error) {
	var row workflowRow
	if err := r.db.Get(&row,
		`SELECT id, name, description, screen_width, screen_height, is_master, mode_name, month_year
		 FROM workflows WHERE is_master = 1 LIMIT 1`); err != nil {
		return nil, fmt.Errorf("no master workflow set: %w", err)
	}

	steps, err := r.loadSteps(row.ID)
	if err != nil {
		return nil, err
	}
	return rowToWorkflow(row, steps), nil
}

func rowToWorkflow(row workflowRow, steps []Step) *Workflow {
	return &Workflow{
		ID:           row.ID,
		Name:         row.Name,
		Description:  row.Description,
		ScreenWidth:  row.ScreenWidth,
		ScreenHeight: row.ScreenHeight,
		IsMaster:     row.IsMaster,
		ModeName:     row.ModeName.String,
		MonthYear:    row.MonthYear.String,
		Steps:        steps,
	}
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
