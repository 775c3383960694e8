// Package queue implements AccountQueue: a single-mutex FIFO of account
// tasks plus a filename index, per spec §4.7. Snapshot reads return a
// deep copy, mirroring the teacher's Consumer.Poll/ReadIndex copy-out
// discipline in pkg/report/consumer.go.
package queue

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Task is one account state file moving through the queue.
type Task struct {
	Filename        string
	Filepath        string
	Processed       bool
	Success         bool
	ErrorMessage    string
	RunningOnDevice string // empty when unclaimed
}

// Queue is a FIFO of Tasks indexed by filename, with atomic claim/complete
// semantics under a single mutex (spec §5's AccountQueue shared-resource
// policy).
type Queue struct {
	mu    sync.Mutex
	order []string // filenames, in FIFO order
	tasks map[string]*Task
}

// New returns an empty Queue.
func New() *Queue {
	return &Queue{tasks: make(map[string]*Task)}
}

// Load scans folder for files with ext (default ".xml" if ext is empty),
// resets the queue, and enqueues them in lexicographic order.
func (q *Queue) Load(folder, ext string) (int, error) {
	if ext == "" {
		ext = ".xml"
	}

	matches, err := filepath.Glob(filepath.Join(folder, "*"+ext))
	if err != nil {
		return 0, fmt.Errorf("scan %s: %w", folder, err)
	}
	sort.Strings(matches)

	q.mu.Lock()
	defer q.mu.Unlock()

	q.order = q.order[:0]
	q.tasks = make(map[string]*Task, len(matches))
	for _, path := range matches {
		name := filepath.Base(path)
		q.tasks[name] = &Task{Filename: name, Filepath: path}
		q.order = append(q.order, name)
	}

	return len(q.order), nil
}

// Claim pops the first unprocessed, unclaimed task and assigns it to
// serial. Returns nil if the queue is drained of claimable work.
func (q *Queue) Claim(serial string) *Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, name := range q.order {
		t := q.tasks[name]
		if !t.Processed && t.RunningOnDevice == "" {
			t.RunningOnDevice = serial
			cp := *t
			return &cp
		}
	}
	return nil
}

// Complete marks filename processed with the given outcome and clears its
// device claim.
func (q *Queue) Complete(filename string, success bool, errMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[filename]
	if !ok {
		return fmt.Errorf("complete: unknown task %q", filename)
	}
	t.Processed = true
	t.Success = success
	t.ErrorMessage = errMsg
	t.RunningOnDevice = ""
	return nil
}

// ResetRunning clears RunningOnDevice on every incomplete task, for
// resume-after-crash per spec §4.8.
func (q *Queue) ResetRunning() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, t := range q.tasks {
		if !t.Processed {
			t.RunningOnDevice = ""
		}
	}
}

// MarkBugged deletes filename's file from disk and drops it from the
// queue if it was never processed.
func (q *Queue) MarkBugged(filename string) error {
	q.mu.Lock()
	t, ok := q.tasks[filename]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("mark bugged: unknown task %q", filename)
	}
	path := t.Filepath
	if !t.Processed {
		delete(q.tasks, filename)
		for i, name := range q.order {
			if name == filename {
				q.order = append(q.order[:i], q.order[i+1:]...)
				break
			}
		}
	}
	q.mu.Unlock()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

// Snapshot returns a deep copy of every task, in FIFO order.
func (q *Queue) Snapshot() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Task, 0, len(q.order))
	for _, name := range q.order {
		out = append(out, *q.tasks[name])
	}
	return out
}

// Counts summarizes queue progress: processed successes, processed
// failures, and unprocessed remaining.
type Counts struct {
	Succeeded int
	Failed    int
	Remaining int
}

// Progress returns the queue's current Counts.
func (q *Queue) Progress() Counts {
	q.mu.Lock()
	defer q.mu.Unlock()

	var c Counts
	for _, name := range q.order {
		t := q.tasks[name]
		switch {
		case !t.Processed:
			c.Remaining++
		case t.Success:
			c.Succeeded++
		default:
			c.Failed++
		}
	}
	return c
}

// Len returns the total number of tasks currently tracked.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}
