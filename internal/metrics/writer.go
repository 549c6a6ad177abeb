package metrics

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	filePrefix    = "scheduler-metrics-"
	fileExtension = ".jsonl"
)

// record is one persisted JSONL line. Every line carries a type tag.
type record struct {
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	TaskID    string         `json:"task_id,omitempty"`
	Provider  string         `json:"provider,omitempty"`
	Model     string         `json:"model,omitempty"`
	Priority  string         `json:"priority,omitempty"`
	Source    string         `json:"source,omitempty"`
	Success   *bool          `json:"success,omitempty"`
	Aborted   bool           `json:"aborted,omitempty"`
	WaitMs    int64          `json:"wait_ms,omitempty"`
	ExecMs    int64          `json:"exec_ms,omitempty"`
	Snapshot  *Snapshot      `json:"snapshot,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Writer appends JSONL records to a daily metrics file, rotating the
// current file with a timestamp suffix once it exceeds maxSize and pruning
// the oldest files beyond the retention count.
type Writer struct {
	dir       string
	maxSize   int64
	retention int

	mu   sync.Mutex
	file *os.File
	size int64
	date string
}

// NewWriter creates the metrics directory recursively and opens today's
// file lazily on first write.
func NewWriter(dir string, maxSize int64, retention int) (*Writer, error) {
	if dir == "" {
		dir = ".pi/metrics"
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create metrics dir: %w", err)
	}
	if maxSize <= 0 {
		maxSize = 10 * 1024 * 1024
	}
	if retention <= 0 {
		retention = 7
	}
	return &Writer{dir: dir, maxSize: maxSize, retention: retention}, nil
}

// Write appends one record as a JSON line.
func (w *Writer) Write(r record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal metrics record: %w", err)
	}
	data = append(data, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()

	today := time.Now().Format("2006-01-02")
	if w.file == nil || w.date != today {
		if err := w.openLocked(today); err != nil {
			return err
		}
	}

	if w.size+int64(len(data)) > w.maxSize {
		if err := w.rotateLocked(); err != nil {
			return fmt.Errorf("rotate metrics log: %w", err)
		}
	}

	n, err := w.file.Write(data)
	if err != nil {
		return fmt.Errorf("write metrics record: %w", err)
	}
	w.size += int64(n)
	return nil
}

// Close closes the current file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

func (w *Writer) currentPath() string {
	return filepath.Join(w.dir, filePrefix+w.date+fileExtension)
}

func (w *Writer) openLocked(date string) error {
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}
	w.date = date

	f, err := os.OpenFile(w.currentPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open metrics log: %w", err)
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat metrics log: %w", err)
	}
	w.file = f
	w.size = stat.Size()
	return nil
}

// rotateLocked renames the current file with a timestamp suffix, opens a
// fresh one, and prunes old files beyond the retention count.
func (w *Writer) rotateLocked() error {
	if err := w.file.Close(); err != nil {
		return err
	}
	w.file = nil

	// The nanosecond component keeps two rotations within the same second
	// from renaming onto each other.
	now := time.Now()
	rotated := filepath.Join(w.dir,
		fmt.Sprintf("%s%s.%s-%09d%s", filePrefix, w.date, now.Format("150405"), now.Nanosecond(), fileExtension))
	if err := os.Rename(w.currentPath(), rotated); err != nil {
		return err
	}

	if err := w.openLocked(w.date); err != nil {
		return err
	}

	w.pruneLocked()
	return nil
}

// pruneLocked deletes the oldest metrics files beyond the retention count.
// Best-effort: removal errors are ignored.
func (w *Writer) pruneLocked() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return
	}

	type candidate struct {
		name string
		mod  time.Time
	}
	var files []candidate
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileExtension) {
			continue
		}
		if name == filePrefix+w.date+fileExtension {
			continue // never prune the live file
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, candidate{name: name, mod: info.ModTime()})
	}

	if len(files) <= w.retention {
		return
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mod.Before(files[j].mod) })
	for _, f := range files[:len(files)-w.retention] {
		_ = os.Remove(filepath.Join(w.dir, f.name))
	}
}
