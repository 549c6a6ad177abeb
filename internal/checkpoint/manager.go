// Package checkpoint persists, retrieves, and expires serialized task-state
// snapshots, one JSON file per checkpoint under a configurable directory.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/piworks/agentsched/internal/events"
	"github.com/piworks/agentsched/internal/model"
)

const fileSuffix = ".checkpoint.json"

// ErrClosed is returned by Save after Close.
var ErrClosed = errors.New("checkpoint manager closed")

// SaveResult reports where a checkpoint landed.
type SaveResult struct {
	CheckpointID string
	Path         string
}

// Stats summarizes the checkpoint directory.
type Stats struct {
	Total      int
	TotalBytes int64
	Oldest     time.Time
	Newest     time.Time
	BySource   map[model.Source]int
	ByPriority map[model.Priority]int
	Expired    int
}

// Manager owns one checkpoint directory. All operations are safe for
// concurrent use. Directory contents stay authoritative; the in-memory
// task-id index is an optimization kept fresh by local writes and, when
// watching is enabled, by fsnotify events from external writers.
type Manager struct {
	dir        string
	defaultTTL time.Duration
	maxKept    int
	logger     zerolog.Logger
	bus        *events.Bus

	mu     sync.Mutex
	index  map[string]map[string]struct{} // task id -> checkpoint ids
	closed bool

	watcher *watcher
	janitor *cron.Cron
}

// Option configures optional manager collaborators.
type Option func(*Manager)

// WithLogger attaches a logger; the default discards everything.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithBus publishes checkpoint_saved events to the given bus.
func WithBus(bus *events.Bus) Option {
	return func(m *Manager) { m.bus = bus }
}

// NewManager creates a manager rooted at cfg.Dir, creating the directory
// recursively. When cfg.WatchDir is set, a filesystem watcher keeps the
// index in sync with external writers. The TTL janitor is not started here;
// call StartJanitor.
func NewManager(cfg model.CheckpointConfig, opts ...Option) (*Manager, error) {
	dir := cfg.Dir
	if dir == "" {
		dir = ".pi/checkpoints"
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}

	ttl := time.Duration(cfg.DefaultTTLMs) * time.Millisecond
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	maxKept := cfg.MaxCheckpoints
	if maxKept <= 0 {
		maxKept = 100
	}

	m := &Manager{
		dir:        dir,
		defaultTTL: ttl,
		maxKept:    maxKept,
		logger:     zerolog.Nop(),
		index:      make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.rebuildIndex()

	if cfg.WatchDir {
		w, err := newWatcher(m)
		if err != nil {
			return nil, fmt.Errorf("watch checkpoint dir: %w", err)
		}
		m.watcher = w
	}

	return m, nil
}

// StartJanitor runs Cleanup on the given interval in the background.
// Calling it again is a no-op; Close stops the janitor.
func (m *Manager) StartJanitor(interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.janitor != nil || m.closed {
		return
	}
	c := cron.New()
	c.Schedule(cron.Every(interval), cron.FuncJob(func() {
		n := m.Cleanup()
		if n > 0 {
			m.logger.Info().Int("removed", n).Msg("checkpoint_cleanup")
		}
	}))
	c.Start()
	m.janitor = c
}

// Close stops the janitor and the directory watcher.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	janitor := m.janitor
	m.janitor = nil
	w := m.watcher
	m.watcher = nil
	m.mu.Unlock()

	if janitor != nil {
		janitor.Stop()
	}
	if w != nil {
		w.close()
	}
}

// Save persists a checkpoint. A missing id is generated, progress is
// clamped to [0,1], and a missing TTL gets the manager default. After a
// successful write the retention cap is enforced: sorted by createdAt
// descending, every checkpoint beyond the cap is deleted.
func (m *Manager) Save(cp model.Checkpoint) (SaveResult, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return SaveResult{}, ErrClosed
	}
	m.mu.Unlock()

	if cp.ID == "" {
		id, err := model.GenerateID(model.IDTypeCheckpoint)
		if err != nil {
			return SaveResult{}, fmt.Errorf("generate checkpoint id: %w", err)
		}
		cp.ID = id
	}
	cp.ClampProgress()
	if cp.TTLMillis <= 0 {
		cp.TTLMillis = m.defaultTTL.Milliseconds()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}

	path := m.pathFor(cp.ID)
	if err := writeJSONAtomic(path, cp); err != nil {
		return SaveResult{}, fmt.Errorf("write checkpoint %s: %w", cp.ID, err)
	}

	m.indexAdd(cp.TaskID, cp.ID)
	m.enforceRetention()

	m.logger.Debug().
		Str("checkpoint_id", cp.ID).
		Str("task_id", cp.TaskID).
		Float64("progress", cp.Progress).
		Msg("checkpoint_saved")

	if m.bus != nil {
		m.bus.Publish(events.Event{
			Type:     events.EventCheckpointSaved,
			TaskID:   cp.TaskID,
			Provider: cp.Provider,
			Model:    cp.Model,
			Priority: cp.Priority,
			Data:     map[string]any{"checkpoint_id": cp.ID, "progress": cp.Progress},
		})
	}

	return SaveResult{CheckpointID: cp.ID, Path: path}, nil
}

// Load returns the most recently created checkpoint for a task id, or nil
// when none exists. Malformed files are skipped, never surfaced as errors.
func (m *Manager) Load(taskID string) *model.Checkpoint {
	var candidates []model.Checkpoint

	if ids := m.indexedIDs(taskID); ids != nil {
		for _, id := range ids {
			if cp := m.LoadByID(id); cp != nil && cp.TaskID == taskID {
				candidates = append(candidates, *cp)
			}
		}
	} else {
		for _, cp := range m.scan() {
			if cp.TaskID == taskID {
				candidates = append(candidates, cp)
			}
		}
	}

	if len(candidates) == 0 {
		return nil
	}
	best := candidates[0]
	for _, cp := range candidates[1:] {
		if cp.CreatedAt.After(best.CreatedAt) {
			best = cp
		}
	}
	return &best
}

// LoadByID looks a checkpoint up directly by its own id. Resumption flows
// that only hold a checkpoint id depend on this. Missing or malformed files
// read as nil.
func (m *Manager) LoadByID(checkpointID string) *model.Checkpoint {
	data, err := os.ReadFile(m.pathFor(checkpointID))
	if err != nil {
		return nil
	}
	var cp model.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil
	}
	return &cp
}

// Delete removes every checkpoint for a task id. Returns whether at least
// one file was removed.
func (m *Manager) Delete(taskID string) bool {
	removed := false
	for _, cp := range m.scan() {
		if cp.TaskID != taskID {
			continue
		}
		if err := os.Remove(m.pathFor(cp.ID)); err == nil {
			removed = true
		}
		m.indexRemove(cp.TaskID, cp.ID)
	}
	return removed
}

// List returns every checkpoint in the directory, newest first.
func (m *Manager) List() []model.Checkpoint {
	all := m.scan()
	sort.Slice(all, func(i, j int) bool {
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	return all
}

// ListExpired returns checkpoints whose TTL has elapsed.
func (m *Manager) ListExpired() []model.Checkpoint {
	now := time.Now()
	var expired []model.Checkpoint
	for _, cp := range m.scan() {
		if cp.Expired(now) {
			expired = append(expired, cp)
		}
	}
	return expired
}

// Cleanup deletes all expired checkpoints and returns the count removed.
// Deletion errors are logged and otherwise swallowed.
func (m *Manager) Cleanup() int {
	removed := 0
	for _, cp := range m.ListExpired() {
		if err := os.Remove(m.pathFor(cp.ID)); err != nil {
			m.logger.Warn().Err(err).Str("checkpoint_id", cp.ID).Msg("checkpoint_cleanup_failed")
			continue
		}
		m.indexRemove(cp.TaskID, cp.ID)
		removed++
	}
	return removed
}

// GetStats summarizes the directory contents.
func (m *Manager) GetStats() Stats {
	now := time.Now()
	stats := Stats{
		BySource:   make(map[model.Source]int),
		ByPriority: make(map[model.Priority]int),
	}
	for _, cp := range m.scan() {
		stats.Total++
		stats.BySource[cp.Source]++
		stats.ByPriority[cp.Priority]++
		if stats.Oldest.IsZero() || cp.CreatedAt.Before(stats.Oldest) {
			stats.Oldest = cp.CreatedAt
		}
		if cp.CreatedAt.After(stats.Newest) {
			stats.Newest = cp.CreatedAt
		}
		if cp.Expired(now) {
			stats.Expired++
		}
		if info, err := os.Stat(m.pathFor(cp.ID)); err == nil {
			stats.TotalBytes += info.Size()
		}
	}
	return stats
}

// Dir returns the checkpoint directory.
func (m *Manager) Dir() string {
	return m.dir
}

func (m *Manager) pathFor(checkpointID string) string {
	return filepath.Join(m.dir, checkpointID+fileSuffix)
}

// scan reads every checkpoint in the directory, skipping malformed files.
func (m *Manager) scan() []model.Checkpoint {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil
	}
	var out []model.Checkpoint
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), fileSuffix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(m.dir, entry.Name()))
		if err != nil {
			continue
		}
		var cp model.Checkpoint
		if err := json.Unmarshal(data, &cp); err != nil {
			continue
		}
		out = append(out, cp)
	}
	return out
}

// enforceRetention deletes the oldest checkpoints beyond the cap.
// Best-effort: failures are logged.
func (m *Manager) enforceRetention() {
	all := m.scan()
	if len(all) <= m.maxKept {
		return
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	for _, cp := range all[m.maxKept:] {
		if err := os.Remove(m.pathFor(cp.ID)); err != nil {
			m.logger.Warn().Err(err).Str("checkpoint_id", cp.ID).Msg("checkpoint_retention_delete_failed")
			continue
		}
		m.indexRemove(cp.TaskID, cp.ID)
	}
}

// rebuildIndex repopulates the task-id index from the directory.
func (m *Manager) rebuildIndex() {
	fresh := make(map[string]map[string]struct{})
	for _, cp := range m.scan() {
		ids := fresh[cp.TaskID]
		if ids == nil {
			ids = make(map[string]struct{})
			fresh[cp.TaskID] = ids
		}
		ids[cp.ID] = struct{}{}
	}
	m.mu.Lock()
	m.index = fresh
	m.mu.Unlock()
}

func (m *Manager) indexAdd(taskID, checkpointID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.index[taskID]
	if ids == nil {
		ids = make(map[string]struct{})
		m.index[taskID] = ids
	}
	ids[checkpointID] = struct{}{}
}

func (m *Manager) indexRemove(taskID, checkpointID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ids := m.index[taskID]; ids != nil {
		delete(ids, checkpointID)
		if len(ids) == 0 {
			delete(m.index, taskID)
		}
	}
}

// indexedIDs returns the known checkpoint ids for a task, or nil when the
// index cannot be trusted (no watcher, so external writers may have added
// files the index never saw).
func (m *Manager) indexedIDs(taskID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.watcher == nil {
		return nil
	}
	ids := m.index[taskID]
	if len(ids) == 0 {
		return nil
	}
	out := make([]string, 0, len(ids))
	for id := range ids {
		out = append(out, id)
	}
	return out
}

// writeJSONAtomic writes data as JSON via a temp file and rename so readers
// never observe a partial checkpoint.
func writeJSONAtomic(path string, v any) error {
	content, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("json marshal: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".agentsched-tmp-*.json")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}
	return nil
}
