package model

import "time"

// Checkpoint is a TTL-bounded snapshot of task state, persisted one file per
// checkpoint as <dir>/<id>.checkpoint.json. The "current" checkpoint for a
// task id is the most recently created non-deleted one.
type Checkpoint struct {
	ID       string   `json:"id"`
	TaskID   string   `json:"taskId"`
	Source   Source   `json:"source"`
	Provider string   `json:"provider"`
	Model    string   `json:"model"`
	Priority Priority `json:"priority"`

	// State is the opaque task payload. The manager round-trips it through
	// JSON without interpreting it.
	State    any     `json:"state"`
	Progress float64 `json:"progress"`

	CreatedAt time.Time         `json:"createdAt"`
	TTLMillis int64             `json:"ttlMs"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Expired reports whether the checkpoint's TTL has elapsed at the given time.
func (c Checkpoint) Expired(now time.Time) bool {
	return now.After(c.CreatedAt.Add(time.Duration(c.TTLMillis) * time.Millisecond))
}

// ClampProgress normalizes progress into [0,1].
func (c *Checkpoint) ClampProgress() {
	if c.Progress < 0 {
		c.Progress = 0
	} else if c.Progress > 1 {
		c.Progress = 1
	}
}
