package paper

import (
	"sync"

	"exam-paper-orchestrator/internal/models"
)

// Position actions shown in the progress snapshot.
const (
	ActionQueued     = "queued"
	ActionGenerating = "generating"
	ActionReviewing  = "quality_check"
	ActionSolving    = "solving"
)

// ActionBoard tracks what every running position is doing plus the finished counts.
type ActionBoard struct {
	mu        sync.Mutex
	total     int
	completed int
	skipped   int
	actions   map[int]string
	dirty     bool
}

// NewActionBoard starts a board for total positions, completed of which were restored.
func NewActionBoard(total, completed int) *ActionBoard {
	return &ActionBoard{total: total, completed: completed, actions: make(map[int]string), dirty: true}
}

func (b *ActionBoard) Set(position int, action string) {
	b.mu.Lock()
	b.actions[position] = action
	b.dirty = true
	b.mu.Unlock()
}

// Finish clears the position's action and counts it as approved or skipped.
func (b *ActionBoard) Finish(position int, approved bool) {
	b.mu.Lock()
	delete(b.actions, position)
	if approved {
		b.completed++
	} else {
		b.skipped++
	}
	b.dirty = true
	b.mu.Unlock()
}

// Snapshot copies the current progress.
func (b *ActionBoard) Snapshot() models.Progress {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

// TakeDirty returns the snapshot only if something changed since the last call.
func (b *ActionBoard) TakeDirty() (models.Progress, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.dirty {
		return models.Progress{}, false
	}
	b.dirty = false
	return b.snapshotLocked(), true
}

func (b *ActionBoard) snapshotLocked() models.Progress {
	actions := make(map[int]string, len(b.actions))
	for k, v := range b.actions {
		actions[k] = v
	}
	return models.Progress{Total: b.total, Completed: b.completed, Skipped: b.skipped, CurrentActions: actions}
}
