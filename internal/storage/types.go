package storage

import (
	"errors"
	"time"
)

var (
	// ErrSettingsConflict reports a CAS loop that exhausted its attempts.
	// The triggering mutation failed; callers surface it, they do not retry.
	ErrSettingsConflict = errors.New("settings mutation conflict")

	ErrReminderNotFound = errors.New("reminder not found")
)

// Config configures the SQLite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

type ReminderStatus string

const (
	StatusPending   ReminderStatus = "pending"
	StatusSent      ReminderStatus = "sent"
	StatusCancelled ReminderStatus = "cancelled"
)

// Reminder is one scheduled (or historical) reminder row.
//
// TriggerID and PanelID are Telegram message IDs; zero means absent and is
// stored as NULL. Tag is the normalized service tag ("" for the tag-less
// lineage) and is part of the supersede key together with ChatID.
type Reminder struct {
	ID          string
	ChatID      int64
	ThreadID    int
	TriggerID   int
	PanelID     int
	Tag         string
	ScheduledAt time.Time
	Status      ReminderStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CreateReminderParams carries the fields of a new pending reminder.
type CreateReminderParams struct {
	ChatID      int64
	ThreadID    int
	TriggerID   int
	PanelID     int
	Tag         string
	ScheduledAt time.Time
}

// ChatSettings is the per-chat notification configuration blob.
//
// ThreadID pins notifications to one forum topic: when set, detections in
// other topics are ignored. MentionUsers keeps insertion order; uniqueness
// is enforced by the mutation layer, not by storage.
type ChatSettings struct {
	Enabled      bool    `json:"enabled"`
	ThreadID     *int    `json:"thread_id,omitempty"`
	MentionTag   string  `json:"mention_tag,omitempty"`
	MentionUsers []int64 `json:"mention_users,omitempty"`
}

// Clone returns a deep copy safe for a mutator to edit.
func (s *ChatSettings) Clone() *ChatSettings {
	if s == nil {
		return nil
	}
	cp := *s
	if s.ThreadID != nil {
		tid := *s.ThreadID
		cp.ThreadID = &tid
	}
	cp.MentionUsers = append([]int64(nil), s.MentionUsers...)
	return &cp
}
