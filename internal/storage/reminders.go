package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const timeFormat = time.RFC3339Nano

const reminderColumns = `id, chat_id, thread_id, trigger_id, panel_id, tag, scheduled_at, status, created_at, updated_at`

// CreateReminder cancels every pending reminder for the (chat, tag) key and
// inserts the new pending row, both inside one transaction. The ordering is
// load-bearing: cancel-then-insert in the same transaction is what keeps two
// pending rows for one key from ever coexisting.
func (s *Store) CreateReminder(ctx context.Context, p CreateReminderParams) (*Reminder, error) {
	now := time.Now().UTC()
	r := &Reminder{
		ID:          uuid.NewString(),
		ChatID:      p.ChatID,
		ThreadID:    p.ThreadID,
		TriggerID:   p.TriggerID,
		PanelID:     p.PanelID,
		Tag:         p.Tag,
		ScheduledAt: p.ScheduledAt.UTC(),
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin create reminder: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`UPDATE reminders SET status = ?, updated_at = ?
		 WHERE chat_id = ? AND tag = ? AND status = ?`,
		StatusCancelled, now.Format(timeFormat),
		p.ChatID, p.Tag, StatusPending,
	)
	if err != nil {
		return nil, fmt.Errorf("supersede pending reminders: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO reminders (`+reminderColumns+`)
		 VALUES (?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.ChatID, r.ThreadID, nullInt(r.TriggerID), nullInt(r.PanelID), r.Tag,
		r.ScheduledAt.Format(timeFormat), r.Status,
		r.CreatedAt.Format(timeFormat), r.UpdatedAt.Format(timeFormat),
	)
	if err != nil {
		return nil, fmt.Errorf("insert reminder: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit create reminder: %w", err)
	}
	return r, nil
}

// PendingByChat returns the pending reminders for one chat, earliest first.
func (s *Store) PendingByChat(ctx context.Context, chatID int64) ([]Reminder, error) {
	return s.queryReminders(ctx,
		`SELECT `+reminderColumns+` FROM reminders
		 WHERE chat_id = ? AND status = ? ORDER BY scheduled_at ASC`,
		chatID, StatusPending,
	)
}

// AllPending returns every pending reminder ordered by scheduled_at ascending,
// so callers rearm earlier-due reminders first.
func (s *Store) AllPending(ctx context.Context) ([]Reminder, error) {
	return s.queryReminders(ctx,
		`SELECT `+reminderColumns+` FROM reminders
		 WHERE status = ? ORDER BY scheduled_at ASC`,
		StatusPending,
	)
}

// UpdateReminderStatus transitions one reminder to the given status.
func (s *Store) UpdateReminderStatus(ctx context.Context, id string, status ReminderStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC().Format(timeFormat), id,
	)
	if err != nil {
		return fmt.Errorf("update reminder status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrReminderNotFound
	}
	return nil
}

// CancelByChat marks every pending reminder of a chat cancelled.
func (s *Store) CancelByChat(ctx context.Context, chatID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET status = ?, updated_at = ?
		 WHERE chat_id = ? AND status = ?`,
		StatusCancelled, time.Now().UTC().Format(timeFormat), chatID, StatusPending,
	)
	if err != nil {
		return 0, fmt.Errorf("cancel reminders by chat: %w", err)
	}
	return res.RowsAffected()
}

// CancelByChatAndThread marks pending reminders of one chat topic cancelled.
func (s *Store) CancelByChatAndThread(ctx context.Context, chatID int64, threadID int) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET status = ?, updated_at = ?
		 WHERE chat_id = ? AND thread_id = ? AND status = ?`,
		StatusCancelled, time.Now().UTC().Format(timeFormat), chatID, threadID, StatusPending,
	)
	if err != nil {
		return 0, fmt.Errorf("cancel reminders by chat+thread: %w", err)
	}
	return res.RowsAffected()
}

// CleanupReminders deletes sent/cancelled rows older than the retention
// window. Pending rows are excluded unconditionally: a reminder that has not
// been rearmed yet must never be destroyed by age.
func (s *Store) CleanupReminders(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM reminders
		 WHERE status != ? AND updated_at < ?`,
		StatusPending, cutoff.Format(timeFormat),
	)
	if err != nil {
		return 0, fmt.Errorf("cleanup reminders: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) queryReminders(ctx context.Context, query string, args ...any) ([]Reminder, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query reminders: %w", err)
	}
	defer rows.Close()

	var out []Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanReminder(rows *sql.Rows) (Reminder, error) {
	var (
		r                  Reminder
		triggerID, panelID sql.NullInt64
		scheduledAt        string
		createdAt          string
		updatedAt          string
	)
	err := rows.Scan(&r.ID, &r.ChatID, &r.ThreadID, &triggerID, &panelID, &r.Tag,
		&scheduledAt, &r.Status, &createdAt, &updatedAt)
	if err != nil {
		return Reminder{}, fmt.Errorf("scan reminder: %w", err)
	}
	r.TriggerID = int(triggerID.Int64)
	r.PanelID = int(panelID.Int64)
	if r.ScheduledAt, err = parseTime(scheduledAt); err != nil {
		return Reminder{}, err
	}
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return Reminder{}, err
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Reminder{}, err
	}
	return r, nil
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(timeFormat, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", v, err)
	}
	return t, nil
}

func nullInt(v int) any {
	if v == 0 {
		return nil
	}
	return v
}
