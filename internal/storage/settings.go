package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"remindbot/pkg/logx"
)

// settingsAttempts bounds the CAS loop. Exceeding it surfaces
// ErrSettingsConflict; the caller's mutation fails, it is not retried again.
const settingsAttempts = 3

// SettingsMutation is what a mutator returns: the full replacement blob, or
// Skip=true when the mutation is a semantic no-op and nothing should be
// written (idempotent add/remove paths use this so they never manufacture
// spurious write conflicts).
type SettingsMutation struct {
	Next *ChatSettings
	Skip bool
}

// SettingsMutator applies one semantic change to a copy of the current blob.
// It must be pure: it can run several times when the CAS write loses a race.
type SettingsMutator func(cur *ChatSettings) (SettingsMutation, error)

func defaultSettings() *ChatSettings {
	return &ChatSettings{Enabled: false}
}

// GetSettings returns the chat's settings blob, or defaults when the chat
// has never been configured.
func (s *Store) GetSettings(ctx context.Context, chatID int64) (*ChatSettings, error) {
	raw, state, err := s.readSettingsRaw(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if state != settingsRowReady {
		return defaultSettings(), nil
	}
	var cfg ChatSettings
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, fmt.Errorf("decode settings blob: %w", err)
	}
	return &cfg, nil
}

// MutateSettings applies fn to the chat's settings blob under optimistic
// concurrency: read, mutate a copy, then write back only if the stored blob
// still equals the exact raw value read. Lost races re-run fn against a
// fresh read, up to settingsAttempts times.
func (s *Store) MutateSettings(ctx context.Context, chatID int64, fn SettingsMutator) error {
	initial, err := json.Marshal(defaultSettings())
	if err != nil {
		return fmt.Errorf("encode initial settings: %w", err)
	}

	for attempt := 0; attempt < settingsAttempts; attempt++ {
		raw, state, err := s.readSettingsRaw(ctx, chatID)
		if err != nil {
			return err
		}

		switch state {
		case settingsRowMissing:
			// Race-safe create: if another writer wins the insert, the next
			// iteration reads their row.
			_, err := s.db.ExecContext(ctx,
				`INSERT OR IGNORE INTO chat_settings (chat_id, blob) VALUES (?, ?)`,
				chatID, string(initial),
			)
			if err != nil {
				return fmt.Errorf("create settings row: %w", err)
			}
			continue

		case settingsRowUnset:
			// Row exists but the blob was never initialized. Conditional
			// init: zero rows affected means another writer got there first.
			res, err := s.db.ExecContext(ctx,
				`UPDATE chat_settings SET blob = ? WHERE chat_id = ? AND blob IS NULL`,
				string(initial), chatID,
			)
			if err != nil {
				return fmt.Errorf("initialize settings blob: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				s.log.Debug("settings init lost race", logx.Int64("chat_id", chatID))
			}
			continue
		}

		var cur ChatSettings
		if err := json.Unmarshal([]byte(raw), &cur); err != nil {
			return fmt.Errorf("decode settings blob: %w", err)
		}

		m, err := fn(cur.Clone())
		if err != nil {
			return err
		}
		if m.Skip {
			return nil
		}
		if m.Next == nil {
			return errors.New("settings mutator returned no result")
		}

		next, err := json.Marshal(m.Next)
		if err != nil {
			return fmt.Errorf("encode settings blob: %w", err)
		}

		// Conditional write: only if the blob is still exactly what we read.
		res, err := s.db.ExecContext(ctx,
			`UPDATE chat_settings SET blob = ? WHERE chat_id = ? AND blob = ?`,
			string(next), chatID, raw,
		)
		if err != nil {
			return fmt.Errorf("write settings blob: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
		s.log.Debug("settings write lost race", logx.Int64("chat_id", chatID), logx.Int("attempt", attempt+1))
	}

	return fmt.Errorf("chat %d: %w", chatID, ErrSettingsConflict)
}

type settingsRowState int

const (
	settingsRowMissing settingsRowState = iota
	settingsRowUnset
	settingsRowReady
)

func (s *Store) readSettingsRaw(ctx context.Context, chatID int64) (string, settingsRowState, error) {
	var blob sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT blob FROM chat_settings WHERE chat_id = ?`, chatID,
	).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return "", settingsRowMissing, nil
	}
	if err != nil {
		return "", settingsRowMissing, fmt.Errorf("read settings: %w", err)
	}
	if !blob.Valid {
		return "", settingsRowUnset, nil
	}
	return blob.String, settingsRowReady, nil
}
