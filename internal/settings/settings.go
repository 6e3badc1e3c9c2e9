// Package settings exposes the per-chat notification configuration
// operations. Every mutation is one CAS mutator closure against the storage
// layer; idempotent no-ops take the skip path and never write.
package settings

import (
	"context"

	"remindbot/internal/storage"
	"remindbot/pkg/logx"
)

// Outcome reports what a mutation actually did.
type Outcome int

const (
	Updated Outcome = iota
	Added
	AlreadyExists
	Removed
	NotFound
	Cleared
	AlreadyEmpty
)

func (o Outcome) String() string {
	switch o {
	case Updated:
		return "updated"
	case Added:
		return "added"
	case AlreadyExists:
		return "already_exists"
	case Removed:
		return "removed"
	case NotFound:
		return "not_found"
	case Cleared:
		return "cleared"
	case AlreadyEmpty:
		return "already_empty"
	default:
		return "unknown"
	}
}

type Service struct {
	store *storage.Store
	log   logx.Logger
}

func New(store *storage.Store, log logx.Logger) *Service {
	return &Service{store: store, log: log}
}

func (s *Service) Get(ctx context.Context, chatID int64) (*storage.ChatSettings, error) {
	return s.store.GetSettings(ctx, chatID)
}

// SetEnabled switches the reminder feature on or off for a chat.
func (s *Service) SetEnabled(ctx context.Context, chatID int64, enabled bool) error {
	return s.store.MutateSettings(ctx, chatID, func(cur *storage.ChatSettings) (storage.SettingsMutation, error) {
		if cur.Enabled == enabled {
			return storage.SettingsMutation{Skip: true}, nil
		}
		cur.Enabled = enabled
		return storage.SettingsMutation{Next: cur}, nil
	})
}

// PinThread restricts detections and notifications to one forum topic.
func (s *Service) PinThread(ctx context.Context, chatID int64, threadID int) error {
	return s.store.MutateSettings(ctx, chatID, func(cur *storage.ChatSettings) (storage.SettingsMutation, error) {
		if cur.ThreadID != nil && *cur.ThreadID == threadID {
			return storage.SettingsMutation{Skip: true}, nil
		}
		cur.ThreadID = &threadID
		return storage.SettingsMutation{Next: cur}, nil
	})
}

// ClearThread removes the topic pin so every topic is eligible again.
func (s *Service) ClearThread(ctx context.Context, chatID int64) error {
	return s.store.MutateSettings(ctx, chatID, func(cur *storage.ChatSettings) (storage.SettingsMutation, error) {
		if cur.ThreadID == nil {
			return storage.SettingsMutation{Skip: true}, nil
		}
		cur.ThreadID = nil
		return storage.SettingsMutation{Next: cur}, nil
	})
}

// SetMentionTag sets the free-form mention prefix; an empty tag clears it.
func (s *Service) SetMentionTag(ctx context.Context, chatID int64, tag string) error {
	return s.store.MutateSettings(ctx, chatID, func(cur *storage.ChatSettings) (storage.SettingsMutation, error) {
		if cur.MentionTag == tag {
			return storage.SettingsMutation{Skip: true}, nil
		}
		cur.MentionTag = tag
		return storage.SettingsMutation{Next: cur}, nil
	})
}

// ClearMentionTag removes the mention tag, keeping the user list intact.
func (s *Service) ClearMentionTag(ctx context.Context, chatID int64) error {
	return s.SetMentionTag(ctx, chatID, "")
}

// AddMentionUser appends a user to the mention list.
// Returns Added, or AlreadyExists without writing.
func (s *Service) AddMentionUser(ctx context.Context, chatID, userID int64) (Outcome, error) {
	out := Added
	err := s.store.MutateSettings(ctx, chatID, func(cur *storage.ChatSettings) (storage.SettingsMutation, error) {
		for _, u := range cur.MentionUsers {
			if u == userID {
				out = AlreadyExists
				return storage.SettingsMutation{Skip: true}, nil
			}
		}
		out = Added
		cur.MentionUsers = append(cur.MentionUsers, userID)
		return storage.SettingsMutation{Next: cur}, nil
	})
	if err != nil {
		return out, err
	}
	return out, nil
}

// RemoveMentionUser removes a user from the mention list.
// Returns Removed, or NotFound without writing.
func (s *Service) RemoveMentionUser(ctx context.Context, chatID, userID int64) (Outcome, error) {
	out := Removed
	err := s.store.MutateSettings(ctx, chatID, func(cur *storage.ChatSettings) (storage.SettingsMutation, error) {
		idx := -1
		for i, u := range cur.MentionUsers {
			if u == userID {
				idx = i
				break
			}
		}
		if idx < 0 {
			out = NotFound
			return storage.SettingsMutation{Skip: true}, nil
		}
		out = Removed
		cur.MentionUsers = append(cur.MentionUsers[:idx], cur.MentionUsers[idx+1:]...)
		return storage.SettingsMutation{Next: cur}, nil
	})
	if err != nil {
		return out, err
	}
	return out, nil
}

// ClearMentionUsers empties the mention list.
// Returns Cleared, or AlreadyEmpty without writing.
func (s *Service) ClearMentionUsers(ctx context.Context, chatID int64) (Outcome, error) {
	out := Cleared
	err := s.store.MutateSettings(ctx, chatID, func(cur *storage.ChatSettings) (storage.SettingsMutation, error) {
		if len(cur.MentionUsers) == 0 {
			out = AlreadyEmpty
			return storage.SettingsMutation{Skip: true}, nil
		}
		out = Cleared
		cur.MentionUsers = nil
		return storage.SettingsMutation{Next: cur}, nil
	})
	if err != nil {
		return out, err
	}
	return out, nil
}

// ClearAllMentions drops both the mention tag and the user list.
// Returns Cleared, or AlreadyEmpty without writing.
func (s *Service) ClearAllMentions(ctx context.Context, chatID int64) (Outcome, error) {
	out := Cleared
	err := s.store.MutateSettings(ctx, chatID, func(cur *storage.ChatSettings) (storage.SettingsMutation, error) {
		if cur.MentionTag == "" && len(cur.MentionUsers) == 0 {
			out = AlreadyEmpty
			return storage.SettingsMutation{Skip: true}, nil
		}
		out = Cleared
		cur.MentionTag = ""
		cur.MentionUsers = nil
		return storage.SettingsMutation{Next: cur}, nil
	})
	if err != nil {
		return out, err
	}
	return out, nil
}
