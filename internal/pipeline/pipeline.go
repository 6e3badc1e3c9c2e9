// Package pipeline ties a detected trigger to the scheduler and owns the
// transient panel message: sent on detection, deleted when the reminder
// fires, fails, or cannot be scheduled. A panel must never outlive its
// reminder.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"remindbot/internal/reminder"
	"remindbot/internal/settings"
	"remindbot/internal/storage"
	"remindbot/pkg/logx"
)

// Messenger is the outbound chat surface. Panel send and delete are
// best-effort; the notification send is the one call that matters.
type Messenger interface {
	SendPanel(ctx context.Context, chatID int64, threadID int, tag reminder.Tag, fireAt time.Time) (int, error)
	SendNotification(ctx context.Context, chatID int64, threadID int, replyTo int, text string) error
	DeletePanel(ctx context.Context, chatID int64, panelID int) error
}

type Pipeline struct {
	settings *settings.Service
	sched    *reminder.Scheduler
	msgr     Messenger
	log      logx.Logger

	mu    sync.RWMutex
	delay time.Duration
}

func New(set *settings.Service, sched *reminder.Scheduler, msgr Messenger, delay time.Duration, log logx.Logger) *Pipeline {
	return &Pipeline{
		settings: set,
		sched:    sched,
		msgr:     msgr,
		delay:    delay,
		log:      log,
	}
}

// SetDelay swaps the scheduling delay at runtime (config reload). Already
// armed reminders keep the fire time they were created with.
func (p *Pipeline) SetDelay(d time.Duration) {
	p.mu.Lock()
	p.delay = d
	p.mu.Unlock()
}

func (p *Pipeline) Delay() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.delay
}

// OnDetected runs one detection through config checks, panel send, and
// scheduling. A scheduling failure is returned to the caller (which logs and
// swallows it); config-based stops are normal returns.
func (p *Pipeline) OnDetected(ctx context.Context, chatID int64, threadID, triggerID int, tag reminder.Tag) error {
	cfg, err := p.settings.Get(ctx, chatID)
	if err != nil {
		return fmt.Errorf("read chat settings: %w", err)
	}
	if !cfg.Enabled {
		p.log.Debug("trigger ignored, reminders disabled", logx.Int64("chat_id", chatID))
		return nil
	}
	if cfg.ThreadID != nil && *cfg.ThreadID != threadID {
		p.log.Debug("trigger ignored, topic not pinned",
			logx.Int64("chat_id", chatID), logx.Int("thread_id", threadID), logx.Int("pinned", *cfg.ThreadID))
		return nil
	}

	delay := p.Delay()
	fireAt := time.Now().Add(delay)

	// The panel is purely informational: a failed send must not stop the
	// reminder itself.
	panelID, err := p.msgr.SendPanel(ctx, chatID, threadID, tag, fireAt)
	if err != nil {
		p.log.Warn("panel send failed", logx.Int64("chat_id", chatID), logx.Err(err))
		panelID = 0
	}

	_, err = p.sched.Set(ctx, reminder.SetParams{
		ChatID:    chatID,
		ThreadID:  threadID,
		TriggerID: triggerID,
		PanelID:   panelID,
		Tag:       tag,
		Delay:     delay,
	}, p.Execute)
	if err != nil {
		// Nothing will ever fire for this panel; drop it now or it leaks.
		if panelID != 0 {
			if derr := p.msgr.DeletePanel(ctx, chatID, panelID); derr != nil {
				p.log.Warn("orphaned panel delete failed",
					logx.Int64("chat_id", chatID), logx.Int("panel_id", panelID), logx.Err(derr))
			}
		}
		return fmt.Errorf("schedule reminder: %w", err)
	}
	return nil
}

// Restore rearms durable pending reminders with this pipeline's execution
// callback. It must complete before the detection feed starts.
func (p *Pipeline) Restore(ctx context.Context) (int, error) {
	return p.sched.Restore(ctx, p.Execute)
}

// Cancel drops the live reminder for the key, if any.
func (p *Pipeline) Cancel(ctx context.Context, chatID int64, tag reminder.Tag) bool {
	return p.sched.Cancel(ctx, chatID, tag)
}

// Execute is the fire-time callback. It re-reads the chat settings rather
// than trusting any snapshot from schedule time: the chat may have disabled
// the feature or changed mention targets during the delay window. The panel
// is deleted whatever happens.
func (p *Pipeline) Execute(ctx context.Context, rec storage.Reminder) error {
	defer func() {
		if rec.PanelID == 0 {
			return
		}
		if err := p.msgr.DeletePanel(ctx, rec.ChatID, rec.PanelID); err != nil {
			p.log.Debug("panel delete failed",
				logx.Int64("chat_id", rec.ChatID), logx.Int("panel_id", rec.PanelID), logx.Err(err))
		}
	}()

	cfg, err := p.settings.Get(ctx, rec.ChatID)
	if err != nil {
		return fmt.Errorf("read chat settings: %w", err)
	}
	if !cfg.Enabled {
		// Opt-out during the delay window counts as completion, not failure.
		p.log.Info("reminder skipped, disabled at fire time",
			logx.Int64("chat_id", rec.ChatID), logx.String("id", rec.ID))
		return nil
	}

	text := notificationText(reminder.ParseTag(rec.Tag), cfg)
	if err := p.msgr.SendNotification(ctx, rec.ChatID, rec.ThreadID, rec.TriggerID, text); err != nil {
		return fmt.Errorf("send notification: %w", err)
	}
	return nil
}

// notificationText composes the mention prefix (tag first, then users in
// stored insertion order) and the reminder body.
func notificationText(tag reminder.Tag, cfg *storage.ChatSettings) string {
	var b strings.Builder
	if cfg.MentionTag != "" {
		b.WriteString(cfg.MentionTag)
		b.WriteByte(' ')
	}
	for _, uid := range cfg.MentionUsers {
		fmt.Fprintf(&b, "[​](tg://user?id=%d)", uid)
	}
	switch tag {
	case reminder.TagWasher:
		b.WriteString("The washer cycle should be done, time to swap the laundry.")
	case reminder.TagDryer:
		b.WriteString("The dryer cycle should be done, time to collect the laundry.")
	default:
		b.WriteString("Reminder: the cycle you started should be done now.")
	}
	return b.String()
}
