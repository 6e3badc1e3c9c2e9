// Package reminder bridges durable reminder rows and live in-process timers.
//
// The Scheduler is an explicit instance constructed once at startup; the
// timer registry is a private field, never package state. Restore() must
// complete before any new detections are fed in, so a restart cannot race
// freshly detected triggers against rows being rearmed.
package reminder

import (
	"context"
	"sort"
	"sync"
	"time"

	"remindbot/internal/storage"
	"remindbot/pkg/logx"
)

// Store is the slice of the storage layer the scheduler needs.
type Store interface {
	CreateReminder(ctx context.Context, p storage.CreateReminderParams) (*storage.Reminder, error)
	AllPending(ctx context.Context) ([]storage.Reminder, error)
	UpdateReminderStatus(ctx context.Context, id string, status storage.ReminderStatus) error
}

// Task is the execution callback invoked at fire time (or synchronously
// during restore for past-due records). A returned error marks the record
// cancelled; it is never retried.
type Task func(ctx context.Context, rec storage.Reminder) error

// SetParams describes one reminder to schedule.
type SetParams struct {
	ChatID    int64
	ThreadID  int
	TriggerID int
	PanelID   int
	Tag       Tag
	Delay     time.Duration
}

type jobRef struct {
	timer      *time.Timer
	reminderID string
}

type Scheduler struct {
	store Store
	log   logx.Logger

	// opMu serializes Set/Cancel/Restore/Stop so no two operations can
	// interleave their durable writes with their timer bookkeeping.
	opMu sync.Mutex

	// jobsMu guards the timer registry only; fire callbacks take it without
	// touching opMu, so a synchronous restore execution cannot deadlock.
	jobsMu sync.Mutex
	jobs   map[key]*jobRef

	now func() time.Time
}

func NewScheduler(store Store, log logx.Logger) *Scheduler {
	return &Scheduler{
		store: store,
		log:   log,
		jobs:  map[key]*jobRef{},
		now:   time.Now,
	}
}

// Set schedules a reminder for the (chat, tag) key, superseding any live
// job for that key first. If the durable create fails nothing is armed and
// the error is returned; the caller owns cleanup of any panel it already
// sent.
func (s *Scheduler) Set(ctx context.Context, p SetParams, task Task) (*storage.Reminder, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	k := normalizeKey(p.ChatID, p.Tag)

	// Supersession is explicit and always precedes creation.
	if prev := s.removeJob(k, ""); prev != nil {
		prev.timer.Stop()
		if err := s.store.UpdateReminderStatus(ctx, prev.reminderID, storage.StatusCancelled); err != nil {
			s.log.Warn("failed to cancel superseded reminder",
				logx.String("id", prev.reminderID), logx.Err(err))
		}
		s.log.Debug("superseded live reminder",
			logx.Int64("chat_id", k.chatID), logx.String("tag", k.tag.String()))
	}

	rec, err := s.store.CreateReminder(ctx, storage.CreateReminderParams{
		ChatID:      p.ChatID,
		ThreadID:    p.ThreadID,
		TriggerID:   p.TriggerID,
		PanelID:     p.PanelID,
		Tag:         k.tag.String(),
		ScheduledAt: s.now().Add(p.Delay),
	})
	if err != nil {
		return nil, err
	}

	s.arm(k, *rec, p.Delay, task)
	s.log.Info("reminder armed",
		logx.Int64("chat_id", p.ChatID), logx.String("tag", k.tag.String()),
		logx.Duration("delay", p.Delay), logx.String("id", rec.ID))
	return rec, nil
}

// Cancel clears the live timer for the key, if any. The durable status
// update is best-effort: stopping the timer is the authoritative effect.
func (s *Scheduler) Cancel(ctx context.Context, chatID int64, tag Tag) bool {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	k := normalizeKey(chatID, tag)
	ref := s.removeJob(k, "")
	if ref == nil {
		return false
	}
	ref.timer.Stop()
	if err := s.store.UpdateReminderStatus(ctx, ref.reminderID, storage.StatusCancelled); err != nil {
		s.log.Warn("failed to mark cancelled reminder",
			logx.String("id", ref.reminderID), logx.Err(err))
	}
	s.log.Info("reminder cancelled",
		logx.Int64("chat_id", chatID), logx.String("tag", k.tag.String()))
	return true
}

// Restore reconciles durable pending rows with fresh timers after a restart.
// Duplicate pending rows for a key keep only the latest scheduled_at;
// past-due records execute synchronously inside this call. Returns the
// number of reminders rearmed (immediate-fired plus timer-armed).
func (s *Scheduler) Restore(ctx context.Context, task Task) (int, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	pending, err := s.store.AllPending(ctx)
	if err != nil {
		return 0, err
	}

	// Rows arrive ascending by scheduled_at, so the last row seen per key is
	// the canonical (latest) one. Everything it displaces gets cancelled.
	canonical := map[key]storage.Reminder{}
	var stale []storage.Reminder
	for _, rec := range pending {
		k := normalizeKey(rec.ChatID, ParseTag(rec.Tag))
		if prev, ok := canonical[k]; ok {
			stale = append(stale, prev)
		}
		canonical[k] = rec
	}

	cancelled := 0
	for _, rec := range stale {
		if err := s.store.UpdateReminderStatus(ctx, rec.ID, storage.StatusCancelled); err != nil {
			s.log.Warn("failed to cancel duplicate pending reminder",
				logx.String("id", rec.ID), logx.Err(err))
			continue
		}
		cancelled++
	}
	if len(stale) > 0 {
		s.log.Info("cancelled duplicate pending reminders",
			logx.Int("count", cancelled), logx.Int("total", len(stale)))
	}

	// Process earlier-due keys first.
	keys := make([]key, 0, len(canonical))
	for k := range canonical {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return canonical[keys[i]].ScheduledAt.Before(canonical[keys[j]].ScheduledAt)
	})

	now := s.now()
	rearmed := 0
	for _, k := range keys {
		rec := canonical[k]
		remaining := rec.ScheduledAt.Sub(now)
		if remaining <= 0 {
			// Already due: run the tracked task right here instead of arming
			// a zero timer.
			s.registerJob(k, &jobRef{timer: nopTimer(), reminderID: rec.ID})
			s.fire(ctx, k, rec, task)
			rearmed++
			continue
		}
		s.arm(k, rec, remaining, task)
		rearmed++
	}

	s.log.Info("reminders restored",
		logx.Int("rearmed", rearmed), logx.Int("superseded", len(stale)))
	return rearmed, nil
}

// Stop halts every live timer without touching durable state; pending rows
// are rearmed by the next Restore.
func (s *Scheduler) Stop() {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.jobsMu.Lock()
	for _, ref := range s.jobs {
		ref.timer.Stop()
	}
	n := len(s.jobs)
	s.jobs = map[key]*jobRef{}
	s.jobsMu.Unlock()

	if n > 0 {
		s.log.Info("scheduler stopped", logx.Int("live_timers", n))
	}
}

// Live reports whether a timer is currently armed for the key.
func (s *Scheduler) Live(chatID int64, tag Tag) bool {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	_, ok := s.jobs[normalizeKey(chatID, tag)]
	return ok
}

func (s *Scheduler) arm(k key, rec storage.Reminder, delay time.Duration, task Task) {
	ref := &jobRef{reminderID: rec.ID}
	ref.timer = time.AfterFunc(delay, func() {
		s.fire(context.Background(), k, rec, task)
	})
	s.registerJob(k, ref)
}

// fire is the tracked wrapper: run the task at most once, transition the
// durable record, and always drop the registry entry for the key.
func (s *Scheduler) fire(ctx context.Context, k key, rec storage.Reminder, task Task) {
	defer s.removeJob(k, rec.ID)

	if err := task(ctx, rec); err != nil {
		s.log.Error("reminder task failed",
			logx.String("id", rec.ID), logx.Int64("chat_id", rec.ChatID), logx.Err(err))
		if uerr := s.store.UpdateReminderStatus(ctx, rec.ID, storage.StatusCancelled); uerr != nil {
			s.log.Warn("failed to mark failed reminder",
				logx.String("id", rec.ID), logx.Err(uerr))
		}
		return
	}
	if err := s.store.UpdateReminderStatus(ctx, rec.ID, storage.StatusSent); err != nil {
		s.log.Warn("failed to mark sent reminder",
			logx.String("id", rec.ID), logx.Err(err))
	}
}

func (s *Scheduler) registerJob(k key, ref *jobRef) {
	s.jobsMu.Lock()
	s.jobs[k] = ref
	s.jobsMu.Unlock()
}

// removeJob drops and returns the registry entry for k. A non-empty onlyID
// restricts removal to that record, so a fire callback racing a newer Set
// cannot evict the replacement's timer.
func (s *Scheduler) removeJob(k key, onlyID string) *jobRef {
	s.jobsMu.Lock()
	defer s.jobsMu.Unlock()
	ref, ok := s.jobs[k]
	if !ok {
		return nil
	}
	if onlyID != "" && ref.reminderID != onlyID {
		return nil
	}
	delete(s.jobs, k)
	return ref
}

func nopTimer() *time.Timer {
	t := time.NewTimer(time.Hour)
	t.Stop()
	return t
}
