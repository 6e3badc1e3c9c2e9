package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"remindbot/internal/reminder"
	"remindbot/internal/settings"
	"remindbot/internal/storage"
	"remindbot/pkg/logx"
)

type sentNotification struct {
	chatID  int64
	replyTo int
	text    string
}

type fakeMessenger struct {
	mu            sync.Mutex
	nextPanelID   int
	panels        int
	notifications []sentNotification
	deleted       []int
	failPanel     bool
	failNotify    bool
}

func (f *fakeMessenger) SendPanel(_ context.Context, chatID int64, threadID int, tag reminder.Tag, fireAt time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPanel {
		return 0, errors.New("panel send failed")
	}
	f.nextPanelID++
	f.panels++
	return f.nextPanelID, nil
}

func (f *fakeMessenger) SendNotification(_ context.Context, chatID int64, threadID int, replyTo int, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNotify {
		return errors.New("notification send failed")
	}
	f.notifications = append(f.notifications, sentNotification{chatID: chatID, replyTo: replyTo, text: text})
	return nil
}

func (f *fakeMessenger) DeletePanel(_ context.Context, chatID int64, panelID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, panelID)
	return nil
}

func (f *fakeMessenger) snapshot() (panels int, notifications []sentNotification, deleted []int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.panels, append([]sentNotification(nil), f.notifications...), append([]int(nil), f.deleted...)
}

type testRig struct {
	store *storage.Store
	set   *settings.Service
	sched *reminder.Scheduler
	msgr  *fakeMessenger
	pipe  *Pipeline
}

func newTestRig(t *testing.T, delay time.Duration) *testRig {
	t.Helper()
	store, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	set := settings.New(store, logx.Nop())
	sched := reminder.NewScheduler(store, logx.Nop())
	t.Cleanup(sched.Stop)
	msgr := &fakeMessenger{}
	return &testRig{
		store: store,
		set:   set,
		sched: sched,
		msgr:  msgr,
		pipe:  New(set, sched, msgr, delay, logx.Nop()),
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within deadline")
}

func TestDetectionDisabledDoesNothing(t *testing.T) {
	rig := newTestRig(t, time.Minute)
	ctx := context.Background()

	if err := rig.pipe.OnDetected(ctx, 1, 0, 555, reminder.TagWasher); err != nil {
		t.Fatalf("OnDetected returned error: %v", err)
	}

	panels, _, _ := rig.msgr.snapshot()
	if panels != 0 {
		t.Fatalf("panel sent for a disabled chat")
	}
	pending, err := rig.store.PendingByChat(ctx, 1)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("record created for a disabled chat")
	}
}

func TestDetectionPinnedThreadMismatch(t *testing.T) {
	rig := newTestRig(t, time.Minute)
	ctx := context.Background()

	if err := rig.set.SetEnabled(ctx, 1, true); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if err := rig.set.PinThread(ctx, 1, 7); err != nil {
		t.Fatalf("pin: %v", err)
	}

	if err := rig.pipe.OnDetected(ctx, 1, 9, 555, reminder.TagWasher); err != nil {
		t.Fatalf("OnDetected returned error: %v", err)
	}
	panels, _, _ := rig.msgr.snapshot()
	if panels != 0 {
		t.Fatalf("panel sent for an unpinned topic")
	}
	if rig.sched.Live(1, reminder.TagWasher) {
		t.Fatalf("reminder armed for an unpinned topic")
	}
}

func TestDetectionSchedulesAndFires(t *testing.T) {
	rig := newTestRig(t, 20*time.Millisecond)
	ctx := context.Background()

	if err := rig.set.SetEnabled(ctx, 1, true); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if err := rig.set.SetMentionTag(ctx, 1, "@crew"); err != nil {
		t.Fatalf("set tag: %v", err)
	}
	if _, err := rig.set.AddMentionUser(ctx, 1, 42); err != nil {
		t.Fatalf("add user: %v", err)
	}

	if err := rig.pipe.OnDetected(ctx, 1, 0, 555, reminder.TagWasher); err != nil {
		t.Fatalf("OnDetected: %v", err)
	}
	panels, _, _ := rig.msgr.snapshot()
	if panels != 1 {
		t.Fatalf("expected 1 panel, got %d", panels)
	}

	waitFor(t, func() bool {
		_, notifications, _ := rig.msgr.snapshot()
		return len(notifications) == 1
	})

	_, notifications, deleted := rig.msgr.snapshot()
	n := notifications[0]
	if n.chatID != 1 || n.replyTo != 555 {
		t.Fatalf("notification misaddressed: %+v", n)
	}
	if !strings.HasPrefix(n.text, "@crew ") {
		t.Fatalf("mention tag not first: %q", n.text)
	}
	if !strings.Contains(n.text, "tg://user?id=42") {
		t.Fatalf("user mention missing: %q", n.text)
	}
	if len(deleted) != 1 {
		t.Fatalf("panel not deleted after fire")
	}

	waitFor(t, func() bool {
		pending, err := rig.store.PendingByChat(ctx, 1)
		return err == nil && len(pending) == 0
	})
}

func TestDisabledAtFireTimeSkipsSend(t *testing.T) {
	rig := newTestRig(t, 30*time.Millisecond)
	ctx := context.Background()

	if err := rig.set.SetEnabled(ctx, 1, true); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if err := rig.pipe.OnDetected(ctx, 1, 0, 555, reminder.TagDryer); err != nil {
		t.Fatalf("OnDetected: %v", err)
	}
	// Opt out during the delay window.
	if err := rig.set.SetEnabled(ctx, 1, false); err != nil {
		t.Fatalf("disable: %v", err)
	}

	waitFor(t, func() bool {
		_, _, deleted := rig.msgr.snapshot()
		return len(deleted) == 1
	})
	_, notifications, _ := rig.msgr.snapshot()
	if len(notifications) != 0 {
		t.Fatalf("notification sent despite disabled config")
	}
	// Completion, not failure: the record still leaves pending.
	pending, err := rig.store.PendingByChat(ctx, 1)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("record still pending after skip")
	}
}

func TestRepeatDetectionSupersedes(t *testing.T) {
	rig := newTestRig(t, 5*time.Minute)
	ctx := context.Background()

	if err := rig.set.SetEnabled(ctx, 1, true); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if err := rig.pipe.OnDetected(ctx, 1, 0, 100, reminder.TagWasher); err != nil {
		t.Fatalf("first detection: %v", err)
	}
	if err := rig.pipe.OnDetected(ctx, 1, 0, 101, reminder.TagWasher); err != nil {
		t.Fatalf("second detection: %v", err)
	}

	pending, err := rig.store.PendingByChat(ctx, 1)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected exactly 1 pending after supersede, got %d", len(pending))
	}
	if pending[0].TriggerID != 101 {
		t.Fatalf("surviving record should belong to the second detection")
	}
	if !rig.sched.Live(1, reminder.TagWasher) {
		t.Fatalf("expected one live timer for the key")
	}
}

type failingStore struct{}

func (failingStore) CreateReminder(context.Context, storage.CreateReminderParams) (*storage.Reminder, error) {
	return nil, errors.New("storage down")
}
func (failingStore) AllPending(context.Context) ([]storage.Reminder, error) { return nil, nil }
func (failingStore) UpdateReminderStatus(context.Context, string, storage.ReminderStatus) error {
	return nil
}

func TestSchedulingFailureDeletesPanel(t *testing.T) {
	store, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	set := settings.New(store, logx.Nop())
	sched := reminder.NewScheduler(failingStore{}, logx.Nop())
	t.Cleanup(sched.Stop)
	msgr := &fakeMessenger{}
	pipe := New(set, sched, msgr, time.Minute, logx.Nop())

	ctx := context.Background()
	if err := set.SetEnabled(ctx, 1, true); err != nil {
		t.Fatalf("enable: %v", err)
	}

	if err := pipe.OnDetected(ctx, 1, 0, 555, reminder.TagWasher); err == nil {
		t.Fatalf("expected scheduling error to propagate")
	}
	panels, _, deleted := msgr.snapshot()
	if panels != 1 {
		t.Fatalf("expected the panel to have been sent before the failure")
	}
	if len(deleted) != 1 {
		t.Fatalf("orphaned panel was not deleted")
	}
}

func TestPanelFailureIsNonFatal(t *testing.T) {
	rig := newTestRig(t, time.Minute)
	rig.msgr.failPanel = true
	ctx := context.Background()

	if err := rig.set.SetEnabled(ctx, 1, true); err != nil {
		t.Fatalf("enable: %v", err)
	}
	if err := rig.pipe.OnDetected(ctx, 1, 0, 555, reminder.TagWasher); err != nil {
		t.Fatalf("panel failure should not fail the detection: %v", err)
	}

	pending, err := rig.store.PendingByChat(ctx, 1)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("reminder not scheduled despite panel failure")
	}
	if pending[0].PanelID != 0 {
		t.Fatalf("expected no panel id on the record, got %d", pending[0].PanelID)
	}
}

func TestRestoreRearmsThroughPipeline(t *testing.T) {
	rig := newTestRig(t, time.Minute)
	ctx := context.Background()

	if err := rig.set.SetEnabled(ctx, 1, true); err != nil {
		t.Fatalf("enable: %v", err)
	}
	// A past-due row, as if the process died before firing.
	if _, err := rig.store.CreateReminder(ctx, storage.CreateReminderParams{
		ChatID: 1, TriggerID: 555, Tag: "washer", ScheduledAt: time.Now().Add(-time.Minute),
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	n, err := rig.pipe.Restore(ctx)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 rearmed, got %d", n)
	}
	_, notifications, _ := rig.msgr.snapshot()
	if len(notifications) != 1 {
		t.Fatalf("past-due reminder did not send during restore")
	}
}
