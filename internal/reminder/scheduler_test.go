package reminder

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"remindbot/internal/storage"
	"remindbot/pkg/logx"
)

type fakeStore struct {
	mu         sync.Mutex
	records    map[string]*storage.Reminder
	seq        int
	failCreate bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: map[string]*storage.Reminder{}}
}

func (f *fakeStore) CreateReminder(_ context.Context, p storage.CreateReminderParams) (*storage.Reminder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCreate {
		return nil, errors.New("create failed")
	}
	for _, r := range f.records {
		if r.ChatID == p.ChatID && r.Tag == p.Tag && r.Status == storage.StatusPending {
			r.Status = storage.StatusCancelled
		}
	}
	f.seq++
	rec := &storage.Reminder{
		ID:          fmt.Sprintf("r%d", f.seq),
		ChatID:      p.ChatID,
		ThreadID:    p.ThreadID,
		TriggerID:   p.TriggerID,
		PanelID:     p.PanelID,
		Tag:         p.Tag,
		ScheduledAt: p.ScheduledAt,
		Status:      storage.StatusPending,
	}
	f.records[rec.ID] = rec
	cp := *rec
	return &cp, nil
}

func (f *fakeStore) AllPending(_ context.Context) ([]storage.Reminder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []storage.Reminder
	for _, r := range f.records {
		if r.Status == storage.StatusPending {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	return out, nil
}

func (f *fakeStore) UpdateReminderStatus(_ context.Context, id string, status storage.ReminderStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[id]
	if !ok {
		return storage.ErrReminderNotFound
	}
	r.Status = status
	return nil
}

// inject adds a pending row directly, bypassing supersede (restore tests
// need durable snapshots the normal write path can no longer produce).
func (f *fakeStore) inject(chatID int64, tag string, at time.Time) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := fmt.Sprintf("r%d", f.seq)
	f.records[id] = &storage.Reminder{
		ID: id, ChatID: chatID, Tag: tag, ScheduledAt: at, Status: storage.StatusPending,
	}
	return id
}

func (f *fakeStore) status(id string) storage.ReminderStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.records[id]
	if !ok {
		return ""
	}
	return r.Status
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

func TestSetFiresTaskAndMarksSent(t *testing.T) {
	fs := newFakeStore()
	s := NewScheduler(fs, logx.Nop())
	defer s.Stop()

	var mu sync.Mutex
	fired := 0
	rec, err := s.Set(context.Background(), SetParams{
		ChatID: 1, Tag: TagWasher, Delay: 20 * time.Millisecond,
	}, func(ctx context.Context, rec storage.Reminder) error {
		mu.Lock()
		fired++
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if !s.Live(1, TagWasher) {
		t.Fatalf("expected live timer after Set")
	}

	waitFor(t, func() bool { return fs.status(rec.ID) == storage.StatusSent })
	mu.Lock()
	n := fired
	mu.Unlock()
	if n != 1 {
		t.Fatalf("expected task fired once, got %d", n)
	}
	if s.Live(1, TagWasher) {
		t.Fatalf("timer registry entry should be gone after fire")
	}
}

func TestSetSupersedesLiveTimer(t *testing.T) {
	fs := newFakeStore()
	s := NewScheduler(fs, logx.Nop())
	defer s.Stop()
	ctx := context.Background()

	var mu sync.Mutex
	fired := map[string]int{}
	task := func(name string) Task {
		return func(ctx context.Context, rec storage.Reminder) error {
			mu.Lock()
			fired[name]++
			mu.Unlock()
			return nil
		}
	}

	first, err := s.Set(ctx, SetParams{ChatID: 1, Tag: TagWasher, Delay: 5 * time.Minute}, task("first"))
	if err != nil {
		t.Fatalf("set first: %v", err)
	}
	second, err := s.Set(ctx, SetParams{ChatID: 1, Tag: TagWasher, Delay: 20 * time.Millisecond}, task("second"))
	if err != nil {
		t.Fatalf("set second: %v", err)
	}

	if fs.status(first.ID) != storage.StatusCancelled {
		t.Fatalf("first record should be cancelled, got %s", fs.status(first.ID))
	}
	pending, _ := fs.AllPending(ctx)
	if len(pending) != 1 || pending[0].ID != second.ID {
		t.Fatalf("expected exactly the second record pending, got %+v", pending)
	}

	waitFor(t, func() bool { return fs.status(second.ID) == storage.StatusSent })
	mu.Lock()
	defer mu.Unlock()
	if fired["first"] != 0 {
		t.Fatalf("superseded task fired")
	}
	if fired["second"] != 1 {
		t.Fatalf("expected second task fired once, got %d", fired["second"])
	}
}

func TestCancel(t *testing.T) {
	fs := newFakeStore()
	s := NewScheduler(fs, logx.Nop())
	defer s.Stop()
	ctx := context.Background()

	if s.Cancel(ctx, 1, TagNone) {
		t.Fatalf("cancel with no live job should return false")
	}

	rec, err := s.Set(ctx, SetParams{ChatID: 1, Delay: 5 * time.Minute}, func(ctx context.Context, rec storage.Reminder) error {
		t.Errorf("cancelled task fired")
		return nil
	})
	if err != nil {
		t.Fatalf("set: %v", err)
	}

	if !s.Cancel(ctx, 1, TagNone) {
		t.Fatalf("cancel with live job should return true")
	}
	if s.Live(1, TagNone) {
		t.Fatalf("job still live after cancel")
	}
	if fs.status(rec.ID) != storage.StatusCancelled {
		t.Fatalf("record not cancelled, got %s", fs.status(rec.ID))
	}
}

func TestRestoreDeduplicatesKey(t *testing.T) {
	fs := newFakeStore()
	now := time.Now()
	old1 := fs.inject(1, "washer", now.Add(1*time.Hour))
	old2 := fs.inject(1, "washer", now.Add(2*time.Hour))
	latest := fs.inject(1, "washer", now.Add(3*time.Hour))

	s := NewScheduler(fs, logx.Nop())
	defer s.Stop()

	n, err := s.Restore(context.Background(), func(ctx context.Context, rec storage.Reminder) error {
		t.Errorf("nothing should fire for future reminders")
		return nil
	})
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 rearmed, got %d", n)
	}
	if fs.status(old1) != storage.StatusCancelled || fs.status(old2) != storage.StatusCancelled {
		t.Fatalf("duplicates not cancelled: %s %s", fs.status(old1), fs.status(old2))
	}
	if fs.status(latest) != storage.StatusPending {
		t.Fatalf("canonical record should stay pending, got %s", fs.status(latest))
	}
	if !s.Live(1, TagWasher) {
		t.Fatalf("canonical record not rearmed")
	}
}

func TestRestorePastDueFiresSynchronously(t *testing.T) {
	fs := newFakeStore()
	id := fs.inject(1, "", time.Now().Add(-time.Minute))

	s := NewScheduler(fs, logx.Nop())
	defer s.Stop()

	fired := false
	n, err := s.Restore(context.Background(), func(ctx context.Context, rec storage.Reminder) error {
		fired = true
		return nil
	})
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	// Synchronous: by the time Restore returns, the task ran and the record
	// transitioned, with no timer left behind.
	if !fired {
		t.Fatalf("past-due reminder did not fire during restore")
	}
	if n != 1 {
		t.Fatalf("expected 1 rearmed, got %d", n)
	}
	if fs.status(id) != storage.StatusSent {
		t.Fatalf("expected Sent, got %s", fs.status(id))
	}
	if s.Live(1, TagNone) {
		t.Fatalf("no timer should remain for an immediately fired record")
	}
}

func TestRestoreNormalizesUnknownTag(t *testing.T) {
	fs := newFakeStore()
	now := time.Now()
	bogus := fs.inject(1, "bogus", now.Add(time.Hour))
	plain := fs.inject(1, "", now.Add(2*time.Hour))

	s := NewScheduler(fs, logx.Nop())
	defer s.Stop()

	n, err := s.Restore(context.Background(), func(ctx context.Context, rec storage.Reminder) error { return nil })
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	// "bogus" collapses onto the tag-less key, so the two records are
	// duplicates and only the later one survives.
	if n != 1 {
		t.Fatalf("expected 1 rearmed, got %d", n)
	}
	if fs.status(bogus) != storage.StatusCancelled {
		t.Fatalf("unrecognized-tag record should be superseded, got %s", fs.status(bogus))
	}
	if fs.status(plain) != storage.StatusPending {
		t.Fatalf("canonical record should stay pending, got %s", fs.status(plain))
	}
}

func TestSetCreateFailure(t *testing.T) {
	fs := newFakeStore()
	fs.failCreate = true
	s := NewScheduler(fs, logx.Nop())
	defer s.Stop()

	_, err := s.Set(context.Background(), SetParams{ChatID: 1, Delay: time.Minute},
		func(ctx context.Context, rec storage.Reminder) error { return nil })
	if err == nil {
		t.Fatalf("expected create failure to surface")
	}
	if s.Live(1, TagNone) {
		t.Fatalf("no timer must be armed when create fails")
	}
}

func TestTaskErrorMarksCancelled(t *testing.T) {
	fs := newFakeStore()
	s := NewScheduler(fs, logx.Nop())
	defer s.Stop()

	rec, err := s.Set(context.Background(), SetParams{ChatID: 1, Delay: 10 * time.Millisecond},
		func(ctx context.Context, rec storage.Reminder) error { return errors.New("send blew up") })
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	waitFor(t, func() bool { return fs.status(rec.ID) == storage.StatusCancelled })
	if s.Live(1, TagNone) {
		t.Fatalf("registry entry should be removed after a failed fire")
	}
}
