// Package core wires the reminder engine together: config, logging,
// storage, scheduler, pipeline, Telegram transport, and the retention
// sweep. Restore always completes before the detection feed starts.
package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"remindbot/internal/config"
	"remindbot/internal/pipeline"
	"remindbot/internal/reminder"
	"remindbot/internal/settings"
	"remindbot/internal/storage"
	"remindbot/internal/transport/telegram"
	"remindbot/pkg/logx"
)

const (
	defaultDelay           = 45 * time.Minute
	defaultTestDelay       = 15 * time.Second
	defaultRetentionDays   = 30
	defaultCleanupSchedule = "0 4 * * *"
)

type App struct {
	cfgm *config.Manager

	log  logx.Logger
	logs *logx.Service

	store    *storage.Store
	settings *settings.Service
	sched    *reminder.Scheduler
	pipe     *pipeline.Pipeline
	adapter  *telegram.Adapter

	cron *cron.Cron

	detections chan telegram.Detection

	stopOnce sync.Once
	stopped  chan struct{}
	wg       sync.WaitGroup
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if _, err := parseTriggers(cfg.Reminder.Triggers); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	adapter, err := telegram.New(telegram.Config{
		Token:          cfg.Telegram.Token,
		PollTimeout:    pollTimeout,
		SendRatePerSec: cfg.Telegram.SendRatePerSec,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	delay, err := resolveDelay(cfg.Reminder)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	setSvc := settings.New(store, log.With(logx.String("comp", "settings")))
	sched := reminder.NewScheduler(store, log.With(logx.String("comp", "scheduler")))
	pipe := pipeline.New(setSvc, sched, adapter, delay, log.With(logx.String("comp", "pipeline")))

	return &App{
		cfgm:       cfgm,
		log:        log,
		logs:       logSvc,
		store:      store,
		settings:   setSvc,
		sched:      sched,
		pipe:       pipe,
		adapter:    adapter,
		detections: make(chan telegram.Detection, 64),
		stopped:    make(chan struct{}),
	}, nil
}

// Settings exposes the per-chat configuration operations (for an admin
// command surface or ops tooling built on top of this engine).
func (a *App) Settings() *settings.Service { return a.settings }

// Pipeline exposes reminder cancellation and detection entry points.
func (a *App) Pipeline() *pipeline.Pipeline { return a.pipe }

func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()

	// Restore runs to completion before the detection feed is wired up, so
	// a rearmed reminder can never race a fresh detection for the same key.
	restored, err := a.pipe.Restore(ctx)
	if err != nil {
		return fmt.Errorf("restore reminders: %w", err)
	}
	a.log.Info("startup restore complete", logx.Int("rearmed", restored))

	triggers, err := parseTriggers(cfg.Reminder.Triggers)
	if err != nil {
		return err
	}
	a.adapter.SetTriggers(triggers)

	if err := a.startCleanup(cfg.Reminder); err != nil {
		return err
	}

	if err := a.adapter.Start(ctx, a.detections); err != nil {
		return fmt.Errorf("start telegram adapter: %w", err)
	}

	a.wg.Add(2)
	go a.consumeDetections(ctx)
	go a.watchConfig(ctx)

	a.log.Info("remindbot started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		close(a.stopped)
		if a.cron != nil {
			<-a.cron.Stop().Done()
		}
		err = a.adapter.Stop(ctx)
		a.sched.Stop()
		a.wg.Wait()
		_ = a.store.Close()
		_ = a.logs.Close()
	})
	return err
}

func (a *App) consumeDetections(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stopped:
			return
		case det := <-a.detections:
			// Scheduling failures must never crash the detection path.
			if err := a.pipe.OnDetected(ctx, det.ChatID, det.ThreadID, det.TriggerID, det.Tag); err != nil {
				a.log.Error("detection handling failed",
					logx.Int64("chat_id", det.ChatID), logx.String("tag", det.Tag.String()), logx.Err(err))
			}
		}
	}
}

func (a *App) watchConfig(ctx context.Context) {
	defer a.wg.Done()

	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := parseTriggers(cfg.Reminder.Triggers); err != nil {
			return err
		}
		if _, err := resolveDelay(cfg.Reminder); err != nil {
			return err
		}
		return nil
	})

	sub := a.cfgm.Subscribe(4)
	defer a.cfgm.Unsubscribe(sub)

	go func() { _ = a.cfgm.Watch(ctx) }()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stopped:
			return
		case cfg := <-sub:
			if cfg == nil {
				continue
			}
			a.applyConfig(cfg)
		}
	}
}

// applyConfig re-applies the hot-reloadable parts: log sinks, delay and
// trigger keywords. Storage path and Telegram token need a restart.
func (a *App) applyConfig(cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	// Validator already vetted these; errors here mean a code bug.
	if delay, err := resolveDelay(cfg.Reminder); err == nil {
		a.pipe.SetDelay(delay)
	}
	if triggers, err := parseTriggers(cfg.Reminder.Triggers); err == nil {
		a.adapter.SetTriggers(triggers)
	}
	a.log.Info("config applied")
}

func (a *App) startCleanup(rc config.ReminderConfig) error {
	days := rc.RetentionDays
	if days <= 0 {
		days = defaultRetentionDays
	}
	retention := time.Duration(days) * 24 * time.Hour

	schedule := rc.CleanupSchedule
	if schedule == "" {
		schedule = defaultCleanupSchedule
	}

	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		n, err := a.store.CleanupReminders(ctx, retention)
		if err != nil {
			a.log.Warn("retention sweep failed", logx.Err(err))
			return
		}
		a.log.Info("retention sweep done", logx.Int64("removed", n), logx.Int("retention_days", days))
	})
	if err != nil {
		return fmt.Errorf("reminder.cleanup_schedule: invalid cron spec %q: %w", schedule, err)
	}
	c.Start()
	a.cron = c
	return nil
}

func resolveDelay(rc config.ReminderConfig) (time.Duration, error) {
	if rc.TestMode {
		return config.ParseDurationOrDefault("reminder.test_delay", rc.TestDelay, defaultTestDelay)
	}
	return config.ParseDurationOrDefault("reminder.delay", rc.Delay, defaultDelay)
}

// parseTriggers validates the config trigger table against the closed tag
// set. Unknown tag names are a config error rather than a silent fallback;
// only stored records get the lenient normalization.
func parseTriggers(raw map[string]string) (map[reminder.Tag]string, error) {
	out := make(map[reminder.Tag]string, len(raw))
	for name, kw := range raw {
		tag := reminder.ParseTag(name)
		if tag == reminder.TagNone && name != "" {
			return nil, fmt.Errorf("reminder.triggers: unknown service tag %q", name)
		}
		out[tag] = kw
	}
	return out, nil
}
