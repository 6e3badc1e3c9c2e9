// Package telegram is the bot's only chat surface: it feeds trigger
// detections out of the long-poll stream and performs the panel and
// notification sends for the pipeline.
package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"remindbot/internal/reminder"
	"remindbot/pkg/logx"
)

type Config struct {
	Token          string
	PollTimeout    time.Duration
	SendRatePerSec int
}

// Detection is one matched trigger message.
type Detection struct {
	ChatID    int64
	ThreadID  int
	TriggerID int
	Tag       reminder.Tag
}

type Adapter struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	limiter *rate.Limiter

	out       chan<- Detection
	runCancel context.CancelFunc
	runWG     sync.WaitGroup
	runMu     sync.Mutex
	running   bool

	// droppedDetections counts detections dropped because the consumer was
	// slower than the poll loop. Logged periodically to avoid per-update spam.
	droppedDetections uint64

	trigMu   sync.RWMutex
	triggers map[reminder.Tag]string
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	rps := cfg.SendRatePerSec
	if rps <= 0 {
		rps = 1
	}
	return &Adapter{
		cfg:      cfg,
		log:      log,
		bot:      b,
		limiter:  rate.NewLimiter(rate.Limit(rps), rps),
		triggers: map[reminder.Tag]string{},
	}, nil
}

// SetTriggers swaps the tag -> keyword table (config reload safe). Keywords
// match case-insensitively as substrings of incoming group messages.
func (a *Adapter) SetTriggers(triggers map[reminder.Tag]string) {
	normalized := make(map[reminder.Tag]string, len(triggers))
	for tag, kw := range triggers {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		normalized[reminder.ParseTag(tag.String())] = kw
	}
	a.trigMu.Lock()
	a.triggers = normalized
	a.trigMu.Unlock()
}

func (a *Adapter) matchTrigger(text string) (reminder.Tag, bool) {
	lower := strings.ToLower(text)
	a.trigMu.RLock()
	defer a.trigMu.RUnlock()
	for tag, kw := range a.triggers {
		if strings.Contains(lower, kw) {
			return tag, true
		}
	}
	return reminder.TagNone, false
}

func (a *Adapter) Start(ctx context.Context, out chan<- Detection) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out = out
	rctx, cancel := context.WithCancel(ctx)
	a.runCancel = cancel
	a.runWG.Add(2)
	a.runMu.Unlock()

	// Periodic summary for dropped detections.
	go func() {
		defer a.runWG.Done()
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-rctx.Done():
				if n := atomic.SwapUint64(&a.droppedDetections, 0); n > 0 {
					a.log.Warn("detections dropped (channel full)", logx.Any("count", n))
				}
				return
			case <-ticker.C:
				if n := atomic.SwapUint64(&a.droppedDetections, 0); n > 0 {
					a.log.Warn("detections dropped (channel full)", logx.Any("count", n))
				}
			}
		}
	}()

	a.bot.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Sender == nil {
			return nil
		}
		tag, ok := a.matchTrigger(m.Text)
		if !ok {
			return nil
		}
		det := Detection{
			ChatID:    m.Chat.ID,
			ThreadID:  m.ThreadID,
			TriggerID: m.ID,
			Tag:       tag,
		}
		select {
		case out <- det:
		default:
			atomic.AddUint64(&a.droppedDetections, 1)
		}
		return nil
	})

	go func() {
		defer a.runWG.Done()
		// Ensure we stop telebot when context is cancelled.
		go func() {
			<-rctx.Done()
			a.bot.Stop()
		}()
		a.log.Info("polling started")
		a.bot.Start() // blocks until Stop() called
	}()

	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	// Best-effort graceful stop. Never block shutdown for too long on
	// Telegram long-poll.
	a.runMu.Lock()
	cancel := a.runCancel
	a.runCancel = nil
	wasRunning := a.running
	a.running = false
	a.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	if cancel != nil {
		cancel()
	}
	if a.bot != nil {
		go a.bot.Stop()
	}

	done := make(chan struct{})
	go func() {
		a.runWG.Wait()
		close(done)
	}()

	// Grace window: keep shutdown snappy even if getUpdates long-poll is
	// still waiting.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		rem := time.Until(dl)
		if rem > 0 && rem < grace {
			grace = rem
		}
	}
	t := time.NewTimer(grace)
	defer t.Stop()

	select {
	case <-done:
		a.log.Info("polling stopped")
		return nil
	case <-ctx.Done():
		a.log.Warn("telegram stop cancelled", logx.Err(ctx.Err()))
		return ctx.Err()
	case <-t.C:
		a.log.Warn("telegram stop grace elapsed; continuing shutdown")
		return nil
	}
}

// SendPanel posts the transient announcement message and returns its ID.
func (a *Adapter) SendPanel(ctx context.Context, chatID int64, threadID int, tag reminder.Tag, fireAt time.Time) (int, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	text := panelText(tag, fireAt)
	msg, err := a.bot.Send(&tele.Chat{ID: chatID}, text, &tele.SendOptions{
		ThreadID:              threadID,
		DisableWebPagePreview: true,
	})
	if err != nil {
		return 0, err
	}
	return msg.ID, nil
}

// SendNotification posts the final reminder, replying to the trigger
// message when one is known.
func (a *Adapter) SendNotification(ctx context.Context, chatID int64, threadID int, replyTo int, text string) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	opt := &tele.SendOptions{
		ThreadID:              threadID,
		ParseMode:             tele.ModeMarkdown,
		DisableWebPagePreview: true,
	}
	if replyTo != 0 {
		opt.ReplyTo = &tele.Message{ID: replyTo, Chat: &tele.Chat{ID: chatID}}
	}
	_, err := a.bot.Send(&tele.Chat{ID: chatID}, text, opt)
	return err
}

// DeletePanel removes a panel message. Callers treat failures as
// low-severity; the message may already be gone.
func (a *Adapter) DeletePanel(ctx context.Context, chatID int64, panelID int) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	return a.bot.Delete(&tele.Message{ID: panelID, Chat: &tele.Chat{ID: chatID}})
}

func panelText(tag reminder.Tag, fireAt time.Time) string {
	name := "cycle"
	switch tag {
	case reminder.TagWasher:
		name = "washer cycle"
	case reminder.TagDryer:
		name = "dryer cycle"
	}
	return "⏳ Got it, " + name + " noted. I'll ping this chat around " + fireAt.Format("15:04") + "."
}
