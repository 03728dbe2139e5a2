// Package telegram is the chat front end: it delivers intents to owners,
// turns button presses into Confirm/Extend calls, answers a few commands,
// and forwards log alerts to an operator chat.
package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"roombook/internal/booking"
	"roombook/internal/calendar"
	"roombook/internal/catalog"
	"roombook/internal/clock"
	"roombook/internal/model"
	rtsup "roombook/internal/runtime/supervisor"
	logx "roombook/pkg/logx"

	tele "gopkg.in/telebot.v4"
)

// Engine is the part of booking.Engine the bot calls.
type Engine interface {
	Confirm(ctx context.Context, id int64, actor model.Actor) (model.Reservation, error)
	Cancel(ctx context.Context, id int64, actor model.Actor) (model.Reservation, error)
	Finish(ctx context.Context, id int64, actor model.Actor) (model.Reservation, error)
	Extend(ctx context.Context, id int64, actor model.Actor, delta time.Duration) (time.Time, error)
	ListOwn(ctx context.Context, actor model.Actor, w booking.Window) ([]booking.View, error)
	FreeSlots(ctx context.Context, resourceID int64, d calendar.Date) ([]calendar.Interval, error)
	Calendar() *calendar.Calendar
}

// api is the slice of *tele.Bot used for output.
type api interface {
	Send(to tele.Recipient, what any, opts ...any) (*tele.Message, error)
	EditReplyMarkup(msg tele.Editable, markup *tele.ReplyMarkup) (*tele.Message, error)
}

type Config struct {
	Token       string
	PollTimeout time.Duration
	LogChatID   int64
	// HandlerTimeout bounds one command or button press.
	HandlerTimeout time.Duration
}

type Deps struct {
	Engine  Engine
	Catalog catalog.Catalog
	Clock   clock.Clock
	IsAdmin func(userID int64) bool
	Log     logx.Logger
}

type Bot struct {
	cfg     Config
	eng     Engine
	catalog catalog.Catalog
	clock   clock.Clock
	isAdmin func(int64) bool
	loc     *time.Location
	log     logx.Logger

	bot *tele.Bot
	api api

	sent     delivered
	promptMu sync.Mutex
	prompts  map[int64]openPrompt

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor
}

func New(cfg Config, d Deps) (*Bot, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	tb, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: cfg.PollTimeout},
		OnError: func(err error, c tele.Context) {
			d.Log.Warn("telegram handler error", logx.Err(err))
		},
	})
	if err != nil {
		return nil, err
	}
	b, err := newBot(cfg, d, tb)
	if err != nil {
		return nil, err
	}
	b.bot = tb
	b.registerHandlers()
	return b, nil
}

func newBot(cfg Config, d Deps, out api) (*Bot, error) {
	if d.Engine == nil || d.Catalog == nil {
		return nil, errors.New("telegram: engine and catalog are required")
	}
	if d.Clock == nil {
		d.Clock = clock.System{}
	}
	if d.IsAdmin == nil {
		d.IsAdmin = func(int64) bool { return false }
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 15 * time.Second
	}
	return &Bot{
		cfg:     cfg,
		eng:     d.Engine,
		catalog: d.Catalog,
		clock:   d.Clock,
		isAdmin: d.IsAdmin,
		loc:     d.Engine.Calendar().Location(),
		log:     d.Log.With(logx.String("comp", "telegram")),
		api:     out,
		prompts: map[int64]openPrompt{},
	}, nil
}

func (b *Bot) actor(u *tele.User) model.Actor {
	return model.Actor{ID: u.ID, Admin: b.isAdmin(u.ID)}
}

func (b *Bot) registerHandlers() {
	b.bot.Handle(tele.OnText, func(c tele.Context) error {
		m := c.Message()
		if m == nil || m.Sender == nil || !strings.HasPrefix(m.Text, "/") {
			return nil
		}
		fields := strings.Fields(m.Text)
		// "/my@SomeBot" in groups
		name, _, _ := strings.Cut(strings.ToLower(fields[0]), "@")
		ctx, cancel := context.WithTimeout(b.runContext(), b.cfg.HandlerTimeout)
		defer cancel()
		return c.Send(b.command(ctx, b.actor(m.Sender), name, fields[1:]))
	})

	b.bot.Handle(tele.OnCallback, func(c tele.Context) error {
		cb := c.Callback()
		if cb == nil || cb.Sender == nil {
			return nil
		}
		ctx, cancel := context.WithTimeout(b.runContext(), b.cfg.HandlerTimeout)
		defer cancel()
		text, clear := b.answerCallback(ctx, b.actor(cb.Sender), cb.Data)
		if clear && cb.Message != nil {
			if _, err := b.api.EditReplyMarkup(cb.Message, nil); err != nil {
				b.log.Debug("markup clear failed", logx.Err(err))
			}
		}
		return c.Respond(&tele.CallbackResponse{Text: text})
	})
}

func (b *Bot) runContext() context.Context {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	if b.sup != nil {
		return b.sup.Context()
	}
	return context.Background()
}

// Start begins long polling under a restarting supervisor.
func (b *Bot) Start(ctx context.Context) {
	b.runMu.Lock()
	if b.running || b.bot == nil {
		b.runMu.Unlock()
		return
	}
	b.running = true
	b.sup = rtsup.New(ctx,
		rtsup.WithLogger(b.log),
		rtsup.WithCancelOnError(false),
	)
	sup := b.sup
	b.runMu.Unlock()

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		b.bot.Stop()
	})
	// telebot's Start can return on its own in some failure modes; restart it
	// while the context is live.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		b.log.Info("polling started")
		b.bot.Start()
		b.log.Info("polling stopped")
		return nil
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithPublishFirstError(true),
		rtsup.WithStopOnCleanExit(false),
	)
}

// Stop ends polling. Long polls are abandoned after a short grace period.
func (b *Bot) Stop(ctx context.Context) error {
	b.runMu.Lock()
	sup := b.sup
	b.sup = nil
	wasRunning := b.running
	b.running = false
	b.runMu.Unlock()
	if !wasRunning || sup == nil {
		return nil
	}
	sup.Cancel()
	go b.bot.Stop()

	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			b.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		b.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}
