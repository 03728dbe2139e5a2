package telegram

import (
	"context"
	"fmt"
	"sync"
	"time"

	"roombook/internal/model"
	"roombook/internal/notify"
	logx "roombook/pkg/logx"

	tele "gopkg.in/telebot.v4"
)

var (
	_ notify.Sink             = (*Bot)(nil)
	_ notify.PromptWithdrawer = (*Bot)(nil)
	_ logx.Sender             = (*Bot)(nil)
)

const seenTTL = 24 * time.Hour

type intentKey struct {
	res  int64
	kind model.IntentKind
	at   int64
}

// delivered remembers recent intents so redelivery after a crash between
// send and mark is not shown twice.
type delivered struct {
	mu   sync.Mutex
	seen map[intentKey]time.Time
}

func (d *delivered) claim(in model.Intent, now time.Time) bool {
	k := intentKey{in.ReservationID, in.Kind, in.JobFireAt.UnixNano()}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen == nil {
		d.seen = map[intentKey]time.Time{}
	}
	if _, dup := d.seen[k]; dup {
		return false
	}
	if len(d.seen) > 1024 {
		for key, t := range d.seen {
			if now.Sub(t) > seenTTL {
				delete(d.seen, key)
			}
		}
	}
	d.seen[k] = now
	return true
}

func (d *delivered) release(in model.Intent) {
	d.mu.Lock()
	delete(d.seen, intentKey{in.ReservationID, in.Kind, in.JobFireAt.UnixNano()})
	d.mu.Unlock()
}

// openPrompt is an extension offer still showing its button.
type openPrompt struct {
	msg *tele.Message
	end time.Time
}

func (b *Bot) EmitReminder(ctx context.Context, in model.Intent) error       { return b.emit(ctx, in) }
func (b *Bot) EmitConfirmRequest(ctx context.Context, in model.Intent) error { return b.emit(ctx, in) }
func (b *Bot) EmitExtendPrompt(ctx context.Context, in model.Intent) error   { return b.emit(ctx, in) }

func (b *Bot) EmitAutoCancelled(ctx context.Context, in model.Intent) error {
	b.withdrawPrompt(in.ReservationID)
	return b.emit(ctx, in)
}

func (b *Bot) EmitFinished(ctx context.Context, in model.Intent) error {
	b.withdrawPrompt(in.ReservationID)
	return b.emit(ctx, in)
}

// EmitExtendPromptExpired strips the extend button from the prompt message.
// Without a remembered prompt (e.g. after a restart) there is nothing to withdraw.
func (b *Bot) EmitExtendPromptExpired(ctx context.Context, in model.Intent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.withdrawPrompt(in.ReservationID)
	return nil
}

func (b *Bot) rememberPrompt(id int64, msg *tele.Message, end time.Time) {
	now := b.clock.Now()
	b.promptMu.Lock()
	defer b.promptMu.Unlock()
	for k, p := range b.prompts {
		if !p.end.After(now) {
			delete(b.prompts, k)
		}
	}
	b.prompts[id] = openPrompt{msg: msg, end: end}
}

func (b *Bot) forgetPrompt(id int64) *tele.Message {
	b.promptMu.Lock()
	defer b.promptMu.Unlock()
	p, ok := b.prompts[id]
	if !ok {
		return nil
	}
	delete(b.prompts, id)
	return p.msg
}

func (b *Bot) withdrawPrompt(id int64) {
	msg := b.forgetPrompt(id)
	if msg == nil {
		return
	}
	// the message may be gone or already edited; either way the offer is withdrawn
	if _, err := b.api.EditReplyMarkup(msg, nil); err != nil {
		b.log.Debug("prompt withdraw failed", logx.Int64("reservation", id), logx.Err(err))
	}
}

func (b *Bot) emit(ctx context.Context, in model.Intent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if in.OwnerID == 0 {
		return fmt.Errorf("intent %d has no owner", in.ID)
	}
	if !b.sent.claim(in, b.clock.Now()) {
		b.log.Debug("duplicate intent skipped", logx.Int64("intent", in.ID), logx.String("kind", string(in.Kind)))
		return nil
	}
	text, markup := intentText(in, b.loc)
	opts := &tele.SendOptions{ReplyMarkup: markup}
	msg, err := b.api.Send(&tele.Chat{ID: in.OwnerID}, text, opts)
	if err != nil {
		b.sent.release(in)
		return err
	}
	if in.Kind == model.IntentExtendPrompt && msg != nil {
		b.rememberPrompt(in.ReservationID, msg, in.End)
	}
	return nil
}

// SendLog posts an alert line to the operator chat.
func (b *Bot) SendLog(ctx context.Context, text string) error {
	if b.cfg.LogChatID == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := b.api.Send(&tele.Chat{ID: b.cfg.LogChatID}, text, &tele.SendOptions{DisableWebPagePreview: true})
	return err
}
