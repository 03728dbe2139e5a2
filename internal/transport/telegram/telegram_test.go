package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"roombook/internal/booking"
	"roombook/internal/calendar"
	"roombook/internal/catalog"
	"roombook/internal/clock"
	"roombook/internal/model"
	logx "roombook/pkg/logx"

	tele "gopkg.in/telebot.v4"
)

var t0 = time.Date(2026, 3, 2, 9, 50, 0, 0, time.UTC)

type sent struct {
	chat   int64
	text   string
	markup *tele.ReplyMarkup
}

type fakeAPI struct {
	mu       sync.Mutex
	nextID   int
	sent     []sent
	cleared  []int
	failNext error
}

func (f *fakeAPI) Send(to tele.Recipient, what any, opts ...any) (*tele.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failNext; err != nil {
		f.failNext = nil
		return nil, err
	}
	chat := to.(*tele.Chat)
	s := sent{chat: chat.ID, text: what.(string)}
	for _, o := range opts {
		if so, ok := o.(*tele.SendOptions); ok {
			s.markup = so.ReplyMarkup
		}
	}
	f.sent = append(f.sent, s)
	f.nextID++
	return &tele.Message{ID: f.nextID, Chat: chat}, nil
}

func (f *fakeAPI) EditReplyMarkup(msg tele.Editable, _ *tele.ReplyMarkup) (*tele.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m := msg.(*tele.Message)
	f.cleared = append(f.cleared, m.ID)
	return m, nil
}

type fakeEngine struct {
	cal      *calendar.Calendar
	extended []time.Duration
}

func (e *fakeEngine) Confirm(_ context.Context, id int64, a model.Actor) (model.Reservation, error) {
	if a.ID != 101 {
		return model.Reservation{}, model.ErrPermissionDenied
	}
	if id == 9 {
		return model.Reservation{}, errors.Join(model.ErrGone)
	}
	return model.Reservation{ID: id, ResourceID: 1, OwnerID: 101, Status: model.StatusActive,
		Start: t0.Add(10 * time.Minute), End: t0.Add(70 * time.Minute)}, nil
}

func (e *fakeEngine) Cancel(_ context.Context, id int64, _ model.Actor) (model.Reservation, error) {
	return model.Reservation{ID: id, Status: model.StatusCancelled}, nil
}

func (e *fakeEngine) Finish(_ context.Context, id int64, _ model.Actor) (model.Reservation, error) {
	return model.Reservation{}, model.Precondition("reservation is not active")
}

func (e *fakeEngine) Extend(_ context.Context, id int64, _ model.Actor, d time.Duration) (time.Time, error) {
	e.extended = append(e.extended, d)
	return t0.Add(100 * time.Minute), nil
}

func (e *fakeEngine) ListOwn(context.Context, model.Actor, booking.Window) ([]booking.View, error) {
	return []booking.View{{
		Reservation:  model.Reservation{ID: 4, Start: t0.Add(time.Hour), End: t0.Add(2 * time.Hour), Status: model.StatusPending},
		ResourceName: "Room A",
	}}, nil
}

func (e *fakeEngine) FreeSlots(_ context.Context, rid int64, d calendar.Date) ([]calendar.Interval, error) {
	if rid != 1 {
		return nil, model.Invalid("unknown resource %d", rid)
	}
	return []calendar.Interval{{Start: t0.Add(10 * time.Minute), End: t0.Add(70 * time.Minute)}}, nil
}

func (e *fakeEngine) Calendar() *calendar.Calendar { return e.cal }

func newTestBot(t *testing.T) (*Bot, *fakeAPI, *fakeEngine) {
	t.Helper()
	cal, err := calendar.New(calendar.Config{
		Location:    time.UTC,
		WorkStart:   calendar.At(9, 0),
		WorkEnd:     calendar.At(18, 0),
		Step:        30 * time.Minute,
		MaxDuration: 3 * time.Hour,
	})
	if err != nil {
		t.Fatalf("calendar.New error: %v", err)
	}
	cat, err := catalog.NewStatic([]model.Resource{
		{ID: 1, Name: "Room A", Active: true},
		{ID: 2, Name: "Closed", Active: false},
	})
	if err != nil {
		t.Fatalf("NewStatic error: %v", err)
	}
	eng := &fakeEngine{cal: cal}
	out := &fakeAPI{}
	b, err := newBot(Config{LogChatID: -100}, Deps{
		Engine:  eng,
		Catalog: cat,
		Clock:   clock.NewManual(t0),
		Log:     logx.Nop(),
	}, out)
	if err != nil {
		t.Fatalf("newBot error: %v", err)
	}
	return b, out, eng
}

func intent(kind model.IntentKind, fireAt time.Time) model.Intent {
	return model.Intent{
		ID: 1, Kind: kind, ReservationID: 5, ResourceID: 1, ResourceName: "Room A", OwnerID: 101,
		Start: t0.Add(10 * time.Minute), End: t0.Add(70 * time.Minute),
		ConfirmID: 5, ExtendStep: 30 * time.Minute, JobFireAt: fireAt,
	}
}

func TestParseCallback(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    callback
		wantErr bool
	}{
		{"c:12", callback{Op: cbConfirm, ID: 12}, false},
		{"x:12:30", callback{Op: cbExtend, ID: 12, Minutes: 30}, false},
		{confirmData(7), callback{Op: cbConfirm, ID: 7}, false},
		{extendData(7, time.Hour), callback{Op: cbExtend, ID: 7, Minutes: 60}, false},
		{"c", callback{}, true},
		{"c:0", callback{}, true},
		{"c:1:2", callback{}, true},
		{"x:1", callback{}, true},
		{"x:1:-30", callback{}, true},
		{"z:1", callback{}, true},
	}
	for _, tt := range tests {
		got, err := parseCallback(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Fatalf("parseCallback(%q) = %+v, %v; want %+v, err %v", tt.in, got, err, tt.want, tt.wantErr)
		}
	}
}

func TestIntentTextAndMarkup(t *testing.T) {
	t.Parallel()
	tests := []struct {
		kind     model.IntentKind
		contains string
		button   string
	}{
		{model.IntentConfirmRequest, "confirm", "c:5"},
		{model.IntentExtendPrompt, "extend by 30 min", "x:5:30"},
		{model.IntentReminder, "ends at 11:00", ""},
		{model.IntentAutoCancelled, "cancelled", ""},
		{model.IntentFinished, "finished", ""},
	}
	for _, tt := range tests {
		text, markup := intentText(intent(tt.kind, t0), time.UTC)
		if !strings.Contains(text, tt.contains) || !strings.Contains(text, "Room A") {
			t.Fatalf("%s text = %q, want it to mention %q", tt.kind, text, tt.contains)
		}
		switch {
		case tt.button == "" && markup != nil:
			t.Fatalf("%s has markup, want none", tt.kind)
		case tt.button != "" && (markup == nil || markup.InlineKeyboard[0][0].Data != tt.button):
			t.Fatalf("%s markup = %+v, want button %q", tt.kind, markup, tt.button)
		}
	}
}

func TestEmitDedupsAndWithdrawsPrompt(t *testing.T) {
	t.Parallel()
	b, out, _ := newTestBot(t)
	ctx := context.Background()

	in := intent(model.IntentConfirmRequest, t0)
	for range 2 {
		if err := b.EmitConfirmRequest(ctx, in); err != nil {
			t.Fatalf("EmitConfirmRequest error: %v", err)
		}
	}
	if len(out.sent) != 1 || out.sent[0].chat != 101 {
		t.Fatalf("sent = %+v, want one message to the owner", out.sent)
	}

	// a failed send must not be remembered as delivered
	retry := intent(model.IntentReminder, t0.Add(time.Hour))
	out.failNext = errors.New("telegram down")
	if err := b.EmitReminder(ctx, retry); err == nil {
		t.Fatal("expected send error")
	}
	if err := b.EmitReminder(ctx, retry); err != nil || len(out.sent) != 2 {
		t.Fatalf("retry err = %v, sent = %d, want delivered", err, len(out.sent))
	}

	prompt := intent(model.IntentExtendPrompt, t0.Add(50*time.Minute))
	if err := b.EmitExtendPrompt(ctx, prompt); err != nil {
		t.Fatalf("EmitExtendPrompt error: %v", err)
	}
	if err := b.EmitExtendPromptExpired(ctx, intent(model.IntentExtendPromptExpired, t0.Add(55*time.Minute))); err != nil {
		t.Fatalf("EmitExtendPromptExpired error: %v", err)
	}
	if len(out.cleared) != 1 || out.cleared[0] != 3 {
		t.Fatalf("cleared = %v, want the prompt message 3", out.cleared)
	}
	// nothing left to withdraw
	if err := b.EmitExtendPromptExpired(ctx, intent(model.IntentExtendPromptExpired, t0.Add(56*time.Minute))); err != nil || len(out.cleared) != 1 {
		t.Fatalf("second withdraw err = %v cleared = %v", err, out.cleared)
	}
}

func TestPromptWithdrawnWhenReservationEnds(t *testing.T) {
	t.Parallel()
	b, out, _ := newTestBot(t)
	ctx := context.Background()
	owner := model.Actor{ID: 101}

	if err := b.EmitExtendPrompt(ctx, intent(model.IntentExtendPrompt, t0.Add(50*time.Minute))); err != nil {
		t.Fatalf("EmitExtendPrompt error: %v", err)
	}
	if err := b.EmitFinished(ctx, intent(model.IntentFinished, t0.Add(70*time.Minute))); err != nil {
		t.Fatalf("EmitFinished error: %v", err)
	}
	if len(out.cleared) != 1 || out.cleared[0] != 1 || len(out.sent) != 2 {
		t.Fatalf("cleared = %v sent = %d, want prompt 1 withdrawn and the notice sent", out.cleared, len(out.sent))
	}
	if err := b.EmitAutoCancelled(ctx, intent(model.IntentAutoCancelled, t0.Add(9*time.Minute))); err != nil || len(out.cleared) != 1 {
		t.Fatalf("AutoCancelled without prompt: err = %v cleared = %v", err, out.cleared)
	}

	// cancelling from chat takes the open offer back as well
	p := intent(model.IntentExtendPrompt, t0.Add(50*time.Minute))
	p.ReservationID = 4
	if err := b.EmitExtendPrompt(ctx, p); err != nil {
		t.Fatalf("EmitExtendPrompt error: %v", err)
	}
	b.command(ctx, owner, "/cancel", []string{"4"})
	if len(out.cleared) != 2 || out.cleared[1] != 4 {
		t.Fatalf("cleared = %v, want prompt 4 withdrawn on /cancel", out.cleared)
	}
	b.promptMu.Lock()
	left := len(b.prompts)
	b.promptMu.Unlock()
	if left != 0 {
		t.Fatalf("open prompts = %d, want 0", left)
	}
}

func TestSendLog(t *testing.T) {
	t.Parallel()
	b, out, _ := newTestBot(t)
	if err := b.SendLog(context.Background(), "ERROR boom"); err != nil {
		t.Fatalf("SendLog error: %v", err)
	}
	if len(out.sent) != 1 || out.sent[0].chat != -100 {
		t.Fatalf("sent = %+v, want one alert to the log chat", out.sent)
	}
}

func TestAnswerCallback(t *testing.T) {
	t.Parallel()
	b, _, eng := newTestBot(t)
	ctx := context.Background()
	owner := model.Actor{ID: 101}

	tests := []struct {
		actor model.Actor
		data  string
		want  string
	}{
		{owner, "c:5", "Confirmed, Room A is yours until 11:00."},
		{model.Actor{ID: 102}, "c:5", "That booking is not yours."},
		{owner, "c:9", "Too late"},
		{owner, "x:5:30", "Extended until 11:30."},
		{owner, "garbage", "Unknown action."},
	}
	for _, tt := range tests {
		got, clear := b.answerCallback(ctx, tt.actor, tt.data)
		if !strings.HasPrefix(got, tt.want) || !clear {
			t.Fatalf("answerCallback(%q) = %q, %v; want prefix %q", tt.data, got, clear, tt.want)
		}
	}
	if len(eng.extended) != 1 || eng.extended[0] != 30*time.Minute {
		t.Fatalf("extended = %v, want [30m]", eng.extended)
	}
}

func TestCommands(t *testing.T) {
	t.Parallel()
	b, _, _ := newTestBot(t)
	ctx := context.Background()
	a := model.Actor{ID: 101}

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"/resources", nil, "1  Room A"},
		{"/slots", []string{"1"}, "Free Room A on 2026-03-02:\n10:00–11:00"},
		{"/slots", []string{"7"}, "That request is not valid: unknown resource 7"},
		{"/slots", nil, "Usage: /slots"},
		{"/my", nil, "#4 Room A"},
		{"/cancel", []string{"#4"}, "Booking #4 is now cancelled."},
		{"/finish", []string{"4"}, "Not possible right now: reservation is not active"},
		{"/extend", []string{"4", "30"}, "Booking #4 now ends at 11:30."},
		{"/extend", []string{"4"}, "Usage: /extend"},
		{"/nope", nil, "Unknown command."},
	}
	for _, tt := range tests {
		got := b.command(ctx, a, tt.name, tt.args)
		if !strings.Contains(got, tt.want) {
			t.Fatalf("%s %v = %q, want it to contain %q", tt.name, tt.args, got, tt.want)
		}
	}
	if got := b.command(ctx, a, "/resources", nil); strings.Contains(got, "Closed") {
		t.Fatalf("/resources lists inactive resource: %q", got)
	}
}
