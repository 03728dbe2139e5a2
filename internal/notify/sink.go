package notify

import (
	"context"
	"errors"
	"fmt"

	"roombook/internal/model"
	logx "roombook/pkg/logx"
)

// Sink is the front end's side of the intent channel.
type Sink interface {
	EmitReminder(ctx context.Context, in model.Intent) error
	EmitConfirmRequest(ctx context.Context, in model.Intent) error
	EmitAutoCancelled(ctx context.Context, in model.Intent) error
	EmitExtendPrompt(ctx context.Context, in model.Intent) error
	EmitFinished(ctx context.Context, in model.Intent) error
}

// PromptWithdrawer is implemented by sinks that can take back an extension
// offer once it expires. Other sinks silently ignore ExtendPromptExpired.
type PromptWithdrawer interface {
	EmitExtendPromptExpired(ctx context.Context, in model.Intent) error
}

// Deliver routes in to the matching Emit method.
func Deliver(ctx context.Context, s Sink, in model.Intent) error {
	switch in.Kind {
	case model.IntentReminder:
		return s.EmitReminder(ctx, in)
	case model.IntentConfirmRequest:
		return s.EmitConfirmRequest(ctx, in)
	case model.IntentAutoCancelled:
		return s.EmitAutoCancelled(ctx, in)
	case model.IntentExtendPrompt:
		return s.EmitExtendPrompt(ctx, in)
	case model.IntentFinished:
		return s.EmitFinished(ctx, in)
	case model.IntentExtendPromptExpired:
		if w, ok := s.(PromptWithdrawer); ok {
			return w.EmitExtendPromptExpired(ctx, in)
		}
		return nil
	default:
		return fmt.Errorf("unknown intent kind %q", in.Kind)
	}
}

// LogSink writes intents to the log. Useful when no chat front end is wired.
type LogSink struct {
	Log logx.Logger
}

func (s LogSink) emit(in model.Intent) error {
	s.Log.Info("intent",
		logx.String("kind", string(in.Kind)),
		logx.Int64("reservation_id", in.ReservationID),
		logx.String("resource", in.ResourceName),
		logx.Int64("owner_id", in.OwnerID),
		logx.Time("start", in.Start),
		logx.Time("end", in.End),
		logx.Bool("can_extend", in.CanExtend),
	)
	return nil
}

func (s LogSink) EmitReminder(_ context.Context, in model.Intent) error       { return s.emit(in) }
func (s LogSink) EmitConfirmRequest(_ context.Context, in model.Intent) error { return s.emit(in) }
func (s LogSink) EmitAutoCancelled(_ context.Context, in model.Intent) error  { return s.emit(in) }
func (s LogSink) EmitExtendPrompt(_ context.Context, in model.Intent) error   { return s.emit(in) }
func (s LogSink) EmitFinished(_ context.Context, in model.Intent) error       { return s.emit(in) }
func (s LogSink) EmitExtendPromptExpired(_ context.Context, in model.Intent) error {
	return s.emit(in)
}

// ChanSink pushes every intent, including ExtendPromptExpired, onto C.
// It blocks until the receiver takes the intent or ctx ends.
type ChanSink struct {
	C chan model.Intent
}

func NewChanSink(buffer int) *ChanSink {
	return &ChanSink{C: make(chan model.Intent, buffer)}
}

func (s *ChanSink) emit(ctx context.Context, in model.Intent) error {
	select {
	case s.C <- in:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *ChanSink) EmitReminder(ctx context.Context, in model.Intent) error { return s.emit(ctx, in) }
func (s *ChanSink) EmitConfirmRequest(ctx context.Context, in model.Intent) error {
	return s.emit(ctx, in)
}
func (s *ChanSink) EmitAutoCancelled(ctx context.Context, in model.Intent) error {
	return s.emit(ctx, in)
}
func (s *ChanSink) EmitExtendPrompt(ctx context.Context, in model.Intent) error {
	return s.emit(ctx, in)
}
func (s *ChanSink) EmitFinished(ctx context.Context, in model.Intent) error { return s.emit(ctx, in) }
func (s *ChanSink) EmitExtendPromptExpired(ctx context.Context, in model.Intent) error {
	return s.emit(ctx, in)
}

// Drain returns whatever is buffered in C without blocking.
func (s *ChanSink) Drain() []model.Intent {
	var out []model.Intent
	for {
		select {
		case in := <-s.C:
			out = append(out, in)
		default:
			return out
		}
	}
}

// MultiSink delivers to every sink and joins their errors. A failing member
// makes the whole delivery fail, so the intent is retried for all members.
type MultiSink []Sink

func (m MultiSink) each(ctx context.Context, in model.Intent) error {
	var errs []error
	for _, s := range m {
		if err := Deliver(ctx, s, in); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiSink) EmitReminder(ctx context.Context, in model.Intent) error { return m.each(ctx, in) }
func (m MultiSink) EmitConfirmRequest(ctx context.Context, in model.Intent) error {
	return m.each(ctx, in)
}
func (m MultiSink) EmitAutoCancelled(ctx context.Context, in model.Intent) error {
	return m.each(ctx, in)
}
func (m MultiSink) EmitExtendPrompt(ctx context.Context, in model.Intent) error {
	return m.each(ctx, in)
}
func (m MultiSink) EmitFinished(ctx context.Context, in model.Intent) error { return m.each(ctx, in) }
func (m MultiSink) EmitExtendPromptExpired(ctx context.Context, in model.Intent) error {
	return m.each(ctx, in)
}
