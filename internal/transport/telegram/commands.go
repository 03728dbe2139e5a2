package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"roombook/internal/booking"
	"roombook/internal/calendar"
	"roombook/internal/catalog"
	"roombook/internal/model"
	logx "roombook/pkg/logx"
)

const helpText = `Commands:
/resources  list bookable resources
/slots <resource id> [YYYY-MM-DD]  free time on a day
/my  your upcoming bookings
/confirm <booking id>
/cancel <booking id>
/finish <booking id>
/extend <booking id> <minutes>`

// answerCallback runs a button press and returns the toast text, and whether
// the buttons under the message should be removed.
func (b *Bot) answerCallback(ctx context.Context, actor model.Actor, data string) (string, bool) {
	cb, err := parseCallback(data)
	if err != nil {
		b.log.Debug("callback ignored", logx.String("data", data))
		return "Unknown action.", true
	}
	switch cb.Op {
	case cbConfirm:
		r, err := b.eng.Confirm(ctx, cb.ID, actor)
		if err != nil {
			return humanError(err), model.KindOf(err) != "unavailable"
		}
		return fmt.Sprintf("Confirmed, %s is yours until %s.", b.resourceName(r.ResourceID), r.End.In(b.loc).Format("15:04")), true
	case cbExtend:
		end, err := b.eng.Extend(ctx, cb.ID, actor, time.Duration(cb.Minutes)*time.Minute)
		if err != nil {
			return humanError(err), model.KindOf(err) != "unavailable"
		}
		// the pressed message loses its buttons with the answer
		b.forgetPrompt(cb.ID)
		return "Extended until " + end.In(b.loc).Format("15:04") + ".", true
	}
	return "Unknown action.", true
}

// command handles a slash command and returns the reply.
func (b *Bot) command(ctx context.Context, actor model.Actor, name string, args []string) string {
	switch name {
	case "/start", "/help":
		return helpText
	case "/resources":
		var sb strings.Builder
		for _, r := range b.catalog.Resources() {
			if !r.Active {
				continue
			}
			fmt.Fprintf(&sb, "%d  %s", r.ID, r.Name)
			if r.Note != "" {
				sb.WriteString("  (" + r.Note + ")")
			}
			sb.WriteByte('\n')
		}
		if sb.Len() == 0 {
			return "No resources are open for booking."
		}
		return strings.TrimRight(sb.String(), "\n")
	case "/slots":
		return b.slots(ctx, args)
	case "/my":
		views, err := b.eng.ListOwn(ctx, actor, booking.Window{From: b.clock.Now(), Limit: 20})
		if err != nil {
			return humanError(err)
		}
		if len(views) == 0 {
			return "You have no upcoming bookings."
		}
		var sb strings.Builder
		for _, v := range views {
			fmt.Fprintf(&sb, "#%d %s  %s  [%s]\n", v.ID, v.ResourceName, span(v.Start, v.End, b.loc), v.Status)
		}
		return strings.TrimRight(sb.String(), "\n")
	case "/confirm", "/cancel", "/finish":
		id, ok := argID(args, 0)
		if !ok {
			return "Usage: " + name + " <booking id>"
		}
		op := map[string]func(context.Context, int64, model.Actor) (model.Reservation, error){
			"/confirm": b.eng.Confirm,
			"/cancel":  b.eng.Cancel,
			"/finish":  b.eng.Finish,
		}[name]
		r, err := op(ctx, id, actor)
		if err != nil {
			return humanError(err)
		}
		if r.Status.Terminal() {
			b.withdrawPrompt(r.ID)
		}
		return fmt.Sprintf("Booking #%d is now %s.", r.ID, r.Status)
	case "/extend":
		id, ok := argID(args, 0)
		mins, err := strconv.Atoi(argAt(args, 1))
		if !ok || err != nil {
			return "Usage: /extend <booking id> <minutes>"
		}
		end, err := b.eng.Extend(ctx, id, actor, time.Duration(mins)*time.Minute)
		if err != nil {
			return humanError(err)
		}
		b.withdrawPrompt(id)
		return fmt.Sprintf("Booking #%d now ends at %s.", id, end.In(b.loc).Format("15:04"))
	}
	return "Unknown command. " + helpText
}

func (b *Bot) slots(ctx context.Context, args []string) string {
	rid, ok := argID(args, 0)
	if !ok {
		return "Usage: /slots <resource id> [YYYY-MM-DD]"
	}
	d := b.eng.Calendar().LocalDate(b.clock.Now())
	if raw := argAt(args, 1); raw != "" {
		var err error
		if d, err = calendar.ParseDate(raw); err != nil {
			return "Dates look like 2026-03-02."
		}
	}
	free, err := b.eng.FreeSlots(ctx, rid, d)
	if err != nil {
		return humanError(err)
	}
	if len(free) == 0 {
		return fmt.Sprintf("%s is fully booked on %s.", b.resourceName(rid), d)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Free %s on %s:\n", b.resourceName(rid), d)
	for _, iv := range free {
		fmt.Fprintf(&sb, "%s–%s\n", iv.Start.In(b.loc).Format("15:04"), iv.End.In(b.loc).Format("15:04"))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (b *Bot) resourceName(id int64) string { return catalog.Name(b.catalog, id) }

func argAt(args []string, i int) string {
	if i < len(args) {
		return args[i]
	}
	return ""
}

func argID(args []string, i int) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimPrefix(argAt(args, i), "#"), 10, 64)
	return id, err == nil && id > 0
}
