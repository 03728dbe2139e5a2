package telegram

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"roombook/internal/model"

	tele "gopkg.in/telebot.v4"
)

// Callback data is kept short; Telegram caps it at 64 bytes.
//
//	c:<reservation id>            confirm
//	x:<reservation id>:<minutes>  extend
const (
	cbConfirm = "c"
	cbExtend  = "x"
)

type callback struct {
	Op      string
	ID      int64
	Minutes int
}

func confirmData(id int64) string { return cbConfirm + ":" + strconv.FormatInt(id, 10) }

func extendData(id int64, step time.Duration) string {
	return fmt.Sprintf("%s:%d:%d", cbExtend, id, int(step/time.Minute))
}

func parseCallback(data string) (callback, error) {
	parts := strings.Split(strings.TrimSpace(data), ":")
	bad := fmt.Errorf("malformed callback %q", data)
	if len(parts) < 2 {
		return callback{}, bad
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || id <= 0 {
		return callback{}, bad
	}
	switch {
	case parts[0] == cbConfirm && len(parts) == 2:
		return callback{Op: cbConfirm, ID: id}, nil
	case parts[0] == cbExtend && len(parts) == 3:
		m, err := strconv.Atoi(parts[2])
		if err != nil || m <= 0 {
			return callback{}, bad
		}
		return callback{Op: cbExtend, ID: id, Minutes: m}, nil
	}
	return callback{}, bad
}

func span(start, end time.Time, loc *time.Location) string {
	s, e := start.In(loc), end.In(loc)
	if s.YearDay() == e.YearDay() || e.Equal(time.Date(s.Year(), s.Month(), s.Day()+1, 0, 0, 0, 0, loc)) {
		return s.Format("Mon 02 Jan 15:04") + "–" + e.Format("15:04")
	}
	return s.Format("Mon 02 Jan 15:04") + "–" + e.Format("Mon 02 Jan 15:04")
}

// intentText renders an intent for its owner. The markup is nil when the
// message offers no action.
func intentText(in model.Intent, loc *time.Location) (string, *tele.ReplyMarkup) {
	when := span(in.Start, in.End, loc)
	name := in.ResourceName
	switch in.Kind {
	case model.IntentConfirmRequest:
		text := fmt.Sprintf("⏰ Your booking of %s starts soon (%s).\nPlease confirm you still need it, otherwise it will be released.", name, when)
		return text, inline(tele.InlineButton{Text: "✅ Confirm", Data: confirmData(in.ConfirmID)})
	case model.IntentAutoCancelled:
		return fmt.Sprintf("❌ Your booking of %s (%s) was not confirmed in time and has been cancelled.", name, when), nil
	case model.IntentExtendPrompt:
		step := int(in.ExtendStep / time.Minute)
		text := fmt.Sprintf("⌛ Your booking of %s ends at %s.\nThe next slot is free; extend by %d min?", name, in.End.In(loc).Format("15:04"), step)
		return text, inline(tele.InlineButton{Text: fmt.Sprintf("➕ %d min", step), Data: extendData(in.ReservationID, in.ExtendStep)})
	case model.IntentReminder:
		return fmt.Sprintf("⌛ Your booking of %s ends at %s.", name, in.End.In(loc).Format("15:04")), nil
	case model.IntentFinished:
		return fmt.Sprintf("🏁 Your booking of %s (%s) has finished.", name, when), nil
	case model.IntentExtendPromptExpired:
		return fmt.Sprintf("The offer to extend %s has expired.", name), nil
	}
	return fmt.Sprintf("Booking %d: %s", in.ReservationID, in.Kind), nil
}

func inline(btns ...tele.InlineButton) *tele.ReplyMarkup {
	return &tele.ReplyMarkup{InlineKeyboard: [][]tele.InlineButton{btns}}
}

// humanError turns engine errors into chat replies. Unknown errors are not
// echoed back.
func humanError(err error) string {
	switch model.KindOf(err) {
	case "invalid_argument":
		return "That request is not valid: " + trimKind(err)
	case "not_found":
		return "Booking not found."
	case "permission_denied":
		return "That booking is not yours."
	case "precondition_failed":
		return "Not possible right now: " + trimKind(err)
	case "conflict":
		return "That time is already taken."
	case "gone":
		return "Too late, the booking is already closed."
	case "unavailable":
		return "The service is busy, please try again."
	}
	return "Something went wrong, please try again later."
}

func trimKind(err error) string {
	s := err.Error()
	if i := strings.Index(s, ": "); i >= 0 {
		return s[i+2:]
	}
	return s
}
