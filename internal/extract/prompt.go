package extract

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"mailcal/internal/models"
)

const systemPrompt = `You are a personal assistant who receives emails and turns their contents into calendar events.
Parse the email from top to bottom. Every line that is not blank, a month or a year should contain at least one event.
Always return a list of events, even when there are none or only one.

These are STRICT rules that you MUST follow:
- The email may start with a year that all following events take place in. If no year is given use {year}.
- A line naming a month sets the month for all following events until another month or year is given.
- The lines after a month hold the events of that month.
- The summary may be shortened only to remove date or time information (weekdays, "week of" and similar).
- Dates are a single day of the month or a range of days.
- Times can look like 12:50, 6:30, 9am, 820, 130, 8, 10-12, 10:30-12:30, 9am-11am, 9-11, 9-11am or similar, anywhere in the line.
- If there is no time the event lasts the whole day: start 00:00, end 23:59, all_day true.
- If an event spans several days and has only one time, it is all day.
- If the event is cancelled (or called off, or similar) set cancelled to true, otherwise false.
- Write start and end as local wall-clock times in the format YYYY-MM-DDTHH:MM:SS without a zone.
- If an event is a revision of one of the known events listed below, set matched_id to that event's id.

Reply with JSON only, matching this shape:
{"events":[{"summary":"...","start":"...","end":"...","all_day":false,"cancelled":false,"matched_id":null}]}`

// buildSystemPrompt fills in the default year from the message's delivery date
// and appends the known events.
func buildSystemPrompt(msg models.Message, known []models.Occurrence, loc *time.Location) string {
	year := time.Now().In(loc).Year()
	if !msg.DeliveredAt.IsZero() {
		year = msg.DeliveredAt.In(loc).Year()
	}

	var sb strings.Builder
	sb.WriteString(strings.ReplaceAll(systemPrompt, "{year}", strconv.Itoa(year)))

	if len(known) > 0 {
		sb.WriteString("\n\nKnown events:\n")
		for _, occ := range known {
			sb.WriteString(fmt.Sprintf("- id=%d %q %s -> %s\n",
				occ.ID, occ.Summary,
				occ.Start.In(loc).Format(localLayout),
				occ.End.In(loc).Format(localLayout)))
		}
	}

	return sb.String()
}

func buildUserPrompt(msg models.Message) string {
	return "Subject: " + msg.Subject + "\n\n" + msg.Body
}
