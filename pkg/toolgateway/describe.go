package toolgateway

import (
	"fmt"
	"strings"
	"time"
)

// gcalSimpleActions are calendar actions whose description never depends on
// arguments.
var gcalSimpleActions = map[string]string{
	"get-event":      "Looking up event details",
	"delete-event":   "Removing calendar event",
	"list-calendars": "Fetching your calendars",
}

// Describe builds a user-friendly one-liner for a tool call, shown to the
// user while the call is in flight.
func Describe(toolName string, args map[string]interface{}) string {
	if action, ok := strings.CutPrefix(toolName, string(ProviderCalendar)+"_"); ok {
		return describeCalendar(action, args)
	}
	if action, ok := strings.CutPrefix(toolName, string(ProviderBooking)+"_"); ok {
		return describeBooking(action, args)
	}

	action := strings.ReplaceAll(strings.ReplaceAll(toolName, "_", " "), "-", " ")
	return "Processing: " + action
}

func describeCalendar(action string, args map[string]interface{}) string {
	if desc, ok := gcalSimpleActions[action]; ok {
		return desc
	}

	dateInfo := formatDateRange(args)
	summary := stringArg(args, "summary", "title")

	switch action {
	case "list-events":
		if dateInfo != "" {
			return "Checking your calendar for " + dateInfo
		}
		return "Checking your calendar"
	case "create-event":
		if summary == "" && dateInfo == "" {
			return "Creating a new calendar event"
		}
		desc := fmt.Sprintf("Creating '%s'", summary)
		if dateInfo != "" {
			desc += " on " + dateInfo
		}
		return desc
	case "update-event":
		if summary == "" && dateInfo == "" {
			return "Updating calendar event"
		}
		return fmt.Sprintf("Updating '%s'", summary)
	}

	return fmt.Sprintf("Accessing Google Calendar (%s)", strings.ReplaceAll(action, "-", " "))
}

func describeBooking(action string, args map[string]interface{}) string {
	if action == "cancel_booking" {
		return "Cancelling room booking"
	}

	dateInfo := formatDateRange(args)
	room := stringArg(args, "meeting_room_name", "room_name")

	switch action {
	case "check_availability_and_list_bookings":
		if dateInfo != "" {
			return "Checking room availability for " + dateInfo
		}
		return "Checking room availability"
	case "book_room":
		if room == "" {
			room = "a meeting room"
		}
		if dateInfo != "" {
			return fmt.Sprintf("Booking %s for %s", room, dateInfo)
		}
		return "Booking " + room
	}

	return fmt.Sprintf("Accessing room bookings (%s)", strings.ReplaceAll(action, "_", " "))
}

// formatDateRange renders the start/end arguments of a call as a compact
// human-readable range. Same-day ranges show times, multi-day ranges show
// both dates.
func formatDateRange(args map[string]interface{}) string {
	timeMin := stringArg(args, "timeMin", "start_datetime")
	timeMax := stringArg(args, "timeMax", "end_datetime")
	if timeMin == "" {
		return ""
	}

	start, err := parseISO(timeMin)
	if err != nil {
		return ""
	}
	startStr := start.Format("Mon 02 Jan")

	if timeMax == "" {
		return startStr
	}
	end, err := parseISO(timeMax)
	if err != nil {
		return ""
	}
	if start.Year() == end.Year() && start.YearDay() == end.YearDay() {
		return fmt.Sprintf("%s, %s–%s", startStr, start.Format("15:04"), end.Format("15:04"))
	}
	return fmt.Sprintf("%s to %s", startStr, end.Format("Mon 02 Jan"))
}

func parseISO(value string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02T15:04:05", value)
}

func stringArg(args map[string]interface{}, keys ...string) string {
	for _, key := range keys {
		if v, ok := args[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
