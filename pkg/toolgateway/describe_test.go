package toolgateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDescribe(t *testing.T) {
	tests := []struct {
		name     string
		tool     string
		args     map[string]interface{}
		expected string
	}{
		{
			name:     "availability check with same-day range",
			tool:     "dish_mcp_check_availability_and_list_bookings",
			args:     map[string]interface{}{"start_datetime": "2026-03-02T15:00:00Z", "end_datetime": "2026-03-02T16:30:00Z"},
			expected: "Checking room availability for Mon 02 Mar, 15:00–16:30",
		},
		{
			name:     "availability check without dates",
			tool:     "dish_mcp_check_availability_and_list_bookings",
			args:     map[string]interface{}{},
			expected: "Checking room availability",
		},
		{
			name:     "book named room",
			tool:     "dish_mcp_book_room",
			args:     map[string]interface{}{"meeting_room_name": "Orion", "start_datetime": "2026-03-02T15:00:00Z", "end_datetime": "2026-03-02T16:00:00Z"},
			expected: "Booking Orion for Mon 02 Mar, 15:00–16:00",
		},
		{
			name:     "book without room name",
			tool:     "dish_mcp_book_room",
			args:     map[string]interface{}{},
			expected: "Booking a meeting room",
		},
		{
			name:     "cancel booking",
			tool:     "dish_mcp_cancel_booking",
			args:     map[string]interface{}{"booking_id": "77"},
			expected: "Cancelling room booking",
		},
		{
			name:     "unknown booking action",
			tool:     "dish_mcp_extend_booking",
			args:     map[string]interface{}{},
			expected: "Accessing room bookings (extend booking)",
		},
		{
			name:     "list events with multi-day range",
			tool:     "google_calendar_list-events",
			args:     map[string]interface{}{"timeMin": "2026-03-02T00:00:00Z", "timeMax": "2026-03-06T00:00:00Z"},
			expected: "Checking your calendar for Mon 02 Mar to Fri 06 Mar",
		},
		{
			name:     "create event with summary and date",
			tool:     "google_calendar_create-event",
			args:     map[string]interface{}{"summary": "Standup", "timeMin": "2026-03-03T09:00:00Z"},
			expected: "Creating 'Standup' on Tue 03 Mar",
		},
		{
			name:     "create event without context",
			tool:     "google_calendar_create-event",
			args:     map[string]interface{}{},
			expected: "Creating a new calendar event",
		},
		{
			name:     "simple calendar action",
			tool:     "google_calendar_delete-event",
			args:     map[string]interface{}{"eventId": "e1"},
			expected: "Removing calendar event",
		},
		{
			name:     "unknown calendar action",
			tool:     "google_calendar_move-event",
			args:     map[string]interface{}{},
			expected: "Accessing Google Calendar (move event)",
		},
		{
			name:     "unprefixed tool",
			tool:     "weather_lookup",
			args:     map[string]interface{}{},
			expected: "Processing: weather lookup",
		},
		{
			name:     "unparseable dates fall back",
			tool:     "google_calendar_list-events",
			args:     map[string]interface{}{"timeMin": "next tuesday"},
			expected: "Checking your calendar",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Describe(tt.tool, tt.args))
		})
	}
}
