// Package oauth holds the calendar OAuth token lifecycle: the one-shot
// authorization-code exchange and the proactive refresh performed before
// every calendar-bound tool call.
package oauth

import (
	"time"
)

// Token is the stored OAuth credential for a user's calendar connection.
// ExpiryDate is a Unix timestamp in milliseconds, matching what the calendar
// tool provider expects in its oauth_credentials payload.
type Token struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiryDate   int64  `json:"expiry_date"`
}

// ExpiresWithin reports whether the token is expired or will expire inside
// the given safety margin. A zero expiry is treated as already expired.
func (t Token) ExpiresWithin(margin time.Duration) bool {
	if t.ExpiryDate <= 0 {
		return true
	}
	nowMs := time.Now().UnixMilli()
	return nowMs >= t.ExpiryDate-margin.Milliseconds()
}
