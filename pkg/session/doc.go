// Package session owns per-conversation state: ordered, append-only turn
// history keyed by an opaque session id, with an at-most-one-active-turn
// guarantee per session and idle-based eviction.
package session
