// Package clock owns the two timestamp formats used by settle.
//
// Durable columns hold the store-native format ("2006-01-02 15:04:05", UTC,
// no zone suffix) so that SQLite string comparison orders chronologically.
// API and event payloads hold the wire format (ISO-8601 with milliseconds and
// a literal Z). The two are never mixed in one column.
package clock

import (
	"fmt"
	"regexp"
	"sync"
	"time"
)

const (
	// StoreLayout is the durable-store timestamp layout.
	StoreLayout = "2006-01-02 15:04:05"

	// WireLayout is the external API / event timestamp layout.
	WireLayout = "2006-01-02T15:04:05.000Z"

	// DateLayout is a UTC calendar date, used to scope daily counters.
	DateLayout = "2006-01-02"
)

var (
	storeRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}$`)
	wireRe  = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}\.\d{3}Z$`)
)

// ─── Clock ──────────────────────────────────────────────────────────────────

// Clock abstracts the wall clock so tests can pin time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// System returns the real UTC wall clock.
func System() Clock { return systemClock{} }

// Manual is a settable clock for tests and replay tooling.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual returns a Manual clock pinned at t.
func NewManual(t time.Time) *Manual {
	return &Manual{now: t.UTC()}
}

// Now returns the pinned time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Set pins the clock at t.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	m.now = t.UTC()
	m.mu.Unlock()
}

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

// ─── Formatting ─────────────────────────────────────────────────────────────

// Store formats t for a durable column.
func Store(t time.Time) string { return t.UTC().Format(StoreLayout) }

// Wire formats t for an API or event payload.
func Wire(t time.Time) string { return t.UTC().Format(WireLayout) }

// ParseStore parses a store-native timestamp. Wire timestamps are rejected.
func ParseStore(s string) (time.Time, error) {
	if !IsStore(s) {
		return time.Time{}, fmt.Errorf("clock: %q is not a store timestamp", s)
	}
	return time.ParseInLocation(StoreLayout, s, time.UTC)
}

// ParseWire parses a wire timestamp. Store timestamps are rejected.
func ParseWire(s string) (time.Time, error) {
	if !IsWire(s) {
		return time.Time{}, fmt.Errorf("clock: %q is not a wire timestamp", s)
	}
	return time.Parse(WireLayout, s)
}

// IsStore reports whether s is exactly in store-native format.
func IsStore(s string) bool { return storeRe.MatchString(s) }

// IsWire reports whether s is exactly in wire format.
func IsWire(s string) bool { return wireRe.MatchString(s) }

// StoreToWire converts a store column value to its wire representation.
func StoreToWire(s string) (string, error) {
	t, err := ParseStore(s)
	if err != nil {
		return "", err
	}
	return Wire(t), nil
}

// ─── UTC day helpers ────────────────────────────────────────────────────────

// UTCDate returns the calendar date of t in UTC.
func UTCDate(t time.Time) string { return t.UTC().Format(DateLayout) }

// StartOfUTCDay truncates t to 00:00:00 UTC of the same day.
func StartOfUTCDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// NextUTCMidnight returns the first instant of the following UTC day.
func NextUTCMidnight(t time.Time) time.Time {
	return StartOfUTCDay(t).AddDate(0, 0, 1)
}
