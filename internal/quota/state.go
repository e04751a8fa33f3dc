// Package quota decides whether a question or an export may run and keeps the
// daily and anonymous counters that back that decision. Everything here is a
// pure function over value types; persistence lives in the store package.
package quota

import "time"

const (
	DefaultFreeUsesLimit      = 25
	DefaultAnonymousUsesLimit = 5
	DefaultPDFExportLimit     = 10

	dateLayout = time.DateOnly
)

// Limits holds the configured allowances.
type Limits struct {
	FreeUses      int `json:"free_uses"`
	AnonymousUses int `json:"anonymous_uses"`
	PDFExports    int `json:"pdf_exports"`
}

func DefaultLimits() Limits {
	return Limits{
		FreeUses:      DefaultFreeUsesLimit,
		AnonymousUses: DefaultAnonymousUsesLimit,
		PDFExports:    DefaultPDFExportLimit,
	}
}

// State is the persisted entitlement of one identified user.
type State struct {
	IsPremiumUser     bool   `json:"is_premium_user"`
	FreeUsesRemaining int    `json:"free_uses_remaining"`
	LastUsedDate      string `json:"last_used_date"`
	PDFExportsToday   int    `json:"pdf_exports_today"`
	LastExportDate    string `json:"last_export_date"`
	// Version increments on every persisted write and guards compare-and-swap updates.
	Version int64 `json:"-"`
}

// Today formats t as the calendar date used for rollover anchors.
func Today(t time.Time) string {
	return t.Format(dateLayout)
}

// NewState returns the state created for a user seen for the first time.
func NewState(today string, limits Limits) State {
	return State{
		IsPremiumUser:     false,
		FreeUsesRemaining: limits.FreeUses,
		LastUsedDate:      today,
		PDFExportsToday:   0,
		LastExportDate:    today,
	}
}

// Rollover resets each counter family whose anchor date is not today. The two
// families are evaluated independently; changed reports whether either moved.
func Rollover(s State, today string, limits Limits) (State, bool) {
	changed := false
	if s.LastUsedDate != today {
		s.FreeUsesRemaining = limits.FreeUses
		s.LastUsedDate = today
		changed = true
	}
	if s.LastExportDate != today {
		s.PDFExportsToday = 0
		s.LastExportDate = today
		changed = true
	}
	return s, changed
}

// Clamp keeps both counters inside [0, limit].
func Clamp(s State, limits Limits) State {
	s.FreeUsesRemaining = clamp(s.FreeUsesRemaining, 0, limits.FreeUses)
	s.PDFExportsToday = clamp(s.PDFExportsToday, 0, limits.PDFExports)
	return s
}

// ExportsRemaining is what the UI shows next to the free-query counter.
func ExportsRemaining(s State, limits Limits) int {
	return max(0, limits.PDFExports-s.PDFExportsToday)
}

func clamp(v, lo, hi int) int {
	return min(max(v, lo), hi)
}
