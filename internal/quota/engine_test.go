package quota

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToday(t *testing.T) {
	ts := time.Date(2024, time.January, 2, 23, 59, 0, 0, time.UTC)
	assert.Equal(t, "2024-01-02", Today(ts))
}

func TestFreshUserExhaustsDailyQueries(t *testing.T) {
	limits := DefaultLimits()
	s := NewState("2024-01-01", limits)

	for i := 0; i < limits.FreeUses; i++ {
		d := AuthorizeQuery(s)
		require.True(t, d.Allowed, "query %d should be allowed", i+1)
		s = ConsumeQuery(s, "2024-01-01")
	}

	d := AuthorizeQuery(s)
	require.False(t, d.Allowed)
	assert.EqualError(t, d.Reason, "daily free-query limit reached")
	assert.True(t, errors.Is(d.Reason, ErrQuotaExceeded))
	assert.Equal(t, PromptUpgrade, d.Prompt())
}

func TestConsumeQueryFloorsAtZero(t *testing.T) {
	s := State{FreeUsesRemaining: 1}
	for i := 0; i < 5; i++ {
		s = ConsumeQuery(s, "2024-01-01")
	}
	assert.Equal(t, 0, s.FreeUsesRemaining)
	assert.Equal(t, "2024-01-01", s.LastUsedDate)
}

func TestAnonymousQuota(t *testing.T) {
	remaining := DefaultAnonymousUsesLimit
	for i := 0; i < DefaultAnonymousUsesLimit; i++ {
		require.True(t, AuthorizeAnonymous(remaining).Allowed)
		remaining = ConsumeAnonymous(remaining)
	}

	d := AuthorizeAnonymous(remaining)
	require.False(t, d.Allowed)
	assert.EqualError(t, d.Reason, "sign-up required")
	assert.True(t, errors.Is(d.Reason, ErrAuthRequired))
	assert.Equal(t, PromptSignIn, d.Prompt())
	assert.Equal(t, 0, ConsumeAnonymous(0))
}

func TestExportLimitAndPremiumBypass(t *testing.T) {
	limits := DefaultLimits()
	s := State{PDFExportsToday: 10, LastExportDate: "2024-01-01"}

	d := AuthorizeExport(s, limits)
	require.False(t, d.Allowed)
	assert.EqualError(t, d.Reason, "daily export limit reached")
	assert.Equal(t, PromptUpgrade, d.Prompt())

	s = GrantPremium(s)
	assert.True(t, AuthorizeExport(s, limits).Allowed)
}

func TestPremiumBypassesEveryCounter(t *testing.T) {
	limits := DefaultLimits()
	s := GrantPremium(State{FreeUsesRemaining: 0, PDFExportsToday: 99})

	assert.True(t, AuthorizeQuery(s).Allowed)
	assert.True(t, AuthorizeExport(s, limits).Allowed)
	assert.Equal(t, s, ConsumeQuery(s, "2024-01-05"))
	assert.Equal(t, s, ConsumeExport(s, "2024-01-05"))
	assert.Equal(t, s, GrantPremium(s))
}

func TestConsumeExportStopsAllowingAtLimit(t *testing.T) {
	limits := DefaultLimits()
	s := NewState("2024-01-01", limits)
	granted := 0
	for i := 0; i < 20; i++ {
		if !AuthorizeExport(s, limits).Allowed {
			continue
		}
		s = ConsumeExport(s, "2024-01-01")
		granted++
	}
	assert.Equal(t, limits.PDFExports, granted)
	assert.Equal(t, limits.PDFExports, s.PDFExportsToday)
}

func TestRollover(t *testing.T) {
	limits := DefaultLimits()

	tests := []struct {
		name    string
		in      State
		want    State
		changed bool
	}{
		{
			name:    "free uses roll, exports already current",
			in:      State{FreeUsesRemaining: 0, LastUsedDate: "2024-01-01", PDFExportsToday: 3, LastExportDate: "2024-01-02"},
			want:    State{FreeUsesRemaining: 25, LastUsedDate: "2024-01-02", PDFExportsToday: 3, LastExportDate: "2024-01-02"},
			changed: true,
		},
		{
			name:    "exports roll, free uses already current",
			in:      State{FreeUsesRemaining: 4, LastUsedDate: "2024-01-02", PDFExportsToday: 10, LastExportDate: "2023-12-31"},
			want:    State{FreeUsesRemaining: 4, LastUsedDate: "2024-01-02", PDFExportsToday: 0, LastExportDate: "2024-01-02"},
			changed: true,
		},
		{
			name:    "both roll",
			in:      State{FreeUsesRemaining: 1, LastUsedDate: "2024-01-01", PDFExportsToday: 2, LastExportDate: "2024-01-01"},
			want:    State{FreeUsesRemaining: 25, LastUsedDate: "2024-01-02", PDFExportsToday: 0, LastExportDate: "2024-01-02"},
			changed: true,
		},
		{
			name:    "nothing to do",
			in:      State{FreeUsesRemaining: 7, LastUsedDate: "2024-01-02", PDFExportsToday: 2, LastExportDate: "2024-01-02"},
			want:    State{FreeUsesRemaining: 7, LastUsedDate: "2024-01-02", PDFExportsToday: 2, LastExportDate: "2024-01-02"},
			changed: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, changed := Rollover(tt.in, "2024-01-02", limits)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.changed, changed)

			again, changedAgain := Rollover(got, "2024-01-02", limits)
			assert.Equal(t, got, again)
			assert.False(t, changedAgain)
		})
	}
}

func TestClamp(t *testing.T) {
	limits := DefaultLimits()
	got := Clamp(State{FreeUsesRemaining: 40, PDFExportsToday: -2}, limits)
	assert.Equal(t, 25, got.FreeUsesRemaining)
	assert.Equal(t, 0, got.PDFExportsToday)

	got = Clamp(State{FreeUsesRemaining: -1, PDFExportsToday: 11}, limits)
	assert.Equal(t, 0, got.FreeUsesRemaining)
	assert.Equal(t, 10, got.PDFExportsToday)
}

func TestRefunds(t *testing.T) {
	limits := DefaultLimits()
	s := State{FreeUsesRemaining: 24, LastUsedDate: "2024-01-02", PDFExportsToday: 1, LastExportDate: "2024-01-02"}

	assert.Equal(t, 25, RefundQuery(s, "2024-01-02", limits).FreeUsesRemaining)
	assert.Equal(t, 25, RefundQuery(State{FreeUsesRemaining: 25, LastUsedDate: "2024-01-02"}, "2024-01-02", limits).FreeUsesRemaining)
	assert.Equal(t, 24, RefundQuery(s, "2024-01-03", limits).FreeUsesRemaining)

	assert.Equal(t, 0, RefundExport(s, "2024-01-02").PDFExportsToday)
	assert.Equal(t, 1, RefundExport(s, "2024-01-03").PDFExportsToday)
}

func TestExportsRemaining(t *testing.T) {
	limits := DefaultLimits()
	assert.Equal(t, 7, ExportsRemaining(State{PDFExportsToday: 3}, limits))
	assert.Equal(t, 0, ExportsRemaining(State{PDFExportsToday: 12}, limits))
}
