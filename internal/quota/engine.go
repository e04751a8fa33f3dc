package quota

// Decision is the outcome of an authorization check.
type Decision struct {
	Allowed bool
	// Reason is a *DenyError when Allowed is false.
	Reason error
}

func (d Decision) Prompt() Prompt {
	return PromptFor(d.Reason)
}

var allow = Decision{Allowed: true}

func deny(reason error) Decision {
	return Decision{Allowed: false, Reason: reason}
}

// AuthorizeQuery checks an identified user's daily allowance.
func AuthorizeQuery(s State) Decision {
	if s.IsPremiumUser {
		return allow
	}
	if s.FreeUsesRemaining > 0 {
		return allow
	}
	return deny(ErrDailyQueryLimit)
}

// ConsumeQuery spends one free use. Premium users are not charged.
func ConsumeQuery(s State, today string) State {
	if s.IsPremiumUser {
		return s
	}
	s.FreeUsesRemaining = max(0, s.FreeUsesRemaining-1)
	s.LastUsedDate = today
	return s
}

// RefundQuery gives back a use reserved on the same day.
func RefundQuery(s State, today string, limits Limits) State {
	if s.IsPremiumUser || s.LastUsedDate != today {
		return s
	}
	s.FreeUsesRemaining = min(limits.FreeUses, s.FreeUsesRemaining+1)
	return s
}

// AuthorizeAnonymous checks the visitor counter.
func AuthorizeAnonymous(remaining int) Decision {
	if remaining > 0 {
		return allow
	}
	return deny(ErrSignUpRequired)
}

func ConsumeAnonymous(remaining int) int {
	return max(0, remaining-1)
}

// AuthorizeExport checks the daily export allowance. The caller handles the
// signed-out case with ErrSignInToExport.
func AuthorizeExport(s State, limits Limits) Decision {
	if s.IsPremiumUser {
		return allow
	}
	if s.PDFExportsToday < limits.PDFExports {
		return allow
	}
	return deny(ErrDailyExportLimit)
}

func ConsumeExport(s State, today string) State {
	if s.IsPremiumUser {
		return s
	}
	s.PDFExportsToday++
	s.LastExportDate = today
	return s
}

// RefundExport reverses ConsumeExport for an export that failed on the same day.
func RefundExport(s State, today string) State {
	if s.IsPremiumUser || s.LastExportDate != today {
		return s
	}
	s.PDFExportsToday = max(0, s.PDFExportsToday-1)
	return s
}

// GrantPremium sets the sticky premium flag.
func GrantPremium(s State) State {
	s.IsPremiumUser = true
	return s
}
