package regmodel

import "time"

// Debounce reports whether a pending set to v should be applied now, per
// spec.md §4.7: accepted if the debounce window has elapsed, or if v
// differs from LastFloatVal (set by MarkApplied and by each decoded
// publication) by more than the deadband. Debounce only decides
// admit-or-coalesce; a coalesced value is not stored anywhere.
func (p *IOPoint) Debounce(now time.Time, v float64) (admit bool) {
	if now.After(p.DebounceUntil) {
		return true
	}
	if p.HasLast && absFloat(v-p.LastFloatVal) > p.Deadband {
		return true
	}
	return !p.HasLast
}

// MarkApplied records that v was applied at now, opening the next
// debounce window at now+window.
func (p *IOPoint) MarkApplied(now time.Time, v float64) {
	p.LastFloatVal = v
	p.HasLast = true
	if p.DebounceWindow > 0 {
		p.DebounceUntil = now.Add(p.DebounceWindow)
	}
}

func absFloat(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
