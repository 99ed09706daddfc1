package matcher

// Filter selects the identifiers a client may route to.
// Only one list is ever active: includes win over excludes, and with neither
// configured every identifier passes.
type Filter struct {
	active *WildcardMatcher
}

// NewFilter builds a Filter from include and exclude specifications.
// Blank specifications are treated as "not configured".
func NewFilter(includes, excludes string) (*Filter, error) {
	f := &Filter{}
	if m, err := New(includes, Include); err == nil {
		f.active = m
		return f, nil
	} else if err != ErrEmptyPattern {
		return nil, err
	}
	if m, err := New(excludes, Exclude); err == nil {
		f.active = m
	} else if err != ErrEmptyPattern {
		return nil, err
	}
	return f, nil
}

// Active returns the matcher in use, or nil when nothing is filtered.
func (f *Filter) Active() *WildcardMatcher {
	return f.active
}

// Allow reports whether a single identifier survives the filter.
func (f *Filter) Allow(id string) bool {
	if f == nil || f.active == nil {
		return true
	}
	return f.active.Allow(id)
}

// Apply returns the identifiers that survive, preserving order.
// The input slice is never modified.
func (f *Filter) Apply(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if f.Allow(id) {
			out = append(out, id)
		}
	}
	return out
}
