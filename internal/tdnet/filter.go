package tdnet

import "time"

// FilterOptions selects which disclosure records survive screening.
type FilterOptions struct {
	EarningsOnly bool      // keep only earnings-report titles
	RequireURL   bool      // keep only records with a document URL
	Cutoff       time.Time // drop records published before this UTC instant; zero disables
}

// Filter applies the screening options to records. Records without a
// timestamp are never excluded on recency grounds.
func Filter(records []DisclosureRecord, opts FilterOptions) []DisclosureRecord {
	out := make([]DisclosureRecord, 0, len(records))
	for _, r := range records {
		if opts.EarningsOnly && !IsEarningsReport(r.Title) {
			continue
		}
		if opts.RequireURL && r.DocumentURL == "" {
			continue
		}
		if !opts.Cutoff.IsZero() && r.HasPublishedAt() && r.PublishedAt.Before(opts.Cutoff) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Screen filters with the earnings-only restriction first and widens the
// filter automatically when it matches nothing, so a quiet day still shows
// the surrounding disclosures.
func Screen(records []DisclosureRecord, opts FilterOptions) (out []DisclosureRecord, widened bool) {
	out = Filter(records, opts)
	if opts.EarningsOnly && len(out) == 0 {
		opts.EarningsOnly = false
		return Filter(records, opts), true
	}
	return out, false
}
