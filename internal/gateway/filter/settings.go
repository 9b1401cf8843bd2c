// Package filter validates partner tiles against the advertiser ruleset
// before they can reach a client. Tiles that fail validation are dropped
// and reported; they never fail the enclosing request.
package filter

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// DefaultKey names the fallback entry whose host lists apply to any
// advertiser that leaves its own lists empty.
const DefaultKey = "default"

// Entry holds the allowlists and policy overrides for one advertiser.
// An empty host list means "inherit that list from the DEFAULT entry".
type Entry struct {
	AdvertiserHosts []string `json:"advertiser_hosts"`
	ImpressionHosts []string `json:"impression_hosts"`
	ClickHosts      []string `json:"click_hosts"`
	Position        *uint8   `json:"position"`
	IncludeRegions  []string `json:"include_regions"`
}

// Ruleset is the immutable, lowercased-key view of the advertiser filter
// document. Host matching is exact; there is no suffix or wildcard matching.
type Ruleset struct {
	entries      map[string]Entry
	defaultEntry Entry
	// includedCountries is the union of include_regions across all entries.
	// Empty means no entry restricts by region and the country gate is off.
	includedCountries map[string]struct{}
}

// ParseRuleset consumes the JSON filter document, a top-level object keyed
// by advertiser name. Keys are lowercased at load; the lowercased form is
// the only lookup form.
func ParseRuleset(data []byte) (*Ruleset, error) {
	var raw map[string]Entry
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse filter settings: %w", err)
	}

	rs := &Ruleset{
		entries:           make(map[string]Entry, len(raw)),
		includedCountries: make(map[string]struct{}),
	}
	for name, entry := range raw {
		key := strings.ToLower(name)
		if _, dup := rs.entries[key]; dup {
			return nil, fmt.Errorf("duplicate advertiser %q in filter settings", key)
		}
		rs.entries[key] = entry
		for _, region := range entry.IncludeRegions {
			rs.includedCountries[region] = struct{}{}
		}
	}
	rs.defaultEntry = rs.entries[DefaultKey]
	return rs, nil
}

// Entry returns the ruleset entry for an advertiser name, matched
// case-insensitively. ok is false for unknown advertisers.
func (r *Ruleset) Entry(name string) (Entry, bool) {
	entry, ok := r.entries[strings.ToLower(name)]
	return entry, ok
}

// Default returns the DEFAULT entry, zero-valued if the document had none.
func (r *Ruleset) Default() Entry {
	return r.defaultEntry
}

// Len returns the number of entries, DEFAULT included.
func (r *Ruleset) Len() int {
	return len(r.entries)
}

// CountryIncluded reports whether any advertiser serves the given country.
// Requests for other countries short-circuit to an empty response before
// touching the cache. A ruleset with no include_regions anywhere does not
// restrict by country.
func (r *Ruleset) CountryIncluded(countryCode string) bool {
	if len(r.includedCountries) == 0 {
		return true
	}
	_, ok := r.includedCountries[countryCode]
	return ok
}

// Store holds the active ruleset behind a read-mostly lock. The ruleset is
// installed once at startup; the lock exists so a future hot-reload can
// swap it without touching readers.
type Store struct {
	mu      sync.RWMutex
	ruleset *Ruleset
}

// NewStore creates a store with the given initial ruleset.
func NewStore(ruleset *Ruleset) *Store {
	return &Store{ruleset: ruleset}
}

// Current returns the active ruleset.
func (s *Store) Current() *Ruleset {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ruleset
}

// Replace swaps in a new ruleset.
func (s *Store) Replace(ruleset *Ruleset) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ruleset = ruleset
}
