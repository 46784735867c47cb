package domain

import (
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Default values applied to optional blacklist fields.
const (
	DefaultName     = "null"
	DefaultCategory = "other"

	// MaxHitCount is the largest hit count the store column holds.
	MaxHitCount = math.MaxInt32
)

// Known categories. Any other non-empty string is accepted as-is.
var KnownCategories = []string{"malware", "phishing", "spam", "fraud", "other"}

// BlacklistEntry is a single blocked domain.
type BlacklistEntry struct {
	ID        uuid.UUID `json:"id"`
	Domain    string    `json:"domain"`
	Name      string    `json:"name"`
	Reason    string    `json:"reason"`
	Category  string    `json:"category"`
	HitCount  int       `json:"hit_count"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewBlacklistEntry builds an entry with a fresh ID and defaults for empty fields.
func NewBlacklistEntry(domainName, name, reason, category string, hitCount int) BlacklistEntry {
	entry := BlacklistEntry{
		ID:       uuid.New(),
		Domain:   CanonicalDomain(domainName),
		Name:     name,
		Reason:   reason,
		Category: strings.ToLower(strings.TrimSpace(category)),
		HitCount: hitCount,
	}
	if strings.TrimSpace(entry.Name) == "" {
		entry.Name = DefaultName
	}
	if entry.Category == "" {
		entry.Category = DefaultCategory
	}
	entry.HitCount = max(0, min(entry.HitCount, MaxHitCount))
	return entry
}

// CanonicalDomain returns the form used for uniqueness comparisons.
func CanonicalDomain(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
