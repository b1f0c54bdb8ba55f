// Package resolver maps incoming merchant records onto canonical merchant
// ids using domain lookups and fuzzy name matching.
package resolver

import (
	"regexp"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"deal-aggregation-core/internal/models"
)

// similarityThreshold is how close two normalized names must be before
// they are treated as the same merchant.
const similarityThreshold = 0.85

var (
	nonWordRe    = regexp.MustCompile(`[^\w\s]`)
	whitespaceRe = regexp.MustCompile(`\s+`)
)

// Resolver indexes known merchants by id and domain. Domain matches are
// authoritative and skip the fuzzy comparison entirely.
//
// Resolution scans every known merchant, which is fine at this scale; a
// real deployment would want a trigram or blocking index.
type Resolver struct {
	mu       sync.Mutex
	log      *zap.SugaredLogger
	byID     map[string]models.Merchant
	byDomain map[string]string
}

// New returns an empty resolver.
func New(log *zap.SugaredLogger) *Resolver {
	return &Resolver{
		log:      log,
		byID:     make(map[string]models.Merchant),
		byDomain: make(map[string]string),
	}
}

// Resolve returns the canonical id for the merchant, minting and indexing
// a new one when nothing known is close enough.
func (r *Resolver) Resolve(m models.Merchant) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m.Domain != "" {
		if id, ok := r.byDomain[m.Domain]; ok {
			return id
		}
	}

	normalized := normalizeName(m.Name)
	for id, existing := range r.byID {
		if similarity(normalized, normalizeName(existing.Name)) > similarityThreshold {
			return id
		}
	}

	id := "merchant_" + uuid.NewString()
	r.byID[id] = m
	if m.Domain != "" {
		r.byDomain[m.Domain] = id
	}
	r.log.Debugw("registered new merchant", "merchant_id", id, "name", m.Name, "domain", m.Domain)

	return id
}

// Get returns the indexed merchant record for an id.
func (r *Resolver) Get(id string) (models.Merchant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.byID[id]
	return m, ok
}

// Count reports how many distinct merchants are indexed.
func (r *Resolver) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

func normalizeName(name string) string {
	s := strings.ToLower(name)
	s = nonWordRe.ReplaceAllString(s, "")
	s = whitespaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// similarity is (maxLen - editDistance) / maxLen over the two strings.
func similarity(a, b string) float64 {
	longer, shorter := a, b
	if len(b) > len(a) {
		longer, shorter = b, a
	}
	if len(longer) == 0 {
		return 1.0
	}
	dist := levenshtein(longer, shorter)
	return float64(len(longer)-dist) / float64(len(longer))
}

func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)

	prev := make([]int, len(ra)+1)
	curr := make([]int, len(ra)+1)
	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(rb); i++ {
		curr[0] = i
		for j := 1; j <= len(ra); j++ {
			if rb[i-1] == ra[j-1] {
				curr[j] = prev[j-1]
			} else {
				curr[j] = min3(prev[j-1], curr[j-1], prev[j]) + 1
			}
		}
		prev, curr = curr, prev
	}

	return prev[len(ra)]
}

func min3(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}
