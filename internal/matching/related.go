package matching

import "strings"

// IndustryTable answers whether two distinct industries are considered
// adjacent. Implementations must be symmetric. The default is a small
// keyword table; deployments with a real taxonomy can plug in their own.
type IndustryTable interface {
	Related(a, b string) bool
}

// KeywordTable links industries whose entries share a keyword group.
// Lookup is case-insensitive on whole industry names.
type KeywordTable map[string][]string

// Related reports whether a and b appear in the same keyword group.
func (t KeywordTable) Related(a, b string) bool {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	for _, group := range t {
		foundA, foundB := false, false
		for _, member := range group {
			switch strings.ToLower(member) {
			case a:
				foundA = true
			case b:
				foundB = true
			}
		}
		if foundA && foundB {
			return true
		}
	}
	return false
}

// DefaultIndustryTable returns the built-in adjacency table. The
// groupings are an acknowledged simplification: good enough to score
// "technology vs software" as adjacent without a canonical taxonomy.
func DefaultIndustryTable() KeywordTable {
	return KeywordTable{
		"tech": {
			"technology", "software", "information technology", "it",
			"internet", "saas", "artificial intelligence", "ai",
		},
		"finance": {
			"finance", "banking", "fintech", "investment",
			"venture capital", "insurance",
		},
		"health": {
			"healthcare", "health", "biotech", "pharmaceuticals",
			"medical devices",
		},
		"media": {
			"media", "entertainment", "advertising", "marketing",
			"publishing",
		},
		"education": {
			"education", "edtech", "research", "academia",
		},
		"commerce": {
			"retail", "e-commerce", "ecommerce", "consumer goods",
		},
	}
}
