package matching

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kindling-ai/kindred/internal/profile"
)

// DefaultThreshold is the high-match cutoff applied when the caller
// does not supply one.
const DefaultThreshold = 0.75

// Factor weights, in percent. They sum to 100; dividing the weighted
// sum by 100 normalizes it to [0,1] and keeps unit sub-scores exact,
// so a pair identical in every factor scores exactly 1.0.
const (
	weightInterests = 40
	weightIndustry  = 30
	weightSeniority = 20
	weightGoals     = 10
)

// Result is the outcome of scoring one profile pair. It is computed
// fresh on every call and never persisted by this package.
type Result struct {
	Score       float64 `json:"score"`
	IsHighMatch bool    `json:"is_high_match"`
	Reason      string  `json:"reason"`
}

// Engine scores the compatibility of two profiles. It holds no mutable
// state and is safe for concurrent use. The related-industries table is
// injected so deployments can swap in their own taxonomy.
type Engine struct {
	related IndustryTable
}

// NewEngine creates an Engine with the given related-industries table.
// Pass nil to use the built-in default table.
func NewEngine(related IndustryTable) *Engine {
	if related == nil {
		related = DefaultIndustryTable()
	}
	return &Engine{related: related}
}

// Match scores profiles a and b against each other. threshold is the
// high-match cutoff for this call (per-user configurable); values <= 0
// fall back to DefaultThreshold. Missing or empty profile fields lower
// the score but never produce an error, and the result is deterministic
// and symmetric in a and b.
func (e *Engine) Match(a, b profile.Profile, threshold float64) Result {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	interests := jaccard(a.Interests, b.Interests)
	industry := e.industryScore(a.Industry, b.Industry)
	seniority, seniorityKnown := seniorityScore(a.Seniority, b.Seniority)
	goals := jaccard(a.Goals, b.Goals)

	score := (interests*weightInterests +
		industry*weightIndustry +
		seniority*weightSeniority +
		goals*weightGoals) / 100
	score = clamp01(score)

	return Result{
		Score:       score,
		IsHighMatch: score > threshold,
		Reason:      e.reason(a, b, interests, industry, seniority, seniorityKnown, goals),
	}
}

// jaccard computes |A∩B| / |A∪B| over case-folded, trimmed string sets.
// Either set being empty yields 0.
func jaccard(xs, ys []string) float64 {
	sa := normalizeSet(xs)
	sb := normalizeSet(ys)
	if len(sa) == 0 || len(sb) == 0 {
		return 0
	}

	intersection := 0
	for v := range sa {
		if _, ok := sb[v]; ok {
			intersection++
		}
	}
	union := len(sa) + len(sb) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func normalizeSet(xs []string) map[string]struct{} {
	set := make(map[string]struct{}, len(xs))
	for _, x := range xs {
		v := strings.ToLower(strings.TrimSpace(x))
		if v != "" {
			set[v] = struct{}{}
		}
	}
	return set
}

// industryScore returns 1.0 for an identical industry (case-insensitive),
// 0.5 when the related-industries table links the two, and 0 otherwise.
func (e *Engine) industryScore(a, b string) float64 {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1.0
	}
	if e.related.Related(a, b) {
		return 0.5
	}
	return 0
}

// seniorityLevels is the ordered scale seniority strings are compared
// on. Free-form seniority text is matched by token, so "senior engineer"
// resolves to senior.
var seniorityLevels = map[string]int{
	"entry":     0,
	"mid":       1,
	"senior":    2,
	"lead":      3,
	"executive": 4,
}

// seniorityScore decays linearly with level distance: 1.0 when equal,
// floor 0 at distance >= 3. Unknown seniority on either side yields a
// neutral 0.5; known reports whether both sides resolved to a level.
func seniorityScore(a, b string) (score float64, known bool) {
	la, okA := seniorityLevel(a)
	lb, okB := seniorityLevel(b)
	if !okA || !okB {
		return 0.5, false
	}

	d := la - lb
	if d < 0 {
		d = -d
	}
	if d >= 3 {
		return 0, true
	}
	return 1.0 - float64(d)/3.0, true
}

// seniorityLevel resolves free-form seniority text to a level on the
// scale by scanning its tokens.
func seniorityLevel(s string) (int, bool) {
	for _, tok := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z')
	}) {
		if level, ok := seniorityLevels[tok]; ok {
			return level, true
		}
	}
	return 0, false
}

// factorContribution pairs a rendered reason phrase with its weighted
// contribution so factors can be ranked deterministically.
type factorContribution struct {
	phrase string
	value  float64
	order  int // fixed tiebreak: interests, industry, seniority, goals
}

// reason ranks the factors by weighted contribution and states the top
// one or two in natural language. Neutral seniority (unknown on either
// side) is never claimed as similarity. When nothing contributes,
// the reason reads "limited overlap detected".
func (e *Engine) reason(a, b profile.Profile, interests, industry, seniority float64, seniorityKnown bool, goals float64) string {
	var factors []factorContribution

	if interests > 0 {
		common := commonValues(a.Interests, b.Interests)
		factors = append(factors, factorContribution{
			phrase: "shared interests in " + strings.Join(common, ", "),
			value:  interests * weightInterests,
			order:  0,
		})
	}
	if industry > 0 {
		phrase := "both work in " + strings.TrimSpace(a.Industry)
		if industry < 1.0 {
			phrase = fmt.Sprintf("adjacent industries (%s, %s)",
				strings.TrimSpace(a.Industry), strings.TrimSpace(b.Industry))
		}
		factors = append(factors, factorContribution{
			phrase: phrase,
			value:  industry * weightIndustry,
			order:  1,
		})
	}
	if seniorityKnown && seniority > 0 {
		factors = append(factors, factorContribution{
			phrase: fmt.Sprintf("compatible seniority (%s, %s)",
				strings.TrimSpace(a.Seniority), strings.TrimSpace(b.Seniority)),
			value: seniority * weightSeniority,
			order: 2,
		})
	}
	if goals > 0 {
		common := commonValues(a.Goals, b.Goals)
		factors = append(factors, factorContribution{
			phrase: "aligned goals: " + strings.Join(common, ", "),
			value:  goals * weightGoals,
			order:  3,
		})
	}

	if len(factors) == 0 {
		return "limited overlap detected"
	}

	sort.SliceStable(factors, func(i, j int) bool {
		if factors[i].value != factors[j].value {
			return factors[i].value > factors[j].value
		}
		return factors[i].order < factors[j].order
	})

	if len(factors) == 1 {
		return factors[0].phrase
	}
	return factors[0].phrase + " and " + factors[1].phrase
}

// commonValues returns the case-folded intersection of two string
// slices, sorted for determinism and capped at three entries.
func commonValues(xs, ys []string) []string {
	sb := normalizeSet(ys)
	seen := make(map[string]struct{})
	var common []string
	for _, x := range xs {
		v := strings.ToLower(strings.TrimSpace(x))
		if _, ok := sb[v]; !ok {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		common = append(common, v)
	}
	sort.Strings(common)
	if len(common) > 3 {
		common = common[:3]
	}
	return common
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
