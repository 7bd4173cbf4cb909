// Package conflict resolves divergent concurrent edits to a single field.
//
// A resolution is a pure function of (field path, base, local, remote): no
// I/O happens here, and apart from the numeric guard in the incremental
// strategy no well-typed input produces an error. Strategy selection walks an
// ordered rule table; the first matching rule wins, and a catch-all generic
// rule terminates the table.
package conflict

import (
	"strings"
	"time"
)

// Input carries one divergent field and its three-way values.
type Input struct {
	FieldPath   string
	Base        any
	Local       any
	Remote      any
	LocalTime   time.Time // zero when the local edit time is unknown
	RemoteTime  time.Time // zero when the remote edit time is unknown
}

// Outcome is the resolved value plus audit metadata persisted onto the
// SyncConflict record.
type Outcome struct {
	Value    any
	Strategy string
	Reason   string
	Details  map[string]string
}

// Rule pairs a field-path matcher with a resolution strategy.
type Rule struct {
	Name    string
	Matches func(fieldPath string) bool
	Resolve func(Input) (Outcome, error)
}

// Resolver dispatches field conflicts over an ordered rule table.
type Resolver struct {
	rules []Rule
}

// NewResolver returns a resolver with the default rule table.
func NewResolver() *Resolver {
	return &Resolver{rules: defaultRules()}
}

// NewResolverWithRules returns a resolver using the given table followed by
// the generic fallback.
func NewResolverWithRules(rules []Rule) *Resolver {
	combined := make([]Rule, 0, len(rules)+1)
	combined = append(combined, rules...)
	combined = append(combined, genericRule())
	return &Resolver{rules: combined}
}

// Resolve returns the resolved value for one divergent field. The rule table
// is evaluated in order and always terminates at the generic rule.
func (r *Resolver) Resolve(input Input) (Outcome, error) {
	for _, rule := range r.rules {
		if rule.Matches(input.FieldPath) {
			return rule.Resolve(input)
		}
	}
	// Unreachable: defaultRules ends with a catch-all.
	return resolveGeneric(input)
}

// defaultRules is the field-specific merge algebra for character state.
// Extend the table, not the dispatch.
func defaultRules() []Rule {
	return []Rule{
		{
			// Damage may have been applied independently on both sides;
			// the lower current value is the safe one.
			Name:    "hit_points_min",
			Matches: segmentMatcher("hit_points", "hp"),
			Resolve: resolveNumericMin,
		},
		{
			Name:    "temporary_hit_points_max",
			Matches: segmentMatcher("temporary_hit_points", "temp_hp"),
			Resolve: resolveNumericMax,
		},
		{
			Name:    "conditions_union",
			Matches: segmentMatcher("conditions", "status_conditions"),
			Resolve: resolveSetUnion,
		},
		{
			// Both sides spend slots independently; per-level minimum keeps
			// every spend.
			Name:    "spell_slots_min",
			Matches: segmentMatcher("spell_slots", "resource_pools"),
			Resolve: resolveNumericMin,
		},
		{
			Name:    "equipment_remote",
			Matches: segmentMatcher("equipped", "equipment"),
			Resolve: resolveRemoteWins,
		},
		{
			Name:    "inventory_merge",
			Matches: segmentMatcher("inventory"),
			Resolve: resolveInventoryMerge,
		},
		{
			Name:    "milestones_union",
			Matches: segmentMatcher("milestones", "achievements"),
			Resolve: resolveUnionByID,
		},
		{
			Name:    "experience_incremental",
			Matches: segmentMatcher("experience_points", "experience", "xp"),
			Resolve: resolveIncremental,
		},
		genericRule(),
	}
}

func genericRule() Rule {
	return Rule{
		Name:    "generic",
		Matches: func(string) bool { return true },
		Resolve: resolveGeneric,
	}
}

// segmentMatcher matches when any dotted segment of the field path equals one
// of names. "spell_slots.3" therefore matches "spell_slots".
func segmentMatcher(names ...string) func(string) bool {
	return func(fieldPath string) bool {
		for _, segment := range strings.Split(fieldPath, ".") {
			for _, name := range names {
				if segment == name {
					return true
				}
			}
		}
		return false
	}
}
