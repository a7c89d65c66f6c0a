package posthog

import "encoding/json"

// FeatureFlag is one cached flag definition from the local-evaluation
// endpoint.
type FeatureFlag struct {
	Key                        string      `json:"key"`
	ID                         int         `json:"id"`
	Version                    int         `json:"version"`
	Active                     bool        `json:"active"`
	EnsureExperienceContinuity bool        `json:"ensure_experience_continuity"`
	Filters                    FlagFilters `json:"filters"`
}

// FlagFilters holds a flag's targeting: ordered condition groups, optional
// variants, payloads keyed by variant or "true"/"false", and the group-type
// index for group-scoped flags.
type FlagFilters struct {
	Groups                    []FlagConditionGroup       `json:"groups"`
	Multivariate              *Multivariate              `json:"multivariate"`
	Payloads                  map[string]json.RawMessage `json:"payloads"`
	AggregationGroupTypeIndex *int                       `json:"aggregation_group_type_index"`
}

// FlagConditionGroup gates a flag on a conjunction of property conditions
// plus an optional percentage rollout. A nil rollout means 100.
type FlagConditionGroup struct {
	Properties        []FlagProperty `json:"properties"`
	RolloutPercentage *float64       `json:"rollout_percentage"`
}

// Multivariate lists a flag's variants in declaration order; rollout
// percentages partition [0, 100].
type Multivariate struct {
	Variants []WeightedVariant `json:"variants"`
}

type WeightedVariant struct {
	Key               string  `json:"key"`
	RolloutPercentage float64 `json:"rollout_percentage"`
}

// FlagProperty is one property condition. Type selects the matching path:
// "" for plain properties, "cohort" for a cohort reference (Value is the
// cohort id), "flag" for a flag dependency (Key is the flag, Value the
// expected flag value, DependencyChain the evaluation order).
type FlagProperty struct {
	Key             string   `json:"key"`
	Operator        string   `json:"operator"`
	Value           any      `json:"value"`
	Negation        bool     `json:"negation"`
	Type            string   `json:"type"`
	DependencyChain []string `json:"dependency_chain"`
}

// PropertyGroup is a recursive AND/OR tree of conditions, used both for
// cohort definitions and nested groups inside them. Cohorts refer to each
// other by id and are resolved lazily at match time, never embedded.
type PropertyGroup struct {
	Type       string
	Groups     []PropertyGroup
	Properties []FlagProperty
}

// UnmarshalJSON splits the heterogeneous "values" list into nested groups
// (elements with an AND/OR type and their own values) and leaf conditions.
func (g *PropertyGroup) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type   string            `json:"type"`
		Values []json.RawMessage `json:"values"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	g.Type = raw.Type
	g.Groups = nil
	g.Properties = nil
	for _, value := range raw.Values {
		var probe struct {
			Type   string          `json:"type"`
			Values json.RawMessage `json:"values"`
		}
		if err := json.Unmarshal(value, &probe); err != nil {
			return err
		}
		if (probe.Type == "AND" || probe.Type == "OR") && probe.Values != nil {
			var nested PropertyGroup
			if err := json.Unmarshal(value, &nested); err != nil {
				return err
			}
			g.Groups = append(g.Groups, nested)
			continue
		}
		var prop FlagProperty
		if err := json.Unmarshal(value, &prop); err != nil {
			return err
		}
		g.Properties = append(g.Properties, prop)
	}
	return nil
}

// flagDefinitions is one atomically-replaced snapshot of the poller's cache.
// Readers take the whole snapshot; they never observe a partial update.
type flagDefinitions struct {
	flagsByKey       map[string]*FeatureFlag
	cohortsByID      map[string]*PropertyGroup
	groupTypeMapping map[string]string
}

// localEvaluationResponse is the body of the local-evaluation endpoint.
type localEvaluationResponse struct {
	Flags            []FeatureFlag            `json:"flags"`
	Cohorts          map[string]PropertyGroup `json:"cohorts"`
	GroupTypeMapping map[string]string        `json:"group_type_mapping"`
}

func (r *localEvaluationResponse) definitions() *flagDefinitions {
	defs := &flagDefinitions{
		flagsByKey:       make(map[string]*FeatureFlag, len(r.Flags)),
		cohortsByID:      make(map[string]*PropertyGroup, len(r.Cohorts)),
		groupTypeMapping: r.GroupTypeMapping,
	}
	for i := range r.Flags {
		defs.flagsByKey[r.Flags[i].Key] = &r.Flags[i]
	}
	for id, group := range r.Cohorts {
		g := group
		defs.cohortsByID[id] = &g
	}
	if defs.groupTypeMapping == nil {
		defs.groupTypeMapping = map[string]string{}
	}
	return defs
}
