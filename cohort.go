package posthog

// flagEvalContext is the per-call state of one top-level flag evaluation:
// the subject, its property bag, and the shared cache of flag-dependency
// values. Dependencies are resolved against this same bag, never via a
// fresh remote call.
type flagEvalContext struct {
	subject    string
	properties Properties

	// flagValues caches resolved flag-dependency values for the whole
	// top-level evaluation.
	flagValues map[string]any
}

// matchPropertyGroup recursively evaluates an AND/OR tree of nested groups
// and leaf conditions with short-circuit semantics. An empty group matches.
// Inconclusive leaves are skipped; when they were the only thing standing
// between the group and a conclusive answer, the group is inconclusive.
func (e *localEvaluator) matchPropertyGroup(defs *flagDefinitions, group *PropertyGroup, ctx *flagEvalContext) (bool, error) {
	or := group.Type == "OR"
	if len(group.Groups) == 0 && len(group.Properties) == 0 {
		return true, nil
	}

	var lastErr error
	for i := range group.Groups {
		matched, err := e.matchPropertyGroup(defs, &group.Groups[i], ctx)
		if err != nil {
			if !isInconclusive(err) {
				return false, err
			}
			lastErr = err
			continue
		}
		if or && matched {
			return true, nil
		}
		if !or && !matched {
			return false, nil
		}
	}
	for i := range group.Properties {
		matched, err := e.matchLeafProperty(defs, group.Properties[i], ctx)
		if err != nil {
			if !isInconclusive(err) {
				return false, err
			}
			lastErr = err
			continue
		}
		if or && matched {
			return true, nil
		}
		if !or && !matched {
			return false, nil
		}
	}
	if lastErr != nil {
		return false, lastErr
	}
	return !or, nil
}

// matchLeafProperty dispatches one leaf on its type: cohort reference, flag
// dependency, or plain property. Negation flips the outcome.
func (e *localEvaluator) matchLeafProperty(defs *flagDefinitions, prop FlagProperty, ctx *flagEvalContext) (bool, error) {
	var matched bool
	var err error
	switch prop.Type {
	case "cohort":
		matched, err = e.matchCohort(defs, prop, ctx)
	case "flag":
		matched, err = e.matchFlagDependency(defs, prop, ctx)
	default:
		matched, err = matchProperty(prop, ctx.properties)
	}
	if err != nil {
		return false, err
	}
	return matched != prop.Negation, nil
}

// matchCohort resolves a cohort reference by id. A cohort missing from the
// cache is likely static (membership lives server-side only), so the whole
// evaluation is pushed to the server.
func (e *localEvaluator) matchCohort(defs *flagDefinitions, prop FlagProperty, ctx *flagEvalContext) (bool, error) {
	id := coerceString(prop.Value)
	cohort, ok := defs.cohortsByID[id]
	if !ok {
		return false, errRequiresServerEvaluation
	}
	return e.matchPropertyGroup(defs, cohort, ctx)
}

// matchFlagDependency resolves a flag-dependency condition: evaluate every
// flag in the dependency chain (cached per top-level call), then compare the
// depended-on flag's value against the expected one. An empty, non-nil
// dependency chain is the definition side's circular-dependency sentinel.
func (e *localEvaluator) matchFlagDependency(defs *flagDefinitions, prop FlagProperty, ctx *flagEvalContext) (bool, error) {
	if prop.Operator != "" && prop.Operator != "flag_evaluates_to" {
		return false, inconclusive("unsupported operator %q for flag dependency", prop.Operator)
	}
	if prop.DependencyChain != nil && len(prop.DependencyChain) == 0 {
		return false, inconclusive("circular dependency detected for flag %q", prop.Key)
	}
	for _, dep := range prop.DependencyChain {
		if err := e.resolveDependency(defs, dep, ctx); err != nil {
			return false, err
		}
	}
	if err := e.resolveDependency(defs, prop.Key, ctx); err != nil {
		return false, err
	}
	return flagValueMatches(ctx.flagValues[prop.Key], prop.Value), nil
}

func (e *localEvaluator) resolveDependency(defs *flagDefinitions, key string, ctx *flagEvalContext) error {
	if _, done := ctx.flagValues[key]; done {
		return nil
	}
	value, err := e.matchFlagConditions(defs, key, ctx)
	if err != nil {
		return err
	}
	ctx.flagValues[key] = value
	return nil
}

// flagValueMatches implements the flag_evaluates_to rules: boolean true
// accepts true or any variant, boolean false accepts false or null, and
// strings require case-sensitive variant equality.
func flagValueMatches(actual, expected any) bool {
	switch exp := expected.(type) {
	case bool:
		if exp {
			if b, ok := actual.(bool); ok {
				return b
			}
			s, ok := actual.(string)
			return ok && s != ""
		}
		if actual == nil {
			return true
		}
		b, ok := actual.(bool)
		return ok && !b
	case string:
		s, ok := actual.(string)
		return ok && s == exp
	default:
		return false
	}
}
