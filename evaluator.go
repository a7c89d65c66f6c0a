package posthog

import (
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
)

// FlagResult is the outcome of one flag query. Value is true, false, a
// variant string, or nil when no decision could be produced.
type FlagResult struct {
	Key              string
	Value            any
	Payload          any
	Reason           string
	FlagID           int
	FlagVersion      int
	LocallyEvaluated bool

	// RequestID and EvaluatedAt are set on remotely evaluated results.
	RequestID   string
	EvaluatedAt string
}

// Enabled reports the boolean view of the result: any value other than
// false counts as enabled.
func (r *FlagResult) Enabled() bool {
	return r != nil && r.Value != nil && r.Value != false
}

// localEvaluator decides flags for a subject from the cached definitions.
// The poller is the sole writer of the cache; replacement swaps the whole
// snapshot under the mutex so readers never see a partial update.
type localEvaluator struct {
	mu     sync.RWMutex
	defs   *flagDefinitions
	logger *slog.Logger
}

func newLocalEvaluator(logger *slog.Logger) *localEvaluator {
	return &localEvaluator{logger: logger}
}

func (e *localEvaluator) replace(defs *flagDefinitions) {
	e.mu.Lock()
	e.defs = defs
	e.mu.Unlock()
}

func (e *localEvaluator) definitions() *flagDefinitions {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.defs
}

func (e *localEvaluator) loaded() bool {
	return e.definitions() != nil
}

// evaluate decides one flag. It returns a conclusive FlagResult, or an
// error: errRequiresServerEvaluation and inconclusive matches both mean the
// facade should fall back to remote evaluation.
func (e *localEvaluator) evaluate(key, distinctID string, groups Groups, personProps Properties, groupProps map[string]Properties) (*FlagResult, error) {
	defs := e.definitions()
	if defs == nil {
		return nil, inconclusive("no flag definitions cached")
	}
	flag, ok := defs.flagsByKey[key]
	if !ok {
		return nil, inconclusive("flag %q not found in local cache", key)
	}
	if !flag.Active {
		return &FlagResult{Key: key, Value: false, Reason: "flag is inactive",
			FlagID: flag.ID, FlagVersion: flag.Version, LocallyEvaluated: true}, nil
	}
	if flag.EnsureExperienceContinuity {
		return nil, errRequiresServerEvaluation
	}

	ctx, err := e.evalContext(defs, flag, distinctID, groups, personProps, groupProps)
	if err != nil {
		return nil, err
	}
	if ctx == nil {
		// Group flag queried without the matching group key: never on.
		return &FlagResult{Key: key, Value: false, Reason: "no group key for flag's group type",
			FlagID: flag.ID, FlagVersion: flag.Version, LocallyEvaluated: true}, nil
	}

	value, err := e.matchFlagConditions(defs, key, ctx)
	if err != nil {
		return nil, err
	}
	result := &FlagResult{
		Key:              key,
		Value:            value,
		FlagID:           flag.ID,
		FlagVersion:      flag.Version,
		LocallyEvaluated: true,
	}
	if value == false {
		result.Reason = "no condition group matched"
	} else {
		result.Reason = "condition group matched"
		result.Payload = lookupPayload(flag, value)
	}
	return result, nil
}

// evalContext picks the evaluation subject and property bag: the person, or
// for group flags the group key and that group's properties. A nil context
// (without error) means the caller did not provide the group key.
func (e *localEvaluator) evalContext(defs *flagDefinitions, flag *FeatureFlag, distinctID string, groups Groups, personProps Properties, groupProps map[string]Properties) (*flagEvalContext, error) {
	ctx := &flagEvalContext{
		subject:    distinctID,
		properties: personProps,
		flagValues: map[string]any{},
	}
	if idx := flag.Filters.AggregationGroupTypeIndex; idx != nil {
		typeName, ok := defs.groupTypeMapping[strconv.Itoa(*idx)]
		if !ok {
			return nil, inconclusive("unknown group type index %d for flag %q", *idx, flag.Key)
		}
		groupKey, ok := groups[typeName]
		if !ok {
			e.logger.Debug("flag requires a group key that was not provided",
				"flag", flag.Key, "group_type", typeName)
			return nil, nil
		}
		ctx.subject = groupKey
		ctx.properties = groupProps[typeName]
	}
	if ctx.properties == nil {
		ctx.properties = Properties{}
	}
	return ctx, nil
}

// matchFlagConditions runs the condition groups of one flag in declaration
// order and returns true, false, or a variant string. It is also the
// recursion entry for flag dependencies, which skip experience-continuity
// gating but still treat inactive flags as false.
func (e *localEvaluator) matchFlagConditions(defs *flagDefinitions, key string, ctx *flagEvalContext) (any, error) {
	flag, ok := defs.flagsByKey[key]
	if !ok {
		return nil, inconclusive("flag %q not found in local cache", key)
	}
	if !flag.Active {
		return false, nil
	}

	var lastErr error
	for i := range flag.Filters.Groups {
		group := &flag.Filters.Groups[i]
		matched, err := e.matchConditionGroup(defs, flag, group, ctx)
		if err != nil {
			if !isInconclusive(err) {
				return nil, err
			}
			lastErr = err
			continue
		}
		if !matched {
			continue
		}
		if variant := matchingVariant(flag, ctx.subject); variant != "" {
			return variant, nil
		}
		return true, nil
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return false, nil
}

// matchConditionGroup requires every property of the group to match (AND)
// and the subject to fall inside the group's rollout.
func (e *localEvaluator) matchConditionGroup(defs *flagDefinitions, flag *FeatureFlag, group *FlagConditionGroup, ctx *flagEvalContext) (bool, error) {
	for i := range group.Properties {
		matched, err := e.matchLeafProperty(defs, group.Properties[i], ctx)
		if err != nil {
			return false, err
		}
		if !matched {
			return false, nil
		}
	}
	if group.RolloutPercentage == nil {
		return true, nil
	}
	return inRollout(flag.Key, ctx.subject, *group.RolloutPercentage), nil
}

// lookupPayload resolves the payload attached to a decided value: variant
// key for multivariate results, "true"/"false" for booleans. A payload that
// is itself a JSON-encoded string is unwrapped once.
func lookupPayload(flag *FeatureFlag, value any) any {
	if len(flag.Filters.Payloads) == 0 {
		return nil
	}
	var key string
	switch v := value.(type) {
	case string:
		key = v
	case bool:
		key = strconv.FormatBool(v)
	default:
		return nil
	}
	raw, ok := flag.Filters.Payloads[key]
	if !ok {
		return nil
	}
	return decodePayload(raw)
}

// decodePayload parses a raw payload; string payloads holding JSON are
// parsed again, and strings that are not JSON stay strings.
func decodePayload(raw json.RawMessage) any {
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return string(raw)
	}
	if s, ok := decoded.(string); ok {
		var nested any
		if err := json.Unmarshal([]byte(s), &nested); err == nil {
			return nested
		}
		return s
	}
	return decoded
}
