package posthog

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func floatPtr(f float64) *float64 { return &f }

func intPtr(i int) *int { return &i }

func newTestEvaluator(flags ...FeatureFlag) *localEvaluator {
	e := newLocalEvaluator(slog.Default())
	resp := &localEvaluationResponse{Flags: flags}
	e.replace(resp.definitions())
	return e
}

func simpleFlag(key string, rollout float64) FeatureFlag {
	return FeatureFlag{
		Key:    key,
		ID:     1,
		Active: true,
		Filters: FlagFilters{Groups: []FlagConditionGroup{
			{RolloutPercentage: floatPtr(rollout)},
		}},
	}
}

func TestEvaluateWithoutDefinitions(t *testing.T) {
	e := newLocalEvaluator(slog.Default())
	_, err := e.evaluate("any", "user-1", nil, nil, nil)
	require.Error(t, err)
	assert.True(t, isInconclusive(err))
}

func TestEvaluateUnknownFlag(t *testing.T) {
	e := newTestEvaluator(simpleFlag("known", 100))
	_, err := e.evaluate("unknown", "user-1", nil, nil, nil)
	require.Error(t, err)
	assert.True(t, isInconclusive(err))
}

func TestEvaluateInactiveFlag(t *testing.T) {
	flag := simpleFlag("off-flag", 100)
	flag.Active = false
	e := newTestEvaluator(flag)

	result, err := e.evaluate("off-flag", "user-1", nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, false, result.Value)
	assert.True(t, result.LocallyEvaluated)
	assert.Equal(t, "flag is inactive", result.Reason)
}

func TestEvaluateFullRollout(t *testing.T) {
	e := newTestEvaluator(simpleFlag("beta", 100))

	result, err := e.evaluate("beta", "user-1", nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, true, result.Value)
	assert.True(t, result.LocallyEvaluated)
	assert.Equal(t, 1, result.FlagID)
}

func TestEvaluatePartialRolloutPartition(t *testing.T) {
	e := newTestEvaluator(simpleFlag("half", 50))

	enabled := 0
	for i := 0; i < 1000; i++ {
		result, err := e.evaluate("half", fmt.Sprintf("user-%d", i), nil, nil, nil)
		require.NoError(t, err)
		if result.Value == true {
			enabled++
		}
	}
	assert.Greater(t, enabled, 400)
	assert.Less(t, enabled, 600)
}

func TestEvaluateExperienceContinuity(t *testing.T) {
	flag := simpleFlag("sticky", 100)
	flag.EnsureExperienceContinuity = true
	e := newTestEvaluator(flag)

	_, err := e.evaluate("sticky", "user-1", nil, nil, nil)
	assert.ErrorIs(t, err, errRequiresServerEvaluation)
}

func TestEvaluatePropertyConditions(t *testing.T) {
	flag := FeatureFlag{
		Key:    "targeted",
		Active: true,
		Filters: FlagFilters{Groups: []FlagConditionGroup{{
			Properties: []FlagProperty{
				{Key: "email", Operator: "icontains", Value: "@example.com"},
				{Key: "plan", Operator: "exact", Value: "pro"},
			},
			RolloutPercentage: floatPtr(100),
		}}},
	}
	e := newTestEvaluator(flag)

	t.Run("all conditions match", func(t *testing.T) {
		result, err := e.evaluate("targeted", "user-1", nil,
			Properties{"email": "a@example.com", "plan": "pro"}, nil)
		require.NoError(t, err)
		assert.Equal(t, true, result.Value)
	})

	t.Run("one condition fails", func(t *testing.T) {
		result, err := e.evaluate("targeted", "user-1", nil,
			Properties{"email": "a@example.com", "plan": "free"}, nil)
		require.NoError(t, err)
		assert.Equal(t, false, result.Value)
		assert.Equal(t, "no condition group matched", result.Reason)
	})

	t.Run("missing property is inconclusive", func(t *testing.T) {
		_, err := e.evaluate("targeted", "user-1", nil, Properties{"plan": "pro"}, nil)
		require.Error(t, err)
		assert.True(t, isInconclusive(err))
	})
}

func TestEvaluateConditionGroupsInOrder(t *testing.T) {
	// First group is inconclusive for users without the property, second
	// group matches everyone; the inconclusive group must be skipped.
	flag := FeatureFlag{
		Key:    "layered",
		Active: true,
		Filters: FlagFilters{Groups: []FlagConditionGroup{
			{
				Properties:        []FlagProperty{{Key: "beta_tester", Operator: "exact", Value: true}},
				RolloutPercentage: floatPtr(100),
			},
			{RolloutPercentage: floatPtr(100)},
		}},
	}
	e := newTestEvaluator(flag)

	result, err := e.evaluate("layered", "user-1", nil, Properties{}, nil)
	require.NoError(t, err)
	assert.Equal(t, true, result.Value)
}

func TestEvaluateMultivariate(t *testing.T) {
	flag := FeatureFlag{
		Key:    "experiment",
		Active: true,
		Filters: FlagFilters{
			Groups: []FlagConditionGroup{{RolloutPercentage: floatPtr(100)}},
			Multivariate: &Multivariate{Variants: []WeightedVariant{
				{Key: "control", RolloutPercentage: 50},
				{Key: "test", RolloutPercentage: 50},
			}},
		},
	}
	e := newTestEvaluator(flag)

	t.Run("assignment is stable", func(t *testing.T) {
		first, err := e.evaluate("experiment", "user-1", nil, nil, nil)
		require.NoError(t, err)
		variant, ok := first.Value.(string)
		require.True(t, ok, "a multivariate match yields the variant name")

		for i := 0; i < 20; i++ {
			again, err := e.evaluate("experiment", "user-1", nil, nil, nil)
			require.NoError(t, err)
			assert.Equal(t, variant, again.Value)
		}
	})

	t.Run("variants are distributed", func(t *testing.T) {
		seen := map[any]int{}
		for i := 0; i < 200; i++ {
			result, err := e.evaluate("experiment", fmt.Sprintf("user-%d", i), nil, nil, nil)
			require.NoError(t, err)
			seen[result.Value]++
		}
		assert.Greater(t, seen["control"], 0)
		assert.Greater(t, seen["test"], 0)
	})
}

func TestEvaluatePayloads(t *testing.T) {
	flag := FeatureFlag{
		Key:    "with-payload",
		Active: true,
		Filters: FlagFilters{
			Groups: []FlagConditionGroup{{RolloutPercentage: floatPtr(100)}},
			Payloads: map[string]json.RawMessage{
				"true": json.RawMessage(`{"color":"blue"}`),
			},
		},
	}
	e := newTestEvaluator(flag)

	result, err := e.evaluate("with-payload", "user-1", nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"color": "blue"}, result.Payload)
}

func TestEvaluatePayloadForVariant(t *testing.T) {
	flag := FeatureFlag{
		Key:    "variant-payload",
		Active: true,
		Filters: FlagFilters{
			Groups: []FlagConditionGroup{{RolloutPercentage: floatPtr(100)}},
			Multivariate: &Multivariate{Variants: []WeightedVariant{
				{Key: "only", RolloutPercentage: 100},
			}},
			Payloads: map[string]json.RawMessage{
				"only": json.RawMessage(`"[1,2,3]"`),
			},
		},
	}
	e := newTestEvaluator(flag)

	result, err := e.evaluate("variant-payload", "user-1", nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "only", result.Value)
	assert.Equal(t, []any{1.0, 2.0, 3.0}, result.Payload,
		"JSON-string payloads are unwrapped once")
}

func TestDecodePayload(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want any
	}{
		{name: "object", raw: `{"a":1}`, want: map[string]any{"a": 1.0}},
		{name: "number", raw: `7`, want: 7.0},
		{name: "plain string", raw: `"hello"`, want: "hello"},
		{name: "json inside string", raw: `"{\"a\":1}"`, want: map[string]any{"a": 1.0}},
		{name: "invalid json stays raw", raw: `{broken`, want: `{broken`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, decodePayload(json.RawMessage(tt.raw)))
		})
	}
}

func TestEvaluateGroupFlag(t *testing.T) {
	flag := FeatureFlag{
		Key:    "org-flag",
		Active: true,
		Filters: FlagFilters{
			AggregationGroupTypeIndex: intPtr(0),
			Groups: []FlagConditionGroup{{
				Properties:        []FlagProperty{{Key: "tier", Operator: "exact", Value: "enterprise"}},
				RolloutPercentage: floatPtr(100),
			}},
		},
	}
	e := newLocalEvaluator(slog.Default())
	resp := &localEvaluationResponse{
		Flags:            []FeatureFlag{flag},
		GroupTypeMapping: map[string]string{"0": "company"},
	}
	e.replace(resp.definitions())

	t.Run("matches on group properties", func(t *testing.T) {
		result, err := e.evaluate("org-flag", "user-1",
			Groups{"company": "acme"}, nil,
			map[string]Properties{"company": {"tier": "enterprise"}})
		require.NoError(t, err)
		assert.Equal(t, true, result.Value)
	})

	t.Run("missing group key is a conclusive false", func(t *testing.T) {
		result, err := e.evaluate("org-flag", "user-1", nil, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, false, result.Value)
		assert.Equal(t, "no group key for flag's group type", result.Reason)
	})

	t.Run("unknown group type index is inconclusive", func(t *testing.T) {
		orphan := flag
		orphan.Key = "orphan"
		orphan.Filters.AggregationGroupTypeIndex = intPtr(9)
		e2 := newLocalEvaluator(slog.Default())
		e2.replace((&localEvaluationResponse{Flags: []FeatureFlag{orphan}}).definitions())

		_, err := e2.evaluate("orphan", "user-1", Groups{"company": "acme"}, nil, nil)
		require.Error(t, err)
		assert.True(t, isInconclusive(err))
	})
}

func TestEvaluateCohorts(t *testing.T) {
	flag := FeatureFlag{
		Key:    "cohort-flag",
		Active: true,
		Filters: FlagFilters{Groups: []FlagConditionGroup{{
			Properties:        []FlagProperty{{Key: "id", Type: "cohort", Value: 7.0}},
			RolloutPercentage: floatPtr(100),
		}}},
	}

	newEval := func(cohortJSON string) *localEvaluator {
		e := newLocalEvaluator(slog.Default())
		body := fmt.Sprintf(`{"flags":[],"cohorts":{"7":%s}}`, cohortJSON)
		var resp localEvaluationResponse
		require.NoError(t, json.Unmarshal([]byte(body), &resp))
		resp.Flags = []FeatureFlag{flag}
		e.replace(resp.definitions())
		return e
	}

	t.Run("OR cohort matches on either side", func(t *testing.T) {
		e := newEval(`{"type":"OR","values":[
			{"key":"plan","operator":"exact","value":"pro"},
			{"key":"plan","operator":"exact","value":"team"}]}`)

		result, err := e.evaluate("cohort-flag", "user-1", nil, Properties{"plan": "team"}, nil)
		require.NoError(t, err)
		assert.Equal(t, true, result.Value)
	})

	t.Run("AND cohort requires every condition", func(t *testing.T) {
		e := newEval(`{"type":"AND","values":[
			{"key":"plan","operator":"exact","value":"pro"},
			{"key":"region","operator":"exact","value":"eu"}]}`)

		result, err := e.evaluate("cohort-flag", "user-1", nil,
			Properties{"plan": "pro", "region": "us"}, nil)
		require.NoError(t, err)
		assert.Equal(t, false, result.Value)
	})

	t.Run("nested groups recurse", func(t *testing.T) {
		e := newEval(`{"type":"AND","values":[
			{"type":"OR","values":[
				{"key":"plan","operator":"exact","value":"pro"},
				{"key":"plan","operator":"exact","value":"team"}]},
			{"key":"region","operator":"exact","value":"eu"}]}`)

		result, err := e.evaluate("cohort-flag", "user-1", nil,
			Properties{"plan": "pro", "region": "eu"}, nil)
		require.NoError(t, err)
		assert.Equal(t, true, result.Value)
	})

	t.Run("missing cohort requires server evaluation", func(t *testing.T) {
		e := newLocalEvaluator(slog.Default())
		e.replace((&localEvaluationResponse{Flags: []FeatureFlag{flag}}).definitions())

		_, err := e.evaluate("cohort-flag", "user-1", nil, Properties{"plan": "pro"}, nil)
		assert.ErrorIs(t, err, errRequiresServerEvaluation)
	})
}

func TestEvaluateFlagDependencies(t *testing.T) {
	parent := FeatureFlag{
		Key:    "parent",
		Active: true,
		Filters: FlagFilters{
			Groups: []FlagConditionGroup{{RolloutPercentage: floatPtr(100)}},
			Multivariate: &Multivariate{Variants: []WeightedVariant{
				{Key: "gold", RolloutPercentage: 100},
			}},
		},
	}
	child := FeatureFlag{
		Key:    "child",
		Active: true,
		Filters: FlagFilters{Groups: []FlagConditionGroup{{
			Properties: []FlagProperty{{
				Key:             "parent",
				Type:            "flag",
				Operator:        "flag_evaluates_to",
				Value:           "gold",
				DependencyChain: []string{"parent"},
			}},
			RolloutPercentage: floatPtr(100),
		}}},
	}

	t.Run("dependency on variant value", func(t *testing.T) {
		e := newTestEvaluator(parent, child)
		result, err := e.evaluate("child", "user-1", nil, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, true, result.Value)
	})

	t.Run("dependency on boolean true accepts variants", func(t *testing.T) {
		loose := child
		loose.Key = "loose-child"
		loose.Filters.Groups[0].Properties[0].Value = true
		e := newTestEvaluator(parent, loose)

		result, err := e.evaluate("loose-child", "user-1", nil, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, true, result.Value)
	})

	t.Run("dependency on inactive parent", func(t *testing.T) {
		off := parent
		off.Active = false
		falseChild := FeatureFlag{
			Key:    "false-child",
			Active: true,
			Filters: FlagFilters{Groups: []FlagConditionGroup{{
				Properties: []FlagProperty{{
					Key:             "parent",
					Type:            "flag",
					Operator:        "flag_evaluates_to",
					Value:           false,
					DependencyChain: []string{"parent"},
				}},
				RolloutPercentage: floatPtr(100),
			}}},
		}
		e := newTestEvaluator(off, falseChild)

		result, err := e.evaluate("false-child", "user-1", nil, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, true, result.Value, "an inactive dependency evaluates to false")
	})

	t.Run("circular dependency sentinel is inconclusive", func(t *testing.T) {
		circular := child
		circular.Key = "circular"
		circular.Filters.Groups = []FlagConditionGroup{{
			Properties: []FlagProperty{{
				Key:             "parent",
				Type:            "flag",
				Operator:        "flag_evaluates_to",
				Value:           "gold",
				DependencyChain: []string{},
			}},
			RolloutPercentage: floatPtr(100),
		}}
		e := newTestEvaluator(parent, circular)

		_, err := e.evaluate("circular", "user-1", nil, nil, nil)
		require.Error(t, err)
		assert.True(t, isInconclusive(err))
	})
}

func TestFlagValueMatches(t *testing.T) {
	tests := []struct {
		name     string
		actual   any
		expected any
		want     bool
	}{
		{name: "true matches true", actual: true, expected: true, want: true},
		{name: "variant matches true", actual: "gold", expected: true, want: true},
		{name: "false does not match true", actual: false, expected: true, want: false},
		{name: "false matches false", actual: false, expected: false, want: true},
		{name: "nil matches false", actual: nil, expected: false, want: true},
		{name: "variant does not match false", actual: "gold", expected: false, want: false},
		{name: "variant matches same string", actual: "gold", expected: "gold", want: true},
		{name: "variant comparison is case-sensitive", actual: "Gold", expected: "gold", want: false},
		{name: "bool does not match string", actual: true, expected: "gold", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, flagValueMatches(tt.actual, tt.expected))
		})
	}
}

func TestPropertyGroupUnmarshal(t *testing.T) {
	body := `{"type":"AND","values":[
		{"type":"OR","values":[{"key":"a","operator":"exact","value":1}]},
		{"key":"b","operator":"is_set"}]}`

	var group PropertyGroup
	require.NoError(t, json.Unmarshal([]byte(body), &group))

	assert.Equal(t, "AND", group.Type)
	require.Len(t, group.Groups, 1)
	assert.Equal(t, "OR", group.Groups[0].Type)
	require.Len(t, group.Groups[0].Properties, 1)
	require.Len(t, group.Properties, 1)
	assert.Equal(t, "b", group.Properties[0].Key)
}
