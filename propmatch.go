package posthog

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// matchProperty evaluates one plain property condition against a property
// bag. Besides true/false it has a third outcome: an inconclusive match
// error, which lets the evaluator move on to the next condition group
// instead of deciding the flag.
func matchProperty(prop FlagProperty, properties Properties) (bool, error) {
	value, present := properties[prop.Key]

	if prop.Operator == "is_not_set" {
		return !present, nil
	}
	if !present {
		return false, inconclusive("can't match condition on %q: property is missing", prop.Key)
	}

	switch prop.Operator {
	case "exact", "":
		return equalsCondition(prop.Value, value), nil
	case "is_not":
		return !equalsCondition(prop.Value, value), nil
	case "is_set":
		return true, nil
	case "icontains":
		return strings.Contains(strings.ToLower(coerceString(value)), strings.ToLower(coerceString(prop.Value))), nil
	case "not_icontains":
		return !strings.Contains(strings.ToLower(coerceString(value)), strings.ToLower(coerceString(prop.Value))), nil
	case "regex":
		return matchRegex(prop.Value, value)
	case "not_regex":
		ok, err := matchRegex(prop.Value, value)
		if err != nil {
			return false, err
		}
		return !ok, nil
	case "gt", "gte", "lt", "lte":
		return compareOrdered(prop.Operator, prop.Value, value), nil
	case "is_date_before", "is_date_after":
		return compareDates(prop.Operator, prop.Value, value)
	default:
		return false, inconclusive("unknown operator %q", prop.Operator)
	}
}

// equalsCondition is case-insensitive equality against a scalar or any
// element of a list condition value.
func equalsCondition(condition, value any) bool {
	if list, ok := condition.([]any); ok {
		for _, item := range list {
			if strings.EqualFold(coerceString(item), coerceString(value)) {
				return true
			}
		}
		return false
	}
	return strings.EqualFold(coerceString(condition), coerceString(value))
}

func matchRegex(condition, value any) (bool, error) {
	re, err := regexp.Compile(coerceString(condition))
	if err != nil {
		return false, inconclusive("invalid regex %q", coerceString(condition))
	}
	return re.MatchString(coerceString(value)), nil
}

// compareOrdered compares numerically when both sides coerce to numbers,
// lexicographically otherwise.
func compareOrdered(operator string, condition, value any) bool {
	condNum, condOK := coerceFloat(condition)
	valNum, valOK := coerceFloat(value)
	if condOK && valOK {
		switch operator {
		case "gt":
			return valNum > condNum
		case "gte":
			return valNum >= condNum
		case "lt":
			return valNum < condNum
		case "lte":
			return valNum <= condNum
		}
	}
	condStr, valStr := coerceString(condition), coerceString(value)
	switch operator {
	case "gt":
		return valStr > condStr
	case "gte":
		return valStr >= condStr
	case "lt":
		return valStr < condStr
	case "lte":
		return valStr <= condStr
	}
	return false
}

func compareDates(operator string, condition, value any) (bool, error) {
	reference, err := parseConditionDate(condition)
	if err != nil {
		return false, err
	}
	actual, err := parsePropertyDate(value)
	if err != nil {
		return false, err
	}
	if operator == "is_date_before" {
		return actual.Before(reference), nil
	}
	return actual.After(reference), nil
}

// relativeDateRe is the relative-date grammar: a signed count of hours,
// days, weeks, months, or years back from the current UTC time.
var relativeDateRe = regexp.MustCompile(`^-?([0-9]+)([hdwmy])$`)

const maxRelativeDateUnits = 10_000

// parseConditionDate accepts either an absolute date or a relative one like
// "-30d".
func parseConditionDate(condition any) (time.Time, error) {
	s := coerceString(condition)
	if m := relativeDateRe.FindStringSubmatch(s); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil || n > maxRelativeDateUnits {
			return time.Time{}, inconclusive("relative date out of range: %q", s)
		}
		now := timeNow().UTC()
		switch m[2] {
		case "h":
			return now.Add(-time.Duration(n) * time.Hour), nil
		case "d":
			return now.AddDate(0, 0, -n), nil
		case "w":
			return now.AddDate(0, 0, -7*n), nil
		case "m":
			return now.AddDate(0, -n, 0), nil
		case "y":
			return now.AddDate(-n, 0, 0), nil
		}
	}
	return parseAbsoluteDate(s)
}

// parsePropertyDate accepts integer or float Unix seconds, or a string
// absolute date.
func parsePropertyDate(value any) (time.Time, error) {
	if seconds, ok := coerceFloat(value); ok {
		if _, isString := value.(string); !isString {
			sec, frac := math.Modf(seconds)
			return time.Unix(int64(sec), int64(frac*float64(time.Second))).UTC(), nil
		}
	}
	return parseAbsoluteDate(coerceString(value))
}

var absoluteDateLayouts = []string{
	time.RFC3339,
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func parseAbsoluteDate(s string) (time.Time, error) {
	for _, layout := range absoluteDateLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, inconclusive("can't parse date %q", s)
}

// coerceString renders a property or condition value the way the matching
// rules compare it: integral floats without the trailing ".0" that
// fmt.Sprint would keep after JSON decoding.
func coerceString(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		if v == math.Trunc(v) && math.Abs(v) < 1e15 {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprint(v)
	}
}

// coerceFloat attempts numeric coercion of numbers and numeric strings.
func coerceFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
