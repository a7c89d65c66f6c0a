package posthog

import (
	"crypto/sha1"
	"encoding/hex"
	"strconv"
)

// hashScale is 2^60 - 1, the denominator that maps the first 60 bits of the
// SHA1 digest onto [0, 1].
const hashScale = 0xfffffffffffffff

// flagHash deterministically maps (key, subject, salt) onto [0, 1]: SHA1 of
// "<key>.<subject><salt>", first 15 hex characters as a 60-bit integer,
// divided by 2^60 - 1. Identical inputs always produce bitwise-identical
// results, which is what makes rollouts and variant assignment sticky.
func flagHash(key, subject, salt string) float64 {
	sum := sha1.Sum([]byte(key + "." + subject + salt))
	prefix := hex.EncodeToString(sum[:])[:15]
	value, _ := strconv.ParseUint(prefix, 16, 64)
	return float64(value) / float64(hashScale)
}

// inRollout reports whether subject falls inside a percentage rollout of the
// flag. 100 always matches and 0 never does, independent of the hash.
func inRollout(key, subject string, percentage float64) bool {
	if percentage >= 100 {
		return true
	}
	if percentage <= 0 {
		return false
	}
	return flagHash(key, subject, "") < percentage/100
}

// variantRange is one variant's contiguous slice of the [0, 1) partition, in
// declaration order.
type variantRange struct {
	key string
	min float64
	max float64
}

func variantRanges(mv *Multivariate) []variantRange {
	if mv == nil || len(mv.Variants) == 0 {
		return nil
	}
	ranges := make([]variantRange, 0, len(mv.Variants))
	min := 0.0
	for _, v := range mv.Variants {
		max := min + v.RolloutPercentage/100
		ranges = append(ranges, variantRange{key: v.Key, min: min, max: max})
		min = max
	}
	return ranges
}

// matchingVariant assigns a multivariate flag's variant for subject using the
// "variant" salt. Returns "" when the flag has no variants or the hash falls
// outside every range (rollouts summing to less than 100).
func matchingVariant(flag *FeatureFlag, subject string) string {
	ranges := variantRanges(flag.Filters.Multivariate)
	if len(ranges) == 0 {
		return ""
	}
	h := flagHash(flag.Key, subject, "variant")
	for _, r := range ranges {
		if h >= r.min && h < r.max {
			return r.key
		}
	}
	return ""
}
