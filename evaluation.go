package posthog

import (
	"context"
	"strconv"

	of "github.com/open-feature/go-sdk/openfeature"
)

// BooleanEvaluation resolves a flag to its boolean view: false stays false,
// true and variant values count as enabled.
//
// Returns def when the targeting key is missing, the context is canceled,
// the client is shut down, or the flag could not be decided.
func (p *Provider) BooleanEvaluation(ctx context.Context, flag string, def bool, ec of.FlattenedContext) of.BoolResolutionDetail {
	if detail := p.validateEvaluationContext(ctx, ec); detail.Error() != nil {
		return of.BoolResolutionDetail{Value: def, ProviderResolutionDetail: detail}
	}
	result := p.client.FlagValue(flagProps(flag, ec))
	if result == nil || result.Value == nil {
		return of.BoolResolutionDetail{Value: def, ProviderResolutionDetail: resolutionDetailNotFound()}
	}
	return of.BoolResolutionDetail{
		Value:                    result.Enabled(),
		ProviderResolutionDetail: resolutionDetailFound(result),
	}
}

// StringEvaluation resolves a flag to its variant name. Boolean flags render
// as "true"/"false".
func (p *Provider) StringEvaluation(ctx context.Context, flag, def string, ec of.FlattenedContext) of.StringResolutionDetail {
	if detail := p.validateEvaluationContext(ctx, ec); detail.Error() != nil {
		return of.StringResolutionDetail{Value: def, ProviderResolutionDetail: detail}
	}
	result := p.client.FlagValue(flagProps(flag, ec))
	if result == nil || result.Value == nil {
		return of.StringResolutionDetail{Value: def, ProviderResolutionDetail: resolutionDetailNotFound()}
	}
	return of.StringResolutionDetail{
		Value:                    variantOf(result),
		ProviderResolutionDetail: resolutionDetailFound(result),
	}
}

// FloatEvaluation resolves a flag whose variant name parses as a float.
func (p *Provider) FloatEvaluation(ctx context.Context, flag string, def float64, ec of.FlattenedContext) of.FloatResolutionDetail {
	if detail := p.validateEvaluationContext(ctx, ec); detail.Error() != nil {
		return of.FloatResolutionDetail{Value: def, ProviderResolutionDetail: detail}
	}
	result := p.client.FlagValue(flagProps(flag, ec))
	if result == nil || result.Value == nil {
		return of.FloatResolutionDetail{Value: def, ProviderResolutionDetail: resolutionDetailNotFound()}
	}
	variant := variantOf(result)
	parsed, err := strconv.ParseFloat(variant, 64)
	if err != nil {
		p.logger.Warn("cannot parse flag value as float", "flag", flag, "value", variant)
		return of.FloatResolutionDetail{Value: def, ProviderResolutionDetail: resolutionDetailParseError(variant)}
	}
	return of.FloatResolutionDetail{
		Value:                    parsed,
		ProviderResolutionDetail: resolutionDetailFound(result),
	}
}

// IntEvaluation resolves a flag whose variant name parses as an int64.
func (p *Provider) IntEvaluation(ctx context.Context, flag string, def int64, ec of.FlattenedContext) of.IntResolutionDetail {
	if detail := p.validateEvaluationContext(ctx, ec); detail.Error() != nil {
		return of.IntResolutionDetail{Value: def, ProviderResolutionDetail: detail}
	}
	result := p.client.FlagValue(flagProps(flag, ec))
	if result == nil || result.Value == nil {
		return of.IntResolutionDetail{Value: def, ProviderResolutionDetail: resolutionDetailNotFound()}
	}
	variant := variantOf(result)
	parsed, err := strconv.ParseInt(variant, 10, 64)
	if err != nil {
		p.logger.Warn("cannot parse flag value as int", "flag", flag, "value", variant)
		return of.IntResolutionDetail{Value: def, ProviderResolutionDetail: resolutionDetailParseError(variant)}
	}
	return of.IntResolutionDetail{
		Value:                    parsed,
		ProviderResolutionDetail: resolutionDetailFound(result),
	}
}

// ObjectEvaluation resolves a flag's payload: the JSON value attached to the
// decided variant. A flag that is on but carries no payload resolves to the
// decided value itself.
func (p *Provider) ObjectEvaluation(ctx context.Context, flag string, def any, ec of.FlattenedContext) of.InterfaceResolutionDetail {
	if detail := p.validateEvaluationContext(ctx, ec); detail.Error() != nil {
		return of.InterfaceResolutionDetail{Value: def, ProviderResolutionDetail: detail}
	}
	result := p.client.FlagValue(flagProps(flag, ec))
	if result == nil || result.Value == nil {
		return of.InterfaceResolutionDetail{Value: def, ProviderResolutionDetail: resolutionDetailNotFound()}
	}
	value := result.Payload
	if value == nil {
		value = result.Value
	}
	return of.InterfaceResolutionDetail{
		Value:                    value,
		ProviderResolutionDetail: resolutionDetailFound(result),
	}
}
