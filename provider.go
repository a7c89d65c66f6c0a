package posthog

import (
	"context"
	"log/slog"

	of "github.com/open-feature/go-sdk/openfeature"
)

// Provider adapts a Client to the OpenFeature provider contract. The
// targeting key of the evaluation context becomes the distinct ID; all other
// context attributes are forwarded as person properties for condition
// matching.
//
// The provider does not own the client: Shutdown the client separately when
// the application exits.
type Provider struct {
	client *Client
	logger *slog.Logger
}

// NewProvider wraps an existing client.
func NewProvider(client *Client) *Provider {
	return &Provider{client: client, logger: client.logger}
}

func (p *Provider) Metadata() of.Metadata {
	return of.Metadata{Name: "PostHog"}
}

// Hooks returns no hooks; flag usage telemetry is handled by the client's
// own $feature_flag_called events.
func (p *Provider) Hooks() []of.Hook {
	return nil
}

// validateEvaluationContext checks the common failure modes before any flag
// work happens. An empty detail means the context is usable.
func (p *Provider) validateEvaluationContext(ctx context.Context, ec of.FlattenedContext) of.ProviderResolutionDetail {
	if p.client.IsShutdown() {
		return resolutionDetailProviderNotReady()
	}
	if err := ctx.Err(); err != nil {
		return resolutionDetailContextCancelled(err)
	}
	key, ok := ec[of.TargetingKey]
	if !ok {
		return resolutionDetailTargetingKeyMissing()
	}
	if _, ok := key.(string); !ok {
		return resolutionDetailInvalidContext("targeting key must be a string")
	}
	return of.ProviderResolutionDetail{}
}

// flagProps translates an OpenFeature evaluation context into a flag query.
// Assumes the targeting key was validated by the caller.
func flagProps(flag string, ec of.FlattenedContext) FlagProps {
	distinctID, _ := ec[of.TargetingKey].(string)
	var personProps Properties
	for k, v := range ec {
		if k == of.TargetingKey {
			continue
		}
		if personProps == nil {
			personProps = Properties{}
		}
		personProps[k] = v
	}
	return FlagProps{Key: flag, DistinctID: distinctID, PersonProperties: personProps}
}

// variantOf renders a decided value as the resolution detail's variant.
func variantOf(result *FlagResult) string {
	if s, ok := result.Value.(string); ok {
		return s
	}
	if result.Enabled() {
		return "true"
	}
	return "false"
}

func resolutionDetailNotFound() of.ProviderResolutionDetail {
	return providerResolutionDetailError(
		of.NewFlagNotFoundResolutionError("flag could not be decided"),
		of.DefaultReason,
		"")
}

func resolutionDetailFound(result *FlagResult) of.ProviderResolutionDetail {
	detail := of.ProviderResolutionDetail{
		Reason:  of.TargetingMatchReason,
		Variant: variantOf(result),
	}
	if result.Payload != nil {
		detail.FlagMetadata = of.FlagMetadata{"payload": result.Payload}
	}
	return detail
}

func resolutionDetailParseError(variant string) of.ProviderResolutionDetail {
	return providerResolutionDetailError(
		of.NewParseErrorResolutionError("cannot parse flag value to given type"),
		of.ErrorReason,
		variant)
}

func resolutionDetailTargetingKeyMissing() of.ProviderResolutionDetail {
	return providerResolutionDetailError(
		of.NewTargetingKeyMissingResolutionError("targeting key missing"),
		of.ErrorReason,
		"")
}

func resolutionDetailContextCancelled(err error) of.ProviderResolutionDetail {
	return providerResolutionDetailError(
		of.NewGeneralResolutionError(err.Error()),
		of.ErrorReason,
		"")
}

func resolutionDetailInvalidContext(msg string) of.ProviderResolutionDetail {
	return providerResolutionDetailError(
		of.NewInvalidContextResolutionError(msg),
		of.ErrorReason,
		"")
}

func resolutionDetailProviderNotReady() of.ProviderResolutionDetail {
	return providerResolutionDetailError(
		of.NewProviderNotReadyResolutionError("client is shut down"),
		of.ErrorReason,
		"")
}

func providerResolutionDetailError(resErr of.ResolutionError, reason of.Reason, variant string) of.ProviderResolutionDetail {
	return of.ProviderResolutionDetail{
		ResolutionError: resErr,
		Reason:          reason,
		Variant:         variant,
	}
}
