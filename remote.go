package posthog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

// remoteEvaluator asks the decide endpoint for a subject's flags when local
// evaluation is unavailable or inconclusive.
type remoteEvaluator struct {
	cfg    *config
	client *http.Client
	logger *slog.Logger
}

func newRemoteEvaluator(cfg *config) *remoteEvaluator {
	client := cfg.httpClient
	if client == nil {
		client = &http.Client{Timeout: cfg.flagRequestTimeout}
	}
	return &remoteEvaluator{cfg: cfg, client: client, logger: cfg.logger}
}

// remoteEvaluation is the normalized view over both response encodings.
type remoteEvaluation struct {
	flags        map[string]*FlagResult
	quotaLimited []string
	requestID    string
}

type decideRequest struct {
	APIKey           string                `json:"api_key"`
	DistinctID       string                `json:"distinct_id"`
	Groups           Groups                `json:"groups,omitempty"`
	PersonProperties Properties            `json:"person_properties,omitempty"`
	GroupProperties  map[string]Properties `json:"group_properties,omitempty"`
	GeoIPDisable     bool                  `json:"geoip_disable"`
}

// decideResponse covers the v2 encoding (flags) and the legacy encoding
// (featureFlags + featureFlagPayloads); v2 takes precedence when both are
// present. quotaLimited may be a bool or a list of limited product names.
type decideResponse struct {
	Flags               map[string]decideFlag `json:"flags"`
	FeatureFlags        map[string]any        `json:"featureFlags"`
	FeatureFlagPayloads map[string]string     `json:"featureFlagPayloads"`
	QuotaLimited        json.RawMessage       `json:"quotaLimited"`
	RequestID           string                `json:"requestId"`
}

type decideFlag struct {
	Key     string  `json:"key"`
	Enabled bool    `json:"enabled"`
	Variant *string `json:"variant"`
	Reason  *struct {
		Description string `json:"description"`
	} `json:"reason"`
	Metadata *struct {
		ID          int     `json:"id"`
		Version     int     `json:"version"`
		Payload     *string `json:"payload"`
		EvaluatedAt string  `json:"evaluated_at"`
	} `json:"metadata"`
}

// fetch posts the subject context to <endpoint>/flags?v=2. All failures are
// reported through OnError and surface as a nil result; flag queries then
// return no decision.
func (r *remoteEvaluator) fetch(distinctID string, groups Groups, personProps Properties, groupProps map[string]Properties) *remoteEvaluation {
	body, err := json.Marshal(decideRequest{
		APIKey:           r.cfg.apiKey,
		DistinctID:       distinctID,
		Groups:           groups,
		PersonProperties: personProps,
		GroupProperties:  groupProps,
		GeoIPDisable:     true,
	})
	if err != nil {
		r.cfg.reportError(-1, fmt.Sprintf("encoding decide request: %v", err))
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.flagRequestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.endpoint+"/flags?v=2", bytes.NewReader(body))
	if err != nil {
		r.cfg.reportError(-1, fmt.Sprintf("building decide request: %v", err))
		return nil
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", libraryName+"/"+Version)

	resp, err := r.client.Do(req)
	if err != nil {
		r.cfg.reportError(-1, fmt.Sprintf("calling decide endpoint: %v", err))
		return nil
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusPaymentRequired:
		r.cfg.reportError(resp.StatusCode, "feature flags quota limited")
		return &remoteEvaluation{quotaLimited: []string{"feature_flags"}}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		r.cfg.reportError(resp.StatusCode, "API key rejected by decide endpoint")
		return nil
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		r.cfg.reportError(resp.StatusCode, fmt.Sprintf("unexpected status %d from decide endpoint", resp.StatusCode))
		return nil
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		r.cfg.reportError(-1, fmt.Sprintf("reading decide response: %v", err))
		return nil
	}
	var parsed decideResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		r.cfg.reportError(-1, fmt.Sprintf("parsing decide response: %v", err))
		return nil
	}
	return normalizeDecideResponse(&parsed)
}

func normalizeDecideResponse(parsed *decideResponse) *remoteEvaluation {
	eval := &remoteEvaluation{
		flags:        map[string]*FlagResult{},
		quotaLimited: parseQuotaLimited(parsed.QuotaLimited),
		requestID:    parsed.RequestID,
	}
	if len(parsed.Flags) > 0 {
		for key, flag := range parsed.Flags {
			result := &FlagResult{Key: key, Value: false, RequestID: parsed.RequestID}
			if flag.Enabled {
				result.Value = true
				if flag.Variant != nil && *flag.Variant != "" {
					result.Value = *flag.Variant
				}
			}
			if flag.Reason != nil {
				result.Reason = flag.Reason.Description
			}
			if flag.Metadata != nil {
				result.FlagID = flag.Metadata.ID
				result.FlagVersion = flag.Metadata.Version
				result.EvaluatedAt = flag.Metadata.EvaluatedAt
				if flag.Metadata.Payload != nil {
					result.Payload = decodePayload(json.RawMessage(*flag.Metadata.Payload))
				}
			}
			eval.flags[key] = result
		}
		return eval
	}
	for key, value := range parsed.FeatureFlags {
		result := &FlagResult{Key: key, Value: value, RequestID: parsed.RequestID}
		if payload, ok := parsed.FeatureFlagPayloads[key]; ok {
			result.Payload = decodePayload(json.RawMessage(payload))
		}
		eval.flags[key] = result
	}
	return eval
}

// parseQuotaLimited accepts the boolean form (mapped to ["feature_flags"])
// and the string-list form.
func parseQuotaLimited(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var flag bool
	if err := json.Unmarshal(raw, &flag); err == nil {
		if flag {
			return []string{"feature_flags"}
		}
		return nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	return nil
}
