package posthog

import (
	"fmt"
	"sync"
)

// FlagProps describes one flag query: the flag key, the subject, and any
// context needed to match conditions. Groups maps group type names to group
// keys; PersonProperties and GroupProperties feed property conditions during
// local evaluation and are forwarded on remote evaluation.
type FlagProps struct {
	Key        string
	DistinctID string

	Groups           Groups
	PersonProperties Properties
	GroupProperties  map[string]Properties

	// OnlyEvaluateLocally suppresses the remote fallback; queries that local
	// evaluation cannot decide return nil instead of calling the server.
	OnlyEvaluateLocally bool
}

func (p FlagProps) validate() error {
	if p.Key == "" {
		return &ValidationError{Field: "key"}
	}
	if p.DistinctID == "" {
		return &ValidationError{Field: "distinct_id"}
	}
	return nil
}

// flagCallEvent is one deduplicated $feature_flag_called record, keyed by
// (distinct id, flag key, decided value). The first query for a key wins;
// repeats are absorbed until the batch is flushed on Shutdown.
type flagCallEvent struct {
	distinctID string
	key        string
	result     *FlagResult
}

func (ev flagCallEvent) dedupKey() string {
	return fmt.Sprintf("%s/%s/%v", ev.distinctID, ev.key, ev.result.Value)
}

// capture renders the record as a regular analytics event so it rides the
// ingestion pipeline like any other message.
func (ev flagCallEvent) capture() Capture {
	props := Properties{
		"$feature_flag":          ev.key,
		"$feature_flag_response": ev.result.Value,
		"locally_evaluated":      ev.result.LocallyEvaluated,
		"$feature/" + ev.key:     ev.result.Value,
	}
	if ev.result.Payload != nil {
		props["$feature_flag_payload"] = ev.result.Payload
	}
	if ev.result.RequestID != "" {
		props["$feature_flag_request_id"] = ev.result.RequestID
	}
	if ev.result.EvaluatedAt != "" {
		props["$feature_flag_evaluated_at"] = ev.result.EvaluatedAt
	}
	if ev.result.Reason != "" {
		props["$feature_flag_reason"] = ev.result.Reason
	}
	if ev.result.FlagVersion != 0 {
		props["$feature_flag_version"] = ev.result.FlagVersion
	}
	if ev.result.FlagID != 0 {
		props["$feature_flag_id"] = ev.result.FlagID
	}
	return Capture{
		DistinctID: ev.distinctID,
		Event:      "$feature_flag_called",
		Properties: props,
	}
}

// flagEngine routes flag queries: local evaluation first when definitions are
// cached, remote evaluation as the fallback. It also owns the deduplicated
// $feature_flag_called telemetry.
type flagEngine struct {
	cfg       *config
	evaluator *localEvaluator
	poller    *definitionsPoller
	remote    *remoteEvaluator

	mu    sync.Mutex
	calls map[string]flagCallEvent
}

func newFlagEngine(cfg *config) *flagEngine {
	engine := &flagEngine{
		cfg:       cfg,
		evaluator: newLocalEvaluator(cfg.logger),
		remote:    newRemoteEvaluator(cfg),
		calls:     map[string]flagCallEvent{},
	}
	if cfg.personalAPIKey != "" {
		engine.poller = newDefinitionsPoller(cfg, engine.evaluator)
	}
	return engine
}

func (f *flagEngine) localEnabled() bool {
	return f.poller != nil
}

// flagValue decides one flag. Local evaluation is used when it produces a
// conclusive answer; inconclusive matches and server-only constructs fall
// back to the decide endpoint unless OnlyEvaluateLocally is set. A nil result
// means no decision could be produced.
func (f *flagEngine) flagValue(props FlagProps) *FlagResult {
	if err := props.validate(); err != nil {
		f.cfg.reportError(-1, err.Error())
		return nil
	}

	if f.localEnabled() && f.evaluator.loaded() {
		result, err := f.evaluator.evaluate(props.Key, props.DistinctID,
			props.Groups, props.PersonProperties, props.GroupProperties)
		if err == nil {
			f.recordCall(props.DistinctID, result)
			return result
		}
		f.cfg.logger.Debug("local flag evaluation fell through",
			"flag", props.Key, "reason", err.Error())
	}
	if props.OnlyEvaluateLocally {
		return nil
	}

	eval := f.remote.fetch(props.DistinctID, props.Groups,
		props.PersonProperties, props.GroupProperties)
	if eval == nil {
		return nil
	}
	if len(eval.quotaLimited) > 0 {
		f.cfg.logger.Warn("feature flags quota limited, returning no decision",
			"flag", props.Key)
		return nil
	}
	result, ok := eval.flags[props.Key]
	if !ok {
		return &FlagResult{Key: props.Key, Value: nil, RequestID: eval.requestID}
	}
	f.recordCall(props.DistinctID, result)
	return result
}

// allFlags decides every known flag for the subject. With local evaluation,
// each cached flag is tried in process; if any flag cannot be decided locally
// the whole set is fetched remotely so the answer is complete.
func (f *flagEngine) allFlags(props FlagProps) map[string]*FlagResult {
	if props.DistinctID == "" {
		f.cfg.reportError(-1, (&ValidationError{Field: "distinct_id"}).Error())
		return nil
	}

	fallback := false
	results := map[string]*FlagResult{}
	if f.localEnabled() && f.evaluator.loaded() {
		defs := f.evaluator.definitions()
		for key := range defs.flagsByKey {
			result, err := f.evaluator.evaluate(key, props.DistinctID,
				props.Groups, props.PersonProperties, props.GroupProperties)
			if err != nil {
				fallback = true
				continue
			}
			results[key] = result
		}
		if !fallback {
			return results
		}
	} else {
		fallback = true
	}
	if props.OnlyEvaluateLocally {
		return results
	}
	if fallback {
		eval := f.remote.fetch(props.DistinctID, props.Groups,
			props.PersonProperties, props.GroupProperties)
		if eval == nil {
			return results
		}
		if len(eval.quotaLimited) > 0 {
			f.cfg.logger.Warn("feature flags quota limited, returning empty flag set")
			return map[string]*FlagResult{}
		}
		return eval.flags
	}
	return results
}

// recordCall remembers one flag decision for $feature_flag_called telemetry.
// Repeat decisions with the same subject, key, and value are absorbed.
// Queries that produced no decision are not telemetry.
func (f *flagEngine) recordCall(distinctID string, result *FlagResult) {
	if result == nil || result.Value == nil {
		return
	}
	ev := flagCallEvent{distinctID: distinctID, key: result.Key, result: result}
	key := ev.dedupKey()
	f.mu.Lock()
	if _, seen := f.calls[key]; !seen {
		f.calls[key] = ev
	}
	f.mu.Unlock()
}

// flushCallEvents atomically drains the pending telemetry records.
func (f *flagEngine) flushCallEvents() []flagCallEvent {
	f.mu.Lock()
	pending := f.calls
	f.calls = map[string]flagCallEvent{}
	f.mu.Unlock()

	events := make([]flagCallEvent, 0, len(pending))
	for _, ev := range pending {
		events = append(events, ev)
	}
	return events
}

// reload refreshes the definitions cache immediately. Concurrent reloads
// share one request. No-op without a personal API key.
func (f *flagEngine) reload() {
	if f.poller == nil {
		return
	}
	f.poller.pollOnce()
}

// FlagValue decides a feature flag for a subject. The result's Value is true,
// false, or a variant string; a nil result means the flag could not be
// decided (unknown flag with no server reachable, quota limited, or
// OnlyEvaluateLocally without cached definitions).
func (c *Client) FlagValue(props FlagProps) *FlagResult {
	if c.isShutdown() {
		c.cfg.reportError(-1, "client is shut down")
		return nil
	}
	return c.flags.flagValue(props)
}

// FlagEnabled reports the boolean view of a flag: variants count as enabled.
// Returns nil when no decision could be produced.
func (c *Client) FlagEnabled(props FlagProps) *bool {
	result := c.FlagValue(props)
	if result == nil || result.Value == nil {
		return nil
	}
	enabled := result.Enabled()
	return &enabled
}

// FlagPayload returns the payload attached to the decided flag value, or nil
// when the flag is off, undecided, or has no payload.
func (c *Client) FlagPayload(props FlagProps) any {
	result := c.FlagValue(props)
	if result == nil {
		return nil
	}
	return result.Payload
}

// AllFlags returns the decided value of every known flag for the subject.
func (c *Client) AllFlags(props FlagProps) map[string]any {
	values := map[string]any{}
	for key, result := range c.AllFlagsAndPayloads(props) {
		values[key] = result.Value
	}
	return values
}

// AllFlagsAndPayloads returns the full result of every known flag for the
// subject, payloads included.
func (c *Client) AllFlagsAndPayloads(props FlagProps) map[string]*FlagResult {
	if c.isShutdown() {
		c.cfg.reportError(-1, "client is shut down")
		return nil
	}
	return c.flags.allFlags(props)
}

// ReloadFeatureFlags refreshes the local flag definitions immediately instead
// of waiting for the next poll. No-op without a personal API key.
func (c *Client) ReloadFeatureFlags() {
	if c.isShutdown() {
		return
	}
	c.flags.reload()
}

// LocalEvaluationEnabled reports whether a personal API key was configured,
// which is what enables the definitions poller and in-process evaluation.
func (c *Client) LocalEvaluationEnabled() bool {
	return c.flags.localEnabled()
}
