// Package posthog is a client library for the PostHog product-analytics
// service. It ingests analytics events from a host application and delivers
// them in batches to the remote service, and it decides feature-flag values
// for a subject either by evaluating flag definitions locally or by asking
// the remote decide endpoint.
//
// # Basic Usage
//
//	client, err := posthog.New("phc_project_key")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Shutdown()
//
//	client.Capture(posthog.Capture{
//	    DistinctID: "user-123",
//	    Event:      "signed up",
//	    Properties: posthog.Properties{"plan": "pro"},
//	})
//
// Event capture never blocks the caller on network I/O: messages go through a
// bounded in-memory queue and a background worker batches and delivers them
// with retry and backoff. When the queue is full, new messages are dropped and
// reported through the OnError callback.
//
// # Feature Flags
//
// With a personal API key configured, flag and cohort definitions are polled
// in the background and flags are evaluated locally and deterministically:
//
//	client, _ := posthog.New("phc_project_key",
//	    posthog.WithPersonalAPIKey("phx_personal_key"),
//	)
//
//	value := client.FlagValue(posthog.FlagProps{
//	    Key:        "new-onboarding",
//	    DistinctID: "user-123",
//	})
//
// Without a personal API key, or when a flag cannot be decided locally, the
// client falls back to the remote decide endpoint.
//
// The package also ships an OpenFeature provider over the same engine, see
// NewProvider.
//
// # Concurrency
//
// The client is safe for concurrent use. Shutdown drains the queue, flushes
// pending flag-called telemetry, and waits for background goroutines to exit.
package posthog
