package posthog

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stubTime(t *testing.T, fixed time.Time) {
	t.Helper()
	prev := timeNow
	timeNow = func() time.Time { return fixed }
	t.Cleanup(func() { timeNow = prev })
}

func TestNewCaptureMessage(t *testing.T) {
	stubTime(t, time.Date(2024, 3, 15, 10, 30, 0, 123_000_000, time.UTC))

	msg, err := newCaptureMessage(Capture{
		DistinctID: "user-1",
		Event:      "signed_up",
		Properties: Properties{"plan": "pro"},
	})
	require.NoError(t, err)

	assert.Equal(t, kindCapture, msg.Kind)
	assert.Equal(t, "signed_up", msg.Event)
	assert.Equal(t, "user-1", msg.DistinctID)
	assert.Equal(t, "2024-03-15T10:30:00.123Z", msg.Timestamp)
	assert.Equal(t, "pro", msg.Properties["plan"])
	assert.Equal(t, libraryName, msg.Properties["$lib"])
	assert.Equal(t, Version, msg.Properties["$lib_version"])

	_, err = uuid.Parse(msg.MessageID)
	assert.NoError(t, err, "message id must be a valid UUID")
}

func TestNewCaptureMessageValidation(t *testing.T) {
	tests := []struct {
		name  string
		in    Capture
		field string
	}{
		{name: "missing distinct id", in: Capture{Event: "e"}, field: "distinct_id"},
		{name: "missing event", in: Capture{DistinctID: "u"}, field: "event"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newCaptureMessage(tt.in)
			require.Error(t, err)
			assert.Equal(t, tt.field+" must be given", err.Error())
		})
	}
}

func TestNewCaptureMessageGroupsAndVariants(t *testing.T) {
	msg, err := newCaptureMessage(Capture{
		DistinctID: "user-1",
		Event:      "viewed",
		Groups:     Groups{"company": "acme"},
		FeatureVariants: map[string]any{
			"dark-mode": true,
			"variant":   "control",
			"disabled":  false,
		},
	})
	require.NoError(t, err)

	assert.Equal(t, map[string]string{"company": "acme"}, msg.Properties["$groups"])
	assert.Equal(t, true, msg.Properties["$feature/dark-mode"])
	assert.Equal(t, "control", msg.Properties["$feature/variant"])
	assert.Equal(t, false, msg.Properties["$feature/disabled"])

	active := msg.Properties["$active_feature_flags"].([]string)
	assert.ElementsMatch(t, []string{"dark-mode", "variant"}, active,
		"flags with value false must not be listed as active")
}

func TestCaptureMessageCopiesCallerProperties(t *testing.T) {
	props := Properties{"plan": "pro"}
	msg, err := newCaptureMessage(Capture{DistinctID: "u", Event: "e", Properties: props})
	require.NoError(t, err)

	props["plan"] = "mutated"
	assert.Equal(t, "pro", msg.Properties["plan"])
}

func TestValidUUIDv4(t *testing.T) {
	v4 := uuid.NewString()
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "empty", in: "", want: ""},
		{name: "valid v4", in: v4, want: v4},
		{name: "not a uuid", in: "not-a-uuid", want: ""},
		{name: "wrong version", in: "00000000-0000-1000-8000-000000000000", want: ""},
		{name: "urn form", in: "urn:uuid:" + v4, want: ""},
		{name: "braced form", in: "{" + v4 + "}", want: ""},
		{name: "no hyphens", in: strings.ReplaceAll(v4, "-", ""), want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, validUUIDv4(tt.in))
		})
	}
}

func TestNewIdentifyMessage(t *testing.T) {
	msg, err := newIdentifyMessage(Identify{
		DistinctID: "user-1",
		Properties: Properties{"email": "u@example.com"},
	})
	require.NoError(t, err)

	assert.Equal(t, kindIdentify, msg.Kind)
	assert.Equal(t, "$identify", msg.Event)
	assert.Equal(t, "u@example.com", msg.Set["email"])

	data, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"$set"`)
}

func TestNewAliasMessage(t *testing.T) {
	msg, err := newAliasMessage(Alias{DistinctID: "user-1", Alias: "user-2"})
	require.NoError(t, err)

	assert.Equal(t, "$create_alias", msg.Event)
	assert.Equal(t, "user-1", msg.Properties["distinct_id"])
	assert.Equal(t, "user-2", msg.Properties["alias"])

	_, err = newAliasMessage(Alias{DistinctID: "user-1"})
	require.Error(t, err)
	assert.Equal(t, "alias must be given", err.Error())
}

func TestNewGroupIdentifyMessage(t *testing.T) {
	t.Run("synthesizes distinct id", func(t *testing.T) {
		msg, err := newGroupIdentifyMessage(GroupIdentify{
			Type:       "company",
			Key:        "acme",
			Properties: Properties{"tier": "enterprise"},
		})
		require.NoError(t, err)

		assert.Equal(t, "$company_acme", msg.DistinctID)
		assert.Equal(t, "$groupidentify", msg.Event)
		assert.Equal(t, "company", msg.Properties["$group_type"])
		assert.Equal(t, "acme", msg.Properties["$group_key"])
		assert.Equal(t, Properties{"tier": "enterprise"}, msg.Properties["$group_set"])
	})

	t.Run("missing type", func(t *testing.T) {
		_, err := newGroupIdentifyMessage(GroupIdentify{Key: "acme"})
		require.Error(t, err)
		assert.Equal(t, "group_type must be given", err.Error())
	})
}

func TestMessageRoundTrip(t *testing.T) {
	t.Run("capture", func(t *testing.T) {
		msg, err := newCaptureMessage(Capture{
			DistinctID: "user-1",
			Event:      "purchased",
			Properties: Properties{"plan": "pro", "seats": 4.0, "trial": false},
			UUID:       uuid.NewString(),
		})
		require.NoError(t, err)

		data, err := json.Marshal(msg)
		require.NoError(t, err)
		var decoded Message
		require.NoError(t, json.Unmarshal(data, &decoded))
		assert.Equal(t, *msg, decoded)
	})

	t.Run("identify with $set", func(t *testing.T) {
		msg, err := newIdentifyMessage(Identify{
			DistinctID: "user-1",
			Properties: Properties{"email": "u@example.com"},
		})
		require.NoError(t, err)

		data, err := json.Marshal(msg)
		require.NoError(t, err)
		var decoded Message
		require.NoError(t, json.Unmarshal(data, &decoded))
		assert.Equal(t, *msg, decoded)
	})
}

func TestMessageWireShape(t *testing.T) {
	msg, err := newCaptureMessage(Capture{DistinctID: "u", Event: "e"})
	require.NoError(t, err)

	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	for _, field := range []string{"type", "event", "distinct_id", "timestamp", "messageId", "properties", "library", "library_version"} {
		assert.Contains(t, decoded, field)
	}
	assert.NotContains(t, decoded, "uuid", "empty uuid must be omitted")
	assert.NotContains(t, decoded, "$set", "empty $set must be omitted")
}
