package posthog

import (
	"time"

	"github.com/google/uuid"
)

// timeNow is stubbed in tests for deterministic timestamps.
var timeNow = time.Now

// timestampLayout renders UTC with millisecond precision and a trailing Z.
const timestampLayout = "2006-01-02T15:04:05.000Z"

// newMessage builds the shared envelope: kind, event, generated message ID,
// UTC timestamp, and the library properties every message carries.
func newMessage(kind, event, distinctID string, callerUUID string) *Message {
	return &Message{
		Kind:       kind,
		Event:      event,
		DistinctID: distinctID,
		Timestamp:  timeNow().UTC().Format(timestampLayout),
		MessageID:  uuid.NewString(),
		Properties: Properties{
			"$lib":         libraryName,
			"$lib_version": Version,
		},
		Library:        libraryName,
		LibraryVersion: Version,
		UUID:           validUUIDv4(callerUUID),
	}
}

// validUUIDv4 returns s if it is a canonical RFC-4122 v4 UUID, else "".
// Invalid caller-supplied UUIDs are dropped silently, not reported. The
// length check rejects the alternate encodings uuid.Parse would accept
// (urn prefix, braces, no hyphens): only the 36-character form is sent.
func validUUIDv4(s string) string {
	if len(s) != 36 {
		return ""
	}
	id, err := uuid.Parse(s)
	if err != nil || id.Version() != 4 || id.Variant() != uuid.RFC4122 {
		return ""
	}
	return s
}

func newCaptureMessage(in Capture) (*Message, error) {
	if in.DistinctID == "" {
		return nil, &ValidationError{Field: "distinct_id"}
	}
	if in.Event == "" {
		return nil, &ValidationError{Field: "event"}
	}
	msg := newMessage(kindCapture, in.Event, in.DistinctID, in.UUID)
	for k, v := range in.Properties {
		msg.Properties[k] = v
	}
	if len(in.Groups) > 0 {
		groups := make(map[string]string, len(in.Groups))
		for k, v := range in.Groups {
			groups[k] = v
		}
		msg.Properties["$groups"] = groups
	}
	if len(in.FeatureVariants) > 0 {
		active := make([]string, 0, len(in.FeatureVariants))
		for key, value := range in.FeatureVariants {
			msg.Properties["$feature/"+key] = value
			if value != false {
				active = append(active, key)
			}
		}
		msg.Properties["$active_feature_flags"] = active
	}
	return msg, nil
}

func newIdentifyMessage(in Identify) (*Message, error) {
	if in.DistinctID == "" {
		return nil, &ValidationError{Field: "distinct_id"}
	}
	msg := newMessage(kindIdentify, "$identify", in.DistinctID, in.UUID)
	if len(in.Properties) > 0 {
		set := make(Properties, len(in.Properties))
		for k, v := range in.Properties {
			set[k] = v
		}
		msg.Set = set
	}
	return msg, nil
}

func newAliasMessage(in Alias) (*Message, error) {
	if in.DistinctID == "" {
		return nil, &ValidationError{Field: "distinct_id"}
	}
	if in.Alias == "" {
		return nil, &ValidationError{Field: "alias"}
	}
	msg := newMessage(kindAlias, "$create_alias", in.DistinctID, in.UUID)
	msg.Properties["distinct_id"] = in.DistinctID
	msg.Properties["alias"] = in.Alias
	return msg, nil
}

func newGroupIdentifyMessage(in GroupIdentify) (*Message, error) {
	if in.Type == "" {
		return nil, &ValidationError{Field: "group_type"}
	}
	if in.Key == "" {
		return nil, &ValidationError{Field: "group_key"}
	}
	distinctID := in.DistinctID
	if distinctID == "" {
		distinctID = "$" + in.Type + "_" + in.Key
	}
	msg := newMessage(kindGroupIdentify, "$groupidentify", distinctID, in.UUID)
	msg.Properties["$group_type"] = in.Type
	msg.Properties["$group_key"] = in.Key
	set := make(Properties, len(in.Properties))
	for k, v := range in.Properties {
		set[k] = v
	}
	msg.Properties["$group_set"] = set
	return msg, nil
}

func newExceptionMessage(in ExceptionInput) (*Message, error) {
	if in.DistinctID == "" {
		return nil, &ValidationError{Field: "distinct_id"}
	}
	msg := newMessage(kindException, "$exception", in.DistinctID, in.UUID)
	for k, v := range in.Properties {
		msg.Properties[k] = v
	}
	for k, v := range serializeException(in) {
		msg.Properties[k] = v
	}
	return msg, nil
}
