package posthog

// Properties is a free-form bag of event or person properties. Values must be
// JSON-encodable.
type Properties map[string]any

// Groups maps a group type (e.g. "company") to the group key the event or
// flag query belongs to (e.g. "acme-inc").
type Groups map[string]string

// Message kinds, carried in the wire field "type".
const (
	kindCapture       = "capture"
	kindIdentify      = "identify"
	kindAlias         = "alias"
	kindGroupIdentify = "groupIdentify"
	kindException     = "exception"
)

// Message is the unit of delivery to the batch endpoint. Messages are built
// by the normalization layer and are immutable once emitted: the normalizer
// copies caller-supplied property maps and nothing mutates a Message after
// construction.
type Message struct {
	Kind           string     `json:"type"`
	Event          string     `json:"event"`
	DistinctID     string     `json:"distinct_id"`
	Timestamp      string     `json:"timestamp"`
	MessageID      string     `json:"messageId"`
	Properties     Properties `json:"properties"`
	Set            Properties `json:"$set,omitempty"`
	Library        string     `json:"library"`
	LibraryVersion string     `json:"library_version"`
	UUID           string     `json:"uuid,omitempty"`
}

// Capture is the input to Client.Capture.
type Capture struct {
	DistinctID string
	Event      string
	Properties Properties

	// Groups associates the event with one group key per group type; when
	// non-empty it is carried as the $groups property.
	Groups Groups

	// FeatureVariants records the flag values active for this event. Each
	// entry becomes a $feature/<key> property, and keys whose value is not
	// false are listed in $active_feature_flags.
	FeatureVariants map[string]any

	// UUID optionally pins the event's server-side identity. Values that are
	// not canonical v4 UUIDs are silently dropped.
	UUID string
}

// Identify is the input to Client.Identify. Properties are sent as $set.
type Identify struct {
	DistinctID string
	Properties Properties
	UUID       string
}

// Alias is the input to Client.Alias, linking Alias to DistinctID.
type Alias struct {
	DistinctID string
	Alias      string
	UUID       string
}

// GroupIdentify is the input to Client.GroupIdentify. When DistinctID is
// empty it is synthesized as $<Type>_<Key>.
type GroupIdentify struct {
	DistinctID string
	Type       string
	Key        string
	Properties Properties
	UUID       string
}

// stackCapturer is implemented by errors carrying their own program
// counters, e.g. wrappers produced at the original failure site.
type stackCapturer interface {
	Callers() []uintptr
}

// ExceptionInput is the input to Client.CaptureException. Exactly one of
// Err or Message should be set: Message-only inputs produce a synthetic
// exception record without a stack trace.
type ExceptionInput struct {
	DistinctID string

	// Err is the error being reported. The stack trace is captured at the
	// CaptureException call site unless Err implements
	// interface{ Callers() []uintptr }.
	Err error

	// Message reports a plain string instead of an error (synthetic capture).
	Message string

	// Handled marks whether the host recovered from the exception.
	Handled bool

	Properties Properties
	UUID       string

	// callers is filled by Client.CaptureException so the stack reflects the
	// capture site, not the normalization layer.
	callers []uintptr
}
