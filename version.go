package posthog

// Version is the library version reported in the User-Agent header and in
// the $lib_version property of every message.
const Version = "1.0.0"

// libraryName is the value of the $lib property and the library field of
// every message.
const libraryName = "posthog-go"
