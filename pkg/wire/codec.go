// Package wire implements the value-level wire codec and the path/key
// canonicalization used for coalescing (spec §4.1, §4.2).
package wire

// Reference is a wire-level value carrying both a path and a resolved
// data snapshot (§3). Produced by server handlers via Ref(); consumed by
// the client session as a cache-priming signal.
type Reference struct {
	Path Path
	Data interface{}
}

// PathArg is a wire-level value carrying only a path, used to pass "a
// pointer to a node in the graph" as a method argument or return value.
type PathArg struct {
	Path Path
}

// Reducer lets callers register custom types with the codec and the key
// formatter. Built-in reducers always shadow a user reducer registered
// under the same tag name (§4.1).
type Reducer interface {
	// Name is the wire type tag this reducer owns, e.g. "date" or "err".
	Name() string
	// Handles reports whether this reducer claims v.
	Handles(v interface{}) bool
	// Reduce flattens v into a tag + a value the codec can itself encode.
	Reduce(v interface{}) (tag string, flattened interface{})
	// Revive reconstructs the original value from a flattened payload.
	Revive(tag string, flattened interface{}) (interface{}, error)
}

// Codec round-trips arbitrary values through strings while preserving the
// identity of rich types and user-registered classes (§4.1).
type Codec interface {
	Encode(v interface{}) (string, error)
	Decode(s string) (interface{}, error)
	// Revive decodes an already-parsed representation without going
	// through the string form; used for hydration payloads that arrive
	// pre-parsed (e.g. embedded directly in an SSR HTML document).
	Revive(flattened interface{}) (interface{}, error)
	// Handles reports whether a user-supplied reducer claims v — used by
	// the dispatcher to decide whether a thrown value is a known custom
	// error (never redacted) or an opaque internal failure (may be
	// redacted).
	Handles(v interface{}) bool
}
