package wire

import (
	"fmt"
	"math"
	"math/big"
	"reflect"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// MapEntry is one key/value pair of an OrderedMap.
type MapEntry struct {
	Key   string
	Value interface{}
}

// OrderedMap preserves insertion order for plain-object values. Per §4.2,
// key order within plain objects is insertion order, not sorted — this is
// a deliberate, spec-visible imprecision rather than a bug: two OrderedMaps
// with the same entries in different order format (and therefore key-
// coalesce) differently.
type OrderedMap []MapEntry

func (m OrderedMap) Get(key string) (interface{}, bool) {
	for _, e := range m {
		if e.Key == key {
			return e.Value, true
		}
	}
	return nil, false
}

// Set is a rich value type distinct from a slice; it formats with its own
// type tag so it round-trips distinguishably from an array.
type Set []interface{}

// Boxed wraps a boxed primitive (e.g. a boxed number/string/bool) so it
// formats with a distinct shape from its unboxed counterpart.
type Boxed struct {
	Value interface{}
}

// SparseArray represents an array with gaps; Entries maps index to value.
type SparseArray struct {
	Length  int
	Entries map[int]interface{}
}

// BigInt is a thin alias so callers can pass *big.Int directly.
type BigInt = big.Int

// identifierRe matches names that can be emitted as `.name` rather than
// bracket-quoted.
var identifierRe = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*$`)

// IsIdentifier reports whether name can be used as a bare `.name` segment.
func IsIdentifier(name string) bool {
	return identifierRe.MatchString(name)
}

// cycleTracker records object identity to emit `$N` back-references for
// values already seen earlier in the same formatting pass, and to let the
// JSON codec encode/decode cyclic structures without infinite recursion.
type cycleTracker struct {
	seen map[uintptr]int
	next int
}

func newCycleTracker() *cycleTracker {
	return &cycleTracker{seen: make(map[uintptr]int)}
}

// mark returns (id, alreadySeen). Only reference-ish kinds participate.
func (c *cycleTracker) mark(v interface{}) (int, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Ptr:
		if rv.IsNil() {
			return 0, false
		}
		ptr := rv.Pointer()
		if id, ok := c.seen[ptr]; ok {
			return id, true
		}
		c.next++
		c.seen[ptr] = c.next
		return c.next, false
	default:
		return 0, false
	}
}

// Formatter turns values and paths into canonical string keys (§4.2). It
// accepts the same Reducers as the Codec so user-registered types format
// stably for coalescing purposes.
type Formatter struct {
	reducers []Reducer
}

func NewFormatter(reducers ...Reducer) *Formatter {
	return &Formatter{reducers: reducers}
}

const rootSentinel = "$"

// FormatPath renders the canonical key for a path; see §4.2.
func (f *Formatter) FormatPath(p Path) string {
	var sb strings.Builder
	sb.WriteString(rootSentinel)
	ct := newCycleTracker()
	for _, seg := range p {
		f.writeSegment(&sb, seg, ct)
	}
	return sb.String()
}

// FormatSegment renders a single segment in isolation (used to build edge
// keys by appending it to an already formatted parent key).
func (f *Formatter) FormatSegment(seg Segment) string {
	var sb strings.Builder
	f.writeSegment(&sb, seg, newCycleTracker())
	return sb.String()
}

func (f *Formatter) writeSegment(sb *strings.Builder, seg Segment, ct *cycleTracker) {
	if IsIdentifier(seg.Name) {
		sb.WriteByte('.')
		sb.WriteString(seg.Name)
	} else {
		sb.WriteByte('[')
		sb.WriteString(strconv.Quote(seg.Name))
		sb.WriteByte(']')
	}
	if seg.IsCall() {
		sb.WriteByte('(')
		for i, a := range seg.Args {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(f.formatValue(a, ct))
		}
		sb.WriteByte(')')
	}
}

// FormatValue renders a single argument/value unambiguously: every
// supported type produces a syntactically distinct textual shape.
func (f *Formatter) FormatValue(v interface{}) string {
	return f.formatValue(v, newCycleTracker())
}

func (f *Formatter) formatValue(v interface{}, ct *cycleTracker) string {
	if v == nil {
		return "null"
	}
	for _, r := range f.reducers {
		if r.Handles(v) {
			tag, flat := r.Reduce(v)
			return fmt.Sprintf("@%s<%s>", tag, f.formatValue(flat, ct))
		}
	}
	switch t := v.(type) {
	case Reference:
		return "ref<" + f.FormatPath(t.Path) + ">"
	case PathArg:
		return "path<" + f.FormatPath(t.Path) + ">"
	case bool:
		if t {
			return "true"
		}
		return "false"
	case string:
		return strconv.Quote(t)
	case float64:
		return formatFloat(t)
	case float32:
		return formatFloat(float64(t))
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", t)
	case *big.Int:
		return t.String() + "n"
	case time.Time:
		return "date<" + t.UTC().Format(time.RFC3339Nano) + ">"
	case []byte:
		return "bin<" + fmt.Sprintf("%x", t) + ">"
	case *regexp.Regexp:
		return "re<" + t.String() + ">"
	case Boxed:
		return "box<" + f.formatValue(t.Value, ct) + ">"
	case Set:
		id, seen := ct.mark(v)
		if seen {
			return fmt.Sprintf("$%d", id)
		}
		parts := make([]string, len(t))
		for i, e := range t {
			parts[i] = f.formatValue(e, ct)
		}
		return "set[" + strings.Join(parts, ",") + "]"
	case SparseArray:
		keys := make([]int, 0, len(t.Entries))
		for k := range t.Entries {
			keys = append(keys, k)
		}
		sort.Ints(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%d:%s", k, f.formatValue(t.Entries[k], ct)))
		}
		return fmt.Sprintf("sparse<%d>[%s]", t.Length, strings.Join(parts, ","))
	case OrderedMap:
		id, seen := ct.mark(v)
		if seen {
			return fmt.Sprintf("$%d", id)
		}
		parts := make([]string, len(t))
		for i, e := range t {
			parts[i] = strconv.Quote(e.Key) + ":" + f.formatValue(e.Value, ct)
		}
		return "{" + strings.Join(parts, ",") + "}"
	case map[string]interface{}:
		id, seen := ct.mark(v)
		if seen {
			return fmt.Sprintf("$%d", id)
		}
		om := mapToOrdered(t)
		parts := make([]string, len(om))
		for i, e := range om {
			parts[i] = strconv.Quote(e.Key) + ":" + f.formatValue(e.Value, ct)
		}
		return "{" + strings.Join(parts, ",") + "}"
	case []interface{}:
		id, seen := ct.mark(v)
		if seen {
			return fmt.Sprintf("$%d", id)
		}
		parts := make([]string, len(t))
		for i, e := range t {
			parts[i] = f.formatValue(e, ct)
		}
		return "[" + strings.Join(parts, ",") + "]"
	default:
		rv := reflect.ValueOf(v)
		if rv.Kind() == reflect.Ptr {
			if rv.IsNil() {
				return "undefined"
			}
			return f.formatValue(rv.Elem().Interface(), ct)
		}
		return fmt.Sprintf("unk<%v>", v)
	}
}

// formatFloat reproduces the spec's distinct treatment of NaN and -0.
func formatFloat(f float64) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	case f == 0 && math.Signbit(f):
		return "-0"
	default:
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
}

// mapToOrdered is a best-effort fallback for plain Go maps, which have no
// insertion order of their own; keys are sorted so output is at least
// deterministic. Callers that need true insertion-order semantics should
// build an OrderedMap directly (e.g. via the JSON codec's decoder).
func mapToOrdered(m map[string]interface{}) OrderedMap {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(OrderedMap, len(keys))
	for i, k := range keys {
		out[i] = MapEntry{Key: k, Value: m[k]}
	}
	return out
}
