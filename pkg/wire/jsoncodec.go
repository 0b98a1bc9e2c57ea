package wire

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"math"
	"math/big"
	"regexp"
	"time"

	json "github.com/goccy/go-json"

	"github.com/latticerpc/graphrpc/pkg/rpcerr"
)

// jsonCodec is the default Codec: a JSON envelope where every non-plain
// value is tagged {"$t":tag,"$v":flattened} so the decoder can distinguish
// "array" from "set", "object" from "reference", etc. Plain objects are
// themselves tagged ("obj") so that insertion order survives decode — a
// bare untagged JSON object never appears on the wire.
type jsonCodec struct {
	reducers map[string]Reducer // by tag name; built-ins shadow these
}

// NewJSONCodec builds the default codec. User reducers whose Name()
// collides with a built-in tag are ignored — built-ins always shadow
// user reducers on name collision (§4.1).
func NewJSONCodec(reducers ...Reducer) Codec {
	m := make(map[string]Reducer, len(reducers))
	for _, r := range reducers {
		if isBuiltinTag(r.Name()) {
			continue
		}
		m[r.Name()] = r
	}
	return &jsonCodec{reducers: m}
}

func isBuiltinTag(tag string) bool {
	switch tag {
	case "obj", "set", "bin", "date", "re", "bigint", "box", "sparse", "ref", "path", "err", "num", "cycle":
		return true
	}
	return false
}

func (c *jsonCodec) Handles(v interface{}) bool {
	for _, r := range c.reducers {
		if r.Handles(v) {
			return true
		}
	}
	return false
}

func (c *jsonCodec) Encode(v interface{}) (string, error) {
	tree, err := c.toTree(v, newCycleTracker())
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(tree)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (c *jsonCodec) Decode(s string) (interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(s)))
	v, err := c.decodeValue(dec)
	if err != nil {
		return nil, err
	}
	return c.untag(v, newDecodeTracker())
}

// Revive decodes an already-parsed representation (e.g. the result of
// unmarshalling a hydration payload's JSON into generic interface{}
// trees already) without re-entering the string form.
func (c *jsonCodec) Revive(flattened interface{}) (interface{}, error) {
	return c.untag(flattened, newDecodeTracker())
}

// decodeTracker mirrors cycleTracker on the decode side: it assigns ids to
// composite nodes ("obj", "set", and plain arrays) in the same pre-order
// traversal sequence the encoder used, so a later "cycle" tag can resolve
// back to the actual (still being filled in) node rather than to an inert
// placeholder.
type decodeTracker struct {
	next  int
	nodes map[int]interface{}
}

func newDecodeTracker() *decodeTracker {
	return &decodeTracker{nodes: make(map[int]interface{})}
}

func (d *decodeTracker) reserve() int {
	d.next++
	return d.next
}

func (d *decodeTracker) register(id int, v interface{}) {
	d.nodes[id] = v
}

func (d *decodeTracker) resolve(id int) (interface{}, bool) {
	v, ok := d.nodes[id]
	return v, ok
}

// --- encode side -----------------------------------------------------

type jsonObjEntry struct {
	K string
	V interface{}
}

// jsonObj preserves key order across json.Marshal by implementing its own
// MarshalJSON rather than relying on map[string]interface{} (which the
// standard encoders sort alphabetically).
type jsonObj []jsonObjEntry

func (o jsonObj) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range o {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(e.K)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(e.V)
		if err != nil {
			return nil, err
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func tagged(tag string, v interface{}) jsonObj {
	return jsonObj{{"$t", tag}, {"$v", v}}
}

func (c *jsonCodec) toTree(v interface{}, ct *cycleTracker) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	if c.Handles(v) {
		for _, r := range c.reducers {
			if r.Handles(v) {
				_, flat := r.Reduce(v)
				sub, err := c.toTree(flat, ct)
				if err != nil {
					return nil, err
				}
				return tagged(r.Name(), sub), nil
			}
		}
	}
	switch t := v.(type) {
	case *rpcerr.Error:
		return tagged("err", jsonObj{
			{"code", string(t.Code)},
			{"message", t.Message},
			{"id", t.Identifier},
		}), nil
	case bool, string:
		return t, nil
	case float64, float32, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return c.encodeNumber(t)
	case *big.Int:
		return tagged("bigint", t.String()), nil
	case time.Time:
		return tagged("date", t.UTC().Format(time.RFC3339Nano)), nil
	case []byte:
		return tagged("bin", base64.StdEncoding.EncodeToString(t)), nil
	case *regexp.Regexp:
		return tagged("re", t.String()), nil
	case Boxed:
		sub, err := c.toTree(t.Value, ct)
		if err != nil {
			return nil, err
		}
		return tagged("box", sub), nil
	case Set:
		if id, seen := ct.mark(v); seen {
			return tagged("cycle", id), nil
		}
		arr := make([]interface{}, len(t))
		for i, e := range t {
			sub, err := c.toTree(e, ct)
			if err != nil {
				return nil, err
			}
			arr[i] = sub
		}
		return tagged("set", arr), nil
	case SparseArray:
		entries := make(jsonObj, 0, len(t.Entries))
		for idx, e := range t.Entries {
			sub, err := c.toTree(e, ct)
			if err != nil {
				return nil, err
			}
			entries = append(entries, jsonObjEntry{fmt.Sprintf("%d", idx), sub})
		}
		return tagged("sparse", jsonObj{{"len", t.Length}, {"entries", entries}}), nil
	case Reference:
		data, err := c.toTree(t.Data, ct)
		if err != nil {
			return nil, err
		}
		return tagged("ref", jsonObj{{"path", encodePath(t.Path)}, {"data", data}}), nil
	case PathArg:
		return tagged("path", encodePath(t.Path)), nil
	case OrderedMap:
		if id, seen := ct.mark(v); seen {
			return tagged("cycle", id), nil
		}
		entries := make(jsonObj, len(t))
		for i, e := range t {
			sub, err := c.toTree(e.Value, ct)
			if err != nil {
				return nil, err
			}
			entries[i] = jsonObjEntry{e.Key, sub}
		}
		return tagged("obj", entries), nil
	case map[string]interface{}:
		if id, seen := ct.mark(v); seen {
			return tagged("cycle", id), nil
		}
		entries := make(jsonObj, 0, len(t))
		for _, e := range mapToOrdered(t) {
			sub, err := c.toTree(e.Value, ct)
			if err != nil {
				return nil, err
			}
			entries = append(entries, jsonObjEntry{e.Key, sub})
		}
		return tagged("obj", entries), nil
	case []interface{}:
		if id, seen := ct.mark(v); seen {
			return tagged("cycle", id), nil
		}
		arr := make([]interface{}, len(t))
		for i, e := range t {
			sub, err := c.toTree(e, ct)
			if err != nil {
				return nil, err
			}
			arr[i] = sub
		}
		return arr, nil
	default:
		return nil, fmt.Errorf("wire: codec cannot encode value of type %T", v)
	}
}

// encodeNumber tags NaN/Infinity/-0 distinctly since bare JSON cannot
// represent them; ordinary finite numbers encode as plain JSON numbers.
func (c *jsonCodec) encodeNumber(v interface{}) (interface{}, error) {
	f := formatFloat(toFloat64(v))
	switch f {
	case "NaN", "Infinity", "-Infinity", "-0":
		return tagged("num", f), nil
	}
	return v, nil
}

func toFloat64(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int8:
		return float64(n)
	case int16:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case uint:
		return float64(n)
	case uint8:
		return float64(n)
	case uint16:
		return float64(n)
	case uint32:
		return float64(n)
	case uint64:
		return float64(n)
	}
	return 0
}

func encodePath(p Path) []interface{} {
	out := make([]interface{}, len(p))
	for i, seg := range p {
		entry := jsonObj{{"name", seg.Name}}
		if seg.IsCall() {
			entry = append(entry, jsonObjEntry{"args", seg.Args})
		}
		out[i] = entry
	}
	return out
}

// --- decode side -------------------------------------------------------

// decodeValue parses one JSON value off dec into a generic tree using
// OrderedMap for objects (so insertion order survives) and []interface{}
// for arrays; it does not yet interpret "$t"/"$v" tags — that's untag's
// job, run once over the whole tree after parsing.
func (c *jsonCodec) decodeValue(dec *json.Decoder) (interface{}, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	return c.decodeToken(dec, tok)
}

func (c *jsonCodec) decodeToken(dec *json.Decoder, tok json.Token) (interface{}, error) {
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			var m OrderedMap
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return nil, err
				}
				key, _ := keyTok.(string)
				val, err := c.decodeValue(dec)
				if err != nil {
					return nil, err
				}
				m = append(m, MapEntry{Key: key, Value: val})
			}
			if _, err := dec.Token(); err != nil { // consume '}'
				return nil, err
			}
			return m, nil
		case '[':
			var arr []interface{}
			for dec.More() {
				val, err := c.decodeValue(dec)
				if err != nil {
					return nil, err
				}
				arr = append(arr, val)
			}
			if _, err := dec.Token(); err != nil { // consume ']'
				return nil, err
			}
			return arr, nil
		}
	}
	return tok, nil
}

// untag walks a decoded generic tree and converts {"$t":tag,"$v":...}
// envelopes back into their rich Go types, resolving built-in tags first
// (shadowing any identically-named user reducer) and falling back to
// user reducers otherwise.
func (c *jsonCodec) untag(v interface{}, dt *decodeTracker) (interface{}, error) {
	switch t := v.(type) {
	case OrderedMap:
		tagVal, hasTag := t.Get("$t")
		if !hasTag {
			out := make(OrderedMap, len(t))
			for i, e := range t {
				sub, err := c.untag(e.Value, dt)
				if err != nil {
					return nil, err
				}
				out[i] = MapEntry{Key: e.Key, Value: sub}
			}
			return out, nil
		}
		tag, _ := tagVal.(string)
		raw, _ := t.Get("$v")
		return c.untagValue(tag, raw, dt)
	case []interface{}:
		out := make([]interface{}, len(t))
		id := dt.reserve()
		dt.register(id, out)
		for i, e := range t {
			sub, err := c.untag(e, dt)
			if err != nil {
				return nil, err
			}
			out[i] = sub
		}
		return out, nil
	default:
		return v, nil
	}
}

func (c *jsonCodec) untagValue(tag string, raw interface{}, dt *decodeTracker) (interface{}, error) {
	switch tag {
	case "obj":
		om, _ := raw.(OrderedMap)
		out := make(OrderedMap, len(om))
		id := dt.reserve()
		dt.register(id, out)
		for i, e := range om {
			sub, err := c.untag(e.Value, dt)
			if err != nil {
				return nil, err
			}
			out[i] = MapEntry{Key: e.Key, Value: sub}
		}
		return out, nil
	case "set":
		arr, _ := raw.([]interface{})
		out := make(Set, len(arr))
		id := dt.reserve()
		dt.register(id, out)
		for i, e := range arr {
			sub, err := c.untag(e, dt)
			if err != nil {
				return nil, err
			}
			out[i] = sub
		}
		return out, nil
	case "bin":
		s, _ := raw.(string)
		return base64.StdEncoding.DecodeString(s)
	case "date":
		s, _ := raw.(string)
		return time.Parse(time.RFC3339Nano, s)
	case "re":
		s, _ := raw.(string)
		return regexp.Compile(s)
	case "bigint":
		s, _ := raw.(string)
		n, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return nil, fmt.Errorf("wire: invalid bigint %q", s)
		}
		return n, nil
	case "box":
		sub, err := c.untag(raw, dt)
		if err != nil {
			return nil, err
		}
		return Boxed{Value: sub}, nil
	case "num":
		s, _ := raw.(string)
		switch s {
		case "NaN":
			return nanFloat(), nil
		case "Infinity":
			return posInf(), nil
		case "-Infinity":
			return negInf(), nil
		case "-0":
			return negZero(), nil
		}
		return nil, fmt.Errorf("wire: invalid num literal %q", s)
	case "sparse":
		om, _ := raw.(OrderedMap)
		lenVal, _ := om.Get("len")
		entriesVal, _ := om.Get("entries")
		entriesOM, _ := entriesVal.(OrderedMap)
		length := int(toFloat64(lenVal))
		entries := make(map[int]interface{}, len(entriesOM))
		for _, e := range entriesOM {
			var idx int
			fmt.Sscanf(e.Key, "%d", &idx)
			sub, err := c.untag(e.Value, dt)
			if err != nil {
				return nil, err
			}
			entries[idx] = sub
		}
		return SparseArray{Length: length, Entries: entries}, nil
	case "ref":
		om, _ := raw.(OrderedMap)
		pathVal, _ := om.Get("path")
		dataVal, _ := om.Get("data")
		p, err := decodePath(pathVal)
		if err != nil {
			return nil, err
		}
		data, err := c.untag(dataVal, dt)
		if err != nil {
			return nil, err
		}
		return Reference{Path: p, Data: data}, nil
	case "path":
		p, err := decodePath(raw)
		if err != nil {
			return nil, err
		}
		return PathArg{Path: p}, nil
	case "err":
		om, _ := raw.(OrderedMap)
		codeVal, _ := om.Get("code")
		msgVal, _ := om.Get("message")
		idVal, _ := om.Get("id")
		code, _ := codeVal.(string)
		msg, _ := msgVal.(string)
		id, _ := idVal.(string)
		return &rpcerr.Error{Code: rpcerr.Code(code), Message: msg, Identifier: id}, nil
	case "cycle":
		// The referenced node was assigned its id earlier in this same
		// traversal (encode marks a node before descending into it, and
		// decode mirrors that order), so by the time a "cycle" tag is
		// reached the node is already registered, even if some of its
		// own fields are still being filled in higher up the call stack.
		id := int(toFloat64(raw))
		if resolved, ok := dt.resolve(id); ok {
			return resolved, nil
		}
		return CycleRef(id), nil
	default:
		if r, ok := c.reducers[tag]; ok {
			sub, err := c.untag(raw, dt)
			if err != nil {
				return nil, err
			}
			return r.Revive(tag, sub)
		}
		return nil, fmt.Errorf("wire: unknown type tag %q", tag)
	}
}

// CycleRef is a placeholder for an unresolved `$N` back-reference
// encountered during decode.
type CycleRef int

func nanFloat() float64 { return math.NaN() }
func posInf() float64   { return math.Inf(1) }
func negInf() float64   { return math.Inf(-1) }
func negZero() float64  { return math.Copysign(0, -1) }

func decodePath(v interface{}) (Path, error) {
	arr, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("wire: path must be an array")
	}
	out := make(Path, 0, len(arr))
	for _, e := range arr {
		om, ok := e.(OrderedMap)
		if !ok {
			return nil, fmt.Errorf("wire: path segment must be an object")
		}
		nameVal, _ := om.Get("name")
		name, _ := nameVal.(string)
		seg := Segment{Name: name}
		if argsVal, ok := om.Get("args"); ok {
			args, _ := argsVal.([]interface{})
			if args == nil {
				args = []interface{}{}
			}
			seg.Args = args
		}
		out = append(out, seg)
	}
	return out, nil
}
