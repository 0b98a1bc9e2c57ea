package dispatch

import (
	"fmt"

	"github.com/latticerpc/graphrpc/pkg/rpcerr"
	"github.com/latticerpc/graphrpc/pkg/wire"
)

// clientMsg is a parsed, structurally-validated client→server message
// (§6). Exactly one of edge/get/data ops is meaningful at a time; op
// discriminates.
type clientMsg struct {
	op   string
	tok  int
	edge string
	name string
	args []interface{}
}

// parseClientMsg applies the structural validator from §6: tok is a
// non-negative integer, edge/name are strings, args (if present) is an
// array, no extra keys. decoded is whatever the codec's Decode returned
// for one wire message.
func parseClientMsg(decoded interface{}) (clientMsg, error) {
	om, ok := decoded.(wire.OrderedMap)
	if !ok {
		return clientMsg{}, fmt.Errorf("dispatch: message is not an object")
	}
	allowed := map[string]bool{"op": true, "tok": true, "edge": true, "name": true, "args": true}
	for _, e := range om {
		if !allowed[e.Key] {
			return clientMsg{}, fmt.Errorf("dispatch: unexpected field %q", e.Key)
		}
	}
	opv, ok := om.Get("op")
	if !ok {
		return clientMsg{}, fmt.Errorf("dispatch: missing op")
	}
	op, ok := opv.(string)
	if !ok {
		return clientMsg{}, fmt.Errorf("dispatch: op is not a string")
	}

	m := clientMsg{op: op}

	tokv, ok := om.Get("tok")
	if !ok {
		return clientMsg{}, fmt.Errorf("dispatch: missing tok")
	}
	tok, err := asNonNegativeInt(tokv)
	if err != nil {
		return clientMsg{}, err
	}
	m.tok = tok

	switch op {
	case "edge":
		edgev, ok := om.Get("edge")
		if !ok {
			return clientMsg{}, fmt.Errorf("dispatch: missing edge")
		}
		edge, ok := edgev.(string)
		if !ok {
			return clientMsg{}, fmt.Errorf("dispatch: edge is not a string")
		}
		m.edge = edge
	case "get":
		namev, ok := om.Get("name")
		if !ok {
			return clientMsg{}, fmt.Errorf("dispatch: missing name")
		}
		name, ok := namev.(string)
		if !ok {
			return clientMsg{}, fmt.Errorf("dispatch: name is not a string")
		}
		m.name = name
	case "data":
		// tok only
	default:
		return clientMsg{}, fmt.Errorf("dispatch: unknown op %q", op)
	}

	if argsv, ok := om.Get("args"); ok {
		args, ok := argsv.([]interface{})
		if !ok {
			return clientMsg{}, fmt.Errorf("dispatch: args is not an array")
		}
		m.args = args
	}
	return m, nil
}

func asNonNegativeInt(v interface{}) (int, error) {
	switch n := v.(type) {
	case int:
		if n < 0 {
			return 0, fmt.Errorf("dispatch: tok must be non-negative")
		}
		return n, nil
	case int64:
		if n < 0 {
			return 0, fmt.Errorf("dispatch: tok must be non-negative")
		}
		return int(n), nil
	case float64:
		if n < 0 || n != float64(int(n)) {
			return 0, fmt.Errorf("dispatch: tok must be a non-negative integer")
		}
		return int(n), nil
	default:
		return 0, fmt.Errorf("dispatch: tok is not a number")
	}
}

// helloResponse builds the server's first message (§6): {op:"hello",
// version:1, schema}.
func helloResponse(version int, schemaDesc string) wire.OrderedMap {
	return wire.OrderedMap{
		{Key: "op", Value: "hello"},
		{Key: "version", Value: version},
		{Key: "schema", Value: schemaDesc},
	}
}

func edgeResponse(tok, re int, cause *rpcerr.Error) wire.OrderedMap {
	om := wire.OrderedMap{
		{Key: "op", Value: "edge"},
		{Key: "tok", Value: tok},
		{Key: "re", Value: re},
	}
	return appendErrorOrNothing(om, cause)
}

func getResponse(tok, re int, data interface{}, cause *rpcerr.Error) wire.OrderedMap {
	om := wire.OrderedMap{
		{Key: "op", Value: "get"},
		{Key: "tok", Value: tok},
		{Key: "re", Value: re},
	}
	if cause != nil {
		return appendErrorOrNothing(om, cause)
	}
	return append(om, wire.MapEntry{Key: "data", Value: data})
}

func dataResponse(tok, re int, data interface{}, cause *rpcerr.Error) wire.OrderedMap {
	om := wire.OrderedMap{
		{Key: "op", Value: "data"},
		{Key: "tok", Value: tok},
		{Key: "re", Value: re},
	}
	if cause != nil {
		return appendErrorOrNothing(om, cause)
	}
	return append(om, wire.MapEntry{Key: "data", Value: data})
}

func appendErrorOrNothing(om wire.OrderedMap, cause *rpcerr.Error) wire.OrderedMap {
	if cause == nil {
		return om
	}
	om = append(om, wire.MapEntry{Key: "error", Value: cause})
	if cause.Identifier != "" {
		om = append(om, wire.MapEntry{Key: "errorId", Value: cause.Identifier})
	}
	return om
}
