package session

import (
	"fmt"

	"github.com/latticerpc/graphrpc/pkg/rpcerr"
	"github.com/latticerpc/graphrpc/pkg/wire"
)

func edgeRequest(parentTok int, seg wire.Segment) wire.OrderedMap {
	om := wire.OrderedMap{
		{Key: "op", Value: "edge"},
		{Key: "tok", Value: parentTok},
		{Key: "edge", Value: seg.Name},
	}
	if seg.Args != nil {
		om = append(om, wire.MapEntry{Key: "args", Value: seg.Args})
	}
	return om
}

func getRequest(tok int, name string, args []interface{}) wire.OrderedMap {
	om := wire.OrderedMap{
		{Key: "op", Value: "get"},
		{Key: "tok", Value: tok},
		{Key: "name", Value: name},
	}
	if args != nil {
		om = append(om, wire.MapEntry{Key: "args", Value: args})
	}
	return om
}

func dataRequest(tok int) wire.OrderedMap {
	return wire.OrderedMap{
		{Key: "op", Value: "data"},
		{Key: "tok", Value: tok},
	}
}

// serverMsg is a parsed server→client message (§6): either the hello, or
// an edge/get/data reply correlated by re.
type serverMsg struct {
	op      string
	hello   bool
	version int
	schema  string
	tok     int
	re      int
	data    interface{}
	err     *rpcerr.Error
}

func parseServerMsg(decoded interface{}) (serverMsg, error) {
	om, ok := decoded.(wire.OrderedMap)
	if !ok {
		return serverMsg{}, fmt.Errorf("session: message is not an object")
	}
	opv, ok := om.Get("op")
	if !ok {
		return serverMsg{}, fmt.Errorf("session: missing op")
	}
	op, _ := opv.(string)

	if op == "hello" {
		m := serverMsg{op: op, hello: true}
		if v, ok := om.Get("version"); ok {
			if n, ok := v.(int); ok {
				m.version = n
			} else if n, ok := v.(float64); ok {
				m.version = int(n)
			}
		}
		if v, ok := om.Get("schema"); ok {
			m.schema, _ = v.(string)
		}
		return m, nil
	}

	m := serverMsg{op: op}
	if v, ok := om.Get("tok"); ok {
		m.tok = toInt(v)
	}
	if v, ok := om.Get("re"); ok {
		m.re = toInt(v)
	}
	if v, ok := om.Get("data"); ok {
		m.data = v
	}
	if v, ok := om.Get("error"); ok {
		if fe, ok := v.(*rpcerr.Error); ok {
			m.err = fe
		} else {
			m.err = rpcerr.New(rpcerr.InternalError, "%v", v)
		}
	}
	return m, nil
}

func toInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
