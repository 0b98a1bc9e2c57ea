package wire

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticerpc/graphrpc/pkg/rpcerr"
)

func TestJSONCodecRoundTripsOrderedMap(t *testing.T) {
	c := NewJSONCodec()
	om := OrderedMap{{Key: "b", Value: 1.0}, {Key: "a", Value: 2.0}}

	s, err := c.Encode(om)
	require.NoError(t, err)

	decoded, err := c.Decode(s)
	require.NoError(t, err)

	got, ok := decoded.(OrderedMap)
	require.True(t, ok, "decoded value must be an OrderedMap, got %T", decoded)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].Key, "key order must survive the round trip")
	assert.Equal(t, "a", got[1].Key)
}

func TestJSONCodecRoundTripsReference(t *testing.T) {
	c := NewJSONCodec()
	ref := Reference{
		Path: Path{{Name: "posts"}, {Name: "get", Args: []interface{}{"1"}}},
		Data: OrderedMap{{Key: "title", Value: "hello"}},
	}

	s, err := c.Encode(ref)
	require.NoError(t, err)
	decoded, err := c.Decode(s)
	require.NoError(t, err)

	got, ok := decoded.(Reference)
	require.True(t, ok, "decoded value must be a Reference, got %T", decoded)
	require.Len(t, got.Path, 2)
	assert.Equal(t, "get", got.Path[1].Name)
	assert.Equal(t, []interface{}{"1"}, got.Path[1].Args)
}

func TestJSONCodecRoundTripsError(t *testing.T) {
	c := NewJSONCodec()
	fe := rpcerr.New(rpcerr.EdgeNotFound, "no such edge")

	s, err := c.Encode(fe)
	require.NoError(t, err)
	decoded, err := c.Decode(s)
	require.NoError(t, err)

	got, ok := decoded.(*rpcerr.Error)
	require.True(t, ok, "decoded value must be *rpcerr.Error, got %T", decoded)
	assert.Equal(t, rpcerr.EdgeNotFound, got.Code)
	assert.Equal(t, "no such edge", got.Message)
	assert.Equal(t, fe.Identifier, got.Identifier)
}

func TestJSONCodecRoundTripsSpecialFloats(t *testing.T) {
	c := NewJSONCodec()
	for _, v := range []float64{nan(), posInf(), negInf(), negZero()} {
		s, err := c.Encode(v)
		require.NoError(t, err)
		decoded, err := c.Decode(s)
		require.NoError(t, err)
		got, ok := decoded.(float64)
		require.True(t, ok)
		assert.Equal(t, formatFloat(v), formatFloat(got))
	}
}

func nan() float64 { return nanFloat() }

func TestJSONCodecRoundTripsDateAndBinary(t *testing.T) {
	c := NewJSONCodec()
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)

	s, err := c.Encode(now)
	require.NoError(t, err)
	decoded, err := c.Decode(s)
	require.NoError(t, err)
	gotTime, ok := decoded.(time.Time)
	require.True(t, ok)
	assert.True(t, now.Equal(gotTime))

	bs, err := c.Encode([]byte("hello"))
	require.NoError(t, err)
	decodedBin, err := c.Decode(bs)
	require.NoError(t, err)
	gotBin, ok := decodedBin.([]byte)
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), gotBin)
}

func TestJSONCodecRoundTripsGenuineCyclicMap(t *testing.T) {
	c := NewJSONCodec()
	m := map[string]interface{}{"name": "root"}
	m["self"] = m

	s, err := c.Encode(m)
	require.NoError(t, err)

	decoded, err := c.Decode(s)
	require.NoError(t, err)

	om, ok := decoded.(OrderedMap)
	require.True(t, ok, "decoded value must be an OrderedMap, got %T", decoded)
	name, _ := om.Get("name")
	assert.Equal(t, "root", name)

	self, ok := om.Get("self")
	require.True(t, ok)
	selfOM, ok := self.(OrderedMap)
	require.True(t, ok, "a cycle must resolve to the actual decoded node, not an inert CycleRef placeholder")
	selfName, _ := selfOM.Get("name")
	assert.Equal(t, "root", selfName)
}

func TestJSONCodecRoundTripsGenuineCyclicSlice(t *testing.T) {
	c := NewJSONCodec()
	s := make([]interface{}, 2)
	s[0] = "leaf"
	s[1] = s

	encoded, err := c.Encode(s)
	require.NoError(t, err)

	decoded, err := c.Decode(encoded)
	require.NoError(t, err)

	arr, ok := decoded.([]interface{})
	require.True(t, ok, "decoded value must be a slice, got %T", decoded)
	assert.Equal(t, "leaf", arr[0])

	selfArr, ok := arr[1].([]interface{})
	require.True(t, ok, "a cycle must resolve to the actual decoded slice, not an inert CycleRef placeholder")
	assert.Equal(t, "leaf", selfArr[0])
}

func TestJSONCodecRejectsUnknownTag(t *testing.T) {
	c := NewJSONCodec()
	_, err := c.Decode(`{"$t":"nope","$v":1}`)
	assert.Error(t, err)
}

type customError struct{ msg string }

func (e customError) Error() string { return e.msg }

type customErrorReducer struct{}

func (customErrorReducer) Name() string { return "customErr" }
func (customErrorReducer) Handles(v interface{}) bool {
	_, ok := v.(customError)
	return ok
}
func (customErrorReducer) Reduce(v interface{}) (string, interface{}) {
	return "customErr", v.(customError).msg
}
func (customErrorReducer) Revive(tag string, flattened interface{}) (interface{}, error) {
	return customError{msg: flattened.(string)}, nil
}

func TestJSONCodecUserReducerRoundTrip(t *testing.T) {
	c := NewJSONCodec(customErrorReducer{})
	orig := customError{msg: "user defined failure"}

	assert.True(t, c.Handles(orig))

	s, err := c.Encode(orig)
	require.NoError(t, err)
	decoded, err := c.Decode(s)
	require.NoError(t, err)
	got, ok := decoded.(customError)
	require.True(t, ok)
	assert.Equal(t, orig, got)
}

func TestJSONCodecBuiltinTagShadowsUserReducer(t *testing.T) {
	c := NewJSONCodec(fakeDateReducer{})
	// "date" is a built-in tag; a user reducer claiming it is ignored, so
	// encoding a real time.Time still goes through the built-in path.
	now := time.Now().UTC()
	s, err := c.Encode(now)
	require.NoError(t, err)
	decoded, err := c.Decode(s)
	require.NoError(t, err)
	_, ok := decoded.(time.Time)
	assert.True(t, ok, "built-in date handling must survive despite a colliding user reducer")
}

type fakeDateReducer struct{}

func (fakeDateReducer) Name() string                 { return "date" }
func (fakeDateReducer) Handles(v interface{}) bool    { _, ok := v.(time.Time); return ok }
func (fakeDateReducer) Reduce(v interface{}) (string, interface{}) { return "date", "bogus" }
func (fakeDateReducer) Revive(tag string, flattened interface{}) (interface{}, error) {
	return nil, assertNeverCalled()
}

func assertNeverCalled() error {
	panic("shadowed user reducer must never be invoked")
}
