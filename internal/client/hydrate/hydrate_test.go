package hydrate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticerpc/graphrpc/pkg/schema"
	"github.com/latticerpc/graphrpc/pkg/wire"
)

type fakeBackend struct {
	calls []wire.Path
	value interface{}
}

func (f *fakeBackend) Resolve(_ context.Context, path wire.Path) (interface{}, error) {
	f.calls = append(f.calls, path)
	return f.value, nil
}

func demoTable(t *testing.T) *schema.Table {
	t.Helper()
	post := &schema.Class{
		Name:      "Post",
		Terminals: []schema.TerminalDef{{Name: "title"}, {Name: "setTitle", Method: true, NumArgs: 1}},
	}
	posts := &schema.Class{
		Name:  "Posts",
		Edges: []schema.EdgeDef{{Name: "get", Target: post}},
	}
	root := &schema.Class{Name: "Root", Edges: []schema.EdgeDef{{Name: "posts", Target: posts}}}
	table, err := schema.Build(root, nil)
	require.NoError(t, err)
	return table
}

func TestResolveInactiveCacheFallsThrough(t *testing.T) {
	be := &fakeBackend{value: "live"}
	c := New(be, demoTable(t), wire.NewFormatter(), time.Minute)

	v, err := c.Resolve(context.Background(), wire.Path{{Name: "posts"}})
	require.NoError(t, err)
	assert.Equal(t, "live", v)
	assert.Len(t, be.calls, 1)
}

func TestResolveCallCacheHit(t *testing.T) {
	be := &fakeBackend{value: "should not be used"}
	c := New(be, demoTable(t), wire.NewFormatter(), time.Minute)

	postsPath := wire.Path{{Name: "posts"}}
	postPath := wire.Path{{Name: "posts"}, {Name: "get", Args: []interface{}{"1"}}}
	c.Activate(Payload{
		Refs: []Ref{{Path: postsPath, Token: 1}, {Path: postPath, Token: 2}},
		Data: []DataEntry{
			{Token: 2, Name: "title", Args: nil, Value: "hydrated title"},
		},
	})

	v, err := c.Resolve(context.Background(), append(postPath, wire.Segment{Name: "title"}))
	require.NoError(t, err)
	assert.Equal(t, "hydrated title", v)
	assert.Empty(t, be.calls, "a call-cache hit must never reach the wrapped backend")
}

func TestResolveDataCacheFallbackOnlyForZeroArgProperty(t *testing.T) {
	be := &fakeBackend{value: "fell through"}
	c := New(be, demoTable(t), wire.NewFormatter(), time.Minute)

	postPath := wire.Path{{Name: "posts"}, {Name: "get", Args: []interface{}{"1"}}}
	c.Activate(Payload{
		Refs: []Ref{{Path: postPath, Token: 2}},
		Data: []DataEntry{
			{Token: 2, Name: "", Value: wire.OrderedMap{{Key: "title", Value: "snapshot title"}}},
		},
	})

	v, err := c.Resolve(context.Background(), append(postPath, wire.Segment{Name: "title"}))
	require.NoError(t, err)
	assert.Equal(t, "snapshot title", v)
	assert.Empty(t, be.calls)
}

func TestResolveMethodCallWithArgsNeverFallsBackToDataCache(t *testing.T) {
	be := &fakeBackend{value: "fell through"}
	c := New(be, demoTable(t), wire.NewFormatter(), time.Minute)

	postPath := wire.Path{{Name: "posts"}, {Name: "get", Args: []interface{}{"1"}}}
	c.Activate(Payload{
		Refs: []Ref{{Path: postPath, Token: 2}},
		Data: []DataEntry{
			{Token: 2, Name: "", Value: wire.OrderedMap{{Key: "title", Value: "snapshot title"}}},
		},
	})

	v, err := c.Resolve(context.Background(), append(postPath, wire.Segment{Name: "setTitle", Args: []interface{}{"new"}}))
	require.NoError(t, err)
	assert.Equal(t, "fell through", v, "a method call with args must bypass the data snapshot and hit the wrapped backend")
	assert.Len(t, be.calls, 1)
}

func TestResolveFullNodeFetchUsesDataCache(t *testing.T) {
	be := &fakeBackend{value: "fell through"}
	c := New(be, demoTable(t), wire.NewFormatter(), time.Minute)

	postsPath := wire.Path{{Name: "posts"}}
	snap := wire.OrderedMap{{Key: "count", Value: float64(1)}}
	c.Activate(Payload{
		Refs: []Ref{{Path: postsPath, Token: 1}},
		Data: []DataEntry{{Token: 1, Value: snap}},
	})

	v, err := c.Resolve(context.Background(), postsPath)
	require.NoError(t, err)
	om, ok := v.(wire.OrderedMap)
	require.True(t, ok)
	cnt, ok := om.Get("count")
	require.True(t, ok)
	assert.Equal(t, float64(1), cnt)
	assert.Empty(t, be.calls)
}

func TestResolveUnknownPathFallsThrough(t *testing.T) {
	be := &fakeBackend{value: "live"}
	c := New(be, demoTable(t), wire.NewFormatter(), time.Minute)
	c.Activate(Payload{})

	v, err := c.Resolve(context.Background(), wire.Path{{Name: "posts"}})
	require.NoError(t, err)
	assert.Equal(t, "live", v)
	assert.Len(t, be.calls, 1)
}

func TestDropIsIdempotentAndClearsState(t *testing.T) {
	be := &fakeBackend{value: "live"}
	c := New(be, demoTable(t), wire.NewFormatter(), time.Minute)
	c.Activate(Payload{Refs: []Ref{{Path: wire.Path{{Name: "posts"}}, Token: 1}}})

	c.Drop()
	c.Drop() // must not panic

	v, err := c.Resolve(context.Background(), wire.Path{{Name: "posts"}})
	require.NoError(t, err)
	assert.Equal(t, "live", v, "after Drop every lookup must fall through")
}

func TestInactivityWindowDropsCacheAfterTTL(t *testing.T) {
	be := &fakeBackend{value: "live"}
	c := New(be, demoTable(t), wire.NewFormatter(), 20*time.Millisecond)
	postsPath := wire.Path{{Name: "posts"}}
	c.Activate(Payload{
		Refs: []Ref{{Path: postsPath, Token: 1}},
		Data: []DataEntry{{Token: 1, Value: wire.OrderedMap{{Key: "count", Value: float64(1)}}}},
	})

	_, err := c.Resolve(context.Background(), postsPath)
	require.NoError(t, err)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		active := c.active
		c.mu.Unlock()
		if !active {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	v, err := c.Resolve(context.Background(), postsPath)
	require.NoError(t, err)
	assert.Equal(t, "live", v, "once the inactivity window elapses the cache must drop and fall through")
}
