// Package demo wires a small object graph — a root exposing a
// parameterized posts collection — against pkg/schema and
// internal/server/objgraph, for use by cmd/graphrpcd and
// cmd/graphrpcctl and exercised directly in tests.
package demo

import (
	"fmt"
	"sync"

	"github.com/latticerpc/graphrpc/internal/server/objgraph"
	"github.com/latticerpc/graphrpc/pkg/rpcerr"
	"github.com/latticerpc/graphrpc/pkg/schema"
)

// Post is one blog post node.
type Post struct {
	ID     string `graphrpc:"id"`
	Title  string `graphrpc:"title"`
	Author string `graphrpc:"-"`

	mu sync.Mutex
}

// SetTitle is the "setTitle" method terminal.
func (p *Post) SetTitle(title string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Title = title
	return nil
}

// Posts is the "posts" edge target: a parameterized collection.
type Posts struct {
	mu    sync.Mutex
	byID  map[string]*Post
	order []string
}

// NewPosts seeds an empty collection.
func NewPosts() *Posts {
	return &Posts{byID: make(map[string]*Post)}
}

// Get navigates to a post by id, creating it on first reference.
func (p *Posts) Get(id string) *Post {
	p.mu.Lock()
	defer p.mu.Unlock()
	post, ok := p.byID[id]
	if !ok {
		post = &Post{ID: id, Title: "untitled"}
		p.byID[id] = post
		p.order = append(p.order, id)
	}
	return post
}

// Count returns the number of posts created so far.
func (p *Posts) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.order)
}

// Root is the object graph's root node.
type Root struct {
	Posts *Posts `graphrpc:"-"`
}

// NewRoot builds a fresh root with an empty posts collection.
func NewRoot() *Root {
	return &Root{Posts: NewPosts()}
}

// Classes builds the schema.Class graph for the demo object graph.
func Classes() (root *schema.Class) {
	postClass := &schema.Class{
		Name: "Post",
		Terminals: []schema.TerminalDef{
			{Name: "title"},
			{Name: "setTitle", Method: true, NumArgs: 1},
		},
	}
	postsClass := &schema.Class{
		Name:  "Posts",
		Edges: []schema.EdgeDef{{Name: "get", Target: postClass}},
		Terminals: []schema.TerminalDef{
			{Name: "count", Method: true, NumArgs: 0},
		},
	}
	rootClass := &schema.Class{
		Name:  "Root",
		Edges: []schema.EdgeDef{{Name: "posts", Target: postsClass}},
	}
	return rootClass
}

// Registry builds the objgraph.Registry binding Classes to root's
// runtime behavior.
func Registry() (*schema.Class, *objgraph.Registry) {
	rootClass := Classes()
	postsClass := rootClass.Edges[0].Target
	postClass := postsClass.Edges[0].Target

	root := NewRoot()
	reg := objgraph.NewRegistry(rootClass, root)

	reg.Register(rootClass, objgraph.Handles{
		Edges: map[string]objgraph.EdgeFunc{
			"posts": func(op objgraph.OpCtx, parent interface{}, args []interface{}) (interface{}, error) {
				r := parent.(*Root)
				return r.Posts, nil
			},
		},
	})

	reg.Register(postsClass, objgraph.Handles{
		Edges: map[string]objgraph.EdgeFunc{
			"get": func(op objgraph.OpCtx, parent interface{}, args []interface{}) (interface{}, error) {
				if len(args) != 1 {
					return nil, rpcerr.New(rpcerr.ValidationError, "get requires exactly one id argument")
				}
				id, ok := args[0].(string)
				if !ok {
					return nil, rpcerr.New(rpcerr.ValidationError, "get id must be a string")
				}
				p := parent.(*Posts)
				return p.Get(id), nil
			},
		},
		Methods: map[string]objgraph.MethodFunc{
			"count": func(op objgraph.OpCtx, self interface{}, args []interface{}) (interface{}, error) {
				return self.(*Posts).Count(), nil
			},
		},
	})

	reg.Register(postClass, objgraph.Handles{
		Properties: map[string]objgraph.PropertyFunc{
			"title": func(op objgraph.OpCtx, self interface{}) (interface{}, error) {
				return self.(*Post).Title, nil
			},
		},
		Methods: map[string]objgraph.MethodFunc{
			"setTitle": func(op objgraph.OpCtx, self interface{}, args []interface{}) (interface{}, error) {
				if len(args) != 1 {
					return nil, rpcerr.New(rpcerr.ValidationError, "setTitle requires exactly one argument")
				}
				title, ok := args[0].(string)
				if !ok {
					return nil, rpcerr.New(rpcerr.ValidationError, "title must be a string")
				}
				p := self.(*Post)
				if err := p.SetTitle(title); err != nil {
					return nil, err
				}
				return fmt.Sprintf("post %s retitled", p.ID), nil
			},
		},
	})

	return rootClass, reg
}
