// Command graphrpcctl is a small interactive client for the demo object
// graph served by graphrpcd.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/latticerpc/graphrpc/internal/client/session"
	"github.com/latticerpc/graphrpc/internal/client/stub"
	"github.com/latticerpc/graphrpc/internal/demo"
	"github.com/latticerpc/graphrpc/internal/rpclog"
	"github.com/latticerpc/graphrpc/pkg/schema"
	"github.com/latticerpc/graphrpc/pkg/transport"
	"github.com/latticerpc/graphrpc/pkg/transport/wsconn"
	"github.com/latticerpc/graphrpc/pkg/wire"
)

func newSession(addr string) *session.Session {
	rootClass := demo.Classes()
	table, err := schema.Build(rootClass, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, "graphrpcctl: building schema table:", err)
		os.Exit(1)
	}
	dial := func(ctx context.Context) (transport.Transport, error) {
		conn, err := wsconn.Dial(ctx, addr, wsconn.DialOptions{SchemaVersion: "demo-v1"})
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
	return session.New(dial, session.Config{
		Codec:  wire.NewJSONCodec(),
		Fmt:    wire.NewFormatter(),
		Table:  table,
		Logger: rpclog.NewDiscardLogger(),
		Reconnect: &session.ReconnectConfig{
			MaxRetries:   5,
			InitialDelay: 200 * time.Millisecond,
			MaxDelay:     5 * time.Second,
			Multiplier:   2,
		},
	})
}

func rootStub(sess *session.Session) *stub.Stub {
	return stub.New(sess, wire.Path{})
}

func main() {
	var addr string

	root := &cobra.Command{
		Use:   "graphrpcctl",
		Short: "Interact with the demo graphrpc server",
	}
	root.PersistentFlags().StringVar(&addr, "addr", "ws://127.0.0.1:8842/graphrpc", "graphrpcd WebSocket URL")

	getCmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Print a post's title",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess := newSession(addr)
			defer sess.Close()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			post := rootStub(sess).Get("posts").Call("get", args[0])
			v, err := post.Get("title").Await(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), v)
			return nil
		},
	}

	setTitleCmd := &cobra.Command{
		Use:   "set-title <id> <title>",
		Short: "Set a post's title",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess := newSession(addr)
			defer sess.Close()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			post := rootStub(sess).Get("posts").Call("get", args[0])
			v, err := post.Call("setTitle", args[1]).Await(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), v)
			return nil
		},
	}

	countCmd := &cobra.Command{
		Use:   "count",
		Short: "Print the number of posts created so far",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess := newSession(addr)
			defer sess.Close()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			v, err := rootStub(sess).Get("posts").Call("count").Await(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), v)
			return nil
		},
	}

	root.AddCommand(getCmd, setTitleCmd, countCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
