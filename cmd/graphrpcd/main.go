// Command graphrpcd serves the demo object graph (internal/demo) over
// WebSocket, configured from a YAML file and a small set of flags.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/latticerpc/graphrpc/internal/demo"
	"github.com/latticerpc/graphrpc/internal/rpclog"
	"github.com/latticerpc/graphrpc/internal/server/dispatch"
	"github.com/latticerpc/graphrpc/pkg/schema"
	"github.com/latticerpc/graphrpc/pkg/transport/wsconn"
	"github.com/latticerpc/graphrpc/pkg/wire"
)

type config struct {
	Addr             string        `yaml:"addr"`
	Path             string        `yaml:"path"`
	MaxTokens        int           `yaml:"maxTokens"`
	MaxPendingOps    int           `yaml:"maxPendingOps"`
	MaxQueuedOps     int           `yaml:"maxQueuedOps"`
	IdleTimeout      time.Duration `yaml:"idleTimeout"`
	OperationTimeout time.Duration `yaml:"operationTimeout"`
	RedactErrors     bool          `yaml:"redactErrors"`
	LogLevel         string        `yaml:"logLevel"`
}

func defaultConfig() config {
	return config{
		Addr: ":8842",
		Path: "/graphrpc",
	}
}

func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("graphrpcd: reading config: %w", err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("graphrpcd: parsing config: %w", err)
	}
	return cfg, nil
}

func parseLevel(name string) rpclog.Level {
	switch name {
	case "debug":
		return rpclog.DEBUG
	case "warn":
		return rpclog.WARN
	case "error":
		return rpclog.ERROR
	case "critical":
		return rpclog.CRITICAL
	default:
		return rpclog.INFO
	}
}

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "graphrpcd",
		Short: "Serve the demo object graph over graphrpc",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}
	root.Flags().StringVarP(&configPath, "config-file", "c", "", "path to a YAML config file")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve(cfg config) error {
	log := rpclog.NewStderrLogger()
	log.SetLevel(parseLevel(cfg.LogLevel))
	defer log.Close()

	rootClass, registry := demo.Registry()

	formatter := wire.NewFormatter()
	upgrader := wsconn.Upgrader{SchemaVersion: "demo-v1"}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Accept(w, r)
		if err != nil {
			log.Warnf("graphrpcd: upgrade failed: %v", err)
			return
		}
		table, err := schema.Build(rootClass, nil)
		if err != nil {
			log.Errorf("graphrpcd: building schema table: %v", err)
			conn.Close()
			return
		}
		dc := dispatch.New(conn, wire.NewJSONCodec(), formatter, table, registry, nil, dispatch.Options{
			MaxTokens:        cfg.MaxTokens,
			MaxPendingOps:    cfg.MaxPendingOps,
			MaxQueuedOps:     cfg.MaxQueuedOps,
			IdleTimeout:      cfg.IdleTimeout,
			OperationTimeout: cfg.OperationTimeout,
			RedactErrors:     cfg.RedactErrors,
			Logger:           log,
			SchemaDesc:       "demo-v1",
		})
		go func() {
			if err := dc.Run(); err != nil {
				log.Infof("graphrpcd: connection closed: %v", err)
			}
		}()
	})

	srv := &http.Server{Addr: cfg.Addr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		log.Infof("graphrpcd: listening on %s%s", cfg.Addr, cfg.Path)
		errCh <- srv.ListenAndServe()
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-sig:
		log.Infof("graphrpcd: shutting down")
		return srv.Close()
	}
	return nil
}
