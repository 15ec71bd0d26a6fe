// Coworker is a local-first filesystem coworker service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// coworkerd is the local-first coworker daemon: a loopback HTTP gateway
// in front of a SQLite-backed job store and a pool of lease-based
// workers operating on allowlisted workspace roots.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"coworker/internal/api"
	"coworker/internal/registry"
	"coworker/internal/scope"
	"coworker/internal/store"
	"coworker/internal/tools"
	"coworker/internal/worker"
	"coworker/pkg/crypto"
)

// Config holds runtime configuration for the coworker daemon. Values
// can be provided via environment variables and/or flags; flags take
// precedence.
type Config struct {
	Addr     string        // COWORKER_ADDR
	DBPath   string        // COWORKER_DB
	Roots    []string      // COWORKER_ROOTS (path-list separated)
	Workers  int           // COWORKER_WORKERS
	LeaseTTL time.Duration // COWORKER_LEASE
	StoreKey string        // COWORKER_STORE_KEY (never logged in full)
}

func defaultConfig() Config {
	return Config{
		Addr:     "127.0.0.1:8765",
		DBPath:   "./coworker.db",
		Workers:  2,
		LeaseTTL: 30 * time.Second,
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// rootsFlag collects repeatable -root values.
type rootsFlag []string

func (f *rootsFlag) String() string { return strings.Join(*f, string(os.PathListSeparator)) }

func (f *rootsFlag) Set(v string) error {
	if v == "" {
		return fmt.Errorf("root must not be empty")
	}
	*f = append(*f, v)
	return nil
}

// parseConfig builds the Config from env + flags. Flags override
// environment variables; -root accumulates on top of COWORKER_ROOTS
// only when given, otherwise the env list stands.
func parseConfig(args []string) (Config, error) {
	def := defaultConfig()

	cfg := Config{
		Addr:     getenv("COWORKER_ADDR", def.Addr),
		DBPath:   getenv("COWORKER_DB", def.DBPath),
		Workers:  getenvInt("COWORKER_WORKERS", def.Workers),
		LeaseTTL: getenvDuration("COWORKER_LEASE", def.LeaseTTL),
		StoreKey: os.Getenv("COWORKER_STORE_KEY"),
	}
	if v := os.Getenv("COWORKER_ROOTS"); v != "" {
		for _, r := range strings.Split(v, string(os.PathListSeparator)) {
			if r != "" {
				cfg.Roots = append(cfg.Roots, r)
			}
		}
	}

	var flagRoots rootsFlag
	fs := flag.NewFlagSet("coworkerd", flag.ContinueOnError)
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "HTTP listen address (env COWORKER_ADDR)")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite DB path (env COWORKER_DB)")
	fs.Var(&flagRoots, "root", "Workspace root, repeatable (env COWORKER_ROOTS)")
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "Worker pool size (env COWORKER_WORKERS)")
	fs.DurationVar(&cfg.LeaseTTL, "lease", cfg.LeaseTTL, "Job lease TTL (env COWORKER_LEASE)")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if len(flagRoots) > 0 {
		cfg.Roots = flagRoots
	}

	if len(cfg.Roots) == 0 {
		return Config{}, fmt.Errorf("at least one workspace root is required (-root or COWORKER_ROOTS)")
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return cfg, nil
}

func logConfig(cfg Config) {
	log.Printf("coworkerd configuration:")
	log.Printf("  addr=%s", cfg.Addr)
	log.Printf("  db=%s", cfg.DBPath)
	log.Printf("  roots=%s", strings.Join(cfg.Roots, ", "))
	log.Printf("  workers=%d", cfg.Workers)
	log.Printf("  lease=%s", cfg.LeaseTTL)
	log.Printf("  store_key=%s", crypto.RedactSecret(cfg.StoreKey))
}

func main() {
	log.SetFlags(log.LstdFlags | log.LUTC | log.Lmsgprefix)
	log.SetPrefix("[coworkerd] ")

	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		log.Printf("configuration error: %v", err)
		os.Exit(2)
	}
	logConfig(cfg)

	// Bind before anything else so a taken port fails fast.
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		log.Printf("failed to bind %s: %v", cfg.Addr, err)
		os.Exit(1)
	}

	roots, err := scope.NewRoots(cfg.Roots)
	if err != nil {
		log.Printf("invalid workspace roots: %v", err)
		os.Exit(1)
	}

	st, err := store.Open(context.Background(), cfg.DBPath, cfg.StoreKey)
	if err != nil {
		log.Printf("failed to open store: %v", err)
		os.Exit(1)
	}
	defer st.Close()

	reg, err := registry.New()
	if err != nil {
		log.Printf("failed to build tool registry: %v", err)
		os.Exit(1)
	}

	// Worker pool.
	workerCtx, workerCancel := context.WithCancel(context.Background())
	runner := tools.NewRunner()
	for i := 0; i < cfg.Workers; i++ {
		w := worker.New(st, reg, runner, worker.Config{
			WorkerID: fmt.Sprintf("worker-%d", i+1),
			LeaseTTL: cfg.LeaseTTL,
		}, log.Default())
		go w.Run(workerCtx)
	}

	mux := http.NewServeMux()
	api.New(st, reg, roots, log.Default()).Register(mux)

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("HTTP server listening on %s", ln.Addr())
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server error: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("received signal: %s, initiating graceful shutdown...", sig)
	case err := <-errCh:
		log.Printf("server error: %v", err)
	}

	workerCancel()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	} else {
		log.Printf("shutdown complete")
	}
}
