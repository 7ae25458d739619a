package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/n8nkit/n8nsync/internal/engine"
	"github.com/n8nkit/n8nsync/internal/httpapi"
	"github.com/n8nkit/n8nsync/internal/n8n"
	"github.com/n8nkit/n8nsync/internal/state"
	"github.com/n8nkit/n8nsync/internal/watcher"
)

func main() {
	dir := flag.String("dir", strings.TrimSpace(os.Getenv("N8NSYNC_DIR")), "sync directory holding workflow JSON files")
	baseURL := flag.String("base-url", envOrDefault("N8NSYNC_BASE_URL", "http://127.0.0.1:5678"), "n8n base URL")
	apiKey := flag.String("api-key", strings.TrimSpace(os.Getenv("N8NSYNC_API_KEY")), "n8n API key")
	stateDSN := flag.String("state", strings.TrimSpace(os.Getenv("N8NSYNC_STATE_DSN")), "state backend DSN (file path, memory://, or postgres://)")
	pollInterval := flag.Duration("poll-interval", durationEnv("N8NSYNC_POLL_INTERVAL", 30*time.Second), "remote poll interval (0 disables polling)")
	debounce := flag.Duration("debounce", durationEnv("N8NSYNC_DEBOUNCE", 500*time.Millisecond), "filesystem event debounce window")
	httpAddr := flag.String("http", strings.TrimSpace(os.Getenv("N8NSYNC_HTTP_ADDR")), "status API listen address (empty disables)")
	mode := flag.String("mode", envOrDefault("N8NSYNC_MODE", "watch"), "run mode: watch, pull, or push")
	flag.Parse()

	if strings.TrimSpace(*dir) == "" {
		log.Fatalf("dir is required (--dir or N8NSYNC_DIR)")
	}
	if strings.TrimSpace(*apiKey) == "" {
		log.Fatalf("api-key is required (--api-key or N8NSYNC_API_KEY)")
	}
	switch *mode {
	case "watch", "pull", "push":
	default:
		log.Fatalf("invalid mode %q: expected watch, pull, or push", *mode)
	}

	dsn := *stateDSN
	if dsn == "" {
		dsn = filepath.Join(*dir, state.DefaultStateFile)
	}
	backend, err := state.BuildBackendFromDSN(dsn)
	if err != nil {
		log.Fatalf("failed to initialize state backend: %v", err)
	}
	states := state.NewStore(backend, log.Default())

	client := n8n.NewHTTPClient(*baseURL, *apiKey, nil)

	interval := *pollInterval
	if *mode != "watch" {
		// One-shot modes refresh explicitly; no background polling.
		interval = 0
	}
	obs, err := watcher.New(watcher.Options{
		Dir:          *dir,
		Client:       client,
		States:       states,
		PollInterval: interval,
		Debounce:     *debounce,
		Logger:       log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize watcher: %v", err)
	}
	eng, err := engine.New(client, obs, log.Default())
	if err != nil {
		log.Fatalf("failed to initialize sync engine: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch *mode {
	case "pull":
		if err := obs.RefreshAll(rootCtx); err != nil {
			log.Fatalf("refresh failed: %v", err)
		}
		if err := eng.PullAll(rootCtx); err != nil {
			log.Fatalf("pull failed: %v", err)
		}
		log.Printf("pull completed")
		return
	case "push":
		if err := obs.RefreshAll(rootCtx); err != nil {
			log.Fatalf("refresh failed: %v", err)
		}
		if err := eng.PushAll(rootCtx); err != nil {
			log.Fatalf("push failed: %v", err)
		}
		log.Printf("push completed")
		return
	}

	obs.Subscribe(logListener{})
	if err := obs.Start(rootCtx); err != nil {
		log.Fatalf("failed to start watcher: %v", err)
	}
	defer obs.Stop()
	log.Printf("watching %s against %s", *dir, *baseURL)

	if *httpAddr != "" {
		server := httpapi.NewServer(obs, log.Default())
		httpServer := &http.Server{Addr: *httpAddr, Handler: server}
		go func() {
			log.Printf("status API listening on %s", *httpAddr)
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("status API failed: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = httpServer.Shutdown(shutdownCtx)
		}()
	}

	<-rootCtx.Done()
	log.Printf("shutting down: %v", rootCtx.Err())
}

type logListener struct{}

func (logListener) StatusChanged(snap watcher.StatusSnapshot) {
	name := snap.Filename
	if name == "" {
		name = snap.WorkflowID
	}
	log.Printf("%s: %s", name, snap.Status)
}

func (logListener) Error(err error) {
	log.Printf("watch error: %v", err)
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
