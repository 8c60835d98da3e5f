package config_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-streaming-bridge/config"
	"github.com/ggoodman/mcp-streaming-bridge/disposition"
)

type logBridge struct{ t *testing.T }

func (b logBridge) Write(p []byte) (int, error) {
	b.t.Log(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("MCPBRIDGE_UPSTREAM_URL", "http://upstream.test/mcp")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if want, got := ":8080", cfg.Listen; want != got {
		t.Fatalf("expected listen %q, got %q", want, got)
	}
	if want, got := 15*time.Second, cfg.HeartbeatInterval; want != got {
		t.Fatalf("expected heartbeat %v, got %v", want, got)
	}
	if want, got := 4, cfg.MaxStreams; want != got {
		t.Fatalf("expected max streams %d, got %d", want, got)
	}
	if want, got := "/mcp", cfg.PublicPath(); want != got {
		t.Fatalf("expected public path %q, got %q", want, got)
	}
	rules, err := cfg.Rules()
	if err != nil {
		t.Fatal(err)
	}
	if want, got := disposition.DefaultRules().StreamMethods, rules.StreamMethods; strings.Join(want, ",") != strings.Join(got, ",") {
		t.Fatalf("expected stream methods %v, got %v", want, got)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("MCPBRIDGE_UPSTREAM_URL", "https://upstream.test/mcp")
	t.Setenv("MCPBRIDGE_IDLE_TIMEOUT", "90s")
	t.Setenv("MCPBRIDGE_STREAM_METHODS", "subscribe;follow")
	t.Setenv("MCPBRIDGE_STREAM_THRESHOLD", "2048")
	t.Setenv("MCPBRIDGE_POOL_MAX", "3")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if want, got := 90*time.Second, cfg.IdleTimeout; want != got {
		t.Fatalf("expected idle timeout %v, got %v", want, got)
	}
	rules, err := cfg.Rules()
	if err != nil {
		t.Fatal(err)
	}
	if want, got := "subscribe,follow", strings.Join(rules.StreamMethods, ","); want != got {
		t.Fatalf("expected stream methods %q, got %q", want, got)
	}
	if want, got := int64(2048), rules.SizeThreshold; want != got {
		t.Fatalf("expected threshold %d, got %d", want, got)
	}
	if want, got := 3, cfg.PoolOptions(nil).MaxConnections; want != got {
		t.Fatalf("expected pool max %d, got %d", want, got)
	}
}

func valid() config.Config {
	return config.Config{
		PublicURL:         "http://localhost:8080/mcp",
		UpstreamURL:       "http://upstream.test/mcp",
		IdleTimeout:       30 * time.Minute,
		SweepInterval:     time.Minute,
		MaxSessions:       10,
		MaxStreams:        4,
		HeartbeatInterval: 15 * time.Second,
		CloseGrace:        2 * time.Second,
		ReplayWindow:      256,
		MaxFrameBytes:     1 << 20,
		RequestTimeout:    30 * time.Second,
		StreamThreshold:   1 << 20,
		StreamMethods:     []string{"subscribe"},
		PoolMax:           10,
		HealthInterval:    30 * time.Second,
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		ok     bool
	}{
		{"valid", func(*config.Config) {}, true},
		{"missing upstream", func(c *config.Config) { c.UpstreamURL = "" }, false},
		{"upstream scheme", func(c *config.Config) { c.UpstreamURL = "ftp://upstream.test" }, false},
		{"zero heartbeat", func(c *config.Config) { c.HeartbeatInterval = 0 }, false},
		{"negative idle timeout", func(c *config.Config) { c.IdleTimeout = -time.Second }, false},
		{"zero max streams", func(c *config.Config) { c.MaxStreams = 0 }, false},
		{"negative threshold", func(c *config.Config) { c.StreamThreshold = -1 }, false},
		{"sweep equals heartbeat", func(c *config.Config) { c.SweepInterval = c.HeartbeatInterval }, false},
		{"heartbeat equals health", func(c *config.Config) { c.HealthInterval = c.HeartbeatInterval }, false},
		{"blank stream methods are dropped", func(c *config.Config) { c.StreamMethods = []string{" ", "watch"} }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			if tt.ok && err != nil {
				t.Fatalf("expected valid, got %v", err)
			}
			if !tt.ok && !errors.Is(err, config.ErrInvalid) {
				t.Fatalf("expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestLoadRules(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.json")
	if err := os.WriteFile(path, []byte(`{"size_threshold": 10}`), 0o600); err != nil {
		t.Fatal(err)
	}
	r, err := config.LoadRules(path, disposition.DefaultRules())
	if err != nil {
		t.Fatal(err)
	}
	if want, got := int64(10), r.SizeThreshold; want != got {
		t.Fatalf("expected threshold %d, got %d", want, got)
	}
	if want, got := len(disposition.DefaultRules().Markers), len(r.Markers); want != got {
		t.Fatalf("expected markers kept from base, got %v", r.Markers)
	}

	if err := os.WriteFile(path, []byte(`{"size_threshold": -1}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := config.LoadRules(path, disposition.DefaultRules()); err == nil {
		t.Fatal("expected negative threshold to be rejected")
	}
}

func TestWatchRulesReloads(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	log := slog.New(slog.NewTextHandler(logBridge{t}, nil))

	dir := t.TempDir()
	path := filepath.Join(dir, "rules.json")
	if err := os.WriteFile(path, []byte(`{"size_threshold": 100}`), 0o600); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var applied []int64
	seen := make(chan struct{}, 16)
	apply := func(r disposition.Rules) error {
		mu.Lock()
		applied = append(applied, r.SizeThreshold)
		mu.Unlock()
		select {
		case seen <- struct{}{}:
		default:
		}
		return nil
	}
	if err := config.WatchRules(ctx, log, path, disposition.DefaultRules(), apply); err != nil {
		t.Fatal(err)
	}
	<-seen

	// An invalid file is ignored.
	if err := os.WriteFile(path, []byte(`{not json`), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(`{"size_threshold": 200}`), 0o600); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(5 * time.Second)
	for {
		mu.Lock()
		last := applied[len(applied)-1]
		mu.Unlock()
		if last == 200 {
			break
		}
		select {
		case <-seen:
		case <-deadline:
			t.Fatalf("rules were not reloaded, applied %v", applied)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if want, got := int64(100), applied[0]; want != got {
		t.Fatalf("expected initial threshold %d, got %d", want, got)
	}
}
