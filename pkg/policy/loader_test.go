package policy

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestLoadFromFile_Rego(t *testing.T) {
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	loader := NewLoader(logger)

	tmpDir := t.TempDir()
	policyFile := filepath.Join(tmpDir, "no-secrets.rego")

	regoContent := `# Rejects properties that look like secrets
# Applies to every configuration.
package confman.user.no_secrets

import rego.v1

deny contains "secret" if {
	input.properties.password
}`

	if err := os.WriteFile(policyFile, []byte(regoContent), 0644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}

	policy, err := loader.loadFromFile(context.Background(), policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	if policy.Name != "no-secrets" {
		t.Errorf("Expected policy name 'no-secrets', got '%s'", policy.Name)
	}
	if policy.Description != "Rejects properties that look like secrets Applies to every configuration." {
		t.Errorf("Unexpected description: %q", policy.Description)
	}
	if policy.Severity != SeverityError || !policy.Enabled {
		t.Errorf("Expected enabled error policy, got %s enabled=%v", policy.Severity, policy.Enabled)
	}
	if policy.Metadata["source"] != policyFile {
		t.Errorf("Expected source metadata %s, got %v", policyFile, policy.Metadata["source"])
	}
}

func TestLoadFromFile_JSON(t *testing.T) {
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	loader := NewLoader(logger)

	tmpDir := t.TempDir()
	policyFile := filepath.Join(tmpDir, "ports.json")

	content := `{
	"name": "port-range",
	"description": "Ports must be unprivileged",
	"rego": "package confman.user.ports\n\nimport rego.v1\n\ndeny contains \"low port\" if { input.properties.port < 1024 }",
	"severity": "warning",
	"enabled": true,
	"tags": ["network"]
}`
	if err := os.WriteFile(policyFile, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}

	policy, err := loader.loadFromFile(context.Background(), policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	if policy.Name != "port-range" {
		t.Errorf("Expected policy name 'port-range', got '%s'", policy.Name)
	}
	if policy.Severity != SeverityWarning {
		t.Errorf("Expected severity warning, got %s", policy.Severity)
	}
	if len(policy.Tags) != 1 || policy.Tags[0] != "network" {
		t.Errorf("Unexpected tags: %v", policy.Tags)
	}
	if policy.CreatedAt.IsZero() {
		t.Error("Expected CreatedAt default")
	}
}

func TestLoadFromFile_InvalidJSON(t *testing.T) {
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	loader := NewLoader(logger)

	policyFile := filepath.Join(t.TempDir(), "broken.json")
	if err := os.WriteFile(policyFile, []byte("{"), 0644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}

	if _, err := loader.loadFromFile(context.Background(), policyFile); err == nil {
		t.Error("Expected error for invalid JSON")
	}
}

func TestLoadFromPaths(t *testing.T) {
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	loader := NewLoader(logger)

	tmpDir := t.TempDir()
	nested := filepath.Join(tmpDir, "team")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatalf("Failed to create dir: %v", err)
	}

	files := map[string]string{
		filepath.Join(tmpDir, "b.rego"):   "package b\n",
		filepath.Join(nested, "a.rego"):   "package a\n",
		filepath.Join(tmpDir, "notes.md"): "ignored",
		filepath.Join(tmpDir, "bad.json"): "not json",
	}
	for path, content := range files {
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatalf("Failed to write %s: %v", path, err)
		}
	}

	policies, err := loader.LoadFromPaths(context.Background(), []string{tmpDir})
	if err != nil {
		t.Fatalf("LoadFromPaths failed: %v", err)
	}

	if len(policies) != 2 {
		t.Fatalf("Expected 2 policies, got %d", len(policies))
	}
	if policies[0].Name != "a" || policies[1].Name != "b" {
		t.Errorf("Expected policies sorted by name, got %s, %s", policies[0].Name, policies[1].Name)
	}
}

func TestLoadFromPaths_Duplicate(t *testing.T) {
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	loader := NewLoader(logger)

	dirA := t.TempDir()
	dirB := t.TempDir()
	for _, dir := range []string{dirA, dirB} {
		if err := os.WriteFile(filepath.Join(dir, "same.rego"), []byte("package same\n"), 0644); err != nil {
			t.Fatalf("Failed to write policy: %v", err)
		}
	}

	if _, err := loader.LoadFromPaths(context.Background(), []string{dirA, dirB}); err == nil {
		t.Error("Expected duplicate policy names to fail")
	}
}

func TestClearCache(t *testing.T) {
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	loader := NewLoader(logger)

	policyFile := filepath.Join(t.TempDir(), "cached.rego")
	if err := os.WriteFile(policyFile, []byte("# first\npackage cached\n"), 0644); err != nil {
		t.Fatalf("Failed to write policy: %v", err)
	}

	ctx := context.Background()
	if _, err := loader.loadFromFile(ctx, policyFile); err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if err := os.WriteFile(policyFile, []byte("# second\npackage cached\n"), 0644); err != nil {
		t.Fatalf("Failed to rewrite policy: %v", err)
	}

	policy, _ := loader.loadFromFile(ctx, policyFile)
	if policy.Description != "first" {
		t.Errorf("Expected cached description, got %q", policy.Description)
	}

	loader.ClearCache()
	policy, _ = loader.loadFromFile(ctx, policyFile)
	if policy.Description != "second" {
		t.Errorf("Expected reloaded description, got %q", policy.Description)
	}
}

func TestWatch(t *testing.T) {
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	loader := NewLoader(logger)
	loader.reloadDelay = 20 * time.Millisecond

	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var reloaded [][]Policy
	err := loader.Watch(ctx, []string{dir}, func(policies []Policy) error {
		mu.Lock()
		defer mu.Unlock()
		reloaded = append(reloaded, policies)
		return nil
	})
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer func() { _ = loader.StopWatching() }()

	if err := os.WriteFile(filepath.Join(dir, "new.rego"), []byte("package fresh\n"), 0644); err != nil {
		t.Fatalf("Failed to write policy: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(reloaded)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(reloaded) == 0 {
		t.Fatal("Expected a reload after writing a policy file")
	}
	last := reloaded[len(reloaded)-1]
	if len(last) != 1 || last[0].Name != "new" {
		t.Errorf("Unexpected reloaded policies: %+v", last)
	}
}

func TestStopWatching_Idempotent(t *testing.T) {
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	loader := NewLoader(logger)

	if err := loader.StopWatching(); err != nil {
		t.Errorf("StopWatching without Watch failed: %v", err)
	}
	if err := loader.Watch(context.Background(), []string{t.TempDir()}, func([]Policy) error { return nil }); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	if err := loader.StopWatching(); err != nil {
		t.Errorf("StopWatching failed: %v", err)
	}
	if err := loader.StopWatching(); err != nil {
		t.Errorf("Second StopWatching failed: %v", err)
	}
}
