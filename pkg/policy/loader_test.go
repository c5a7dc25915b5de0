package policy

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const sampleRego = `# Denies transfers of quarantined assets.
# scope: transfer.request.provider, transfer.provisioning.consumer
package connector.policy.quarantine

import rego.v1

deny contains "asset is quarantined" if input.context.attributes.quarantined == "true"
`

func TestLoadFromFile_Rego(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))

	path := filepath.Join(t.TempDir(), "quarantine.rego")
	if err := os.WriteFile(path, []byte(sampleRego), 0644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}

	modules, err := loader.LoadFromPaths(context.Background(), []string{path})
	if err != nil {
		t.Fatalf("Failed to load module: %v", err)
	}
	if len(modules) != 1 {
		t.Fatalf("expected 1 module, got %d", len(modules))
	}
	m := modules[0]

	if m.Name != "quarantine" {
		t.Errorf("Expected name 'quarantine', got '%s'", m.Name)
	}
	if m.Description != "Denies transfers of quarantined assets." {
		t.Errorf("Description = %q", m.Description)
	}
	if len(m.Scopes) != 2 || m.Scopes[0] != ScopeProviderTransfer {
		t.Errorf("Scopes = %v", m.Scopes)
	}
	if !m.Enabled || m.Severity != SeverityError {
		t.Error("rego modules should be enabled with error severity by default")
	}
}

func TestLoadFromFile_JSON(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))

	data, err := json.Marshal(Module{
		Name:    "json-module",
		Rego:    "package jsonmod\n\nimport rego.v1\n\ndeny contains \"no\" if false\n",
		Enabled: true,
	})
	if err != nil {
		t.Fatalf("Failed to marshal module: %v", err)
	}

	path := filepath.Join(t.TempDir(), "module.json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}

	modules, err := loader.LoadFromPaths(context.Background(), []string{path})
	if err != nil {
		t.Fatalf("Failed to load module: %v", err)
	}
	if len(modules) != 1 {
		t.Fatalf("expected 1 module, got %d", len(modules))
	}
	if m := modules[0]; m.Name != "json-module" || m.Severity != SeverityError {
		t.Errorf("unexpected module %+v", m)
	}
}

func TestLoadFromPaths_Directory(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))

	dir := t.TempDir()
	nested := filepath.Join(dir, "nested")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}
	files := map[string]string{
		filepath.Join(dir, "a.rego"):      sampleRego,
		filepath.Join(nested, "b.rego"):   "package b\n\nimport rego.v1\n\ndeny contains \"b\" if false\n",
		filepath.Join(dir, "README.md"):   "ignored",
		filepath.Join(dir, "broken.json"): "{not json",
	}
	for path, content := range files {
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}

	modules, err := loader.LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("LoadFromPaths failed: %v", err)
	}
	if len(modules) != 2 {
		t.Errorf("expected 2 modules, got %d", len(modules))
	}
}

func TestLoadFromPaths_ReparsesChangedFile(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	path := filepath.Join(t.TempDir(), "quarantine.rego")
	if err := os.WriteFile(path, []byte(sampleRego), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := loader.LoadFromPaths(context.Background(), []string{path}); err != nil {
		t.Fatal(err)
	}

	updated := "# Blocks everything.\npackage connector.policy.quarantine\n\nimport rego.v1\n\ndeny contains \"no\" if true\n"
	if err := os.WriteFile(path, []byte(updated), 0644); err != nil {
		t.Fatal(err)
	}
	later := time.Now().Add(time.Minute)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatal(err)
	}

	modules, err := loader.LoadFromPaths(context.Background(), []string{path})
	if err != nil {
		t.Fatal(err)
	}
	if modules[0].Description != "Blocks everything." || len(modules[0].Scopes) != 0 {
		t.Errorf("stale module returned: %+v", modules[0])
	}
}

func TestLoadFromPaths_MissingPath(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	if _, err := loader.LoadFromPaths(context.Background(), []string{"/does/not/exist"}); err == nil {
		t.Error("expected error for missing path")
	}
}

func TestEngineLoadModulesEnforcesScopes(t *testing.T) {
	eng := newTestEngine(t)
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "quarantine.rego"), []byte(sampleRego), 0644); err != nil {
		t.Fatal(err)
	}
	if err := eng.LoadModules(context.Background(), []string{dir}); err != nil {
		t.Fatalf("LoadModules failed: %v", err)
	}

	ectx := EvaluationContext{Attributes: map[string]string{"quarantined": "true"}}
	result, err := eng.Evaluate(context.Background(), ScopeProviderTransfer, &Policy{}, ectx)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if result.Allowed {
		t.Error("quarantined asset should be denied")
	}
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	loader.debounce = 20 * time.Millisecond

	dir := t.TempDir()
	path := filepath.Join(dir, "a.rego")
	if err := os.WriteFile(path, []byte(sampleRego), 0644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan int, 4)
	err := loader.Watch(ctx, []string{dir}, func(modules []Module) error {
		reloaded <- len(modules)
		return nil
	})
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	second := filepath.Join(dir, "b.rego")
	if err := os.WriteFile(second, []byte("package b\n\nimport rego.v1\n\ndeny contains \"b\" if false\n"), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case n := <-reloaded:
		if n != 2 {
			t.Errorf("expected 2 modules after reload, got %d", n)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("reload was not triggered")
	}
}
