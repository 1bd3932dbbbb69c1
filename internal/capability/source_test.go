package capability_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentrelay/agentrelay/internal/capability"
)

const validDoc = `
version: "1"
agents:
  contact-manager:
    rate_limit_per_minute: 10
    allowed_actions:
      - contact:create
      - contact:query
    allowed_tools:
      - crm:*
    allowed_delegations:
      - task-manager
    max_delegation_depth: 2
  task-manager:
    allowed_actions:
      - task:*
    requires_approval: true
    actions_requiring_approval:
      - task:delete
`

const duplicateActionDoc = `
version: "2"
agents:
  contact-manager:
    allowed_actions:
      - contact:create
      - Contact:Create
`

func writeDoc(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "capabilities.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeDoc(t, t.TempDir(), validDoc)
	src := capability.NewFileSource(path)

	doc, err := src.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if doc.Version != "1" {
		t.Errorf("Version = %q, want %q", doc.Version, "1")
	}
	if len(doc.Agents) != 2 {
		t.Fatalf("len(Agents) = %d, want 2", len(doc.Agents))
	}

	cm := doc.Agents["contact-manager"]
	if cm.Name != "contact-manager" {
		t.Errorf("Name = %q, want filled from map key", cm.Name)
	}
	if !cm.AllowsAction("contact:create") {
		t.Error("AllowsAction(contact:create) = false, want true")
	}
	if cm.LastUpdated.IsZero() {
		t.Error("LastUpdated is zero, want filled from file modtime")
	}
}

func TestLoad_IdempotentWhileUnchanged(t *testing.T) {
	path := writeDoc(t, t.TempDir(), validDoc)
	src := capability.NewFileSource(path)
	ctx := context.Background()

	first, err := src.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	second, err := src.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if first != second {
		t.Error("Load() reparsed an unchanged file, want cached document pointer")
	}
}

func TestLoad_InvalidDocumentKeepsPrevious(t *testing.T) {
	dir := t.TempDir()
	path := writeDoc(t, dir, validDoc)
	src := capability.NewFileSource(path)
	ctx := context.Background()

	good, err := src.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// Same-resource duplicates differing only by case must reject the whole
	// document, leaving the previous one active.
	writeDoc(t, dir, duplicateActionDoc)
	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("Chtimes() error = %v", err)
	}

	if _, err := src.Load(ctx); err == nil {
		t.Fatal("Load() error = nil for duplicate actions, want validation error")
	}
	if src.Document() != good {
		t.Error("Document() changed after failed load, want previous document active")
	}
}

func TestLoad_MissingFileServesEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nope.yaml")
	src := capability.NewFileSource(path)

	doc, err := src.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v, want empty document under ServeEmpty", err)
	}
	if len(doc.Agents) != 0 {
		t.Errorf("len(Agents) = %d, want 0", len(doc.Agents))
	}
}

func TestLoad_MissingFileFailsWhenConfigured(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nope.yaml")
	src := capability.NewFileSource(path, capability.WithMissingFilePolicy(capability.FailOnMissing))

	if _, err := src.Load(context.Background()); err == nil {
		t.Fatal("Load() error = nil, want error under FailOnMissing")
	}
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := writeDoc(t, dir, validDoc)
	src := capability.NewFileSource(path, capability.WithDebounce(20*time.Millisecond))
	ctx := context.Background()

	if _, err := src.Load(ctx); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	events := make(chan capability.ReloadEvent, 4)
	src.Subscribe(func(ev capability.ReloadEvent) { events <- ev })

	reg := capability.NewRegistry()
	reg.ApplyDocument(src.Document())
	src.Bind(reg)

	if err := src.Watch(ctx); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	defer src.Stop()

	updated := `
version: "3"
agents:
  contact-manager:
    allowed_actions:
      - contact:query
`
	writeDoc(t, dir, updated)
	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatalf("Chtimes() error = %v", err)
	}

	select {
	case ev := <-events:
		if !ev.Success {
			t.Fatalf("reload failed: %v", ev.Err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload event")
	}

	if got := reg.DocumentVersion(); got != "3" {
		t.Errorf("DocumentVersion() = %q, want %q after reload", got, "3")
	}
	if reg.IsActionAllowed("contact-manager", "contact:create") {
		t.Error("IsActionAllowed(contact:create) = true after revoking reload, want false")
	}
}
