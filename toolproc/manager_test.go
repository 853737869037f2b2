package toolproc

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDescriptors(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("catalog.yaml", `
capability: catalog
description: product catalog search
command: /usr/bin/catalog-worker
args: ["--port", "0"]
timeout: 45s
max_restarts: 5
env:
  CATALOG_INDEX: /var/lib/catalog
`)
	write("orders.yml", `
capability: orders
description: order lookup
command: /usr/bin/orders-worker
`)
	write("README.md", "not a descriptor")

	descs, err := LoadDescriptors(dir)
	if err != nil {
		t.Fatalf("LoadDescriptors() error = %v", err)
	}
	if len(descs) != 2 {
		t.Fatalf("len(descs) = %d, want 2", len(descs))
	}

	byName := map[string]Descriptor{}
	for _, d := range descs {
		byName[d.Capability] = d
	}

	cat := byName["catalog"]
	if cat.Command != "/usr/bin/catalog-worker" {
		t.Errorf("catalog command = %q", cat.Command)
	}
	if cat.Timeout != 45*time.Second {
		t.Errorf("catalog timeout = %v, want 45s", cat.Timeout)
	}
	if cat.MaxRestarts != 5 {
		t.Errorf("catalog max_restarts = %d, want 5", cat.MaxRestarts)
	}
	if cat.Env["CATALOG_INDEX"] != "/var/lib/catalog" {
		t.Errorf("catalog env = %v", cat.Env)
	}
	if ord := byName["orders"]; ord.Timeout != 0 {
		t.Errorf("orders timeout = %v, want zero (defaulted later)", ord.Timeout)
	}
}

func TestLoadDescriptorsRejectsIncomplete(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("description: no command\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadDescriptors(dir); err == nil {
		t.Error("LoadDescriptors() = nil error, want failure for missing fields")
	}
}

func TestLoadDescriptorsRejectsBadTimeout(t *testing.T) {
	dir := t.TempDir()
	content := "capability: x\ncommand: /bin/true\ntimeout: soon\n"
	if err := os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadDescriptors(dir); err == nil {
		t.Error("LoadDescriptors() = nil error, want failure for unparseable timeout")
	}
}

func TestManagerCallRoutesByCapability(t *testing.T) {
	m := NewManager([]Descriptor{helperDescriptor(5 * time.Second)})
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(m.Shutdown)

	got, err := m.Call(context.Background(), "echo", "echo", map[string]any{"text": "via manager"})
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if got != "via manager" {
		t.Errorf("Call() = %q", got)
	}

	_, err = m.Call(context.Background(), "nonexistent", "echo", nil)
	if !errors.Is(err, ErrCapabilityNotFound) {
		t.Errorf("Call(unknown capability) error = %v, want ErrCapabilityNotFound", err)
	}
}

func TestManagerToolsAndCapabilities(t *testing.T) {
	m := NewManager([]Descriptor{helperDescriptor(5 * time.Second)})
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(m.Shutdown)

	caps := m.Capabilities()
	if len(caps) != 1 || caps[0] != "echo" {
		t.Errorf("Capabilities() = %v, want [echo]", caps)
	}

	tools, err := m.Tools("echo")
	if err != nil {
		t.Fatalf("Tools() error = %v", err)
	}
	found := false
	for _, ti := range tools {
		if ti.Name == "echo" {
			found = true
		}
	}
	if !found {
		t.Errorf("Tools() = %v, want echo present", tools)
	}
}

func TestManagerStartToleratesPartialFailure(t *testing.T) {
	descs := []Descriptor{
		helperDescriptor(5 * time.Second),
		{Capability: "broken", Command: "/nonexistent/worker", Timeout: time.Second, MaxRestarts: 1},
	}
	m := NewManager(descs)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v, want success with one worker up", err)
	}
	t.Cleanup(m.Shutdown)

	if _, err := m.Call(context.Background(), "echo", "echo", map[string]any{"text": "ok"}); err != nil {
		t.Errorf("Call(echo) error = %v", err)
	}
}
