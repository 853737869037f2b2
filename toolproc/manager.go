package toolproc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// ErrCapabilityNotFound is returned for calls naming an unregistered
// capability.
var ErrCapabilityNotFound = errors.New("capability not found")

// Descriptor declares one worker capability: what to run and what it is for.
type Descriptor struct {
	// Capability is the name specialists address the worker by.
	Capability string `yaml:"capability"`

	// Description is matched by the router against user messages.
	Description string `yaml:"description"`

	// Command and Args launch the worker executable.
	Command string   `yaml:"command"`
	Args    []string `yaml:"args,omitempty"`

	// Env is merged over the parent environment.
	Env map[string]string `yaml:"env,omitempty"`

	// Timeout bounds a single call (default 30s).
	Timeout time.Duration `yaml:"timeout,omitempty"`

	// MaxRestarts caps respawn attempts after a crash (default 3).
	MaxRestarts int `yaml:"max_restarts,omitempty"`
}

// LoadDescriptors reads all worker descriptors from YAML files in a
// directory. Each file holds one descriptor.
func LoadDescriptors(dir string) ([]Descriptor, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read descriptor directory: %w", err)
	}

	var descs []Descriptor
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}

		var raw struct {
			Capability  string            `yaml:"capability"`
			Description string            `yaml:"description"`
			Command     string            `yaml:"command"`
			Args        []string          `yaml:"args"`
			Env         map[string]string `yaml:"env"`
			Timeout     string            `yaml:"timeout"`
			MaxRestarts int               `yaml:"max_restarts"`
		}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse %s: %w", name, err)
		}
		if raw.Capability == "" || raw.Command == "" {
			return nil, fmt.Errorf("%s: capability and command are required", name)
		}

		d := Descriptor{
			Capability:  raw.Capability,
			Description: raw.Description,
			Command:     raw.Command,
			Args:        raw.Args,
			Env:         raw.Env,
			MaxRestarts: raw.MaxRestarts,
		}
		if raw.Timeout != "" {
			timeout, err := time.ParseDuration(raw.Timeout)
			if err != nil {
				return nil, fmt.Errorf("%s: bad timeout: %w", name, err)
			}
			d.Timeout = timeout
		}
		descs = append(descs, d)
	}
	return descs, nil
}

// Manager owns the worker pool: exactly one addressable worker per declared
// capability, shared process-wide and handed to callers by reference.
type Manager struct {
	mu      sync.RWMutex
	workers map[string]*Worker
}

// NewManager builds the pool from descriptors. Workers are not spawned
// until Start (or first call).
func NewManager(descs []Descriptor) *Manager {
	m := &Manager{workers: make(map[string]*Worker, len(descs))}
	for _, d := range descs {
		m.workers[d.Capability] = NewWorker(d)
	}
	return m
}

// Start eagerly spawns every worker. A worker that fails to start is left
// for its first call to respawn; Start only fails if no worker came up.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.RLock()
	workers := make([]*Worker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.mu.RUnlock()

	ok := 0
	for _, w := range workers {
		if err := w.Start(ctx); err != nil {
			log.Warn().Str("capability", w.Capability()).Err(err).Msg("worker failed to start")
			continue
		}
		ok++
	}
	if len(workers) > 0 && ok == 0 {
		return errors.New("no workers started")
	}
	return nil
}

// Worker returns the worker for a capability.
func (m *Manager) Worker(capability string) (*Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workers[capability]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCapabilityNotFound, capability)
	}
	return w, nil
}

// Call dispatches one tool invocation to the capability's worker.
func (m *Manager) Call(ctx context.Context, capability, tool string, args map[string]any) (string, error) {
	w, err := m.Worker(capability)
	if err != nil {
		return "", err
	}
	return w.Call(ctx, tool, args)
}

// Tools returns the discovered tool schemas for a capability.
func (m *Manager) Tools(capability string) ([]ToolInfo, error) {
	w, err := m.Worker(capability)
	if err != nil {
		return nil, err
	}
	return w.Tools(), nil
}

// Capabilities lists registered capability names.
func (m *Manager) Capabilities() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.workers))
	for name := range m.workers {
		names = append(names, name)
	}
	return names
}

// Descriptors returns the declared descriptors, for routing.
func (m *Manager) Descriptors() []Descriptor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	descs := make([]Descriptor, 0, len(m.workers))
	for _, w := range m.workers {
		descs = append(descs, w.desc)
	}
	return descs
}

// Shutdown stops all workers.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.workers {
		w.Stop()
	}
}
