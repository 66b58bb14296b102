package plugins

import (
	"fmt"
	"sort"
	"sync"

	"github.com/CodeMonkeyCybersecurity/shells-autoscan/internal/core"
)

type manager struct {
	tools map[string]core.Tool
	mu    sync.RWMutex
}

func NewManager() core.PluginManager {
	return &manager{
		tools: make(map[string]core.Tool),
	}
}

func (m *manager) Register(tool core.Tool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := tool.Name()
	if _, exists := m.tools[name]; exists {
		return fmt.Errorf("tool %s already registered", name)
	}

	m.tools[name] = tool
	return nil
}

func (m *manager) Get(name string) (core.Tool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tool, exists := m.tools[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", core.ErrToolNotFound, name)
	}

	return tool, nil
}

func (m *manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.tools))
	for name := range m.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}
