package calendar

import (
	"fmt"
	"sort"
	"sync"

	"github.com/guilherme-santos/availsync"
)

type Mux struct {
	mu        sync.Mutex
	providers map[string]availsync.Provider
}

func NewMux() *Mux {
	return &Mux{
		providers: make(map[string]availsync.Provider),
	}
}

func (m *Mux) Get(platform string) (availsync.Provider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	provider, ok := m.providers[platform]
	if !ok {
		return nil, fmt.Errorf("calendar %q is not implemented", platform)
	}
	return provider, nil
}

func (m *Mux) Register(platform string, provider availsync.Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.providers[platform] = provider
}

func (m *Mux) Providers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
