package risk

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// ProfileStore holds the versioned provider/pair risk profiles. Profiles
// are read-only to the pipeline and swapped wholesale on reload.
type ProfileStore struct {
	mu        sync.RWMutex
	version   string
	providers map[string]ProviderProfile
	pairs     map[string]PairProfile
}

// profileFile is the on-disk YAML shape.
type profileFile struct {
	Version   string            `yaml:"version"`
	Providers []ProviderProfile `yaml:"providers"`
	Pairs     []PairProfile     `yaml:"pairs"`
}

// NewProfileStore creates an empty store; lookups fall back to defaults.
func NewProfileStore() *ProfileStore {
	return &ProfileStore{
		providers: make(map[string]ProviderProfile),
		pairs:     make(map[string]PairProfile),
	}
}

// LoadFile reads profiles from a YAML file, replacing the current set.
func (s *ProfileStore) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var file profileFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse risk profiles: %w", err)
	}

	providers := make(map[string]ProviderProfile, len(file.Providers))
	for _, p := range file.Providers {
		providers[p.ProviderID] = p
	}
	pairs := make(map[string]PairProfile, len(file.Pairs))
	for _, p := range file.Pairs {
		pairs[p.Pair] = p
	}

	s.mu.Lock()
	s.version = file.Version
	s.providers = providers
	s.pairs = pairs
	s.mu.Unlock()
	return nil
}

// SetProvider / SetPair upsert a single profile (settings API path).
func (s *ProfileStore) SetProvider(p ProviderProfile) {
	s.mu.Lock()
	s.providers[p.ProviderID] = p
	s.mu.Unlock()
}

func (s *ProfileStore) SetPair(p PairProfile) {
	s.mu.Lock()
	s.pairs[p.Pair] = p
	s.mu.Unlock()
}

// Provider returns the profile for a provider, or defaults when absent.
func (s *ProfileStore) Provider(id string) ProviderProfile {
	s.mu.RLock()
	p, ok := s.providers[id]
	s.mu.RUnlock()
	if !ok {
		return DefaultProviderProfile(id)
	}
	return p
}

// Pair returns the profile for a pair, or defaults when absent.
func (s *ProfileStore) Pair(pair string) PairProfile {
	s.mu.RLock()
	p, ok := s.pairs[pair]
	s.mu.RUnlock()
	if !ok {
		return DefaultPairProfile(pair)
	}
	return p
}

// Version returns the loaded profile file version.
func (s *ProfileStore) Version() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}
