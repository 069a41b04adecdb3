// Package configstore persists per-service-family upstream descriptors as a
// human-editable TOML document, one table per upstream.
package configstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/pelletier/go-toml/v2"
)

// Descriptor describes one upstream endpoint within a service family.
type Descriptor struct {
	Name      string  `toml:"-" json:"name"`
	BaseURL   string  `toml:"base_url" json:"base_url"`
	APIKey    string  `toml:"api_key,omitempty" json:"api_key,omitempty"`
	AuthToken string  `toml:"auth_token,omitempty" json:"auth_token,omitempty"`
	Weight    float64 `toml:"weight" json:"weight"`
	Active    bool    `toml:"active" json:"active"`
	// Proxy is an optional outbound proxy URL ("socks5://host:port" or
	// "http://host:port") used when dialing this upstream.
	Proxy string `toml:"proxy,omitempty" json:"proxy,omitempty"`
}

// Store is a durable map of upstream name -> Descriptor for one service family.
// All reads return cloned snapshots; all writes are write-through to disk.
type Store struct {
	mu         sync.RWMutex
	path       string
	upstreams  map[string]Descriptor
	activeName string
}

// Open loads (or creates) the TOML document at path.
func Open(path string) (*Store, error) {
	s := &Store{path: path, upstreams: make(map[string]Descriptor)}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("configstore: create dir: %w", err)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, []byte{}, 0o644); err != nil {
			return nil, fmt.Errorf("configstore: create file: %w", err)
		}
	}
	if err := s.reloadLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the document from disk, discarding in-memory state.
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reloadLocked()
}

func (s *Store) reloadLocked() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("configstore: read %s: %w", s.path, err)
	}

	table, err := decodeDocument(raw)
	if err != nil {
		return fmt.Errorf("configstore: parse %s: %w", s.path, err)
	}

	upstreams := make(map[string]Descriptor, len(table))
	var activeName string
	for name, d := range table {
		d.Name = name
		upstreams[name] = d
		if d.Active {
			activeName = name
		}
	}

	if activeName == "" && len(upstreams) > 0 {
		names := sortedNames(upstreams)
		activeName = names[0]
	}

	s.upstreams = upstreams
	s.activeName = activeName
	return nil
}

// decodeDocument parses a TOML document; if that fails, falls back to JSON
// (legacy input format) per spec.md's opportunistic-tolerance rule.
func decodeDocument(raw []byte) (map[string]Descriptor, error) {
	var table map[string]Descriptor
	if err := toml.Unmarshal(raw, &table); err == nil {
		return table, nil
	}

	var jsonTable map[string]Descriptor
	if err := json.Unmarshal(raw, &jsonTable); err == nil {
		return jsonTable, nil
	}

	if len(raw) == 0 {
		return map[string]Descriptor{}, nil
	}
	return nil, fmt.Errorf("not valid TOML or JSON")
}

// List returns a cloned snapshot of all upstreams keyed by name.
func (s *Store) List() map[string]Descriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Descriptor, len(s.upstreams))
	for k, v := range s.upstreams {
		out[k] = v
	}
	return out
}

// Get returns one upstream by name.
func (s *Store) Get(name string) (Descriptor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.upstreams[name]
	return d, ok
}

// ActiveName returns the currently-designated active upstream, if any.
func (s *Store) ActiveName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeName
}

// Weights returns name -> weight for every upstream, for the Balancer.
func (s *Store) Weights() map[string]float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]float64, len(s.upstreams))
	for k, v := range s.upstreams {
		out[k] = v.Weight
	}
	return out
}

// Add inserts or replaces an upstream. If it is the first upstream added, or
// Active is true, it becomes (or stays) the active one.
func (s *Store) Add(d Descriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d.Name == "" {
		return fmt.Errorf("configstore: name is required")
	}
	s.upstreams[d.Name] = d
	if d.Active || s.activeName == "" {
		s.activeName = d.Name
	}
	return s.saveLocked()
}

// Remove deletes an upstream. If it was active, the first remaining name
// (lexicographic) is promoted.
func (s *Store) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.upstreams[name]; !ok {
		return fmt.Errorf("configstore: upstream %q not found", name)
	}
	delete(s.upstreams, name)

	if s.activeName == name {
		names := sortedNames(s.upstreams)
		if len(names) > 0 {
			s.activeName = names[0]
		} else {
			s.activeName = ""
		}
	}
	return s.saveLocked()
}

// Activate designates name as the active upstream. Fails if name is absent.
func (s *Store) Activate(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.upstreams[name]; !ok {
		return fmt.Errorf("configstore: upstream %q not found", name)
	}
	s.activeName = name
	return s.saveLocked()
}

// saveLocked writes the full document back to disk, enforcing the
// exactly-one-active invariant. Caller must hold s.mu.
func (s *Store) saveLocked() error {
	out := make(map[string]Descriptor, len(s.upstreams))
	for name, d := range s.upstreams {
		d.Active = name == s.activeName
		out[name] = d
	}

	buf, err := toml.Marshal(out)
	if err != nil {
		return fmt.Errorf("configstore: marshal: %w", err)
	}
	if err := os.WriteFile(s.path, buf, 0o644); err != nil {
		return fmt.Errorf("configstore: write %s: %w", s.path, err)
	}
	return nil
}

func sortedNames(m map[string]Descriptor) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
