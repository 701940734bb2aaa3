package approval

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/QwavePune/aws-infra-agent-bot/internal/core"
)

// RolesFile is the role configuration file name inside the data directory.
const RolesFile = "maker_checker_roles.json"

// RoleStore caches the role configuration persisted as JSON.
type RoleStore struct {
	mu   sync.RWMutex
	path string
	cfg  core.RoleConfiguration
	now  func() time.Time
}

// NewRoleStore loads path, or starts empty when the file does not exist.
// An empty path keeps the configuration in memory only.
func NewRoleStore(path string) (*RoleStore, error) {
	s := &RoleStore{
		path: path,
		cfg:  core.RoleConfiguration{CheckerProfiles: []string{}, MakerProfiles: []string{}},
		now:  time.Now,
	}
	if path == "" {
		return s, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading role configuration: %w", err)
	}
	var cfg core.RoleConfiguration
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing role configuration %s: %w", path, err)
	}
	cfg.CheckerProfiles = OrderedSet(cfg.CheckerProfiles)
	cfg.MakerProfiles = OrderedSet(cfg.MakerProfiles)
	s.cfg = cfg
	return s, nil
}

// Get returns a copy of the configuration.
func (s *RoleStore) Get() core.RoleConfiguration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot()
}

// Checkers returns the configured checker profiles.
func (s *RoleStore) Checkers() []string {
	return s.Get().CheckerProfiles
}

// Update replaces both lists and persists the result.
func (s *RoleStore) Update(checkers, makers []string) (core.RoleConfiguration, error) {
	cfg := core.RoleConfiguration{
		CheckerProfiles: OrderedSet(checkers),
		MakerProfiles:   OrderedSet(makers),
		UpdatedAt:       s.now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.path != "" {
		if err := writeJSON(s.path, cfg); err != nil {
			return core.RoleConfiguration{}, err
		}
	}
	s.cfg = cfg
	return s.snapshot(), nil
}

// snapshot copies the configuration; callers hold the lock.
func (s *RoleStore) snapshot() core.RoleConfiguration {
	return core.RoleConfiguration{
		CheckerProfiles: append([]string{}, s.cfg.CheckerProfiles...),
		MakerProfiles:   append([]string{}, s.cfg.MakerProfiles...),
		UpdatedAt:       s.cfg.UpdatedAt,
	}
}

// IsChecker reports whether profile may approve.
func (s *RoleStore) IsChecker(profile string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return contains(s.cfg.CheckerProfiles, profile)
}

// IsMaker reports whether profile may originate requests: the explicit maker
// list when one is configured, else every profile that is not a checker.
func (s *RoleStore) IsMaker(profile string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.cfg.MakerProfiles) > 0 {
		return contains(s.cfg.MakerProfiles, profile)
	}
	return !contains(s.cfg.CheckerProfiles, profile)
}

// OrderedSet trims entries, drops blanks and duplicates, and keeps
// first-seen order.
func OrderedSet(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", filepath.Base(path), err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replacing %s: %w", filepath.Base(path), err)
	}
	return nil
}
