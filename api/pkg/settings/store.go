package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/claraverse-space/clara-supervisor/api/pkg/system"
	"github.com/claraverse-space/clara-supervisor/api/pkg/types"
)

// Store owns every persisted document. Other components read through it
// and submit updates; nothing else touches the files directly.
//
// Writes follow a write-rename-verify pattern: the previous file is kept
// as a timestamped backup, the new content lands in a temp file that is
// renamed into place, and the result is read back and compared.
type Store struct {
	mu  sync.Mutex
	dir string
}

const (
	performanceFile = "performance-settings.json"
	perModelFile    = "individual-model-configs.json"
	mappingsFile    = "mmproj-mappings.json"
	overrideFile    = "backend-override.json"
	consentFile     = "user-service-consent.json"
)

func NewStore(dir string) (*Store, error) {
	if err := system.EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("creating settings directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// LoadPerformance returns the global performance settings, or zero-value
// settings when the document is absent or unreadable.
func (s *Store) LoadPerformance() types.PerformanceSettings {
	var out types.PerformanceSettings
	s.load(performanceFile, &out)
	return out
}

func (s *Store) SavePerformance(settings types.PerformanceSettings) error {
	return s.save(performanceFile, settings)
}

// LoadPerModel returns the per-display-name override map.
func (s *Store) LoadPerModel() map[string]types.PerModelOverride {
	out := map[string]types.PerModelOverride{}
	s.load(perModelFile, &out)
	return out
}

func (s *Store) SavePerModel(overrides map[string]types.PerModelOverride) error {
	return s.save(perModelFile, overrides)
}

// SaveModelOverride updates a single model's override in place.
func (s *Store) SaveModelOverride(displayName string, override types.PerModelOverride) error {
	overrides := s.LoadPerModel()
	overrides[displayName] = override
	return s.save(perModelFile, overrides)
}

// LoadProjectionMappings returns the persisted mapping table. A non-empty
// result disables projection heuristics entirely.
func (s *Store) LoadProjectionMappings() types.ProjectionMappings {
	out := types.ProjectionMappings{}
	s.load(mappingsFile, &out)
	return out
}

func (s *Store) SaveProjectionMappings(mappings types.ProjectionMappings) error {
	return s.save(mappingsFile, mappings)
}

// LoadBackendOverride returns nil when no override is saved.
func (s *Store) LoadBackendOverride() *types.BackendOverride {
	var out types.BackendOverride
	if !s.load(overrideFile, &out) || out.BackendID == "" {
		return nil
	}
	return &out
}

func (s *Store) SaveBackendOverride(override *types.BackendOverride) error {
	if override == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		if err := os.Remove(filepath.Join(s.dir, overrideFile)); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	return s.save(overrideFile, override)
}

// LoadConsent returns nil when the user has never answered.
func (s *Store) LoadConsent() *types.UserConsent {
	var out types.UserConsent
	if !s.load(consentFile, &out) {
		return nil
	}
	return &out
}

func (s *Store) SaveConsent(consent types.UserConsent) error {
	consent.Timestamp = time.Now()
	return s.save(consentFile, consent)
}

// load decodes a document into out, reporting whether a document existed
// and decoded. Corrupt documents are logged and treated as absent.
func (s *Store) load(name string, out any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("file", name).Msg("cannot read settings document")
		}
		return false
	}
	if err := json.Unmarshal(data, out); err != nil {
		log.Warn().Err(err).Str("file", name).Msg("settings document is corrupt, ignoring")
		return false
	}
	return true
}

func (s *Store) save(name string, doc any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", name, err)
	}

	path := filepath.Join(s.dir, name)
	if _, err := os.Stat(path); err == nil {
		backup := fmt.Sprintf("%s.%s.bak", path, time.Now().Format("20060102-150405"))
		if err := system.CopyFile(path, backup); err != nil {
			log.Warn().Err(err).Str("file", name).Msg("could not create settings backup")
		}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("renaming %s into place: %w", name, err)
	}

	// verify the rename landed what we wrote
	readBack, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("verifying %s: %w", name, err)
	}
	if len(readBack) != len(data) {
		return fmt.Errorf("verification mismatch for %s: wrote %d bytes, read %d", name, len(data), len(readBack))
	}
	return nil
}
