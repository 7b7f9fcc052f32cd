package settings

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/iot-for-tillgenglighet/opcua-gateway/internal/pkg/domain/session"
)

//DefaultFile is used when no settings file has been configured
const DefaultFile = "data/opcua-settings.yaml"

type document struct {
	SavedAt    time.Time      `yaml:"savedAt"`
	LastConfig session.Config `yaml:"lastConfig"`
}

//FileStore keeps the last successful connection config in a YAML file
type FileStore struct {
	mu   sync.Mutex
	path string
}

//NewFileStore returns a store backed by the file at path
func NewFileStore(path string) *FileStore {
	if path == "" {
		path = DefaultFile
	}
	return &FileStore{path: path}
}

//Path returns the location of the settings file
func (s *FileStore) Path() string {
	return s.path
}

//SaveLastConfig writes cfg, without its password, replacing any earlier config
func (s *FileStore) SaveLastConfig(cfg session.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := yaml.Marshal(document{SavedAt: time.Now().UTC(), LastConfig: cfg.Redacted()})
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create settings directory: %w", err)
		}
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}

	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace settings file: %w", err)
	}

	return nil
}

//LoadLastConfig returns the stored config. The second return value is false if
//nothing has been stored yet.
func (s *FileStore) LoadLastConfig() (session.Config, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return session.Config{}, false, nil
	} else if err != nil {
		return session.Config{}, false, fmt.Errorf("failed to read settings: %w", err)
	}

	doc := document{}
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return session.Config{}, false, fmt.Errorf("failed to parse settings file %s: %w", s.path, err)
	}

	if doc.LastConfig.Endpoint == "" {
		return session.Config{}, false, nil
	}

	return doc.LastConfig, true, nil
}
