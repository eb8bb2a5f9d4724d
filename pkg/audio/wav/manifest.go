package wav

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ManifestFileName is the name of the sidecar manifest inside a session
// directory.
const ManifestFileName = "manifest.yaml"

const manifestVersion = 1

// Entry describes one raw file of a session.
type Entry struct {
	// Kind is the entity kind ("mixed", "participant", "share", "interpreter").
	Kind string `yaml:"kind"`

	// EntityID is the participant id for participant and share files.
	EntityID uint32 `yaml:"entity_id,omitempty"`

	// EntityName is the display name known when the file was created.
	EntityName string `yaml:"entity_name,omitempty"`

	// Language is the interpretation language tag for interpreter files.
	Language string `yaml:"language,omitempty"`

	Format `yaml:",inline"`

	CreatedAt time.Time `yaml:"created_at"`
}

// Manifest is the sidecar record of every raw file written into a session
// directory. It carries each file's format so conversion never has to guess.
//
// A Manifest is not safe for concurrent use; owners serialise access.
type Manifest struct {
	Version   int              `yaml:"version"`
	Session   string           `yaml:"session,omitempty"`
	CreatedAt time.Time        `yaml:"created_at"`
	Files     map[string]Entry `yaml:"files"`
}

// NewManifest returns an empty manifest for the named session.
func NewManifest(session string, createdAt time.Time) *Manifest {
	return &Manifest{
		Version:   manifestVersion,
		Session:   session,
		CreatedAt: createdAt.UTC(),
		Files:     make(map[string]Entry),
	}
}

// Add records e under the base name of a raw file. It reports whether the
// entry was new.
func (m *Manifest) Add(name string, e Entry) bool {
	if m.Files == nil {
		m.Files = make(map[string]Entry)
	}
	name = filepath.Base(name)
	if _, ok := m.Files[name]; ok {
		return false
	}
	e.Format = e.Format.withDefaults()
	e.CreatedAt = e.CreatedAt.UTC()
	m.Files[name] = e
	return true
}

// Lookup returns the entry recorded for the base name of a raw file.
func (m *Manifest) Lookup(name string) (Entry, bool) {
	if m == nil {
		return Entry{}, false
	}
	e, ok := m.Files[filepath.Base(name)]
	return e, ok
}

// Save writes the manifest into dir, replacing any previous version
// atomically.
func (m *Manifest) Save(dir string) (err error) {
	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("wav: encode manifest: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+ManifestFileName+".*.tmp")
	if err != nil {
		return fmt.Errorf("wav: create manifest temp file: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return fmt.Errorf("wav: write manifest: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("wav: close manifest: %w", err)
	}
	if err = os.Rename(tmp.Name(), filepath.Join(dir, ManifestFileName)); err != nil {
		return fmt.Errorf("wav: rename manifest: %w", err)
	}
	return nil
}

// LoadManifest reads the manifest in dir. A missing manifest is not an
// error: an empty manifest is returned so callers fall back to file names.
func LoadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFileName))
	if errors.Is(err, fs.ErrNotExist) {
		return &Manifest{Version: manifestVersion, Files: make(map[string]Entry)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("wav: read manifest: %w", err)
	}

	m := &Manifest{}
	if err := yaml.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("wav: decode manifest: %w", err)
	}
	if m.Files == nil {
		m.Files = make(map[string]Entry)
	}
	return m, nil
}
