// Package config implements the persisted key-value settings store.
//
// Settings and credentials live in one INI file. Backends receive a
// section scoped Mapper so that tokens, folder ids and such are read and
// written through the same store the launcher settings use. Sets are
// persisted immediately - a crash must not lose a freshly stored token.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/Unknwon/goconfig"

	"github.com/arcticdiv/USBHelperLauncher/cloudsave"
)

// Well known keys in the launcher section.
const (
	LauncherSection = "launcher"

	KeyBackend         = "cloud_save_backend"
	KeyCloudSaveURL    = "cloud_save_url"
	KeyLocalSaveFolder = "local_save_folder"
	KeyDriveAppFolder  = "drive_app_folder"
	KeySaveHashesDir   = "save_hashes_dir"

	// DefaultCloudSaveURL is the upstream base for the proprietary
	// cloud and the community save forwards.
	DefaultCloudSaveURL = "https://usbhelper.shiftinv.cc/cloud/"

	// DefaultDriveAppFolder is the application folder name created in
	// the user's Drive.
	DefaultDriveAppFolder = "USBHelperLauncher"
)

// Storage loads and saves the config data in a simple INI based file.
type Storage struct {
	mu   sync.Mutex
	path string
	gc   *goconfig.ConfigFile
}

// Load reads the config file at path, creating an empty store if the
// file does not exist yet.
func Load(path string) (*Storage, error) {
	s := &Storage{path: path}
	gc, err := goconfig.LoadConfigFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load config file %q: %w", path, err)
		}
		gc, err = goconfig.LoadFromData([]byte{})
		if err != nil {
			return nil, err
		}
	}
	s.gc = gc
	return s, nil
}

// GetValue returns the key in section, with ok false if not found.
func (s *Storage) GetValue(section, key string) (value string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, err := s.gc.GetValue(section, key)
	if err != nil {
		return "", false
	}
	return value, true
}

// SetValue sets the key in section and saves the file.
func (s *Storage) SetValue(section, key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gc.SetValue(section, key, value)
	if err := s._save(); err != nil {
		cloudsave.Errorf(nil, "Failed to save config file: %v", err)
	}
}

// Save writes the config data back to disk.
func (s *Storage) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s._save()
}

// _save writes the file. Call with the lock held.
func (s *Storage) _save() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return err
	}
	return goconfig.SaveConfigFile(s.gc, s.path)
}

// Section returns a Mapper scoped to one section of the store.
func (s *Storage) Section(section string) Mapper {
	return sectionMapper{storage: s, section: section}
}

type sectionMapper struct {
	storage *Storage
	section string
}

func (m sectionMapper) Get(key string) (value string, ok bool) {
	return m.storage.GetValue(m.section, key)
}

func (m sectionMapper) Set(key, value string) {
	m.storage.SetValue(m.section, key, value)
}

// GetDefault returns the value for key from m, or def when unset.
func GetDefault(m Getter, key, def string) string {
	if value, ok := m.Get(key); ok && value != "" {
		return value
	}
	return def
}
