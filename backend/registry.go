// Package backend wires the individual save backends to the config
// file and selects the active one.
package backend

import (
	"net/http"

	"github.com/arcticdiv/USBHelperLauncher/backend/drive"
	"github.com/arcticdiv/USBHelperLauncher/backend/dropbox"
	"github.com/arcticdiv/USBHelperLauncher/backend/local"
	"github.com/arcticdiv/USBHelperLauncher/backend/usbhelper"
	"github.com/arcticdiv/USBHelperLauncher/cloudsave"
	"github.com/arcticdiv/USBHelperLauncher/config"
	"github.com/sirupsen/logrus"
)

// Set holds one instance of every save backend, sharing a single
// config store and HTTP client.
type Set struct {
	store     *config.Storage
	backends  map[cloudsave.BackendType]cloudsave.Backend
	usbhelper *usbhelper.Backend
}

// NewSet builds all backends against the given config store. client
// may be nil to use http.DefaultClient.
func NewSet(client *http.Client, store *config.Storage) *Set {
	if client == nil {
		client = http.DefaultClient
	}
	launcher := store.Section(config.LauncherSection)
	usb := usbhelper.New(client, launcher)
	return &Set{
		store:     store,
		usbhelper: usb,
		backends: map[cloudsave.BackendType]cloudsave.Backend{
			cloudsave.USBHelper:   usb,
			cloudsave.Dropbox:     dropbox.New(client, store.Section("dropbox")),
			cloudsave.GoogleDrive: drive.New(client, store.Section("drive")),
			cloudsave.Local:       local.New(launcher),
		},
	}
}

// Get returns the backend for the given type.
func (s *Set) Get(t cloudsave.BackendType) (cloudsave.Backend, bool) {
	b, ok := s.backends[t]
	return b, ok
}

// CurrentType reads the active backend type from the config file.
// Unset or unknown values fall back to the USB Helper service so the
// launcher keeps working with existing configs.
func (s *Set) CurrentType() cloudsave.BackendType {
	name, ok := s.store.Section(config.LauncherSection).Get(config.KeyBackend)
	if !ok || name == "" {
		return cloudsave.USBHelper
	}
	t, err := cloudsave.ParseBackendType(name)
	if err != nil {
		logrus.Warnf("config: %v, falling back to %v", err, cloudsave.USBHelper)
		return cloudsave.USBHelper
	}
	return t
}

// Current returns the active backend. The config value is read on
// every call so a backend switch takes effect immediately.
func (s *Set) Current() cloudsave.Backend {
	return s.backends[s.CurrentType()]
}

// USBHelper returns the USB Helper backend so callers can feed it the
// credentials extracted from intercepted requests.
func (s *Set) USBHelper() *usbhelper.Backend {
	return s.usbhelper
}
