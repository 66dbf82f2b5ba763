// Package cloudsave defines the contract shared by all cloud-save storage
// backends, along with the helpers the backends have in common.
package cloudsave

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/arcticdiv/USBHelperLauncher/lib/result"
)

// ListItem is one remote save record from a backend listing.
//
// Hash is the backend-native content hash in hex - a plain MD5 for most
// backends, Dropbox's own content hash for Dropbox. Items are built fresh
// for each listing call and never persisted.
type ListItem struct {
	Hash      string
	TitleID   string
	Timestamp uint64 // last modified, Unix seconds
	Size      uint64 // bytes
}

// Backend is the operation set every storage backend implements.
//
// All methods surface expected failures (rejected credentials, missing
// files, network errors) through the Result channel - none of them panic
// for those.
type Backend interface {
	// Login validates the current credentials against the remote
	// service. It does not mutate them.
	Login(ctx context.Context) result.Result[result.Void]

	// ListSaves enumerates all valid save files known to the backend,
	// following pagination internally until no pages remain.
	ListSaves(ctx context.Context) result.Result[[]ListItem]

	// GetSaveHash returns the hex hash of the save for titleID, or an
	// empty string if the title has no save.
	GetSaveHash(ctx context.Context, titleID string) result.Result[string]

	// GetSave returns the full save payload.
	GetSave(ctx context.Context, titleID string) result.Result[[]byte]

	// UploadSave stores the payload and returns the resulting hash as
	// reported or computed after the write.
	UploadSave(ctx context.Context, titleID string, data []byte) result.Result[string]

	// DeleteSave removes the save, or moves it to trash where the
	// backend supports that.
	DeleteSave(ctx context.Context, titleID string) result.Result[result.Void]

	// Authorize runs the backend's interactive credential acquisition
	// flow. It is user initiated rather than request driven, so it
	// reports errors directly instead of through a Result.
	Authorize(ctx context.Context) error
}

// BackendType selects one of the closed set of backends.
type BackendType int

// The known backends. The set is closed and versioned together with the
// wire protocol, so selection is by explicit lookup rather than open
// registration.
const (
	USBHelper BackendType = iota
	Dropbox
	GoogleDrive
	Local
)

var backendNames = map[BackendType]string{
	USBHelper:   "usbhelper",
	Dropbox:     "dropbox",
	GoogleDrive: "drive",
	Local:       "local",
}

var backendDescriptions = map[BackendType]string{
	USBHelper:   "USB Helper Cloud",
	Dropbox:     "Dropbox",
	GoogleDrive: "Google Drive",
	Local:       "Local Folder",
}

// String returns the config name of the backend type.
func (t BackendType) String() string {
	if name, ok := backendNames[t]; ok {
		return name
	}
	return fmt.Sprintf("BackendType(%d)", int(t))
}

// Description returns the human readable name of the backend type.
func (t BackendType) Description() string {
	return backendDescriptions[t]
}

// ParseBackendType parses a config name into a BackendType.
func ParseBackendType(s string) (BackendType, error) {
	for t, name := range backendNames {
		if strings.EqualFold(s, name) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown cloud save backend %q", s)
}

var fileNameMatcher = regexp.MustCompile(`(?i)^[0-9a-f]{16}\.zip$`)

// IsValidFileName reports whether fileName names a save in this domain:
// 16 hex digits followed by ".zip", case-insensitively. Listings must
// filter with this so unrelated files never surface as saves.
func IsValidFileName(fileName string) bool {
	return fileNameMatcher.MatchString(fileName)
}

// FileNameForTitleID maps a title id to its save file name.
func FileNameForTitleID(titleID string) string {
	return strings.ToLower(titleID + ".zip")
}

// TitleIDForFileName maps a valid save file name back to its title id.
func TitleIDForFileName(fileName string) string {
	return fileName[:len(fileName)-len(".zip")]
}
