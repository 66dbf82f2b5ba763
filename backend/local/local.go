// Package local implements a save backend storing archives in a
// directory on the local disk.
package local

import (
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/arcticdiv/USBHelperLauncher/cloudsave"
	"github.com/arcticdiv/USBHelperLauncher/config"
	"github.com/arcticdiv/USBHelperLauncher/lib/result"
)

// Backend stores each save as "<titleid>.zip" inside a configured
// folder.
type Backend struct {
	m config.Mapper
}

// New creates a Backend reading the folder from m on every call, so
// config changes take effect without a restart.
func New(m config.Mapper) *Backend {
	return &Backend{m: m}
}

func (b *Backend) folder() string {
	folder, _ := b.m.Get(config.KeyLocalSaveFolder)
	return folder
}

func (b *Backend) pathForTitleID(titleID string) string {
	return filepath.Join(b.folder(), cloudsave.FileNameForTitleID(titleID))
}

// Login checks that the configured folder exists.
func (b *Backend) Login(ctx context.Context) result.Result[result.Void] {
	folder := b.folder()
	fi, err := os.Stat(folder)
	if err != nil || !fi.IsDir() {
		return result.Failuref[result.Void]("Directory %q does not exist", folder)
	}
	return result.Done()
}

// ListSaves returns one entry per valid save file in the folder.
func (b *Backend) ListSaves(ctx context.Context) result.Result[[]cloudsave.ListItem] {
	entries, err := os.ReadDir(b.folder())
	if err != nil {
		return result.FromError[[]cloudsave.ListItem](err)
	}
	items := make([]cloudsave.ListItem, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !cloudsave.IsValidFileName(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return result.FromError[[]cloudsave.ListItem](err)
		}
		titleID := cloudsave.TitleIDForFileName(entry.Name())
		hash, err := b.hashFile(b.pathForTitleID(titleID))
		if err != nil {
			return result.FromError[[]cloudsave.ListItem](err)
		}
		items = append(items, cloudsave.ListItem{
			Hash:      hash,
			TitleID:   titleID,
			Timestamp: uint64(info.ModTime().Unix()),
			Size:      uint64(info.Size()),
		})
	}
	return result.Success(items)
}

// GetSaveHash returns the MD5 of the stored save, or an empty string
// when no save exists for titleID.
func (b *Backend) GetSaveHash(ctx context.Context, titleID string) result.Result[string] {
	path := b.pathForTitleID(titleID)
	hash, err := b.hashFile(path)
	if os.IsNotExist(err) {
		return result.Success("")
	}
	if err != nil {
		return result.FromError[string](err)
	}
	return result.Success(hash)
}

// GetSave reads the stored save for titleID.
func (b *Backend) GetSave(ctx context.Context, titleID string) result.Result[[]byte] {
	data, err := os.ReadFile(b.pathForTitleID(titleID))
	if err != nil {
		return result.FromError[[]byte](err)
	}
	return result.Success(data)
}

// UploadSave writes the save to the folder, creating it if needed,
// and returns the MD5 of the written data.
func (b *Backend) UploadSave(ctx context.Context, titleID string, data []byte) result.Result[string] {
	path := b.pathForTitleID(titleID)
	if err := os.MkdirAll(filepath.Dir(path), 0777); err != nil {
		return result.FromError[string](err)
	}
	if err := os.WriteFile(path, data, 0666); err != nil {
		return result.FromError[string](err)
	}
	return result.Success(fmt.Sprintf("%X", md5.Sum(data)))
}

// DeleteSave removes the stored save. Deleting a save that doesn't
// exist is not an error.
func (b *Backend) DeleteSave(ctx context.Context, titleID string) result.Result[result.Void] {
	err := os.Remove(b.pathForTitleID(titleID))
	if err != nil && !os.IsNotExist(err) {
		return result.FromError[result.Void](err)
	}
	return result.Done()
}

// Authorize is a no-op, the folder needs no credentials.
func (b *Backend) Authorize(ctx context.Context) error {
	return nil
}

func (b *Backend) hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%X", h.Sum(nil)), nil
}

var _ cloudsave.Backend = (*Backend)(nil)
