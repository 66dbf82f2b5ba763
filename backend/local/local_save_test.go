package local

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/arcticdiv/USBHelperLauncher/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTitleID = "0005000010144f00"

func newTestBackend(t *testing.T) (*Backend, string) {
	dir := t.TempDir()
	return New(config.Simple{config.KeyLocalSaveFolder: dir}), dir
}

func TestLogin(t *testing.T) {
	b, _ := newTestBackend(t)
	assert.True(t, b.Login(context.Background()).IsSuccess())

	b = New(config.Simple{config.KeyLocalSaveFolder: "/does/not/exist"})
	res := b.Login(context.Background())
	require.False(t, res.IsSuccess())
	assert.Equal(t, `Directory "/does/not/exist" does not exist`, res.Error())
}

func TestUploadThenGet(t *testing.T) {
	b, dir := newTestBackend(t)
	data := []byte("save data")

	res := b.UploadSave(context.Background(), testTitleID, data)
	require.True(t, res.IsSuccess())
	assert.Regexp(t, `^[0-9A-F]{32}$`, res.Value())

	written, err := os.ReadFile(filepath.Join(dir, testTitleID+".zip"))
	require.NoError(t, err)
	assert.Equal(t, data, written)

	got := b.GetSave(context.Background(), testTitleID)
	require.True(t, got.IsSuccess())
	assert.Equal(t, data, got.Value())

	hash := b.GetSaveHash(context.Background(), testTitleID)
	require.True(t, hash.IsSuccess())
	assert.Equal(t, res.Value(), hash.Value())
}

func TestGetSaveHashMissing(t *testing.T) {
	b, _ := newTestBackend(t)
	res := b.GetSaveHash(context.Background(), "deadbeefdeadbeef")
	require.True(t, res.IsSuccess())
	assert.Equal(t, "", res.Value())
}

func TestListSaves(t *testing.T) {
	b, dir := newTestBackend(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, testTitleID+".zip"), []byte("one"), 0666))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "deadbeefdeadbeef.zip"), []byte("two2"), 0666))
	// Files that don't look like saves are skipped.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0666))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "subdir"), 0777))

	res := b.ListSaves(context.Background())
	require.True(t, res.IsSuccess())
	items := res.Value()
	require.Len(t, items, 2)
	byTitle := map[string]uint64{}
	for _, item := range items {
		byTitle[item.TitleID] = item.Size
		assert.Regexp(t, `^[0-9A-F]{32}$`, item.Hash)
		assert.NotZero(t, item.Timestamp)
	}
	assert.Equal(t, uint64(3), byTitle[testTitleID])
	assert.Equal(t, uint64(4), byTitle["deadbeefdeadbeef"])
}

func TestDeleteSave(t *testing.T) {
	b, dir := newTestBackend(t)
	path := filepath.Join(dir, testTitleID+".zip")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0666))

	assert.True(t, b.DeleteSave(context.Background(), testTitleID).IsSuccess())
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// Deleting again is fine.
	assert.True(t, b.DeleteSave(context.Background(), testTitleID).IsSuccess())
}

func TestAuthorize(t *testing.T) {
	b, _ := newTestBackend(t)
	assert.NoError(t, b.Authorize(context.Background()))
}
