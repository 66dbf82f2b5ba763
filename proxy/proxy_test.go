package proxy

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/arcticdiv/USBHelperLauncher/backend"
	"github.com/arcticdiv/USBHelperLauncher/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTitleID = "0123456789abcdef"

type testEnv struct {
	ts      *httptest.Server
	store   *config.Storage
	saveDir string
}

func newTestEnv(t *testing.T) *testEnv {
	dir := t.TempDir()
	saveDir := filepath.Join(dir, "saves")
	require.NoError(t, os.Mkdir(saveDir, 0777))

	store, err := config.Load(filepath.Join(dir, "launcher.cfg"))
	require.NoError(t, err)
	launcher := store.Section(config.LauncherSection)
	launcher.Set(config.KeyBackend, "local")
	launcher.Set(config.KeyLocalSaveFolder, saveDir)

	backends := backend.NewSet(nil, store)
	hashes := NewHashCache(filepath.Join(dir, "saveHashes"))
	srv := New(store, backends, hashes, nil)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testEnv{ts: ts, store: store, saveDir: saveDir}
}

func (e *testEnv) postForm(t *testing.T, path string, form url.Values) (*http.Response, []byte) {
	resp, err := http.Post(e.ts.URL+path, "application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	return resp, body
}

func (e *testEnv) postMultipart(t *testing.T, path, filename string, payload []byte) (*http.Response, []byte) {
	buf := new(bytes.Buffer)
	mw := multipart.NewWriter(buf)
	part, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(payload)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(e.ts.URL+path, mw.FormDataContentType(), buf)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	return resp, body
}

func TestLogin(t *testing.T) {
	e := newTestEnv(t)
	resp, body := e.postForm(t, "/saves/login.php", url.Values{"username": {"alice"}, "password": {"pw"}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))
}

func TestLoginFailure(t *testing.T) {
	e := newTestEnv(t)
	e.store.Section(config.LauncherSection).Set(config.KeyLocalSaveFolder, "/does/not/exist")

	resp, body := e.postForm(t, "/saves/login.php", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.HasPrefix(string(body), "Error:\n"), "body %q", body)
}

func TestUploadSaveCreatesFile(t *testing.T) {
	e := newTestEnv(t)
	payload := make([]byte, 100)

	resp, body := e.postMultipart(t, "/saves/upload_save.php", "alice hashedpw "+testTitleID, payload)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))

	written, err := os.ReadFile(filepath.Join(e.saveDir, testTitleID+".zip"))
	require.NoError(t, err)
	assert.Equal(t, payload, written)
}

func TestUploadSaveB64(t *testing.T) {
	e := newTestEnv(t)
	filename := base64.StdEncoding.EncodeToString([]byte("alice hashedpw " + testTitleID))

	resp, body := e.postMultipart(t, "/saves/upload_save_b64.php", filename, []byte("data"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))

	_, err := os.Stat(filepath.Join(e.saveDir, testTitleID+".zip"))
	assert.NoError(t, err)
}

func TestUploadSaveMalformedBody(t *testing.T) {
	e := newTestEnv(t)
	resp, err := http.Post(e.ts.URL+"/saves/upload_save.php", "multipart/form-data; boundary=xyz", strings.NewReader("not multipart at all"))
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.HasPrefix(string(body), "Error:\n"), "body %q", body)

	// Nothing was handed to the backend.
	entries, err := os.ReadDir(e.saveDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestUploadSaveMalformedFilename(t *testing.T) {
	e := newTestEnv(t)
	resp, body := e.postMultipart(t, "/saves/upload_save.php", "onlyonepart", []byte("data"))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.HasPrefix(string(body), "Error:\n"), "body %q", body)
}

func TestGetSave(t *testing.T) {
	e := newTestEnv(t)
	payload := []byte("zip payload")
	require.NoError(t, os.WriteFile(filepath.Join(e.saveDir, testTitleID+".zip"), payload, 0666))

	resp, body := e.postForm(t, "/saves/get_save.php", url.Values{"titleid": {testTitleID}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, payload, body)
}

func TestGetSaveMissing(t *testing.T) {
	e := newTestEnv(t)
	resp, body := e.postForm(t, "/saves/get_save.php", url.Values{"titleid": {"deadbeefdeadbeef"}})
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.True(t, strings.HasPrefix(string(body), "Error:\n"), "body %q", body)
}

func TestGetSaveHashMissing(t *testing.T) {
	e := newTestEnv(t)
	resp, body := e.postForm(t, "/saves/get_save.php", url.Values{"titleid": {"deadbeefdeadbeef"}, "hash": {"true"}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body)
}

func TestGetSaveHashSuppression(t *testing.T) {
	e := newTestEnv(t)
	hashValues := url.Values{"titleid": {testTitleID}, "hash": {"true"}}

	require.NoError(t, os.WriteFile(filepath.Join(e.saveDir, testTitleID+".zip"), []byte("v1"), 0666))

	// First request reports the hash and records it.
	_, body := e.postForm(t, "/saves/get_save.php", hashValues)
	first := string(body)
	assert.Regexp(t, `^[0-9A-F]{32}$`, first)

	// Unchanged save, hash suppressed.
	_, body = e.postForm(t, "/saves/get_save.php", hashValues)
	assert.Empty(t, body)

	// Save changed, new hash reported once.
	require.NoError(t, os.WriteFile(filepath.Join(e.saveDir, testTitleID+".zip"), []byte("v2"), 0666))
	_, body = e.postForm(t, "/saves/get_save.php", hashValues)
	second := string(body)
	assert.Regexp(t, `^[0-9A-F]{32}$`, second)
	assert.NotEqual(t, first, second)

	_, body = e.postForm(t, "/saves/get_save.php", hashValues)
	assert.Empty(t, body)
}

func TestUploadPrimesHashCache(t *testing.T) {
	e := newTestEnv(t)
	_, body := e.postMultipart(t, "/saves/upload_save.php", "alice hashedpw "+testTitleID, []byte("data"))
	require.Equal(t, "OK", string(body))

	// The hash reported at upload time is already cached, so the
	// next hash request is suppressed.
	_, body = e.postForm(t, "/saves/get_save.php", url.Values{"titleid": {testTitleID}, "hash": {"true"}})
	assert.Empty(t, body)
}

func TestListSaves(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, os.WriteFile(filepath.Join(e.saveDir, testTitleID+".zip"), []byte("data"), 0666))

	resp, body := e.postForm(t, "/saves/list_saves.php", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var entries []map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, testTitleID, entries[0]["titleid"])
	assert.Equal(t, float64(4), entries[0]["size"])
}

func TestListSavesFailureStillJSON(t *testing.T) {
	e := newTestEnv(t)
	e.store.Section(config.LauncherSection).Set(config.KeyLocalSaveFolder, "/does/not/exist")

	resp, body := e.postForm(t, "/saves/list_saves.php", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "[]", string(body))

	var entries []interface{}
	require.NoError(t, json.Unmarshal(body, &entries))
	assert.Empty(t, entries)
}

func TestDeleteSave(t *testing.T) {
	e := newTestEnv(t)
	path := filepath.Join(e.saveDir, testTitleID+".zip")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0666))

	resp, body := e.postForm(t, "/saves/delete_save.php", url.Values{"titleid": {testTitleID}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body)

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestListModsStub(t *testing.T) {
	e := newTestEnv(t)
	resp, err := http.Get(e.ts.URL + "/mods/list_mods.php")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Equal(t, "[]", string(body))
}

func TestCommunitySaveUploadThenAdd(t *testing.T) {
	e := newTestEnv(t)
	payload := []byte("community save")

	var upstreamTitleID, upstreamDescription string
	var upstreamPayload []byte
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/communitysaves/add.php", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(1<<20))
		upstreamTitleID = r.MultipartForm.Value["titleid"][0]
		upstreamDescription = r.MultipartForm.Value["description"][0]
		file, _, err := r.FormFile("file")
		require.NoError(t, err)
		defer func() { _ = file.Close() }()
		upstreamPayload, err = io.ReadAll(file)
		require.NoError(t, err)
		_, _ = io.WriteString(w, "added")
	}))
	defer upstream.Close()
	e.store.Section(config.LauncherSection).Set(config.KeyCloudSaveURL, upstream.URL+"/")

	resp, body := e.postMultipart(t, "/communitysaves/upload.php", "whatever", payload)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, strings.Repeat("0", 32), string(body))

	resp, body = e.postForm(t, "/communitysaves/add.php", url.Values{
		"titleid":     {testTitleID},
		"description": {"my save"},
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "added", string(body))
	assert.Equal(t, testTitleID, upstreamTitleID)
	assert.Equal(t, "my save", upstreamDescription)
	assert.Equal(t, payload, upstreamPayload)
}

func TestCommunitySaveAddWithoutUpload(t *testing.T) {
	e := newTestEnv(t)
	resp, body := e.postForm(t, "/communitysaves/add.php", url.Values{"titleid": {testTitleID}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.HasPrefix(string(body), "Error:\n"), "body %q", body)
}

func TestCommunityPassthrough(t *testing.T) {
	e := newTestEnv(t)
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/communitysaves/list.php", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `[{"id":1}]`)
	}))
	defer upstream.Close()
	e.store.Section(config.LauncherSection).Set(config.KeyCloudSaveURL, upstream.URL+"/")

	resp, err := http.Get(e.ts.URL + "/communitysaves/list.php")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `[{"id":1}]`, string(body))
}
