// Package usbhelper implements the save backend talking to the
// proprietary USB Helper cloud save service.
package usbhelper

import (
	"context"
	"crypto/sha1"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/arcticdiv/USBHelperLauncher/cloudsave"
	"github.com/arcticdiv/USBHelperLauncher/config"
	"github.com/arcticdiv/USBHelperLauncher/lib/rest"
	"github.com/arcticdiv/USBHelperLauncher/lib/result"
)

// passwordSalt is prepended to the password before hashing. The
// upstream service expects exactly this value, so it can't change.
const passwordSalt = "this is a good salt"

// hashLength is the length in bytes of the binary save hash returned
// by the service.
const hashLength = 16

// listEntry is a single save in the service's JSON listing.
type listEntry struct {
	Hash      string `json:"md5"`
	TitleID   string `json:"titleid"`
	Timestamp uint64 `json:"date"`
	Size      uint64 `json:"size"`
}

// Backend talks to the USB Helper cloud save REST service.
type Backend struct {
	srv *rest.Client

	mu       sync.Mutex
	username string
	password string
}

// New creates a Backend reading the service URL from m.
func New(client *http.Client, m config.Mapper) *Backend {
	rootURL := config.GetDefault(m, config.KeyCloudSaveURL, config.DefaultCloudSaveURL)
	b := &Backend{
		srv: rest.NewClient(client).SetRoot(strings.TrimSuffix(rootURL, "/") + "/saves"),
	}
	b.srv.SetErrorHandler(errorHandler)
	return b
}

// errorHandler turns a non-2xx response into an error carrying the
// status line and body, matching what callers show to the user.
func errorHandler(resp *http.Response) error {
	body, err := rest.ReadBody(resp)
	if err != nil {
		body = []byte(fmt.Sprintf("error reading body: %v", err))
	}
	return fmt.Errorf("Request unsuccessful (%d %s):\n%s", resp.StatusCode, http.StatusText(resp.StatusCode), strings.TrimSpace(string(body)))
}

// SetCredentials updates the account used for subsequent requests.
func (b *Backend) SetCredentials(username, password string) {
	b.mu.Lock()
	b.username = username
	b.password = password
	b.mu.Unlock()
}

// credentials returns the current username and the hashed password.
func (b *Backend) credentials() (username, hashedPassword string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.username, hashPassword(b.password)
}

// hashPassword salts and hashes a password the way the service
// expects, returning upper case hex.
func hashPassword(password string) string {
	sum := sha1.Sum([]byte(passwordSalt + password))
	return fmt.Sprintf("%X", sum)
}

// post sends a form encoded POST to the named endpoint with the
// current credentials plus extra parameters and returns the raw body.
func (b *Backend) post(ctx context.Context, endpoint string, extra url.Values) ([]byte, error) {
	username, hashedPassword := b.credentials()
	params := url.Values{
		"username": {username},
		"password": {hashedPassword},
	}
	for k, vs := range extra {
		params[k] = vs
	}
	opts := rest.Opts{
		Method:      "POST",
		Path:        "/" + endpoint,
		Body:        strings.NewReader(params.Encode()),
		ContentType: "application/x-www-form-urlencoded",
	}
	resp, err := b.srv.Call(ctx, &opts)
	if err != nil {
		return nil, err
	}
	return rest.ReadBody(resp)
}

// Login verifies the current credentials against the service.
func (b *Backend) Login(ctx context.Context) result.Result[result.Void] {
	body, err := b.post(ctx, "login.php", nil)
	if err != nil {
		return result.FromError[result.Void](err)
	}
	if s := string(body); s != "OK" {
		return result.Failure[result.Void](s)
	}
	return result.Done()
}

// ListSaves returns all saves stored for the current account.
func (b *Backend) ListSaves(ctx context.Context) result.Result[[]cloudsave.ListItem] {
	body, err := b.post(ctx, "list_saves.php", nil)
	if err != nil {
		return result.FromError[[]cloudsave.ListItem](err)
	}
	var entries []listEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return result.FromError[[]cloudsave.ListItem](fmt.Errorf("invalid save listing: %w", err))
	}
	items := make([]cloudsave.ListItem, 0, len(entries))
	for _, e := range entries {
		items = append(items, cloudsave.ListItem{
			Hash:      e.Hash,
			TitleID:   e.TitleID,
			Timestamp: e.Timestamp,
			Size:      e.Size,
		})
	}
	return result.Success(items)
}

// GetSaveHash returns the hex hash of the stored save for titleID, or
// an empty string when no save exists.
func (b *Backend) GetSaveHash(ctx context.Context, titleID string) result.Result[string] {
	body, err := b.post(ctx, "get_save.php", url.Values{
		"titleid": {titleID},
		"hash":    {"true"},
	})
	if err != nil {
		return result.FromError[string](err)
	}
	if len(body) == 0 {
		return result.Success("")
	}
	// The hash comes back as raw bytes, anything else is an error
	// message from the service.
	if len(body) != hashLength || strings.HasPrefix(string(body), "Error") {
		return result.Failure[string](string(body))
	}
	return result.Success(fmt.Sprintf("%X", body))
}

// GetSave downloads the save archive for titleID.
func (b *Backend) GetSave(ctx context.Context, titleID string) result.Result[[]byte] {
	body, err := b.post(ctx, "get_save.php", url.Values{"titleid": {titleID}})
	if err != nil {
		return result.FromError[[]byte](err)
	}
	return result.Success(body)
}

// UploadSave stores a save archive for titleID and returns the hash
// the service computed for it.
func (b *Backend) UploadSave(ctx context.Context, titleID string, data []byte) result.Result[string] {
	username, hashedPassword := b.credentials()
	opts := rest.Opts{
		Method: "POST",
		Path:   "/upload_save.php",
		MultipartParams: url.Values{
			"username": {username},
			"password": {hashedPassword},
			"titleid":  {titleID},
		},
		MultipartContentName: "file",
		MultipartFileName:    "data.zip",
		Body:                 strings.NewReader(string(data)),
		IgnoreStatus:         true,
	}
	resp, err := b.srv.Call(ctx, &opts)
	if err != nil {
		return result.FromError[string](err)
	}
	body, err := rest.ReadBody(resp)
	if err != nil {
		return result.FromError[string](err)
	}
	// Success is "OK" followed by the binary hash of the stored file.
	if len(body) == 2+hashLength && string(body[:2]) == "OK" {
		return result.Success(fmt.Sprintf("%X", body[2:]))
	}
	return result.Failure[string](string(body))
}

// DeleteSave removes the stored save for titleID.
func (b *Backend) DeleteSave(ctx context.Context, titleID string) result.Result[result.Void] {
	body, err := b.post(ctx, "delete_save.php", url.Values{"titleid": {titleID}})
	if err != nil {
		return result.FromError[result.Void](err)
	}
	if s := string(body); s != "OK" {
		return result.Failure[result.Void](s)
	}
	return result.Done()
}

// Authorize is not supported, the service authenticates every request
// with the client's own credentials.
func (b *Backend) Authorize(ctx context.Context) error {
	return fmt.Errorf("%s does not support authorization", cloudsave.USBHelper.Description())
}

var _ cloudsave.Backend = (*Backend)(nil)
