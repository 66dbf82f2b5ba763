// Package dropbox implements a save backend storing archives in a
// Dropbox app folder.
package dropbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/arcticdiv/USBHelperLauncher/cloudsave"
	"github.com/arcticdiv/USBHelperLauncher/config"
	"github.com/arcticdiv/USBHelperLauncher/lib/oauthutil"
	"github.com/arcticdiv/USBHelperLauncher/lib/result"
	"github.com/dropbox/dropbox-sdk-go-unofficial/v6/dropbox"
	"github.com/dropbox/dropbox-sdk-go-unofficial/v6/dropbox/files"
	"github.com/dropbox/dropbox-sdk-go-unofficial/v6/dropbox/users"
	"golang.org/x/oauth2"
)

// appKey identifies the registered Dropbox app. The app uses the
// implicit grant, so there is no secret.
const appKey = "ze6nrgrrhbr255d"

var dropboxEndpoint = oauth2.Endpoint{
	AuthURL:  "https://www.dropbox.com/oauth2/authorize",
	TokenURL: "https://api.dropboxapi.com/oauth2/token",
}

// Backend talks to the Dropbox API. Saves live at the root of the
// app folder as "<titleid>.zip".
type Backend struct {
	m          config.Mapper
	httpClient *http.Client
	authorizer *oauthutil.Authorizer

	mu    sync.Mutex
	files files.Client
	users users.Client
}

// New creates a Backend. API clients are built lazily from the token
// stored in m.
func New(client *http.Client, m config.Mapper) *Backend {
	return &Backend{
		m:          m,
		httpClient: client,
		authorizer: oauthutil.NewAuthorizer("dropbox", &oauthutil.Options{
			OAuth2Config: &oauth2.Config{
				ClientID:    appKey,
				Endpoint:    dropboxEndpoint,
				RedirectURL: oauthutil.RedirectURL,
			},
			Implicit: true,
		}),
	}
}

// clients returns the API clients, building them from the stored
// token on first use.
func (b *Backend) clients() (files.Client, users.Client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.files == nil {
		token := ""
		if t, err := oauthutil.GetToken("dropbox", b.m); err == nil {
			token = t.AccessToken
		}
		cfg := dropbox.Config{
			Token:  token,
			Client: b.httpClient,
		}
		b.files = files.New(cfg)
		b.users = users.New(cfg)
	}
	return b.files, b.users
}

// reset drops the cached API clients so the next call picks up a new
// token.
func (b *Backend) reset() {
	b.mu.Lock()
	b.files = nil
	b.users = nil
	b.mu.Unlock()
}

func pathForTitleID(titleID string) string {
	return "/" + cloudsave.FileNameForTitleID(titleID)
}

// Login checks that a token is present and valid.
func (b *Backend) Login(ctx context.Context) result.Result[result.Void] {
	if _, err := oauthutil.GetToken("dropbox", b.m); err != nil {
		if errors.Is(err, oauthutil.ErrTokenAbsent) {
			return result.Failure[result.Void]("No Dropbox token set")
		}
		return result.FromError[result.Void](err)
	}
	_, usersClient := b.clients()
	if _, err := usersClient.GetCurrentAccount(); err != nil {
		return result.FromError[result.Void](err)
	}
	return result.Done()
}

// ListSaves returns all saves in the app folder, following the list
// cursor until exhausted.
func (b *Backend) ListSaves(ctx context.Context) result.Result[[]cloudsave.ListItem] {
	filesClient, _ := b.clients()
	var entries []files.IsMetadata
	res, err := filesClient.ListFolder(files.NewListFolderArg(""))
	if err != nil {
		return result.FromError[[]cloudsave.ListItem](err)
	}
	entries = append(entries, res.Entries...)
	for res.HasMore {
		res, err = filesClient.ListFolderContinue(files.NewListFolderContinueArg(res.Cursor))
		if err != nil {
			return result.FromError[[]cloudsave.ListItem](err)
		}
		entries = append(entries, res.Entries...)
	}

	items := make([]cloudsave.ListItem, 0, len(entries))
	for _, entry := range entries {
		file, ok := entry.(*files.FileMetadata)
		if !ok || !cloudsave.IsValidFileName(file.Name) {
			continue
		}
		items = append(items, cloudsave.ListItem{
			Hash:      file.ContentHash,
			TitleID:   cloudsave.TitleIDForFileName(file.Name),
			Timestamp: uint64(file.ServerModified.Unix()),
			Size:      file.Size,
		})
	}
	return result.Success(items)
}

// GetSaveHash returns the content hash of the stored save, or an
// empty string when no save exists for titleID.
func (b *Backend) GetSaveHash(ctx context.Context, titleID string) result.Result[string] {
	filesClient, _ := b.clients()
	entry, err := filesClient.GetMetadata(files.NewGetMetadataArg(pathForTitleID(titleID)))
	if err != nil {
		if isNotFound(err) {
			return result.Success("")
		}
		return result.FromError[string](err)
	}
	file, ok := entry.(*files.FileMetadata)
	if !ok {
		return result.Success("")
	}
	return result.Success(file.ContentHash)
}

// GetSave downloads the save for titleID.
func (b *Backend) GetSave(ctx context.Context, titleID string) result.Result[[]byte] {
	filesClient, _ := b.clients()
	_, content, err := filesClient.Download(files.NewDownloadArg(pathForTitleID(titleID)))
	if err != nil {
		return result.FromError[[]byte](err)
	}
	defer func() { _ = content.Close() }()
	data, err := io.ReadAll(content)
	if err != nil {
		return result.FromError[[]byte](err)
	}
	return result.Success(data)
}

// UploadSave stores the save for titleID, overwriting any previous
// one, and returns the resulting content hash.
func (b *Backend) UploadSave(ctx context.Context, titleID string, data []byte) result.Result[string] {
	filesClient, _ := b.clients()
	commitInfo := files.NewCommitInfo(pathForTitleID(titleID))
	commitInfo.Mode.Tag = "overwrite"
	file, err := filesClient.Upload(&files.UploadArg{CommitInfo: *commitInfo}, bytes.NewReader(data))
	if err != nil {
		return result.FromError[string](err)
	}
	return result.Success(file.ContentHash)
}

// DeleteSave removes the stored save for titleID.
func (b *Backend) DeleteSave(ctx context.Context, titleID string) result.Result[result.Void] {
	filesClient, _ := b.clients()
	if _, err := filesClient.DeleteV2(files.NewDeleteArg(pathForTitleID(titleID))); err != nil {
		return result.FromError[result.Void](err)
	}
	return result.Done()
}

// Authorize runs the browser based implicit grant flow and stores the
// resulting token.
func (b *Backend) Authorize(ctx context.Context) error {
	_, err := b.authorizer.Authorize(ctx, b.m)
	if err != nil {
		return fmt.Errorf("dropbox authorization failed: %w", err)
	}
	b.reset()
	return nil
}

// isNotFound reports whether err is the API telling us the path
// doesn't exist.
func isNotFound(err error) bool {
	switch e := err.(type) {
	case files.GetMetadataAPIError:
		return e.EndpointError != nil && e.EndpointError.Path != nil && e.EndpointError.Path.Tag == files.LookupErrorNotFound
	}
	return false
}

var _ cloudsave.Backend = (*Backend)(nil)
