// Package drive implements a save backend storing archives in a
// Google Drive application folder.
package drive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/arcticdiv/USBHelperLauncher/cloudsave"
	"github.com/arcticdiv/USBHelperLauncher/config"
	"github.com/arcticdiv/USBHelperLauncher/lib/oauthutil"
	"github.com/arcticdiv/USBHelperLauncher/lib/result"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	drive "google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	folderMimeType = "application/vnd.google-apps.folder"
	zipMimeType    = "application/zip"

	// config keys within the backend's section
	keyClientID     = "client_id"
	keyClientSecret = "client_secret"
	keyAppFolderID  = "app_folder_id"
)

// Backend talks to the Drive API. Saves live as "<titleid>.zip"
// inside a dedicated application folder at the root of the drive.
type Backend struct {
	m          config.Mapper
	httpClient *http.Client
	authorizer *oauthutil.Authorizer
	oauthCfg   *oauth2.Config

	mu          sync.Mutex
	svc         *drive.Service
	appFolderID string
}

// New creates a Backend. The Drive service is built lazily from the
// token stored in m.
func New(client *http.Client, m config.Mapper) *Backend {
	clientID, _ := m.Get(keyClientID)
	clientSecret, _ := m.Get(keyClientSecret)
	oauthCfg := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Scopes:       []string{drive.DriveFileScope},
		Endpoint:     google.Endpoint,
		RedirectURL:  oauthutil.RedirectURL,
	}
	return &Backend{
		m:          m,
		httpClient: client,
		oauthCfg:   oauthCfg,
		authorizer: oauthutil.NewAuthorizer("drive", &oauthutil.Options{
			OAuth2Config: oauthCfg,
		}),
	}
}

// service returns the Drive service, building it from the stored
// token on first use.
func (b *Backend) service(ctx context.Context) (*drive.Service, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.svc == nil {
		oAuthClient, _, err := oauthutil.NewClient(oauthutil.Context(context.Background(), b.httpClient), "drive", b.m, b.oauthCfg)
		if err != nil {
			return nil, err
		}
		svc, err := drive.NewService(ctx, option.WithHTTPClient(oAuthClient))
		if err != nil {
			return nil, fmt.Errorf("couldn't create Drive client: %w", err)
		}
		b.svc = svc
	}
	return b.svc, nil
}

// reset drops the cached service and app folder id so the next call
// picks up a new token.
func (b *Backend) reset() {
	b.mu.Lock()
	b.svc = nil
	b.appFolderID = ""
	b.mu.Unlock()
}

// Login checks that the stored token still grants API access.
func (b *Backend) Login(ctx context.Context) result.Result[result.Void] {
	svc, err := b.service(ctx)
	if err != nil {
		return result.FromError[result.Void](err)
	}
	if _, err := svc.About.Get().Fields("kind").Context(ctx).Do(); err != nil {
		return result.FromError[result.Void](err)
	}
	return result.Done()
}

// ListSaves returns all saves in the application folder.
func (b *Backend) ListSaves(ctx context.Context) result.Result[[]cloudsave.ListItem] {
	svc, err := b.service(ctx)
	if err != nil {
		return result.FromError[[]cloudsave.ListItem](err)
	}
	folderID, err := b.getOrCreateAppFolder(ctx, svc)
	if err != nil {
		return result.FromError[[]cloudsave.ListItem](err)
	}
	q := fmt.Sprintf("trashed = false and '%s' in parents", folderID)
	entries, err := listAll(ctx, svc, q, "files(name, modifiedTime, size, md5Checksum)")
	if err != nil {
		return result.FromError[[]cloudsave.ListItem](err)
	}
	items := make([]cloudsave.ListItem, 0, len(entries))
	for _, entry := range entries {
		if !cloudsave.IsValidFileName(entry.Name) {
			continue
		}
		item := cloudsave.ListItem{
			Hash:    entry.Md5Checksum,
			TitleID: cloudsave.TitleIDForFileName(entry.Name),
			Size:    uint64(entry.Size),
		}
		if t, err := parseTime(entry.ModifiedTime); err == nil {
			item.Timestamp = uint64(t.Unix())
		}
		items = append(items, item)
	}
	return result.Success(items)
}

// GetSaveHash returns the MD5 checksum Drive stores for the save, or
// an empty string when no save exists for titleID.
func (b *Backend) GetSaveHash(ctx context.Context, titleID string) result.Result[string] {
	svc, err := b.service(ctx)
	if err != nil {
		return result.FromError[string](err)
	}
	file, err := b.fileForTitleID(ctx, svc, titleID, "files(md5Checksum)")
	if err != nil {
		return result.FromError[string](err)
	}
	if file == nil {
		return result.Success("")
	}
	return result.Success(file.Md5Checksum)
}

// GetSave downloads the save for titleID.
func (b *Backend) GetSave(ctx context.Context, titleID string) result.Result[[]byte] {
	svc, err := b.service(ctx)
	if err != nil {
		return result.FromError[[]byte](err)
	}
	file, err := b.fileForTitleID(ctx, svc, titleID, "files(id)")
	if err != nil {
		return result.FromError[[]byte](err)
	}
	if file == nil {
		return result.Failuref[[]byte]("no save stored for title %s", titleID)
	}
	resp, err := svc.Files.Get(file.Id).Context(ctx).Download()
	if err != nil {
		return result.FromError[[]byte](err)
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return result.FromError[[]byte](err)
	}
	return result.Success(data)
}

// UploadSave stores the save for titleID, updating the existing file
// if there is one, and returns the MD5 checksum Drive computed.
func (b *Backend) UploadSave(ctx context.Context, titleID string, data []byte) result.Result[string] {
	svc, err := b.service(ctx)
	if err != nil {
		return result.FromError[string](err)
	}
	existing, err := b.fileForTitleID(ctx, svc, titleID, "files(id)")
	if err != nil {
		return result.FromError[string](err)
	}

	var uploaded *drive.File
	if existing == nil {
		folderID, err := b.getOrCreateAppFolder(ctx, svc)
		if err != nil {
			return result.FromError[string](err)
		}
		uploaded, err = svc.Files.Create(&drive.File{
			Name:    cloudsave.FileNameForTitleID(titleID),
			Parents: []string{folderID},
		}).Media(bytes.NewReader(data), googleapi.ContentType(zipMimeType)).Fields("md5Checksum").Context(ctx).Do()
		if err != nil {
			return result.FromError[string](err)
		}
	} else {
		uploaded, err = svc.Files.Update(existing.Id, &drive.File{}).Media(bytes.NewReader(data), googleapi.ContentType(zipMimeType)).Fields("md5Checksum").Context(ctx).Do()
		if err != nil {
			return result.FromError[string](err)
		}
	}
	return result.Success(uploaded.Md5Checksum)
}

// DeleteSave moves the stored save for titleID to the trash rather
// than deleting it permanently.
func (b *Backend) DeleteSave(ctx context.Context, titleID string) result.Result[result.Void] {
	svc, err := b.service(ctx)
	if err != nil {
		return result.FromError[result.Void](err)
	}
	file, err := b.fileForTitleID(ctx, svc, titleID, "files(id)")
	if err != nil {
		return result.FromError[result.Void](err)
	}
	if file == nil {
		return result.Failuref[result.Void]("no save stored for title %s", titleID)
	}
	if _, err := svc.Files.Update(file.Id, &drive.File{Trashed: true}).Context(ctx).Do(); err != nil {
		return result.FromError[result.Void](err)
	}
	return result.Done()
}

// Authorize runs the browser based code grant flow and stores the
// resulting token.
func (b *Backend) Authorize(ctx context.Context) error {
	_, err := b.authorizer.Authorize(ctx, b.m)
	if err != nil {
		return fmt.Errorf("drive authorization failed: %w", err)
	}
	b.reset()
	return nil
}

// getOrCreateAppFolder resolves the application folder id, checking
// the in-memory cache, then the stored id, then a search by name, and
// finally creating the folder.
func (b *Backend) getOrCreateAppFolder(ctx context.Context, svc *drive.Service) (string, error) {
	b.mu.Lock()
	cached := b.appFolderID
	b.mu.Unlock()
	if cached != "" {
		return cached, nil
	}

	folderID := ""
	if stored, _ := b.m.Get(keyAppFolderID); stored != "" {
		existing, err := svc.Files.Get(stored).Fields("trashed").Context(ctx).Do()
		if err != nil && !isNotFound(err) {
			return "", err
		}
		if err == nil && !existing.Trashed {
			folderID = stored
		}
	}

	if folderID == "" {
		name := config.GetDefault(b.m, config.KeyDriveAppFolder, config.DefaultDriveAppFolder)
		q := fmt.Sprintf("trashed = false and name = '%s' and mimeType = '%s' and 'root' in parents", name, folderMimeType)
		found, err := listAll(ctx, svc, q, "files(id)")
		if err != nil {
			return "", err
		}
		if len(found) > 0 {
			folderID = found[0].Id
		} else {
			folder, err := svc.Files.Create(&drive.File{
				Name:     name,
				MimeType: folderMimeType,
			}).Fields("id").Context(ctx).Do()
			if err != nil {
				return "", err
			}
			folderID = folder.Id
		}
	}

	b.mu.Lock()
	b.appFolderID = folderID
	b.mu.Unlock()
	b.m.Set(keyAppFolderID, folderID)
	return folderID, nil
}

// fileForTitleID finds the save file for titleID inside the app
// folder, returning nil when there is none.
func (b *Backend) fileForTitleID(ctx context.Context, svc *drive.Service, titleID, fields string) (*drive.File, error) {
	folderID, err := b.getOrCreateAppFolder(ctx, svc)
	if err != nil {
		return nil, err
	}
	q := fmt.Sprintf("trashed = false and name = '%s' and '%s' in parents", cloudsave.FileNameForTitleID(titleID), folderID)
	found, err := listAll(ctx, svc, q, fields)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, nil
	}
	return found[0], nil
}

// listAll runs a files.list query, following page tokens until the
// listing is exhausted.
func listAll(ctx context.Context, svc *drive.Service, q, fields string) ([]*drive.File, error) {
	var out []*drive.File
	pageToken := ""
	for {
		res, err := svc.Files.List().Q(q).Fields(googleapi.Field(fields), "nextPageToken").PageToken(pageToken).Context(ctx).Do()
		if err != nil {
			return nil, err
		}
		out = append(out, res.Files...)
		pageToken = res.NextPageToken
		if pageToken == "" {
			return out, nil
		}
	}
}

// parseTime parses the RFC 3339 timestamps the Drive API returns.
func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

func isNotFound(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusNotFound
}

var _ cloudsave.Backend = (*Backend)(nil)
