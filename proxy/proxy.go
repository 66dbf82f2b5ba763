// Package proxy serves the endpoints USB Helper expects from
// cloud.wiiuusbhelper.com, dispatching save operations to the active
// backend.
package proxy

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/arcticdiv/USBHelperLauncher/backend"
	"github.com/arcticdiv/USBHelperLauncher/cloudsave"
	"github.com/arcticdiv/USBHelperLauncher/config"
	"github.com/arcticdiv/USBHelperLauncher/lib/formpart"
	"github.com/arcticdiv/USBHelperLauncher/lib/rest"
	"github.com/go-chi/chi/v5"
)

// Server handles intercepted requests for the cloud save subdomain.
type Server struct {
	store    *config.Storage
	backends *backend.Set
	hashes   *HashCache
	client   *http.Client
	rest     *rest.Client

	// community saves are uploaded in two requests, the file first
	// and its metadata second, so the payload is parked in between
	mu            sync.Mutex
	communitySave []byte
}

// New creates a Server. client is used for upstream requests and may
// be nil to use http.DefaultClient.
func New(store *config.Storage, backends *backend.Set, hashes *HashCache, client *http.Client) *Server {
	if client == nil {
		client = http.DefaultClient
	}
	return &Server{
		store:    store,
		backends: backends,
		hashes:   hashes,
		client:   client,
		rest:     rest.NewClient(client),
	}
}

// String is the prefix used for log output about this server.
func (s *Server) String() string {
	return "cloud"
}

// Router returns the request router for all intercepted endpoints.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Post("/saves/login.php", s.handleLogin)
	r.Post("/saves/list_saves.php", s.handleListSaves)
	r.Post("/saves/get_save.php", s.handleGetSave)
	r.Post("/saves/delete_save.php", s.handleDeleteSave)
	r.Post("/saves/upload_save.php", s.handleUploadSave)
	r.Post("/saves/upload_save_b64.php", s.handleUploadSave)
	r.HandleFunc("/mods/list_mods.php", s.handleListMods)
	r.Post("/communitysaves/upload.php", s.handleCommunityUpload)
	r.Post("/communitysaves/add.php", s.handleCommunityAdd)
	r.HandleFunc("/communitysaves/list.php", s.handlePassthrough)
	r.HandleFunc("/communitysaves/cdn/*", s.handlePassthrough)
	return r
}

// writeError reports a handler failure to the client. The client only
// handles error statuses for get_save.php, every other endpoint gets
// the error text with a 200 so it doesn't choke.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, text string) {
	if r.URL.Path == "/saves/get_save.php" {
		w.WriteHeader(http.StatusInternalServerError)
	}
	fmt.Fprintf(w, "Error:\n%s", text)
	cloudsave.Errorf(s, "error in %s handler:\n%s", r.URL.Path, text)
}

// setUSBHelperAuth forwards credentials from the intercepted request
// to the USB Helper backend, but only while it is the active one.
func (s *Server) setUSBHelperAuth(username, password string) {
	if s.backends.CurrentType() != cloudsave.USBHelper {
		return
	}
	s.backends.USBHelper().SetCredentials(username, password)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeError(w, r, err.Error())
		return
	}
	s.setUSBHelperAuth(r.PostForm.Get("username"), r.PostForm.Get("password"))
	if res := s.backends.Current().Login(r.Context()); !res.IsSuccess() {
		s.writeError(w, r, res.Error())
		return
	}
	_, _ = io.WriteString(w, "OK")
	cloudsave.Infof(s, "rewrote request for %s", r.URL.Path)
}

// saveListEntry is the JSON shape USB Helper expects from the save
// listing.
type saveListEntry struct {
	Hash      string `json:"md5"`
	TitleID   string `json:"titleid"`
	Timestamp uint64 `json:"date"`
	Size      uint64 `json:"size"`
}

func (s *Server) handleListSaves(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err == nil {
		s.setUSBHelperAuth(r.PostForm.Get("username"), r.PostForm.Get("password"))
	}
	w.Header().Set("Content-Type", "application/json")

	// The client can't cope with anything but a JSON array here, so
	// failures turn into an empty listing and only get logged.
	res := s.backends.Current().ListSaves(r.Context())
	if !res.IsSuccess() {
		cloudsave.Errorf(s, "error in %s handler:\n%s", r.URL.Path, res.Error())
		_, _ = io.WriteString(w, "[]")
		return
	}
	entries := make([]saveListEntry, 0, len(res.Value()))
	for _, item := range res.Value() {
		entries = append(entries, saveListEntry{
			Hash:      item.Hash,
			TitleID:   item.TitleID,
			Timestamp: item.Timestamp,
			Size:      item.Size,
		})
	}
	_ = json.NewEncoder(w).Encode(entries)
	cloudsave.Infof(s, "rewrote request for %s", r.URL.Path)
}

func (s *Server) handleGetSave(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeError(w, r, err.Error())
		return
	}
	s.setUSBHelperAuth(r.PostForm.Get("username"), r.PostForm.Get("password"))
	titleID := r.PostForm.Get("titleid")

	if r.PostForm.Get("hash") == "" {
		res := s.backends.Current().GetSave(r.Context(), titleID)
		if !res.IsSuccess() {
			s.writeError(w, r, res.Error())
			return
		}
		_, _ = w.Write(res.Value())
		cloudsave.Infof(s, "rewrote request for %s", r.URL.Path)
		return
	}

	res := s.backends.Current().GetSaveHash(r.Context(), titleID)
	if !res.IsSuccess() {
		s.writeError(w, r, res.Error())
		return
	}
	hash, err := s.hashes.Filter(titleID, res.Value())
	if err != nil {
		s.writeError(w, r, err.Error())
		return
	}
	_, _ = io.WriteString(w, hash)
	cloudsave.Infof(s, "rewrote request for %s", r.URL.Path)
}

func (s *Server) handleDeleteSave(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeError(w, r, err.Error())
		return
	}
	s.setUSBHelperAuth(r.PostForm.Get("username"), r.PostForm.Get("password"))
	if res := s.backends.Current().DeleteSave(r.Context(), r.PostForm.Get("titleid")); !res.IsSuccess() {
		s.writeError(w, r, res.Error())
		return
	}
	cloudsave.Infof(s, "rewrote request for %s", r.URL.Path)
}

func (s *Server) handleUploadSave(w http.ResponseWriter, r *http.Request) {
	payload, filename, err := s.readFormData(r)
	if err != nil {
		s.writeError(w, r, err.Error())
		return
	}
	if strings.HasSuffix(r.URL.Path, "_b64.php") {
		decoded, err := base64.StdEncoding.DecodeString(filename)
		if err != nil {
			s.writeError(w, r, fmt.Sprintf("invalid base64 filename: %v", err))
			return
		}
		filename = string(decoded)
	}
	parts := strings.SplitN(filename, " ", 3)
	if len(parts) != 3 {
		s.writeError(w, r, fmt.Sprintf("malformed filename %q", filename))
		return
	}
	username, password, titleID := parts[0], parts[1], parts[2]
	s.setUSBHelperAuth(username, password)

	res := s.backends.Current().UploadSave(r.Context(), titleID, payload)
	if !res.IsSuccess() {
		s.writeError(w, r, res.Error())
		return
	}
	if err := s.hashes.Put(titleID, res.Value()); err != nil {
		s.writeError(w, r, err.Error())
		return
	}
	_, _ = io.WriteString(w, "OK")
	cloudsave.Infof(s, "uploaded save data for title ID %s", titleID)
}

func (s *Server) handleListMods(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, "[]")
	cloudsave.Infof(s, "stubbed request to %s", r.URL.Path)
}

func (s *Server) handleCommunityUpload(w http.ResponseWriter, r *http.Request) {
	payload, _, err := s.readFormData(r)
	if err != nil {
		s.writeError(w, r, err.Error())
		return
	}
	s.mu.Lock()
	s.communitySave = payload
	s.mu.Unlock()
	_, _ = io.WriteString(w, strings.Repeat("0", 32))
	cloudsave.Infof(s, "stored community save data temporarily")
}

func (s *Server) handleCommunityAdd(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeError(w, r, err.Error())
		return
	}
	s.mu.Lock()
	payload := s.communitySave
	s.communitySave = nil
	s.mu.Unlock()
	if payload == nil {
		s.writeError(w, r, "no community save data uploaded")
		return
	}

	opts := rest.Opts{
		Method:  "POST",
		RootURL: s.upstreamBase(),
		Path:    r.URL.Path,
		MultipartParams: url.Values{
			"titleid":     {r.PostForm.Get("titleid")},
			"description": {r.PostForm.Get("description")},
		},
		MultipartContentName: "file",
		MultipartFileName:    "data.zip",
		Body:                 bytes.NewReader(payload),
		IgnoreStatus:         true,
	}
	resp, err := s.rest.Call(r.Context(), &opts)
	if err != nil {
		s.writeError(w, r, err.Error())
		return
	}
	defer func() { _ = resp.Body.Close() }()
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
	cloudsave.Infof(s, "uploaded community save data for title ID %s", r.PostForm.Get("titleid"))
}

// handlePassthrough forwards the request to the upstream service
// unchanged.
func (s *Server) handlePassthrough(w http.ResponseWriter, r *http.Request) {
	req, err := http.NewRequestWithContext(r.Context(), r.Method, s.upstreamURL(r), r.Body)
	if err != nil {
		s.writeError(w, r, err.Error())
		return
	}
	if ct := r.Header.Get("Content-Type"); ct != "" {
		req.Header.Set("Content-Type", ct)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		s.writeError(w, r, err.Error())
		return
	}
	defer func() { _ = resp.Body.Close() }()
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
	cloudsave.Infof(s, "redirected request for %s", r.URL.Path)
}

// upstreamBase returns the configured upstream service URL without a
// trailing slash.
func (s *Server) upstreamBase() string {
	base := config.GetDefault(s.store.Section(config.LauncherSection), config.KeyCloudSaveURL, config.DefaultCloudSaveURL)
	return strings.TrimSuffix(base, "/")
}

// upstreamURL rewrites the request URL onto the configured upstream
// base.
func (s *Server) upstreamURL(r *http.Request) string {
	return s.upstreamBase() + r.URL.RequestURI()
}

// readFormData extracts the file payload and filename field from a
// multipart request body.
func (s *Server) readFormData(r *http.Request) (payload []byte, filename string, err error) {
	boundary, err := formpart.Boundary(r.Header.Get("Content-Type"))
	if err != nil {
		return nil, "", err
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, "", err
	}
	return formpart.Decode(body, boundary)
}

