// Package gdrive talks to the Google Drive v3 REST API.
package gdrive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/vonshlovens/drivemirror/internal/remote"
	"github.com/vonshlovens/drivemirror/internal/tree"
)

const (
	DefaultBaseURL   = "https://www.googleapis.com/drive/v3"
	DefaultUploadURL = "https://www.googleapis.com/upload/drive/v3"

	fileFields = "id,name,mimeType,size,trashed,createdTime,modifiedTime"
	driveScope = "https://www.googleapis.com/auth/drive"
)

type driveFile struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	MimeType     string     `json:"mimeType"`
	Size         string     `json:"size"`
	Trashed      bool       `json:"trashed"`
	CreatedTime  *time.Time `json:"createdTime"`
	ModifiedTime *time.Time `json:"modifiedTime"`
}

func (f driveFile) entry() remote.Entry {
	e := remote.Entry{
		ID:         f.ID,
		Name:       f.Name,
		MimeType:   f.MimeType,
		Trashed:    f.Trashed,
		CreatedAt:  f.CreatedTime,
		ModifiedAt: f.ModifiedTime,
	}
	if f.Size != "" {
		if n, err := strconv.ParseInt(f.Size, 10, 64); err == nil {
			e.SizeBytes = &n
		}
	}
	return e
}

// Client is a remote.Gateway backed by Google Drive.
type Client struct {
	client    *http.Client
	baseURL   string
	uploadURL string

	mu     sync.Mutex
	rootID string
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL points the client at a different API host.
func WithBaseURL(baseURL, uploadURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(baseURL, "/")
		c.uploadURL = strings.TrimSuffix(uploadURL, "/")
	}
}

// WithRootFolder uses folderID instead of "My Drive" as the mirror root.
func WithRootFolder(folderID string) Option {
	return func(c *Client) {
		c.rootID = folderID
	}
}

// New wraps an authenticated HTTP client.
func New(httpClient *http.Client, opts ...Option) *Client {
	c := &Client{
		client:    httpClient,
		baseURL:   DefaultBaseURL,
		uploadURL: DefaultUploadURL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewHTTPClient returns an HTTP client that refreshes access tokens from a
// long-lived refresh token. timeout bounds the wait for response headers
// only; transfers run as long as the caller's context allows.
func NewHTTPClient(ctx context.Context, clientID, clientSecret, refreshToken string, timeout time.Duration) *http.Client {
	conf := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{driveScope},
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, &http.Client{Transport: newTransport(timeout)})
	return conf.Client(ctx, &oauth2.Token{RefreshToken: refreshToken})
}

func newTransport(timeout time.Duration) *http.Transport {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if timeout > 0 {
		transport.ResponseHeaderTimeout = timeout
	}
	return transport
}

func (c *Client) RootID(ctx context.Context) (string, error) {
	c.mu.Lock()
	cached := c.rootID
	c.mu.Unlock()
	if cached != "" {
		return cached, nil
	}

	req, err := c.newRequest(ctx, http.MethodGet, c.baseURL+"/files/root", url.Values{"fields": {"id"}}, nil)
	if err != nil {
		return "", err
	}

	var f driveFile
	if err := c.doJSON(req, "root", "root", &f); err != nil {
		return "", err
	}

	c.mu.Lock()
	c.rootID = f.ID
	c.mu.Unlock()
	return f.ID, nil
}

func (c *Client) List(ctx context.Context, parentID string, includeTrashed bool) ([]remote.Entry, error) {
	parentID = c.parent(parentID)

	query := fmt.Sprintf("'%s' in parents", escapeQuery(parentID))
	if !includeTrashed {
		query += " and trashed = false"
	}

	var entries []remote.Entry
	var pageToken string

	for {
		q := url.Values{}
		q.Set("q", query)
		q.Set("pageSize", "1000")
		q.Set("supportsAllDrives", "true")
		q.Set("includeItemsFromAllDrives", "true")
		q.Set("fields", "nextPageToken,files("+fileFields+")")
		if pageToken != "" {
			q.Set("pageToken", pageToken)
		}

		req, err := c.newRequest(ctx, http.MethodGet, c.baseURL+"/files", q, nil)
		if err != nil {
			return nil, err
		}

		var page struct {
			Files         []driveFile `json:"files"`
			NextPageToken string      `json:"nextPageToken"`
		}
		if err := c.doJSON(req, "list", parentID, &page); err != nil {
			return nil, err
		}

		for _, f := range page.Files {
			entries = append(entries, f.entry())
		}

		pageToken = page.NextPageToken
		if pageToken == "" {
			break
		}
	}

	return entries, nil
}

func (c *Client) Get(ctx context.Context, id string) (remote.Entry, error) {
	return c.fileCall(ctx, "get", id, http.MethodGet, c.fileURL(id), nil, nil)
}

func (c *Client) CreateFolder(ctx context.Context, name, parentID string) (remote.Entry, error) {
	body := map[string]any{
		"name":     name,
		"mimeType": tree.FolderMimeType,
		"parents":  []string{c.parent(parentID)},
	}
	return c.fileCall(ctx, "create_folder", "", http.MethodPost, c.baseURL+"/files", nil, body)
}

func (c *Client) Rename(ctx context.Context, id, newName string) (remote.Entry, error) {
	return c.fileCall(ctx, "rename", id, http.MethodPatch, c.fileURL(id), nil, map[string]any{"name": newName})
}

func (c *Client) Move(ctx context.Context, id, newParentID, oldParentID string) (remote.Entry, error) {
	q := url.Values{"addParents": {c.parent(newParentID)}}
	if oldParentID != "" {
		q.Set("removeParents", oldParentID)
	}
	return c.fileCall(ctx, "move", id, http.MethodPatch, c.fileURL(id), q, map[string]any{})
}

func (c *Client) Trash(ctx context.Context, id string) error {
	_, err := c.fileCall(ctx, "trash", id, http.MethodPatch, c.fileURL(id), nil, map[string]any{"trashed": true})
	return err
}

func (c *Client) Download(ctx context.Context, id string) (io.ReadCloser, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.fileURL(id), url.Values{"alt": {"media"}}, nil)
	if err != nil {
		return nil, err
	}

	res, err := c.do(req, "download", id)
	if err != nil {
		return nil, err
	}
	return &downloadBody{ReadCloser: res.Body, id: id}, nil
}

// downloadBody reports a transfer broken mid-stream as unavailable.
type downloadBody struct {
	io.ReadCloser
	id string
}

func (b *downloadBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if err != nil && err != io.EOF {
		err = remote.Unavailable("download", b.id, err)
	}
	return n, err
}

// UploadFile sends metadata and content in a single multipart/related
// request. The file is streamed, not buffered.
func (c *Client) UploadFile(ctx context.Context, localPath, name, parentID, mimeType string) (remote.Entry, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return remote.Entry{}, remote.Rejected("upload", "", err)
	}
	defer file.Close()

	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	meta, err := json.Marshal(map[string]any{
		"name":    name,
		"parents": []string{c.parent(parentID)},
	})
	if err != nil {
		return remote.Entry{}, fmt.Errorf("failed to encode upload metadata: %w", err)
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		pw.CloseWithError(writeUploadBody(mw, meta, mimeType, file))
	}()

	q := url.Values{
		"uploadType":        {"multipart"},
		"supportsAllDrives": {"true"},
		"fields":            {fileFields},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.uploadURL+"/files?"+q.Encode(), pr)
	if err != nil {
		pr.CloseWithError(err)
		return remote.Entry{}, remote.Rejected("upload", "", err)
	}
	req.Header.Set("Content-Type", "multipart/related; boundary="+mw.Boundary())

	var f driveFile
	if err := c.doJSON(req, "upload", "", &f); err != nil {
		pr.CloseWithError(err)
		return remote.Entry{}, err
	}
	return f.entry(), nil
}

func writeUploadBody(mw *multipart.Writer, meta []byte, mimeType string, content io.Reader) error {
	part, err := mw.CreatePart(textproto.MIMEHeader{"Content-Type": {"application/json; charset=UTF-8"}})
	if err != nil {
		return err
	}
	if _, err := part.Write(meta); err != nil {
		return err
	}

	part, err = mw.CreatePart(textproto.MIMEHeader{"Content-Type": {mimeType}})
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, content); err != nil {
		return err
	}
	return mw.Close()
}

func (c *Client) fileCall(ctx context.Context, op, id, method, endpoint string, q url.Values, body any) (remote.Entry, error) {
	if q == nil {
		q = url.Values{}
	}
	q.Set("fields", fileFields)
	q.Set("supportsAllDrives", "true")

	req, err := c.newRequest(ctx, method, endpoint, q, body)
	if err != nil {
		return remote.Entry{}, err
	}

	var f driveFile
	if err := c.doJSON(req, op, id, &f); err != nil {
		return remote.Entry{}, err
	}
	return f.entry(), nil
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, q url.Values, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) doJSON(req *http.Request, op, id string, out any) error {
	res, err := c.do(req, op, id)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return remote.Unavailable(op, id, fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

// do sends req once. There are no retries here; callers decide.
func (c *Client) do(req *http.Request, op, id string) (*http.Response, error) {
	res, err := c.client.Do(req)
	if err != nil {
		return nil, remote.Unavailable(op, id, err)
	}

	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return res, nil
	}

	body, _ := io.ReadAll(io.LimitReader(res.Body, 64<<10))
	res.Body.Close()

	return nil, classify(op, id, res.StatusCode, body)
}

// classify maps a Drive error response onto the two remote error kinds.
func classify(op, id string, status int, body []byte) error {
	message := gjson.GetBytes(body, "error.message").String()
	if message == "" {
		message = http.StatusText(status)
	}
	reason := gjson.GetBytes(body, "error.errors.0.reason").String()

	cause := fmt.Errorf("%d %s", status, message)

	switch {
	case status == http.StatusUnauthorized, status == http.StatusTooManyRequests, status >= 500:
		return remote.Unavailable(op, id, cause)
	case status == http.StatusForbidden && (reason == "userRateLimitExceeded" || reason == "rateLimitExceeded"):
		return remote.Unavailable(op, id, cause)
	default:
		return remote.Rejected(op, id, cause)
	}
}

func (c *Client) parent(parentID string) string {
	if parentID != "" {
		return parentID
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rootID != "" {
		return c.rootID
	}
	return "root"
}

func (c *Client) fileURL(id string) string {
	return c.baseURL + "/files/" + url.PathEscape(id)
}

func escapeQuery(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `'`, `\'`)
}
