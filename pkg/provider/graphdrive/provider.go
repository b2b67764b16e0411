// Package graphdrive implements the provider driver for OAuth-backed
// consumer cloud drives speaking a Graph-style item API (OneDrive and
// compatible endpoints).
//
// Transfers are proxied: the API offers no presigned part URLs, so the
// server relays bytes. Large objects go through a provider-side upload
// session with aligned chunked PUTs; small objects use a single request.
package graphdrive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/driftbox/driftbox/pkg/provider"
)

// DefaultBaseURL is the Graph API root.
const DefaultBaseURL = "https://graph.microsoft.com/v1.0"

// chunkAlignment is the required alignment for upload session chunks
// (320 KiB). All chunks except the final one must be a multiple of it.
const chunkAlignment = 320 * 1024

// simpleUploadMaxSize is the largest object sent as a single PUT (4 MB).
const simpleUploadMaxSize = 4 * 1024 * 1024

// uploadChunkSize is the chunk size for upload sessions (10 MiB, aligned).
const uploadChunkSize = 32 * chunkAlignment

// Driver implements provider.Driver against a Graph-style drive API.
type Driver struct {
	baseURL string
	client  *http.Client
}

var _ provider.Driver = (*Driver)(nil)

// Config is the graphdrive connection config. Tokens come from the
// workspace's reusable OAuth credential bundle.
type Config struct {
	// AccountID identifies the OAuth identity (credential bundle key).
	AccountID string `config:"account_id"`

	// ClientID is the OAuth application id (required for refresh).
	ClientID string `config:"client_id"`

	// TokenEndpoint is the OAuth token URL used for refresh.
	TokenEndpoint string `config:"token_endpoint"`

	// AccessToken is the current bearer token (required).
	AccessToken string `config:"access_token"`

	// RefreshToken allows silent renewal when set.
	RefreshToken string `config:"refresh_token"`

	// BaseURL overrides the API root (tests, sovereign clouds).
	BaseURL string `config:"base_url"`
}

// New returns an uninitialized graphdrive driver.
func New() provider.Driver {
	return &Driver{}
}

func (d *Driver) Initialize(ctx context.Context, config map[string]any) error {
	var cfg Config
	if err := provider.DecodeConfig(config, &cfg); err != nil {
		return err
	}
	if cfg.AccessToken == "" {
		return &provider.ValidationError{Field: "access_token", Reason: "required"}
	}

	d.baseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if d.baseURL == "" {
		d.baseURL = DefaultBaseURL
	}

	token := &oauth2.Token{AccessToken: cfg.AccessToken, RefreshToken: cfg.RefreshToken}
	var src oauth2.TokenSource
	if cfg.RefreshToken != "" && cfg.ClientID != "" && cfg.TokenEndpoint != "" {
		oc := &oauth2.Config{
			ClientID: cfg.ClientID,
			Endpoint: oauth2.Endpoint{TokenURL: cfg.TokenEndpoint},
		}
		src = oc.TokenSource(ctx, token)
	} else {
		src = oauth2.StaticTokenSource(token)
	}
	d.client = oauth2.NewClient(ctx, src)
	// Transfers may be long-running; rely on ctx for cancellation.
	d.client.Timeout = 0
	return nil
}

// driveResponse mirrors the drive JSON, quota facet included.
type driveResponse struct {
	ID    string `json:"id"`
	Quota *struct {
		Used  int64 `json:"used"`
		Total int64 `json:"total"`
	} `json:"quota"`
}

func (d *Driver) TestConnection(ctx context.Context) (bool, error) {
	resp, err := d.do(ctx, http.MethodGet, "/me/drive", "", nil)
	if err != nil {
		return false, d.wrapError("TestConnection", "", err)
	}
	defer closeBody(resp)
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return false, nil
	}
	if resp.StatusCode >= 400 {
		return false, d.wrapError("TestConnection", "", statusError(resp))
	}
	return true, nil
}

func (d *Driver) GetQuota(ctx context.Context) (*provider.Quota, error) {
	resp, err := d.do(ctx, http.MethodGet, "/me/drive", "", nil)
	if err != nil {
		return nil, d.wrapError("GetQuota", "", err)
	}
	defer closeBody(resp)
	if resp.StatusCode >= 400 {
		return nil, d.wrapError("GetQuota", "", statusError(resp))
	}

	var drive driveResponse
	if err := json.NewDecoder(resp.Body).Decode(&drive); err != nil {
		return nil, d.wrapError("GetQuota", "", fmt.Errorf("decode drive: %w", err))
	}
	quota := &provider.Quota{}
	if drive.Quota != nil {
		quota.Used = drive.Quota.Used
		if drive.Quota.Total > 0 {
			total := drive.Quota.Total
			quota.Total = &total
		}
	}
	return quota, nil
}

// itemResponse is the subset of the drive item JSON the engine needs.
type itemResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (d *Driver) CreateFolder(ctx context.Context, name, parentID string) (string, error) {
	parent := parentID
	if parent == "" {
		parent = "root"
	}
	body, err := json.Marshal(map[string]any{
		"name":                              name,
		"folder":                            map[string]any{},
		"@microsoft.graph.conflictBehavior": "fail",
	})
	if err != nil {
		return "", d.wrapError("CreateFolder", parentID, err)
	}

	resp, err := d.do(ctx, http.MethodPost, fmt.Sprintf("/me/drive/items/%s/children", url.PathEscape(parent)), "application/json", bytes.NewReader(body))
	if err != nil {
		return "", d.wrapError("CreateFolder", parentID, err)
	}
	defer closeBody(resp)
	if resp.StatusCode >= 400 {
		return "", d.wrapError("CreateFolder", parentID, statusError(resp))
	}

	var item itemResponse
	if err := json.NewDecoder(resp.Body).Decode(&item); err != nil {
		return "", d.wrapError("CreateFolder", parentID, fmt.Errorf("decode item: %w", err))
	}
	return item.ID, nil
}

func (d *Driver) Delete(ctx context.Context, remoteID string, isFolder bool) error {
	_ = isFolder // the item API deletes files and folders uniformly
	resp, err := d.do(ctx, http.MethodDelete, "/me/drive/items/"+url.PathEscape(remoteID), "", nil)
	if err != nil {
		return d.wrapError("Delete", remoteID, err)
	}
	defer closeBody(resp)
	if resp.StatusCode == http.StatusNotFound {
		return d.wrapError("Delete", remoteID, provider.ErrNotFound)
	}
	if resp.StatusCode >= 400 {
		return d.wrapError("Delete", remoteID, statusError(resp))
	}
	return nil
}

func (d *Driver) PutObject(ctx context.Context, body io.Reader, meta provider.ObjectMetadata) (string, error) {
	if meta.Size >= 0 && meta.Size <= simpleUploadMaxSize {
		return d.simpleUpload(ctx, body, meta)
	}
	return d.sessionUpload(ctx, body, meta)
}

// simpleUpload sends the whole object in one PUT.
func (d *Driver) simpleUpload(ctx context.Context, body io.Reader, meta provider.ObjectMetadata) (string, error) {
	parent := meta.FolderID
	if parent == "" {
		parent = "root"
	}
	p := fmt.Sprintf("/me/drive/items/%s:/%s:/content", url.PathEscape(parent), url.PathEscape(meta.Name))

	resp, err := d.do(ctx, http.MethodPut, p, "application/octet-stream", body)
	if err != nil {
		return "", d.wrapError("PutObject", meta.Name, err)
	}
	defer closeBody(resp)
	if resp.StatusCode >= 400 {
		return "", d.wrapError("PutObject", meta.Name, statusError(resp))
	}

	var item itemResponse
	if err := json.NewDecoder(resp.Body).Decode(&item); err != nil {
		return "", d.wrapError("PutObject", meta.Name, fmt.Errorf("decode item: %w", err))
	}
	return item.ID, nil
}

type uploadSessionResponse struct {
	UploadURL string `json:"uploadUrl"`
}

// sessionUpload creates a provider-side upload session and streams the
// object in aligned chunks. The session URL is pre-authenticated; chunk
// PUTs bypass the bearer transport.
func (d *Driver) sessionUpload(ctx context.Context, body io.Reader, meta provider.ObjectMetadata) (string, error) {
	parent := meta.FolderID
	if parent == "" {
		parent = "root"
	}
	p := fmt.Sprintf("/me/drive/items/%s:/%s:/createUploadSession", url.PathEscape(parent), url.PathEscape(meta.Name))
	reqBody, err := json.Marshal(map[string]any{
		"item": map[string]any{"@microsoft.graph.conflictBehavior": "replace"},
	})
	if err != nil {
		return "", d.wrapError("PutObject", meta.Name, err)
	}

	resp, err := d.do(ctx, http.MethodPost, p, "application/json", bytes.NewReader(reqBody))
	if err != nil {
		return "", d.wrapError("PutObject", meta.Name, err)
	}
	var session uploadSessionResponse
	func() {
		defer closeBody(resp)
		if resp.StatusCode < 400 {
			err = json.NewDecoder(resp.Body).Decode(&session)
		} else {
			err = statusError(resp)
		}
	}()
	if err != nil {
		return "", d.wrapError("PutObject", meta.Name, err)
	}

	var offset int64
	buf := make([]byte, uploadChunkSize)
	var lastItem itemResponse
	for offset < meta.Size {
		n, readErr := io.ReadFull(body, buf)
		if readErr == io.ErrUnexpectedEOF || readErr == io.EOF {
			readErr = nil
		}
		if readErr != nil {
			return "", d.wrapError("PutObject", meta.Name, readErr)
		}
		if n == 0 {
			break
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPut, session.UploadURL, bytes.NewReader(buf[:n]))
		if err != nil {
			return "", d.wrapError("PutObject", meta.Name, err)
		}
		req.ContentLength = int64(n)
		req.Header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, offset+int64(n)-1, meta.Size))

		chunkResp, err := http.DefaultClient.Do(req)
		if err != nil {
			return "", d.wrapError("PutObject", meta.Name, err)
		}
		if chunkResp.StatusCode >= 400 {
			err := statusError(chunkResp)
			closeBody(chunkResp)
			return "", d.wrapError("PutObject", meta.Name, err)
		}
		// The final chunk returns the created item.
		if chunkResp.StatusCode == http.StatusCreated || chunkResp.StatusCode == http.StatusOK {
			_ = json.NewDecoder(chunkResp.Body).Decode(&lastItem)
		}
		closeBody(chunkResp)
		offset += int64(n)
	}

	if lastItem.ID == "" {
		return "", d.wrapError("PutObject", meta.Name, fmt.Errorf("upload session finished without item id"))
	}
	return lastItem.ID, nil
}

func (d *Driver) GetObject(ctx context.Context, remoteID string) (io.ReadCloser, int64, error) {
	resp, err := d.do(ctx, http.MethodGet, "/me/drive/items/"+url.PathEscape(remoteID)+"/content", "", nil)
	if err != nil {
		return nil, 0, d.wrapError("GetObject", remoteID, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		closeBody(resp)
		return nil, 0, d.wrapError("GetObject", remoteID, provider.ErrNotFound)
	}
	if resp.StatusCode >= 400 {
		err := statusError(resp)
		closeBody(resp)
		return nil, 0, d.wrapError("GetObject", remoteID, err)
	}
	return resp.Body, resp.ContentLength, nil
}

func (d *Driver) Cleanup(ctx context.Context) error {
	_ = ctx
	if d.client != nil {
		d.client.CloseIdleConnections()
	}
	return nil
}

func (d *Driver) do(ctx context.Context, method, path, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, d.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return d.client.Do(req)
}

func (d *Driver) wrapError(op, remoteID string, err error) error {
	return &provider.DriverError{Op: op, Type: provider.TypeGraphDrive, RemoteID: remoteID, Err: err}
}

func statusError(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return provider.ErrInvalidCredentials
	case http.StatusForbidden:
		return provider.ErrAccessDenied
	case http.StatusNotFound:
		return provider.ErrNotFound
	case http.StatusTooManyRequests:
		if wait := retryAfter(resp); wait > 0 {
			return fmt.Errorf("%w: retry after %s", provider.ErrThrottled, wait)
		}
		return provider.ErrThrottled
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return provider.ErrProviderUnavailable
	}
	return fmt.Errorf("unexpected status %s", resp.Status)
}

func closeBody(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	_ = resp.Body.Close()
}

// retryAfter parses a Retry-After header, which carries either delta-seconds
// or an HTTP-date (RFC 9110 §10.2.3).
func retryAfter(resp *http.Response) time.Duration {
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if wait := time.Until(at); wait > 0 {
			return wait
		}
	}
	return 0
}
