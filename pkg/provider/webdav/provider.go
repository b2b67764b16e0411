// Package webdav implements the provider driver for WebDAV endpoints with
// basic auth. Proxied transfers only.
package webdav

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/driftbox/driftbox/pkg/provider"
)

// Driver implements provider.Driver over WebDAV verbs (PROPFIND, MKCOL,
// PUT, GET, DELETE). Remote IDs are server paths relative to the base URL.
type Driver struct {
	base     *url.URL
	username string
	password string
	client   *http.Client
}

var _ provider.Driver = (*Driver)(nil)

// Config is the WebDAV connection config.
type Config struct {
	// BaseURL is the collection root, e.g. https://dav.example.com/remote.php/dav/files/user/ (required).
	BaseURL string `config:"base_url"`

	// Username for basic auth (required).
	Username string `config:"username"`

	// Password for basic auth (required).
	Password string `config:"password"`
}

// New returns an uninitialized WebDAV driver.
func New() provider.Driver {
	return &Driver{}
}

func (d *Driver) Initialize(ctx context.Context, config map[string]any) error {
	_ = ctx
	var cfg Config
	if err := provider.DecodeConfig(config, &cfg); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return &provider.ValidationError{Field: "base_url", Reason: "required"}
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return &provider.ValidationError{Field: "base_url", Reason: "must be an http(s) URL"}
	}
	if cfg.Username == "" {
		return &provider.ValidationError{Field: "username", Reason: "required"}
	}

	d.base = u
	d.username = cfg.Username
	d.password = cfg.Password
	d.client = &http.Client{Timeout: 0} // transfers may be long-running; callers cancel via ctx
	return nil
}

func (d *Driver) TestConnection(ctx context.Context) (bool, error) {
	resp, err := d.do(ctx, "PROPFIND", "", nil, http.Header{"Depth": []string{"0"}})
	if err != nil {
		return false, d.wrapError("TestConnection", "", err)
	}
	defer drainClose(resp)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return false, nil
	case resp.StatusCode >= 400:
		return false, d.wrapError("TestConnection", "", statusError(resp))
	}
	return true, nil
}

// quotaProps is the DAV:quota-* response shape (RFC 4331).
type quotaProps struct {
	XMLName   xml.Name `xml:"multistatus"`
	Responses []struct {
		Propstats []struct {
			Prop struct {
				Used      string `xml:"quota-used-bytes"`
				Available string `xml:"quota-available-bytes"`
			} `xml:"prop"`
		} `xml:"propstat"`
	} `xml:"response"`
}

func (d *Driver) GetQuota(ctx context.Context) (*provider.Quota, error) {
	body := strings.NewReader(`<?xml version="1.0"?><d:propfind xmlns:d="DAV:"><d:prop><d:quota-used-bytes/><d:quota-available-bytes/></d:prop></d:propfind>`)
	resp, err := d.do(ctx, "PROPFIND", "", body, http.Header{"Depth": []string{"0"}, "Content-Type": []string{"application/xml"}})
	if err != nil {
		return nil, d.wrapError("GetQuota", "", err)
	}
	defer drainClose(resp)
	if resp.StatusCode >= 400 {
		return nil, d.wrapError("GetQuota", "", statusError(resp))
	}

	var props quotaProps
	if err := xml.NewDecoder(resp.Body).Decode(&props); err != nil {
		return nil, d.wrapError("GetQuota", "", fmt.Errorf("parse propfind response: %w", err))
	}

	quota := &provider.Quota{}
	for _, r := range props.Responses {
		for _, ps := range r.Propstats {
			if ps.Prop.Used != "" {
				fmt.Sscanf(ps.Prop.Used, "%d", &quota.Used)
			}
			if ps.Prop.Available != "" {
				var avail int64
				fmt.Sscanf(ps.Prop.Available, "%d", &avail)
				// Servers report remaining space; total is used + available.
				if avail >= 0 {
					total := quota.Used + avail
					quota.Total = &total
				}
			}
		}
	}
	return quota, nil
}

func (d *Driver) CreateFolder(ctx context.Context, name, parentID string) (string, error) {
	rel := path.Join(parentID, name)
	resp, err := d.do(ctx, "MKCOL", rel+"/", nil, nil)
	if err != nil {
		return "", d.wrapError("CreateFolder", rel, err)
	}
	defer drainClose(resp)
	// 405 means the collection already exists; treat as success.
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusMethodNotAllowed {
		return "", d.wrapError("CreateFolder", rel, statusError(resp))
	}
	return rel, nil
}

func (d *Driver) Delete(ctx context.Context, remoteID string, isFolder bool) error {
	target := remoteID
	if isFolder {
		target += "/"
	}
	resp, err := d.do(ctx, http.MethodDelete, target, nil, nil)
	if err != nil {
		return d.wrapError("Delete", remoteID, err)
	}
	defer drainClose(resp)
	if resp.StatusCode == http.StatusNotFound {
		return d.wrapError("Delete", remoteID, provider.ErrNotFound)
	}
	if resp.StatusCode >= 400 {
		return d.wrapError("Delete", remoteID, statusError(resp))
	}
	return nil
}

func (d *Driver) PutObject(ctx context.Context, body io.Reader, meta provider.ObjectMetadata) (string, error) {
	rel := path.Join(meta.FolderID, meta.Name)
	header := http.Header{}
	if meta.ContentType != "" {
		header.Set("Content-Type", meta.ContentType)
	}
	resp, err := d.do(ctx, http.MethodPut, rel, body, header)
	if err != nil {
		return "", d.wrapError("PutObject", rel, err)
	}
	defer drainClose(resp)
	if resp.StatusCode >= 400 {
		return "", d.wrapError("PutObject", rel, statusError(resp))
	}
	return rel, nil
}

func (d *Driver) GetObject(ctx context.Context, remoteID string) (io.ReadCloser, int64, error) {
	resp, err := d.do(ctx, http.MethodGet, remoteID, nil, nil)
	if err != nil {
		return nil, 0, d.wrapError("GetObject", remoteID, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		drainClose(resp)
		return nil, 0, d.wrapError("GetObject", remoteID, provider.ErrNotFound)
	}
	if resp.StatusCode >= 400 {
		err := statusError(resp)
		drainClose(resp)
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

func (d *Driver) do(ctx context.Context, method, rel string, body io.Reader, header http.Header) (*http.Response, error) {
	target := d.base.JoinPath(strings.Split(strings.TrimPrefix(rel, "/"), "/")...)
	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.SetBasicAuth(d.username, d.password)
	return d.client.Do(req)
}

func (d *Driver) wrapError(op, remoteID string, err error) error {
	return &provider.DriverError{Op: op, Type: provider.TypeWebDAV, RemoteID: remoteID, Err: err}
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
		return provider.ErrThrottled
	case http.StatusServiceUnavailable, http.StatusBadGateway:
		return provider.ErrProviderUnavailable
	}
	return fmt.Errorf("unexpected status %s", resp.Status)
}

func drainClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	_ = resp.Body.Close()
}
