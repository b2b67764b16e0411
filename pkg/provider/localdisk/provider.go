// Package localdisk implements the provider driver for a directory on the
// server's filesystem. Proxied transfers only: there is no URL to presign.
package localdisk

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/driftbox/driftbox/pkg/provider"
)

// Driver implements provider.Driver for local filesystem paths.
//
// Remote IDs are relative paths under the configured base directory.
type Driver struct {
	baseDir string
}

var _ provider.Driver = (*Driver)(nil)

// Config is the localdisk connection config.
type Config struct {
	// BaseDir is the directory files are stored under (required).
	BaseDir string `config:"base_dir"`
}

// New returns an uninitialized localdisk driver.
func New() provider.Driver {
	return &Driver{}
}

func (d *Driver) Initialize(ctx context.Context, config map[string]any) error {
	_ = ctx
	var cfg Config
	if err := provider.DecodeConfig(config, &cfg); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return &provider.ValidationError{Field: "base_dir", Reason: "required"}
	}
	base := filepath.Clean(cfg.BaseDir)
	if err := os.MkdirAll(base, 0o755); err != nil {
		return d.wrapError("Initialize", "", err)
	}
	d.baseDir = base
	return nil
}

func (d *Driver) TestConnection(ctx context.Context) (bool, error) {
	_ = ctx
	st, err := os.Stat(d.baseDir)
	if err != nil || !st.IsDir() {
		return false, nil
	}
	// Probe writability; a read-only mount is not a usable backend.
	probe, err := os.CreateTemp(d.baseDir, ".driftbox-probe-*")
	if err != nil {
		return false, nil
	}
	name := probe.Name()
	_ = probe.Close()
	_ = os.Remove(name)
	return true, nil
}

func (d *Driver) GetQuota(ctx context.Context) (*provider.Quota, error) {
	_ = ctx
	var used int64
	err := filepath.WalkDir(d.baseDir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		used += info.Size()
		return nil
	})
	if err != nil {
		return nil, d.wrapError("GetQuota", "", err)
	}
	return &provider.Quota{Used: used}, nil
}

func (d *Driver) CreateFolder(ctx context.Context, name, parentID string) (string, error) {
	_ = ctx
	rel := filepath.Join(parentID, name)
	full, canonical, err := d.fullPath(rel)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(full, 0o755); err != nil {
		return "", d.wrapError("CreateFolder", rel, err)
	}
	return canonical, nil
}

func (d *Driver) Delete(ctx context.Context, remoteID string, isFolder bool) error {
	_ = ctx
	full, _, err := d.fullPath(remoteID)
	if err != nil {
		return err
	}
	if _, err := os.Stat(full); os.IsNotExist(err) {
		return d.wrapError("Delete", remoteID, provider.ErrNotFound)
	}
	if isFolder {
		if err := os.RemoveAll(full); err != nil {
			return d.wrapError("Delete", remoteID, err)
		}
		return nil
	}
	if err := os.Remove(full); err != nil {
		return d.wrapError("Delete", remoteID, err)
	}
	return nil
}

func (d *Driver) PutObject(ctx context.Context, body io.Reader, meta provider.ObjectMetadata) (string, error) {
	rel := filepath.Join(meta.FolderID, meta.Name)
	full, canonical, err := d.fullPath(rel)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", d.wrapError("PutObject", rel, err)
	}

	// Write to a temp file and rename so readers never see partial content.
	tmp, err := os.CreateTemp(filepath.Dir(full), ".driftbox-put-*")
	if err != nil {
		return "", d.wrapError("PutObject", rel, err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := io.Copy(tmp, contextReader{ctx: ctx, r: body}); err != nil {
		_ = tmp.Close()
		return "", d.wrapError("PutObject", rel, err)
	}
	if err := tmp.Close(); err != nil {
		return "", d.wrapError("PutObject", rel, err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		return "", d.wrapError("PutObject", rel, err)
	}
	return canonical, nil
}

func (d *Driver) GetObject(ctx context.Context, remoteID string) (io.ReadCloser, int64, error) {
	_ = ctx
	full, _, err := d.fullPath(remoteID)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, d.wrapError("GetObject", remoteID, provider.ErrNotFound)
		}
		return nil, 0, d.wrapError("GetObject", remoteID, err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, d.wrapError("GetObject", remoteID, err)
	}
	return f, st.Size(), nil
}

func (d *Driver) Cleanup(ctx context.Context) error {
	_ = ctx
	return nil
}

// fullPath resolves a remote ID under baseDir. Traversal components are
// collapsed, so the returned canonical ID is what callers must store.
func (d *Driver) fullPath(rel string) (full, canonical string, err error) {
	clean := filepath.Clean("/" + filepath.FromSlash(rel))
	full = filepath.Join(d.baseDir, clean)
	if full != d.baseDir && !strings.HasPrefix(full, d.baseDir+string(filepath.Separator)) {
		return "", "", d.wrapError("Path", rel, fmt.Errorf("path escapes base dir"))
	}
	canonical = strings.TrimPrefix(filepath.ToSlash(clean), "/")
	return full, canonical, nil
}

func (d *Driver) wrapError(op, remoteID string, err error) error {
	return &provider.DriverError{Op: op, Type: provider.TypeLocalDisk, RemoteID: remoteID, Err: err}
}

// contextReader aborts long copies when the context is cancelled.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
