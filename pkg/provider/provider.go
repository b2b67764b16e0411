// Package provider defines the capability contract storage backends implement.
//
// A Driver normalizes one backend (object storage, consumer cloud drive,
// local disk, WebDAV) behind a single surface: connect, quota, folder and
// object operations, cleanup. Drivers hold live connections or authenticated
// sessions and are never shared across concurrent callers: each caller
// resolves a fresh instance and must Cleanup it on every exit path.
package provider

import (
	"context"
	"io"
	"time"
)

// Driver is the per-backend implementation of the storage contract.
//
// Implementations should:
//   - Decode their typed config from the map passed to Initialize
//   - Treat remote IDs as opaque strings (keys, item IDs, paths)
//   - Be safe to call sequentially from a single owner; concurrency
//     safety across callers is not required
type Driver interface {
	// Initialize decodes config and prepares the backend client.
	// Must be called exactly once, before any other method.
	Initialize(ctx context.Context, config map[string]any) error

	// TestConnection verifies the backend is reachable with the
	// initialized credentials. Returns false with a nil error when the
	// backend answered but rejected the credentials.
	TestConnection(ctx context.Context) (bool, error)

	// GetQuota reports backend-side usage. Total is nil when the backend
	// has no fixed capacity.
	GetQuota(ctx context.Context) (*Quota, error)

	// CreateFolder creates a folder and returns its remote ID.
	CreateFolder(ctx context.Context, name, parentID string) (string, error)

	// Delete removes an object or folder by remote ID.
	Delete(ctx context.Context, remoteID string, isFolder bool) error

	// PutObject streams an object to the backend and returns its remote ID.
	PutObject(ctx context.Context, body io.Reader, meta ObjectMetadata) (string, error)

	// GetObject streams an object from the backend. Returns the body and
	// content length (-1 when unknown).
	GetObject(ctx context.Context, remoteID string) (io.ReadCloser, int64, error)

	// Cleanup releases connections and backend sessions. Must be called
	// exactly once per instance, on every exit path.
	Cleanup(ctx context.Context) error
}

// Optional driver capability interfaces.
//
// These are feature-detected via type assertion, but whether a given type
// supports them is static (Capabilities on its Registration), never
// negotiated at runtime.

// DirectUploader issues presigned part URLs so callers can push bytes to the
// backend without relaying through the server.
type DirectUploader interface {
	// PresignUpload starts a multipart upload and presigns one URL per part.
	PresignUpload(ctx context.Context, meta ObjectMetadata, partSize int64, partCount int) (*PresignedUpload, error)

	// CompleteUpload finalizes a multipart upload from the ordered part list
	// and returns the object's remote ID.
	CompleteUpload(ctx context.Context, up *PresignedUpload, parts []CompletedPart) (string, error)

	// AbortUpload releases backend-side partial-upload state.
	AbortUpload(ctx context.Context, up *PresignedUpload) error
}

// DirectDownloader issues presigned read URLs.
type DirectDownloader interface {
	PresignDownload(ctx context.Context, remoteID string, expiry time.Duration) (string, error)
}

// PartRepresigner re-issues presigned URLs for a subset of parts of an
// in-flight multipart upload, used when earlier URLs have expired.
type PartRepresigner interface {
	PresignParts(ctx context.Context, up *PresignedUpload, partNumbers []int) ([]PresignedPart, error)
}

// Capabilities are the static routing flags for a provider type.
type Capabilities struct {
	SupportsDirectUpload   bool `json:"supportsDirectUpload"`
	SupportsDirectDownload bool `json:"supportsDirectDownload"`
	SupportsMultipart      bool `json:"supportsMultipart"`
}

// Quota reports backend usage in bytes.
type Quota struct {
	Used int64
	// Total is nil when the backend has no fixed capacity (e.g. object stores).
	Total *int64
}

// ObjectMetadata describes an object being written.
type ObjectMetadata struct {
	Name        string
	FolderID    string
	ContentType string
	Size        int64
}

// PresignedUpload is a backend multipart upload with per-part URLs.
type PresignedUpload struct {
	// UploadID is the backend-assigned multipart upload identifier.
	UploadID string `json:"uploadId"`

	// RemoteID is the target remote ID (key) the object will land at.
	RemoteID string `json:"remoteId"`

	// PartURLs is ordered by part number, starting at 1.
	PartURLs []PresignedPart `json:"partUrls"`
}

// PresignedPart is one presigned part URL.
type PresignedPart struct {
	PartNumber int    `json:"partNumber"`
	URL        string `json:"url"`
}

// CompletedPart is a caller-reported part confirmation.
type CompletedPart struct {
	PartNumber int    `json:"partNumber"`
	ETag       string `json:"etag"`
}

// Type identifies a storage provider backend.
type Type string

const (
	// TypeS3 is AWS S3 or any S3-compatible object store.
	TypeS3 Type = "s3"

	// TypeLocalDisk is a directory on the server's filesystem.
	TypeLocalDisk Type = "localdisk"

	// TypeWebDAV is a WebDAV endpoint with basic auth.
	TypeWebDAV Type = "webdav"

	// TypeGraphDrive is an OAuth consumer cloud drive speaking a
	// Graph-style item API.
	TypeGraphDrive Type = "graphdrive"
)

// String returns the string representation of the provider type.
func (t Type) String() string {
	return string(t)
}
