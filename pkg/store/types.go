package store

import "time"

// SessionStatus is the lifecycle state of a transfer session.
//
// NOTE: These values are persisted and are part of the stable on-disk
// contract. Terminal statuses never transition further.
type SessionStatus string

const (
	StatusPending   SessionStatus = "pending"
	StatusRunning   SessionStatus = "running"
	StatusCompleted SessionStatus = "completed"
	StatusFailed    SessionStatus = "failed"
	StatusCancelled SessionStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s SessionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// SessionPhase tracks which leg of a transfer is active.
type SessionPhase string

const (
	// PhaseClientToServer: the caller is still pushing chunks to the server.
	PhaseClientToServer SessionPhase = "client_to_server"

	// PhaseServerToProvider: the server is relaying, or the provider is
	// confirming a direct multipart completion.
	PhaseServerToProvider SessionPhase = "server_to_provider"
)

// Provider is a persisted storage provider connection. Config is stored as
// an opaque ciphertext blob; only the vault codec can open it.
type Provider struct {
	ID              string     `json:"id"`
	WorkspaceID     string     `json:"workspaceId"`
	Name            string     `json:"name"`
	Type            string     `json:"type"`
	AuthType        string     `json:"authType"`
	EncryptedConfig []byte     `json:"-"`
	IsActive        bool       `json:"isActive"`
	QuotaTotal      *int64     `json:"quotaTotal"`
	QuotaUsed       int64      `json:"quotaUsed"`
	LastSyncAt      *time.Time `json:"lastSyncAt"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// OAuthCredential is a reusable, user-scoped secret bundle keyed by
// (user, type, identifier). One OAuth identity can back multiple provider
// connections.
type OAuthCredential struct {
	UserID         string    `json:"userId"`
	Type           string    `json:"type"`
	Identifier     string    `json:"identifier"`
	Label          string    `json:"label"`
	EncryptedToken []byte    `json:"-"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Session is the persisted, resumable record of one upload's progress and
// routing decisions.
type Session struct {
	SessionID   string `json:"sessionId"`
	WorkspaceID string `json:"workspaceId"`
	ProviderID  string `json:"providerId"`

	// FileID is created lazily, before bytes exist.
	FileID   string `json:"fileId"`
	FileName string `json:"fileName"`

	TotalSize   int64 `json:"totalSize"`
	ChunkSize   int64 `json:"chunkSize"`
	TotalChunks int64 `json:"totalChunks"`

	// ReceivedChunks counts chunks acknowledged caller -> server.
	ReceivedChunks int64 `json:"receivedChunks"`

	// ProviderBytes counts bytes pushed server -> provider, or confirmed
	// via presigned part completion.
	ProviderBytes int64 `json:"providerBytesTransferred"`

	Phase        SessionPhase  `json:"phase"`
	Status       SessionStatus `json:"status"`
	ErrorMessage string        `json:"errorMessage,omitempty"`

	UseDirectUpload bool `json:"useDirectUpload"`

	// PartURLs holds the presigned part URLs (direct sessions only),
	// serialized as JSON in the row.
	PartURLs []PresignedPart `json:"presignedPartUrls,omitempty"`

	// UploadState carries driver bookkeeping that must survive a restart:
	// multipart upload ID, confirmed part ETags, spool path, remote folder.
	UploadState UploadState `json:"-"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// PresignedPart mirrors provider.PresignedPart in the persisted row.
type PresignedPart struct {
	PartNumber int    `json:"partNumber"`
	URL        string `json:"url"`
}

// CompletedPart is a confirmed part ETag, ordered by part number.
type CompletedPart struct {
	PartNumber int    `json:"partNumber"`
	ETag       string `json:"etag"`
}

// UploadState is durable driver bookkeeping for a session.
type UploadState struct {
	UploadID       string          `json:"uploadId,omitempty"`
	RemoteID       string          `json:"remoteId,omitempty"`
	FolderID       string          `json:"folderId,omitempty"`
	SpoolPath      string          `json:"spoolPath,omitempty"`
	CompletedParts []CompletedPart `json:"completedParts,omitempty"`
}
