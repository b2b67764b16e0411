// Package s3 implements the provider driver for AWS S3 and S3-compatible
// object stores (MinIO, Wasabi, R2). The only backend in the closed set that
// supports direct multipart upload via presigned part URLs.
package s3

// Config configures an S3 driver.
//
// Authentication priority (AWS SDK v2 default chain):
//  1. Explicit AccessKeyID/SecretAccessKey (if provided)
//  2. Environment variables (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY)
//  3. Shared credentials/config files
//  4. EC2 instance metadata / ECS task role
//
// For S3-compatible stores, set Endpoint and typically ForcePathStyle.
type Config struct {
	// Bucket is the S3 bucket name (required).
	Bucket string `config:"bucket"`

	// Region is the AWS region. For AWS S3 it defaults to us-east-1 when
	// not resolvable from config or environment. When Endpoint is set, no
	// default is applied.
	Region string `config:"region"`

	// Endpoint is a custom endpoint URL for S3-compatible stores.
	Endpoint string `config:"endpoint"`

	// AccessKeyID is an explicit access key. If set, SecretAccessKey must
	// also be set; takes precedence over the default credential chain.
	AccessKeyID string `config:"access_key_id"`

	// SecretAccessKey is an explicit secret key.
	SecretAccessKey string `config:"secret_access_key"`

	// ForcePathStyle forces path-style URLs (bucket in path, not
	// subdomain). Required for most S3-compatible stores.
	ForcePathStyle bool `config:"force_path_style"`

	// Prefix is an optional key prefix all objects are stored under.
	Prefix string `config:"prefix"`
}

// DefaultAWSRegion is applied when no region is resolvable and no custom
// endpoint is configured.
const DefaultAWSRegion = "us-east-1"

// presignExpirySeconds is the validity window for presigned part and
// download URLs.
const presignExpirySeconds = 3600
