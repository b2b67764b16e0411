package s3

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/driftbox/driftbox/pkg/provider"
)

// Driver implements provider.Driver plus the direct-transfer capability
// interfaces for S3 and S3-compatible storage.
type Driver struct {
	client  *awss3.Client
	presign *awss3.PresignClient
	cfg     Config
}

var (
	_ provider.Driver           = (*Driver)(nil)
	_ provider.DirectUploader   = (*Driver)(nil)
	_ provider.DirectDownloader = (*Driver)(nil)
)

// New returns an uninitialized S3 driver.
func New() provider.Driver {
	return &Driver{}
}

func (d *Driver) Initialize(ctx context.Context, config map[string]any) error {
	var cfg Config
	if err := provider.DecodeConfig(config, &cfg); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return &provider.ValidationError{Field: "bucket", Reason: "required"}
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey == "" {
		return &provider.ValidationError{Field: "secret_access_key", Reason: "required when access_key_id is set"}
	}

	awsCfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		return d.wrapError("Initialize", "", err)
	}

	s3Opts := []func(*awss3.Options){
		func(o *awss3.Options) {
			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}
		},
	}
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *awss3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	d.cfg = cfg
	d.client = awss3.NewFromConfig(awsCfg, s3Opts...)
	d.presign = awss3.NewPresignClient(d.client)
	return nil
}

// loadAWSConfig builds the AWS configuration with appropriate credentials.
func loadAWSConfig(ctx context.Context, cfg Config) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error

	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		staticCreds := credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
		opts = append(opts, awsconfig.WithCredentialsProvider(staticCreds))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, err
	}
	if awsCfg.Region == "" && cfg.Endpoint == "" {
		awsCfg.Region = DefaultAWSRegion
	}
	return awsCfg, nil
}

func (d *Driver) TestConnection(ctx context.Context) (bool, error) {
	_, err := d.client.HeadBucket(ctx, &awss3.HeadBucketInput{Bucket: aws.String(d.cfg.Bucket)})
	if err != nil {
		wrapped := d.wrapError("TestConnection", "", err)
		if provider.IsAccessDenied(wrapped) || provider.IsInvalidCredentials(wrapped) || provider.IsNotFound(wrapped) {
			return false, nil
		}
		return false, wrapped
	}
	return true, nil
}

// GetQuota sums object sizes under the configured prefix. Object stores have
// no fixed capacity, so Total is nil.
func (d *Driver) GetQuota(ctx context.Context) (*provider.Quota, error) {
	var used int64
	var token *string
	for {
		input := &awss3.ListObjectsV2Input{Bucket: aws.String(d.cfg.Bucket), ContinuationToken: token}
		if d.cfg.Prefix != "" {
			input.Prefix = aws.String(d.cfg.Prefix)
		}
		out, err := d.client.ListObjectsV2(ctx, input)
		if err != nil {
			return nil, d.wrapError("GetQuota", "", err)
		}
		for _, obj := range out.Contents {
			used += aws.ToInt64(obj.Size)
		}
		if !aws.ToBool(out.IsTruncated) || out.NextContinuationToken == nil {
			break
		}
		token = out.NextContinuationToken
	}
	return &provider.Quota{Used: used}, nil
}

// CreateFolder writes a zero-byte folder marker key ("prefix/name/").
func (d *Driver) CreateFolder(ctx context.Context, name, parentID string) (string, error) {
	key := d.applyPrefix(path.Join(parentID, name)) + "/"
	_, err := d.client.PutObject(ctx, &awss3.PutObjectInput{
		Bucket:        aws.String(d.cfg.Bucket),
		Key:           aws.String(key),
		Body:          strings.NewReader(""),
		ContentLength: aws.Int64(0),
	})
	if err != nil {
		return "", d.wrapError("CreateFolder", key, err)
	}
	return d.stripPrefix(strings.TrimSuffix(key, "/")), nil
}

// Delete removes an object, or a folder's marker key. Folder contents are
// individual objects with their own lifecycle; the engine deletes them one
// by one.
func (d *Driver) Delete(ctx context.Context, remoteID string, isFolder bool) error {
	key := d.applyPrefix(remoteID)
	if isFolder {
		key += "/"
	}
	_, err := d.client.DeleteObject(ctx, &awss3.DeleteObjectInput{
		Bucket: aws.String(d.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return d.wrapError("Delete", remoteID, err)
	}
	return nil
}

func (d *Driver) PutObject(ctx context.Context, body io.Reader, meta provider.ObjectMetadata) (string, error) {
	key := d.applyPrefix(path.Join(meta.FolderID, meta.Name))
	input := &awss3.PutObjectInput{
		Bucket:        aws.String(d.cfg.Bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(meta.Size),
	}
	if meta.ContentType != "" {
		input.ContentType = aws.String(meta.ContentType)
	}
	if _, err := d.client.PutObject(ctx, input); err != nil {
		return "", d.wrapError("PutObject", key, err)
	}
	return d.stripPrefix(key), nil
}

func (d *Driver) GetObject(ctx context.Context, remoteID string) (io.ReadCloser, int64, error) {
	key := d.applyPrefix(remoteID)
	out, err := d.client.GetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(d.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, 0, d.wrapError("GetObject", remoteID, err)
	}
	return out.Body, aws.ToInt64(out.ContentLength), nil
}

// Cleanup satisfies the driver contract; the S3 client holds no
// backend-side session.
func (d *Driver) Cleanup(ctx context.Context) error {
	_ = ctx
	return nil
}

// PresignUpload starts a multipart upload and presigns one URL per part.
func (d *Driver) PresignUpload(ctx context.Context, meta provider.ObjectMetadata, partSize int64, partCount int) (*provider.PresignedUpload, error) {
	key := d.applyPrefix(path.Join(meta.FolderID, meta.Name))

	createInput := &awss3.CreateMultipartUploadInput{
		Bucket: aws.String(d.cfg.Bucket),
		Key:    aws.String(key),
	}
	if meta.ContentType != "" {
		createInput.ContentType = aws.String(meta.ContentType)
	}
	created, err := d.client.CreateMultipartUpload(ctx, createInput)
	if err != nil {
		return nil, d.wrapError("PresignUpload", key, err)
	}
	uploadID := aws.ToString(created.UploadId)

	parts := make([]provider.PresignedPart, 0, partCount)
	for n := 1; n <= partCount; n++ {
		req, err := d.presign.PresignUploadPart(ctx, &awss3.UploadPartInput{
			Bucket:     aws.String(d.cfg.Bucket),
			Key:        aws.String(key),
			UploadId:   aws.String(uploadID),
			PartNumber: aws.Int32(int32(n)),
		}, func(o *awss3.PresignOptions) {
			o.Expires = presignExpirySeconds * time.Second
		})
		if err != nil {
			// Release the multipart state we just created.
			_, _ = d.client.AbortMultipartUpload(ctx, &awss3.AbortMultipartUploadInput{
				Bucket: aws.String(d.cfg.Bucket), Key: aws.String(key), UploadId: aws.String(uploadID),
			})
			return nil, d.wrapError("PresignUpload", key, err)
		}
		parts = append(parts, provider.PresignedPart{PartNumber: n, URL: req.URL})
	}
	_ = partSize // part sizing is the session manager's policy; S3 only needs the count

	return &provider.PresignedUpload{
		UploadID: uploadID,
		RemoteID: d.stripPrefix(key),
		PartURLs: parts,
	}, nil
}

// PresignParts re-issues URLs for the given part numbers of an in-flight
// multipart upload.
func (d *Driver) PresignParts(ctx context.Context, up *provider.PresignedUpload, partNumbers []int) ([]provider.PresignedPart, error) {
	key := d.applyPrefix(up.RemoteID)
	parts := make([]provider.PresignedPart, 0, len(partNumbers))
	for _, n := range partNumbers {
		req, err := d.presign.PresignUploadPart(ctx, &awss3.UploadPartInput{
			Bucket:     aws.String(d.cfg.Bucket),
			Key:        aws.String(key),
			UploadId:   aws.String(up.UploadID),
			PartNumber: aws.Int32(int32(n)),
		}, func(o *awss3.PresignOptions) {
			o.Expires = presignExpirySeconds * time.Second
		})
		if err != nil {
			return nil, d.wrapError("PresignParts", up.RemoteID, err)
		}
		parts = append(parts, provider.PresignedPart{PartNumber: n, URL: req.URL})
	}
	return parts, nil
}

// CompleteUpload finalizes a multipart upload from the ordered part list.
func (d *Driver) CompleteUpload(ctx context.Context, up *provider.PresignedUpload, parts []provider.CompletedPart) (string, error) {
	key := d.applyPrefix(up.RemoteID)
	completed := make([]types.CompletedPart, 0, len(parts))
	for _, p := range parts {
		completed = append(completed, types.CompletedPart{
			PartNumber: aws.Int32(int32(p.PartNumber)),
			ETag:       aws.String(p.ETag),
		})
	}
	_, err := d.client.CompleteMultipartUpload(ctx, &awss3.CompleteMultipartUploadInput{
		Bucket:          aws.String(d.cfg.Bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(up.UploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return "", d.wrapError("CompleteUpload", up.RemoteID, err)
	}
	return up.RemoteID, nil
}

// AbortUpload releases backend-side partial-upload state so cancelled
// sessions do not accrue orphaned storage costs.
func (d *Driver) AbortUpload(ctx context.Context, up *provider.PresignedUpload) error {
	key := d.applyPrefix(up.RemoteID)
	_, err := d.client.AbortMultipartUpload(ctx, &awss3.AbortMultipartUploadInput{
		Bucket:   aws.String(d.cfg.Bucket),
		Key:      aws.String(key),
		UploadId: aws.String(up.UploadID),
	})
	if err != nil {
		return d.wrapError("AbortUpload", up.RemoteID, err)
	}
	return nil
}

// PresignDownload issues a time-limited GET URL.
func (d *Driver) PresignDownload(ctx context.Context, remoteID string, expiry time.Duration) (string, error) {
	if expiry <= 0 {
		expiry = presignExpirySeconds * time.Second
	}
	key := d.applyPrefix(remoteID)
	req, err := d.presign.PresignGetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(d.cfg.Bucket),
		Key:    aws.String(key),
	}, func(o *awss3.PresignOptions) {
		o.Expires = expiry
	})
	if err != nil {
		return "", d.wrapError("PresignDownload", remoteID, err)
	}
	return req.URL, nil
}

func (d *Driver) applyPrefix(key string) string {
	key = strings.TrimPrefix(path.Clean("/"+key), "/")
	if d.cfg.Prefix == "" {
		return key
	}
	return strings.TrimSuffix(d.cfg.Prefix, "/") + "/" + key
}

func (d *Driver) stripPrefix(key string) string {
	if d.cfg.Prefix == "" {
		return key
	}
	return strings.TrimPrefix(key, strings.TrimSuffix(d.cfg.Prefix, "/")+"/")
}

// wrapError converts S3 errors to driver errors with sentinel mapping.
func (d *Driver) wrapError(op, remoteID string, err error) error {
	wrapped := &provider.DriverError{Op: op, Type: provider.TypeS3, RemoteID: remoteID, Err: err}

	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	var noSuchBucket *types.NoSuchBucket
	switch {
	case errors.As(err, &notFound), errors.As(err, &noSuchKey):
		wrapped.Err = provider.ErrNotFound
		return wrapped
	case errors.As(err, &noSuchBucket):
		wrapped.Err = provider.ErrNotFound
		return wrapped
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			wrapped.Err = provider.ErrNotFound
		case "AccessDenied", "Forbidden":
			wrapped.Err = provider.ErrAccessDenied
		case "InvalidAccessKeyId", "SignatureDoesNotMatch":
			wrapped.Err = provider.ErrInvalidCredentials
		case "SlowDown", "Throttling", "RequestLimitExceeded":
			wrapped.Err = provider.ErrThrottled
		case "ServiceUnavailable", "InternalError":
			wrapped.Err = provider.ErrProviderUnavailable
		}
		return wrapped
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "NoSuchKey"), strings.Contains(msg, "NotFound"), strings.Contains(msg, "404"):
		wrapped.Err = provider.ErrNotFound
	case strings.Contains(msg, "AccessDenied"), strings.Contains(msg, "Forbidden"), strings.Contains(msg, "403"):
		wrapped.Err = provider.ErrAccessDenied
	case strings.Contains(msg, "InvalidAccessKeyId"), strings.Contains(msg, "SignatureDoesNotMatch"):
		wrapped.Err = provider.ErrInvalidCredentials
	case strings.Contains(msg, "SlowDown"), strings.Contains(msg, "Throttling"), strings.Contains(msg, "429"):
		wrapped.Err = provider.ErrThrottled
	case strings.Contains(msg, "ServiceUnavailable"), strings.Contains(msg, "503"):
		wrapped.Err = provider.ErrProviderUnavailable
	}
	return wrapped
}
