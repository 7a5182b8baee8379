// Package storage keeps off-host copies of LUKS header backups in S3.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/fly-io/cryptvol/pkg/errors"
)

// HeaderPrefix is the key prefix under which header backups are stored.
const HeaderPrefix = "headers/"

// checksumMetadataKey holds the hex SHA-256 of an uploaded header.
const checksumMetadataKey = "sha256"

// API is the subset of the S3 client used here.
type API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Client provides S3 storage operations
type Client struct {
	s3Client API
	bucket   string
}

// NewClient creates a new S3 client using the default credential chain
func NewClient(ctx context.Context, bucket, region string) (*Client, error) {
	slog.Info("s3_client_init", "bucket", bucket, "region", region)

	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		slog.Error("aws_config_load_failed", "error", err)
		return nil, errors.Wrap(err, "failed to load AWS config")
	}

	slog.Info("s3_client_created", "bucket", bucket)
	return NewClientWithAPI(s3.NewFromConfig(cfg), bucket), nil
}

// NewClientWithAPI wraps an existing S3 API implementation.
func NewClientWithAPI(api API, bucket string) *Client {
	return &Client{s3Client: api, bucket: bucket}
}

// HeaderKey returns the object key for a header backup of the volume with
// the given LUKS UUID taken at ts.
func HeaderKey(luksUUID string, ts time.Time) string {
	return fmt.Sprintf("%s%s/%d.img", HeaderPrefix, luksUUID, ts.Unix())
}

// HeaderObject describes one stored header backup.
type HeaderObject struct {
	Key      string
	UUID     string
	TakenAt  time.Time
	Size     int64
	Modified time.Time
}

// ParseHeaderKey splits a key produced by HeaderKey.
func ParseHeaderKey(key string) (luksUUID string, takenAt time.Time, err error) {
	rest, ok := strings.CutPrefix(key, HeaderPrefix)
	if !ok {
		return "", time.Time{}, fmt.Errorf("not a header key: %s", key)
	}
	dir, file := path.Split(rest)
	luksUUID = strings.TrimSuffix(dir, "/")
	stamp, ok := strings.CutSuffix(file, ".img")
	if luksUUID == "" || strings.Contains(luksUUID, "/") || !ok {
		return "", time.Time{}, fmt.Errorf("not a header key: %s", key)
	}
	secs, err := strconv.ParseInt(stamp, 10, 64)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("not a header key: %s: %w", key, err)
	}
	return luksUUID, time.Unix(secs, 0).UTC(), nil
}

// UploadResult contains upload metadata
type UploadResult struct {
	Key    string
	SHA256 string
	Size   int64
}

// Upload stores the file at localPath under key, recording its SHA-256 as
// object metadata.
func (c *Client) Upload(ctx context.Context, key, localPath string) (*UploadResult, error) {
	slog.Info("s3_upload_start", "bucket", c.bucket, "s3_key", key, "local_path", localPath)

	f, err := os.Open(localPath)
	if err != nil {
		slog.Error("local_file_open_failed", "path", localPath, "error", err)
		return nil, errors.Wrap(err, "failed to open local file")
	}
	defer f.Close()

	hash := sha256.New()
	size, err := io.Copy(hash, f)
	if err != nil {
		return nil, errors.Wrap(err, "failed to hash local file")
	}
	checksum := hex.EncodeToString(hash.Sum(nil))

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, errors.Wrap(err, "failed to rewind local file")
	}

	_, err = c.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String("application/octet-stream"),
		Metadata:      map[string]string{checksumMetadataKey: checksum},
	})
	if err != nil {
		slog.Error("s3_put_object_failed", "s3_key", key, "error", err)
		return nil, errors.Wrap(err, "failed to put object to S3")
	}

	slog.Info("s3_upload_complete", "s3_key", key, "size", size, "sha256", checksum[:16]+"...")
	return &UploadResult{Key: key, SHA256: checksum, Size: size}, nil
}

// DownloadResult contains download metadata
type DownloadResult struct {
	LocalPath string
	SHA256    string
	Size      int64
}

// Download downloads an object from S3 and computes SHA256. When the object
// carries a checksum in its metadata the download must match it.
func (c *Client) Download(ctx context.Context, key, localPath string) (*DownloadResult, error) {
	slog.Info("s3_download_start", "bucket", c.bucket, "s3_key", key)

	result, err := c.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		slog.Error("s3_get_object_failed", "s3_key", key, "error", err)
		return nil, errors.Wrap(err, "failed to get object from S3")
	}
	defer result.Body.Close()

	f, err := os.OpenFile(localPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		slog.Error("local_file_creation_failed", "path", localPath, "error", err)
		return nil, errors.Wrap(err, "failed to create local file")
	}
	defer f.Close()

	hash := sha256.New()
	size, err := io.Copy(io.MultiWriter(f, hash), result.Body)
	if err != nil {
		slog.Error("s3_download_failed", "s3_key", key, "error", err)
		return nil, errors.Wrap(err, "failed to download file")
	}
	checksum := hex.EncodeToString(hash.Sum(nil))

	if want := result.Metadata[checksumMetadataKey]; want != "" && want != checksum {
		slog.Error("s3_checksum_mismatch", "s3_key", key, "want", want, "got", checksum)
		return nil, fmt.Errorf("checksum mismatch for %s: want %s, got %s", key, want, checksum)
	}

	slog.Info("s3_download_complete",
		"s3_key", key,
		"size", size,
		"local_path", localPath,
		"sha256", checksum[:16]+"...",
	)

	return &DownloadResult{LocalPath: localPath, SHA256: checksum, Size: size}, nil
}

// ListHeaders lists the header backups of one volume, or of every volume
// when luksUUID is empty, newest first.
func (c *Client) ListHeaders(ctx context.Context, luksUUID string) ([]HeaderObject, error) {
	prefix := HeaderPrefix
	if luksUUID != "" {
		prefix += luksUUID + "/"
	}
	slog.Info("s3_list_start", "bucket", c.bucket, "prefix", prefix)

	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(prefix),
	}

	var headers []HeaderObject
	paginator := s3.NewListObjectsV2Paginator(c.s3Client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			slog.Error("s3_list_failed", "prefix", prefix, "error", err)
			return nil, errors.Wrap(err, "failed to list objects")
		}

		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			id, takenAt, err := ParseHeaderKey(key)
			if err != nil {
				slog.Warn("s3_unexpected_key", "s3_key", key)
				continue
			}
			headers = append(headers, HeaderObject{
				Key:      key,
				UUID:     id,
				TakenAt:  takenAt,
				Size:     aws.ToInt64(obj.Size),
				Modified: aws.ToTime(obj.LastModified),
			})
		}
	}

	sort.SliceStable(headers, func(i, j int) bool {
		return headers[i].TakenAt.After(headers[j].TakenAt)
	})

	slog.Info("s3_list_complete", "prefix", prefix, "object_count", len(headers))
	return headers, nil
}

// Exists checks if an object exists in S3
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	_, err := c.s3Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NotFound
		if stderrors.As(err, &notFound) {
			slog.Info("s3_object_not_found", "s3_key", key)
			return false, nil
		}
		slog.Error("s3_head_object_failed", "s3_key", key, "error", err)
		return false, errors.Wrap(err, "failed to check object existence")
	}

	slog.Info("s3_object_exists", "s3_key", key)
	return true, nil
}
