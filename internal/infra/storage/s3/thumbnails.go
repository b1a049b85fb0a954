// Package s3 resolves listing photos and avatars stored in an S3-compatible
// bucket into URLs clients can load.
package s3

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"estatepro/internal/app/policies"
	"estatepro/internal/domain/chat"
)

const defaultPresignTTL = 15 * time.Minute

// Presigner is the subset of *minio.Client used here.
type Presigner interface {
	PresignedGetObject(ctx context.Context, bucketName, objectName string, expires time.Duration, reqParams url.Values) (*url.URL, error)
}

// NewClient configures a MinIO/S3 client. The region is fixed so presigning
// is computed locally without a bucket-location round trip.
func NewClient(endpoint string, useSSL bool, accessKey, secretKey string) (*minio.Client, error) {
	cleanEndpoint := strings.TrimSpace(endpoint)
	if cleanEndpoint == "" {
		return nil, errors.New("s3: endpoint is required")
	}
	client, err := minio.New(parseEndpoint(cleanEndpoint), &minio.Options{
		Creds:  credentials.NewStaticV4(strings.TrimSpace(accessKey), strings.TrimSpace(secretKey), ""),
		Secure: useSSL,
		Region: "us-east-1",
	})
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}
	return client, nil
}

// ThumbnailDirectory decorates a Directory: object keys in thumbnail and
// avatar fields become presigned GET URLs. Absolute URLs pass through.
type ThumbnailDirectory struct {
	inner     policies.Directory
	presigner Presigner
	bucket    string
	ttl       time.Duration
	logger    *slog.Logger
}

func NewThumbnailDirectory(inner policies.Directory, presigner Presigner, bucket string, ttl time.Duration, logger *slog.Logger) (*ThumbnailDirectory, error) {
	if inner == nil || presigner == nil {
		return nil, errors.New("s3: directory and presigner are required")
	}
	if bucket = strings.TrimSpace(bucket); bucket == "" {
		return nil, errors.New("s3: bucket is required")
	}
	if ttl <= 0 {
		ttl = defaultPresignTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ThumbnailDirectory{inner: inner, presigner: presigner, bucket: bucket, ttl: ttl, logger: logger}, nil
}

func (d *ThumbnailDirectory) GetProfile(ctx context.Context, userID string) (*chat.ParticipantProfile, error) {
	p, err := d.inner.GetProfile(ctx, userID)
	if err != nil || p == nil {
		return p, err
	}
	out := *p
	out.AvatarURL = d.resolve(ctx, out.AvatarURL)
	return &out, nil
}

func (d *ThumbnailDirectory) GetListingSummary(ctx context.Context, propertyID string) (*chat.ListingSummary, error) {
	l, err := d.inner.GetListingSummary(ctx, propertyID)
	if err != nil || l == nil {
		return l, err
	}
	out := *l
	out.ThumbnailURL = d.resolve(ctx, out.ThumbnailURL)
	return &out, nil
}

// resolve never fails the lookup: an unsignable key is dropped so the
// summary still renders without an image.
func (d *ThumbnailDirectory) resolve(ctx context.Context, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" || isAbsolute(ref) {
		return ref
	}
	key := strings.Trim(ref, "/")
	u, err := d.presigner.PresignedGetObject(ctx, d.bucket, key, d.ttl, url.Values{})
	if err != nil {
		d.logger.Warn("s3 presign failed", "bucket", d.bucket, "key", key, "error", err)
		return ""
	}
	return u.String()
}

func isAbsolute(ref string) bool {
	u, err := url.Parse(ref)
	return err == nil && u.Scheme != "" && u.Host != ""
}

func parseEndpoint(endpoint string) string {
	if parsed, err := url.Parse(endpoint); err == nil && parsed.Host != "" {
		return parsed.Host
	}
	return endpoint
}

var _ policies.Directory = (*ThumbnailDirectory)(nil)
