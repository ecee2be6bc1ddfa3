package uploads

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/edgeee/chatsync/messaging"
)

// MinioConfig locates an S3 compatible bucket.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	Region    string
	// URLTTL bounds how long a presigned URL stays valid.
	URLTTL time.Duration
}

// MinioSigner authorizes uploads with presigned PUT URLs.
type MinioSigner struct {
	cli    *minio.Client
	bucket string
	ttl    time.Duration
}

// NewMinioSigner returns a signer for cfg. With the region known up front,
// presigning never contacts the server.
func NewMinioSigner(cfg MinioConfig) (*MinioSigner, error) {
	endpoint := strings.TrimPrefix(strings.TrimPrefix(cfg.Endpoint, "http://"), "https://")
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	cli, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	ttl := cfg.URLTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &MinioSigner{cli: cli, bucket: cfg.Bucket, ttl: ttl}, nil
}

func (m *MinioSigner) Ready() error {
	if m.bucket == "" {
		return messaging.Upstreamf("Upload bucket is not configured")
	}
	return nil
}

func (m *MinioSigner) Sign(ctx context.Context, t Target, a *Authorization) error {
	u, err := m.cli.PresignedPutObject(ctx, m.bucket, path.Join(t.Folder, t.PublicID), m.ttl)
	if err != nil {
		return messaging.Wrap(messaging.KindUpstream, "Could not sign upload", err)
	}
	exp := t.Timestamp.Add(m.ttl).UTC()
	a.UploadURL = u.String()
	a.ExpiresAt = &exp
	return nil
}
