// Package media hands out presigned upload URLs for image and file blocks.
package media

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"folio/api/internal/util"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var ErrInvalidFilename = errors.New("invalid filename")

const maxNameLength = 100

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	Region    string
	TTL       time.Duration
}

// Upload is a presigned PUT target. The object is readable at PublicURL once
// the client has sent the bytes.
type Upload struct {
	UploadURL string    `json:"uploadUrl"`
	ObjectKey string    `json:"objectKey"`
	PublicURL string    `json:"publicUrl"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type Store struct {
	client *minio.Client
	bucket string
	ttl    time.Duration
	now    func() time.Time
}

func New(cfg Config) (*Store, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("object storage endpoint missing")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("object storage bucket missing")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 15 * time.Minute
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create object storage client: %w", err)
	}
	return &Store{client: client, bucket: cfg.Bucket, ttl: cfg.TTL, now: time.Now}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (s *Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	return nil
}

func (s *Store) PresignUpload(ctx context.Context, pageID, filename string) (Upload, error) {
	name, err := SanitizeFilename(filename)
	if err != nil {
		return Upload{}, err
	}
	key := ObjectKey(pageID, name)

	signed, err := s.client.PresignedPutObject(ctx, s.bucket, key, s.ttl)
	if err != nil {
		return Upload{}, fmt.Errorf("presign %s: %w", key, err)
	}
	return Upload{
		UploadURL: signed.String(),
		ObjectKey: key,
		PublicURL: s.publicURL(key),
		ExpiresAt: s.now().Add(s.ttl).UTC(),
	}, nil
}

func (s *Store) publicURL(key string) string {
	base := *s.client.EndpointURL()
	base.Path = "/" + s.bucket + "/" + key
	base.RawQuery = ""
	return base.String()
}

// ObjectKey places an upload under its page with a time-sortable prefix.
func ObjectKey(pageID, name string) string {
	return "pages/" + url.PathEscape(pageID) + "/" + util.NewID("") + "-" + name
}

// SanitizeFilename keeps the base name and replaces anything outside
// [A-Za-z0-9._-] with a dash.
func SanitizeFilename(filename string) (string, error) {
	base := path.Base(strings.ReplaceAll(strings.TrimSpace(filename), "\\", "/"))
	if base == "." || base == "/" || base == ".." {
		return "", ErrInvalidFilename
	}

	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	name := strings.Trim(b.String(), "-.")
	if name == "" {
		return "", ErrInvalidFilename
	}
	if len(name) > maxNameLength {
		name = name[len(name)-maxNameLength:]
	}
	return name, nil
}
