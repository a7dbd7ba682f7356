package backup

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// MinIOStore keeps artifacts as objects in one bucket. Refs look like
// minio://<bucket>/<name>.
type MinIOStore struct {
	client *minio.Client
	bucket string
}

func NewMinIOStore(ctx context.Context, cfg MinIOConfig) (*MinIOStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	s := NewMinIOStoreWithClient(client, cfg.Bucket)
	if err := s.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func NewMinIOStoreWithClient(client *minio.Client, bucket string) *MinIOStore {
	return &MinIOStore{client: client, bucket: bucket}
}

func (s *MinIOStore) ensureBucket(ctx context.Context) error {
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

func (s *MinIOStore) ref(name string) string {
	return "minio://" + s.bucket + "/" + name
}

func (s *MinIOStore) objectName(ref string) string {
	return strings.TrimPrefix(ref, "minio://"+s.bucket+"/")
}

// Create uploads name only if no object exists under it. The check is the server's
// If-None-Match precondition, so two concurrent runs cannot both win.
func (s *MinIOStore) Create(ctx context.Context, name string, payload []byte) (string, error) {
	opts := minio.PutObjectOptions{ContentType: "application/json"}
	opts.SetMatchETagExcept("*")
	_, err := s.client.PutObject(ctx, s.bucket, name, bytes.NewReader(payload), int64(len(payload)), opts)
	if err != nil {
		if minio.ToErrorResponse(err).Code == minio.PreconditionFailed {
			return "", fmt.Errorf("%w: %s", ErrExists, s.ref(name))
		}
		return "", fmt.Errorf("put %s: %w", name, err)
	}
	return s.ref(name), nil
}

func (s *MinIOStore) Read(ctx context.Context, ref string) ([]byte, error) {
	name := s.objectName(ref)
	object, err := s.client.GetObject(ctx, s.bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", name, err)
	}
	defer object.Close()

	payload, err := io.ReadAll(object)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return payload, nil
}

func (s *MinIOStore) List(ctx context.Context, prefix string) ([]string, error) {
	refs := []string{}
	for object := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix}) {
		if object.Err != nil {
			return nil, fmt.Errorf("list backups: %w", object.Err)
		}
		refs = append(refs, s.ref(object.Key))
	}
	sort.Strings(refs)
	return refs, nil
}
