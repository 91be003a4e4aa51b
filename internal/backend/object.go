package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"os"
	"path"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/schaermu/blogsync/internal/changes"
	"github.com/schaermu/blogsync/internal/config"
	"github.com/schaermu/blogsync/internal/credential"
	"github.com/schaermu/blogsync/internal/failure"
	"github.com/schaermu/blogsync/internal/manifest"
	"github.com/schaermu/blogsync/internal/site"
)

// bucketAPI is the subset of the minio client used by the object store.
type bucketAPI interface {
	ListObjects(ctx context.Context, bucketName string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	RemoveObject(ctx context.Context, bucketName, objectName string, opts minio.RemoveObjectOptions) error
	OpenObject(ctx context.Context, bucketName, objectName string) (io.ReadCloser, error)
}

// minioBucket adds OpenObject to a minio client. GetObject is lazy, so the
// object is stat'ed to surface a missing key up front.
type minioBucket struct {
	*minio.Client
}

func (m minioBucket) OpenObject(ctx context.Context, bucketName, objectName string) (io.ReadCloser, error) {
	obj, err := m.GetObject(ctx, bucketName, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		return nil, err
	}
	return obj, nil
}

// NewObjectBackend publishes to an S3-compatible bucket.
func NewObjectBackend(cfg config.ObjectConfig, secrets *credential.Resolver, workers int, logger *slog.Logger, now func() time.Time) *StoreBackend {
	return &StoreBackend{
		name: "object",
		open: func(ctx context.Context) (store, error) {
			api, err := newMinioBucket(ctx, cfg, secrets)
			if err != nil {
				return nil, err
			}
			return newObjectStore(api, cfg.Bucket, cfg.Prefix), nil
		},
		workers: workers,
		logger:  logger,
		now:     now,
	}
}

func newMinioBucket(ctx context.Context, cfg config.ObjectConfig, secrets *credential.Resolver) (bucketAPI, error) {
	accessKey, err := secrets.Resolve(ctx, cfg.AccessKeyRef)
	if err != nil {
		return nil, failure.Wrap(failure.CodeConfiguration, "resolve access key", err)
	}
	secretKey, err := secrets.Resolve(ctx, cfg.SecretKeyRef)
	if err != nil {
		return nil, failure.Wrap(failure.CodeConfiguration, "resolve secret key", err)
	}

	var creds *credentials.Credentials
	if accessKey != "" {
		creds = credentials.NewStaticV4(accessKey, secretKey, "")
	} else {
		creds = credentials.NewIAM("")
	}

	useSSL := cfg.UseSSL == nil || *cfg.UseSSL
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  creds,
		Secure: useSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, failure.Configuration("object storage client", "%v", err)
	}
	return minioBucket{Client: client}, nil
}

// objectStore maps a published site onto keys under prefix. Buckets have no
// directories, so Prune is a no-op.
type objectStore struct {
	api    bucketAPI
	bucket string
	prefix string
}

func newObjectStore(api bucketAPI, bucket, prefix string) *objectStore {
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &objectStore{api: api, bucket: bucket, prefix: prefix}
}

func (o *objectStore) key(rel string) string {
	return o.prefix + rel
}

func (o *objectStore) List(ctx context.Context) (map[string]changes.RemoteFile, error) {
	out := make(map[string]changes.RemoteFile)
	for obj := range o.api.ListObjects(ctx, o.bucket, minio.ListObjectsOptions{Prefix: o.prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("failed to list bucket %s: %w", o.bucket, obj.Err)
		}
		rel := strings.TrimPrefix(obj.Key, o.prefix)
		if rel == "" || strings.HasSuffix(rel, "/") || manifest.IsManaged(rel) {
			continue
		}
		out[rel] = changes.RemoteFile{Path: rel, Size: obj.Size}
	}
	return out, nil
}

func (o *objectStore) Upload(ctx context.Context, rel string, f site.File) error {
	src, err := os.Open(f.Abs)
	if err != nil {
		return err
	}
	defer func() {
		_ = src.Close()
	}()

	_, err = o.api.PutObject(ctx, o.bucket, o.key(rel), src, f.Size, minio.PutObjectOptions{
		ContentType: contentType(f.Abs),
	})
	return err
}

// contentType prefers the extension, which is what browsers expect for
// stylesheets and scripts, and sniffs the content otherwise.
func contentType(file string) string {
	if ct := mime.TypeByExtension(path.Ext(file)); ct != "" {
		return ct
	}
	mt, err := mimetype.DetectFile(file)
	if err != nil {
		return "application/octet-stream"
	}
	return mt.String()
}

func (o *objectStore) Delete(ctx context.Context, rel string) error {
	return o.api.RemoveObject(ctx, o.bucket, o.key(rel), minio.RemoveObjectOptions{})
}

func (o *objectStore) Prune(context.Context, []string) []error { return nil }

func (o *objectStore) ReadManifest(ctx context.Context) (*manifest.Manifest, error) {
	r, err := o.api.OpenObject(ctx, o.bucket, o.key(manifest.Path))
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, nil
		}
		return nil, failure.Connection("read manifest", err)
	}
	defer func() {
		_ = r.Close()
	}()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, failure.Connection("read manifest", err)
	}
	return manifest.Parse(data)
}

// WriteManifest relies on PutObject replacing the key atomically.
func (o *objectStore) WriteManifest(ctx context.Context, m *manifest.Manifest) error {
	data, err := manifest.Marshal(m)
	if err != nil {
		return err
	}
	_, err = o.api.PutObject(ctx, o.bucket, o.key(manifest.Path), bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:  "application/json",
		CacheControl: "no-cache",
	})
	if err != nil {
		return fmt.Errorf("failed to upload manifest: %w", err)
	}
	return nil
}

func (o *objectStore) Close() error { return nil }
