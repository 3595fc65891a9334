// Package objectstore wraps the cold-tier blob store: user files,
// archived interpreter state, and execution-produced outputs.
package objectstore

import (
	"bytes"
	"context"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"k8s.io/klog/v2"

	"github.com/scoutflo/code-orchestrator/internal/config"
	"github.com/scoutflo/code-orchestrator/internal/telemetry"
	"github.com/scoutflo/code-orchestrator/pkg/apierrors"
)

// Client is a thin, namespace-free wrapper over a single bucket.
type Client struct {
	mc      *minio.Client
	bucket  string
	metrics *telemetry.Metrics
}

// New constructs a Client. Callers must call EnsureBucket during startup
// so a missing bucket is created rather than surfacing as NotFound on
// the first request. metrics may be nil in tests.
func New(cfg config.ObjectStoreConfig, metrics *telemetry.Metrics) (*Client, error) {
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, apierrors.ConfigurationError("objectstore", "construct client", err)
	}
	return &Client{mc: mc, bucket: cfg.Bucket, metrics: metrics}, nil
}

// observe records a backend-call-latency sample for operation, a no-op
// when no metrics were supplied.
func (c *Client) observe(operation string, start time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.BackendLatency.WithLabelValues("objectstore", operation).Observe(time.Since(start).Seconds())
}

// EnsureBucket checks bucket existence and creates it if absent.
func (c *Client) EnsureBucket(ctx context.Context) error {
	defer c.observe("ensure bucket", time.Now())
	exists, err := c.mc.BucketExists(ctx, c.bucket)
	if err != nil {
		return apierrors.NetworkError("objectstore", "check bucket exists", err)
	}
	if exists {
		return nil
	}
	klog.V(0).Infof("objectstore: bucket %q does not exist, creating it", c.bucket)
	if err := c.mc.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{}); err != nil {
		return apierrors.FailedToWithDetails(apierrors.Internal, "objectstore", "create bucket", c.bucket, err)
	}
	return nil
}

// Put uploads bytes under key with the given content type.
func (c *Client) Put(ctx context.Context, key string, data []byte, contentType string) error {
	defer c.observe("put", time.Now())
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := c.mc.PutObject(ctx, c.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return apierrors.FailedToWithDetails(apierrors.Unavailable, "objectstore", "put object", key, err)
	}
	return nil
}

// Stat returns object metadata without transferring its body.
func (c *Client) Stat(ctx context.Context, key string) (*ObjectInfo, error) {
	defer c.observe("stat", time.Now())
	info, err := c.mc.StatObject(ctx, c.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if errResp := minio.ToErrorResponse(err); errResp.Code == "NoSuchKey" {
			return nil, apierrors.FailedToWithDetails(apierrors.NotFound, "objectstore", "stat object", key, err)
		}
		return nil, apierrors.FailedToWithDetails(apierrors.Unavailable, "objectstore", "stat object", key, err)
	}
	return &ObjectInfo{
		Size:         info.Size,
		ETag:         info.ETag,
		LastModified: info.LastModified,
		ContentType:  info.ContentType,
	}, nil
}

// ObjectInfo is the metadata-only view of a stored object.
type ObjectInfo struct {
	Size         int64
	ETag         string
	LastModified time.Time
	ContentType  string
}

// Get downloads the bytes stored under key.
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	defer c.observe("get", time.Now())
	obj, err := c.mc.GetObject(ctx, c.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, apierrors.FailedToWithDetails(apierrors.Unavailable, "objectstore", "get object", key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if errResp := minio.ToErrorResponse(err); errResp.Code == "NoSuchKey" {
			return nil, apierrors.FailedToWithDetails(apierrors.NotFound, "objectstore", "get object", key, err)
		}
		return nil, apierrors.FailedToWithDetails(apierrors.Unavailable, "objectstore", "read object body", key, err)
	}
	return data, nil
}

// Delete removes the object stored under key. A missing key is not an
// error: delete is idempotent.
func (c *Client) Delete(ctx context.Context, key string) error {
	defer c.observe("delete", time.Now())
	if err := c.mc.RemoveObject(ctx, c.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return apierrors.FailedToWithDetails(apierrors.Unavailable, "objectstore", "delete object", key, err)
	}
	return nil
}

// Exists reports whether an object exists under key.
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	defer c.observe("exists", time.Now())
	_, err := c.mc.StatObject(ctx, c.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if errResp := minio.ToErrorResponse(err); errResp.Code == "NoSuchKey" {
			return false, nil
		}
		return false, apierrors.FailedToWithDetails(apierrors.Unavailable, "objectstore", "stat object", key, err)
	}
	return true, nil
}

// List returns the keys under prefix.
func (c *Client) List(ctx context.Context, prefix string) ([]string, error) {
	defer c.observe("list", time.Now())
	var keys []string
	for obj := range c.mc.ListObjects(ctx, c.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, apierrors.FailedToWithDetails(apierrors.Unavailable, "objectstore", "list objects", prefix, obj.Err)
		}
		keys = append(keys, obj.Key)
	}
	return keys, nil
}

// PresignedPutURL issues a client-direct upload URL valid for ttl.
func (c *Client) PresignedPutURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	defer c.observe("presigned put url", time.Now())
	u, err := c.mc.PresignedPutObject(ctx, c.bucket, key, ttl)
	if err != nil {
		return "", apierrors.FailedToWithDetails(apierrors.Internal, "objectstore", "presign put url", key, err)
	}
	return u.String(), nil
}

// PresignedGetURL issues a client-direct download URL valid for ttl.
func (c *Client) PresignedGetURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	defer c.observe("presigned get url", time.Now())
	u, err := c.mc.PresignedGetObject(ctx, c.bucket, key, ttl, nil)
	if err != nil {
		return "", apierrors.FailedToWithDetails(apierrors.Internal, "objectstore", "presign get url", key, err)
	}
	return u.String(), nil
}
