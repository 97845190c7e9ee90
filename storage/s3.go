package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/neurallog/kek-custody/interfaces"
)

// S3Backend implements a record store using Amazon S3 or compatible services.
// Objects are private; credentials are required for both reads and writes.
type S3Backend struct {
	client      s3iface.S3API
	bucketName  string
	prefix      string
	log         *slog.Logger
	locationURI string
}

// NewS3Backend creates a new S3 storage backend. Without static credentials
// the default AWS credential chain (environment, shared config, instance
// role) is used.
func NewS3Backend(bucketName, prefix, region, endpoint, accessKey, secretKey string, log *slog.Logger) (*S3Backend, error) {
	uri := fmt.Sprintf("s3://%s/%s?region=%s", bucketName, prefix, region)
	if accessKey != "" {
		uri = fmt.Sprintf("s3://%s:***@%s/%s?region=%s", accessKey, bucketName, prefix, region)
	}
	if endpoint != "" {
		uri += fmt.Sprintf("&endpoint=%s", endpoint)
	}

	cfg := aws.Config{
		Region: aws.String(region),
	}
	if endpoint != "" {
		cfg.Endpoint = aws.String(endpoint)
		cfg.S3ForcePathStyle = aws.Bool(true)
	}
	if accessKey != "" && secretKey != "" {
		cfg.Credentials = credentials.NewStaticCredentials(accessKey, secretKey, "")
	}

	sess, err := session.NewSession(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return newS3BackendWithClient(s3.New(sess), bucketName, prefix, uri, log), nil
}

func newS3BackendWithClient(client s3iface.S3API, bucketName, prefix, uri string, log *slog.Logger) *S3Backend {
	return &S3Backend{
		client:      client,
		bucketName:  bucketName,
		prefix:      strings.Trim(prefix, "/"),
		log:         log,
		locationURI: uri,
	}
}

// Get retrieves a record object. Returns ErrContentNotFound if the object doesn't exist.
func (b *S3Backend) Get(ctx context.Context, key interfaces.RecordKey) ([]byte, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()
	objectKey := b.getObjectKey(key)

	data, err := b.getObject(ctx, objectKey)
	if err != nil {
		if errors.Is(err, interfaces.ErrContentNotFound) {
			b.log.Debug("Record not found in S3",
				slog.String("bucket", b.bucketName),
				slog.String("key", objectKey),
				slog.Duration("duration", time.Since(start)))
			return nil, err
		}
		b.log.Error("Failed to get object from S3",
			slog.String("bucket", b.bucketName),
			slog.String("key", objectKey),
			"err", err,
			slog.Duration("duration", time.Since(start)))
		return nil, err
	}

	b.log.Debug("Fetched record from S3",
		slog.String("bucket", b.bucketName),
		slog.String("key", objectKey),
		slog.Int("size", len(data)),
		slog.Duration("duration", time.Since(start)))

	return data, nil
}

// Put uploads a record object, replacing any previous version.
func (b *S3Backend) Put(ctx context.Context, key interfaces.RecordKey, data []byte) error {
	if err := key.Validate(); err != nil {
		return err
	}
	objectKey := b.getObjectKey(key)

	_, err := b.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucketName),
		Key:         aws.String(objectKey),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload object to S3: %w", err)
	}

	b.log.Debug("Stored record in S3",
		slog.String("bucket", b.bucketName),
		slog.String("key", objectKey))

	return nil
}

// List fetches every object under a collection prefix.
func (b *S3Backend) List(ctx context.Context, tenantID string, collection interfaces.Collection) (map[string][]byte, error) {
	prefix := b.withPrefix(collectionPath(tenantID, collection)) + "/"

	var keys []string
	err := b.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucketName),
		Prefix: aws.String(prefix),
	}, func(page *s3.ListObjectsV2Output, lastPage bool) bool {
		for _, obj := range page.Contents {
			keys = append(keys, aws.StringValue(obj.Key))
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list objects in S3: %w", err)
	}

	out := make(map[string][]byte, len(keys))
	for _, objectKey := range keys {
		name := strings.TrimPrefix(objectKey, prefix)
		if name == "" || strings.Contains(name, "/") {
			continue
		}
		id, err := unescapeID(name)
		if err != nil {
			continue
		}
		data, err := b.getObject(ctx, objectKey)
		if errors.Is(err, interfaces.ErrContentNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[id] = data
	}
	return out, nil
}

// Available checks if the S3 backend is accessible by attempting to head the bucket.
func (b *S3Backend) Available(ctx context.Context) bool {
	start := time.Now()

	_, err := b.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.bucketName),
	})
	if err != nil {
		b.log.Warn("S3 backend unavailable",
			slog.String("bucket", b.bucketName),
			"err", err,
			slog.Duration("duration", time.Since(start)))
		return false
	}

	return true
}

// Name returns a unique identifier for this storage backend.
func (b *S3Backend) Name() string {
	return fmt.Sprintf("s3-%s", b.bucketName)
}

// LocationURI returns the URI that identifies this storage backend.
func (b *S3Backend) LocationURI() string {
	return b.locationURI
}

func (b *S3Backend) getObject(ctx context.Context, objectKey string) ([]byte, error) {
	result, err := b.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && (aerr.Code() == s3.ErrCodeNoSuchKey || aerr.Code() == "NotFound") {
			return nil, interfaces.ErrContentNotFound
		}
		return nil, fmt.Errorf("%w: failed to get object from S3: %v", interfaces.ErrBackendUnavailable, err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object body: %w", err)
	}
	return data, nil
}

func (b *S3Backend) getObjectKey(key interfaces.RecordKey) string {
	return b.withPrefix(recordPath(key))
}

func (b *S3Backend) withPrefix(p string) string {
	if b.prefix == "" {
		return p
	}
	return path.Join(b.prefix, p)
}
