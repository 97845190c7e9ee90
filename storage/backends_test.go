package storage

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/neurallog/kek-custody/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 keeps objects in a map and implements the subset of S3API the backend uses.
type fakeS3 struct {
	s3iface.S3API
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) GetObjectWithContext(_ aws.Context, in *s3.GetObjectInput, _ ...request.Option) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.StringValue(in.Key)]
	if !ok {
		return nil, awserr.New(s3.ErrCodeNoSuchKey, "no such key", nil)
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) PutObjectWithContext(_ aws.Context, in *s3.PutObjectInput, _ ...request.Option) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.StringValue(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2PagesWithContext(_ aws.Context, in *s3.ListObjectsV2Input, fn func(*s3.ListObjectsV2Output, bool) bool, _ ...request.Option) error {
	f.mu.Lock()
	page := &s3.ListObjectsV2Output{}
	for k := range f.objects {
		if strings.HasPrefix(k, aws.StringValue(in.Prefix)) {
			page.Contents = append(page.Contents, &s3.Object{Key: aws.String(k)})
		}
	}
	f.mu.Unlock()
	fn(page, true)
	return nil
}

func (f *fakeS3) HeadBucketWithContext(_ aws.Context, _ *s3.HeadBucketInput, _ ...request.Option) (*s3.HeadBucketOutput, error) {
	return &s3.HeadBucketOutput{}, nil
}

func backendsUnderTest(t *testing.T) map[string]interfaces.RecordStore {
	t.Helper()
	log := discardLogger()

	fileBackend, err := NewFileBackend(t.TempDir(), log)
	require.NoError(t, err)

	db, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	sqlBackend, err := NewSQLBackend(db, "sqlite://:memory:", log)
	require.NoError(t, err)

	return map[string]interfaces.RecordStore{
		"memory": NewMemoryBackend(log),
		"file":   fileBackend,
		"sql":    sqlBackend,
		"s3":     newS3BackendWithClient(newFakeS3(), "bucket", "custody", "s3://bucket/custody", log),
	}
}

func TestRecordStoreRoundTrip(t *testing.T) {
	ctx := context.Background()

	for name, backend := range backendsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			require.True(t, backend.Available(ctx))

			key := interfaces.RecordKey{TenantID: "acme", Collection: interfaces.BlobsCollection, ID: "v1/alice"}
			_, err := backend.Get(ctx, key)
			assert.ErrorIs(t, err, interfaces.ErrNotFound)

			require.NoError(t, backend.Put(ctx, key, []byte("first")))
			require.NoError(t, backend.Put(ctx, key, []byte("second")))

			data, err := backend.Get(ctx, key)
			require.NoError(t, err)
			assert.Equal(t, []byte("second"), data)

			other := interfaces.RecordKey{TenantID: "acme", Collection: interfaces.BlobsCollection, ID: "v1/bob"}
			require.NoError(t, backend.Put(ctx, other, []byte("bob")))

			// Same collection name under another tenant must not leak into the listing.
			foreign := interfaces.RecordKey{TenantID: "globex", Collection: interfaces.BlobsCollection, ID: "v1/alice"}
			require.NoError(t, backend.Put(ctx, foreign, []byte("foreign")))

			records, err := backend.List(ctx, "acme", interfaces.BlobsCollection)
			require.NoError(t, err)
			assert.Equal(t, map[string][]byte{
				"v1/alice": []byte("second"),
				"v1/bob":   []byte("bob"),
			}, records)

			empty, err := backend.List(ctx, "acme", interfaces.UsersCollection)
			require.NoError(t, err)
			assert.Empty(t, empty)
		})
	}
}

func TestRecordStoreRejectsInvalidKeys(t *testing.T) {
	ctx := context.Background()
	invalid := []interfaces.RecordKey{
		{TenantID: "", Collection: interfaces.UsersCollection, ID: "alice"},
		{TenantID: "../etc", Collection: interfaces.UsersCollection, ID: "alice"},
		{TenantID: "acme", Collection: interfaces.UsersCollection, ID: ".."},
		{TenantID: "acme", Collection: interfaces.UsersCollection, ID: ""},
	}

	for name, backend := range backendsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			for _, key := range invalid {
				assert.ErrorIs(t, backend.Put(ctx, key, []byte("x")), interfaces.ErrValidation, key.String())
			}
		})
	}
}

func TestFileBackendPersistsAcrossInstances(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	key := interfaces.RecordKey{TenantID: "acme", Collection: interfaces.UsersCollection, ID: "alice"}

	first, err := NewFileBackend(dir, discardLogger())
	require.NoError(t, err)
	require.NoError(t, first.Put(ctx, key, []byte(`{"id":"alice"}`)))

	second, err := NewFileBackend(dir, discardLogger())
	require.NoError(t, err)
	data, err := second.Get(ctx, key)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"alice"}`, string(data))
	assert.FileExists(t, filepath.Join(dir, "acme", "users", "alice"))
}

func TestStorageBackendFactory(t *testing.T) {
	factory := NewStorageBackendFactory(discardLogger())

	tests := []struct {
		name     string
		uri      string
		wantName string
		wantErr  bool
	}{
		{name: "memory", uri: "memory://", wantName: "memory"},
		{name: "file", uri: "file://" + t.TempDir(), wantName: "file"},
		{name: "sqlite", uri: "sqlite://:memory:", wantName: "sql-sqlite"},
		{name: "s3 without bucket", uri: "s3:///prefix", wantErr: true},
		{name: "vault without mount", uri: "vault://localhost:8200", wantErr: true},
		{name: "unknown scheme", uri: "ftp://example.com/x", wantErr: true},
		{name: "empty sqlite path", uri: "sqlite://", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend, err := factory.StorageBackendFor(interfaces.StorageBackendLocation(tt.uri))
			if tt.wantErr {
				assert.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)
				return
			}
			require.NoError(t, err)
			assert.True(t, strings.HasPrefix(backend.Name(), tt.wantName))
		})
	}
}

func TestCreateMultiBackend(t *testing.T) {
	factory := NewStorageBackendFactory(discardLogger())

	single, err := factory.CreateMultiBackend([]interfaces.StorageBackendLocation{"memory://"})
	require.NoError(t, err)
	assert.Equal(t, "memory", single.Name())

	multi, err := factory.CreateMultiBackend([]interfaces.StorageBackendLocation{"memory://", "file://" + interfaces.StorageBackendLocation(t.TempDir())})
	require.NoError(t, err)
	assert.Equal(t, "multi-storage", multi.Name())

	_, err = factory.CreateMultiBackend(nil)
	assert.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)

	_, err = factory.CreateMultiBackend([]interfaces.StorageBackendLocation{"memory://", "bogus://"})
	assert.Error(t, err)
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "s3://***@bucket/p", redact("s3://AK:SK@bucket/p"))
	assert.Equal(t, "***@tcp(db:3306)/custody", redact("root:pw@tcp(db:3306)/custody"))
	assert.Equal(t, "memory://", redact("memory://"))
}
