package assets

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithy "github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"stackpilot/pkg/assembly"
)

type fakeStore struct {
	mu       sync.Mutex
	existing map[string]bool
	puts     []string
	headErr  error
}

func (f *fakeStore) key(bucket, key *string) string {
	return *bucket + "/" + *key
}

func (f *fakeStore) HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.headErr != nil {
		return nil, f.headErr
	}
	if f.existing[f.key(params.Bucket, params.Key)] {
		return &s3.HeadObjectOutput{}, nil
	}
	return nil, &smithy.GenericAPIError{Code: "NotFound", Message: "not found"}
}

func (f *fakeStore) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts = append(f.puts, f.key(params.Bucket, params.Key))
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeStore) putKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := append([]string(nil), f.puts...)
	sort.Strings(keys)
	return keys
}

func testManifest(t *testing.T, assets map[string]string) *assembly.Manifest {
	t.Helper()
	dir := t.TempDir()
	m := &assembly.Manifest{Files: map[string]assembly.FileAsset{}, Dir: dir}
	for id, source := range assets {
		if source != "" {
			require.NoError(t, os.WriteFile(filepath.Join(dir, source), []byte("zip"), 0o644))
		}
		var a assembly.FileAsset
		a.Source.Path = source
		a.Destination.BucketName = "assets-${AWS::AccountId}-${AWS::Region}"
		a.Destination.ObjectKey = id + ".zip"
		m.Files[id] = a
	}
	return m
}

var testEnv = assembly.Environment{Account: "123456789012", Region: "us-east-1"}

func TestPublishUploadsMissingObjects(t *testing.T) {
	store := &fakeStore{}
	m := testManifest(t, map[string]string{"a1": "a1.zip", "a2": "a2.zip"})

	p := NewPublisher(store, zap.NewNop())
	require.NoError(t, p.Publish(context.Background(), m, testEnv, nil))

	assert.Equal(t, []string{
		"assets-123456789012-us-east-1/a1.zip",
		"assets-123456789012-us-east-1/a2.zip",
	}, store.putKeys())
}

func TestPublishSkipsExistingObjects(t *testing.T) {
	store := &fakeStore{existing: map[string]bool{
		"assets-123456789012-us-east-1/a1.zip": true,
	}}
	m := testManifest(t, map[string]string{"a1": "a1.zip", "a2": "a2.zip"})

	p := NewPublisher(store, zap.NewNop())
	require.NoError(t, p.Publish(context.Background(), m, testEnv, nil))

	assert.Equal(t, []string{"assets-123456789012-us-east-1/a2.zip"}, store.putKeys())
}

func TestPublishFiltersByID(t *testing.T) {
	store := &fakeStore{}
	m := testManifest(t, map[string]string{"a1": "a1.zip", "a2": "a2.zip", "a3": "a3.zip"})

	p := NewPublisher(store, zap.NewNop())
	require.NoError(t, p.Publish(context.Background(), m, testEnv, []string{"a2"}))

	assert.Equal(t, []string{"assets-123456789012-us-east-1/a2.zip"}, store.putKeys())
}

func TestPublishUnknownIDFails(t *testing.T) {
	store := &fakeStore{}
	m := testManifest(t, map[string]string{"a1": "a1.zip"})

	p := NewPublisher(store, zap.NewNop())
	err := p.Publish(context.Background(), m, testEnv, []string{"ghost"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost")
	assert.Empty(t, store.putKeys())
}

func TestPublishReportsEveryFailure(t *testing.T) {
	store := &fakeStore{}
	m := testManifest(t, map[string]string{"good": "good.zip"})
	for _, id := range []string{"bad1", "bad2"} {
		var a assembly.FileAsset
		a.Source.Path = id + ".zip" // never written to disk
		a.Destination.BucketName = "assets"
		a.Destination.ObjectKey = id + ".zip"
		m.Files[id] = a
	}

	p := NewPublisher(store, zap.NewNop())
	err := p.Publish(context.Background(), m, testEnv, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad1")
	assert.Contains(t, err.Error(), "bad2")

	// The healthy asset still went out.
	assert.Equal(t, []string{"assets-123456789012-us-east-1/good.zip"}, store.putKeys())
}

func TestPublishNilManifestIsNoop(t *testing.T) {
	p := NewPublisher(&fakeStore{}, zap.NewNop())
	assert.NoError(t, p.Publish(context.Background(), nil, testEnv, nil))
}
