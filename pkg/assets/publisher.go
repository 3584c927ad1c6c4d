// Package assets publishes file assets from a synthesized assembly to the
// staging bucket. Uploads are content-addressed by the manifest's object keys,
// so an object that already exists is never re-uploaded.
package assets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithy "github.com/aws/smithy-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"stackpilot/pkg/assembly"
)

// ObjectStoreAPI is the subset of the S3 API the publisher needs.
type ObjectStoreAPI interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

var _ ObjectStoreAPI = (*s3.Client)(nil)

// Publisher uploads manifest assets to their destinations.
type Publisher struct {
	Store       ObjectStoreAPI
	Logger      *zap.Logger
	Concurrency int
}

// NewPublisher returns a publisher with a default upload concurrency.
func NewPublisher(store ObjectStoreAPI, logger *zap.Logger) *Publisher {
	return &Publisher{Store: store, Logger: logger, Concurrency: 4}
}

// Publish uploads the manifest's assets for the given environment. If ids is
// non-empty, only those assets are published. Individual upload failures do
// not abort the remaining uploads; the aggregate error reports every failed
// asset so the caller can decide whether to proceed.
func (p *Publisher) Publish(ctx context.Context, m *assembly.Manifest, env assembly.Environment, ids []string) error {
	if m == nil || len(m.Files) == 0 {
		return nil
	}

	selected := m.Files
	if len(ids) > 0 {
		selected = map[string]assembly.FileAsset{}
		for _, id := range ids {
			asset, ok := m.Files[id]
			if !ok {
				return fmt.Errorf("asset %s not present in manifest", id)
			}
			selected[id] = asset
		}
	}

	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(p.Concurrency)

	var mu sync.Mutex
	var failures []error

	for id, asset := range selected {
		id, asset := id, asset
		group.Go(func() error {
			if err := p.publishOne(ctx, m.Dir, id, asset, env); err != nil {
				mu.Lock()
				failures = append(failures, fmt.Errorf("asset %s: %w", id, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = group.Wait()

	return errors.Join(failures...)
}

func (p *Publisher) publishOne(ctx context.Context, dir, id string, asset assembly.FileAsset, env assembly.Environment) error {
	bucket := env.Substitute(asset.Destination.BucketName)
	key := env.Substitute(asset.Destination.ObjectKey)
	if bucket == "" || key == "" {
		return fmt.Errorf("asset has no destination bucket/key")
	}

	exists, err := p.objectExists(ctx, bucket, key)
	if err != nil {
		return err
	}
	if exists {
		p.Logger.Debug("asset already published", zap.String("asset", id), zap.String("key", key))
		return nil
	}

	source := asset.Source.Path
	if !filepath.IsAbs(source) {
		source = filepath.Join(dir, source)
	}
	file, err := os.Open(source)
	if err != nil {
		return fmt.Errorf("failed to open asset source: %w", err)
	}
	defer file.Close()

	p.Logger.Info("publishing asset",
		zap.String("asset", id),
		zap.String("bucket", bucket),
		zap.String("key", key))

	_, err = p.Store.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   file,
	})
	if err != nil {
		return fmt.Errorf("failed to upload asset: %w", err)
	}
	return nil
}

func (p *Publisher) objectExists(ctx context.Context, bucket, key string) (bool, error) {
	_, err := p.Store.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && (apiErr.ErrorCode() == "NotFound" || apiErr.ErrorCode() == "NoSuchKey") {
		return false, nil
	}
	return false, fmt.Errorf("failed to check for existing object: %w", err)
}
